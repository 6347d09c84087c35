package comm

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/notargets/DGCoupler/utils"
)

// FaultFunc lets tests fail point-to-point sends. A non-nil return fails the
// send from src to dst with a communication failure. Collectives are never
// subject to faults.
type FaultFunc func(src, dst int, tag uint64) error

// WorldConfig describes an in-process world
type WorldConfig struct {
	Size  int
	Fault FaultFunc
}

// Pair identifies an ordered (sender, receiver) pair
type Pair struct {
	Src, Dst int
}

// Traffic counts point-to-point messages between one ordered pair
type Traffic struct {
	Messages int
	Bytes    int
}

// World is an in-process transport joining Size endpoints. Ranks share no
// memory through it: every payload is copied on send.
type World struct {
	cfg       WorldConfig
	boxes     []*mailbox
	endpoints []*Endpoint

	mu      sync.Mutex
	traffic map[Pair]Traffic
}

// NewWorld creates a world of cfg.Size ranks
func NewWorld(cfg WorldConfig) (*World, error) {
	if cfg.Size <= 0 {
		return nil, utils.Configuration("comm.NewWorld", -1, "invalid world size %d", cfg.Size)
	}

	w := &World{
		cfg:       cfg,
		boxes:     make([]*mailbox, cfg.Size),
		endpoints: make([]*Endpoint, cfg.Size),
		traffic:   make(map[Pair]Traffic),
	}
	for r := 0; r < cfg.Size; r++ {
		w.boxes[r] = newMailbox()
		w.endpoints[r] = &Endpoint{world: w, rank: r}
	}
	return w, nil
}

// Size returns the number of ranks
func (w *World) Size() int {
	return w.cfg.Size
}

// Endpoint returns the Group handle for rank, or nil if out of range
func (w *World) Endpoint(rank int) *Endpoint {
	if rank < 0 || rank >= w.cfg.Size {
		return nil
	}
	return w.endpoints[rank]
}

// Stats returns a snapshot of point-to-point traffic per ordered pair
func (w *World) Stats() map[Pair]Traffic {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[Pair]Traffic, len(w.traffic))
	for k, v := range w.traffic {
		out[k] = v
	}
	return out
}

// Pending counts messages delivered to any rank that no receive has taken.
// Messages for a receive abandoned by cancellation are dropped on arrival
// and never counted.
func (w *World) Pending() int {
	n := 0
	for _, b := range w.boxes {
		n += b.queued()
	}
	return n
}

// ResetStats clears the traffic counters
func (w *World) ResetStats() {
	w.mu.Lock()
	w.traffic = make(map[Pair]Traffic)
	w.mu.Unlock()
}

func (w *World) record(src, dst, bytes int) {
	w.mu.Lock()
	t := w.traffic[Pair{src, dst}]
	t.Messages++
	t.Bytes += bytes
	w.traffic[Pair{src, dst}] = t
	w.mu.Unlock()
}

// Endpoint is one rank's Group handle into a World
type Endpoint struct {
	world *World
	rank  int
	epoch atomic.Uint64
}

var _ Group = (*Endpoint)(nil)

// Rank returns this endpoint's rank
func (e *Endpoint) Rank() int { return e.rank }

// Size returns the world size
func (e *Endpoint) Size() int { return e.world.cfg.Size }

// Epoch returns the collective counter
func (e *Endpoint) Epoch() uint64 { return e.epoch.Load() }

func (e *Endpoint) checkPeer(op string, peer int) error {
	if peer < 0 || peer >= e.world.cfg.Size {
		return utils.Configuration(op, e.rank, "peer rank %d outside group of size %d",
			peer, e.world.cfg.Size)
	}
	return nil
}

// Isend copies payload into dest's mailbox. Delivery never blocks.
func (e *Endpoint) Isend(ctx context.Context, dest int, tag uint64, payload []byte) *Request {
	if err := e.checkPeer("comm.Isend", dest); err != nil {
		return completedRequest(e.rank, nil, err)
	}
	if err := ctx.Err(); err != nil {
		return completedRequest(e.rank, nil, utils.Communication("comm.Isend", e.rank, err))
	}
	if fault := e.world.cfg.Fault; fault != nil {
		if err := fault(e.rank, dest, tag); err != nil {
			return completedRequest(e.rank, nil, utils.Communication("comm.Isend", e.rank,
				fmt.Errorf("send to rank %d: %w", dest, err)))
		}
	}

	msg := make([]byte, len(payload))
	copy(msg, payload)
	e.world.boxes[dest].deliver(msgKey{src: e.rank, tag: tag}, msg)
	e.world.record(e.rank, dest, len(msg))
	return completedRequest(e.rank, nil, nil)
}

// Irecv posts a receive that completes when the matching message arrives or
// ctx is cancelled
func (e *Endpoint) Irecv(ctx context.Context, src int, tag uint64) *Request {
	if err := e.checkPeer("comm.Irecv", src); err != nil {
		return completedRequest(e.rank, nil, err)
	}

	req := newRequest(e.rank)
	box := e.world.boxes[e.rank]
	key := msgKey{src: src, tag: tag}
	wait, msg, err := box.post(key)
	if err != nil {
		req.complete(nil, utils.Communication("comm.Irecv", e.rank, err))
		return req
	}
	if wait == nil {
		req.complete(msg, nil)
		return req
	}

	go func() {
		msg, err := box.await(ctx, key, wait)
		req.complete(msg, utils.Communication("comm.Irecv", e.rank, err))
	}()
	return req
}

// Allgather returns every rank's data indexed by rank
func (e *Endpoint) Allgather(ctx context.Context, data []byte) ([][]byte, error) {
	send := make([][]byte, e.Size())
	for r := range send {
		send[r] = data
	}
	return e.exchangeCollective(ctx, "comm.Allgather", send)
}

// Alltoall sends send[r] to rank r
func (e *Endpoint) Alltoall(ctx context.Context, send [][]byte) ([][]byte, error) {
	if len(send) != e.Size() {
		return nil, utils.Configuration("comm.Alltoall", e.rank,
			"send has %d entries for group of size %d", len(send), e.Size())
	}
	return e.exchangeCollective(ctx, "comm.Alltoall", send)
}

// Barrier returns once every rank has entered it
func (e *Endpoint) Barrier(ctx context.Context) error {
	_, err := e.exchangeCollective(ctx, "comm.Barrier", make([][]byte, e.Size()))
	return err
}

func (e *Endpoint) exchangeCollective(ctx context.Context, op string, send [][]byte) ([][]byte, error) {
	epoch := e.epoch.Add(1)
	size := e.Size()

	for dst := 0; dst < size; dst++ {
		if dst == e.rank {
			continue
		}
		msg := make([]byte, len(send[dst]))
		copy(msg, send[dst])
		e.world.boxes[dst].deliver(msgKey{src: e.rank, tag: epoch, collective: true}, msg)
	}

	out := make([][]byte, size)
	out[e.rank] = append([]byte(nil), send[e.rank]...)
	box := e.world.boxes[e.rank]
	for src := 0; src < size; src++ {
		if src == e.rank {
			continue
		}
		key := msgKey{src: src, tag: epoch, collective: true}
		wait, msg, err := box.post(key)
		if err == nil && wait != nil {
			msg, err = box.await(ctx, key, wait)
		}
		if err != nil {
			return nil, utils.Communication(op, e.rank, fmt.Errorf("epoch %d from rank %d: %w", epoch, src, err))
		}
		out[src] = msg
	}
	return out, nil
}

// msgKey matches a message to its receive. Collective keys use the epoch as
// tag and never collide with point-to-point traffic.
type msgKey struct {
	src        int
	tag        uint64
	collective bool
}

type mailbox struct {
	mu      sync.Mutex
	pending map[msgKey][][]byte
	waiting map[msgKey]chan []byte
	// Keys whose receive was cancelled before anything arrived; the first
	// message delivered for one is dropped instead of queued
	abandoned map[msgKey]struct{}
}

func newMailbox() *mailbox {
	return &mailbox{
		pending:   make(map[msgKey][][]byte),
		waiting:   make(map[msgKey]chan []byte),
		abandoned: make(map[msgKey]struct{}),
	}
}

func (m *mailbox) deliver(key msgKey, msg []byte) {
	m.mu.Lock()
	if _, ok := m.abandoned[key]; ok {
		delete(m.abandoned, key)
		m.mu.Unlock()
		return
	}
	if ch, ok := m.waiting[key]; ok {
		delete(m.waiting, key)
		m.mu.Unlock()
		ch <- msg
		return
	}
	m.pending[key] = append(m.pending[key], msg)
	m.mu.Unlock()
}

// post either takes an already delivered message or registers a waiter
func (m *mailbox) post(key msgKey) (chan []byte, []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if q := m.pending[key]; len(q) > 0 {
		msg := q[0]
		if len(q) == 1 {
			delete(m.pending, key)
		} else {
			m.pending[key] = q[1:]
		}
		return nil, msg, nil
	}
	if _, busy := m.waiting[key]; busy {
		return nil, nil, fmt.Errorf("tag %d from rank %d already has a pending receive", key.tag, key.src)
	}
	ch := make(chan []byte, 1)
	m.waiting[key] = ch
	return ch, nil, nil
}

// queued counts delivered messages no receive has taken yet
func (m *mailbox) queued() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, q := range m.pending {
		n += len(q)
	}
	return n
}

func (m *mailbox) await(ctx context.Context, key msgKey, ch chan []byte) ([]byte, error) {
	select {
	case msg := <-ch:
		return msg, nil
	case <-ctx.Done():
		m.mu.Lock()
		if m.waiting[key] == ch {
			delete(m.waiting, key)
			m.abandoned[key] = struct{}{}
			m.mu.Unlock()
			return nil, ctx.Err()
		}
		m.mu.Unlock()
		// Delivery won the race; the message is already on its way
		return <-ch, nil
	}
}
