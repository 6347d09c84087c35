// Package comm provides the process group the coupler runs over: a fixed set
// of ranks exchanging tagged point-to-point messages plus the handful of
// collectives needed to build descriptors and routers.
//
// There is no implicit global communicator. Every collective construction call
// takes a Group explicitly, and all ranks of a Group must call collectives in
// the same relative order.
package comm

import (
	"context"

	"github.com/notargets/DGCoupler/utils"
)

// Group is the view one rank has of its process group
type Group interface {
	Rank() int
	Size() int

	// Epoch is the number of collectives this rank has completed or entered.
	// Ranks calling collectives in the same order agree on it.
	Epoch() uint64

	// Isend posts a send and returns immediately. The payload is copied, so the
	// caller may reuse it as soon as Isend returns.
	Isend(ctx context.Context, dest int, tag uint64, payload []byte) *Request

	// Irecv posts a receive for the message from src carrying tag
	Irecv(ctx context.Context, src int, tag uint64) *Request

	// Allgather returns every rank's data indexed by rank
	Allgather(ctx context.Context, data []byte) ([][]byte, error)

	// Alltoall sends send[r] to rank r and returns what each rank sent here
	Alltoall(ctx context.Context, send [][]byte) ([][]byte, error)

	Barrier(ctx context.Context) error
}

// Request tracks one posted non-blocking operation
type Request struct {
	rank int
	done chan struct{}
	data []byte
	err  error
}

func newRequest(rank int) *Request {
	return &Request{rank: rank, done: make(chan struct{})}
}

func completedRequest(rank int, data []byte, err error) *Request {
	r := newRequest(rank)
	r.complete(data, err)
	return r
}

func (r *Request) complete(data []byte, err error) {
	r.data, r.err = data, err
	close(r.done)
}

// Done is closed once the operation has finished, successfully or not
func (r *Request) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the operation completes and returns the received payload
// (nil for sends). Cancelling ctx abandons the wait with a communication failure.
func (r *Request) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-r.done:
		return r.data, r.err
	case <-ctx.Done():
		return nil, utils.Communication("comm.Wait", r.rank, ctx.Err())
	}
}
