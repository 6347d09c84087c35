// Package device stages exchange buffers in OCCA device memory so that
// kernels can consume fields a Rearranger has just delivered.
package device

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/notargets/DGCoupler/buffer"
	"github.com/notargets/DGCoupler/utils"
	"github.com/notargets/gocca"
)

// DefaultBackends are tried in order by NewDevice when no properties are given
var DefaultBackends = []string{
	`{"mode": "OpenMP"}`,
	`{"mode": "CUDA", "device_id": 0}`,
	`{"mode": "Serial"}`,
}

const float64Size = int64(unsafe.Sizeof(float64(0)))

// NewDevice opens the first OCCA backend in props (DefaultBackends when
// empty) that initializes.
func NewDevice(props ...string) (*gocca.OCCADevice, error) {
	if len(props) == 0 {
		props = DefaultBackends
	}
	var errs []error
	for _, p := range props {
		dev, err := gocca.NewDevice(p)
		if err == nil {
			return dev, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", p, err))
	}
	return nil, utils.Allocation("device.NewDevice", -1, "no backend available: %w", errors.Join(errs...))
}

// Mirror is a device allocation shadowing one Buffer. Field f lives at byte
// offset f*Len*8, the same packed layout the host buffer uses.
type Mirror struct {
	dev *gocca.OCCADevice
	mem *gocca.OCCAMemory
	buf *buffer.Buffer
}

// NewMirror allocates device memory for buf and copies its current contents
func NewMirror(dev *gocca.OCCADevice, buf *buffer.Buffer) (*Mirror, error) {
	const op = "device.NewMirror"
	switch {
	case dev == nil:
		return nil, utils.Configuration(op, -1, "nil device")
	case buf == nil:
		return nil, utils.Configuration(op, -1, "nil buffer")
	case len(buf.Data()) == 0:
		return nil, utils.Allocation(op, -1, "buffer has no elements to mirror")
	}

	data := buf.Data()
	mem := dev.Malloc(int64(len(data))*float64Size, unsafe.Pointer(&data[0]), nil)
	if mem == nil {
		return nil, utils.Allocation(op, -1, "device allocation of %d bytes failed", int64(len(data))*float64Size)
	}
	return &Mirror{dev: dev, mem: mem, buf: buf}, nil
}

// Memory exposes the device allocation for kernel arguments
func (m *Mirror) Memory() *gocca.OCCAMemory { return m.mem }

// Buffer is the host side of the mirror
func (m *Mirror) Buffer() *buffer.Buffer { return m.buf }

// Upload copies every field host to device
func (m *Mirror) Upload() {
	data := m.buf.Data()
	m.mem.CopyFrom(unsafe.Pointer(&data[0]), int64(len(data))*float64Size)
}

// Download copies every field device to host and waits for the device
func (m *Mirror) Download() {
	m.dev.Finish()
	data := m.buf.Data()
	m.mem.CopyTo(unsafe.Pointer(&data[0]), int64(len(data))*float64Size)
}

// UploadField copies a single field host to device
func (m *Mirror) UploadField(name string) error {
	v, offset, err := m.field(name)
	if err != nil || len(v) == 0 {
		return err
	}
	m.mem.CopyFromWithOffset(unsafe.Pointer(&v[0]), int64(len(v))*float64Size, offset)
	return nil
}

// DownloadField copies a single field device to host
func (m *Mirror) DownloadField(name string) error {
	v, offset, err := m.field(name)
	if err != nil || len(v) == 0 {
		return err
	}
	m.dev.Finish()
	m.mem.CopyToWithOffset(unsafe.Pointer(&v[0]), int64(len(v))*float64Size, offset)
	return nil
}

func (m *Mirror) field(name string) ([]float64, int64, error) {
	i, ok := m.buf.FieldIndex(name)
	if !ok {
		return nil, 0, fmt.Errorf("mirror has no field %q", name)
	}
	return m.buf.MustView(name), int64(i*m.buf.Len()) * float64Size, nil
}

// Free releases the device allocation. The host buffer is untouched.
func (m *Mirror) Free() {
	if m.mem != nil {
		m.mem.Free()
		m.mem = nil
	}
}
