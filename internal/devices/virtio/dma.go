package virtio

import "fmt"

// DMARegion is a streaming DMA mapping of guest memory. The CPU works on a
// private view; nothing moves between that view and the device until the
// owner syncs the range explicitly.
type DMARegion struct {
	mem  *Memory
	addr uint64
	view []byte
}

// AllocRegion maps a new zeroed region of size bytes.
func (m *Memory) AllocRegion(size int) (*DMARegion, error) {
	addr, err := m.Alloc(uint64(size), 64)
	if err != nil {
		return nil, err
	}
	return &DMARegion{mem: m, addr: addr, view: make([]byte, size)}, nil
}

// Addr is the guest physical address of the region.
func (r *DMARegion) Addr() uint64 { return r.addr }

func (r *DMARegion) Len() int { return len(r.view) }

// Bytes is the CPU view of the region.
func (r *DMARegion) Bytes() []byte { return r.view }

// SyncForDevice publishes view[off:off+n] to the device.
func (r *DMARegion) SyncForDevice(off, n int) error {
	if err := r.checkRange(off, n); err != nil {
		return err
	}
	return writeGuestFrom(r.mem, r.addr+uint64(off), r.view[off:off+n])
}

// SyncForCPU pulls device writes to [off, off+n) into the CPU view.
func (r *DMARegion) SyncForCPU(off, n int) error {
	if err := r.checkRange(off, n); err != nil {
		return err
	}
	return readGuestInto(r.mem, r.addr+uint64(off), r.view[off:off+n])
}

// Release unmaps the region. It must not be in use by the device.
func (r *DMARegion) Release() {
	r.mem.Free(r.addr, uint64(len(r.view)))
	r.view = nil
}

func (r *DMARegion) checkRange(off, n int) error {
	if off < 0 || n < 0 || off+n > len(r.view) {
		return fmt.Errorf("virtio: dma range [%d,%d) outside %d byte region", off, off+n, len(r.view))
	}
	return nil
}

// Slice is a byte range of a region handed to a queue as one descriptor.
type Slice struct {
	Region *DMARegion
	Off    int
	Len    int
	// Write marks the slice device-writable.
	Write bool
}

func (s Slice) addr() uint64 { return s.Region.addr + uint64(s.Off) }
