package virtiofs

import (
	"fmt"

	"github.com/tinyrange/virtiofs/internal/devices/virtio"
)

// slot is one DMA buffer holding a request image followed by the space
// for its reply. A slot belongs to at most one pending call.
type slot struct {
	index  int
	region *virtio.DMARegion
}

// slotPool is the fixed set of slots of one queue. Regions are mapped on
// first use. It is guarded by the owning queue's lock.
type slotPool struct {
	size  int
	alloc func(int) (*virtio.DMARegion, error)
	free  []*slot
	busy  int
}

func newSlotPool(n, size int, alloc func(int) (*virtio.DMARegion, error)) *slotPool {
	p := &slotPool{size: size, alloc: alloc, free: make([]*slot, 0, n)}
	for i := n - 1; i >= 0; i-- {
		p.free = append(p.free, &slot{index: i})
	}
	return p
}

// get takes a free slot without waiting.
func (p *slotPool) get() (*slot, error) {
	if len(p.free) == 0 {
		return nil, fmt.Errorf("%w: all %d slots in flight", ErrQueueFull, p.busy)
	}
	s := p.free[len(p.free)-1]
	if s.region == nil {
		r, err := p.alloc(p.size)
		if err != nil {
			return nil, fmt.Errorf("virtio-fs: map slot %d: %w", s.index, err)
		}
		s.region = r
	}
	p.free = p.free[:len(p.free)-1]
	p.busy++
	return s, nil
}

// put returns a slot the device no longer holds.
func (p *slotPool) put(s *slot) {
	p.free = append(p.free, s)
	p.busy--
}

// retire returns a slot whose reply could not be trusted. The device has
// already given the chain back, so the region is unmapped and the next
// user maps a fresh one.
func (p *slotPool) retire(s *slot) {
	if s.region != nil {
		s.region.Release()
		s.region = nil
	}
	p.put(s)
}
