package virtio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrQueueFull is returned by Add when the ring has too few free
	// descriptors for the chain.
	ErrQueueFull = errors.New("virtio: queue full")

	// ErrNotReady is returned by PopUsed when the device has not completed
	// anything since the last pop.
	ErrNotReady = errors.New("virtio: no used buffer ready")
)

// Token identifies a submitted chain until it is popped. It is the chain's
// head descriptor index.
type Token uint16

// DriverQueue is the driver end of a split virtqueue living in Memory. It is
// not safe for concurrent use; callers serialize access per queue.
type DriverQueue struct {
	mem  *Memory
	size uint16
	ring ringLayout

	freeHead uint16
	numFree  uint16
	// next mirrors the descriptor next fields so freeing a chain never
	// trusts device-visible memory.
	next   []uint16
	chains map[uint16]uint16 // head -> descriptor count

	availIdx uint16
	lastUsed uint16
}

// NewDriverQueue allocates the rings for a queue of size descriptors.
func NewDriverQueue(mem *Memory, size uint16) (*DriverQueue, error) {
	if err := checkRingSize(size, size); err != nil {
		return nil, err
	}
	descAddr, err := mem.Alloc(descSize*uint64(size), 16)
	if err != nil {
		return nil, err
	}
	availAddr, err := mem.Alloc(ringHeaderLen+2+availElemSize*uint64(size), 2)
	if err != nil {
		return nil, err
	}
	usedAddr, err := mem.Alloc(ringHeaderLen+2+usedElemSize*uint64(size), 4)
	if err != nil {
		return nil, err
	}
	q := &DriverQueue{
		mem:     mem,
		size:    size,
		ring:    ringLayout{size: size, desc: descAddr, avail: availAddr, used: usedAddr},
		numFree: size,
		next:    make([]uint16, size),
		chains:  make(map[uint16]uint16),
	}
	for i := range q.next {
		q.next[i] = uint16(i + 1)
	}
	return q, nil
}

// Attach points a device queue at this ring.
func (q *DriverQueue) Attach(dev *VirtQueue) error {
	return dev.attach(q.ring)
}

func (q *DriverQueue) Size() uint16 { return q.size }

// NumFree is the number of unused descriptors.
func (q *DriverQueue) NumFree() int { return int(q.numFree) }

// Add publishes one chain made of slices, readable slices first. It does
// not notify the device.
func (q *DriverQueue) Add(slices []Slice) (Token, error) {
	if len(slices) == 0 {
		return 0, fmt.Errorf("virtio: empty descriptor chain")
	}
	if len(slices) > int(q.numFree) {
		return 0, fmt.Errorf("%w: need %d descriptors, %d free", ErrQueueFull, len(slices), q.numFree)
	}

	head := q.freeHead
	idx := head
	var desc [descSize]byte
	for i, s := range slices {
		var flags uint16
		if s.Write {
			flags |= virtqDescFWrite
		}
		if i < len(slices)-1 {
			flags |= virtqDescFNext
		}
		binary.LittleEndian.PutUint64(desc[0:8], s.addr())
		binary.LittleEndian.PutUint32(desc[8:12], uint32(s.Len))
		binary.LittleEndian.PutUint16(desc[12:14], flags)
		binary.LittleEndian.PutUint16(desc[14:16], q.next[idx])
		if err := writeGuestFrom(q.mem, q.ring.descAddr(idx), desc[:]); err != nil {
			return 0, err
		}
		if i < len(slices)-1 {
			idx = q.next[idx]
		}
	}
	q.freeHead = q.next[idx]
	q.numFree -= uint16(len(slices))
	q.chains[head] = uint16(len(slices))

	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], head)
	if err := writeGuestFrom(q.mem, q.ring.availElem(q.availIdx), b[:]); err != nil {
		return 0, err
	}
	q.availIdx++
	binary.LittleEndian.PutUint16(b[:], q.availIdx)
	if err := writeGuestFrom(q.mem, q.ring.availIdx(), b[:]); err != nil {
		return 0, err
	}
	return Token(head), nil
}

// ShouldNotify reports whether the device asked to be kicked.
func (q *DriverQueue) ShouldNotify() bool {
	var b [2]byte
	if err := readGuestInto(q.mem, q.ring.used, b[:]); err != nil {
		return true
	}
	return binary.LittleEndian.Uint16(b[:])&virtqUsedFNoNotify == 0
}

// SuppressInterrupts sets or clears VIRTQ_AVAIL_F_NO_INTERRUPT.
func (q *DriverQueue) SuppressInterrupts(suppress bool) error {
	var flags uint16
	if suppress {
		flags = virtqAvailFNoInterrupt
	}
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], flags)
	return writeGuestFrom(q.mem, q.ring.avail, b[:])
}

// PopUsed takes the next completed chain off the used ring and frees its
// descriptors. It returns ErrNotReady when nothing is pending.
func (q *DriverQueue) PopUsed() (Token, uint32, error) {
	var hdr [2]byte
	if err := readGuestInto(q.mem, q.ring.usedIdx(), hdr[:]); err != nil {
		return 0, 0, err
	}
	if binary.LittleEndian.Uint16(hdr[:]) == q.lastUsed {
		return 0, 0, ErrNotReady
	}

	var elem [usedElemSize]byte
	if err := readGuestInto(q.mem, q.ring.usedElem(q.lastUsed), elem[:]); err != nil {
		return 0, 0, err
	}
	q.lastUsed++
	id := binary.LittleEndian.Uint32(elem[0:4])
	length := binary.LittleEndian.Uint32(elem[4:8])

	n, ok := q.chains[uint16(id)]
	if id >= uint32(q.size) || !ok {
		return 0, 0, fmt.Errorf("virtio: device returned unknown descriptor %d", id)
	}
	delete(q.chains, uint16(id))

	last := uint16(id)
	for i := uint16(1); i < n; i++ {
		last = q.next[last]
	}
	q.next[last] = q.freeHead
	q.freeHead = uint16(id)
	q.numFree += n
	return Token(id), length, nil
}
