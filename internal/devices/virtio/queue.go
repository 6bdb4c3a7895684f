package virtio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Split virtqueue layout:
//
//	descriptor table  {addr u64, len u32, flags u16, next u16} per entry
//	available ring    flags u16, idx u16, ring[size] u16
//	used ring         flags u16, idx u16, ring[size] {id u32, len u32}
const (
	descSize      = 16
	ringHeaderLen = 4
	availElemSize = 2
	usedElemSize  = 8

	virtqDescFNext  = 1
	virtqDescFWrite = 2

	// VIRTQ_USED_F_NO_NOTIFY: the device does not need a kick.
	virtqUsedFNoNotify = 1
	// VIRTQ_AVAIL_F_NO_INTERRUPT: the driver does not want an interrupt.
	virtqAvailFNoInterrupt = 1
)

var errQueueDetached = errors.New("virtio: queue not attached")

// ringLayout locates the three parts of one split virtqueue.
type ringLayout struct {
	size  uint16
	desc  uint64
	avail uint64
	used  uint64
}

func (l ringLayout) descAddr(i uint16) uint64 { return l.desc + uint64(i)*descSize }

func (l ringLayout) availElem(n uint16) uint64 {
	return l.avail + ringHeaderLen + uint64(n%l.size)*availElemSize
}

func (l ringLayout) usedElem(n uint16) uint64 {
	return l.used + ringHeaderLen + uint64(n%l.size)*usedElemSize
}

func (l ringLayout) availIdx() uint64 { return l.avail + 2 }
func (l ringLayout) usedIdx() uint64  { return l.used + 2 }

func checkRingSize(size, max uint16) error {
	if size == 0 || size&(size-1) != 0 {
		return fmt.Errorf("virtio: queue size %d is not a power of two", size)
	}
	if size > max {
		return fmt.Errorf("virtio: queue size %d exceeds maximum %d", size, max)
	}
	return nil
}

type descriptor struct {
	addr  uint64
	len   uint32
	flags uint16
	next  uint16
}

// Segment is one buffer of a descriptor chain.
type Segment struct {
	Addr  uint64
	Len   uint32
	Write bool
}

// Chain is a descriptor chain taken off the available ring. Head is what
// goes back on the used ring.
type Chain struct {
	Head     uint16
	Segments []Segment
}

// Split separates the device-readable prefix from the device-writable
// suffix. A readable segment after a writable one is malformed.
func (c Chain) Split() (readable, writable []Segment, err error) {
	for i, s := range c.Segments {
		if s.Write {
			writable = c.Segments[i:]
			readable = c.Segments[:i]
			break
		}
		readable = c.Segments[:i+1]
	}
	for _, s := range writable {
		if !s.Write {
			return nil, nil, fmt.Errorf("virtio: chain %d has a readable buffer after a writable one", c.Head)
		}
	}
	return readable, writable, nil
}

func totalLen(segs []Segment) int {
	var n int
	for _, s := range segs {
		n += int(s.Len)
	}
	return n
}

// VirtQueue is the device end of a split virtqueue. It is driven by one
// goroutine at a time.
type VirtQueue struct {
	mem  GuestMemory
	max  uint16
	ring ringLayout

	attached  bool
	lastAvail uint16
	usedIdx   uint16

	// kicks holds at most one pending driver notification.
	kicks chan struct{}
}

func NewVirtQueue(mem GuestMemory, max uint16) *VirtQueue {
	return &VirtQueue{
		mem:   mem,
		max:   max,
		kicks: make(chan struct{}, 1),
	}
}

// attach points the queue at rings published by the driver and starts it
// from index zero.
func (q *VirtQueue) attach(l ringLayout) error {
	if err := checkRingSize(l.size, q.max); err != nil {
		return err
	}
	if q.mem == nil {
		return errors.New("virtio: queue has no memory")
	}
	q.ring = l
	q.lastAvail, q.usedIdx = 0, 0
	q.attached = true
	return nil
}

func (q *VirtQueue) detach() {
	q.ring = ringLayout{}
	q.attached = false
}

// Attached reports whether the queue has rings to serve.
func (q *VirtQueue) Attached() bool { return q.attached }

// Kick signals the device. It never blocks.
func (q *VirtQueue) Kick() {
	select {
	case q.kicks <- struct{}{}:
	default:
	}
}

// Kicks delivers driver notifications.
func (q *VirtQueue) Kicks() <-chan struct{} { return q.kicks }

// Pending reports whether the driver published chains the device has not
// taken yet.
func (q *VirtQueue) Pending() (bool, error) {
	if !q.attached {
		return false, errQueueDetached
	}
	idx, err := q.u16(q.ring.availIdx())
	if err != nil {
		return false, err
	}
	return idx != q.lastAvail, nil
}

// Next takes the next chain off the available ring. ok is false when the
// ring is empty.
func (q *VirtQueue) Next() (c Chain, ok bool, err error) {
	more, err := q.Pending()
	if err != nil || !more {
		return Chain{}, false, err
	}
	head, err := q.u16(q.ring.availElem(q.lastAvail))
	if err != nil {
		return Chain{}, false, err
	}
	q.lastAvail++
	segs, err := q.walk(head)
	if err != nil {
		return Chain{}, false, err
	}
	return Chain{Head: head, Segments: segs}, true, nil
}

// walk follows the next links from head. A chain longer than the ring is a
// loop.
func (q *VirtQueue) walk(head uint16) ([]Segment, error) {
	var segs []Segment
	idx := head
	for range q.ring.size {
		d, err := q.descriptor(idx)
		if err != nil {
			return nil, err
		}
		segs = append(segs, Segment{Addr: d.addr, Len: d.len, Write: d.flags&virtqDescFWrite != 0})
		if d.flags&virtqDescFNext == 0 {
			return segs, nil
		}
		idx = d.next
	}
	return nil, fmt.Errorf("virtio: descriptor chain at %d does not terminate", head)
}

func (q *VirtQueue) descriptor(idx uint16) (descriptor, error) {
	if !q.attached {
		return descriptor{}, errQueueDetached
	}
	if idx >= q.ring.size {
		return descriptor{}, fmt.Errorf("virtio: descriptor %d out of range (size %d)", idx, q.ring.size)
	}
	var b [descSize]byte
	if err := readGuestInto(q.mem, q.ring.descAddr(idx), b[:]); err != nil {
		return descriptor{}, err
	}
	return descriptor{
		addr:  binary.LittleEndian.Uint64(b[0:8]),
		len:   binary.LittleEndian.Uint32(b[8:12]),
		flags: binary.LittleEndian.Uint16(b[12:14]),
		next:  binary.LittleEndian.Uint16(b[14:16]),
	}, nil
}

// Complete returns chain head to the driver with n bytes written.
func (q *VirtQueue) Complete(head uint16, n uint32) error {
	if !q.attached {
		return errQueueDetached
	}
	var elem [usedElemSize]byte
	binary.LittleEndian.PutUint32(elem[0:4], uint32(head))
	binary.LittleEndian.PutUint32(elem[4:8], n)
	if err := writeGuestFrom(q.mem, q.ring.usedElem(q.usedIdx), elem[:]); err != nil {
		return err
	}
	q.usedIdx++
	return q.putU16(q.ring.usedIdx(), q.usedIdx)
}

// Gather copies the readable segments into buf, growing it as needed.
func (q *VirtQueue) Gather(segs []Segment, buf []byte) ([]byte, error) {
	n := totalLen(segs)
	if cap(buf) < n {
		buf = make([]byte, n)
	}
	buf = buf[:n]
	off := 0
	for _, s := range segs {
		if err := readGuestInto(q.mem, s.Addr, buf[off:off+int(s.Len)]); err != nil {
			return nil, err
		}
		off += int(s.Len)
	}
	return buf, nil
}

// Scatter writes msg across the writable segments and returns the bytes
// written. msg must fit.
func (q *VirtQueue) Scatter(segs []Segment, msg []byte) (uint32, error) {
	if len(msg) > totalLen(segs) {
		return 0, fmt.Errorf("virtio: %d byte message exceeds %d byte buffer", len(msg), totalLen(segs))
	}
	off := 0
	for _, s := range segs {
		if off == len(msg) {
			break
		}
		chunk := min(int(s.Len), len(msg)-off)
		if err := writeGuestFrom(q.mem, s.Addr, msg[off:off+chunk]); err != nil {
			return 0, err
		}
		off += chunk
	}
	return uint32(off), nil
}

// SuppressKicks sets or clears VIRTQ_USED_F_NO_NOTIFY. The device sets it
// while it is already draining the ring.
func (q *VirtQueue) SuppressKicks(suppress bool) error {
	if !q.attached {
		return errQueueDetached
	}
	flags, err := q.u16(q.ring.used)
	if err != nil {
		return err
	}
	if suppress {
		flags |= virtqUsedFNoNotify
	} else {
		flags &^= virtqUsedFNoNotify
	}
	return q.putU16(q.ring.used, flags)
}

// InterruptsSuppressed reports VIRTQ_AVAIL_F_NO_INTERRUPT.
func (q *VirtQueue) InterruptsSuppressed() (bool, error) {
	if !q.attached {
		return false, errQueueDetached
	}
	flags, err := q.u16(q.ring.avail)
	if err != nil {
		return false, err
	}
	return flags&virtqAvailFNoInterrupt != 0, nil
}

func (q *VirtQueue) u16(addr uint64) (uint16, error) {
	var b [2]byte
	if err := readGuestInto(q.mem, addr, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

func (q *VirtQueue) putU16(addr uint64, v uint16) error {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return writeGuestFrom(q.mem, addr, b[:])
}
