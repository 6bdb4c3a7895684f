package virtiofs

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tinyrange/virtiofs/internal/devices/virtio"
	"github.com/tinyrange/virtiofs/internal/fuse"
)

// maxErrno bounds the error codes a reply may carry.
const maxErrno = 512

// queue is the driver's view of one request virtqueue. Its lock covers
// submission, popping and the pending map, so a completion can never be
// handled halfway through the submission that produced it.
type queue struct {
	index int

	mu      sync.Mutex
	slots   *slotPool
	pending map[virtio.Token]*Call
	uniques map[uint64]*Call
}

func newQueue(index int, slots *slotPool) *queue {
	return &queue{
		index:   index,
		slots:   slots,
		pending: make(map[virtio.Token]*Call),
		uniques: make(map[uint64]*Call),
	}
}

// place copies msg into a free slot, hands the chain to the device and
// records c as pending. The trailing capacity bytes are zeroed so the
// device never sees an earlier reply.
func (q *queue) place(t Transport, c *Call, msg []byte, capacity int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, dup := q.uniques[c.Unique]; dup {
		return fmt.Errorf("virtio-fs: unique %d already pending on queue %d", c.Unique, q.index)
	}
	s, err := q.slots.get()
	if err != nil {
		return err
	}
	n := len(msg)
	buf := s.region.Bytes()
	clear(buf[:n+capacity])
	copy(buf, msg)
	if err := s.region.SyncForDevice(0, n+capacity); err != nil {
		q.slots.put(s)
		return fmt.Errorf("virtio-fs: sync request: %w", err)
	}

	chain := []virtio.Slice{{Region: s.region, Len: n}}
	if capacity > 0 {
		chain = append(chain, virtio.Slice{Region: s.region, Off: n, Len: capacity, Write: true})
	}
	tok, err := t.Submit(q.index, chain)
	if err != nil {
		q.slots.put(s)
		return fmt.Errorf("virtio-fs: submit %s on queue %d: %w", c.Op, q.index, err)
	}
	c.token, c.slot, c.inLen, c.capacity = tok, s, n, capacity
	c.setAwaiting()
	q.pending[tok] = c
	q.uniques[c.Unique] = c

	if t.ShouldNotify(q.index) {
		t.Notify(q.index)
	}
	return nil
}

// completion is one chain handed back by the device, validated and copied
// out of its slot.
type completion struct {
	call    *Call
	hdr     fuse.OutHeader
	body    []byte
	noReply bool
	err     error
}

// pop takes the next finished chain. ok is false when nothing is ready.
func (q *queue) pop(t Transport) (cp completion, ok bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	tok, used, err := t.PopCompleted(q.index)
	if errors.Is(err, virtio.ErrNotReady) {
		return completion{}, false, nil
	}
	if err != nil {
		return completion{}, false, fmt.Errorf("virtio-fs: queue %d: pop completion: %w", q.index, err)
	}
	c := q.pending[tok]
	if c == nil {
		return completion{}, true, protocolFault("queue %d: completion for unknown token %d", q.index, tok)
	}
	delete(q.pending, tok)
	delete(q.uniques, c.Unique)
	return q.collect(c, used), true, nil
}

// collect checks the reply of c against what was submitted and copies it
// out. NOTE: caller must hold q.mu.
func (q *queue) collect(c *Call, used uint32) completion {
	cp := completion{call: c}
	consumed := int(used)
	switch {
	case c.capacity == 0:
		if consumed != 0 {
			cp.err = protocolFault("%s: device wrote %d bytes for a request without reply", c.Op, consumed)
		}
		cp.noReply = true
		return cp
	case consumed == 0 && c.optional:
		cp.noReply = true
		return cp
	case consumed > c.capacity:
		cp.err = protocolFault("%s: device wrote %d bytes into %d", c.Op, consumed, c.capacity)
		return cp
	case consumed < fuse.OutHeaderSize:
		cp.err = fmt.Errorf("%w: %s: %d byte reply", fuse.ErrBufferTooShort, c.Op, consumed)
		return cp
	}

	r := c.slot.region
	if err := r.SyncForCPU(c.inLen, consumed); err != nil {
		cp.err = fmt.Errorf("virtio-fs: %s: sync reply: %w", c.Op, err)
		return cp
	}
	reply := r.Bytes()[c.inLen : c.inLen+consumed]
	hdr, err := fuse.DecodeOutHeader(reply)
	if err != nil {
		cp.err = err
		return cp
	}
	switch {
	case int(hdr.Len) < fuse.OutHeaderSize || int(hdr.Len) > consumed:
		cp.err = protocolFault("%s: header length %d with %d bytes written", c.Op, hdr.Len, consumed)
	case hdr.Error > 0 || hdr.Error <= -maxErrno:
		cp.err = protocolFault("%s: error code %d out of range", c.Op, hdr.Error)
	case hdr.Unique != c.Unique:
		if other := q.uniques[hdr.Unique]; other != nil {
			cp.err = protocolFault("%s: reply for unique %d (%s) arrived on the chain of unique %d", c.Op, hdr.Unique, other.Op, c.Unique)
		} else {
			cp.err = protocolFault("%s: reply unique %d, want %d", c.Op, hdr.Unique, c.Unique)
		}
	case hdr.Error != 0 && hdr.Len != fuse.OutHeaderSize:
		cp.err = protocolFault("%s: error reply %d carries %d payload bytes", c.Op, hdr.Error, int(hdr.Len)-fuse.OutHeaderSize)
	}
	if cp.err != nil {
		return cp
	}
	cp.hdr = hdr
	cp.body = append([]byte(nil), reply[fuse.OutHeaderSize:hdr.Len]...)
	return cp
}

// release gives the slot of a finished call back to the pool, retiring it
// when the reply was structurally bad.
func (q *queue) release(s *slot, retire bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if retire {
		q.slots.retire(s)
		return
	}
	q.slots.put(s)
}

func (q *queue) pendingCalls() []*Call {
	q.mu.Lock()
	defer q.mu.Unlock()
	calls := make([]*Call, 0, len(q.pending))
	for _, c := range q.pending {
		calls = append(calls, c)
	}
	return calls
}
