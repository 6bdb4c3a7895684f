package virtiofs

import (
	"encoding/binary"
	"fmt"
	"sync"
	"testing"

	"github.com/tinyrange/virtiofs/internal/devices/virtio"
	"github.com/tinyrange/virtiofs/internal/fuse"
)

// fakeChain is a chain as the scripted device sees it.
type fakeChain struct {
	tok    virtio.Token
	slices []virtio.Slice
	req    *fuse.Request
	raw    []byte
}

func (c *fakeChain) writable() (virtio.Slice, bool) {
	for _, s := range c.slices {
		if s.Write {
			return s, true
		}
	}
	return virtio.Slice{}, false
}

type fakeUsed struct {
	tok virtio.Token
	n   uint32
}

type fakeQueue struct {
	next      virtio.Token
	inFlight  map[virtio.Token]*fakeChain
	submitted []*fakeChain
	used      []fakeUsed
	handler   func()
	kicks     int
}

// fakeTransport is a device driven step by step from the test. Requests
// are read out of guest memory on Submit and replies are written back by
// reply.
type fakeTransport struct {
	t        *testing.T
	mem      *virtio.Memory
	features uint64
	config   []byte
	ringSize int

	mu     sync.Mutex
	queues []*fakeQueue
}

func newFakeTransport(t *testing.T, requestQueues int, notifyBufSize uint32) *fakeTransport {
	t.Helper()
	cfg := make([]byte, devConfigSize)
	copy(cfg, "fake")
	binary.LittleEndian.PutUint32(cfg[devConfigTagSize:], uint32(requestQueues))
	binary.LittleEndian.PutUint32(cfg[devConfigTagSize+4:], notifyBufSize)

	n := 1 + requestQueues
	var features uint64
	if notifyBufSize != 0 {
		features = FeatureNotification
		n++
	}
	f := &fakeTransport{
		t:        t,
		mem:      virtio.NewMemory(8 << 20),
		features: features,
		config:   cfg,
		ringSize: 64,
	}
	for range n {
		f.queues = append(f.queues, &fakeQueue{inFlight: make(map[virtio.Token]*fakeChain)})
	}
	return f
}

func (f *fakeTransport) Features() uint64   { return f.features }
func (f *fakeTransport) ConfigSpace() []byte { return f.config }
func (f *fakeTransport) NumQueues() int      { return len(f.queues) }

func (f *fakeTransport) AllocRegion(size int) (*virtio.DMARegion, error) {
	return f.mem.AllocRegion(size)
}

func (f *fakeTransport) Submit(q int, chain []virtio.Slice) (virtio.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fq := f.queues[q]
	if len(fq.inFlight) >= f.ringSize {
		return 0, virtio.ErrQueueFull
	}
	c := &fakeChain{tok: fq.next, slices: chain}
	fq.next++
	if len(chain) > 0 && !chain[0].Write {
		s := chain[0]
		c.raw = make([]byte, s.Len)
		if _, err := f.mem.ReadAt(c.raw, int64(s.Region.Addr())+int64(s.Off)); err != nil {
			return 0, err
		}
		req, err := fuse.ParseRequest(fuse.ABI736, c.raw)
		if err != nil {
			req, err = fuse.ParseRequest(fuse.ABI78, c.raw)
		}
		if err != nil {
			return 0, fmt.Errorf("fake device: %w", err)
		}
		c.req = req
	}
	fq.inFlight[c.tok] = c
	fq.submitted = append(fq.submitted, c)
	return c.tok, nil
}

func (f *fakeTransport) ShouldNotify(int) bool { return true }

func (f *fakeTransport) Notify(q int) {
	f.mu.Lock()
	f.queues[q].kicks++
	f.mu.Unlock()
}

func (f *fakeTransport) PopCompleted(q int) (virtio.Token, uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fq := f.queues[q]
	if len(fq.used) == 0 {
		return 0, 0, virtio.ErrNotReady
	}
	u := fq.used[0]
	fq.used = fq.used[1:]
	return u.tok, u.n, nil
}

func (f *fakeTransport) SetCompletionHandler(q int, fn func()) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queues[q].handler = fn
	return nil
}

// chains returns what has been submitted on q so far.
func (f *fakeTransport) chains(q int) []*fakeChain {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeChain(nil), f.queues[q].submitted...)
}

// last returns the newest chain on q.
func (f *fakeTransport) last(q int) *fakeChain {
	f.t.Helper()
	cs := f.chains(q)
	if len(cs) == 0 {
		f.t.Fatalf("nothing submitted on queue %d", q)
	}
	return cs[len(cs)-1]
}

// reply writes msg into c's writable slice and marks it used without
// raising the interrupt.
func (f *fakeTransport) reply(q int, c *fakeChain, msg []byte) {
	f.t.Helper()
	if len(msg) > 0 {
		w, ok := c.writable()
		if !ok {
			f.t.Fatalf("chain %d has no writable slice", c.tok)
		}
		if len(msg) > w.Len {
			f.t.Fatalf("reply of %d bytes into %d", len(msg), w.Len)
		}
		if _, err := f.mem.WriteAt(msg, int64(w.Region.Addr())+int64(w.Off)); err != nil {
			f.t.Fatalf("WriteAt: %v", err)
		}
	}
	f.markUsed(q, c.tok, uint32(len(msg)))
}

func (f *fakeTransport) markUsed(q int, tok virtio.Token, n uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fq := f.queues[q]
	delete(fq.inFlight, tok)
	fq.used = append(fq.used, fakeUsed{tok: tok, n: n})
}

// interrupt runs the completion handler of q.
func (f *fakeTransport) interrupt(q int) {
	f.mu.Lock()
	fn := f.queues[q].handler
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// answer replies to c with body and raises the interrupt.
func (f *fakeTransport) answer(q int, c *fakeChain, errno int32, body fuse.Body, data []byte) {
	f.t.Helper()
	f.reply(q, c, fuse.MarshalReply(fuse.ABI736, c.req.Header.Unique, errno, body, data))
	f.interrupt(q)
}
