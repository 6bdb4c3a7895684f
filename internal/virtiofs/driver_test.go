package virtiofs

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/tinyrange/virtiofs/internal/fuse"
)

// First request queue when notifications are off.
const reqQ = 1

func newTestDriver(t *testing.T, f *fakeTransport, cfg Config) *Driver {
	t.Helper()
	d, err := New(f, cfg, WithMetrics(NewMetrics(nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func attrReply(nodeID uint64) *fuse.AttrOut {
	return &fuse.AttrOut{AttrValid: 1, Attr: fuse.Attr{Ino: nodeID, Mode: unix.S_IFREG | 0o644, Nlink: 1}}
}

func waitCall(t *testing.T, c *Call) (any, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	select {
	case <-c.Done():
	case <-ctx.Done():
		t.Fatalf("%s unique %d never settled", c.Op, c.Unique)
	}
	return c.Result()
}

func TestLookupRoundTrip(t *testing.T) {
	f := newFakeTransport(t, 1, 0)
	d := newTestDriver(t, f, Config{})

	c, err := d.Start(context.Background(), fuse.NewLookupRequest(fuse.RootID, "testf01"), nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	ch := f.last(reqQ)
	if len(ch.raw) != 48 {
		t.Fatalf("request image is %d bytes, want 48", len(ch.raw))
	}
	if ch.req.Header.Unique != c.Unique || ch.req.Name(0) != "testf01" || ch.req.Header.NodeID != fuse.RootID {
		t.Fatalf("device saw %+v names %v", ch.req.Header, ch.req.Names)
	}
	if w, ok := ch.writable(); !ok || w.Len != fuse.OutHeaderSize+128 {
		t.Fatalf("writable slice %+v", w)
	}
	if c.State() != AwaitingCompletion {
		t.Fatalf("state %s", c.State())
	}

	f.answer(reqQ, ch, 0, &fuse.EntryOut{NodeID: 0x0102030405060708, Generation: 1, Attr: fuse.Attr{Ino: 0x0102030405060708}}, nil)
	v, err := waitCall(t, c)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	out := v.(*fuse.EntryOut)
	if out.NodeID != 0x0102030405060708 || out.Attr.Ino != out.NodeID {
		t.Fatalf("entry %+v", out)
	}
	if c.State() != Completed {
		t.Fatalf("state %s", c.State())
	}
}

func TestDeviceErrorPassesThrough(t *testing.T) {
	f := newFakeTransport(t, 1, 0)
	d := newTestDriver(t, f, Config{})

	c, _ := d.Start(context.Background(), fuse.NewLookupRequest(fuse.RootID, "missing"), nil)
	f.answer(reqQ, f.last(reqQ), -int32(unix.ENOENT), nil, nil)
	_, err := waitCall(t, c)

	var devErr *DeviceError
	if !errors.As(err, &devErr) || devErr.Code != -2 || devErr.Op != fuse.OpLookup {
		t.Fatalf("err = %v", err)
	}
	if !errors.Is(err, unix.ENOENT) || errors.Is(err, ErrProtocolFault) {
		t.Fatalf("err %v does not match ENOENT alone", err)
	}
	if c.State() != Faulted {
		t.Fatalf("state %s", c.State())
	}
	if got := testutil.ToFloat64(d.metrics.Faults); got != 0 {
		t.Fatalf("device error counted as %v protocol faults", got)
	}
}

func TestOutOfOrderCompletion(t *testing.T) {
	f := newFakeTransport(t, 1, 0)
	d := newTestDriver(t, f, Config{})

	const n = 6
	calls := make([]*Call, n)
	for i := range calls {
		c, err := d.Start(context.Background(), fuse.NewGetattrRequest(uint64(100+i), nil), nil)
		if err != nil {
			t.Fatalf("Start %d: %v", i, err)
		}
		calls[i] = c
	}
	chains := f.chains(reqQ)
	if len(chains) != n {
		t.Fatalf("%d chains submitted", len(chains))
	}
	// Complete in reverse, all before a single interrupt.
	for i := n - 1; i >= 0; i-- {
		ch := chains[i]
		f.reply(reqQ, ch, fuse.MarshalReply(fuse.ABI736, ch.req.Header.Unique, 0, attrReply(ch.req.Header.NodeID), nil))
	}
	f.interrupt(reqQ)

	seen := map[uint64]bool{}
	for i, c := range calls {
		v, err := waitCall(t, c)
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		ino := v.(*fuse.AttrOut).Attr.Ino
		if ino != uint64(100+i) || seen[ino] {
			t.Fatalf("call %d got attr of node %d", i, ino)
		}
		seen[ino] = true
	}
	if len(d.queues[reqQ].pending) != 0 {
		t.Fatalf("%d entries left pending", len(d.queues[reqQ].pending))
	}
}

func TestUniqueMismatchFaultsOnlyThatCall(t *testing.T) {
	f := newFakeTransport(t, 1, 0)
	d := newTestDriver(t, f, Config{SlotsPerQueue: 2})

	a, _ := d.Start(context.Background(), fuse.NewGetattrRequest(10, nil), nil)
	b, _ := d.Start(context.Background(), fuse.NewGetattrRequest(20, nil), nil)
	chains := f.chains(reqQ)
	regionA := chains[0].slices[0].Region

	// A's chain carries B's unique.
	f.reply(reqQ, chains[0], fuse.MarshalReply(fuse.ABI736, b.Unique, 0, attrReply(20), nil))
	f.interrupt(reqQ)
	if _, err := waitCall(t, a); !errors.Is(err, ErrProtocolFault) {
		t.Fatalf("a: %v", err)
	}
	if a.State() != Faulted {
		t.Fatalf("a state %s", a.State())
	}
	if b.Completed() {
		t.Fatalf("b settled by a's completion")
	}

	f.answer(reqQ, chains[1], 0, attrReply(20), nil)
	v, err := waitCall(t, b)
	if err != nil || v.(*fuse.AttrOut).Attr.Ino != 20 {
		t.Fatalf("b: %v %v", v, err)
	}

	// The faulted slot comes back with a fresh region.
	c, err := d.Start(context.Background(), fuse.NewGetattrRequest(30, nil), nil)
	if err != nil {
		t.Fatalf("Start after fault: %v", err)
	}
	last := f.last(reqQ)
	if last.slices[0].Region == regionA {
		t.Fatalf("retired region reused")
	}
	f.answer(reqQ, last, 0, attrReply(30), nil)
	if _, err := waitCall(t, c); err != nil {
		t.Fatalf("c: %v", err)
	}
	if got := testutil.ToFloat64(d.metrics.Faults); got != 1 {
		t.Fatalf("faults = %v", got)
	}
}

func TestRepeatedFaultsDoNotExhaustMemory(t *testing.T) {
	f := newFakeTransport(t, 1, 0)
	d := newTestDriver(t, f, Config{SlotsPerQueue: 1})

	for i := range 200 {
		c, err := d.Start(context.Background(), fuse.NewGetattrRequest(10, nil), nil)
		if err != nil {
			t.Fatalf("Start after %d faults: %v", i, err)
		}
		f.reply(reqQ, f.last(reqQ), fuse.MarshalReply(fuse.ABI736, c.Unique+2, 0, attrReply(10), nil))
		f.interrupt(reqQ)
		if _, err := waitCall(t, c); !errors.Is(err, ErrProtocolFault) {
			t.Fatalf("fault %d: %v", i, err)
		}
	}

	c, err := d.Start(context.Background(), fuse.NewGetattrRequest(30, nil), nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.answer(reqQ, f.last(reqQ), 0, attrReply(30), nil)
	v, err := waitCall(t, c)
	if err != nil || v.(*fuse.AttrOut).Attr.Ino != 30 {
		t.Fatalf("healthy call: %v %v", v, err)
	}
	if got := testutil.ToFloat64(d.metrics.Faults); got != 200 {
		t.Fatalf("faults = %v", got)
	}
}

func TestMalformedReplies(t *testing.T) {
	for _, tt := range []struct {
		name  string
		reply func(unique uint64) []byte
		used  int
	}{
		{
			name:  "short header",
			reply: func(u uint64) []byte { return make([]byte, 8) },
		},
		{
			name: "length beyond written bytes",
			reply: func(u uint64) []byte {
				b := fuse.MarshalReply(fuse.ABI736, u, 0, attrReply(1), nil)
				b[0] = 200
				return b
			},
		},
		{
			name: "error code out of range",
			reply: func(u uint64) []byte {
				return fuse.MarshalReply(fuse.ABI736, u, -600, nil, nil)
			},
		},
		{
			name: "positive error code",
			reply: func(u uint64) []byte {
				return fuse.MarshalReply(fuse.ABI736, u, 2, nil, nil)
			},
		},
		{
			name: "error with payload",
			reply: func(u uint64) []byte {
				b := fuse.MarshalReply(fuse.ABI736, u, 0, attrReply(1), nil)
				neg := -int32(unix.EIO)
				b[4], b[5], b[6], b[7] = byte(neg), byte(neg>>8), byte(neg>>16), byte(neg>>24)
				return b
			},
		},
		{
			name: "truncated body",
			reply: func(u uint64) []byte {
				b := fuse.MarshalReply(fuse.ABI736, u, 0, attrReply(1), nil)[:fuse.OutHeaderSize+40]
				b[0] = byte(len(b))
				return b
			},
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeTransport(t, 1, 0)
			d := newTestDriver(t, f, Config{})
			c, err := d.Start(context.Background(), fuse.NewGetattrRequest(fuse.RootID, nil), nil)
			if err != nil {
				t.Fatalf("Start: %v", err)
			}
			f.reply(reqQ, f.last(reqQ), tt.reply(c.Unique))
			f.interrupt(reqQ)
			if _, err := waitCall(t, c); !errors.Is(err, ErrProtocolFault) {
				t.Fatalf("err = %v, want a protocol fault", err)
			}
		})
	}
}

func TestUnknownTokenIsReported(t *testing.T) {
	f := newFakeTransport(t, 1, 0)
	d := newTestDriver(t, f, Config{})

	f.markUsed(reqQ, 42, 16)
	if err := d.HandleCompletion(reqQ); !errors.Is(err, ErrProtocolFault) {
		t.Fatalf("HandleCompletion = %v", err)
	}
}

func TestQueueFull(t *testing.T) {
	f := newFakeTransport(t, 1, 0)
	d := newTestDriver(t, f, Config{SlotsPerQueue: 2})

	for i := range 2 {
		if _, err := d.Start(context.Background(), fuse.NewStatfsRequest(fuse.RootID), nil); err != nil {
			t.Fatalf("Start %d: %v", i, err)
		}
	}
	if _, err := d.Start(context.Background(), fuse.NewStatfsRequest(fuse.RootID), nil); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("third Start = %v", err)
	}
	if got := testutil.ToFloat64(d.metrics.QueueFull); got != 1 {
		t.Fatalf("queue full counter %v", got)
	}
	// The high priority queue has its own slots.
	if _, err := d.Start(context.Background(), fuse.NewForgetRequest(5, 1), nil); err != nil {
		t.Fatalf("Forget with full request queue: %v", err)
	}
}

func TestRetryQueueFullWaitsForSlot(t *testing.T) {
	f := newFakeTransport(t, 1, 0)
	d := newTestDriver(t, f, Config{SlotsPerQueue: 1, RetryQueueFull: true, RetryRate: 500})

	first, err := d.Start(context.Background(), fuse.NewGetattrRequest(1, nil), nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var g errgroup.Group
	g.Go(func() error {
		out, err := d.Getattr(ctx, 2, nil)
		if err != nil {
			return err
		}
		if out.Attr.Ino != 2 {
			t.Errorf("retried call got node %d", out.Attr.Ino)
		}
		return nil
	})

	f.answer(reqQ, f.chains(reqQ)[0], 0, attrReply(1), nil)
	if _, err := waitCall(t, first); err != nil {
		t.Fatalf("first: %v", err)
	}
	for len(f.chains(reqQ)) < 2 {
		if ctx.Err() != nil {
			t.Fatalf("retry never submitted")
		}
		time.Sleep(time.Millisecond)
	}
	f.answer(reqQ, f.chains(reqQ)[1], 0, attrReply(2), nil)
	if err := g.Wait(); err != nil {
		t.Fatalf("retried Getattr: %v", err)
	}
}

func TestTimeoutKeepsSlotUntilTrailingCompletion(t *testing.T) {
	f := newFakeTransport(t, 1, 0)
	d := newTestDriver(t, f, Config{SlotsPerQueue: 1})

	c, err := d.Start(context.Background(), fuse.NewReadRequest(2, 7, 0, 4096), nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	stale := f.last(reqQ)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Wait(ctx)
	if !errors.Is(err, ErrTimedOut) || !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait = %v", err)
	}
	if c.State() != TimedOut {
		t.Fatalf("state %s", c.State())
	}

	// The device is asked to abandon it on the high priority queue.
	intr := f.last(0)
	in, ok := intr.req.In.(*fuse.InterruptIn)
	if intr.req.Op() != fuse.OpInterrupt || !ok || in.Unique != c.Unique || intr.req.Header.Unique != c.Unique|1 {
		t.Fatalf("interrupt %+v %+v", intr.req.Header, intr.req.In)
	}

	// Its slot is still reserved.
	if _, err := d.Start(context.Background(), fuse.NewStatfsRequest(fuse.RootID), nil); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Start while timed-out call holds the slot = %v", err)
	}

	// The trailing completion frees it without touching the settled call.
	f.answer(reqQ, stale, -int32(unix.EINTR), nil, nil)
	if c.State() != TimedOut {
		t.Fatalf("state after trailing completion %s", c.State())
	}
	if got := testutil.ToFloat64(d.metrics.Trailing); got != 1 {
		t.Fatalf("trailing = %v", got)
	}
	next, err := d.Start(context.Background(), fuse.NewStatfsRequest(fuse.RootID), nil)
	if err != nil {
		t.Fatalf("Start after trailing completion: %v", err)
	}
	f.answer(reqQ, f.last(reqQ), 0, &fuse.StatfsOut{Bsize: 4096}, nil)
	if _, err := waitCall(t, next); err != nil {
		t.Fatalf("statfs: %v", err)
	}
}

func TestRequestDeadline(t *testing.T) {
	f := newFakeTransport(t, 1, 0)
	d := newTestDriver(t, f, Config{RequestTimeout: Duration(20 * time.Millisecond)})

	_, err := d.Statfs(context.Background(), fuse.RootID)
	if !errors.Is(err, ErrTimedOut) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Statfs = %v", err)
	}
	if got := testutil.ToFloat64(d.metrics.Timeouts); got != 1 {
		t.Fatalf("timeouts = %v", got)
	}
}

func TestBufferIsolation(t *testing.T) {
	f := newFakeTransport(t, 1, 0)
	d := newTestDriver(t, f, Config{})

	a, _ := d.Start(context.Background(), fuse.NewWriteRequest(2, 1, 0, bytes.Repeat([]byte{'a'}, 64)), nil)
	b, _ := d.Start(context.Background(), fuse.NewWriteRequest(2, 1, 64, bytes.Repeat([]byte{'b'}, 64)), nil)
	chains := f.chains(reqQ)
	if chains[0].slices[0].Region == chains[1].slices[0].Region {
		t.Fatalf("both requests share a slot")
	}

	f.answer(reqQ, chains[0], 0, &fuse.WriteOut{Size: 64}, nil)
	if _, err := waitCall(t, a); err != nil {
		t.Fatalf("a: %v", err)
	}
	// B's request bytes in device memory are untouched by A's reply.
	s := chains[1].slices[0]
	got := make([]byte, s.Len)
	if _, err := f.mem.ReadAt(got, int64(s.Region.Addr())); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, chains[1].raw) {
		t.Fatalf("b's request image changed")
	}
	f.answer(reqQ, chains[1], 0, &fuse.WriteOut{Size: 64}, nil)
	v, err := waitCall(t, b)
	if err != nil || v.(*fuse.WriteOut).Size != 64 {
		t.Fatalf("b: %v %v", v, err)
	}
}

func TestSlotReuseClearsReplyArea(t *testing.T) {
	f := newFakeTransport(t, 1, 0)
	d := newTestDriver(t, f, Config{SlotsPerQueue: 1})

	c, _ := d.Start(context.Background(), fuse.NewReadRequest(2, 1, 0, 32), nil)
	f.answer(reqQ, f.last(reqQ), 0, nil, bytes.Repeat([]byte{0xff}, 32))
	waitCall(t, c)

	d.Start(context.Background(), fuse.NewReadRequest(2, 1, 0, 32), nil)
	w, _ := f.last(reqQ).writable()
	got := make([]byte, w.Len)
	f.mem.ReadAt(got, int64(w.Region.Addr())+int64(w.Off))
	if !bytes.Equal(got, make([]byte, w.Len)) {
		t.Fatalf("reply area not zeroed: %x", got)
	}
}

func TestControlOpsUseHighPriorityQueue(t *testing.T) {
	f := newFakeTransport(t, 2, 0)
	d := newTestDriver(t, f, Config{})

	c, err := d.Start(context.Background(), fuse.NewBatchForgetRequest([]fuse.ForgetOne{{NodeID: 3, Nlookup: 1}}), nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	ch := f.last(0)
	if len(ch.slices) != 1 || ch.slices[0].Write {
		t.Fatalf("forget chain %+v", ch.slices)
	}
	f.reply(0, ch, nil)
	f.interrupt(0)
	if v, err := waitCall(t, c); v != nil || err != nil {
		t.Fatalf("batch forget = %v, %v", v, err)
	}

	// Data requests alternate across request queues unless pinned.
	for range 4 {
		d.Start(context.Background(), fuse.NewStatfsRequest(fuse.RootID), nil)
	}
	if len(f.chains(1)) != 2 || len(f.chains(2)) != 2 {
		t.Fatalf("round robin: %d/%d", len(f.chains(1)), len(f.chains(2)))
	}
	d.Start(WithQueue(context.Background(), 1), fuse.NewStatfsRequest(fuse.RootID), nil)
	if len(f.chains(2)) != 3 {
		t.Fatalf("pinned request not on queue 2")
	}
	if _, err := d.Start(WithQueue(context.Background(), 5), fuse.NewStatfsRequest(fuse.RootID), nil); err == nil {
		t.Fatalf("pinned to a missing queue")
	}
}

func TestInterruptMayReturnUnused(t *testing.T) {
	f := newFakeTransport(t, 1, 0)
	d := newTestDriver(t, f, Config{})

	c, err := d.Start(context.Background(), fuse.NewInterruptRequest(40), nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if c.Unique != 41 {
		t.Fatalf("interrupt unique %d", c.Unique)
	}
	f.reply(0, f.last(0), nil)
	f.interrupt(0)
	if _, err := waitCall(t, c); err != nil {
		t.Fatalf("interrupt: %v", err)
	}
}

func TestEncodingErrorsAreSynchronous(t *testing.T) {
	f := newFakeTransport(t, 1, 0)
	d := newTestDriver(t, f, Config{SlotSize: 4096})

	if _, err := d.Lookup(context.Background(), fuse.RootID, "bad\x00name"); !errors.Is(err, ErrEncoding) {
		t.Fatalf("NUL in name: %v", err)
	}
	if _, err := d.Read(context.Background(), 2, 1, 0, 8192); !errors.Is(err, ErrEncoding) {
		t.Fatalf("read larger than a slot: %v", err)
	}
	if n := len(f.chains(reqQ)); n != 0 {
		t.Fatalf("%d chains reached the device", n)
	}
}

func TestCallbackAndCredentials(t *testing.T) {
	f := newFakeTransport(t, 1, 0)
	d := newTestDriver(t, f, Config{UID: 7, GID: 8})

	got := make(chan *Call, 1)
	ctx := WithCaller(context.Background(), Caller{UID: 1000, GID: 1000, PID: 42})
	c, err := d.Start(ctx, fuse.NewAccessRequest(fuse.RootID, unix.R_OK), func(c *Call) { got <- c })
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	h := f.last(reqQ).req.Header
	if h.UID != 1000 || h.GID != 1000 || h.PID != 42 {
		t.Fatalf("credentials %+v", h)
	}
	f.answer(reqQ, f.last(reqQ), 0, nil, nil)
	select {
	case cb := <-got:
		if cb != c {
			t.Fatalf("callback for another call")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("callback not run")
	}

	d.Start(context.Background(), fuse.NewStatfsRequest(fuse.RootID), nil)
	if h := f.last(reqQ).req.Header; h.UID != 7 || h.GID != 8 {
		t.Fatalf("default credentials %+v", h)
	}
}

func TestInitNegotiatesVersion(t *testing.T) {
	for _, tt := range []struct {
		name     string
		maxMinor uint32
		reply    fuse.InitOut
		replyABI fuse.Version
		want     fuse.Version
		fault    bool
	}{
		{name: "newer device", reply: fuse.InitOut{Major: 7, Minor: 38, MaxWrite: 1 << 17}, replyABI: fuse.ABI736, want: fuse.ABI736},
		{name: "older device", reply: fuse.InitOut{Major: 7, Minor: 31, MaxWrite: 1 << 17}, replyABI: fuse.ABI736, want: fuse.Version{Major: 7, Minor: 31}},
		{name: "legacy", maxMinor: 8, reply: fuse.InitOut{Major: 7, Minor: 8, MaxWrite: 4096}, replyABI: fuse.ABI78, want: fuse.ABI78},
		{name: "wrong major", reply: fuse.InitOut{Major: 8}, replyABI: fuse.ABI736, fault: true},
	} {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeTransport(t, 1, 0)
			d := newTestDriver(t, f, Config{MaxMinor: tt.maxMinor})

			errc := make(chan error, 1)
			go func() {
				_, err := d.Init(context.Background())
				errc <- err
			}()
			var ch *fakeChain
			for ch == nil {
				if cs := f.chains(0); len(cs) > 0 {
					ch = cs[0]
				}
				time.Sleep(time.Millisecond)
			}
			in := ch.req.In.(*fuse.InitIn)
			if in.Major != 7 || (tt.maxMinor != 0 && in.Minor != tt.maxMinor) {
				t.Fatalf("offered %d.%d", in.Major, in.Minor)
			}
			f.reply(0, ch, fuse.MarshalReply(tt.replyABI, ch.req.Header.Unique, 0, &tt.reply, nil))
			f.interrupt(0)

			err := <-errc
			if tt.fault {
				if !errors.Is(err, ErrProtocolFault) {
					t.Fatalf("Init = %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Init: %v", err)
			}
			if v := d.Version(); v != tt.want {
				t.Fatalf("version %v, want %v", v, tt.want)
			}
		})
	}
}

func TestWriteRespectsMaxWrite(t *testing.T) {
	f := newFakeTransport(t, 1, 0)
	d := newTestDriver(t, f, Config{})
	d.maxWrite = 16

	if _, err := d.Write(context.Background(), 2, 1, 0, make([]byte, 17)); !errors.Is(err, ErrEncoding) {
		t.Fatalf("Write = %v", err)
	}
}

func TestCloseFailsPendingCalls(t *testing.T) {
	f := newFakeTransport(t, 1, 0)
	d := newTestDriver(t, f, Config{})

	c, _ := d.Start(context.Background(), fuse.NewStatfsRequest(fuse.RootID), nil)
	d.Close()
	if _, err := waitCall(t, c); !errors.Is(err, ErrClosed) {
		t.Fatalf("pending call = %v", err)
	}
	if _, err := d.Start(context.Background(), fuse.NewStatfsRequest(fuse.RootID), nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("Start after Close = %v", err)
	}
}

func TestNewRejectsInconsistentTransport(t *testing.T) {
	f := newFakeTransport(t, 2, 0)
	f.queues = f.queues[:2]
	if _, err := New(f, Config{}); err == nil {
		t.Fatalf("queue count mismatch accepted")
	}

	f = newFakeTransport(t, 1, 0)
	if _, err := New(f, Config{Tag: "other"}); err == nil {
		t.Fatalf("tag mismatch accepted")
	}
}
