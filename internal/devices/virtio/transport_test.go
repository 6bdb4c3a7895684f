package virtio

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tinyrange/virtiofs/internal/fuse"
)

func startTestLoopback(t *testing.T, cfg FSConfig, accept func(uint64) uint64) *Loopback {
	t.Helper()
	fs, err := NewFS(cfg)
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	lb, err := NewLoopback(fs, LoopbackConfig{MemorySize: 4 << 20, QueueSize: 16})
	if err != nil {
		t.Fatalf("NewLoopback: %v", err)
	}
	features := lb.DeviceFeatures()
	if accept != nil {
		features = accept(features)
	}
	if err := lb.Start(context.Background(), features); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		if err := lb.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return lb
}

func completionSignal(t *testing.T, lb *Loopback, q int) <-chan struct{} {
	t.Helper()
	ch := make(chan struct{}, 16)
	if err := lb.SetCompletionHandler(q, func() {
		select {
		case ch <- struct{}{}:
		default:
		}
	}); err != nil {
		t.Fatalf("SetCompletionHandler: %v", err)
	}
	return ch
}

func waitSignal(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for the device")
	}
}

// roundTrip submits req on queue q and returns the reply message.
func roundTrip(t *testing.T, lb *Loopback, q int, done <-chan struct{}, req *fuse.Request, unique uint64) []byte {
	t.Helper()
	msg := encodeTestRequest(t, req, unique)
	in, err := lb.AllocRegion(len(msg))
	if err != nil {
		t.Fatalf("AllocRegion: %v", err)
	}
	out, err := lb.AllocRegion(512)
	if err != nil {
		t.Fatalf("AllocRegion: %v", err)
	}
	copy(in.Bytes(), msg)
	if err := in.SyncForDevice(0, len(msg)); err != nil {
		t.Fatalf("SyncForDevice: %v", err)
	}
	tok, err := lb.Submit(q, []Slice{{Region: in, Len: len(msg)}, {Region: out, Len: out.Len(), Write: true}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if lb.ShouldNotify(q) {
		lb.Notify(q)
	}
	for {
		got, n, err := lb.PopCompleted(q)
		if errors.Is(err, ErrNotReady) {
			waitSignal(t, done)
			continue
		}
		if err != nil {
			t.Fatalf("PopCompleted: %v", err)
		}
		if got != tok {
			t.Fatalf("token %d, want %d", got, tok)
		}
		if err := out.SyncForCPU(0, int(n)); err != nil {
			t.Fatalf("SyncForCPU: %v", err)
		}
		return out.Bytes()[:n]
	}
}

func TestLoopbackRequestRoundTrip(t *testing.T) {
	lb := startTestLoopback(t, FSConfig{Tag: "loop", NumRequestQueues: 2}, nil)
	if lb.NumQueues() != 3 {
		t.Fatalf("NumQueues = %d, want 3", lb.NumQueues())
	}
	for q := 1; q < 3; q++ {
		done := completionSignal(t, lb, q)
		resp := roundTrip(t, lb, q, done, fuse.NewGetattrRequest(fuse.RootID, nil), uint64(2*q))
		hdr := replyHeader(t, resp)
		if hdr.Error != 0 || hdr.Unique != uint64(2*q) {
			t.Fatalf("queue %d reply %+v", q, hdr)
		}
		var out fuse.AttrOut
		if err := fuse.Unmarshal(fuse.ABI736, resp[fuse.OutHeaderSize:], &out); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		if out.Attr.Ino != fuse.RootID {
			t.Fatalf("attr %+v", out.Attr)
		}
	}
}

func TestLoopbackSuppressedInterrupts(t *testing.T) {
	lb := startTestLoopback(t, FSConfig{NumRequestQueues: 1}, nil)
	calls := completionSignal(t, lb, 1)
	if err := lb.SuppressInterrupts(1, true); err != nil {
		t.Fatalf("SuppressInterrupts: %v", err)
	}

	msg := encodeTestRequest(t, fuse.NewStatfsRequest(fuse.RootID), 2)
	in, _ := lb.AllocRegion(len(msg))
	out, _ := lb.AllocRegion(256)
	copy(in.Bytes(), msg)
	in.SyncForDevice(0, len(msg))
	if _, err := lb.Submit(1, []Slice{{Region: in, Len: len(msg)}, {Region: out, Len: 256, Write: true}}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	lb.Notify(1)

	deadline := time.Now().Add(5 * time.Second)
	for {
		_, _, err := lb.PopCompleted(1)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrNotReady) || time.Now().After(deadline) {
			t.Fatalf("PopCompleted: %v", err)
		}
		time.Sleep(time.Millisecond)
	}
	select {
	case <-calls:
		t.Fatalf("completion handler ran with interrupts suppressed")
	default:
	}
}

func TestLoopbackNotificationDelivery(t *testing.T) {
	lb := startTestLoopback(t, FSConfig{NumRequestQueues: 1, NotifyBufSize: 256}, nil)
	if lb.NumQueues() != 3 {
		t.Fatalf("NumQueues = %d, want 3", lb.NumQueues())
	}
	done := completionSignal(t, lb, 1)

	buf, _ := lb.AllocRegion(256)
	tok, err := lb.Submit(1, []Slice{{Region: buf, Len: 256, Write: true}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	lb.Notify(1)

	if err := lb.PushNotification(&fuse.NotifyInvalEntry{Parent: fuse.RootID, Name: "stale"}); err != nil {
		t.Fatalf("PushNotification: %v", err)
	}
	waitSignal(t, done)

	got, n, err := lb.PopCompleted(1)
	if err != nil || got != tok {
		t.Fatalf("PopCompleted = %d, %v", got, err)
	}
	buf.SyncForCPU(0, int(n))
	hdr, err := fuse.DecodeOutHeader(buf.Bytes()[:n])
	if err != nil {
		t.Fatalf("DecodeOutHeader: %v", err)
	}
	note, err := fuse.DecodeNotify(hdr, buf.Bytes()[fuse.OutHeaderSize:n])
	if err != nil {
		t.Fatalf("DecodeNotify: %v", err)
	}
	inval, ok := note.(*fuse.NotifyInvalEntry)
	if !ok || inval.Name != "stale" || inval.Parent != fuse.RootID {
		t.Fatalf("notification %#v", note)
	}
}

func TestLoopbackNotificationNotNegotiated(t *testing.T) {
	lb := startTestLoopback(t, FSConfig{NumRequestQueues: 1, NotifyBufSize: 256}, func(f uint64) uint64 {
		return f &^ FsFeatureNotification
	})
	if lb.NumQueues() != 2 {
		t.Fatalf("NumQueues = %d, want 2", lb.NumQueues())
	}
	if err := lb.PushNotification(&fuse.NotifyPoll{Kh: 1}); err == nil {
		t.Fatalf("notification accepted without the feature")
	}
}

func TestLoopbackRejectsUnofferedFeatures(t *testing.T) {
	fs, _ := NewFS(FSConfig{NumRequestQueues: 1})
	lb, err := NewLoopback(fs, LoopbackConfig{MemorySize: 1 << 20})
	if err != nil {
		t.Fatalf("NewLoopback: %v", err)
	}
	if err := lb.Start(context.Background(), FsFeatureNotification); err == nil {
		t.Fatalf("Start accepted an unoffered feature")
	}
	lb.Close()
	if _, err := lb.Submit(0, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("Submit after Close = %v", err)
	}
}
