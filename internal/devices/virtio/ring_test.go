package virtio

import (
	"bytes"
	"errors"
	"testing"
)

func newTestRing(t *testing.T, size uint16) (*Memory, *DriverQueue, *VirtQueue) {
	t.Helper()
	mem := NewMemory(1 << 20)
	drv, err := NewDriverQueue(mem, size)
	if err != nil {
		t.Fatalf("NewDriverQueue: %v", err)
	}
	dev := NewVirtQueue(mem, 256)
	if err := drv.Attach(dev); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	return mem, drv, dev
}

func TestDriverQueueRoundTrip(t *testing.T) {
	mem, drv, dev := newTestRing(t, 8)

	in, err := mem.AllocRegion(32)
	if err != nil {
		t.Fatalf("AllocRegion: %v", err)
	}
	out, err := mem.AllocRegion(64)
	if err != nil {
		t.Fatalf("AllocRegion: %v", err)
	}
	copy(in.Bytes(), "request")
	if err := in.SyncForDevice(0, in.Len()); err != nil {
		t.Fatalf("SyncForDevice: %v", err)
	}

	tok, err := drv.Add([]Slice{{Region: in, Len: 7}, {Region: out, Len: 64, Write: true}})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if drv.NumFree() != 6 {
		t.Fatalf("NumFree = %d, want 6", drv.NumFree())
	}
	if _, _, err := drv.PopUsed(); !errors.Is(err, ErrNotReady) {
		t.Fatalf("PopUsed before completion = %v, want ErrNotReady", err)
	}

	c, ok, err := dev.Next()
	if err != nil || !ok {
		t.Fatalf("Next: ok=%v err=%v", ok, err)
	}
	if Token(c.Head) != tok {
		t.Fatalf("head = %d, token = %d", c.Head, tok)
	}
	if len(c.Segments) != 2 || c.Segments[0].Write || !c.Segments[1].Write {
		t.Fatalf("unexpected chain %+v", c)
	}
	readable, writable, err := c.Split()
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	got, err := dev.Gather(readable, nil)
	if err != nil || string(got) != "request" {
		t.Fatalf("device read %q, %v", got, err)
	}
	if _, err := dev.Scatter(writable, []byte("reply")); err != nil {
		t.Fatalf("Scatter: %v", err)
	}
	if err := dev.Complete(c.Head, 5); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	gotTok, n, err := drv.PopUsed()
	if err != nil {
		t.Fatalf("PopUsed: %v", err)
	}
	if gotTok != tok || n != 5 {
		t.Fatalf("PopUsed = (%d, %d), want (%d, 5)", gotTok, n, tok)
	}
	if drv.NumFree() != 8 {
		t.Fatalf("NumFree after pop = %d, want 8", drv.NumFree())
	}

	if !bytes.Equal(out.Bytes()[:5], make([]byte, 5)) {
		t.Fatalf("CPU view changed before SyncForCPU")
	}
	if err := out.SyncForCPU(0, int(n)); err != nil {
		t.Fatalf("SyncForCPU: %v", err)
	}
	if string(out.Bytes()[:5]) != "reply" {
		t.Fatalf("CPU view = %q", out.Bytes()[:5])
	}
}

func TestDriverQueueFull(t *testing.T) {
	mem, drv, dev := newTestRing(t, 4)
	r, _ := mem.AllocRegion(64)

	var toks []Token
	for range 2 {
		tok, err := drv.Add([]Slice{{Region: r, Len: 8}, {Region: r, Off: 8, Len: 8, Write: true}})
		if err != nil {
			t.Fatalf("Add: %v", err)
		}
		toks = append(toks, tok)
	}
	if _, err := drv.Add([]Slice{{Region: r, Len: 8}}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Add on a full ring = %v, want ErrQueueFull", err)
	}

	// Completing the second chain first frees exactly its descriptors.
	for range 2 {
		if _, _, err := dev.Next(); err != nil {
			t.Fatalf("Next: %v", err)
		}
	}
	if err := dev.Complete(uint16(toks[1]), 0); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	tok, _, err := drv.PopUsed()
	if err != nil || tok != toks[1] {
		t.Fatalf("PopUsed = %d, %v", tok, err)
	}
	again, err := drv.Add([]Slice{{Region: r, Len: 8}, {Region: r, Off: 8, Len: 8, Write: true}})
	if err != nil {
		t.Fatalf("Add after free: %v", err)
	}
	if again == toks[0] {
		t.Fatalf("reused a head that is still in flight")
	}
}

func TestDriverQueueRejectsUnknownCompletion(t *testing.T) {
	_, drv, dev := newTestRing(t, 4)
	if err := dev.Complete(3, 0); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if _, _, err := drv.PopUsed(); err == nil || errors.Is(err, ErrNotReady) {
		t.Fatalf("PopUsed of a never submitted head = %v", err)
	}
}

func TestDriverQueueNotifyFlags(t *testing.T) {
	_, drv, dev := newTestRing(t, 4)
	if !drv.ShouldNotify() {
		t.Fatalf("fresh ring should want a kick")
	}
	if err := dev.SuppressKicks(true); err != nil {
		t.Fatalf("SuppressKicks: %v", err)
	}
	if drv.ShouldNotify() {
		t.Fatalf("ShouldNotify with NO_NOTIFY set")
	}
	if err := drv.SuppressInterrupts(true); err != nil {
		t.Fatalf("SuppressInterrupts: %v", err)
	}
	if s, _ := dev.InterruptsSuppressed(); !s {
		t.Fatalf("device does not see NO_INTERRUPT")
	}
}

func TestNewDriverQueueSize(t *testing.T) {
	mem := NewMemory(1 << 16)
	for _, size := range []uint16{0, 3, 100} {
		if _, err := NewDriverQueue(mem, size); err == nil {
			t.Fatalf("size %d accepted", size)
		}
	}
}

func TestDMARegionIsolation(t *testing.T) {
	mem := NewMemory(1 << 16)
	a, _ := mem.AllocRegion(16)
	b, _ := mem.AllocRegion(16)

	copy(a.Bytes(), bytes.Repeat([]byte{0xaa}, 16))
	if err := a.SyncForDevice(0, 16); err != nil {
		t.Fatalf("SyncForDevice: %v", err)
	}
	if err := b.SyncForCPU(0, 16); err != nil {
		t.Fatalf("SyncForCPU: %v", err)
	}
	if !bytes.Equal(b.Bytes(), make([]byte, 16)) {
		t.Fatalf("writes to one region leaked into another: %x", b.Bytes())
	}
	if err := a.SyncForDevice(8, 16); err == nil {
		t.Fatalf("expected a range error")
	}

	addr := a.Addr()
	a.Release()
	c, _ := mem.AllocRegion(16)
	if c.Addr() != addr {
		t.Fatalf("released range not recycled")
	}
	if err := c.SyncForCPU(0, 16); err != nil {
		t.Fatalf("SyncForCPU: %v", err)
	}
}

func TestMemoryBounds(t *testing.T) {
	mem := NewMemory(256)
	if _, err := mem.WriteAt(make([]byte, 8), 252); err == nil {
		t.Fatalf("expected out of range write to fail")
	}
	if _, err := mem.Alloc(1024, 8); !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("Alloc = %v, want ErrOutOfMemory", err)
	}
}
