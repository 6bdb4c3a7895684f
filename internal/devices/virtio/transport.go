package virtio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/virtiofs/internal/fuse"
)

const virtioFeatureVersion1 = uint64(1) << 32

const (
	defaultLoopbackMemory = 32 << 20
	defaultQueueSize      = 128
)

// ErrClosed is returned once a Loopback has been shut down.
var ErrClosed = errors.New("virtio: transport closed")

// LoopbackConfig sizes a Loopback.
type LoopbackConfig struct {
	MemorySize int
	QueueSize  uint16
	Logger     *slog.Logger
}

// Loopback connects driver-side rings to an in-process FS device that
// serves each queue from its own goroutine. It stands in for a hypervisor
// transport: kicks wake the device goroutine and used buffers invoke the
// queue's completion handler in place of an interrupt.
type Loopback struct {
	fs  *FS
	mem *Memory
	log *slog.Logger

	queueSize uint16

	mu        sync.Mutex
	started   bool
	closed    bool
	features  uint64
	queues    []*loopQueue
	notifyIdx int
	pending   [][]byte

	cancel context.CancelFunc
	group  *errgroup.Group
}

type loopQueue struct {
	index int
	drv   *DriverQueue
	dev   *VirtQueue

	mu         sync.Mutex
	onComplete func()
}

func NewLoopback(fs *FS, cfg LoopbackConfig) (*Loopback, error) {
	if fs == nil {
		return nil, fmt.Errorf("virtio: loopback needs a device")
	}
	if cfg.MemorySize == 0 {
		cfg.MemorySize = defaultLoopbackMemory
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.QueueSize > fsQueueNumMax || cfg.QueueSize&(cfg.QueueSize-1) != 0 {
		return nil, fmt.Errorf("virtio: invalid queue size %d", cfg.QueueSize)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Loopback{
		fs:        fs,
		mem:       NewMemory(cfg.MemorySize),
		log:       cfg.Logger,
		queueSize: cfg.QueueSize,
		notifyIdx: -1,
	}, nil
}

// DeviceFeatures is the feature set offered by the device.
func (l *Loopback) DeviceFeatures() uint64 { return l.fs.Features() }

// ConfigSpace returns the device config bytes.
func (l *Loopback) ConfigSpace() []byte { return l.fs.ConfigSpace() }

// Memory exposes the shared address space.
func (l *Loopback) Memory() *Memory { return l.mem }

// AllocRegion maps a DMA region in the shared address space.
func (l *Loopback) AllocRegion(size int) (*DMARegion, error) {
	return l.mem.AllocRegion(size)
}

// Start completes feature negotiation with the accepted set, sets up every
// queue and starts the device. ctx bounds the device goroutines.
func (l *Loopback) Start(ctx context.Context, accepted uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if l.started {
		return fmt.Errorf("virtio: loopback already started")
	}
	if extra := accepted &^ l.fs.Features(); extra != 0 {
		return fmt.Errorf("virtio: driver accepted unoffered features %#x", extra)
	}

	n := l.fs.NumQueues(accepted)
	queues := make([]*loopQueue, n)
	for i := range queues {
		drv, err := NewDriverQueue(l.mem, l.queueSize)
		if err != nil {
			return fmt.Errorf("virtio: queue %d: %w", i, err)
		}
		dev := NewVirtQueue(l.mem, fsQueueNumMax)
		if err := drv.Attach(dev); err != nil {
			return fmt.Errorf("virtio: queue %d: %w", i, err)
		}
		queues[i] = &loopQueue{index: i, drv: drv, dev: dev}
	}
	l.features = accepted
	l.queues = queues
	if accepted&FsFeatureNotification != 0 {
		l.notifyIdx = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	group, ctx := errgroup.WithContext(ctx)
	for _, q := range queues {
		group.Go(func() error { return l.serve(ctx, q) })
	}
	l.cancel = cancel
	l.group = group
	l.started = true
	l.fs.setNotifier(l)

	l.log.Debug("virtio-fs: loopback started", "queues", n, "features", fmt.Sprintf("%#x", accepted))
	return nil
}

// Close stops the device goroutines and waits for them.
func (l *Loopback) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	cancel, group := l.cancel, l.group
	l.mu.Unlock()

	l.fs.setNotifier(nil)
	if cancel == nil {
		return nil
	}
	cancel()
	err := group.Wait()
	for _, q := range l.queues {
		q.dev.detach()
	}
	return err
}

// Features is the negotiated feature set.
func (l *Loopback) Features() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.features
}

func (l *Loopback) NumQueues() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queues)
}

func (l *Loopback) queue(i int) (*loopQueue, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	if i < 0 || i >= len(l.queues) {
		return nil, fmt.Errorf("virtio: no queue %d", i)
	}
	return l.queues[i], nil
}

// Submit publishes a chain on queue q without kicking the device. Callers
// serialize Submit and PopCompleted per queue.
func (l *Loopback) Submit(q int, chain []Slice) (Token, error) {
	lq, err := l.queue(q)
	if err != nil {
		return 0, err
	}
	return lq.drv.Add(chain)
}

// ShouldNotify reports whether queue q wants a kick.
func (l *Loopback) ShouldNotify(q int) bool {
	lq, err := l.queue(q)
	if err != nil {
		return false
	}
	return lq.drv.ShouldNotify()
}

// Notify kicks queue q.
func (l *Loopback) Notify(q int) {
	if lq, err := l.queue(q); err == nil {
		lq.dev.Kick()
	}
}

// PopCompleted returns the next used chain of queue q, or ErrNotReady.
func (l *Loopback) PopCompleted(q int) (Token, uint32, error) {
	lq, err := l.queue(q)
	if err != nil {
		return 0, 0, err
	}
	return lq.drv.PopUsed()
}

// SuppressInterrupts asks the device not to call the completion handler of
// queue q.
func (l *Loopback) SuppressInterrupts(q int, suppress bool) error {
	lq, err := l.queue(q)
	if err != nil {
		return err
	}
	return lq.drv.SuppressInterrupts(suppress)
}

// SetCompletionHandler installs fn as the interrupt handler of queue q.
// fn runs on the device goroutine and must not block.
func (l *Loopback) SetCompletionHandler(q int, fn func()) error {
	lq, err := l.queue(q)
	if err != nil {
		return err
	}
	lq.mu.Lock()
	lq.onComplete = fn
	lq.mu.Unlock()
	return nil
}

// PushNotification queues a device notification for delivery into the
// driver's notification buffers.
func (l *Loopback) PushNotification(n fuse.Notification) error {
	msg := fuse.MarshalNotify(n)
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	if l.notifyIdx < 0 {
		l.mu.Unlock()
		return fmt.Errorf("virtio-fs: notification queue not negotiated")
	}
	if size := l.fs.notifyBufSize; uint32(len(msg)) > size {
		l.mu.Unlock()
		return fmt.Errorf("virtio-fs: %s notification of %d bytes exceeds notify_buf_size %d", n.Code(), len(msg), size)
	}
	l.pending = append(l.pending, msg)
	q := l.queues[l.notifyIdx]
	l.mu.Unlock()

	q.dev.Kick()
	return nil
}

func (l *Loopback) serve(ctx context.Context, q *loopQueue) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-q.dev.Kicks():
		}
		if err := l.drain(q); err != nil {
			l.log.Error("virtio-fs: queue failed", "queue", q.index, "err", err)
			return fmt.Errorf("virtio-fs: queue %d: %w", q.index, err)
		}
	}
}

// drain serves queue q until the driver has nothing more for it. Kicks are
// suppressed while draining; the ring is rechecked after re-enabling them
// so a chain published in between is not missed.
func (l *Loopback) drain(q *loopQueue) error {
	for {
		if err := q.dev.SuppressKicks(true); err != nil {
			return err
		}
		var processed bool
		var err error
		if q.index == l.notifyIdx {
			processed, err = l.deliverPending(q)
		} else {
			processed, err = l.fs.processQueue(q.dev)
		}
		if nerr := q.dev.SuppressKicks(false); err == nil {
			err = nerr
		}
		if err != nil {
			return err
		}
		if processed {
			l.interrupt(q)
		}

		more, err := q.dev.Pending()
		if err != nil {
			return err
		}
		if q.index == l.notifyIdx {
			l.mu.Lock()
			more = more && len(l.pending) > 0
			l.mu.Unlock()
		}
		if !more {
			return nil
		}
	}
}

// deliverPending moves queued notifications into posted buffers.
func (l *Loopback) deliverPending(q *loopQueue) (bool, error) {
	var processed bool
	for {
		l.mu.Lock()
		if len(l.pending) == 0 {
			l.mu.Unlock()
			return processed, nil
		}
		msg := l.pending[0]
		l.mu.Unlock()

		c, ok, err := q.dev.Next()
		if err != nil || !ok {
			return processed, err
		}
		l.mu.Lock()
		l.pending = l.pending[1:]
		l.mu.Unlock()

		used, err := l.post(q.dev, c, msg)
		if err != nil {
			return processed, err
		}
		if err := q.dev.Complete(c.Head, used); err != nil {
			return processed, err
		}
		processed = true
	}
}

// post writes one notification into a driver buffer. A buffer that is too
// small is returned empty and the notification is lost.
func (l *Loopback) post(q *VirtQueue, c Chain, msg []byte) (uint32, error) {
	in, out, err := c.Split()
	if err != nil {
		return 0, err
	}
	if len(in) != 0 {
		return 0, fmt.Errorf("virtio-fs: notification buffer %d is not writable", c.Head)
	}
	if have := totalLen(out); have < len(msg) {
		l.log.Warn("virtio-fs: notification buffer too small", "need", len(msg), "have", have)
		return 0, nil
	}
	return q.Scatter(out, msg)
}

func (l *Loopback) interrupt(q *loopQueue) {
	suppressed, err := q.dev.InterruptsSuppressed()
	if err != nil || suppressed {
		return
	}
	q.mu.Lock()
	fn := q.onComplete
	q.mu.Unlock()
	if fn != nil {
		fn()
	}
}
