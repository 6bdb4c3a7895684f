package virtiofs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/tinyrange/virtiofs/internal/fuse"
)

// Device is the capability set of a FUSE device: issue a request and
// handle the completions of a queue. *Driver is the virtio-bound
// implementation.
type Device interface {
	Start(ctx context.Context, req *fuse.Request, done func(*Call)) (*Call, error)
	HandleCompletion(q int) error
}

var _ Device = (*Driver)(nil)

// Option configures a Driver.
type Option func(*Driver)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(d *Driver) { d.log = l }
}

// WithMetrics sets the collectors updated by the driver.
func WithMetrics(m *Metrics) Option {
	return func(d *Driver) { d.metrics = m }
}

// WithNotifyHandler receives device notifications.
func WithNotifyHandler(h NotifyHandler) Option {
	return func(d *Driver) { d.onNotify = h }
}

// Driver speaks FUSE over the queues of one virtio-fs device.
type Driver struct {
	t        Transport
	cfg      Config
	devcfg   DeviceConfig
	log      *slog.Logger
	metrics  *Metrics
	onNotify NotifyHandler
	retry    *rate.Limiter

	// queues is indexed by virtqueue number; the notification queue slot
	// is nil.
	queues   []*queue
	requests []*queue
	notify   *notifyQueue

	nextUnique atomic.Uint64
	rr         atomic.Uint32

	mu       sync.Mutex
	version  fuse.Version
	maxWrite uint32
	closed   bool
}

// New binds a driver to a started transport. The transport must have
// negotiated a subset of SupportedFeatures.
func New(t Transport, cfg Config, opts ...Option) (*Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	devcfg, err := ParseDeviceConfig(t.ConfigSpace())
	if err != nil {
		return nil, err
	}
	if cfg.Tag != "" && cfg.Tag != devcfg.Tag {
		return nil, fmt.Errorf("virtio-fs: device tag %q, want %q", devcfg.Tag, cfg.Tag)
	}
	notify := t.Features()&FeatureNotification != 0
	want := 1 + int(devcfg.NumRequestQueues)
	if notify {
		want++
		if devcfg.NotifyBufSize == 0 {
			return nil, errors.New("virtio-fs: notifications negotiated with notify_buf_size 0")
		}
	}
	if got := t.NumQueues(); got != want {
		return nil, fmt.Errorf("virtio-fs: transport has %d queues, device config implies %d", got, want)
	}

	d := &Driver{
		t:       t,
		cfg:     cfg,
		devcfg:  devcfg,
		log:     slog.Default(),
		retry:   rate.NewLimiter(rate.Limit(cfg.RetryRate), 1),
		queues:  make([]*queue, want),
		version: fuse.ABI736,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.metrics == nil {
		d.metrics = NewMetrics(nil)
	}

	first := 1
	if notify {
		first = 2
		d.notify = newNotifyQueue(1, int(devcfg.NotifyBufSize))
	}
	d.queues[0] = newQueue(0, newSlotPool(cfg.SlotsPerQueue, cfg.SlotSize, t.AllocRegion))
	for i := first; i < want; i++ {
		q := newQueue(i, newSlotPool(cfg.SlotsPerQueue, cfg.SlotSize, t.AllocRegion))
		d.queues[i] = q
		d.requests = append(d.requests, q)
	}

	for i := range want {
		if err := t.SetCompletionHandler(i, func() { d.onInterrupt(i) }); err != nil {
			return nil, fmt.Errorf("virtio-fs: queue %d: %w", i, err)
		}
	}
	if d.notify != nil {
		if err := d.notify.fill(t, cfg.NotifyBuffers); err != nil {
			return nil, err
		}
	}

	d.log.Debug("virtio-fs: driver ready", "tag", devcfg.Tag, "request_queues", len(d.requests), "notifications", notify)
	return d, nil
}

// DeviceConfig is the parsed device config space.
func (d *Driver) DeviceConfig() DeviceConfig { return d.devcfg }

// Version is the negotiated protocol version, ABI736 before Init.
func (d *Driver) Version() fuse.Version {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.version
}

// RequestQueues is the number of request queues.
func (d *Driver) RequestQueues() int { return len(d.requests) }

// Close fails every call still waiting. The transport is left to its
// owner; chains the device returns later only free their slots.
func (d *Driver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	for _, q := range d.queues {
		if q == nil {
			continue
		}
		for _, c := range q.pendingCalls() {
			c.settle(Faulted, nil, fmt.Errorf("%s unique %d: %w", c.Op, c.Unique, ErrClosed))
		}
	}
	return nil
}

// Start submits req without waiting for its reply. done, when set, runs
// once the call settles; it runs in completion context and must not
// block. The request's unique and credentials are assigned here.
func (d *Driver) Start(ctx context.Context, req *fuse.Request, done func(*Call)) (*Call, error) {
	return d.start(ctx, req, d.Version(), done)
}

func (d *Driver) start(ctx context.Context, req *fuse.Request, v fuse.Version, done func(*Call)) (*Call, error) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	l, err := fuse.LookupLayout(v, req.Op())
	if err != nil {
		return nil, err
	}
	q, err := d.pickQueue(ctx, l)
	if err != nil {
		return nil, err
	}

	if req.Op() != fuse.OpInterrupt {
		req.Header.Unique = d.nextUnique.Add(2)
	}
	caller := callerFrom(ctx, d.cfg)
	req.Header.UID, req.Header.GID, req.Header.PID = caller.UID, caller.GID, caller.PID

	msg, err := req.Encode(v)
	if err != nil {
		return nil, err
	}
	capacity := req.ReplyCapacity(v)
	if need := len(msg) + capacity; need > d.cfg.SlotSize {
		return nil, fmt.Errorf("%w: %s needs %d bytes, slots hold %d", ErrEncoding, req.Op(), need, d.cfg.SlotSize)
	}

	c := newCall(d, req, v, l, q.index, done)
	if err := q.place(d.t, c, msg, capacity); err != nil {
		if errors.Is(err, ErrQueueFull) {
			d.metrics.QueueFull.Inc()
		}
		return nil, err
	}
	d.metrics.Submitted.WithLabelValues(c.Op.String()).Inc()
	d.metrics.inFlight(q.index).Inc()
	c.armTimer(d.cfg.RequestTimeout.Duration(), func() { d.expire(c, context.DeadlineExceeded) })
	return c, nil
}

// pickQueue sends control opcodes to the high priority queue and spreads
// the rest across request queues unless ctx pins one.
func (d *Driver) pickQueue(ctx context.Context, l fuse.Layout) (*queue, error) {
	if l.Control {
		return d.queues[0], nil
	}
	if i, ok := ctx.Value(queueKey{}).(int); ok {
		if i < 0 || i >= len(d.requests) {
			return nil, fmt.Errorf("virtio-fs: no request queue %d", i)
		}
		return d.requests[i], nil
	}
	n := uint32(len(d.requests))
	return d.requests[(d.rr.Add(1)-1)%n], nil
}

func (d *Driver) onInterrupt(q int) {
	// Failures are logged by HandleCompletion.
	_ = d.HandleCompletion(q)
}

// HandleCompletion drains every finished chain of queue q. It is the
// transport's completion handler and may also be called to poll.
func (d *Driver) HandleCompletion(q int) error {
	if d.notify != nil && q == d.notify.index {
		return d.drainNotifications()
	}
	if q < 0 || q >= len(d.queues) {
		return fmt.Errorf("virtio-fs: no queue %d", q)
	}
	qu := d.queues[q]

	var errs []error
	for {
		cp, ok, err := qu.pop(d.t)
		if err != nil {
			d.log.Error("virtio-fs: completion", "queue", q, "err", err)
			d.metrics.Faults.Inc()
			errs = append(errs, err)
			if !ok {
				break
			}
			continue
		}
		if !ok {
			break
		}
		d.finish(qu, cp)
	}
	return errors.Join(errs...)
}

// finish decodes a completion outside the queue lock and settles its call.
func (d *Driver) finish(q *queue, cp completion) {
	c := cp.call
	var result any
	err := cp.err
	if err == nil && !cp.noReply {
		result, err = fuse.Decode(c.version, c.req, cp.hdr, cp.body)
	}

	var devErr *DeviceError
	faulted := err != nil && !errors.As(err, &devErr)
	q.release(c.slot, faulted)
	d.metrics.inFlight(q.index).Dec()
	if faulted {
		d.metrics.Faults.Inc()
		d.log.Warn("virtio-fs: protocol fault", "op", c.Op, "unique", c.Unique, "queue", q.index, "err", err)
	}

	state := Completed
	if err != nil {
		state = Faulted
	}
	if !c.settle(state, result, err) {
		d.metrics.Trailing.Inc()
		d.log.Debug("virtio-fs: trailing completion", "op", c.Op, "unique", c.Unique, "queue", q.index)
		return
	}
	d.metrics.Completed.WithLabelValues(c.Op.String(), resultLabel(err)).Inc()
}

func resultLabel(err error) string {
	var devErr *DeviceError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &devErr):
		return "device_error"
	}
	return "fault"
}

// expire times out c. The pending entry and slot are kept until the
// device gives the chain back, and the device is asked to abandon the
// request.
func (d *Driver) expire(c *Call, cause error) {
	err := fmt.Errorf("%w: %s unique %d: %w", ErrTimedOut, c.Op, c.Unique, cause)
	if !c.settle(TimedOut, nil, err) {
		return
	}
	d.metrics.Timeouts.Inc()
	d.metrics.Completed.WithLabelValues(c.Op.String(), "timeout").Inc()
	d.log.Warn("virtio-fs: request timed out", "op", c.Op, "unique", c.Unique, "queue", c.Queue, "err", cause)

	switch c.Op {
	case fuse.OpInterrupt, fuse.OpForget, fuse.OpBatchForget, fuse.OpInit:
		return
	}
	if _, err := d.Start(context.Background(), fuse.NewInterruptRequest(c.Unique), nil); err != nil {
		d.log.Warn("virtio-fs: interrupt not sent", "unique", c.Unique, "err", err)
	}
}

// roundTrip submits req at the negotiated version and waits for it.
func (d *Driver) roundTrip(ctx context.Context, req *fuse.Request) (any, error) {
	return d.roundTripAt(ctx, req, d.Version())
}

func (d *Driver) roundTripAt(ctx context.Context, req *fuse.Request, v fuse.Version) (any, error) {
	for {
		c, err := d.start(ctx, req, v, nil)
		if err == nil {
			return c.Wait(ctx)
		}
		if !d.cfg.RetryQueueFull || !errors.Is(err, ErrQueueFull) {
			return nil, err
		}
		if werr := d.retry.Wait(ctx); werr != nil {
			return nil, fmt.Errorf("%w (%w)", err, werr)
		}
	}
}
