package virtiofs

import (
	"context"
	"sync"
	"time"

	"github.com/tinyrange/virtiofs/internal/devices/virtio"
	"github.com/tinyrange/virtiofs/internal/fuse"
)

// CallState tracks one request from submission to its outcome.
type CallState int32

const (
	Submitted CallState = iota
	AwaitingCompletion
	Completed
	Faulted
	TimedOut
)

func (s CallState) String() string {
	switch s {
	case Submitted:
		return "submitted"
	case AwaitingCompletion:
		return "awaiting-completion"
	case Completed:
		return "completed"
	case Faulted:
		return "faulted"
	case TimedOut:
		return "timed-out"
	}
	return "unknown"
}

// Call is one in-flight FUSE request.
type Call struct {
	Op     fuse.Opcode
	Unique uint64
	Queue  int

	drv      *Driver
	req      *fuse.Request
	version  fuse.Version
	optional bool

	// Guarded by the queue lock.
	token    virtio.Token
	slot     *slot
	inLen    int
	capacity int

	mu     sync.Mutex
	state  CallState
	result any
	err    error
	timer  *time.Timer
	done   chan struct{}
	onDone func(*Call)
}

func newCall(d *Driver, req *fuse.Request, v fuse.Version, l fuse.Layout, q int, onDone func(*Call)) *Call {
	return &Call{
		Op:       req.Op(),
		Unique:   req.Header.Unique,
		Queue:    q,
		drv:      d,
		req:      req,
		version:  v,
		optional: l.Reply == fuse.ReplyOptional,
		state:    Submitted,
		done:     make(chan struct{}),
		onDone:   onDone,
	}
}

// State is the current state.
func (c *Call) State() CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once the call reaches a terminal state.
func (c *Call) Done() <-chan struct{} { return c.done }

// Completed reports whether the call has reached a terminal state. It is
// meant for spin-polling on control paths.
func (c *Call) Completed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Result returns the decoded reply and error. Both are zero until Done is
// closed.
func (c *Call) Result() (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result, c.err
}

// Wait blocks until the call finishes or ctx ends. An ended ctx times the
// call out: the device is asked to abandon it and its slot stays reserved
// until the device returns the buffer.
func (c *Call) Wait(ctx context.Context) (any, error) {
	select {
	case <-c.done:
	case <-ctx.Done():
		c.drv.expire(c, ctx.Err())
		<-c.done
	}
	return c.Result()
}

// armTimer starts the request deadline unless the call already finished.
func (c *Call) armTimer(d time.Duration, fire func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == AwaitingCompletion && d > 0 {
		c.timer = time.AfterFunc(d, fire)
	}
}

func (c *Call) setAwaiting() {
	c.mu.Lock()
	c.state = AwaitingCompletion
	c.mu.Unlock()
}

// settle moves an awaiting call into a terminal state and runs its
// callback. It reports false when the call had already settled.
func (c *Call) settle(state CallState, result any, err error) bool {
	c.mu.Lock()
	if c.state != AwaitingCompletion {
		c.mu.Unlock()
		return false
	}
	c.state = state
	c.result = result
	c.err = err
	if c.timer != nil {
		c.timer.Stop()
	}
	cb := c.onDone
	c.mu.Unlock()

	close(c.done)
	if cb != nil {
		cb(c)
	}
	return true
}
