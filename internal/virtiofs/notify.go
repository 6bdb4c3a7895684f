package virtiofs

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tinyrange/virtiofs/internal/devices/virtio"
	"github.com/tinyrange/virtiofs/internal/fuse"
)

// NotifyHandler receives device notifications. It runs in completion
// context and must not block.
type NotifyHandler func(fuse.Notification)

// notifyQueue keeps device-writable buffers posted on the notification
// queue.
type notifyQueue struct {
	index int
	size  int

	mu   sync.Mutex
	bufs map[virtio.Token]*virtio.DMARegion
}

func newNotifyQueue(index, size int) *notifyQueue {
	return &notifyQueue{index: index, size: size, bufs: make(map[virtio.Token]*virtio.DMARegion)}
}

// fill maps and posts n buffers.
func (nq *notifyQueue) fill(t Transport, n int) error {
	nq.mu.Lock()
	defer nq.mu.Unlock()
	for i := range n {
		r, err := t.AllocRegion(nq.size)
		if err != nil {
			return fmt.Errorf("virtio-fs: notify buffer %d: %w", i, err)
		}
		if err := nq.post(t, r); err != nil {
			return err
		}
	}
	if t.ShouldNotify(nq.index) {
		t.Notify(nq.index)
	}
	return nil
}

// post hands r to the device. NOTE: caller must hold nq.mu.
func (nq *notifyQueue) post(t Transport, r *virtio.DMARegion) error {
	clear(r.Bytes())
	if err := r.SyncForDevice(0, r.Len()); err != nil {
		return fmt.Errorf("virtio-fs: sync notify buffer: %w", err)
	}
	tok, err := t.Submit(nq.index, []virtio.Slice{{Region: r, Len: r.Len(), Write: true}})
	if err != nil {
		return fmt.Errorf("virtio-fs: post notify buffer: %w", err)
	}
	nq.bufs[tok] = r
	return nil
}

// take pops one filled buffer, copies the message out and reposts the
// buffer. ok is false when nothing is ready.
func (nq *notifyQueue) take(t Transport) (msg []byte, ok bool, err error) {
	nq.mu.Lock()
	defer nq.mu.Unlock()

	tok, used, err := t.PopCompleted(nq.index)
	if errors.Is(err, virtio.ErrNotReady) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("virtio-fs: notification queue: pop: %w", err)
	}
	r := nq.bufs[tok]
	if r == nil {
		return nil, true, protocolFault("notification queue: unknown token %d", tok)
	}
	delete(nq.bufs, tok)

	switch {
	case int(used) > r.Len():
		err = protocolFault("notification of %d bytes in a %d byte buffer", used, r.Len())
	case used > 0:
		if err = r.SyncForCPU(0, int(used)); err == nil {
			msg = append([]byte(nil), r.Bytes()[:used]...)
		}
	}
	if perr := nq.post(t, r); perr != nil {
		err = errors.Join(err, perr)
	}
	return msg, true, err
}

// drainNotifications delivers every filled notification buffer to the
// handler and gives the buffers back to the device.
func (d *Driver) drainNotifications() error {
	nq := d.notify
	var errs []error
	for {
		msg, ok, err := nq.take(d.t)
		if err != nil {
			d.log.Error("virtio-fs: notification", "err", err)
			d.metrics.Faults.Inc()
			errs = append(errs, err)
		}
		if !ok {
			break
		}
		if msg == nil {
			continue
		}
		n, err := decodeNotification(msg)
		if err != nil {
			d.log.Warn("virtio-fs: bad notification", "err", err)
			d.metrics.Faults.Inc()
			errs = append(errs, err)
			continue
		}
		d.metrics.Notifications.WithLabelValues(n.Code().String()).Inc()
		if d.onNotify == nil {
			d.log.Debug("virtio-fs: notification dropped", "code", n.Code())
			continue
		}
		d.onNotify(n)
	}
	if d.t.ShouldNotify(nq.index) {
		d.t.Notify(nq.index)
	}
	return errors.Join(errs...)
}

func decodeNotification(msg []byte) (fuse.Notification, error) {
	hdr, err := fuse.DecodeOutHeader(msg)
	if err != nil {
		return nil, err
	}
	return fuse.DecodeNotify(hdr, msg[fuse.OutHeaderSize:])
}
