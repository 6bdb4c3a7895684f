package virtiofs

import "github.com/tinyrange/virtiofs/internal/devices/virtio"

// Transport is the virtqueue collaborator the driver runs on. Queue
// indices follow the virtio-fs layout: 0 is the high priority queue, 1 is
// the notification queue when that feature was negotiated, and the request
// queues follow.
//
// Submit and PopCompleted on one queue are serialized by the driver.
type Transport interface {
	// Features is the negotiated feature set.
	Features() uint64
	// ConfigSpace returns the virtio-fs device config bytes.
	ConfigSpace() []byte
	NumQueues() int

	AllocRegion(size int) (*virtio.DMARegion, error)

	// Submit publishes a descriptor chain and returns its token. A full
	// ring fails with virtio.ErrQueueFull.
	Submit(q int, chain []virtio.Slice) (virtio.Token, error)
	ShouldNotify(q int) bool
	Notify(q int)
	// PopCompleted returns the next finished chain and the number of bytes
	// the device wrote, or virtio.ErrNotReady.
	PopCompleted(q int) (virtio.Token, uint32, error)
	// SetCompletionHandler installs the interrupt handler of queue q.
	SetCompletionHandler(q int, fn func()) error
}

var _ Transport = (*virtio.Loopback)(nil)
