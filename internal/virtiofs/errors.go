package virtiofs

import (
	"errors"
	"fmt"

	"github.com/tinyrange/virtiofs/internal/devices/virtio"
	"github.com/tinyrange/virtiofs/internal/fuse"
)

// Error categories surfaced by the driver. Callers match them with
// errors.Is; a *DeviceError is matched with errors.As or directly against
// a unix.Errno.
var (
	ErrEncoding         = fuse.ErrEncoding
	ErrUnknownOperation = fuse.ErrUnknownOperation
	ErrProtocolFault    = fuse.ErrProtocolFault
	ErrQueueFull        = virtio.ErrQueueFull

	// ErrTimedOut reports a call that got no completion before its deadline
	// or before the waiting context ended.
	ErrTimedOut = errors.New("virtio-fs: request timed out")

	// ErrClosed is returned for calls issued after Close.
	ErrClosed = errors.New("virtio-fs: driver closed")
)

// DeviceError is a well-formed reply carrying a nonzero FUSE error code.
type DeviceError = fuse.DeviceError

func protocolFault(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrProtocolFault}, args...)...)
}
