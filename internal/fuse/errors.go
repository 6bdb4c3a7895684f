package fuse

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

var (
	// ErrEncoding reports caller input that cannot be put on the wire,
	// e.g. a name with an embedded NUL.
	ErrEncoding = errors.New("fuse: encoding error")

	// ErrUnknownOperation reports an opcode that is not in the layout table
	// for the negotiated ABI version.
	ErrUnknownOperation = errors.New("fuse: unknown operation")

	// ErrProtocolFault reports a structurally invalid message from the device.
	ErrProtocolFault = errors.New("fuse: protocol fault")

	// ErrBufferTooShort reports a truncated device reply. It is a protocol
	// fault and matches ErrProtocolFault with errors.Is.
	ErrBufferTooShort = fmt.Errorf("%w: buffer too short", ErrProtocolFault)
)

// DeviceError is a well-formed reply carrying a nonzero FUSE error code.
type DeviceError struct {
	Op   Opcode
	Code int32
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("fuse: %s: device error %d (%v)", e.Op, e.Code, e.Errno())
}

// Errno returns the positive errno carried by the reply.
func (e *DeviceError) Errno() unix.Errno {
	return unix.Errno(-e.Code)
}

// Unwrap lets callers match with errors.Is(err, unix.ENOENT).
func (e *DeviceError) Unwrap() error {
	return e.Errno()
}

func encodingErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrEncoding}, args...)...)
}

func protocolFaultf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrProtocolFault}, args...)...)
}

func shortBufferf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrBufferTooShort}, args...)...)
}
