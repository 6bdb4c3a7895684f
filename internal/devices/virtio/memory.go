package virtio

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// GuestMemory provides access to guest physical memory.
type GuestMemory interface {
	io.ReaderAt
	io.WriterAt
}

// ErrOutOfMemory is returned when the allocator cannot satisfy a request.
var ErrOutOfMemory = errors.New("virtio: out of guest memory")

// Memory is a flat guest physical address space shared by the driver and
// the device. Accesses are serialized; the allocator hands out aligned
// ranges and recycles freed ones of the same size.
type Memory struct {
	mu   sync.Mutex
	buf  []byte
	next uint64
	free map[uint64][]uint64 // size -> addresses
}

func NewMemory(size int) *Memory {
	return &Memory{
		buf: make([]byte, size),
		// Address zero stays unused so a zero descriptor is always invalid.
		next: 64,
		free: make(map[uint64][]uint64),
	}
}

func (m *Memory) Size() int { return len(m.buf) }

// ReadAt implements io.ReaderAt.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(off, len(p)); err != nil {
		return 0, err
	}
	return copy(p, m.buf[off:]), nil
}

// WriteAt implements io.WriterAt.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(off, len(p)); err != nil {
		return 0, err
	}
	return copy(m.buf[off:], p), nil
}

func (m *Memory) check(off int64, n int) error {
	if off < 0 || off+int64(n) > int64(len(m.buf)) {
		return fmt.Errorf("virtio: guest access 0x%x+%d outside %d byte memory", off, n, len(m.buf))
	}
	return nil
}

// Alloc reserves size bytes aligned to align (a power of two) and zeroes them.
func (m *Memory) Alloc(size, align uint64) (uint64, error) {
	if size == 0 {
		return 0, fmt.Errorf("virtio: zero sized allocation")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if list := m.free[size]; len(list) > 0 {
		for i, addr := range list {
			if addr&(align-1) != 0 {
				continue
			}
			m.free[size] = append(list[:i], list[i+1:]...)
			clear(m.buf[addr : addr+size])
			return addr, nil
		}
	}
	addr := (m.next + align - 1) &^ (align - 1)
	if addr+size > uint64(len(m.buf)) {
		return 0, fmt.Errorf("%w: need %d bytes at 0x%x", ErrOutOfMemory, size, addr)
	}
	m.next = addr + size
	return addr, nil
}

// Free returns a range obtained from Alloc.
func (m *Memory) Free(addr, size uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.free[size] = append(m.free[size], addr)
}

func guestOffset(addr uint64, length int) (int64, error) {
	if addr > uint64(1<<63-1)-uint64(length) {
		return 0, fmt.Errorf("virtio: guest address 0x%x overflows", addr)
	}
	return int64(addr), nil
}

func readGuestInto(mem GuestMemory, addr uint64, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	off, err := guestOffset(addr, len(buf))
	if err != nil {
		return err
	}
	n, err := mem.ReadAt(buf, off)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("virtio: short guest memory read (want %d, got %d)", len(buf), n)
	}
	return nil
}

func writeGuestFrom(mem GuestMemory, addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	off, err := guestOffset(addr, len(data))
	if err != nil {
		return err
	}
	n, err := mem.WriteAt(data, off)
	if err != nil {
		return err
	}
	if n != len(data) {
		return fmt.Errorf("virtio: short guest memory write (want %d, got %d)", len(data), n)
	}
	return nil
}
