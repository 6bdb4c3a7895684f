package fuse

import (
	"bytes"
	"encoding/binary"
)

// Body is a fixed-size FUSE structure that can be put on and read off the
// wire for a given ABI version.
type Body interface {
	encode(w *writer, v Version)
	decode(r *reader, v Version)
}

// Marshal returns the wire image of b under v.
func Marshal(v Version, b Body) []byte {
	w := writer{}
	b.encode(&w, v)
	return w.buf
}

// Unmarshal fills b from p. Bytes past the structure are ignored.
func Unmarshal(v Version, p []byte, b Body) error {
	r := reader{buf: p}
	b.decode(&r, v)
	return r.err
}

// SizeOf is the wire size of b under v.
func SizeOf(v Version, b Body) int {
	return len(Marshal(v, b))
}

type writer struct {
	buf []byte
}

func (w *writer) u16(v uint16) { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }
func (w *writer) u32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }
func (w *writer) u64(v uint64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }
func (w *writer) i32(v int32)  { w.u32(uint32(v)) }
func (w *writer) i64(v int64)  { w.u64(uint64(v)) }

func (w *writer) zero(n int) {
	for i := 0; i < n; i++ {
		w.buf = append(w.buf, 0)
	}
}

func (w *writer) bytes(p []byte) { w.buf = append(w.buf, p...) }

// reader walks a device-controlled buffer. The first short read latches
// err and every later read returns zero.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.buf)-r.off < n {
		r.err = shortBufferf("need %d bytes at offset %d, have %d", n, r.off, len(r.buf)-r.off)
		r.off = len(r.buf)
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *reader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *reader) i32() int32 { return int32(r.u32()) }
func (r *reader) i64() int64 { return int64(r.u64()) }
func (r *reader) skip(n int) { r.take(n) }

func (r *reader) remaining() int { return len(r.buf) - r.off }

// cstring reads a name of n bytes followed by its NUL terminator.
func (r *reader) cstring(n uint32) string {
	if r.err != nil {
		return ""
	}
	if n == 0 || n > NameMax {
		r.err = protocolFaultf("name length %d at offset %d", n, r.off)
		return ""
	}
	b := r.take(int(n) + 1)
	if b == nil {
		return ""
	}
	if b[n] != 0 || bytes.IndexByte(b[:n], 0) >= 0 {
		r.err = protocolFaultf("malformed name at offset %d", r.off-int(n)-1)
		return ""
	}
	return string(b[:n])
}
