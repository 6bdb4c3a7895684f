package fuse

import (
	"bytes"
	"encoding/binary"
)

// Dirent is one record of a READDIR reply.
//
//	struct fuse_dirent {
//	    uint64_t ino;
//	    uint64_t off;
//	    uint32_t namelen;
//	    uint32_t type;
//	    char name[];
//	};
type Dirent struct {
	Ino  uint64
	Off  uint64
	Type uint32
	Name string
}

// DirentLen is the padded wire size of a record whose name is n bytes.
func DirentLen(n int) int {
	return PaddedDataLen(DirentSize + n)
}

// AppendDirent appends the padded wire image of d to dst.
func AppendDirent(dst []byte, d Dirent) []byte {
	dst = binary.LittleEndian.AppendUint64(dst, d.Ino)
	dst = binary.LittleEndian.AppendUint64(dst, d.Off)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(d.Name)))
	dst = binary.LittleEndian.AppendUint32(dst, d.Type)
	dst = append(dst, d.Name...)
	return append(dst, make([]byte, PadLen(DirentSize+len(d.Name)))...)
}

// DirentReader walks a READDIR payload once. It never looks past the
// slice it was given, which must already be cut to the reply length.
type DirentReader struct {
	buf []byte
	off int
	err error
}

func NewDirentReader(b []byte) *DirentReader {
	return &DirentReader{buf: b}
}

// Next returns the next record. It returns false at the end of the stream
// or on the first malformed record; Err tells them apart.
func (r *DirentReader) Next() (Dirent, bool) {
	if r.err != nil || r.off == len(r.buf) {
		return Dirent{}, false
	}
	rest := r.buf[r.off:]
	if len(rest) < DirentSize {
		r.err = shortBufferf("dirent header at offset %d: %d bytes left", r.off, len(rest))
		return Dirent{}, false
	}
	d := Dirent{
		Ino:  binary.LittleEndian.Uint64(rest[0:8]),
		Off:  binary.LittleEndian.Uint64(rest[8:16]),
		Type: binary.LittleEndian.Uint32(rest[20:24]),
	}
	namelen := int(binary.LittleEndian.Uint32(rest[16:20]))
	if namelen == 0 || namelen > NameMax {
		r.err = protocolFaultf("dirent at offset %d: name length %d", r.off, namelen)
		return Dirent{}, false
	}
	reclen := DirentLen(namelen)
	if len(rest) < reclen {
		r.err = shortBufferf("dirent at offset %d: record is %d bytes, %d left", r.off, reclen, len(rest))
		return Dirent{}, false
	}
	name := rest[DirentSize : DirentSize+namelen]
	if bytes.IndexByte(name, 0) >= 0 {
		r.err = protocolFaultf("dirent at offset %d: name contains NUL", r.off)
		return Dirent{}, false
	}
	d.Name = string(name)
	r.off += reclen
	return d, true
}

func (r *DirentReader) Err() error { return r.err }

// ReadDirents decodes a whole READDIR payload.
func ReadDirents(b []byte) ([]Dirent, error) {
	var out []Dirent
	r := NewDirentReader(b)
	for {
		d, ok := r.Next()
		if !ok {
			break
		}
		out = append(out, d)
	}
	return out, r.Err()
}
