package fuse

import (
	"bytes"
	"encoding/binary"
)

// PathMax bounds a symlink target.
const PathMax = 4096

// UniqueResend is reserved by the kernel ABI and never allocated.
const UniqueResend = uint64(1) << 63

// InterruptUnique is the unique of an INTERRUPT aimed at target.
func InterruptUnique(target uint64) uint64 { return target | 1 }

// Request is one FUSE call before it is put on the wire. The header's
// Len is filled in by Encode; Unique and the credentials are filled in by
// whoever submits it.
type Request struct {
	Header InHeader
	In     Body
	Names  []string
	Data   []byte
	// Size is the number of reply bytes requested by data replies (READ,
	// READDIR, READLINK, sized GETXATTR/LISTXATTR, IOCTL output).
	Size uint32
}

// Op is the request opcode.
func (r *Request) Op() Opcode { return r.Header.Opcode }

// Name returns the i'th name field, or "" when absent.
func (r *Request) Name(i int) string {
	if i < len(r.Names) {
		return r.Names[i]
	}
	return ""
}

// Encode validates the request and returns its device-readable image.
// Header.Len is updated to the image length. Names are NUL terminated and
// laid out back to back with Data after them; the tail is padded to an
// 8-byte boundary once as a whole, not field by field.
func (r *Request) Encode(v Version) ([]byte, error) {
	l, err := LookupLayout(v, r.Header.Opcode)
	if err != nil {
		return nil, err
	}
	var fixed []byte
	if r.In != nil {
		fixed = Marshal(v, r.In)
	}
	if len(fixed) != l.InSize {
		return nil, encodingErrorf("%s: fixed body is %d bytes, want %d", l.Op, len(fixed), l.InSize)
	}
	tail, err := r.tail(l)
	if err != nil {
		return nil, err
	}

	total := InHeaderSize + len(fixed) + len(tail)
	r.Header.Len = uint32(total)

	w := writer{buf: make([]byte, 0, total)}
	r.Header.encode(&w, v)
	w.bytes(fixed)
	w.bytes(tail)
	return w.buf, nil
}

// EncodedLen is the length Encode would produce, without validation.
func (r *Request) EncodedLen(v Version) int {
	n := InHeaderSize
	if r.In != nil {
		n += SizeOf(v, r.In)
	}
	var t int
	for _, name := range r.Names {
		t += len(name) + 1
	}
	t += len(r.Data)
	return n + t + PadLen(t)
}

func (r *Request) tail(l Layout) ([]byte, error) {
	names, data := 0, false
	switch l.Tail {
	case TailName:
		names = 1
	case TailTwoNames:
		names = 2
	case TailData:
		data = true
	case TailNameData:
		names, data = 1, true
	}
	if len(r.Names) != names {
		return nil, encodingErrorf("%s: got %d names, want %d", l.Op, len(r.Names), names)
	}
	if !data && len(r.Data) != 0 {
		return nil, encodingErrorf("%s: takes no data tail", l.Op)
	}

	var tail []byte
	for i, name := range r.Names {
		limit := NameMax
		if l.Op == OpSymlink && i == 1 {
			limit = PathMax
		}
		if err := validateName(l.Op, name, limit); err != nil {
			return nil, err
		}
		tail = append(tail, name...)
		tail = append(tail, 0)
	}
	tail = append(tail, r.Data...)
	for range PadLen(len(tail)) {
		tail = append(tail, 0)
	}
	return tail, nil
}

func validateName(op Opcode, name string, limit int) error {
	switch {
	case name == "":
		return encodingErrorf("%s: empty name", op)
	case len(name) > limit:
		return encodingErrorf("%s: name is %d bytes, limit %d", op, len(name), limit)
	case bytes.IndexByte([]byte(name), 0) >= 0:
		return encodingErrorf("%s: name %q contains NUL", op, name)
	}
	return nil
}

// ReplyCapacity is the device-writable space needed for the reply, or 0
// when the device sends none.
func (r *Request) ReplyCapacity(v Version) int {
	l, err := LookupLayout(v, r.Header.Opcode)
	if err != nil {
		return 0
	}
	switch l.Reply {
	case ReplyNone:
		return 0
	case ReplyEmpty, ReplyOptional:
		return OutHeaderSize
	case ReplyFixed:
		return OutHeaderSize + l.OutSize
	case ReplyData, ReplyDirents:
		return OutHeaderSize + int(r.Size)
	case ReplyXattr:
		if r.Size == 0 {
			return OutHeaderSize + l.OutSize
		}
		return OutHeaderSize + int(r.Size)
	case ReplyFixedData:
		return OutHeaderSize + l.OutSize + int(r.Size)
	}
	return OutHeaderSize
}

func newRequest(op Opcode, nodeID uint64, in Body, names ...string) *Request {
	return &Request{
		Header: InHeader{Opcode: op, NodeID: nodeID},
		In:     in,
		Names:  names,
	}
}

func NewInitRequest(in InitIn) *Request {
	return newRequest(OpInit, 0, &in)
}

func NewDestroyRequest() *Request {
	return newRequest(OpDestroy, 0, nil)
}

func NewLookupRequest(parent uint64, name string) *Request {
	return newRequest(OpLookup, parent, nil, name)
}

func NewForgetRequest(nodeID, nlookup uint64) *Request {
	return newRequest(OpForget, nodeID, &ForgetIn{Nlookup: nlookup})
}

// NewBatchForgetRequest packs items into the BATCH_FORGET tail.
func NewBatchForgetRequest(items []ForgetOne) *Request {
	data := make([]byte, 0, len(items)*ForgetOneSize)
	for _, it := range items {
		data = binary.LittleEndian.AppendUint64(data, it.NodeID)
		data = binary.LittleEndian.AppendUint64(data, it.Nlookup)
	}
	r := newRequest(OpBatchForget, 0, &BatchForgetIn{Count: uint32(len(items))})
	r.Data = data
	return r
}

func NewGetattrRequest(nodeID uint64, fh *uint64) *Request {
	in := &GetattrIn{}
	if fh != nil {
		in.Flags = GetattrFh
		in.Fh = *fh
	}
	return newRequest(OpGetattr, nodeID, in)
}

func NewSetattrRequest(nodeID uint64, in SetattrIn) *Request {
	return newRequest(OpSetattr, nodeID, &in)
}

func NewReadlinkRequest(nodeID uint64, size uint32) *Request {
	r := newRequest(OpReadlink, nodeID, nil)
	r.Size = size
	return r
}

func NewSymlinkRequest(parent uint64, name, target string) *Request {
	return newRequest(OpSymlink, parent, nil, name, target)
}

func NewMknodRequest(parent uint64, name string, mode, rdev, umask uint32) *Request {
	return newRequest(OpMknod, parent, &MknodIn{Mode: mode, Rdev: rdev, Umask: umask}, name)
}

func NewMkdirRequest(parent uint64, name string, mode, umask uint32) *Request {
	return newRequest(OpMkdir, parent, &MkdirIn{Mode: mode, Umask: umask}, name)
}

func NewUnlinkRequest(parent uint64, name string) *Request {
	return newRequest(OpUnlink, parent, nil, name)
}

func NewRmdirRequest(parent uint64, name string) *Request {
	return newRequest(OpRmdir, parent, nil, name)
}

func NewRenameRequest(parent uint64, name string, newParent uint64, newName string) *Request {
	return newRequest(OpRename, parent, &RenameIn{NewDir: newParent}, name, newName)
}

func NewRename2Request(parent uint64, name string, newParent uint64, newName string, flags uint32) *Request {
	return newRequest(OpRename2, parent, &Rename2In{NewDir: newParent, Flags: flags}, name, newName)
}

func NewLinkRequest(oldNodeID, newParent uint64, newName string) *Request {
	return newRequest(OpLink, newParent, &LinkIn{OldNodeID: oldNodeID}, newName)
}

func NewOpenRequest(nodeID uint64, flags uint32) *Request {
	return newRequest(OpOpen, nodeID, &OpenIn{Flags: flags})
}

func NewOpendirRequest(nodeID uint64, flags uint32) *Request {
	return newRequest(OpOpendir, nodeID, &OpenIn{Flags: flags})
}

func NewCreateRequest(parent uint64, name string, flags, mode, umask uint32) *Request {
	return newRequest(OpCreate, parent, &CreateIn{Flags: flags, Mode: mode, Umask: umask}, name)
}

func NewReadRequest(nodeID, fh, offset uint64, size uint32) *Request {
	r := newRequest(OpRead, nodeID, &ReadIn{Fh: fh, Offset: offset, Size: size})
	r.Size = size
	return r
}

func NewWriteRequest(nodeID, fh, offset uint64, data []byte) *Request {
	r := newRequest(OpWrite, nodeID, &WriteIn{Fh: fh, Offset: offset, Size: uint32(len(data))})
	r.Data = data
	return r
}

func NewReaddirRequest(nodeID, fh, offset uint64, size uint32) *Request {
	r := newRequest(OpReaddir, nodeID, &ReadIn{Fh: fh, Offset: offset, Size: size})
	r.Size = size
	return r
}

func NewReleaseRequest(nodeID, fh uint64, flags uint32) *Request {
	return newRequest(OpRelease, nodeID, &ReleaseIn{Fh: fh, Flags: flags})
}

func NewReleasedirRequest(nodeID, fh uint64) *Request {
	return newRequest(OpReleasedir, nodeID, &ReleaseIn{Fh: fh})
}

func NewStatfsRequest(nodeID uint64) *Request {
	return newRequest(OpStatfs, nodeID, nil)
}

func NewAccessRequest(nodeID uint64, mask uint32) *Request {
	return newRequest(OpAccess, nodeID, &AccessIn{Mask: mask})
}

func NewFlushRequest(nodeID, fh, lockOwner uint64) *Request {
	return newRequest(OpFlush, nodeID, &FlushIn{Fh: fh, LockOwner: lockOwner})
}

func NewFsyncRequest(nodeID, fh uint64, datasync bool) *Request {
	return newRequest(OpFsync, nodeID, &FsyncIn{Fh: fh, FsyncFlags: boolFlag(datasync)})
}

func NewFsyncdirRequest(nodeID, fh uint64, datasync bool) *Request {
	return newRequest(OpFsyncdir, nodeID, &FsyncIn{Fh: fh, FsyncFlags: boolFlag(datasync)})
}

func NewSetxattrRequest(nodeID uint64, name string, value []byte, flags uint32) *Request {
	r := newRequest(OpSetxattr, nodeID, &SetxattrIn{Size: uint32(len(value)), Flags: flags}, name)
	r.Data = value
	return r
}

// NewGetxattrRequest with size 0 asks for the value length only.
func NewGetxattrRequest(nodeID uint64, name string, size uint32) *Request {
	r := newRequest(OpGetxattr, nodeID, &GetxattrIn{Size: size}, name)
	r.Size = size
	return r
}

// NewListxattrRequest with size 0 asks for the list length only.
func NewListxattrRequest(nodeID uint64, size uint32) *Request {
	r := newRequest(OpListxattr, nodeID, &GetxattrIn{Size: size})
	r.Size = size
	return r
}

func NewRemovexattrRequest(nodeID uint64, name string) *Request {
	return newRequest(OpRemovexattr, nodeID, nil, name)
}

func NewIoctlRequest(nodeID uint64, in IoctlIn, input []byte) *Request {
	in.InSize = uint32(len(input))
	r := newRequest(OpIoctl, nodeID, &in)
	r.Data = input
	r.Size = in.OutSize
	return r
}

func NewPollRequest(nodeID uint64, in PollIn) *Request {
	return newRequest(OpPoll, nodeID, &in)
}

func NewBmapRequest(nodeID, block uint64, blocksize uint32) *Request {
	return newRequest(OpBmap, nodeID, &BmapIn{Block: block, Blocksize: blocksize})
}

func NewLseekRequest(nodeID, fh, offset uint64, whence uint32) *Request {
	return newRequest(OpLseek, nodeID, &LseekIn{Fh: fh, Offset: offset, Whence: whence})
}

func NewGetlkRequest(nodeID uint64, in LkIn) *Request {
	return newRequest(OpGetlk, nodeID, &in)
}

func NewSetlkRequest(nodeID uint64, in LkIn) *Request {
	return newRequest(OpSetlk, nodeID, &in)
}

func NewSetlkwRequest(nodeID uint64, in LkIn) *Request {
	return newRequest(OpSetlkw, nodeID, &in)
}

func NewFallocateRequest(nodeID uint64, in FallocateIn) *Request {
	return newRequest(OpFallocate, nodeID, &in)
}

// NewInterruptRequest asks the device to abandon target. Its own unique is
// derived from target.
func NewInterruptRequest(target uint64) *Request {
	r := newRequest(OpInterrupt, 0, &InterruptIn{Unique: target})
	r.Header.Unique = InterruptUnique(target)
	return r
}

func boolFlag(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
