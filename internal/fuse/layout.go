package fuse

import "fmt"

// Version is a FUSE kernel ABI version.
type Version struct {
	Major uint32
	Minor uint32
}

func (v Version) String() string { return fmt.Sprintf("%d.%d", v.Major, v.Minor) }

// KernelVersion is the ABI major version spoken by the driver.
const KernelVersion = 7

var (
	// ABI736 is the target layout. It is structurally valid for every
	// negotiated minor from 9 onwards.
	ABI736 = Version{Major: KernelVersion, Minor: 36}

	// ABI78 is the legacy 7.8 layout: 80 byte attributes, short read and
	// write bodies, no getattr body and no opcodes newer than DESTROY.
	ABI78 = Version{Major: KernelVersion, Minor: 8}
)

// legacy reports whether v selects the ABI78 table.
func (v Version) legacy() bool { return v.Minor < 9 }

// Wire sizes of the fixed headers.
const (
	InHeaderSize  = 40
	OutHeaderSize = 16
	DirentSize    = 24
	ForgetOneSize = 16

	// NameMax is the longest name accepted in a request or dirent.
	NameMax = 1024
)

// TailKind describes the variable-length bytes that follow a fixed body.
type TailKind uint8

const (
	TailNone     TailKind = iota
	TailName              // one NUL-terminated name
	TailTwoNames          // two NUL-terminated names back to back
	TailData              // raw bytes
	TailNameData          // one NUL-terminated name followed by raw bytes
)

// ReplyKind describes what the device writes after the out header.
type ReplyKind uint8

const (
	// ReplyNone: the device returns the buffer without writing a reply.
	ReplyNone ReplyKind = iota
	// ReplyEmpty: out header only.
	ReplyEmpty
	// ReplyFixed: out header plus a fixed struct of OutSize bytes.
	ReplyFixed
	// ReplyData: out header plus up to Request.Size raw bytes.
	ReplyData
	// ReplyDirents: out header plus a dirent stream of up to Request.Size bytes.
	ReplyDirents
	// ReplyXattr: GetxattrOut when Request.Size is zero, raw bytes otherwise.
	ReplyXattr
	// ReplyFixedData: fixed struct followed by up to Request.Size raw bytes.
	ReplyFixedData
	// ReplyOptional: the device may return the buffer unused or write a
	// header-only reply.
	ReplyOptional
)

// Layout is the wire description of one opcode.
type Layout struct {
	Op      Opcode
	InSize  int
	OutSize int
	Tail    TailKind
	Reply   ReplyKind
	// Control opcodes go to the high priority queue.
	Control bool
}

var layouts736 = buildLayouts([]Layout{
	{Op: OpLookup, OutSize: 128, Tail: TailName, Reply: ReplyFixed},
	{Op: OpForget, InSize: 8, Reply: ReplyNone, Control: true},
	{Op: OpGetattr, InSize: 16, OutSize: 104, Reply: ReplyFixed},
	{Op: OpSetattr, InSize: 88, OutSize: 104, Reply: ReplyFixed},
	{Op: OpReadlink, Reply: ReplyData},
	{Op: OpSymlink, OutSize: 128, Tail: TailTwoNames, Reply: ReplyFixed},
	{Op: OpMknod, InSize: 16, OutSize: 128, Tail: TailName, Reply: ReplyFixed},
	{Op: OpMkdir, InSize: 8, OutSize: 128, Tail: TailName, Reply: ReplyFixed},
	{Op: OpUnlink, Tail: TailName, Reply: ReplyEmpty},
	{Op: OpRmdir, Tail: TailName, Reply: ReplyEmpty},
	{Op: OpRename, InSize: 8, Tail: TailTwoNames, Reply: ReplyEmpty},
	{Op: OpLink, InSize: 8, OutSize: 128, Tail: TailName, Reply: ReplyFixed},
	{Op: OpOpen, InSize: 8, OutSize: 16, Reply: ReplyFixed},
	{Op: OpRead, InSize: 40, Reply: ReplyData},
	{Op: OpWrite, InSize: 40, OutSize: 8, Tail: TailData, Reply: ReplyFixed},
	{Op: OpStatfs, OutSize: 80, Reply: ReplyFixed},
	{Op: OpRelease, InSize: 24, Reply: ReplyEmpty},
	{Op: OpFsync, InSize: 16, Reply: ReplyEmpty},
	{Op: OpSetxattr, InSize: 8, Tail: TailNameData, Reply: ReplyEmpty},
	{Op: OpGetxattr, InSize: 8, OutSize: 8, Tail: TailName, Reply: ReplyXattr},
	{Op: OpListxattr, InSize: 8, OutSize: 8, Reply: ReplyXattr},
	{Op: OpRemovexattr, Tail: TailName, Reply: ReplyEmpty},
	{Op: OpFlush, InSize: 24, Reply: ReplyEmpty},
	{Op: OpInit, InSize: 64, OutSize: 64, Reply: ReplyFixed, Control: true},
	{Op: OpOpendir, InSize: 8, OutSize: 16, Reply: ReplyFixed},
	{Op: OpReaddir, InSize: 40, Reply: ReplyDirents},
	{Op: OpReleasedir, InSize: 24, Reply: ReplyEmpty},
	{Op: OpFsyncdir, InSize: 16, Reply: ReplyEmpty},
	{Op: OpGetlk, InSize: 48, OutSize: 24, Reply: ReplyFixed},
	{Op: OpSetlk, InSize: 48, Reply: ReplyEmpty},
	{Op: OpSetlkw, InSize: 48, Reply: ReplyEmpty},
	{Op: OpAccess, InSize: 8, Reply: ReplyEmpty},
	{Op: OpCreate, InSize: 16, OutSize: 144, Tail: TailName, Reply: ReplyFixed},
	{Op: OpInterrupt, InSize: 8, Reply: ReplyOptional, Control: true},
	{Op: OpBmap, InSize: 16, OutSize: 8, Reply: ReplyFixed},
	{Op: OpDestroy, Reply: ReplyEmpty},
	{Op: OpIoctl, InSize: 32, OutSize: 16, Tail: TailData, Reply: ReplyFixedData},
	{Op: OpPoll, InSize: 24, OutSize: 8, Reply: ReplyFixed},
	{Op: OpBatchForget, InSize: 8, Tail: TailData, Reply: ReplyNone, Control: true},
	{Op: OpFallocate, InSize: 32, Reply: ReplyEmpty},
	{Op: OpRename2, InSize: 16, Tail: TailTwoNames, Reply: ReplyEmpty},
	{Op: OpLseek, InSize: 24, OutSize: 8, Reply: ReplyFixed},
})

var layouts78 = buildLayouts([]Layout{
	{Op: OpLookup, OutSize: 120, Tail: TailName, Reply: ReplyFixed},
	{Op: OpForget, InSize: 8, Reply: ReplyNone, Control: true},
	{Op: OpGetattr, OutSize: 96, Reply: ReplyFixed},
	{Op: OpSetattr, InSize: 88, OutSize: 96, Reply: ReplyFixed},
	{Op: OpReadlink, Reply: ReplyData},
	{Op: OpSymlink, OutSize: 120, Tail: TailTwoNames, Reply: ReplyFixed},
	{Op: OpMknod, InSize: 8, OutSize: 120, Tail: TailName, Reply: ReplyFixed},
	{Op: OpMkdir, InSize: 8, OutSize: 120, Tail: TailName, Reply: ReplyFixed},
	{Op: OpUnlink, Tail: TailName, Reply: ReplyEmpty},
	{Op: OpRmdir, Tail: TailName, Reply: ReplyEmpty},
	{Op: OpRename, InSize: 8, Tail: TailTwoNames, Reply: ReplyEmpty},
	{Op: OpLink, InSize: 8, OutSize: 120, Tail: TailName, Reply: ReplyFixed},
	{Op: OpOpen, InSize: 8, OutSize: 16, Reply: ReplyFixed},
	{Op: OpRead, InSize: 24, Reply: ReplyData},
	{Op: OpWrite, InSize: 24, OutSize: 8, Tail: TailData, Reply: ReplyFixed},
	{Op: OpStatfs, OutSize: 80, Reply: ReplyFixed},
	{Op: OpRelease, InSize: 24, Reply: ReplyEmpty},
	{Op: OpFsync, InSize: 16, Reply: ReplyEmpty},
	{Op: OpSetxattr, InSize: 8, Tail: TailNameData, Reply: ReplyEmpty},
	{Op: OpGetxattr, InSize: 8, OutSize: 8, Tail: TailName, Reply: ReplyXattr},
	{Op: OpListxattr, InSize: 8, OutSize: 8, Reply: ReplyXattr},
	{Op: OpRemovexattr, Tail: TailName, Reply: ReplyEmpty},
	{Op: OpFlush, InSize: 24, Reply: ReplyEmpty},
	{Op: OpInit, InSize: 16, OutSize: 24, Reply: ReplyFixed, Control: true},
	{Op: OpOpendir, InSize: 8, OutSize: 16, Reply: ReplyFixed},
	{Op: OpReaddir, InSize: 24, Reply: ReplyDirents},
	{Op: OpReleasedir, InSize: 24, Reply: ReplyEmpty},
	{Op: OpFsyncdir, InSize: 16, Reply: ReplyEmpty},
	{Op: OpGetlk, InSize: 40, OutSize: 24, Reply: ReplyFixed},
	{Op: OpSetlk, InSize: 40, Reply: ReplyEmpty},
	{Op: OpSetlkw, InSize: 40, Reply: ReplyEmpty},
	{Op: OpAccess, InSize: 8, Reply: ReplyEmpty},
	{Op: OpCreate, InSize: 8, OutSize: 136, Tail: TailName, Reply: ReplyFixed},
	{Op: OpInterrupt, InSize: 8, Reply: ReplyOptional, Control: true},
	{Op: OpBmap, InSize: 16, OutSize: 8, Reply: ReplyFixed},
	{Op: OpDestroy, Reply: ReplyEmpty},
})

func buildLayouts(entries []Layout) map[Opcode]Layout {
	m := make(map[Opcode]Layout, len(entries))
	for _, l := range entries {
		if _, dup := m[l.Op]; dup {
			panic(fmt.Sprintf("fuse: duplicate layout for %s", l.Op))
		}
		m[l.Op] = l
	}
	return m
}

func table(v Version) map[Opcode]Layout {
	if v.legacy() {
		return layouts78
	}
	return layouts736
}

// LookupLayout returns the layout of op under ABI version v.
func LookupLayout(v Version, op Opcode) (Layout, error) {
	l, ok := table(v)[op]
	if !ok {
		return Layout{}, fmt.Errorf("%w: %s (abi %s)", ErrUnknownOperation, op, v)
	}
	return l, nil
}

// Opcodes returns every opcode supported under v, in no particular order.
func Opcodes(v Version) []Opcode {
	t := table(v)
	ops := make([]Opcode, 0, len(t))
	for op := range t {
		ops = append(ops, op)
	}
	return ops
}

// PadLen is the number of zero bytes that align n to 8.
func PadLen(n int) int {
	return (8 - n%8) % 8
}

// PaddedNameLen is the wire size of a NUL-terminated name of length l.
func PaddedNameLen(l int) int {
	return l + 1 + PadLen(l+1)
}

// PaddedDataLen is the wire size of l raw bytes.
func PaddedDataLen(l int) int {
	return l + PadLen(l)
}
