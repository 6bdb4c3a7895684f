package fuse

// RootID is the node id of the filesystem root.
const RootID = 1

// InHeader precedes every request.
//
//	struct fuse_in_header {
//	    uint32_t len;
//	    uint32_t opcode;
//	    uint64_t unique;
//	    uint64_t nodeid;
//	    uint32_t uid;
//	    uint32_t gid;
//	    uint32_t pid;
//	    uint16_t total_extlen; // 7.36
//	    uint16_t padding;
//	};
type InHeader struct {
	Len         uint32
	Opcode      Opcode
	Unique      uint64
	NodeID      uint64
	UID         uint32
	GID         uint32
	PID         uint32
	TotalExtLen uint16 // in 8 byte units
	Padding     uint16
}

func (h *InHeader) encode(w *writer, v Version) {
	w.u32(h.Len)
	w.u32(uint32(h.Opcode))
	w.u64(h.Unique)
	w.u64(h.NodeID)
	w.u32(h.UID)
	w.u32(h.GID)
	w.u32(h.PID)
	w.u16(h.TotalExtLen)
	w.u16(h.Padding)
}

func (h *InHeader) decode(r *reader, v Version) {
	h.Len = r.u32()
	h.Opcode = Opcode(r.u32())
	h.Unique = r.u64()
	h.NodeID = r.u64()
	h.UID = r.u32()
	h.GID = r.u32()
	h.PID = r.u32()
	h.TotalExtLen = r.u16()
	h.Padding = r.u16()
}

// OutHeader precedes every reply and notification.
type OutHeader struct {
	Len    uint32
	Error  int32
	Unique uint64
}

func (h *OutHeader) encode(w *writer, v Version) {
	w.u32(h.Len)
	w.i32(h.Error)
	w.u64(h.Unique)
}

func (h *OutHeader) decode(r *reader, v Version) {
	h.Len = r.u32()
	h.Error = r.i32()
	h.Unique = r.u64()
}

// DecodeOutHeader reads the reply header at the start of b.
func DecodeOutHeader(b []byte) (OutHeader, error) {
	var h OutHeader
	err := Unmarshal(ABI736, b, &h)
	return h, err
}

// Attr is struct fuse_attr. Blksize and Flags exist from 7.9.
type Attr struct {
	Ino       uint64
	Size      uint64
	Blocks    uint64
	Atime     uint64
	Mtime     uint64
	Ctime     uint64
	AtimeNsec uint32
	MtimeNsec uint32
	CtimeNsec uint32
	Mode      uint32
	Nlink     uint32
	UID       uint32
	GID       uint32
	Rdev      uint32
	Blksize   uint32
	Flags     uint32
}

func (a *Attr) encode(w *writer, v Version) {
	w.u64(a.Ino)
	w.u64(a.Size)
	w.u64(a.Blocks)
	w.u64(a.Atime)
	w.u64(a.Mtime)
	w.u64(a.Ctime)
	w.u32(a.AtimeNsec)
	w.u32(a.MtimeNsec)
	w.u32(a.CtimeNsec)
	w.u32(a.Mode)
	w.u32(a.Nlink)
	w.u32(a.UID)
	w.u32(a.GID)
	w.u32(a.Rdev)
	if !v.legacy() {
		w.u32(a.Blksize)
		w.u32(a.Flags)
	}
}

func (a *Attr) decode(r *reader, v Version) {
	a.Ino = r.u64()
	a.Size = r.u64()
	a.Blocks = r.u64()
	a.Atime = r.u64()
	a.Mtime = r.u64()
	a.Ctime = r.u64()
	a.AtimeNsec = r.u32()
	a.MtimeNsec = r.u32()
	a.CtimeNsec = r.u32()
	a.Mode = r.u32()
	a.Nlink = r.u32()
	a.UID = r.u32()
	a.GID = r.u32()
	a.Rdev = r.u32()
	if !v.legacy() {
		a.Blksize = r.u32()
		a.Flags = r.u32()
	}
}

// EntryOut answers LOOKUP, MKNOD, MKDIR, SYMLINK and LINK.
type EntryOut struct {
	NodeID         uint64
	Generation     uint64
	EntryValid     uint64
	AttrValid      uint64
	EntryValidNsec uint32
	AttrValidNsec  uint32
	Attr           Attr
}

func (e *EntryOut) encode(w *writer, v Version) {
	w.u64(e.NodeID)
	w.u64(e.Generation)
	w.u64(e.EntryValid)
	w.u64(e.AttrValid)
	w.u32(e.EntryValidNsec)
	w.u32(e.AttrValidNsec)
	e.Attr.encode(w, v)
}

func (e *EntryOut) decode(r *reader, v Version) {
	e.NodeID = r.u64()
	e.Generation = r.u64()
	e.EntryValid = r.u64()
	e.AttrValid = r.u64()
	e.EntryValidNsec = r.u32()
	e.AttrValidNsec = r.u32()
	e.Attr.decode(r, v)
}

// AttrOut answers GETATTR and SETATTR.
type AttrOut struct {
	AttrValid     uint64
	AttrValidNsec uint32
	Dummy         uint32
	Attr          Attr
}

func (a *AttrOut) encode(w *writer, v Version) {
	w.u64(a.AttrValid)
	w.u32(a.AttrValidNsec)
	w.u32(a.Dummy)
	a.Attr.encode(w, v)
}

func (a *AttrOut) decode(r *reader, v Version) {
	a.AttrValid = r.u64()
	a.AttrValidNsec = r.u32()
	a.Dummy = r.u32()
	a.Attr.decode(r, v)
}

// GetattrIn has no wire image before 7.9.
type GetattrIn struct {
	Flags uint32
	Dummy uint32
	Fh    uint64
}

// GetattrFh marks GetattrIn.Fh as valid.
const GetattrFh = 1 << 0

func (g *GetattrIn) encode(w *writer, v Version) {
	if v.legacy() {
		return
	}
	w.u32(g.Flags)
	w.u32(g.Dummy)
	w.u64(g.Fh)
}

func (g *GetattrIn) decode(r *reader, v Version) {
	if v.legacy() {
		return
	}
	g.Flags = r.u32()
	g.Dummy = r.u32()
	g.Fh = r.u64()
}

// Bits of SetattrIn.Valid.
const (
	FattrMode      = 1 << 0
	FattrUID       = 1 << 1
	FattrGID       = 1 << 2
	FattrSize      = 1 << 3
	FattrAtime     = 1 << 4
	FattrMtime     = 1 << 5
	FattrFh        = 1 << 6
	FattrAtimeNow  = 1 << 7
	FattrMtimeNow  = 1 << 8
	FattrLockOwner = 1 << 9
	FattrCtime     = 1 << 10
	FattrKillSUIDG = 1 << 11
)

// SetattrIn is 88 bytes in every supported version; 7.8 calls LockOwner
// unused1 and Ctime unused2.
type SetattrIn struct {
	Valid     uint32
	Padding   uint32
	Fh        uint64
	Size      uint64
	LockOwner uint64
	Atime     uint64
	Mtime     uint64
	Ctime     uint64
	AtimeNsec uint32
	MtimeNsec uint32
	CtimeNsec uint32
	Mode      uint32
	Unused4   uint32
	UID       uint32
	GID       uint32
	Unused5   uint32
}

func (s *SetattrIn) encode(w *writer, v Version) {
	w.u32(s.Valid)
	w.u32(s.Padding)
	w.u64(s.Fh)
	w.u64(s.Size)
	w.u64(s.LockOwner)
	w.u64(s.Atime)
	w.u64(s.Mtime)
	w.u64(s.Ctime)
	w.u32(s.AtimeNsec)
	w.u32(s.MtimeNsec)
	w.u32(s.CtimeNsec)
	w.u32(s.Mode)
	w.u32(s.Unused4)
	w.u32(s.UID)
	w.u32(s.GID)
	w.u32(s.Unused5)
}

func (s *SetattrIn) decode(r *reader, v Version) {
	s.Valid = r.u32()
	s.Padding = r.u32()
	s.Fh = r.u64()
	s.Size = r.u64()
	s.LockOwner = r.u64()
	s.Atime = r.u64()
	s.Mtime = r.u64()
	s.Ctime = r.u64()
	s.AtimeNsec = r.u32()
	s.MtimeNsec = r.u32()
	s.CtimeNsec = r.u32()
	s.Mode = r.u32()
	s.Unused4 = r.u32()
	s.UID = r.u32()
	s.GID = r.u32()
	s.Unused5 = r.u32()
}

// MknodIn gained Umask in 7.12.
type MknodIn struct {
	Mode    uint32
	Rdev    uint32
	Umask   uint32
	Padding uint32
}

func (m *MknodIn) encode(w *writer, v Version) {
	w.u32(m.Mode)
	w.u32(m.Rdev)
	if !v.legacy() {
		w.u32(m.Umask)
		w.u32(m.Padding)
	}
}

func (m *MknodIn) decode(r *reader, v Version) {
	m.Mode = r.u32()
	m.Rdev = r.u32()
	if !v.legacy() {
		m.Umask = r.u32()
		m.Padding = r.u32()
	}
}

// MkdirIn carries Umask in the slot 7.8 called padding.
type MkdirIn struct {
	Mode  uint32
	Umask uint32
}

func (m *MkdirIn) encode(w *writer, v Version) {
	w.u32(m.Mode)
	w.u32(m.Umask)
}

func (m *MkdirIn) decode(r *reader, v Version) {
	m.Mode = r.u32()
	m.Umask = r.u32()
}

type RenameIn struct {
	NewDir uint64
}

func (m *RenameIn) encode(w *writer, v Version) { w.u64(m.NewDir) }
func (m *RenameIn) decode(r *reader, v Version) { m.NewDir = r.u64() }

type Rename2In struct {
	NewDir  uint64
	Flags   uint32
	Padding uint32
}

func (m *Rename2In) encode(w *writer, v Version) {
	w.u64(m.NewDir)
	w.u32(m.Flags)
	w.u32(m.Padding)
}

func (m *Rename2In) decode(r *reader, v Version) {
	m.NewDir = r.u64()
	m.Flags = r.u32()
	m.Padding = r.u32()
}

type LinkIn struct {
	OldNodeID uint64
}

func (m *LinkIn) encode(w *writer, v Version) { w.u64(m.OldNodeID) }
func (m *LinkIn) decode(r *reader, v Version) { m.OldNodeID = r.u64() }

// OpenIn is used by OPEN and OPENDIR.
type OpenIn struct {
	Flags     uint32
	OpenFlags uint32
}

func (m *OpenIn) encode(w *writer, v Version) {
	w.u32(m.Flags)
	w.u32(m.OpenFlags)
}

func (m *OpenIn) decode(r *reader, v Version) {
	m.Flags = r.u32()
	m.OpenFlags = r.u32()
}

// CreateIn gained Umask and OpenFlags in 7.12.
type CreateIn struct {
	Flags     uint32
	Mode      uint32
	Umask     uint32
	OpenFlags uint32
}

func (m *CreateIn) encode(w *writer, v Version) {
	w.u32(m.Flags)
	w.u32(m.Mode)
	if !v.legacy() {
		w.u32(m.Umask)
		w.u32(m.OpenFlags)
	}
}

func (m *CreateIn) decode(r *reader, v Version) {
	m.Flags = r.u32()
	m.Mode = r.u32()
	if !v.legacy() {
		m.Umask = r.u32()
		m.OpenFlags = r.u32()
	}
}

// Flags in OpenOut.OpenFlags.
const (
	FopenDirectIO    = 1 << 0
	FopenKeepCache   = 1 << 1
	FopenNonseekable = 1 << 2
	FopenCacheDir    = 1 << 3
	FopenStream      = 1 << 4
)

// OpenOut answers OPEN and OPENDIR.
type OpenOut struct {
	Fh        uint64
	OpenFlags uint32
	Padding   uint32
}

func (m *OpenOut) encode(w *writer, v Version) {
	w.u64(m.Fh)
	w.u32(m.OpenFlags)
	w.u32(m.Padding)
}

func (m *OpenOut) decode(r *reader, v Version) {
	m.Fh = r.u64()
	m.OpenFlags = r.u32()
	m.Padding = r.u32()
}

// CreateOut answers CREATE: an entry followed by an open handle.
type CreateOut struct {
	Entry EntryOut
	Open  OpenOut
}

func (m *CreateOut) encode(w *writer, v Version) {
	m.Entry.encode(w, v)
	m.Open.encode(w, v)
}

func (m *CreateOut) decode(r *reader, v Version) {
	m.Entry.decode(r, v)
	m.Open.decode(r, v)
}

// ReadIn is used by READ and READDIR. 7.8 stops after Size plus padding.
type ReadIn struct {
	Fh        uint64
	Offset    uint64
	Size      uint32
	ReadFlags uint32
	LockOwner uint64
	Flags     uint32
	Padding   uint32
}

func (m *ReadIn) encode(w *writer, v Version) {
	w.u64(m.Fh)
	w.u64(m.Offset)
	w.u32(m.Size)
	w.u32(m.ReadFlags)
	if !v.legacy() {
		w.u64(m.LockOwner)
		w.u32(m.Flags)
		w.u32(m.Padding)
	}
}

func (m *ReadIn) decode(r *reader, v Version) {
	m.Fh = r.u64()
	m.Offset = r.u64()
	m.Size = r.u32()
	m.ReadFlags = r.u32()
	if !v.legacy() {
		m.LockOwner = r.u64()
		m.Flags = r.u32()
		m.Padding = r.u32()
	}
}

// WriteIn is followed by Size bytes of payload.
type WriteIn struct {
	Fh         uint64
	Offset     uint64
	Size       uint32
	WriteFlags uint32
	LockOwner  uint64
	Flags      uint32
	Padding    uint32
}

func (m *WriteIn) encode(w *writer, v Version) {
	w.u64(m.Fh)
	w.u64(m.Offset)
	w.u32(m.Size)
	w.u32(m.WriteFlags)
	if !v.legacy() {
		w.u64(m.LockOwner)
		w.u32(m.Flags)
		w.u32(m.Padding)
	}
}

func (m *WriteIn) decode(r *reader, v Version) {
	m.Fh = r.u64()
	m.Offset = r.u64()
	m.Size = r.u32()
	m.WriteFlags = r.u32()
	if !v.legacy() {
		m.LockOwner = r.u64()
		m.Flags = r.u32()
		m.Padding = r.u32()
	}
}

type WriteOut struct {
	Size    uint32
	Padding uint32
}

func (m *WriteOut) encode(w *writer, v Version) {
	w.u32(m.Size)
	w.u32(m.Padding)
}

func (m *WriteOut) decode(r *reader, v Version) {
	m.Size = r.u32()
	m.Padding = r.u32()
}

// StatfsOut is struct fuse_statfs_out (a fuse_kstatfs).
type StatfsOut struct {
	Blocks  uint64
	Bfree   uint64
	Bavail  uint64
	Files   uint64
	Ffree   uint64
	Bsize   uint32
	Namelen uint32
	Frsize  uint32
	Padding uint32
	Spare   [6]uint32
}

func (m *StatfsOut) encode(w *writer, v Version) {
	w.u64(m.Blocks)
	w.u64(m.Bfree)
	w.u64(m.Bavail)
	w.u64(m.Files)
	w.u64(m.Ffree)
	w.u32(m.Bsize)
	w.u32(m.Namelen)
	w.u32(m.Frsize)
	w.u32(m.Padding)
	for _, s := range m.Spare {
		w.u32(s)
	}
}

func (m *StatfsOut) decode(r *reader, v Version) {
	m.Blocks = r.u64()
	m.Bfree = r.u64()
	m.Bavail = r.u64()
	m.Files = r.u64()
	m.Ffree = r.u64()
	m.Bsize = r.u32()
	m.Namelen = r.u32()
	m.Frsize = r.u32()
	m.Padding = r.u32()
	for i := range m.Spare {
		m.Spare[i] = r.u32()
	}
}

// Flags in ReleaseIn.ReleaseFlags.
const (
	ReleaseFlush       = 1 << 0
	ReleaseFlockUnlock = 1 << 1
)

// ReleaseIn is used by RELEASE and RELEASEDIR.
type ReleaseIn struct {
	Fh           uint64
	Flags        uint32
	ReleaseFlags uint32
	LockOwner    uint64
}

func (m *ReleaseIn) encode(w *writer, v Version) {
	w.u64(m.Fh)
	w.u32(m.Flags)
	w.u32(m.ReleaseFlags)
	w.u64(m.LockOwner)
}

func (m *ReleaseIn) decode(r *reader, v Version) {
	m.Fh = r.u64()
	m.Flags = r.u32()
	m.ReleaseFlags = r.u32()
	m.LockOwner = r.u64()
}

type FlushIn struct {
	Fh        uint64
	Unused    uint32
	Padding   uint32
	LockOwner uint64
}

func (m *FlushIn) encode(w *writer, v Version) {
	w.u64(m.Fh)
	w.u32(m.Unused)
	w.u32(m.Padding)
	w.u64(m.LockOwner)
}

func (m *FlushIn) decode(r *reader, v Version) {
	m.Fh = r.u64()
	m.Unused = r.u32()
	m.Padding = r.u32()
	m.LockOwner = r.u64()
}

// FsyncIn is used by FSYNC and FSYNCDIR.
type FsyncIn struct {
	Fh         uint64
	FsyncFlags uint32
	Padding    uint32
}

func (m *FsyncIn) encode(w *writer, v Version) {
	w.u64(m.Fh)
	w.u32(m.FsyncFlags)
	w.u32(m.Padding)
}

func (m *FsyncIn) decode(r *reader, v Version) {
	m.Fh = r.u64()
	m.FsyncFlags = r.u32()
	m.Padding = r.u32()
}

// SetxattrIn is the compat 8 byte form; the 16 byte form needs
// FUSE_SETXATTR_EXT, which the driver never requests.
type SetxattrIn struct {
	Size  uint32
	Flags uint32
}

func (m *SetxattrIn) encode(w *writer, v Version) {
	w.u32(m.Size)
	w.u32(m.Flags)
}

func (m *SetxattrIn) decode(r *reader, v Version) {
	m.Size = r.u32()
	m.Flags = r.u32()
}

// GetxattrIn is used by GETXATTR and LISTXATTR.
type GetxattrIn struct {
	Size    uint32
	Padding uint32
}

func (m *GetxattrIn) encode(w *writer, v Version) {
	w.u32(m.Size)
	w.u32(m.Padding)
}

func (m *GetxattrIn) decode(r *reader, v Version) {
	m.Size = r.u32()
	m.Padding = r.u32()
}

// GetxattrOut answers a size query (GetxattrIn.Size == 0).
type GetxattrOut struct {
	Size    uint32
	Padding uint32
}

func (m *GetxattrOut) encode(w *writer, v Version) {
	w.u32(m.Size)
	w.u32(m.Padding)
}

func (m *GetxattrOut) decode(r *reader, v Version) {
	m.Size = r.u32()
	m.Padding = r.u32()
}

type FileLock struct {
	Start uint64
	End   uint64
	Type  uint32
	PID   uint32
}

func (m *FileLock) encode(w *writer, v Version) {
	w.u64(m.Start)
	w.u64(m.End)
	w.u32(m.Type)
	w.u32(m.PID)
}

func (m *FileLock) decode(r *reader, v Version) {
	m.Start = r.u64()
	m.End = r.u64()
	m.Type = r.u32()
	m.PID = r.u32()
}

// LkFlock in LkIn.LkFlags selects BSD flock semantics.
const LkFlock = 1 << 0

// LkIn is used by GETLK, SETLK and SETLKW. LkFlags exists from 7.9.
type LkIn struct {
	Fh      uint64
	Owner   uint64
	Lk      FileLock
	LkFlags uint32
	Padding uint32
}

func (m *LkIn) encode(w *writer, v Version) {
	w.u64(m.Fh)
	w.u64(m.Owner)
	m.Lk.encode(w, v)
	if !v.legacy() {
		w.u32(m.LkFlags)
		w.u32(m.Padding)
	}
}

func (m *LkIn) decode(r *reader, v Version) {
	m.Fh = r.u64()
	m.Owner = r.u64()
	m.Lk.decode(r, v)
	if !v.legacy() {
		m.LkFlags = r.u32()
		m.Padding = r.u32()
	}
}

type LkOut struct {
	Lk FileLock
}

func (m *LkOut) encode(w *writer, v Version) { m.Lk.encode(w, v) }
func (m *LkOut) decode(r *reader, v Version) { m.Lk.decode(r, v) }

type AccessIn struct {
	Mask    uint32
	Padding uint32
}

func (m *AccessIn) encode(w *writer, v Version) {
	w.u32(m.Mask)
	w.u32(m.Padding)
}

func (m *AccessIn) decode(r *reader, v Version) {
	m.Mask = r.u32()
	m.Padding = r.u32()
}

// Init flags.
const (
	InitAsyncRead      = 1 << 0
	InitPosixLocks     = 1 << 1
	InitFileOps        = 1 << 2
	InitAtomicOTrunc   = 1 << 3
	InitExportSupport  = 1 << 4
	InitBigWrites      = 1 << 5
	InitDontMask       = 1 << 6
	InitFlockLocks     = 1 << 10
	InitAutoInvalData  = 1 << 12
	InitDoReaddirplus  = 1 << 13
	InitAsyncDio       = 1 << 15
	InitParallelDirops = 1 << 18
	InitMaxPages       = 1 << 22
	InitInitExt        = 1 << 30
)

// InitIn grew from 16 to 64 bytes in 7.36 (flags2 plus reserved words).
type InitIn struct {
	Major        uint32
	Minor        uint32
	MaxReadahead uint32
	Flags        uint32
	Flags2       uint32
	Unused       [11]uint32
}

func (m *InitIn) encode(w *writer, v Version) {
	w.u32(m.Major)
	w.u32(m.Minor)
	w.u32(m.MaxReadahead)
	w.u32(m.Flags)
	if !v.legacy() {
		w.u32(m.Flags2)
		for _, u := range m.Unused {
			w.u32(u)
		}
	}
}

func (m *InitIn) decode(r *reader, v Version) {
	m.Major = r.u32()
	m.Minor = r.u32()
	m.MaxReadahead = r.u32()
	m.Flags = r.u32()
	if !v.legacy() {
		m.Flags2 = r.u32()
		for i := range m.Unused {
			m.Unused[i] = r.u32()
		}
	}
}

// initOutCompatSize is the pre-7.23 fuse_init_out.
const initOutCompatSize = 24

// InitOut is 64 bytes from 7.23; 7.8 replies carry only the first 24.
type InitOut struct {
	Major               uint32
	Minor               uint32
	MaxReadahead        uint32
	Flags               uint32
	MaxBackground       uint16
	CongestionThreshold uint16
	MaxWrite            uint32
	TimeGran            uint32
	MaxPages            uint16
	MapAlignment        uint16
	Flags2              uint32
	Unused              [7]uint32
}

func (m *InitOut) encode(w *writer, v Version) {
	w.u32(m.Major)
	w.u32(m.Minor)
	w.u32(m.MaxReadahead)
	w.u32(m.Flags)
	w.u16(m.MaxBackground)
	w.u16(m.CongestionThreshold)
	w.u32(m.MaxWrite)
	if v.legacy() {
		return
	}
	w.u32(m.TimeGran)
	w.u16(m.MaxPages)
	w.u16(m.MapAlignment)
	w.u32(m.Flags2)
	for _, u := range m.Unused {
		w.u32(u)
	}
}

func (m *InitOut) decode(r *reader, v Version) {
	m.Major = r.u32()
	m.Minor = r.u32()
	m.MaxReadahead = r.u32()
	m.Flags = r.u32()
	m.MaxBackground = r.u16()
	m.CongestionThreshold = r.u16()
	m.MaxWrite = r.u32()
	// A compat reply ends here; the remaining fields stay zero.
	if v.legacy() || r.remaining() < 64-initOutCompatSize {
		return
	}
	m.TimeGran = r.u32()
	m.MaxPages = r.u16()
	m.MapAlignment = r.u16()
	m.Flags2 = r.u32()
	for i := range m.Unused {
		m.Unused[i] = r.u32()
	}
}

type InterruptIn struct {
	Unique uint64
}

func (m *InterruptIn) encode(w *writer, v Version) { w.u64(m.Unique) }
func (m *InterruptIn) decode(r *reader, v Version) { m.Unique = r.u64() }

type BmapIn struct {
	Block     uint64
	Blocksize uint32
	Padding   uint32
}

func (m *BmapIn) encode(w *writer, v Version) {
	w.u64(m.Block)
	w.u32(m.Blocksize)
	w.u32(m.Padding)
}

func (m *BmapIn) decode(r *reader, v Version) {
	m.Block = r.u64()
	m.Blocksize = r.u32()
	m.Padding = r.u32()
}

type BmapOut struct {
	Block uint64
}

func (m *BmapOut) encode(w *writer, v Version) { w.u64(m.Block) }
func (m *BmapOut) decode(r *reader, v Version) { m.Block = r.u64() }

// Ioctl flags.
const (
	IoctlCompat       = 1 << 0
	IoctlUnrestricted = 1 << 1
	IoctlRetry        = 1 << 2
	Ioctl32Bit        = 1 << 3
	IoctlDir          = 1 << 4
)

// IoctlIn is followed by InSize bytes of input.
type IoctlIn struct {
	Fh      uint64
	Flags   uint32
	Cmd     uint32
	Arg     uint64
	InSize  uint32
	OutSize uint32
}

func (m *IoctlIn) encode(w *writer, v Version) {
	w.u64(m.Fh)
	w.u32(m.Flags)
	w.u32(m.Cmd)
	w.u64(m.Arg)
	w.u32(m.InSize)
	w.u32(m.OutSize)
}

func (m *IoctlIn) decode(r *reader, v Version) {
	m.Fh = r.u64()
	m.Flags = r.u32()
	m.Cmd = r.u32()
	m.Arg = r.u64()
	m.InSize = r.u32()
	m.OutSize = r.u32()
}

type IoctlOut struct {
	Result  int32
	Flags   uint32
	InIovs  uint32
	OutIovs uint32
}

func (m *IoctlOut) encode(w *writer, v Version) {
	w.i32(m.Result)
	w.u32(m.Flags)
	w.u32(m.InIovs)
	w.u32(m.OutIovs)
}

func (m *IoctlOut) decode(r *reader, v Version) {
	m.Result = r.i32()
	m.Flags = r.u32()
	m.InIovs = r.u32()
	m.OutIovs = r.u32()
}

// PollScheduleNotify asks the device for a POLL notification.
const PollScheduleNotify = 1 << 0

type PollIn struct {
	Fh     uint64
	Kh     uint64
	Flags  uint32
	Events uint32
}

func (m *PollIn) encode(w *writer, v Version) {
	w.u64(m.Fh)
	w.u64(m.Kh)
	w.u32(m.Flags)
	w.u32(m.Events)
}

func (m *PollIn) decode(r *reader, v Version) {
	m.Fh = r.u64()
	m.Kh = r.u64()
	m.Flags = r.u32()
	m.Events = r.u32()
}

type PollOut struct {
	Revents uint32
	Padding uint32
}

func (m *PollOut) encode(w *writer, v Version) {
	w.u32(m.Revents)
	w.u32(m.Padding)
}

func (m *PollOut) decode(r *reader, v Version) {
	m.Revents = r.u32()
	m.Padding = r.u32()
}

type ForgetIn struct {
	Nlookup uint64
}

func (m *ForgetIn) encode(w *writer, v Version) { w.u64(m.Nlookup) }
func (m *ForgetIn) decode(r *reader, v Version) { m.Nlookup = r.u64() }

// ForgetOne is one element of a BATCH_FORGET tail.
type ForgetOne struct {
	NodeID  uint64
	Nlookup uint64
}

// BatchForgetIn is followed by Count ForgetOne records.
type BatchForgetIn struct {
	Count uint32
	Dummy uint32
}

func (m *BatchForgetIn) encode(w *writer, v Version) {
	w.u32(m.Count)
	w.u32(m.Dummy)
}

func (m *BatchForgetIn) decode(r *reader, v Version) {
	m.Count = r.u32()
	m.Dummy = r.u32()
}

type FallocateIn struct {
	Fh      uint64
	Offset  uint64
	Length  uint64
	Mode    uint32
	Padding uint32
}

func (m *FallocateIn) encode(w *writer, v Version) {
	w.u64(m.Fh)
	w.u64(m.Offset)
	w.u64(m.Length)
	w.u32(m.Mode)
	w.u32(m.Padding)
}

func (m *FallocateIn) decode(r *reader, v Version) {
	m.Fh = r.u64()
	m.Offset = r.u64()
	m.Length = r.u64()
	m.Mode = r.u32()
	m.Padding = r.u32()
}

type LseekIn struct {
	Fh      uint64
	Offset  uint64
	Whence  uint32
	Padding uint32
}

func (m *LseekIn) encode(w *writer, v Version) {
	w.u64(m.Fh)
	w.u64(m.Offset)
	w.u32(m.Whence)
	w.u32(m.Padding)
}

func (m *LseekIn) decode(r *reader, v Version) {
	m.Fh = r.u64()
	m.Offset = r.u64()
	m.Whence = r.u32()
	m.Padding = r.u32()
}

type LseekOut struct {
	Offset uint64
}

func (m *LseekOut) encode(w *writer, v Version) { w.u64(m.Offset) }
func (m *LseekOut) decode(r *reader, v Version) { m.Offset = r.u64() }

// newRequestBody returns a zero fixed input struct for op, or nil when the
// opcode has no fixed input.
func newRequestBody(op Opcode) Body {
	switch op {
	case OpForget:
		return &ForgetIn{}
	case OpGetattr:
		return &GetattrIn{}
	case OpSetattr:
		return &SetattrIn{}
	case OpMknod:
		return &MknodIn{}
	case OpMkdir:
		return &MkdirIn{}
	case OpRename:
		return &RenameIn{}
	case OpRename2:
		return &Rename2In{}
	case OpLink:
		return &LinkIn{}
	case OpOpen, OpOpendir:
		return &OpenIn{}
	case OpCreate:
		return &CreateIn{}
	case OpRead, OpReaddir:
		return &ReadIn{}
	case OpWrite:
		return &WriteIn{}
	case OpRelease, OpReleasedir:
		return &ReleaseIn{}
	case OpFlush:
		return &FlushIn{}
	case OpFsync, OpFsyncdir:
		return &FsyncIn{}
	case OpSetxattr:
		return &SetxattrIn{}
	case OpGetxattr, OpListxattr:
		return &GetxattrIn{}
	case OpGetlk, OpSetlk, OpSetlkw:
		return &LkIn{}
	case OpAccess:
		return &AccessIn{}
	case OpInit:
		return &InitIn{}
	case OpInterrupt:
		return &InterruptIn{}
	case OpBmap:
		return &BmapIn{}
	case OpIoctl:
		return &IoctlIn{}
	case OpPoll:
		return &PollIn{}
	case OpBatchForget:
		return &BatchForgetIn{}
	case OpFallocate:
		return &FallocateIn{}
	case OpLseek:
		return &LseekIn{}
	}
	return nil
}

// newReplyBody returns a zero fixed output struct for op, or nil when the
// reply carries no fixed struct.
func newReplyBody(op Opcode) Body {
	switch op {
	case OpLookup, OpSymlink, OpMknod, OpMkdir, OpLink:
		return &EntryOut{}
	case OpGetattr, OpSetattr:
		return &AttrOut{}
	case OpOpen, OpOpendir:
		return &OpenOut{}
	case OpCreate:
		return &CreateOut{}
	case OpWrite:
		return &WriteOut{}
	case OpStatfs:
		return &StatfsOut{}
	case OpGetxattr, OpListxattr:
		return &GetxattrOut{}
	case OpGetlk:
		return &LkOut{}
	case OpInit:
		return &InitOut{}
	case OpBmap:
		return &BmapOut{}
	case OpIoctl:
		return &IoctlOut{}
	case OpPoll:
		return &PollOut{}
	case OpLseek:
		return &LseekOut{}
	}
	return nil
}
