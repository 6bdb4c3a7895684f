package virtio

import (
	"golang.org/x/sys/unix"

	"github.com/tinyrange/virtiofs/internal/fuse"
)

// This hides the actual filesystem. Provide your own implementation.

// FsBackend should be safe for concurrent calls. Errors are negative errnos.
type FsBackend interface {
	// Init lets the backend constrain MaxWrite and the INIT flags.
	Init(in *fuse.InitIn) (maxWrite uint32, flags uint32)

	// NodeID 1 is the root.
	GetAttr(nodeID uint64) (attr fuse.Attr, errno int32)

	Lookup(parent uint64, name string) (nodeID uint64, attr fuse.Attr, errno int32)

	Open(nodeID uint64, flags uint32) (fh uint64, errno int32)
	Release(nodeID uint64, fh uint64)

	Read(nodeID uint64, fh uint64, off uint64, size uint32) ([]byte, int32)

	// ReadDir returns the entries after cookie off. The device packs as
	// many as fit the reply.
	ReadDir(nodeID uint64, fh uint64, off uint64) ([]fuse.Dirent, int32)

	StatFS(nodeID uint64) (fuse.StatfsOut, int32)
}

// Optional backend capabilities. The device answers with a fixed errno
// when the backend lacks one.

type fsForgetter interface {
	Forget(nodeID, nlookup uint64)
}

type fsSetattrer interface {
	SetAttr(nodeID uint64, in *fuse.SetattrIn, uid, gid uint32) (fuse.Attr, int32)
}

type fsWriter interface {
	Write(nodeID, fh, off uint64, data []byte) (uint32, int32)
}

type fsCreator interface {
	Create(parent uint64, name string, mode, flags, umask, uid, gid uint32) (nodeID, fh uint64, attr fuse.Attr, errno int32)
}

type fsMkdirer interface {
	Mkdir(parent uint64, name string, mode, umask, uid, gid uint32) (uint64, fuse.Attr, int32)
}

type fsMknoder interface {
	Mknod(parent uint64, name string, mode, rdev, umask, uid, gid uint32) (uint64, fuse.Attr, int32)
}

type fsSymlinker interface {
	Symlink(parent uint64, name, target string, uid, gid uint32) (uint64, fuse.Attr, int32)
	Readlink(nodeID uint64) (string, int32)
}

type fsLinker interface {
	Link(oldNodeID, newParent uint64, newName string) (uint64, fuse.Attr, int32)
}

type fsRemover interface {
	Unlink(parent uint64, name string) int32
	Rmdir(parent uint64, name string) int32
}

type fsRenamer interface {
	Rename(oldParent uint64, oldName string, newParent uint64, newName string, flags uint32) int32
}

type fsDirHandler interface {
	OpenDir(nodeID uint64, flags uint32) (uint64, int32)
	ReleaseDir(nodeID, fh uint64)
}

type fsXattrs interface {
	SetXattr(nodeID uint64, name string, value []byte, flags uint32) int32
	GetXattr(nodeID uint64, name string) ([]byte, int32)
	ListXattr(nodeID uint64) ([]byte, int32)
	RemoveXattr(nodeID uint64, name string) int32
}

type fsLseeker interface {
	Lseek(nodeID, fh, off uint64, whence uint32) (uint64, int32)
}

type fsAllocator interface {
	Fallocate(nodeID, fh, off, length uint64, mode uint32) int32
}

// emptyBackend exposes an empty read-only root.
type emptyBackend struct{}

func (emptyBackend) Init(*fuse.InitIn) (uint32, uint32) { return fsDefaultMaxWrite, 0 }

func (emptyBackend) GetAttr(nodeID uint64) (fuse.Attr, int32) {
	if nodeID != fuse.RootID {
		return fuse.Attr{}, -int32(unix.ENOENT)
	}
	return fuse.Attr{Ino: fuse.RootID, Mode: unix.S_IFDIR | 0o755, Nlink: 2, Blksize: 4096}, 0
}

func (emptyBackend) Lookup(uint64, string) (uint64, fuse.Attr, int32) {
	return 0, fuse.Attr{}, -int32(unix.ENOENT)
}

func (emptyBackend) Open(nodeID uint64, _ uint32) (uint64, int32) {
	if nodeID == fuse.RootID {
		return 0, -int32(unix.EISDIR)
	}
	return 0, -int32(unix.ENOENT)
}

func (emptyBackend) Release(uint64, uint64) {}

func (emptyBackend) Read(uint64, uint64, uint64, uint32) ([]byte, int32) {
	return nil, -int32(unix.EISDIR)
}

func (emptyBackend) ReadDir(nodeID uint64, _ uint64, off uint64) ([]fuse.Dirent, int32) {
	if nodeID != fuse.RootID {
		return nil, -int32(unix.ENOENT)
	}
	ents := []fuse.Dirent{
		{Ino: fuse.RootID, Off: 1, Type: unix.DT_DIR, Name: "."},
		{Ino: fuse.RootID, Off: 2, Type: unix.DT_DIR, Name: ".."},
	}
	if off >= uint64(len(ents)) {
		return nil, 0
	}
	return ents[off:], 0
}

func (emptyBackend) StatFS(uint64) (fuse.StatfsOut, int32) {
	return fuse.StatfsOut{Files: 1, Ffree: 1, Bsize: 4096, Frsize: 4096, Namelen: 255}, 0
}
