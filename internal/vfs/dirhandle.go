package vfs

import (
	"sort"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/virtiofs/internal/fuse"
)

type dirHandle struct {
	nodeID  uint64
	ents    []fuse.Dirent // stable snapshot for the lifetime of the handle
	started bool
}

// snapshotDirEnts lists dirNode in name order behind "." and "..". Each
// record's Off is the cookie of the record after it.
//
// NOTE: caller must hold v.mu.
func (v *MemFS) snapshotDirEnts(dirNode *fsNode) []fuse.Dirent {
	names := make([]string, 0, len(dirNode.entries))
	for name := range dirNode.entries {
		names = append(names, name)
	}
	sort.Strings(names)

	parentIno := dirNode.id
	if dirNode.parent != 0 {
		parentIno = dirNode.parent
	}
	ents := make([]fuse.Dirent, 0, len(names)+2)
	ents = append(ents,
		fuse.Dirent{Ino: dirNode.id, Type: unix.DT_DIR, Name: "."},
		fuse.Dirent{Ino: parentIno, Type: unix.DT_DIR, Name: ".."},
	)
	for _, name := range names {
		id := dirNode.entries[name]
		typ := uint32(unix.DT_UNKNOWN)
		if child := v.nodes[id]; child != nil {
			typ = child.dirType()
		}
		ents = append(ents, fuse.Dirent{Ino: id, Type: typ, Name: name})
	}
	for i := range ents {
		ents[i].Off = uint64(i + 1)
	}
	return ents
}

// OpenDir allocates a directory handle. The listing is snapshotted on the
// first READDIR rather than here so names created in between are seen.
func (v *MemFS) OpenDir(nodeID uint64, _ uint32) (uint64, int32) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, err := v.dir(nodeID); err != 0 {
		return 0, err
	}
	fh := v.nextFH
	v.nextFH++
	v.dirHandles[fh] = &dirHandle{nodeID: nodeID}
	return fh, 0
}

func (v *MemFS) ReleaseDir(_ uint64, fh uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.dirHandles, fh)
}

// ReadDir implements virtio.FsBackend. Reads through an open handle page
// over one snapshot; a read at offset zero after the first one is a
// rewind and takes a fresh snapshot.
func (v *MemFS) ReadDir(nodeID uint64, fh uint64, off uint64) ([]fuse.Dirent, int32) {
	v.mu.Lock()
	defer v.mu.Unlock()

	dirNode, err := v.dir(nodeID)
	if err != 0 {
		return nil, err
	}

	var ents []fuse.Dirent
	if h, ok := v.dirHandles[fh]; ok {
		if h.nodeID != nodeID {
			return nil, -int32(unix.EBADF)
		}
		if !h.started || off == 0 {
			h.ents = v.snapshotDirEnts(dirNode)
		}
		h.started = true
		ents = h.ents
	} else {
		ents = v.snapshotDirEnts(dirNode)
	}

	dirNode.aTime = bumpTime(dirNode.aTime, time.Now())
	if off >= uint64(len(ents)) {
		return nil, 0
	}
	return ents[off:], 0
}
