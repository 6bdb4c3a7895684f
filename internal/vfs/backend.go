package vfs

import (
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/virtiofs/internal/fuse"
)

// NOTE: Linux encodes suid/sgid/sticky in the low 12 permission bits (0o4000,
// 0o2000, 0o1000). Go's fs.ModeSetuid/ModeSetgid/ModeSticky are *not* those
// numeric bits, so we model the Linux bits explicitly here.
const (
	modePermMask fs.FileMode = 0o7777
	modeSetuid   fs.FileMode = 0o4000
	modeSetgid   fs.FileMode = 0o2000
)

const (
	maxNameLen = 255

	statfsBlocks = 1 << 20
	statfsFiles  = 1 << 16
	blockSize    = 4096
)

// MemFS is an in-memory filesystem served by the virtio-fs device. It is
// safe for concurrent use.
type MemFS struct {
	mu         sync.Mutex
	nodes      map[uint64]*fsNode
	handles    map[uint64]uint64
	dirHandles map[uint64]*dirHandle
	nextID     uint64
	nextFH     uint64
	log        *slog.Logger
}

type fsExtent struct {
	off  uint64
	data []byte
}

type fsNode struct {
	id      uint64
	name    string
	parent  uint64
	mode    fs.FileMode
	rawMode uint32 // raw mode from mknod (includes S_IFSOCK, S_IFIFO, etc.)
	rdev    uint32
	size    uint64
	extents []fsExtent
	entries map[string]uint64
	xattr   map[string][]byte
	modTime time.Time
	aTime   time.Time
	ctime   time.Time
	nlink   uint32 // 0 means 1
	uid     uint32
	gid     uint32
	// lookups counts references handed to the driver and not yet forgotten.
	lookups uint64
	// unlinked nodes stay addressable until the driver forgets them.
	unlinked bool

	symlinkTarget string
}

func newDirNode(id uint64, name string, parent uint64, perm fs.FileMode) *fsNode {
	now := time.Now()
	return &fsNode{
		id:      id,
		name:    name,
		parent:  parent,
		mode:    fs.ModeDir | perm,
		entries: make(map[string]uint64),
		xattr:   make(map[string][]byte),
		modTime: now,
		aTime:   now,
		ctime:   now,
	}
}

func newFileNode(id uint64, name string, parent uint64, perm fs.FileMode) *fsNode {
	now := time.Now()
	return &fsNode{
		id:      id,
		name:    name,
		parent:  parent,
		mode:    perm,
		xattr:   make(map[string][]byte),
		modTime: now,
		aTime:   now,
		ctime:   now,
	}
}

func bumpTime(prev time.Time, next time.Time) time.Time {
	if prev.IsZero() {
		return next
	}
	if next.IsZero() {
		return prev
	}
	if next.UnixNano() <= prev.UnixNano() {
		return time.Unix(0, prev.UnixNano()+1)
	}
	return next
}

func (n *fsNode) touch(now time.Time) {
	n.modTime = bumpTime(n.modTime, now)
	n.ctime = bumpTime(n.ctime, now)
}

func (n *fsNode) isDir() bool     { return n.mode.IsDir() }
func (n *fsNode) isSymlink() bool { return n.mode&fs.ModeSymlink != 0 }

func (n *fsNode) blockUsage() uint64 {
	var used uint64
	for _, e := range n.extents {
		used += uint64(len(e.data))
	}
	if used == 0 && n.size > 0 {
		return 1
	}
	return (used + 511) / 512
}

func (n *fsNode) dirType() uint32 {
	switch {
	case n.isDir():
		return unix.DT_DIR
	case n.isSymlink():
		return unix.DT_LNK
	case n.rawMode != 0:
		return (n.rawMode & unix.S_IFMT) >> 12
	}
	return unix.DT_REG
}

func (n *fsNode) attr() fuse.Attr {
	perm := n.mode & modePermMask
	size := n.size
	if n.isSymlink() {
		size = uint64(len(n.symlinkTarget))
	}

	mode := uint32(perm)
	switch {
	case n.isDir():
		mode |= unix.S_IFDIR
	case n.isSymlink():
		mode |= unix.S_IFLNK
	case n.rawMode != 0:
		mode = (n.rawMode &^ uint32(modePermMask)) | uint32(perm)
	default:
		mode |= unix.S_IFREG
	}

	nlink := uint32(1)
	if n.nlink > 0 {
		nlink = n.nlink
	}
	if n.unlinked {
		nlink = 0
	}
	if n.isDir() {
		nlink = 2 + uint32(len(n.entries))
	}

	return fuse.Attr{
		Ino:       n.id,
		Mode:      mode,
		Size:      size,
		Nlink:     nlink,
		UID:       n.uid,
		GID:       n.gid,
		Rdev:      n.rdev,
		Blocks:    n.blockUsage(),
		Blksize:   blockSize,
		Atime:     uint64(n.aTime.Unix()),
		AtimeNsec: uint32(n.aTime.Nanosecond()),
		Mtime:     uint64(n.modTime.Unix()),
		MtimeNsec: uint32(n.modTime.Nanosecond()),
		Ctime:     uint64(n.ctime.Unix()),
		CtimeNsec: uint32(n.ctime.Nanosecond()),
	}
}

// NewMemFS returns a filesystem holding an empty root directory.
func NewMemFS(log *slog.Logger) *MemFS {
	if log == nil {
		log = slog.Default()
	}
	v := &MemFS{
		nodes:      make(map[uint64]*fsNode),
		handles:    make(map[uint64]uint64),
		dirHandles: make(map[uint64]*dirHandle),
		nextID:     fuse.RootID + 1,
		nextFH:     1,
		log:        log,
	}
	root := newDirNode(fuse.RootID, "", 0, 0o755)
	v.nodes[root.id] = root
	return v
}

func (v *MemFS) node(id uint64) (*fsNode, int32) {
	n, ok := v.nodes[id]
	if !ok {
		return nil, -int32(unix.ENOENT)
	}
	return n, 0
}

func (v *MemFS) dir(id uint64) (*fsNode, int32) {
	n, e := v.node(id)
	if e != 0 {
		return nil, e
	}
	if !n.isDir() {
		return nil, -int32(unix.ENOTDIR)
	}
	return n, 0
}

func (v *MemFS) allocID() uint64 {
	id := v.nextID
	v.nextID++
	return id
}

func (v *MemFS) allocFH(nodeID uint64) uint64 {
	fh := v.nextFH
	v.nextFH++
	v.handles[fh] = nodeID
	return fh
}

// newEntryName validates a name about to be created under parent.
func newEntryName(parent *fsNode, name string) int32 {
	if name == "" || name == "." || name == ".." || strings.ContainsRune(name, '/') {
		return -int32(unix.EINVAL)
	}
	if len(name) > maxNameLen {
		return -int32(unix.ENAMETOOLONG)
	}
	if _, exists := parent.entries[name]; exists {
		return -int32(unix.EEXIST)
	}
	return 0
}

func (v *MemFS) child(parent *fsNode, name string) (*fsNode, int32) {
	if !parent.isDir() {
		return nil, -int32(unix.ENOTDIR)
	}
	switch name {
	case "", ".":
		return parent, 0
	case "..":
		if parent.parent == 0 {
			return parent, 0
		}
		return v.nodes[parent.parent], 0
	}
	if len(name) > maxNameLen {
		return nil, -int32(unix.ENAMETOOLONG)
	}
	id, ok := parent.entries[name]
	if !ok {
		return nil, -int32(unix.ENOENT)
	}
	return v.nodes[id], 0
}

// link inserts n under parent and hands a lookup reference to the driver.
func (v *MemFS) link(parent *fsNode, name string, n *fsNode) fuse.Attr {
	parent.entries[name] = n.id
	parent.touch(time.Now())
	v.nodes[n.id] = n
	n.lookups++
	return n.attr()
}

// drop removes the name->node edge and releases the node once nothing
// references it.
func (v *MemFS) drop(parent *fsNode, name string, n *fsNode) {
	delete(parent.entries, name)
	parent.touch(time.Now())
	n.ctime = bumpTime(n.ctime, time.Now())
	if n.nlink > 1 {
		n.nlink--
		return
	}
	n.unlinked = true
	v.reap(n)
}

func (v *MemFS) reap(n *fsNode) {
	if !n.unlinked || n.lookups > 0 {
		return
	}
	for _, id := range v.handles {
		if id == n.id {
			return
		}
	}
	delete(v.nodes, n.id)
}

func (n *fsNode) read(off uint64, size uint32) []byte {
	buf := make([]byte, size)
	end := off + uint64(size)
	for _, e := range n.extents {
		eEnd := e.off + uint64(len(e.data))
		if eEnd <= off || e.off >= end {
			continue
		}
		start := max(off, e.off)
		stop := min(end, eEnd)
		copy(buf[start-off:stop-off], e.data[start-e.off:stop-e.off])
	}
	return buf
}

// mergeExtents sorts extents and coalesces overlapping or adjacent ones.
// Later extents in the input win where they overlap.
func mergeExtents(extents []fsExtent) []fsExtent {
	if len(extents) == 0 {
		return extents
	}
	sort.SliceStable(extents, func(i, j int) bool { return extents[i].off < extents[j].off })
	out := []fsExtent{extents[0]}
	for i := 1; i < len(extents); i++ {
		last := &out[len(out)-1]
		cur := extents[i]
		lastEnd := last.off + uint64(len(last.data))
		if cur.off <= lastEnd {
			overlap := int(lastEnd - cur.off)
			if overlap < len(cur.data) {
				last.data = append(last.data, cur.data[overlap:]...)
			}
			continue
		}
		out = append(out, cur)
	}
	return out
}

func (n *fsNode) write(off uint64, data []byte) {
	if len(data) == 0 {
		return
	}
	// Linux clears setuid on write by unprivileged writers, and setgid when
	// the file is group-executable.
	n.mode &^= modeSetuid
	if n.mode&modeSetgid != 0 && n.mode&0o010 != 0 {
		n.mode &^= modeSetgid
	}
	n.punch(off, uint64(len(data)))
	n.extents = mergeExtents(append(n.extents, fsExtent{off: off, data: append([]byte(nil), data...)}))
	n.size = max(n.size, off+uint64(len(data)))
	n.touch(time.Now())
}

// punch removes [off, off+length) from the extent list.
func (n *fsNode) punch(off, length uint64) {
	end := off + length
	var kept []fsExtent
	for _, e := range n.extents {
		eEnd := e.off + uint64(len(e.data))
		if eEnd <= off || e.off >= end {
			kept = append(kept, e)
			continue
		}
		if e.off < off {
			head := off - e.off
			kept = append(kept, fsExtent{off: e.off, data: e.data[:head:head]})
		}
		if eEnd > end {
			kept = append(kept, fsExtent{off: end, data: e.data[end-e.off:]})
		}
	}
	n.extents = kept
}

func (n *fsNode) truncate(size uint64) {
	n.mode &^= modeSetuid
	if n.mode&modeSetgid != 0 && n.mode&0o010 != 0 {
		n.mode &^= modeSetgid
	}
	if size < n.size {
		n.punch(size, n.size-size)
	}
	n.size = size
	n.touch(time.Now())
}

// Init implements virtio.FsBackend.
func (v *MemFS) Init(in *fuse.InitIn) (maxWrite uint32, flags uint32) {
	v.log.Debug("vfs: init", "major", in.Major, "minor", in.Minor, "flags", fmt.Sprintf("%#x", in.Flags))
	return 128 * 1024, fuse.InitAsyncRead | fuse.InitBigWrites
}

// GetAttr implements virtio.FsBackend.
func (v *MemFS) GetAttr(nodeID uint64) (fuse.Attr, int32) {
	v.mu.Lock()
	defer v.mu.Unlock()

	n, err := v.node(nodeID)
	if err != 0 {
		return fuse.Attr{}, err
	}
	return n.attr(), 0
}

// Lookup implements virtio.FsBackend.
func (v *MemFS) Lookup(parent uint64, name string) (uint64, fuse.Attr, int32) {
	v.mu.Lock()
	defer v.mu.Unlock()

	parentNode, err := v.node(parent)
	if err != 0 {
		return 0, fuse.Attr{}, err
	}
	child, err := v.child(parentNode, name)
	if err != 0 {
		return 0, fuse.Attr{}, err
	}
	child.lookups++
	return child.id, child.attr(), 0
}

// Forget drops nlookup references handed out by Lookup and friends.
func (v *MemFS) Forget(nodeID, nlookup uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()

	n, ok := v.nodes[nodeID]
	if !ok || nodeID == fuse.RootID {
		return
	}
	n.lookups -= min(n.lookups, nlookup)
	v.reap(n)
}

// Open implements virtio.FsBackend.
func (v *MemFS) Open(nodeID uint64, flags uint32) (uint64, int32) {
	v.mu.Lock()
	defer v.mu.Unlock()

	n, err := v.node(nodeID)
	if err != 0 {
		return 0, err
	}
	if n.isDir() {
		return 0, -int32(unix.EISDIR)
	}
	if flags&unix.O_TRUNC != 0 {
		n.truncate(0)
	}
	return v.allocFH(n.id), 0
}

// Release implements virtio.FsBackend.
func (v *MemFS) Release(nodeID uint64, fh uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()

	delete(v.handles, fh)
	if n, ok := v.nodes[nodeID]; ok {
		v.reap(n)
	}
}

func (v *MemFS) handle(nodeID, fh uint64) (*fsNode, int32) {
	nid, ok := v.handles[fh]
	if !ok || nid != nodeID {
		return nil, -int32(unix.EBADF)
	}
	return v.node(nid)
}

// Read implements virtio.FsBackend.
func (v *MemFS) Read(nodeID uint64, fh uint64, off uint64, size uint32) ([]byte, int32) {
	v.mu.Lock()
	defer v.mu.Unlock()

	n, err := v.handle(nodeID, fh)
	if err != 0 {
		return nil, err
	}
	if off >= n.size {
		return []byte{}, 0
	}
	if off+uint64(size) > n.size {
		size = uint32(n.size - off)
	}
	n.aTime = bumpTime(n.aTime, time.Now())
	return n.read(off, size), 0
}

// Write stores data at off.
func (v *MemFS) Write(nodeID uint64, fh uint64, off uint64, data []byte) (uint32, int32) {
	v.mu.Lock()
	defer v.mu.Unlock()

	n, err := v.handle(nodeID, fh)
	if err != 0 {
		return 0, err
	}
	n.write(off, data)
	return uint32(len(data)), 0
}

// StatFS implements virtio.FsBackend.
func (v *MemFS) StatFS(uint64) (fuse.StatfsOut, int32) {
	v.mu.Lock()
	defer v.mu.Unlock()

	var used uint64
	for _, n := range v.nodes {
		used += n.blockUsage() * 512 / blockSize
	}
	free := uint64(statfsBlocks) - min(used, statfsBlocks)
	files := uint64(len(v.nodes))
	return fuse.StatfsOut{
		Blocks:  statfsBlocks,
		Bfree:   free,
		Bavail:  free,
		Files:   statfsFiles,
		Ffree:   statfsFiles - min(files, statfsFiles),
		Bsize:   blockSize,
		Frsize:  blockSize,
		Namelen: maxNameLen,
	}, 0
}

// Create implements FUSE_CREATE.
func (v *MemFS) Create(parent uint64, name string, mode, flags, umask, uid, gid uint32) (uint64, uint64, fuse.Attr, int32) {
	v.mu.Lock()
	defer v.mu.Unlock()

	parentNode, err := v.dir(parent)
	if err != 0 {
		return 0, 0, fuse.Attr{}, err
	}
	if existingID, ok := parentNode.entries[name]; ok {
		if flags&unix.O_EXCL != 0 {
			return 0, 0, fuse.Attr{}, -int32(unix.EEXIST)
		}
		existing := v.nodes[existingID]
		if existing.isDir() {
			return 0, 0, fuse.Attr{}, -int32(unix.EISDIR)
		}
		if flags&unix.O_TRUNC != 0 {
			existing.truncate(0)
		}
		existing.lookups++
		return existing.id, v.allocFH(existing.id), existing.attr(), 0
	}
	if e := newEntryName(parentNode, name); e != 0 {
		return 0, 0, fuse.Attr{}, e
	}

	node := newFileNode(v.allocID(), name, parentNode.id, fs.FileMode(mode&^umask)&modePermMask)
	v.setOwner(parentNode, node, uid, gid)
	attr := v.link(parentNode, name, node)
	return node.id, v.allocFH(node.id), attr, 0
}

// setOwner assigns the creator's credentials. Entries created in a setgid
// directory inherit its group.
func (v *MemFS) setOwner(parent, n *fsNode, uid, gid uint32) {
	n.uid = uid
	n.gid = gid
	if parent.mode&modeSetgid != 0 {
		n.gid = parent.gid
		if n.isDir() {
			n.mode |= modeSetgid
		}
	}
}

func (v *MemFS) Mkdir(parent uint64, name string, mode, umask, uid, gid uint32) (uint64, fuse.Attr, int32) {
	v.mu.Lock()
	defer v.mu.Unlock()

	parentNode, err := v.dir(parent)
	if err != 0 {
		return 0, fuse.Attr{}, err
	}
	if e := newEntryName(parentNode, name); e != 0 {
		return 0, fuse.Attr{}, e
	}
	node := newDirNode(v.allocID(), name, parentNode.id, fs.FileMode(mode&^umask)&modePermMask)
	v.setOwner(parentNode, node, uid, gid)
	return node.id, v.link(parentNode, name, node), 0
}

func (v *MemFS) Mknod(parent uint64, name string, mode, rdev, umask, uid, gid uint32) (uint64, fuse.Attr, int32) {
	v.mu.Lock()
	defer v.mu.Unlock()

	parentNode, err := v.dir(parent)
	if err != 0 {
		return 0, fuse.Attr{}, err
	}
	if e := newEntryName(parentNode, name); e != 0 {
		return 0, fuse.Attr{}, e
	}
	switch mode & unix.S_IFMT {
	case unix.S_IFREG, 0:
		mode |= unix.S_IFREG
	case unix.S_IFIFO, unix.S_IFSOCK, unix.S_IFCHR, unix.S_IFBLK:
	default:
		return 0, fuse.Attr{}, -int32(unix.EINVAL)
	}
	node := newFileNode(v.allocID(), name, parentNode.id, fs.FileMode(mode&^umask)&modePermMask)
	if mode&unix.S_IFMT != unix.S_IFREG {
		node.rawMode = mode
		node.rdev = rdev
	}
	v.setOwner(parentNode, node, uid, gid)
	return node.id, v.link(parentNode, name, node), 0
}

func (v *MemFS) Symlink(parent uint64, name, target string, uid, gid uint32) (uint64, fuse.Attr, int32) {
	v.mu.Lock()
	defer v.mu.Unlock()

	parentNode, err := v.dir(parent)
	if err != 0 {
		return 0, fuse.Attr{}, err
	}
	if e := newEntryName(parentNode, name); e != 0 {
		return 0, fuse.Attr{}, e
	}
	node := newFileNode(v.allocID(), name, parentNode.id, fs.ModeSymlink|0o777)
	node.symlinkTarget = target
	node.uid, node.gid = uid, gid
	return node.id, v.link(parentNode, name, node), 0
}

func (v *MemFS) Readlink(nodeID uint64) (string, int32) {
	v.mu.Lock()
	defer v.mu.Unlock()

	n, err := v.node(nodeID)
	if err != 0 {
		return "", err
	}
	if !n.isSymlink() {
		return "", -int32(unix.EINVAL)
	}
	n.aTime = bumpTime(n.aTime, time.Now())
	return n.symlinkTarget, 0
}

func (v *MemFS) Link(oldNodeID uint64, newParent uint64, newName string) (uint64, fuse.Attr, int32) {
	v.mu.Lock()
	defer v.mu.Unlock()

	oldNode, err := v.node(oldNodeID)
	if err != 0 {
		return 0, fuse.Attr{}, err
	}
	if oldNode.isDir() {
		return 0, fuse.Attr{}, -int32(unix.EPERM)
	}
	parentNode, err := v.dir(newParent)
	if err != 0 {
		return 0, fuse.Attr{}, err
	}
	if e := newEntryName(parentNode, newName); e != 0 {
		return 0, fuse.Attr{}, e
	}
	oldNode.nlink = max(oldNode.nlink, 1) + 1
	oldNode.ctime = bumpTime(oldNode.ctime, time.Now())
	return oldNodeID, v.link(parentNode, newName, oldNode), 0
}

func (v *MemFS) Unlink(parent uint64, name string) int32 {
	v.mu.Lock()
	defer v.mu.Unlock()

	parentNode, err := v.dir(parent)
	if err != 0 {
		return err
	}
	node, err := v.child(parentNode, name)
	if err != 0 {
		return err
	}
	if node.isDir() {
		return -int32(unix.EISDIR)
	}
	v.drop(parentNode, name, node)
	return 0
}

func (v *MemFS) Rmdir(parent uint64, name string) int32 {
	v.mu.Lock()
	defer v.mu.Unlock()

	parentNode, err := v.dir(parent)
	if err != 0 {
		return err
	}
	if name == "." {
		return -int32(unix.EINVAL)
	}
	if name == ".." {
		return -int32(unix.ENOTEMPTY)
	}
	node, err := v.child(parentNode, name)
	if err != 0 {
		return err
	}
	if !node.isDir() {
		return -int32(unix.ENOTDIR)
	}
	if len(node.entries) > 0 {
		return -int32(unix.ENOTEMPTY)
	}
	v.drop(parentNode, name, node)
	return 0
}

// isAncestor reports whether a is dir or one of its parents.
func (v *MemFS) isAncestor(a, dir *fsNode) bool {
	for n := dir; n != nil; n = v.nodes[n.parent] {
		if n.id == a.id {
			return true
		}
	}
	return false
}

// Rename implements RENAME and RENAME2 with RENAME_NOREPLACE and
// RENAME_EXCHANGE.
func (v *MemFS) Rename(oldParent uint64, oldName string, newParent uint64, newName string, flags uint32) int32 {
	v.mu.Lock()
	defer v.mu.Unlock()

	if flags&^(unix.RENAME_NOREPLACE|unix.RENAME_EXCHANGE) != 0 {
		return -int32(unix.EINVAL)
	}
	if flags&unix.RENAME_NOREPLACE != 0 && flags&unix.RENAME_EXCHANGE != 0 {
		return -int32(unix.EINVAL)
	}
	srcParent, err := v.dir(oldParent)
	if err != 0 {
		return err
	}
	dstParent, err := v.dir(newParent)
	if err != 0 {
		return err
	}
	if len(newName) > maxNameLen {
		return -int32(unix.ENAMETOOLONG)
	}
	srcID, ok := srcParent.entries[oldName]
	if !ok {
		v.log.Debug("vfs: rename missing source", "parent", oldParent, "name", oldName)
		return -int32(unix.ENOENT)
	}
	src := v.nodes[srcID]
	if src.isDir() && v.isAncestor(src, dstParent) {
		return -int32(unix.EINVAL)
	}

	dstID, exists := dstParent.entries[newName]
	switch {
	case flags&unix.RENAME_EXCHANGE != 0:
		if !exists {
			return -int32(unix.ENOENT)
		}
		dst := v.nodes[dstID]
		srcParent.entries[oldName] = dstID
		dstParent.entries[newName] = srcID
		dst.parent, dst.name = srcParent.id, oldName
	case exists && dstID == srcID:
		return 0
	case exists:
		if flags&unix.RENAME_NOREPLACE != 0 {
			return -int32(unix.EEXIST)
		}
		dst := v.nodes[dstID]
		if dst.isDir() != src.isDir() {
			if dst.isDir() {
				return -int32(unix.EISDIR)
			}
			return -int32(unix.ENOTDIR)
		}
		if dst.isDir() && len(dst.entries) > 0 {
			return -int32(unix.ENOTEMPTY)
		}
		v.drop(dstParent, newName, dst)
		fallthrough
	default:
		dstParent.entries[newName] = srcID
		delete(srcParent.entries, oldName)
	}
	src.parent, src.name = dstParent.id, newName

	now := time.Now()
	srcParent.touch(now)
	dstParent.touch(now)
	src.ctime = bumpTime(src.ctime, now)
	return 0
}

// SetAttr applies the fields selected by in.Valid.
func (v *MemFS) SetAttr(nodeID uint64, in *fuse.SetattrIn, reqUID, reqGID uint32) (fuse.Attr, int32) {
	v.mu.Lock()
	defer v.mu.Unlock()

	n, err := v.node(nodeID)
	if err != 0 {
		return fuse.Attr{}, err
	}
	now := time.Now()
	changed := false

	if in.Valid&fuse.FattrSize != 0 {
		if n.isDir() {
			return fuse.Attr{}, -int32(unix.EISDIR)
		}
		n.truncate(in.Size)
		changed = true
	}
	if in.Valid&fuse.FattrMode != 0 {
		newBits := fs.FileMode(in.Mode) & modePermMask
		// An unprivileged caller outside the owning group cannot keep setgid.
		if reqUID != 0 && newBits&modeSetgid != 0 && reqGID != n.gid {
			newBits &^= modeSetgid
		}
		n.mode = (n.mode &^ modePermMask) | newBits
		changed = true
	}
	if in.Valid&(fuse.FattrUID|fuse.FattrGID) != 0 {
		if in.Valid&fuse.FattrUID != 0 {
			n.uid = in.UID
		}
		if in.Valid&fuse.FattrGID != 0 {
			n.gid = in.GID
		}
		n.mode &^= modeSetuid
		if n.mode&modeSetgid != 0 && n.mode&0o010 != 0 {
			n.mode &^= modeSetgid
		}
		changed = true
	}
	switch {
	case in.Valid&fuse.FattrAtimeNow != 0:
		n.aTime = now
		changed = true
	case in.Valid&fuse.FattrAtime != 0:
		n.aTime = time.Unix(int64(in.Atime), int64(in.AtimeNsec))
		changed = true
	}
	switch {
	case in.Valid&fuse.FattrMtimeNow != 0:
		n.modTime = now
		changed = true
	case in.Valid&fuse.FattrMtime != 0:
		n.modTime = time.Unix(int64(in.Mtime), int64(in.MtimeNsec))
		changed = true
	}
	if in.Valid&fuse.FattrCtime != 0 {
		n.ctime = time.Unix(int64(in.Ctime), int64(in.CtimeNsec))
	} else if changed {
		n.ctime = bumpTime(n.ctime, now)
	}
	return n.attr(), 0
}

func (v *MemFS) SetXattr(nodeID uint64, name string, value []byte, flags uint32) int32 {
	v.mu.Lock()
	defer v.mu.Unlock()

	n, err := v.node(nodeID)
	if err != 0 {
		return err
	}
	_, exists := n.xattr[name]
	if flags&unix.XATTR_CREATE != 0 && exists {
		return -int32(unix.EEXIST)
	}
	if flags&unix.XATTR_REPLACE != 0 && !exists {
		return -int32(unix.ENODATA)
	}
	n.xattr[name] = append([]byte(nil), value...)
	n.ctime = bumpTime(n.ctime, time.Now())
	return 0
}

func (v *MemFS) GetXattr(nodeID uint64, name string) ([]byte, int32) {
	v.mu.Lock()
	defer v.mu.Unlock()

	n, err := v.node(nodeID)
	if err != 0 {
		return nil, err
	}
	val, ok := n.xattr[name]
	if !ok {
		return nil, -int32(unix.ENODATA)
	}
	return append([]byte(nil), val...), 0
}

// ListXattr returns the NUL-terminated names in sorted order.
func (v *MemFS) ListXattr(nodeID uint64) ([]byte, int32) {
	v.mu.Lock()
	defer v.mu.Unlock()

	n, err := v.node(nodeID)
	if err != 0 {
		return nil, err
	}
	names := make([]string, 0, len(n.xattr))
	for k := range n.xattr {
		names = append(names, k)
	}
	sort.Strings(names)

	out := []byte{}
	for _, k := range names {
		out = append(out, k...)
		out = append(out, 0)
	}
	return out, 0
}

func (v *MemFS) RemoveXattr(nodeID uint64, name string) int32 {
	v.mu.Lock()
	defer v.mu.Unlock()

	n, err := v.node(nodeID)
	if err != 0 {
		return err
	}
	if _, ok := n.xattr[name]; !ok {
		return -int32(unix.ENODATA)
	}
	delete(n.xattr, name)
	n.ctime = bumpTime(n.ctime, time.Now())
	return 0
}

// Lseek implements SEEK_DATA and SEEK_HOLE over the extent list.
func (v *MemFS) Lseek(nodeID uint64, fh uint64, offset uint64, whence uint32) (uint64, int32) {
	v.mu.Lock()
	defer v.mu.Unlock()

	n, err := v.handle(nodeID, fh)
	if err != 0 {
		return 0, err
	}
	switch whence {
	case unix.SEEK_SET:
		return offset, 0
	case unix.SEEK_END:
		return n.size, 0
	case unix.SEEK_DATA:
		if offset >= n.size {
			return 0, -int32(unix.ENXIO)
		}
		for _, e := range n.extents {
			if offset < e.off {
				return e.off, 0
			}
			if offset < e.off+uint64(len(e.data)) {
				return offset, 0
			}
		}
		return 0, -int32(unix.ENXIO)
	case unix.SEEK_HOLE:
		if offset >= n.size {
			return 0, -int32(unix.ENXIO)
		}
		for _, e := range n.extents {
			if offset < e.off {
				return offset, 0
			}
			if offset < e.off+uint64(len(e.data)) {
				return e.off + uint64(len(e.data)), 0
			}
		}
		return n.size, 0
	}
	return 0, -int32(unix.EINVAL)
}

// Fallocate supports plain allocation, KEEP_SIZE and PUNCH_HOLE.
func (v *MemFS) Fallocate(nodeID, fh, off, length uint64, mode uint32) int32 {
	v.mu.Lock()
	defer v.mu.Unlock()

	n, err := v.handle(nodeID, fh)
	if err != 0 {
		return err
	}
	if length == 0 {
		return -int32(unix.EINVAL)
	}
	switch mode {
	case 0:
		n.size = max(n.size, off+length)
	case unix.FALLOC_FL_KEEP_SIZE:
	case unix.FALLOC_FL_PUNCH_HOLE | unix.FALLOC_FL_KEEP_SIZE:
		n.punch(off, length)
	default:
		return -int32(unix.EOPNOTSUPP)
	}
	n.touch(time.Now())
	return 0
}

// WriteFile creates or replaces a regular file at p, creating parent
// directories as needed. It seeds the tree before a driver attaches.
func (v *MemFS) WriteFile(p string, data []byte, perm fs.FileMode) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	parent, name, err := v.resolveParent(p)
	if err != nil {
		return err
	}
	if id, ok := parent.entries[name]; ok {
		n := v.nodes[id]
		if n.isDir() {
			return fmt.Errorf("vfs: %s is a directory", p)
		}
		n.truncate(0)
		n.write(0, data)
		return nil
	}
	n := newFileNode(v.allocID(), name, parent.id, perm&modePermMask)
	n.write(0, data)
	parent.entries[name] = n.id
	v.nodes[n.id] = n
	return nil
}

// MkdirAll creates p and its parents.
func (v *MemFS) MkdirAll(p string, perm fs.FileMode) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	parent, name, err := v.resolveParent(p)
	if err != nil {
		return err
	}
	if id, ok := parent.entries[name]; ok {
		if !v.nodes[id].isDir() {
			return fmt.Errorf("vfs: %s is not a directory", p)
		}
		return nil
	}
	d := newDirNode(v.allocID(), name, parent.id, perm&modePermMask)
	parent.entries[name] = d.id
	v.nodes[d.id] = d
	return nil
}

// resolveParent walks to the directory holding the last element of p,
// creating missing directories on the way.
func (v *MemFS) resolveParent(p string) (*fsNode, string, error) {
	p = strings.TrimPrefix(path.Clean("/"+p), "/")
	if p == "" {
		return nil, "", fmt.Errorf("vfs: empty path")
	}
	parts := strings.Split(p, "/")
	cur := v.nodes[fuse.RootID]
	for _, part := range parts[:len(parts)-1] {
		if id, ok := cur.entries[part]; ok {
			next := v.nodes[id]
			if !next.isDir() {
				return nil, "", fmt.Errorf("vfs: %s is not a directory", part)
			}
			cur = next
			continue
		}
		d := newDirNode(v.allocID(), part, cur.id, 0o755)
		cur.entries[part] = d.id
		v.nodes[d.id] = d
		cur = d
	}
	name := parts[len(parts)-1]
	if len(name) > maxNameLen {
		return nil, "", fmt.Errorf("vfs: name %q too long", name)
	}
	return cur, name, nil
}
