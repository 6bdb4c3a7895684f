package virtio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/virtiofs/internal/fuse"
)

const (
	fsHiprioQueueIndex = 0
	fsQueueNumMax      = 256

	fsDeviceID = 26 // VIRTIO_ID_FS

	// FsFeatureNotification is VIRTIO_FS_F_NOTIFICATION.
	FsFeatureNotification = 1 << 0

	fsDefaultMaxWrite = 128 * 1024
)

// virtio-fs config space. See linux/include/uapi/linux/virtio_fs.h
//
//	struct virtio_fs_config {
//	    char tag[36];
//	    __le32 num_request_queues;
//	    __le32 notify_buf_size;
//	};
const (
	FsCfgTagSize       = 36
	fsCfgNumQOffset    = FsCfgTagSize
	fsCfgNotifyOffset  = fsCfgNumQOffset + 4
	FsCfgTotalSize     = fsCfgNotifyOffset + 4
	fsMaxRequestQueues = 64
)

// FSConfig describes a loopback virtio-fs device.
type FSConfig struct {
	Tag              string
	NumRequestQueues uint32
	// NotifyBufSize is advertised when non-zero and the device offers
	// FsFeatureNotification.
	NotifyBufSize uint32
	Backend       FsBackend
	Logger        *slog.Logger
}

// Notifier delivers device notifications on the notification queue.
type Notifier interface {
	PushNotification(n fuse.Notification) error
}

// FS is the device side of virtio-fs: it serves FUSE requests taken off its
// queues with an FsBackend.
type FS struct {
	backend FsBackend
	log     *slog.Logger

	tag              [FsCfgTagSize]byte
	numRequestQueues uint32
	notifyBufSize    uint32

	bufPool sync.Pool

	mu       sync.Mutex
	version  fuse.Version
	notifier Notifier
}

func NewFS(cfg FSConfig) (*FS, error) {
	if cfg.NumRequestQueues == 0 || cfg.NumRequestQueues > fsMaxRequestQueues {
		return nil, fmt.Errorf("virtio-fs: %d request queues", cfg.NumRequestQueues)
	}
	fs := &FS{
		backend:          cfg.Backend,
		log:              cfg.Logger,
		numRequestQueues: cfg.NumRequestQueues,
		notifyBufSize:    cfg.NotifyBufSize,
		version:          fuse.ABI736,
		bufPool:          sync.Pool{New: func() any { return make([]byte, 0, 64*1024) }},
	}
	if fs.backend == nil {
		fs.backend = emptyBackend{}
	}
	if fs.log == nil {
		fs.log = slog.Default()
	}
	fs.setTag(cfg.Tag)
	return fs, nil
}

func (v *FS) setTag(tag string) {
	if len(tag) > FsCfgTagSize {
		tag = tag[:FsCfgTagSize]
	}
	v.tag = [FsCfgTagSize]byte{}
	copy(v.tag[:], tag)
}

// DeviceID is the virtio device type.
func (v *FS) DeviceID() uint32 { return fsDeviceID }

// Features is the device feature set: VIRTIO_F_VERSION_1 plus
// notifications when a notify buffer size is configured.
func (v *FS) Features() uint64 {
	features := uint64(virtioFeatureVersion1)
	if v.notifyBufSize != 0 {
		features |= FsFeatureNotification
	}
	return features
}

// NumQueues is the queue count for the negotiated features.
func (v *FS) NumQueues(features uint64) int {
	n := 1 + int(v.numRequestQueues)
	if features&FsFeatureNotification != 0 {
		n++
	}
	return n
}

// ConfigSpace returns the device config bytes.
func (v *FS) ConfigSpace() []byte {
	cfg := make([]byte, FsCfgTotalSize)
	copy(cfg, v.tag[:])
	binary.LittleEndian.PutUint32(cfg[fsCfgNumQOffset:], v.numRequestQueues)
	binary.LittleEndian.PutUint32(cfg[fsCfgNotifyOffset:], v.notifyBufSize)
	return cfg
}

func (v *FS) setNotifier(n Notifier) {
	v.mu.Lock()
	v.notifier = n
	v.mu.Unlock()
}

func (v *FS) currentVersion() fuse.Version {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.version
}

// ------------- queue processing -------------

// processQueue drains every available chain. It reports whether anything
// was placed on the used ring.
func (v *FS) processQueue(q *VirtQueue) (bool, error) {
	var processed bool
	for {
		c, ok, err := q.Next()
		if err != nil || !ok {
			return processed, err
		}
		used, err := v.serveChain(q, c)
		if err != nil {
			return processed, err
		}
		if err := q.Complete(c.Head, used); err != nil {
			return processed, err
		}
		processed = true
	}
}

// serveChain answers the request in c's readable segments into its
// writable ones and returns the reply length.
func (v *FS) serveChain(q *VirtQueue, c Chain) (uint32, error) {
	in, out, err := c.Split()
	if err != nil {
		return 0, err
	}
	if len(in) == 0 {
		return 0, fmt.Errorf("virtio-fs: chain %d carries no request", c.Head)
	}

	buf := v.getBuffer(totalLen(in))
	defer v.putBuffer(buf)
	req, err := q.Gather(in, buf)
	if err != nil {
		return 0, err
	}

	resp := v.dispatchFUSE(req, totalLen(out))
	if len(resp) == 0 {
		return 0, nil
	}
	return q.Scatter(out, resp)
}

// -----------------------------
// FUSE dispatcher
// -----------------------------

// dispatchFUSE serves one request and returns the reply message, or nil
// when the opcode takes no reply.
func (v *FS) dispatchFUSE(raw []byte, respCap int) []byte {
	ver := v.currentVersion()
	if len(raw) >= fuse.InHeaderSize+8 && fuse.Opcode(binary.LittleEndian.Uint32(raw[4:8])) == fuse.OpInit {
		// INIT is parsed in the layout the driver chose.
		ver = fuse.Version{Major: fuse.KernelVersion, Minor: binary.LittleEndian.Uint32(raw[fuse.InHeaderSize+4:])}
	}

	req, err := fuse.ParseRequest(ver, raw)
	if err != nil {
		var hdr fuse.InHeader
		if len(raw) < fuse.InHeaderSize || fuse.Unmarshal(ver, raw, &hdr) != nil {
			v.log.Warn("virtio-fs: dropping unparseable request", "len", len(raw), "err", err)
			return nil
		}
		errno := -int32(unix.EIO)
		if errors.Is(err, fuse.ErrUnknownOperation) {
			errno = -int32(unix.ENOSYS)
		}
		v.log.Debug("virtio-fs: bad request", "opcode", hdr.Opcode, "unique", hdr.Unique, "err", err)
		return v.fit(ver, hdr.Unique, fuse.MarshalReply(ver, hdr.Unique, errno, nil, nil), respCap)
	}

	body, data, errno, reply := v.serve(ver, req)
	if !reply {
		return nil
	}
	if req.Op() == fuse.OpInit && errno == 0 {
		out := body.(*fuse.InitOut)
		v.mu.Lock()
		v.version = fuse.Version{Major: out.Major, Minor: out.Minor}
		v.mu.Unlock()
	}
	return v.fit(ver, req.Header.Unique, fuse.MarshalReply(ver, req.Header.Unique, errno, body, data), respCap)
}

// fit replaces a reply that does not fit the writable buffer with ERANGE.
func (v *FS) fit(ver fuse.Version, unique uint64, msg []byte, respCap int) []byte {
	if len(msg) <= respCap {
		return msg
	}
	v.log.Debug("virtio-fs: reply exceeds buffer", "unique", unique, "need", len(msg), "have", respCap)
	if respCap < fuse.OutHeaderSize {
		return nil
	}
	return fuse.MarshalReply(ver, unique, -int32(unix.ERANGE), nil, nil)
}

// serve runs one parsed request against the backend. reply is false for
// opcodes the device must not answer.
func (v *FS) serve(ver fuse.Version, req *fuse.Request) (body fuse.Body, data []byte, errno int32, reply bool) {
	h := &req.Header
	be := v.backend
	reply = true

	entry := func(nodeID uint64, attr fuse.Attr, e int32) (fuse.Body, []byte, int32, bool) {
		if e != 0 {
			return nil, nil, e, true
		}
		return &fuse.EntryOut{NodeID: nodeID, EntryValid: 1, AttrValid: 1, Attr: attr}, nil, 0, true
	}

	switch req.Op() {
	case fuse.OpInit:
		in := req.In.(*fuse.InitIn)
		if in.Major != fuse.KernelVersion {
			return nil, nil, -int32(unix.EPROTO), true
		}
		maxWrite, flags := be.Init(in)
		if maxWrite == 0 {
			maxWrite = fsDefaultMaxWrite
		}
		return &fuse.InitOut{
			Major:               fuse.KernelVersion,
			Minor:               min(in.Minor, fuse.ABI736.Minor),
			MaxReadahead:        in.MaxReadahead,
			Flags:               flags & in.Flags,
			MaxBackground:       16,
			CongestionThreshold: 12,
			MaxWrite:            maxWrite,
			TimeGran:            1,
		}, nil, 0, true

	case fuse.OpDestroy:
		return nil, nil, 0, true

	case fuse.OpForget:
		if f, ok := be.(fsForgetter); ok {
			f.Forget(h.NodeID, req.In.(*fuse.ForgetIn).Nlookup)
		}
		return nil, nil, 0, false

	case fuse.OpBatchForget:
		items, err := req.ForgetItems()
		if err != nil {
			v.log.Warn("virtio-fs: bad batch forget", "err", err)
			return nil, nil, 0, false
		}
		if f, ok := be.(fsForgetter); ok {
			for _, it := range items {
				f.Forget(it.NodeID, it.Nlookup)
			}
		}
		return nil, nil, 0, false

	case fuse.OpInterrupt:
		// Requests are served synchronously, so the target is already done.
		return nil, nil, 0, false

	case fuse.OpLookup:
		return entry(be.Lookup(h.NodeID, req.Name(0)))

	case fuse.OpGetattr:
		attr, e := be.GetAttr(h.NodeID)
		if e != 0 {
			return nil, nil, e, true
		}
		return &fuse.AttrOut{AttrValid: 1, Attr: attr}, nil, 0, true

	case fuse.OpSetattr:
		s, ok := be.(fsSetattrer)
		if !ok {
			return nil, nil, -int32(unix.ENOSYS), true
		}
		attr, e := s.SetAttr(h.NodeID, req.In.(*fuse.SetattrIn), h.UID, h.GID)
		if e != 0 {
			return nil, nil, e, true
		}
		return &fuse.AttrOut{AttrValid: 1, Attr: attr}, nil, 0, true

	case fuse.OpOpen:
		fh, e := be.Open(h.NodeID, req.In.(*fuse.OpenIn).Flags)
		if e != 0 {
			return nil, nil, e, true
		}
		return &fuse.OpenOut{Fh: fh}, nil, 0, true

	case fuse.OpRelease:
		be.Release(h.NodeID, req.In.(*fuse.ReleaseIn).Fh)
		return nil, nil, 0, true

	case fuse.OpRead:
		in := req.In.(*fuse.ReadIn)
		out, e := be.Read(h.NodeID, in.Fh, in.Offset, in.Size)
		if e != 0 {
			return nil, nil, e, true
		}
		if len(out) > int(in.Size) {
			out = out[:in.Size]
		}
		return nil, out, 0, true

	case fuse.OpWrite:
		w, ok := be.(fsWriter)
		if !ok {
			return nil, nil, -int32(unix.EROFS), true
		}
		in := req.In.(*fuse.WriteIn)
		n, e := w.Write(h.NodeID, in.Fh, in.Offset, req.Data)
		if e != 0 {
			return nil, nil, e, true
		}
		return &fuse.WriteOut{Size: n}, nil, 0, true

	case fuse.OpOpendir:
		fh := uint64(0)
		if d, ok := be.(fsDirHandler); ok {
			var e int32
			if fh, e = d.OpenDir(h.NodeID, req.In.(*fuse.OpenIn).Flags); e != 0 {
				return nil, nil, e, true
			}
		}
		return &fuse.OpenOut{Fh: fh}, nil, 0, true

	case fuse.OpReleasedir:
		if d, ok := be.(fsDirHandler); ok {
			d.ReleaseDir(h.NodeID, req.In.(*fuse.ReleaseIn).Fh)
		}
		return nil, nil, 0, true

	case fuse.OpReaddir:
		in := req.In.(*fuse.ReadIn)
		ents, e := be.ReadDir(h.NodeID, in.Fh, in.Offset)
		if e != 0 {
			return nil, nil, e, true
		}
		var buf []byte
		for _, d := range ents {
			if len(buf)+fuse.DirentLen(len(d.Name)) > int(in.Size) {
				// An empty reply means end of directory; refuse instead.
				if len(buf) == 0 {
					return nil, nil, -int32(unix.EINVAL), true
				}
				break
			}
			buf = fuse.AppendDirent(buf, d)
		}
		return nil, buf, 0, true

	case fuse.OpStatfs:
		st, e := be.StatFS(h.NodeID)
		if e != 0 {
			return nil, nil, e, true
		}
		return &st, nil, 0, true

	case fuse.OpCreate:
		c, ok := be.(fsCreator)
		if !ok {
			return nil, nil, -int32(unix.ENOSYS), true
		}
		in := req.In.(*fuse.CreateIn)
		nodeID, fh, attr, e := c.Create(h.NodeID, req.Name(0), in.Mode, in.Flags, in.Umask, h.UID, h.GID)
		if e != 0 {
			return nil, nil, e, true
		}
		return &fuse.CreateOut{
			Entry: fuse.EntryOut{NodeID: nodeID, EntryValid: 1, AttrValid: 1, Attr: attr},
			Open:  fuse.OpenOut{Fh: fh},
		}, nil, 0, true

	case fuse.OpMkdir:
		m, ok := be.(fsMkdirer)
		if !ok {
			return nil, nil, -int32(unix.EROFS), true
		}
		in := req.In.(*fuse.MkdirIn)
		return entry(m.Mkdir(h.NodeID, req.Name(0), in.Mode, in.Umask, h.UID, h.GID))

	case fuse.OpMknod:
		m, ok := be.(fsMknoder)
		if !ok {
			return nil, nil, -int32(unix.EROFS), true
		}
		in := req.In.(*fuse.MknodIn)
		return entry(m.Mknod(h.NodeID, req.Name(0), in.Mode, in.Rdev, in.Umask, h.UID, h.GID))

	case fuse.OpSymlink:
		s, ok := be.(fsSymlinker)
		if !ok {
			return nil, nil, -int32(unix.EROFS), true
		}
		return entry(s.Symlink(h.NodeID, req.Name(0), req.Name(1), h.UID, h.GID))

	case fuse.OpReadlink:
		s, ok := be.(fsSymlinker)
		if !ok {
			return nil, nil, -int32(unix.EINVAL), true
		}
		target, e := s.Readlink(h.NodeID)
		if e != 0 {
			return nil, nil, e, true
		}
		return nil, []byte(target), 0, true

	case fuse.OpLink:
		l, ok := be.(fsLinker)
		if !ok {
			return nil, nil, -int32(unix.EPERM), true
		}
		return entry(l.Link(req.In.(*fuse.LinkIn).OldNodeID, h.NodeID, req.Name(0)))

	case fuse.OpUnlink, fuse.OpRmdir:
		r, ok := be.(fsRemover)
		if !ok {
			return nil, nil, -int32(unix.EROFS), true
		}
		if req.Op() == fuse.OpUnlink {
			return nil, nil, r.Unlink(h.NodeID, req.Name(0)), true
		}
		return nil, nil, r.Rmdir(h.NodeID, req.Name(0)), true

	case fuse.OpRename, fuse.OpRename2:
		r, ok := be.(fsRenamer)
		if !ok {
			return nil, nil, -int32(unix.EROFS), true
		}
		var newDir uint64
		var flags uint32
		if in, ok := req.In.(*fuse.Rename2In); ok {
			newDir, flags = in.NewDir, in.Flags
		} else {
			newDir = req.In.(*fuse.RenameIn).NewDir
		}
		return nil, nil, r.Rename(h.NodeID, req.Name(0), newDir, req.Name(1), flags), true

	case fuse.OpSetxattr, fuse.OpGetxattr, fuse.OpListxattr, fuse.OpRemovexattr:
		return v.serveXattr(req)

	case fuse.OpFlush, fuse.OpFsync, fuse.OpFsyncdir, fuse.OpAccess, fuse.OpSetlk, fuse.OpSetlkw:
		if _, e := be.GetAttr(h.NodeID); e != 0 {
			return nil, nil, e, true
		}
		return nil, nil, 0, true

	case fuse.OpGetlk:
		in := req.In.(*fuse.LkIn)
		lk := in.Lk
		lk.Type = unix.F_UNLCK
		return &fuse.LkOut{Lk: lk}, nil, 0, true

	case fuse.OpFallocate:
		a, ok := be.(fsAllocator)
		if !ok {
			return nil, nil, -int32(unix.EOPNOTSUPP), true
		}
		in := req.In.(*fuse.FallocateIn)
		return nil, nil, a.Fallocate(h.NodeID, in.Fh, in.Offset, in.Length, in.Mode), true

	case fuse.OpLseek:
		s, ok := be.(fsLseeker)
		if !ok {
			return nil, nil, -int32(unix.ENOSYS), true
		}
		in := req.In.(*fuse.LseekIn)
		off, e := s.Lseek(h.NodeID, in.Fh, in.Offset, in.Whence)
		if e != 0 {
			return nil, nil, e, true
		}
		return &fuse.LseekOut{Offset: off}, nil, 0, true

	case fuse.OpPoll:
		in := req.In.(*fuse.PollIn)
		if in.Flags&fuse.PollScheduleNotify != 0 {
			v.wakePoller(in.Kh)
		}
		return &fuse.PollOut{Revents: in.Events & (unix.POLLIN | unix.POLLOUT)}, nil, 0, true

	case fuse.OpIoctl:
		return nil, nil, -int32(unix.ENOTTY), true

	case fuse.OpBmap:
		return nil, nil, -int32(unix.ENOSYS), true
	}
	return nil, nil, -int32(unix.ENOSYS), true
}

func (v *FS) serveXattr(req *fuse.Request) (fuse.Body, []byte, int32, bool) {
	x, ok := v.backend.(fsXattrs)
	if !ok {
		return nil, nil, -int32(unix.EOPNOTSUPP), true
	}
	h := &req.Header
	switch req.Op() {
	case fuse.OpSetxattr:
		in := req.In.(*fuse.SetxattrIn)
		return nil, nil, x.SetXattr(h.NodeID, req.Name(0), req.Data, in.Flags), true
	case fuse.OpRemovexattr:
		return nil, nil, x.RemoveXattr(h.NodeID, req.Name(0)), true
	}

	var val []byte
	var e int32
	if req.Op() == fuse.OpGetxattr {
		val, e = x.GetXattr(h.NodeID, req.Name(0))
	} else {
		val, e = x.ListXattr(h.NodeID)
	}
	if e != 0 {
		return nil, nil, e, true
	}
	size := req.In.(*fuse.GetxattrIn).Size
	if size == 0 {
		return &fuse.GetxattrOut{Size: uint32(len(val))}, nil, 0, true
	}
	if len(val) > int(size) {
		return nil, nil, -int32(unix.ERANGE), true
	}
	return nil, val, 0, true
}

func (v *FS) wakePoller(kh uint64) {
	v.mu.Lock()
	n := v.notifier
	v.mu.Unlock()
	if n == nil {
		return
	}
	// The reply must reach the driver first; queue the wakeup behind it.
	go func() {
		if err := n.PushNotification(&fuse.NotifyPoll{Kh: kh}); err != nil {
			v.log.Debug("virtio-fs: poll wakeup dropped", "kh", kh, "err", err)
		}
	}()
}

// Buffer helpers
func (v *FS) getBuffer(n int) []byte {
	raw := v.bufPool.Get()
	if raw == nil {
		return make([]byte, n)
	}
	b := raw.([]byte)
	if cap(b) < n {
		v.bufPool.Put(b[:0])
		return make([]byte, n)
	}
	return b[:n]
}

func (v *FS) putBuffer(b []byte) {
	if b == nil {
		return
	}
	full := b[:cap(b)]
	clear(full)
	v.bufPool.Put(full[:0])
}
