package virtiofs

import (
	"context"
	"fmt"

	"github.com/tinyrange/virtiofs/internal/fuse"
)

// as converts a decoded reply to the type its operation returns.
func as[T any](v any, err error) (T, error) {
	var zero T
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, protocolFault("reply decoded as %T, want %T", v, zero)
	}
	return t, nil
}

func (d *Driver) empty(ctx context.Context, req *fuse.Request) error {
	_, err := d.roundTrip(ctx, req)
	return err
}

// Init negotiates the protocol version. Until it succeeds requests use the
// 7.36 layouts.
func (d *Driver) Init(ctx context.Context) (*fuse.InitOut, error) {
	offer := fuse.Version{Major: fuse.KernelVersion, Minor: d.cfg.MaxMinor}
	req := fuse.NewInitRequest(fuse.InitIn{
		Major:        offer.Major,
		Minor:        offer.Minor,
		MaxReadahead: d.cfg.MaxReadahead,
		Flags:        d.cfg.InitFlags,
	})
	out, err := as[*fuse.InitOut](d.roundTripAt(ctx, req, offer))
	if err != nil {
		return nil, fmt.Errorf("virtio-fs: init: %w", err)
	}
	if out.Major != fuse.KernelVersion {
		return nil, protocolFault("init: device speaks %d.%d", out.Major, out.Minor)
	}
	minor := min(offer.Minor, out.Minor)
	if minor < fuse.ABI78.Minor {
		return nil, protocolFault("init: device minor %d is older than %d", out.Minor, fuse.ABI78.Minor)
	}

	d.mu.Lock()
	d.version = fuse.Version{Major: fuse.KernelVersion, Minor: minor}
	d.maxWrite = out.MaxWrite
	v := d.version
	d.mu.Unlock()

	d.log.Info("virtio-fs: session initialised", "tag", d.devcfg.Tag, "version", v.String(), "max_write", out.MaxWrite, "flags", fmt.Sprintf("%#x", out.Flags))
	return out, nil
}

func (d *Driver) Destroy(ctx context.Context) error {
	return d.empty(ctx, fuse.NewDestroyRequest())
}

func (d *Driver) Lookup(ctx context.Context, parent uint64, name string) (*fuse.EntryOut, error) {
	return as[*fuse.EntryOut](d.roundTrip(ctx, fuse.NewLookupRequest(parent, name)))
}

// Forget drops nlookup references to nodeID. The device sends no reply;
// the call finishes when it gives the buffer back.
func (d *Driver) Forget(ctx context.Context, nodeID, nlookup uint64) error {
	return d.empty(ctx, fuse.NewForgetRequest(nodeID, nlookup))
}

func (d *Driver) BatchForget(ctx context.Context, items []fuse.ForgetOne) error {
	if len(items) == 0 {
		return nil
	}
	return d.empty(ctx, fuse.NewBatchForgetRequest(items))
}

// Getattr fetches attributes, through an open handle when fh is set.
func (d *Driver) Getattr(ctx context.Context, nodeID uint64, fh *uint64) (*fuse.AttrOut, error) {
	return as[*fuse.AttrOut](d.roundTrip(ctx, fuse.NewGetattrRequest(nodeID, fh)))
}

func (d *Driver) Setattr(ctx context.Context, nodeID uint64, in fuse.SetattrIn) (*fuse.AttrOut, error) {
	return as[*fuse.AttrOut](d.roundTrip(ctx, fuse.NewSetattrRequest(nodeID, in)))
}

func (d *Driver) Readlink(ctx context.Context, nodeID uint64) (string, error) {
	b, err := as[[]byte](d.roundTrip(ctx, fuse.NewReadlinkRequest(nodeID, fuse.PathMax)))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (d *Driver) Symlink(ctx context.Context, parent uint64, name, target string) (*fuse.EntryOut, error) {
	return as[*fuse.EntryOut](d.roundTrip(ctx, fuse.NewSymlinkRequest(parent, name, target)))
}

func (d *Driver) Mknod(ctx context.Context, parent uint64, name string, mode, rdev, umask uint32) (*fuse.EntryOut, error) {
	return as[*fuse.EntryOut](d.roundTrip(ctx, fuse.NewMknodRequest(parent, name, mode, rdev, umask)))
}

func (d *Driver) Mkdir(ctx context.Context, parent uint64, name string, mode, umask uint32) (*fuse.EntryOut, error) {
	return as[*fuse.EntryOut](d.roundTrip(ctx, fuse.NewMkdirRequest(parent, name, mode, umask)))
}

func (d *Driver) Unlink(ctx context.Context, parent uint64, name string) error {
	return d.empty(ctx, fuse.NewUnlinkRequest(parent, name))
}

func (d *Driver) Rmdir(ctx context.Context, parent uint64, name string) error {
	return d.empty(ctx, fuse.NewRmdirRequest(parent, name))
}

func (d *Driver) Rename(ctx context.Context, parent uint64, name string, newParent uint64, newName string) error {
	return d.empty(ctx, fuse.NewRenameRequest(parent, name, newParent, newName))
}

// Rename2 is Rename with RENAME_NOREPLACE / RENAME_EXCHANGE flags.
func (d *Driver) Rename2(ctx context.Context, parent uint64, name string, newParent uint64, newName string, flags uint32) error {
	return d.empty(ctx, fuse.NewRename2Request(parent, name, newParent, newName, flags))
}

func (d *Driver) Link(ctx context.Context, oldNodeID, newParent uint64, newName string) (*fuse.EntryOut, error) {
	return as[*fuse.EntryOut](d.roundTrip(ctx, fuse.NewLinkRequest(oldNodeID, newParent, newName)))
}

func (d *Driver) Open(ctx context.Context, nodeID uint64, flags uint32) (*fuse.OpenOut, error) {
	return as[*fuse.OpenOut](d.roundTrip(ctx, fuse.NewOpenRequest(nodeID, flags)))
}

func (d *Driver) Opendir(ctx context.Context, nodeID uint64, flags uint32) (*fuse.OpenOut, error) {
	return as[*fuse.OpenOut](d.roundTrip(ctx, fuse.NewOpendirRequest(nodeID, flags)))
}

func (d *Driver) Create(ctx context.Context, parent uint64, name string, flags, mode, umask uint32) (*fuse.CreateOut, error) {
	return as[*fuse.CreateOut](d.roundTrip(ctx, fuse.NewCreateRequest(parent, name, flags, mode, umask)))
}

// Read returns up to size bytes; a short result means end of file.
func (d *Driver) Read(ctx context.Context, nodeID, fh, offset uint64, size uint32) ([]byte, error) {
	return as[[]byte](d.roundTrip(ctx, fuse.NewReadRequest(nodeID, fh, offset, size)))
}

// Write sends data in one request and returns the count the device took.
// data larger than the negotiated max_write is refused.
func (d *Driver) Write(ctx context.Context, nodeID, fh, offset uint64, data []byte) (uint32, error) {
	d.mu.Lock()
	maxWrite := d.maxWrite
	d.mu.Unlock()
	if maxWrite != 0 && len(data) > int(maxWrite) {
		return 0, fmt.Errorf("%w: write of %d bytes exceeds max_write %d", ErrEncoding, len(data), maxWrite)
	}
	out, err := as[*fuse.WriteOut](d.roundTrip(ctx, fuse.NewWriteRequest(nodeID, fh, offset, data)))
	if err != nil {
		return 0, err
	}
	if int(out.Size) > len(data) {
		return 0, protocolFault("write: device took %d of %d bytes", out.Size, len(data))
	}
	return out.Size, nil
}

// Readdir returns the entries after cookie offset that fit in size bytes.
// An empty result is the end of the directory.
func (d *Driver) Readdir(ctx context.Context, nodeID, fh, offset uint64, size uint32) ([]fuse.Dirent, error) {
	return as[[]fuse.Dirent](d.roundTrip(ctx, fuse.NewReaddirRequest(nodeID, fh, offset, size)))
}

func (d *Driver) Release(ctx context.Context, nodeID, fh uint64, flags uint32) error {
	return d.empty(ctx, fuse.NewReleaseRequest(nodeID, fh, flags))
}

func (d *Driver) Releasedir(ctx context.Context, nodeID, fh uint64) error {
	return d.empty(ctx, fuse.NewReleasedirRequest(nodeID, fh))
}

func (d *Driver) Statfs(ctx context.Context, nodeID uint64) (*fuse.StatfsOut, error) {
	return as[*fuse.StatfsOut](d.roundTrip(ctx, fuse.NewStatfsRequest(nodeID)))
}

func (d *Driver) Access(ctx context.Context, nodeID uint64, mask uint32) error {
	return d.empty(ctx, fuse.NewAccessRequest(nodeID, mask))
}

func (d *Driver) Flush(ctx context.Context, nodeID, fh, lockOwner uint64) error {
	return d.empty(ctx, fuse.NewFlushRequest(nodeID, fh, lockOwner))
}

func (d *Driver) Fsync(ctx context.Context, nodeID, fh uint64, datasync bool) error {
	return d.empty(ctx, fuse.NewFsyncRequest(nodeID, fh, datasync))
}

func (d *Driver) Fsyncdir(ctx context.Context, nodeID, fh uint64, datasync bool) error {
	return d.empty(ctx, fuse.NewFsyncdirRequest(nodeID, fh, datasync))
}

func (d *Driver) Setxattr(ctx context.Context, nodeID uint64, name string, value []byte, flags uint32) error {
	return d.empty(ctx, fuse.NewSetxattrRequest(nodeID, name, value, flags))
}

// GetxattrSize returns the length of the value of name.
func (d *Driver) GetxattrSize(ctx context.Context, nodeID uint64, name string) (uint32, error) {
	out, err := as[*fuse.GetxattrOut](d.roundTrip(ctx, fuse.NewGetxattrRequest(nodeID, name, 0)))
	if err != nil {
		return 0, err
	}
	return out.Size, nil
}

// Getxattr returns the value of name. A value longer than size fails with
// ERANGE from the device.
func (d *Driver) Getxattr(ctx context.Context, nodeID uint64, name string, size uint32) ([]byte, error) {
	if size == 0 {
		return nil, fmt.Errorf("%w: getxattr with a zero size buffer", ErrEncoding)
	}
	return as[[]byte](d.roundTrip(ctx, fuse.NewGetxattrRequest(nodeID, name, size)))
}

// ListxattrSize returns the length of the attribute name list.
func (d *Driver) ListxattrSize(ctx context.Context, nodeID uint64) (uint32, error) {
	out, err := as[*fuse.GetxattrOut](d.roundTrip(ctx, fuse.NewListxattrRequest(nodeID, 0)))
	if err != nil {
		return 0, err
	}
	return out.Size, nil
}

func (d *Driver) Listxattr(ctx context.Context, nodeID uint64, size uint32) ([]string, error) {
	if size == 0 {
		return nil, fmt.Errorf("%w: listxattr with a zero size buffer", ErrEncoding)
	}
	b, err := as[[]byte](d.roundTrip(ctx, fuse.NewListxattrRequest(nodeID, size)))
	if err != nil {
		return nil, err
	}
	return fuse.ParseXattrList(b)
}

func (d *Driver) Removexattr(ctx context.Context, nodeID uint64, name string) error {
	return d.empty(ctx, fuse.NewRemovexattrRequest(nodeID, name))
}

func (d *Driver) Ioctl(ctx context.Context, nodeID uint64, in fuse.IoctlIn, input []byte) (*fuse.IoctlReply, error) {
	return as[*fuse.IoctlReply](d.roundTrip(ctx, fuse.NewIoctlRequest(nodeID, in, input)))
}

// Poll returns the ready events.
func (d *Driver) Poll(ctx context.Context, nodeID uint64, in fuse.PollIn) (uint32, error) {
	out, err := as[*fuse.PollOut](d.roundTrip(ctx, fuse.NewPollRequest(nodeID, in)))
	if err != nil {
		return 0, err
	}
	return out.Revents, nil
}

func (d *Driver) Bmap(ctx context.Context, nodeID, block uint64, blocksize uint32) (uint64, error) {
	out, err := as[*fuse.BmapOut](d.roundTrip(ctx, fuse.NewBmapRequest(nodeID, block, blocksize)))
	if err != nil {
		return 0, err
	}
	return out.Block, nil
}

func (d *Driver) Lseek(ctx context.Context, nodeID, fh, offset uint64, whence uint32) (uint64, error) {
	out, err := as[*fuse.LseekOut](d.roundTrip(ctx, fuse.NewLseekRequest(nodeID, fh, offset, whence)))
	if err != nil {
		return 0, err
	}
	return out.Offset, nil
}

func (d *Driver) Getlk(ctx context.Context, nodeID uint64, in fuse.LkIn) (fuse.FileLock, error) {
	out, err := as[*fuse.LkOut](d.roundTrip(ctx, fuse.NewGetlkRequest(nodeID, in)))
	if err != nil {
		return fuse.FileLock{}, err
	}
	return out.Lk, nil
}

func (d *Driver) Setlk(ctx context.Context, nodeID uint64, in fuse.LkIn) error {
	return d.empty(ctx, fuse.NewSetlkRequest(nodeID, in))
}

// Setlkw is Setlk that waits on the device for a conflicting lock.
func (d *Driver) Setlkw(ctx context.Context, nodeID uint64, in fuse.LkIn) error {
	return d.empty(ctx, fuse.NewSetlkwRequest(nodeID, in))
}

func (d *Driver) Fallocate(ctx context.Context, nodeID uint64, in fuse.FallocateIn) error {
	return d.empty(ctx, fuse.NewFallocateRequest(nodeID, in))
}

// Interrupt asks the device to abandon the request with unique target.
// The device may give the buffer back without a reply.
func (d *Driver) Interrupt(ctx context.Context, target uint64) error {
	return d.empty(ctx, fuse.NewInterruptRequest(target))
}
