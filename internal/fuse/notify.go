package fuse

import "fmt"

// NotifyCode identifies an unsolicited device message. It travels in
// OutHeader.Error with OutHeader.Unique set to zero.
type NotifyCode int32

const (
	NotifyPollCode       NotifyCode = 1
	NotifyInvalInodeCode NotifyCode = 2
	NotifyInvalEntryCode NotifyCode = 3
	NotifyStoreCode      NotifyCode = 4
	NotifyRetrieveCode   NotifyCode = 5
	NotifyDeleteCode     NotifyCode = 6
)

func (c NotifyCode) String() string {
	switch c {
	case NotifyPollCode:
		return "POLL"
	case NotifyInvalInodeCode:
		return "INVAL_INODE"
	case NotifyInvalEntryCode:
		return "INVAL_ENTRY"
	case NotifyStoreCode:
		return "STORE"
	case NotifyRetrieveCode:
		return "RETRIEVE"
	case NotifyDeleteCode:
		return "DELETE"
	}
	return fmt.Sprintf("NOTIFY(%d)", int32(c))
}

// Notification is a decoded device notification.
type Notification interface {
	Body
	Code() NotifyCode
}

// NotifyPoll wakes up a poller registered with PollIn.Kh.
type NotifyPoll struct {
	Kh uint64
}

func (n *NotifyPoll) Code() NotifyCode            { return NotifyPollCode }
func (n *NotifyPoll) encode(w *writer, v Version) { w.u64(n.Kh) }
func (n *NotifyPoll) decode(r *reader, v Version) { n.Kh = r.u64() }

// NotifyInvalInode drops cached data of Ino in [Off, Off+Len). A negative
// Off invalidates attributes only.
type NotifyInvalInode struct {
	Ino uint64
	Off int64
	Len int64
}

func (n *NotifyInvalInode) Code() NotifyCode { return NotifyInvalInodeCode }

func (n *NotifyInvalInode) encode(w *writer, v Version) {
	w.u64(n.Ino)
	w.i64(n.Off)
	w.i64(n.Len)
}

func (n *NotifyInvalInode) decode(r *reader, v Version) {
	n.Ino = r.u64()
	n.Off = r.i64()
	n.Len = r.i64()
}

// NotifyInvalEntry drops the cached dentry Name under Parent.
type NotifyInvalEntry struct {
	Parent uint64
	Flags  uint32
	Name   string
}

func (n *NotifyInvalEntry) Code() NotifyCode { return NotifyInvalEntryCode }

func (n *NotifyInvalEntry) encode(w *writer, v Version) {
	w.u64(n.Parent)
	w.u32(uint32(len(n.Name)))
	w.u32(n.Flags)
	w.bytes([]byte(n.Name))
	w.zero(1)
}

func (n *NotifyInvalEntry) decode(r *reader, v Version) {
	n.Parent = r.u64()
	namelen := r.u32()
	n.Flags = r.u32()
	n.Name = r.cstring(namelen)
}

// NotifyStore pushes Data into the cache of NodeID at Offset.
type NotifyStore struct {
	NodeID uint64
	Offset uint64
	Data   []byte
}

func (n *NotifyStore) Code() NotifyCode { return NotifyStoreCode }

func (n *NotifyStore) encode(w *writer, v Version) {
	w.u64(n.NodeID)
	w.u64(n.Offset)
	w.u32(uint32(len(n.Data)))
	w.u32(0)
	w.bytes(n.Data)
}

func (n *NotifyStore) decode(r *reader, v Version) {
	n.NodeID = r.u64()
	n.Offset = r.u64()
	size := r.u32()
	r.skip(4)
	if b := r.take(int(size)); b != nil {
		n.Data = append([]byte(nil), b...)
	}
}

// NotifyRetrieve asks the driver to send back cached data with
// NOTIFY_REPLY.
type NotifyRetrieve struct {
	NotifyUnique uint64
	NodeID       uint64
	Offset       uint64
	Size         uint32
}

func (n *NotifyRetrieve) Code() NotifyCode { return NotifyRetrieveCode }

func (n *NotifyRetrieve) encode(w *writer, v Version) {
	w.u64(n.NotifyUnique)
	w.u64(n.NodeID)
	w.u64(n.Offset)
	w.u32(n.Size)
	w.u32(0)
}

func (n *NotifyRetrieve) decode(r *reader, v Version) {
	n.NotifyUnique = r.u64()
	n.NodeID = r.u64()
	n.Offset = r.u64()
	n.Size = r.u32()
	r.skip(4)
}

// NotifyDelete reports that Child was removed from Parent as Name.
type NotifyDelete struct {
	Parent uint64
	Child  uint64
	Name   string
}

func (n *NotifyDelete) Code() NotifyCode { return NotifyDeleteCode }

func (n *NotifyDelete) encode(w *writer, v Version) {
	w.u64(n.Parent)
	w.u64(n.Child)
	w.u32(uint32(len(n.Name)))
	w.u32(0)
	w.bytes([]byte(n.Name))
	w.zero(1)
}

func (n *NotifyDelete) decode(r *reader, v Version) {
	n.Parent = r.u64()
	n.Child = r.u64()
	namelen := r.u32()
	r.skip(4)
	n.Name = r.cstring(namelen)
}

// DecodeNotify decodes a message taken off the notification queue. body is
// the payload after hdr.
func DecodeNotify(hdr OutHeader, body []byte) (Notification, error) {
	if hdr.Unique != 0 {
		return nil, protocolFaultf("notification with unique %d", hdr.Unique)
	}
	if int(hdr.Len) < OutHeaderSize || int(hdr.Len)-OutHeaderSize > len(body) {
		return nil, shortBufferf("notification length %d with %d payload bytes", hdr.Len, len(body))
	}
	body = body[:int(hdr.Len)-OutHeaderSize]

	var n Notification
	switch NotifyCode(hdr.Error) {
	case NotifyPollCode:
		n = &NotifyPoll{}
	case NotifyInvalInodeCode:
		n = &NotifyInvalInode{}
	case NotifyInvalEntryCode:
		n = &NotifyInvalEntry{}
	case NotifyStoreCode:
		n = &NotifyStore{}
	case NotifyRetrieveCode:
		n = &NotifyRetrieve{}
	case NotifyDeleteCode:
		n = &NotifyDelete{}
	default:
		return nil, fmt.Errorf("%w: notification %s", ErrUnknownOperation, NotifyCode(hdr.Error))
	}
	if err := Unmarshal(ABI736, body, n); err != nil {
		return nil, err
	}
	return n, nil
}

// MarshalNotify builds a complete notification message, header included.
func MarshalNotify(n Notification) []byte {
	body := Marshal(ABI736, n)
	hdr := OutHeader{Len: uint32(OutHeaderSize + len(body)), Error: int32(n.Code())}
	return append(Marshal(ABI736, &hdr), body...)
}
