package fuse

import (
	"bytes"
	"encoding/binary"
)

// ParseRequest decodes a device-readable image back into a Request. It is
// the device-side mirror of Request.Encode.
func ParseRequest(v Version, b []byte) (*Request, error) {
	var req Request
	if err := Unmarshal(v, b, &req.Header); err != nil {
		return nil, err
	}
	if int(req.Header.Len) < InHeaderSize || int(req.Header.Len) > len(b) {
		return nil, protocolFaultf("request length %d in a %d byte buffer", req.Header.Len, len(b))
	}
	b = b[:req.Header.Len]
	l, err := LookupLayout(v, req.Header.Opcode)
	if err != nil {
		return nil, err
	}
	if len(b) < InHeaderSize+l.InSize {
		return nil, shortBufferf("%s: %d bytes, fixed body needs %d", l.Op, len(b), InHeaderSize+l.InSize)
	}
	if in := newRequestBody(l.Op); in != nil {
		if err := Unmarshal(v, b[InHeaderSize:InHeaderSize+l.InSize], in); err != nil {
			return nil, err
		}
		req.In = in
	}
	tail := b[InHeaderSize+l.InSize:]

	names := 0
	switch l.Tail {
	case TailName, TailNameData:
		names = 1
	case TailTwoNames:
		names = 2
	}
	for range names {
		i := bytes.IndexByte(tail, 0)
		if i < 0 {
			return nil, protocolFaultf("%s: unterminated name", l.Op)
		}
		req.Names = append(req.Names, string(tail[:i]))
		tail = tail[i+1:]
	}

	if l.Tail == TailData || l.Tail == TailNameData {
		n := dataLen(req.In, len(tail))
		if n > len(tail) {
			return nil, shortBufferf("%s: data tail of %d bytes, %d present", l.Op, n, len(tail))
		}
		req.Data = append([]byte(nil), tail[:n]...)
	}
	req.Size = replySize(req.In)
	return &req, nil
}

// dataLen is the raw tail length declared by the fixed body.
func dataLen(in Body, avail int) int {
	switch in := in.(type) {
	case *WriteIn:
		return int(in.Size)
	case *SetxattrIn:
		return int(in.Size)
	case *IoctlIn:
		return int(in.InSize)
	case *BatchForgetIn:
		return int(in.Count) * ForgetOneSize
	}
	return avail
}

func replySize(in Body) uint32 {
	switch in := in.(type) {
	case *ReadIn:
		return in.Size
	case *GetxattrIn:
		return in.Size
	case *IoctlIn:
		return in.OutSize
	}
	return 0
}

// ForgetItems decodes the tail of a BATCH_FORGET request.
func (r *Request) ForgetItems() ([]ForgetOne, error) {
	if len(r.Data)%ForgetOneSize != 0 {
		return nil, protocolFaultf("batch forget tail of %d bytes", len(r.Data))
	}
	items := make([]ForgetOne, 0, len(r.Data)/ForgetOneSize)
	for p := r.Data; len(p) > 0; p = p[ForgetOneSize:] {
		items = append(items, ForgetOne{
			NodeID:  binary.LittleEndian.Uint64(p[0:8]),
			Nlookup: binary.LittleEndian.Uint64(p[8:16]),
		})
	}
	return items, nil
}

// MarshalReply builds a reply message. errno is zero or a negative error
// code; body and data may be nil.
func MarshalReply(v Version, unique uint64, errno int32, body Body, data []byte) []byte {
	w := writer{}
	(&OutHeader{Unique: unique, Error: errno}).encode(&w, v)
	if errno == 0 {
		if body != nil {
			body.encode(&w, v)
		}
		w.bytes(data)
	}
	binary.LittleEndian.PutUint32(w.buf[0:4], uint32(len(w.buf)))
	return w.buf
}
