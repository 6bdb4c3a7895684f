package fuse

// IoctlReply is the result of IOCTL: the fixed reply and the output bytes
// that followed it.
type IoctlReply struct {
	Out  IoctlOut
	Data []byte
}

// Decode turns a reply to req into its typed result. body is the payload
// that followed hdr and must be exactly hdr.Len-OutHeaderSize bytes.
//
// The result is nil for header-only replies, a pointer to the fixed reply
// struct (*EntryOut, *AttrOut, ...), []byte for data replies, []Dirent for
// READDIR and *IoctlReply for IOCTL. A nonzero hdr.Error yields a
// *DeviceError.
func Decode(v Version, req *Request, hdr OutHeader, body []byte) (any, error) {
	op := req.Op()
	l, err := LookupLayout(v, op)
	if err != nil {
		return nil, err
	}
	if int(hdr.Len) < OutHeaderSize || int(hdr.Len)-OutHeaderSize != len(body) {
		return nil, protocolFaultf("%s: header length %d with %d payload bytes", op, hdr.Len, len(body))
	}
	if hdr.Error != 0 {
		if len(body) != 0 {
			return nil, protocolFaultf("%s: error reply %d carries %d payload bytes", op, hdr.Error, len(body))
		}
		return nil, &DeviceError{Op: op, Code: hdr.Error}
	}

	switch l.Reply {
	case ReplyNone, ReplyEmpty, ReplyOptional:
		return nil, nil
	case ReplyFixed:
		return decodeFixed(v, op, body)
	case ReplyData:
		if len(body) > int(req.Size) {
			return nil, protocolFaultf("%s: %d bytes returned for %d requested", op, len(body), req.Size)
		}
		return append([]byte(nil), body...), nil
	case ReplyDirents:
		if len(body) > int(req.Size) {
			return nil, protocolFaultf("%s: %d bytes returned for %d requested", op, len(body), req.Size)
		}
		ents, err := ReadDirents(body)
		if err != nil {
			return nil, err
		}
		return ents, nil
	case ReplyXattr:
		if req.Size == 0 {
			return decodeFixed(v, op, body)
		}
		if len(body) > int(req.Size) {
			return nil, protocolFaultf("%s: %d bytes returned for %d requested", op, len(body), req.Size)
		}
		return append([]byte(nil), body...), nil
	case ReplyFixedData:
		var out IoctlOut
		if err := Unmarshal(v, body, &out); err != nil {
			return nil, err
		}
		data := body[l.OutSize:]
		if len(data) > int(req.Size) {
			return nil, protocolFaultf("%s: %d bytes returned for %d requested", op, len(data), req.Size)
		}
		return &IoctlReply{Out: out, Data: append([]byte(nil), data...)}, nil
	}
	return nil, protocolFaultf("%s: no decoder for reply kind %d", op, l.Reply)
}

func decodeFixed(v Version, op Opcode, body []byte) (Body, error) {
	out := newReplyBody(op)
	if out == nil {
		return nil, protocolFaultf("%s: no fixed reply type", op)
	}
	if err := Unmarshal(v, body, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ParseXattrList splits a LISTXATTR payload into names.
func ParseXattrList(b []byte) ([]string, error) {
	var names []string
	for len(b) > 0 {
		i := 0
		for i < len(b) && b[i] != 0 {
			i++
		}
		if i == len(b) {
			return nil, protocolFaultf("xattr list: unterminated name")
		}
		if i == 0 {
			return nil, protocolFaultf("xattr list: empty name")
		}
		names = append(names, string(b[:i]))
		b = b[i+1:]
	}
	return names, nil
}
