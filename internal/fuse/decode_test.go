package fuse

import (
	"bytes"
	"errors"
	"testing"

	"golang.org/x/sys/unix"
)

func replyParts(t *testing.T, msg []byte) (OutHeader, []byte) {
	t.Helper()
	hdr, err := DecodeOutHeader(msg)
	if err != nil {
		t.Fatal(err)
	}
	return hdr, msg[OutHeaderSize:hdr.Len]
}

func TestDecodeEntryFrom176ByteReply(t *testing.T) {
	want := EntryOut{
		NodeID:     0x0102030405060708,
		Generation: 3,
		EntryValid: 1,
		AttrValid:  1,
		Attr:       Attr{Ino: 0x0102030405060708, Mode: unix.S_IFREG | 0o644, Nlink: 1, Size: 12, Blksize: 4096},
	}
	// A newer daemon sends a 160 byte entry; the fields this ABI knows come
	// first and the rest is ignored.
	body := append(Marshal(ABI736, &want), make([]byte, 160-128)...)
	for i := 128; i < len(body); i++ {
		body[i] = 0xAA
	}
	msg := append(Marshal(ABI736, &OutHeader{Len: 176, Unique: 2}), body...)
	if len(msg) != 176 {
		t.Fatalf("fixture is %d bytes", len(msg))
	}

	req := NewLookupRequest(RootID, "testf01")
	hdr, payload := replyParts(t, msg)
	res, err := Decode(ABI736, req, hdr, payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	got, ok := res.(*EntryOut)
	if !ok {
		t.Fatalf("result type %T", res)
	}
	if *got != want {
		t.Fatalf("entry = %+v, want %+v", *got, want)
	}
}

func TestDecodeDeviceError(t *testing.T) {
	req := NewLookupRequest(RootID, "missing")
	_, err := Decode(ABI736, req, OutHeader{Len: OutHeaderSize, Error: -2, Unique: 2}, nil)

	var de *DeviceError
	if !errors.As(err, &de) {
		t.Fatalf("error = %v, want *DeviceError", err)
	}
	if de.Code != -2 || de.Op != OpLookup {
		t.Fatalf("device error = %+v", de)
	}
	if !errors.Is(err, unix.ENOENT) {
		t.Fatalf("error %v does not match ENOENT", err)
	}
	if errors.Is(err, ErrProtocolFault) {
		t.Fatalf("device error classified as protocol fault")
	}
}

func TestDecodeFaults(t *testing.T) {
	lookup := NewLookupRequest(RootID, "x")
	cases := []struct {
		name  string
		req   *Request
		hdr   OutHeader
		body  []byte
		short bool
	}{
		{"truncated entry", lookup, OutHeader{Len: 16 + 40}, make([]byte, 40), true},
		{"length disagrees with payload", lookup, OutHeader{Len: 16 + 128}, make([]byte, 64), false},
		{"error with payload", lookup, OutHeader{Len: 24, Error: -5}, make([]byte, 8), false},
		{"read past request", NewReadRequest(2, 1, 0, 4), OutHeader{Len: 16 + 8}, make([]byte, 8), false},
		{"header shorter than itself", lookup, OutHeader{Len: 8}, nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(ABI736, tc.req, tc.hdr, tc.body)
			if !errors.Is(err, ErrProtocolFault) {
				t.Fatalf("error = %v, want ErrProtocolFault", err)
			}
			if tc.short && !errors.Is(err, ErrBufferTooShort) {
				t.Fatalf("error = %v, want ErrBufferTooShort", err)
			}
		})
	}
}

func TestDecodeReadUsesHeaderLength(t *testing.T) {
	req := NewReadRequest(2, 1, 0, 1024)
	msg := MarshalReply(ABI736, 4, 0, nil, []byte("abc"))
	hdr, body := replyParts(t, msg)
	res, err := Decode(ABI736, req, hdr, body)
	if err != nil {
		t.Fatal(err)
	}
	if got := res.([]byte); !bytes.Equal(got, []byte("abc")) {
		t.Fatalf("data = %q", got)
	}
}

func TestDecodeEmptyReply(t *testing.T) {
	res, err := Decode(ABI736, NewUnlinkRequest(1, "x"), OutHeader{Len: 16}, nil)
	if err != nil || res != nil {
		t.Fatalf("Decode = %v, %v", res, err)
	}
}

func TestDecodeXattr(t *testing.T) {
	sizeReq := NewGetxattrRequest(2, "user.k", 0)
	hdr, body := replyParts(t, MarshalReply(ABI736, 6, 0, &GetxattrOut{Size: 5}, nil))
	res, err := Decode(ABI736, sizeReq, hdr, body)
	if err != nil {
		t.Fatal(err)
	}
	if got := res.(*GetxattrOut).Size; got != 5 {
		t.Fatalf("size = %d", got)
	}

	listReq := NewListxattrRequest(2, 64)
	hdr, body = replyParts(t, MarshalReply(ABI736, 8, 0, nil, []byte("user.a\x00user.bb\x00")))
	res, err = Decode(ABI736, listReq, hdr, body)
	if err != nil {
		t.Fatal(err)
	}
	names, err := ParseXattrList(res.([]byte))
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 || names[0] != "user.a" || names[1] != "user.bb" {
		t.Fatalf("names = %q", names)
	}
	if _, err := ParseXattrList([]byte("user.a")); !errors.Is(err, ErrProtocolFault) {
		t.Fatalf("unterminated list error = %v", err)
	}
}

func TestDecodeInitCompatReply(t *testing.T) {
	out := InitOut{Major: 7, Minor: 22, MaxWrite: 65536, MaxReadahead: 4096}
	compat := Marshal(ABI736, &out)[:initOutCompatSize]
	res, err := Decode(ABI736, NewInitRequest(InitIn{Major: 7, Minor: 36}), OutHeader{Len: 16 + 24}, compat)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	got := res.(*InitOut)
	if got.Minor != 22 || got.MaxWrite != 65536 || got.MaxPages != 0 {
		t.Fatalf("init out = %+v", got)
	}
}

func TestDecodeIoctl(t *testing.T) {
	req := NewIoctlRequest(2, IoctlIn{Cmd: 0x5401, OutSize: 16}, []byte{1, 2})
	msg := MarshalReply(ABI736, 10, 0, &IoctlOut{Result: 7}, []byte("out"))
	hdr, body := replyParts(t, msg)
	res, err := Decode(ABI736, req, hdr, body)
	if err != nil {
		t.Fatal(err)
	}
	rep := res.(*IoctlReply)
	if rep.Out.Result != 7 || string(rep.Data) != "out" {
		t.Fatalf("ioctl reply = %+v", rep)
	}
}

func TestDecodeLegacyAttr(t *testing.T) {
	want := AttrOut{AttrValid: 1, Attr: Attr{Ino: 5, Mode: unix.S_IFDIR | 0o755, Blksize: 4096}}
	body := Marshal(ABI78, &want)
	if len(body) != 96 {
		t.Fatalf("7.8 attr out is %d bytes", len(body))
	}
	res, err := Decode(ABI78, NewGetattrRequest(5, nil), OutHeader{Len: uint32(16 + len(body))}, body)
	if err != nil {
		t.Fatal(err)
	}
	got := res.(*AttrOut)
	if got.Attr.Ino != 5 || got.Attr.Blksize != 0 {
		t.Fatalf("attr = %+v", got.Attr)
	}
}
