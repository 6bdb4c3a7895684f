package fuse

import (
	"errors"
	"testing"
)

func TestLayoutSizesMatchStructs(t *testing.T) {
	for _, v := range []Version{ABI736, ABI78} {
		for _, op := range Opcodes(v) {
			l, err := LookupLayout(v, op)
			if err != nil {
				t.Fatalf("%s/%s: %v", v, op, err)
			}
			in := newRequestBody(op)
			got := 0
			if in != nil {
				got = SizeOf(v, in)
			}
			if got != l.InSize {
				t.Errorf("%s/%s: request body is %d bytes, table says %d", v, op, got, l.InSize)
			}

			switch l.Reply {
			case ReplyFixed, ReplyXattr, ReplyFixedData:
				out := newReplyBody(op)
				if out == nil {
					t.Errorf("%s/%s: no reply struct", v, op)
					continue
				}
				if got := SizeOf(v, out); got != l.OutSize {
					t.Errorf("%s/%s: reply body is %d bytes, table says %d", v, op, got, l.OutSize)
				}
			}
		}
	}
}

func TestLayoutTablesAreSeparate(t *testing.T) {
	cases := []struct {
		op       Opcode
		in78     int
		in736    int
		out78    int
		out736   int
		only736  bool
		inCheck  bool
		outCheck bool
	}{
		{op: OpGetattr, in78: 0, in736: 16, out78: 96, out736: 104, inCheck: true, outCheck: true},
		{op: OpLookup, out78: 120, out736: 128, outCheck: true},
		{op: OpRead, in78: 24, in736: 40, inCheck: true},
		{op: OpInit, in78: 16, in736: 64, out78: 24, out736: 64, inCheck: true, outCheck: true},
		{op: OpLseek, only736: true},
		{op: OpBatchForget, only736: true},
	}
	for _, tc := range cases {
		t.Run(tc.op.String(), func(t *testing.T) {
			l736, err := LookupLayout(ABI736, tc.op)
			if err != nil {
				t.Fatalf("7.36: %v", err)
			}
			l78, err := LookupLayout(ABI78, tc.op)
			if tc.only736 {
				if !errors.Is(err, ErrUnknownOperation) {
					t.Fatalf("7.8 lookup error = %v, want ErrUnknownOperation", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("7.8: %v", err)
			}
			if tc.inCheck && (l78.InSize != tc.in78 || l736.InSize != tc.in736) {
				t.Fatalf("in sizes = %d/%d, want %d/%d", l78.InSize, l736.InSize, tc.in78, tc.in736)
			}
			if tc.outCheck && (l78.OutSize != tc.out78 || l736.OutSize != tc.out736) {
				t.Fatalf("out sizes = %d/%d, want %d/%d", l78.OutSize, l736.OutSize, tc.out78, tc.out736)
			}
		})
	}
}

func TestLookupLayoutUnknown(t *testing.T) {
	_, err := LookupLayout(ABI736, Opcode(999))
	if !errors.Is(err, ErrUnknownOperation) {
		t.Fatalf("error = %v, want ErrUnknownOperation", err)
	}
	// Known to the ABI but not driven by this driver.
	if _, err := LookupLayout(ABI736, OpCopyFileRange); !errors.Is(err, ErrUnknownOperation) {
		t.Fatalf("COPY_FILE_RANGE error = %v, want ErrUnknownOperation", err)
	}
}

func TestControlOpcodes(t *testing.T) {
	want := map[Opcode]bool{OpInit: true, OpInterrupt: true, OpForget: true, OpBatchForget: true}
	for _, op := range Opcodes(ABI736) {
		l, _ := LookupLayout(ABI736, op)
		if l.Control != want[op] {
			t.Errorf("%s: control = %v, want %v", op, l.Control, want[op])
		}
	}
}

func TestPadding(t *testing.T) {
	for l := 0; l <= 64; l++ {
		name := PaddedNameLen(l)
		if name%8 != 0 || name < l+1 || name-8 >= l+1 {
			t.Fatalf("PaddedNameLen(%d) = %d", l, name)
		}
		data := PaddedDataLen(l)
		if data%8 != 0 || data < l || (data >= 8 && data-8 >= l) {
			t.Fatalf("PaddedDataLen(%d) = %d", l, data)
		}
		if PadLen(l) != data-l {
			t.Fatalf("PadLen(%d) = %d, want %d", l, PadLen(l), data-l)
		}
	}
}

func TestOpcodeString(t *testing.T) {
	if got := OpLookup.String(); got != "LOOKUP" {
		t.Fatalf("OpLookup.String() = %q", got)
	}
	if got := Opcode(7).String(); got != "OPCODE(7)" {
		t.Fatalf("Opcode(7).String() = %q", got)
	}
}
