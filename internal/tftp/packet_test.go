package tftp

import (
	"errors"
	"reflect"
	"testing"
)

func roundTrip(t *testing.T, p Packet) Packet {
	t.Helper()
	wire, err := Encode(p)
	if err != nil {
		t.Fatalf("Encode(%+v): %v", p, err)
	}
	got, err := Decode(wire)
	if err != nil {
		t.Fatalf("Decode(Encode(%+v)): %v", p, err)
	}
	return got
}

func optionsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func TestRoundTrip(t *testing.T) {
	tests := []Packet{
		{Op: OpRRQ, Filename: "boot.img", Mode: "octet", Options: map[string]string{"blksize": "1468"}},
		{Op: OpWRQ, Filename: "upload.bin", Mode: "netascii"},
		{Op: OpDATA, Block: 1, Data: []byte("hello world")},
		{Op: OpDATA, Block: 65535, Data: nil},
		{Op: OpACK, Block: 0},
		{Op: OpACK, Block: 65535},
		{Op: OpERROR, Code: 1, Message: "File not found"},
		{Op: OpOACK, Options: map[string]string{"blksize": "1468", "tsize": "1024"}},
	}

	for _, want := range tests {
		got := roundTrip(t, want)
		if got.Op != want.Op || got.Filename != want.Filename || got.Mode != want.Mode ||
			got.Block != want.Block || got.Code != want.Code || got.Message != want.Message {
			t.Errorf("round trip mismatch: want %+v got %+v", want, got)
		}
		if !optionsEqual(got.Options, want.Options) {
			t.Errorf("round trip option mismatch: want %v got %v", want.Options, got.Options)
		}
		if want.Op == OpDATA && !reflect.DeepEqual(got.Data, want.Data) && !(len(got.Data) == 0 && len(want.Data) == 0) {
			t.Errorf("round trip data mismatch: want %v got %v", want.Data, got.Data)
		}
	}
}

func TestDecodeTooShort(t *testing.T) {
	for _, b := range [][]byte{nil, {0}, {0, 4}, {0, 4, 0}} {
		_, err := Decode(b)
		if !errors.Is(err, ErrTooShort) {
			t.Errorf("Decode(%v): want ErrTooShort, got %v", b, err)
		}
	}
}

func TestDecodeInvalidOpcode(t *testing.T) {
	for _, op := range []uint16{0, 7, 65535} {
		b := []byte{byte(op >> 8), byte(op), 0, 0}
		_, err := Decode(b)
		if !errors.Is(err, ErrInvalidOpcode) {
			t.Errorf("Decode opcode %d: want ErrInvalidOpcode, got %v", op, err)
		}
	}
}

func TestDecodeMissingTerminator(t *testing.T) {
	// RRQ with a filename but no terminating NUL at all.
	b := []byte{0, byte(OpRRQ), 'b', 'o', 'o', 't'}
	_, err := Decode(b)
	if !errors.Is(err, ErrMissingTerminator) {
		t.Errorf("Decode: want ErrMissingTerminator, got %v", err)
	}
}

func TestDecodeMissingModeTerminator(t *testing.T) {
	// Filename is terminated, mode is not.
	b := append([]byte{0, byte(OpRRQ)}, []byte("boot.img\x00octet")...)
	_, err := Decode(b)
	if !errors.Is(err, ErrMissingTerminator) {
		t.Errorf("Decode: want ErrMissingTerminator, got %v", err)
	}
}

func TestDecodeBadEncoding(t *testing.T) {
	b := append([]byte{0, byte(OpRRQ)}, 0xff, 0xfe, 0)
	b = append(b, []byte("octet\x00")...)
	_, err := Decode(b)
	if !errors.Is(err, ErrBadEncoding) {
		t.Errorf("Decode: want ErrBadEncoding, got %v", err)
	}
}

func TestDecodeOptions(t *testing.T) {
	raw := "\x00\x01test\x00octet\x00blksize\x001024\x00tsize\x000\x00windowsize\x0016\x00"
	p, err := Decode([]byte(raw))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	want := map[string]string{"blksize": "1024", "tsize": "0", "windowsize": "16"}
	if !optionsEqual(p.Options, want) {
		t.Errorf("options: want %v got %v", want, p.Options)
	}
}

func TestOpcodeString(t *testing.T) {
	cases := map[Opcode]string{OpRRQ: "RRQ", OpACK: "ACK", OpOACK: "OACK"}
	for op, want := range cases {
		if got := op.String(); got != want {
			t.Errorf("Opcode(%d).String() = %q, want %q", op, got, want)
		}
	}
}
