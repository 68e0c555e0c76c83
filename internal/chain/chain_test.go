package chain

import (
	"bytes"
	"testing"
)

func TestNameRoundTrip(t *testing.T) {
	names := []string{"eosio", "eosio.token", "alice", "transfer", "onblock", "a", "zzzzzzzzzzzzj"}
	for _, s := range names {
		n := StringToName(s)
		if got := n.String(); got != s {
			t.Errorf("name %q round-tripped to %q", s, got)
		}
	}
}

func TestNameTrailingDots(t *testing.T) {
	if got := StringToName("eosio.").String(); got != "eosio" {
		t.Errorf("trailing dot name = %q, want %q", got, "eosio")
	}
}

func TestChecksumHex(t *testing.T) {
	hexID := "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	c, err := Checksum256FromHex(hexID)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c.String() != hexID {
		t.Errorf("round trip = %q", c.String())
	}
	if c.IsZero() {
		t.Error("nonzero checksum reported zero")
	}
	if _, err := Checksum256FromHex("abcd"); err == nil {
		t.Error("short checksum accepted")
	}
}

func TestEncoderDecoderRoundTrip(t *testing.T) {
	e := NewEncoder()
	e.WriteUint8(7)
	e.WriteUint16(0xbeef)
	e.WriteUint32(0xdeadbeef)
	e.WriteUint64(0x0102030405060708)
	e.WriteInt64(-42)
	e.WriteBool(true)
	e.WriteVarUint32(0)
	e.WriteVarUint32(127)
	e.WriteVarUint32(128)
	e.WriteVarUint32(0xffffffff)
	e.WriteBytes([]byte("hello"))
	e.WriteName(StringToName("eosio"))
	var c Checksum256
	c[0], c[31] = 0xaa, 0xbb
	e.WriteChecksum256(c)

	d := NewDecoder(e.Bytes())
	if got := d.ReadUint8(); got != 7 {
		t.Errorf("uint8 = %d", got)
	}
	if got := d.ReadUint16(); got != 0xbeef {
		t.Errorf("uint16 = %x", got)
	}
	if got := d.ReadUint32(); got != 0xdeadbeef {
		t.Errorf("uint32 = %x", got)
	}
	if got := d.ReadUint64(); got != 0x0102030405060708 {
		t.Errorf("uint64 = %x", got)
	}
	if got := d.ReadInt64(); got != -42 {
		t.Errorf("int64 = %d", got)
	}
	if !d.ReadBool() {
		t.Error("bool = false")
	}
	for _, want := range []uint32{0, 127, 128, 0xffffffff} {
		if got := d.ReadVarUint32(); got != want {
			t.Errorf("varuint = %d, want %d", got, want)
		}
	}
	if got := d.ReadBytes(); !bytes.Equal(got, []byte("hello")) {
		t.Errorf("bytes = %q", got)
	}
	if got := d.ReadName(); got != StringToName("eosio") {
		t.Errorf("name = %v", got)
	}
	if got := d.ReadChecksum256(); got != c {
		t.Errorf("checksum mismatch")
	}
	if d.Err() != nil {
		t.Errorf("err = %v", d.Err())
	}
	if d.Remaining() != 0 {
		t.Errorf("remaining = %d", d.Remaining())
	}
}

func TestDecoderTruncation(t *testing.T) {
	d := NewDecoder([]byte{1, 2})
	d.ReadUint32()
	if d.Err() == nil {
		t.Error("short uint32 read did not error")
	}

	d = NewDecoder([]byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x01})
	d.ReadVarUint32()
	if d.Err() == nil {
		t.Error("overlong varint did not error")
	}

	// Declared length past the end of input.
	d = NewDecoder([]byte{10, 1, 2})
	if b := d.ReadBytes(); b != nil {
		t.Errorf("truncated bytes = %v, want nil", b)
	}
	if d.Err() == nil {
		t.Error("truncated bytes read did not error")
	}
}
