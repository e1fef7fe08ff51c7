package esm

import (
	"bytes"
	"testing"

	"github.com/slfx77/fallout-xbox-360-utils/binprim"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{
		Signature: "WEAP",
		DataSize:  0x1234,
		Flags:     CompressedFlag,
		FormID:    0x00010001,
		Timestamp: 42,
		VCS1:      1,
		VCS2:      2,
	}

	for _, bigEndian := range []bool{false, true} {
		buf := h.Encode(bigEndian)
		if len(buf) != HeaderSize {
			t.Fatalf("encoded %d bytes, want %d", len(buf), HeaderSize)
		}
		got, err := DecodeHeader(buf, 0, bigEndian)
		if err != nil {
			t.Fatal(err)
		}
		if got != h {
			t.Fatalf("bigEndian=%v: got %+v, want %+v", bigEndian, got, h)
		}
		if !got.Compressed() {
			t.Fatal("compressed flag lost")
		}
	}
}

func TestHeaderSignatureReversedWhenBigEndian(t *testing.T) {
	h := Header{Signature: "WEAP"}
	le := h.Encode(false)
	be := h.Encode(true)
	if string(le[0:4]) != "WEAP" {
		t.Fatalf("little-endian signature bytes %q", le[0:4])
	}
	if string(be[0:4]) != "PAEW" {
		t.Fatalf("big-endian signature bytes %q", be[0:4])
	}
}

func TestGroupHeaderRoundTrip(t *testing.T) {
	for _, bigEndian := range []bool{false, true} {
		gh := GroupHeader{
			Size:      0x5000,
			Label:     LabelFromFormID(0x00C0FFEE, bigEndian),
			Type:      9,
			Timestamp: 7,
		}
		buf := gh.Encode(bigEndian)

		sig, err := binprim.ReadSignature(buf, 0, bigEndian)
		if err != nil || sig != GroupMagic {
			t.Fatalf("bigEndian=%v: signature %q err %v", bigEndian, sig, err)
		}
		got, err := DecodeGroupHeader(buf, 0, bigEndian)
		if err != nil {
			t.Fatal(err)
		}
		if got.Size != gh.Size || got.Type != gh.Type || got.Timestamp != gh.Timestamp {
			t.Fatalf("got %+v, want %+v", got, gh)
		}
		if id := got.LabelFormID(bigEndian); id != 0x00C0FFEE {
			t.Fatalf("label form id %#x", id)
		}
	}
}

func TestGroupLabelString(t *testing.T) {
	le := GroupHeader{Label: LabelFromRecordType("CELL", false)}
	if got := le.LabelString(false); got != "CELL" {
		t.Fatalf("got %q", got)
	}
	be := GroupHeader{Label: LabelFromRecordType("CELL", true)}
	if string(be.Label[:]) != "LLEC" {
		t.Fatalf("raw big-endian label %q", be.Label)
	}
	if got := be.LabelString(true); got != "CELL" {
		t.Fatalf("got %q", got)
	}
}

func TestIterateSubrecordsExtendedLength(t *testing.T) {
	// An XXXX subrecord carrying length 7 for the following subrecord,
	// whose own 16-bit length field (deliberately wrong) is ignored.
	var buf bytes.Buffer
	buf.Write(SubrecordHeader{Signature: "XXXX", Length: 4}.Encode(false))
	lenBuf := make([]byte, 4)
	_ = binprim.PutU32(lenBuf, 0, 7, false)
	buf.Write(lenBuf)
	buf.Write(SubrecordHeader{Signature: "DATA", Length: 9999}.Encode(false))
	buf.WriteString("payload")
	buf.Write(SubrecordHeader{Signature: "EDID", Length: 3}.Encode(false))
	buf.WriteString("abc")

	var got []Subrecord
	err := IterateSubrecords(buf.Bytes(), false, func(sr Subrecord) error {
		got = append(got, sr)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d subrecords, want 2", len(got))
	}
	if got[0].Signature != "DATA" || string(got[0].Body) != "payload" {
		t.Fatalf("got %q %q", got[0].Signature, got[0].Body)
	}
	if got[1].Signature != "EDID" || string(got[1].Body) != "abc" {
		t.Fatalf("got %q %q", got[1].Signature, got[1].Body)
	}
}

func TestIterateSubrecordsTruncatedBody(t *testing.T) {
	buf := SubrecordHeader{Signature: "DATA", Length: 100}.Encode(false)
	buf = append(buf, "short"...)
	err := IterateSubrecords(buf, false, func(Subrecord) error { return nil })
	if err != ErrOutOfRange {
		t.Fatalf("got %v, want ErrOutOfRange", err)
	}
}

func TestIsValidToken(t *testing.T) {
	cases := []struct {
		sig  string
		want bool
	}{
		{"GRUP", true},
		{"WEAP", true},
		{"TES4", true},
		{"NPC_", true},
		{"ab12", false},
		{"a\x00bc", false},
		{"", false},
	}
	for _, c := range cases {
		if got := isValidToken(c.sig); got != c.want {
			t.Errorf("isValidToken(%q) = %v, want %v", c.sig, got, c.want)
		}
	}
}
