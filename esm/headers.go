package esm

import "github.com/slfx77/fallout-xbox-360-utils/binprim"

// HeaderSize is the fixed size of a record header.
const HeaderSize = 24

// GroupHeaderSize is the fixed size of a group header.
const GroupHeaderSize = 24

// SubrecordHeaderSize is the fixed size of a subrecord header.
const SubrecordHeaderSize = 6

// CompressedFlag marks a record whose payload begins with a 4-byte
// decompressed-size prefix followed by a zlib stream.
const CompressedFlag = 0x00040000

// GroupMagic is the literal, canonical (never byte-order-dependent)
// ASCII group signature.
const GroupMagic = "GRUP"

// Header is a record header: 4-byte signature, data size, flag
// bitfield, form id, timestamp, and two 16-bit version-control fields.
type Header struct {
	Signature string
	DataSize  uint32
	Flags     uint32
	FormID    uint32
	Timestamp uint32
	VCS1      uint16
	VCS2      uint16
}

// Compressed reports whether the record's payload begins with a 4-byte
// decompressed-size prefix followed by a zlib stream.
func (h Header) Compressed() bool { return h.Flags&CompressedFlag != 0 }

// DecodeHeader reads a record header from b[offset:] in the given byte
// order. The signature is always returned as canonical, un-reversed
// ASCII (see binprim.ReadSignature).
func DecodeHeader(b []byte, offset int, bigEndian bool) (Header, error) {
	sig, err := binprim.ReadSignature(b, offset, bigEndian)
	if err != nil {
		return Header{}, err
	}
	dataSize, err := binprim.ReadU32(b, offset+4, bigEndian)
	if err != nil {
		return Header{}, err
	}
	flags, err := binprim.ReadU32(b, offset+8, bigEndian)
	if err != nil {
		return Header{}, err
	}
	formID, err := binprim.ReadU32(b, offset+12, bigEndian)
	if err != nil {
		return Header{}, err
	}
	ts, err := binprim.ReadU32(b, offset+16, bigEndian)
	if err != nil {
		return Header{}, err
	}
	vcs1, err := binprim.ReadU16(b, offset+20, bigEndian)
	if err != nil {
		return Header{}, err
	}
	vcs2, err := binprim.ReadU16(b, offset+22, bigEndian)
	if err != nil {
		return Header{}, err
	}
	return Header{
		Signature: sig,
		DataSize:  dataSize,
		Flags:     flags,
		FormID:    formID,
		Timestamp: ts,
		VCS1:      vcs1,
		VCS2:      vcs2,
	}, nil
}

// Encode writes the header into a fresh HeaderSize-byte slice in the
// given byte order. The signature is written canonical-forward and
// reversed only when bigEndian is true, mirroring DecodeHeader.
func (h Header) Encode(bigEndian bool) []byte {
	out := make([]byte, HeaderSize)
	_ = binprim.PutSignature(out, 0, h.Signature, bigEndian)
	_ = binprim.PutU32(out, 4, h.DataSize, bigEndian)
	_ = binprim.PutU32(out, 8, h.Flags, bigEndian)
	_ = binprim.PutU32(out, 12, h.FormID, bigEndian)
	_ = binprim.PutU32(out, 16, h.Timestamp, bigEndian)
	_ = binprim.PutU16(out, 20, h.VCS1, bigEndian)
	_ = binprim.PutU16(out, 22, h.VCS2, bigEndian)
	return out
}

// GroupHeader is a GRUP container header: total size (including this
// header), a 4-byte label whose interpretation depends on Type, a group
// type (0..10), a timestamp, and 4 reserved bytes.
type GroupHeader struct {
	Size      uint32
	Label     [4]byte
	Type      int32
	Timestamp uint32
	Reserved  [4]byte
}

// DecodeGroupHeader reads a group header from b[offset:], which must
// already be known to begin with the literal "GRUP" magic (callers check
// the signature with binprim.ReadSignature before calling this).
func DecodeGroupHeader(b []byte, offset int, bigEndian bool) (GroupHeader, error) {
	if offset+GroupHeaderSize > len(b) || offset < 0 {
		return GroupHeader{}, ErrOutOfRange
	}
	size, err := binprim.ReadU32(b, offset+4, bigEndian)
	if err != nil {
		return GroupHeader{}, err
	}
	typ, err := binprim.ReadI32(b, offset+12, bigEndian)
	if err != nil {
		return GroupHeader{}, err
	}
	ts, err := binprim.ReadU32(b, offset+16, bigEndian)
	if err != nil {
		return GroupHeader{}, err
	}
	var gh GroupHeader
	copy(gh.Label[:], b[offset+8:offset+12])
	copy(gh.Reserved[:], b[offset+20:offset+24])
	gh.Size = size
	gh.Type = typ
	gh.Timestamp = ts
	return gh, nil
}

// LabelString reads Label as a 4-ASCII record-type tag (group type 0
// labels), reversing it first when bigEndian is true, the same
// convention as record signatures.
func (g GroupHeader) LabelString(bigEndian bool) string {
	b := g.Label
	if bigEndian {
		b[0], b[1], b[2], b[3] = b[3], b[2], b[1], b[0]
	}
	return string(b[:])
}

// LabelFormID reads Label as a 32-bit form id (group types 1..10).
func (g GroupHeader) LabelFormID(bigEndian bool) uint32 {
	buf := g.Label
	if bigEndian {
		return uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3])
	}
	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
}

// LabelFromRecordType builds a group-type-0 Label from a canonical
// record-type tag, reversing it for bigEndian output, mirroring
// PutSignature.
func LabelFromRecordType(recordType string, bigEndian bool) [4]byte {
	var out [4]byte
	copy(out[:], recordType)
	if bigEndian {
		out[0], out[1], out[2], out[3] = out[3], out[2], out[1], out[0]
	}
	return out
}

// LabelFromFormID builds a group Label (types 1..10) from a form id.
func LabelFromFormID(formID uint32, bigEndian bool) [4]byte {
	var out [4]byte
	if bigEndian {
		out[0] = byte(formID >> 24)
		out[1] = byte(formID >> 16)
		out[2] = byte(formID >> 8)
		out[3] = byte(formID)
	} else {
		out[0] = byte(formID)
		out[1] = byte(formID >> 8)
		out[2] = byte(formID >> 16)
		out[3] = byte(formID >> 24)
	}
	return out
}

// Encode writes the group header into a fresh GroupHeaderSize-byte
// slice. The "GRUP" signature follows the same reversal convention as
// record signatures; Label is passed through as-is, since callers
// already built it in the target's convention via
// LabelFromRecordType/LabelFromFormID.
func (g GroupHeader) Encode(bigEndian bool) []byte {
	out := make([]byte, GroupHeaderSize)
	_ = binprim.PutSignature(out, 0, GroupMagic, bigEndian)
	_ = binprim.PutU32(out, 4, g.Size, bigEndian)
	copy(out[8:12], g.Label[:])
	_ = binprim.PutI32(out, 12, g.Type, bigEndian)
	_ = binprim.PutU32(out, 16, g.Timestamp, bigEndian)
	copy(out[20:24], g.Reserved[:])
	return out
}

// SubrecordHeader is a 6-byte (signature, length) pair.
type SubrecordHeader struct {
	Signature string
	Length    uint16
}

// DecodeSubrecordHeader reads a subrecord header from b[offset:].
func DecodeSubrecordHeader(b []byte, offset int, bigEndian bool) (SubrecordHeader, error) {
	sig, err := binprim.ReadSignature(b, offset, bigEndian)
	if err != nil {
		return SubrecordHeader{}, err
	}
	length, err := binprim.ReadU16(b, offset+4, bigEndian)
	if err != nil {
		return SubrecordHeader{}, err
	}
	return SubrecordHeader{Signature: sig, Length: length}, nil
}

// Encode writes the subrecord header into a fresh 6-byte slice.
func (s SubrecordHeader) Encode(bigEndian bool) []byte {
	out := make([]byte, SubrecordHeaderSize)
	_ = binprim.PutSignature(out, 0, s.Signature, bigEndian)
	_ = binprim.PutU16(out, 4, s.Length, bigEndian)
	return out
}

// ExtendedLengthSignature marks a subrecord that carries, in place of
// its own body, a 32-bit length for the subrecord that follows it (whose
// own 16-bit length field is then ignored).
const ExtendedLengthSignature = "XXXX"

// Subrecord is one decoded (signature, body) pair yielded while
// iterating a record's payload. Body spans the resolved body length,
// which may have come from a preceding XXXX subrecord rather than this
// subrecord's own header.
type Subrecord struct {
	Signature string
	Body      []byte
	// HeaderOffset/BodyOffset are offsets within the payload slice
	// passed to IterateSubrecords, not absolute file offsets.
	HeaderOffset int
	BodyOffset   int
}

// IterateSubrecords walks payload, a record's decoded body, calling fn
// once per subrecord in order. It transparently resolves the XXXX
// extended-length convention: a subrecord with signature XXXX and
// header-length 4 carries a 32-bit length for the next subrecord, whose
// own 16-bit length field is ignored. fn returning
// a non-nil error stops iteration and that error is returned.
func IterateSubrecords(payload []byte, bigEndian bool, fn func(Subrecord) error) error {
	pos := 0
	var extendedLength uint32
	haveExtended := false

	for pos < len(payload) {
		hdr, err := DecodeSubrecordHeader(payload, pos, bigEndian)
		if err != nil {
			return err
		}
		bodyOffset := pos + SubrecordHeaderSize

		if hdr.Signature == ExtendedLengthSignature && hdr.Length == 4 {
			length, err := binprim.ReadU32(payload, bodyOffset, bigEndian)
			if err != nil {
				return err
			}
			extendedLength = length
			haveExtended = true
			pos = bodyOffset + 4
			continue
		}

		length := uint32(hdr.Length)
		if haveExtended {
			length = extendedLength
			haveExtended = false
		}
		end := bodyOffset + int(length)
		if end > len(payload) || end < bodyOffset {
			return ErrOutOfRange
		}

		if err := fn(Subrecord{
			Signature:    hdr.Signature,
			Body:         payload[bodyOffset:end],
			HeaderOffset: pos,
			BodyOffset:   bodyOffset,
		}); err != nil {
			return err
		}
		pos = end
	}
	return nil
}

// isValidToken reports whether sig looks like a plausible four-character
// record/group signature: upper-case ASCII letters, digits, or the
// underscore padding real signatures like NPC_ carry. The transcoder's
// orphan-resync step uses this to decide whether the signature it just
// read is real data or garbage to skip past.
func isValidToken(sig string) bool {
	if len(sig) != 4 {
		return false
	}
	for _, c := range []byte(sig) {
		if !(c >= 'A' && c <= 'Z') && !(c >= '0' && c <= '9') && c != '_' {
			return false
		}
	}
	return true
}
