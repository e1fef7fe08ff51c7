package esm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/slfx77/fallout-xbox-360-utils/binprim"
)

// esmBuilder assembles a syntactically valid master file in either byte
// order for scanner and transcoder tests, with group sizes backpatched
// the same way real tooling writes them.
type esmBuilder struct {
	be   bool
	buf  []byte
	open []int // header positions of unclosed groups
}

func newESMBuilder(be bool) *esmBuilder { return &esmBuilder{be: be} }

func sub(be bool, sig string, body []byte) []byte {
	out := SubrecordHeader{Signature: sig, Length: uint16(len(body))}.Encode(be)
	return append(out, body...)
}

func (b *esmBuilder) record(sig string, formID uint32, subs ...[]byte) {
	var payload []byte
	for _, s := range subs {
		payload = append(payload, s...)
	}
	h := Header{Signature: sig, DataSize: uint32(len(payload)), FormID: formID}
	b.buf = append(b.buf, h.Encode(b.be)...)
	b.buf = append(b.buf, payload...)
}

func (b *esmBuilder) groupStart(typ int32, label [4]byte) {
	b.open = append(b.open, len(b.buf))
	gh := GroupHeader{Label: label, Type: typ}
	b.buf = append(b.buf, gh.Encode(b.be)...)
}

func (b *esmBuilder) groupEnd() {
	pos := b.open[len(b.open)-1]
	b.open = b.open[:len(b.open)-1]
	_ = binprim.PutU32(b.buf, pos+4, uint32(len(b.buf)-pos), b.be)
}

func i32x2(be bool, x, y int32) []byte {
	out := make([]byte, 8)
	_ = binprim.PutI32(out, 0, x, be)
	_ = binprim.PutI32(out, 4, y, be)
	return out
}

func f32x2(be bool, x, y float32) []byte {
	out := make([]byte, 8)
	_ = binprim.PutF32(out, 0, x, be)
	_ = binprim.PutF32(out, 4, y, be)
	return out
}

// buildTestESM assembles a small but structurally complete master file:
// one world with a persistent cell and three exterior cells in two
// block/sub-block buckets, one interior cell, and a trailing
// streaming-cache region holding a stray temporary-children group for
// one of the exterior cells.
func buildTestESM(be bool) []byte {
	b := newESMBuilder(be)
	b.record("TES4", 0, sub(be, "HEDR", make([]byte, 12)))

	b.groupStart(0, LabelFromRecordType("WRLD", be))
	b.record("WRLD", 0x100,
		sub(be, "EDID", []byte("Wasteland\x00")),
		sub(be, "NAM0", f32x2(be, -2, -1)),
		sub(be, "NAM9", f32x2(be, 1, 1)),
		sub(be, "OFST", make([]byte, 48)))
	b.groupStart(1, LabelFromFormID(0x100, be))
	b.record("CELL", 0x200, sub(be, "EDID", []byte("WastelandPersist\x00")))
	b.groupStart(4, gridLabel(-1, -1, be))
	b.groupStart(5, gridLabel(-1, -1, be))
	b.record("CELL", 0x201, sub(be, "XCLC", i32x2(be, -2, -1)))
	b.groupEnd()
	b.groupEnd()
	b.groupStart(4, gridLabel(0, 0, be))
	b.groupStart(5, gridLabel(0, 0, be))
	b.record("CELL", 0x202, sub(be, "XCLC", i32x2(be, 0, 0)))
	b.record("CELL", 0x203, sub(be, "XCLC", i32x2(be, 1, 1)))
	b.groupEnd()
	b.groupEnd()
	b.groupEnd()
	b.groupEnd()

	b.groupStart(0, LabelFromRecordType("CELL", be))
	b.groupStart(2, LabelFromFormID(0, be))
	b.groupStart(3, LabelFromFormID(0, be))
	b.record("CELL", 0x300, sub(be, "EDID", []byte("Interior01\x00")))
	b.groupEnd()
	b.groupEnd()
	b.groupEnd()

	b.record("TOFT", 0x900, sub(be, "DATA", make([]byte, 8)))
	b.record("INFO", 0x901, sub(be, "EDID", []byte("StrayLine\x00")))
	b.groupStart(9, LabelFromFormID(0x202, be))
	b.record("REFR", 0x400, sub(be, "DATA", make([]byte, 24)))
	b.groupEnd()

	return b.buf
}

func TestDetectByteOrder(t *testing.T) {
	be := buildTestESM(true)
	got, err := DetectByteOrder(be)
	require.NoError(t, err)
	require.True(t, got)

	le := buildTestESM(false)
	got, err = DetectByteOrder(le)
	require.NoError(t, err)
	require.False(t, got)

	_, err = DetectByteOrder([]byte("not a master file"))
	require.ErrorIs(t, err, ErrNotMasterFile)
}

func TestScanIndexesWorldsAndCells(t *testing.T) {
	idx, bigEndian, stats, err := Scan(buildTestESM(true), nil)
	require.NoError(t, err)
	require.True(t, bigEndian)

	require.Len(t, idx.Worlds, 1)
	require.Equal(t, uint32(0x100), idx.Worlds[0].FormID)
	require.Len(t, idx.Cells, 5)

	ext := idx.Cells[0x201]
	require.NotNil(t, ext)
	require.True(t, ext.HasGrid)
	require.Equal(t, int32(-2), ext.GridX)
	require.Equal(t, int32(-1), ext.GridY)
	require.False(t, ext.Interior)
	require.True(t, ext.HasParentWorld)
	require.Equal(t, uint32(0x100), ext.ParentWorld)
	require.False(t, ext.WorldPersistent)

	pers := idx.Cells[0x200]
	require.NotNil(t, pers)
	require.False(t, pers.HasGrid)
	require.True(t, pers.Interior)
	require.True(t, pers.WorldPersistent)
	require.Equal(t, uint32(0x200), idx.WorldPersistentCellByWorld[0x100])

	interior := idx.Cells[0x300]
	require.NotNil(t, interior)
	require.True(t, interior.Interior)
	require.False(t, interior.HasParentWorld)

	require.ElementsMatch(t, []uint32{0x201, 0x202, 0x203}, idx.ExteriorCellsByWorld[0x100])

	require.Equal(t, 1, stats.WorldsFound)
	require.Equal(t, 5, stats.CellsFound)
	require.False(t, stats.UsedWorldFallback)
	require.False(t, stats.UsedCellFallback)
}

func TestScanIndexesStreamingCacheChildGroups(t *testing.T) {
	idx, _, _, err := Scan(buildTestESM(true), nil)
	require.NoError(t, err)

	fr, ok := idx.ChildGroups[ChildGroupKey{CellFormID: 0x202, GroupType: 9}]
	require.True(t, ok)

	// Group header plus one REFR record (header + DATA subrecord).
	wantSize := uint64(GroupHeaderSize + HeaderSize + SubrecordHeaderSize + 24)
	require.Equal(t, wantSize, fr.Size)

	gh, err := DecodeGroupHeader(buildTestESM(true), int(fr.Offset), true)
	require.NoError(t, err)
	require.Equal(t, int32(9), gh.Type)
	require.Equal(t, uint32(0x202), gh.LabelFormID(true))
}

func TestScanRejectsNonMasterInput(t *testing.T) {
	_, _, _, err := Scan(make([]byte, 64), nil)
	require.ErrorIs(t, err, ErrNotMasterFile)
}

func TestFormIDLooksLikeText(t *testing.T) {
	require.True(t, formIDLooksLikeText(0x56475424)) // "VGT$"-style tag bytes
	require.False(t, formIDLooksLikeText(0x100))
	require.False(t, formIDLooksLikeText(0))
}
