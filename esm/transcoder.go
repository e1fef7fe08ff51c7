package esm

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/slfx77/fallout-xbox-360-utils/binprim"
	"github.com/slfx77/fallout-xbox-360-utils/log"
)

// Stats summarizes one transcoder run.
type Stats struct {
	RecordsConverted            int
	GroupsConverted             int
	TopLevelRecordsSkipped      int
	TopLevelGroupsSkippedByType map[int32]int
	SkippedRecordTypeHistogram  map[string]int
	BytesSkippedStreamingCache  int64
	BytesSkippedResync          int64
	StreamingCacheINFOSkipped   int
	OFSTRebuildSkipped          int
}

func newStats() Stats {
	return Stats{
		TopLevelGroupsSkippedByType: make(map[int32]int),
		SkippedRecordTypeHistogram:  make(map[string]int),
	}
}

// Transcoder emits a fresh byte buffer in dstBigEndian order from a
// source buffer in srcBigEndian order, driven by a ConversionIndex built
// by Scan.
type Transcoder struct {
	src          []byte
	srcBigEndian bool
	dstBigEndian bool
	idx          *ConversionIndex
	schema       *Schema
	logger       *log.Helper

	out   outBuf
	stats Stats

	worldOutputOffset map[uint32]int
	worldOFSTOffset   map[uint32]int
	worldOFSTLength   map[uint32]int
	worldBoundsByID   map[uint32]worldBounds
	cellOutputOffset  map[uint32]int
}

// NewTranscoder returns a Transcoder ready to Run. A nil schema defaults
// to DefaultSchema(); a nil logger defaults to an error-filtered stdout
// logger.
func NewTranscoder(idx *ConversionIndex, src []byte, srcBigEndian, dstBigEndian bool, schema *Schema, logger *log.Helper) *Transcoder {
	if schema == nil {
		schema = DefaultSchema()
	}
	if logger == nil {
		logger = log.NewHelper(log.NewFilter(log.NewStdLogger(os.Stdout), log.FilterLevel(log.LevelError)))
	}
	return &Transcoder{
		src:               src,
		srcBigEndian:      srcBigEndian,
		dstBigEndian:      dstBigEndian,
		idx:               idx,
		schema:            schema,
		logger:            logger,
		worldOutputOffset: make(map[uint32]int),
		worldOFSTOffset:   make(map[uint32]int),
		worldOFSTLength:   make(map[uint32]int),
		worldBoundsByID:   make(map[uint32]worldBounds),
		cellOutputOffset:  make(map[uint32]int),
	}
}

type inFrame struct {
	end       int
	groupType int32
}

type outFrame struct {
	headerPos int
}

// Run drives the pushdown-automaton conversion loop: the file
// header, then a single pass over the source converting every record
// and group not in a skipped region, reconstructing the WRLD/CELL
// hierarchy from the index up front, and finally rebuilding every
// world's OFST table. Returns the finished output buffer.
func (t *Transcoder) Run(ctx context.Context) ([]byte, Stats, error) {
	t.stats = newStats()

	hdr, _, err := t.transcodeRecord(0, nil)
	if err != nil {
		return nil, t.stats, fmt.Errorf("esm: transcode header record: %w", err)
	}
	if hdr.Signature != MasterFileSignature {
		return nil, t.stats, ErrNotMasterFile
	}
	pos := HeaderSize + int(hdr.DataSize)

	// The WRLD/CELL hierarchy is synthesized entirely from the index,
	// independent of wherever the corresponding groups happen to sit in
	// the source byte stream. Any
	// top-level WRLD/CELL group later encountered while walking the
	// source is therefore pure input the reconstruction already
	// consumed via the index, and the main loop below just skips it.
	if len(t.idx.Worlds) > 0 {
		t.reconstructWRLDGroup()
	}
	t.reconstructCELLGroup()

	var inStack []inFrame
	var outStack []outFrame

	for pos < len(t.src) {
		select {
		case <-ctx.Done():
			return nil, t.stats, ctx.Err()
		default:
		}

		for len(inStack) > 0 && pos >= inStack[len(inStack)-1].end {
			t.patchGroupSize(outStack[len(outStack)-1].headerPos)
			t.stats.GroupsConverted++
			inStack = inStack[:len(inStack)-1]
			outStack = outStack[:len(outStack)-1]
		}
		if pos >= len(t.src) {
			break
		}

		sig, err := binprim.ReadSignature(t.src, pos, t.srcBigEndian)
		if err != nil || !isValidToken(sig) {
			next := t.findNextGRUP(pos)
			if next < 0 {
				break
			}
			t.stats.BytesSkippedResync += int64(next - pos)
			pos = next
			continue
		}

		depth := len(inStack)

		if sig == GroupMagic {
			gh, err := DecodeGroupHeader(t.src, pos, t.srcBigEndian)
			if err != nil || gh.Size < GroupHeaderSize || pos+int(gh.Size) > len(t.src) {
				next := t.findNextGRUP(pos + 1)
				if next < 0 {
					break
				}
				t.stats.BytesSkippedResync += int64(next - pos)
				pos = next
				continue
			}

			if depth == 0 {
				label := gh.LabelString(t.srcBigEndian)
				if gh.Type == 0 && (label == "WRLD" || label == "CELL") {
					// Already synthesized from the index; skip
					// the raw input span untouched.
					t.stats.TopLevelGroupsSkippedByType[gh.Type]++
					pos += int(gh.Size)
					continue
				}
				if gh.Type != 0 {
					// Not a valid root-level group type in the
					// target format.
					t.stats.TopLevelGroupsSkippedByType[gh.Type]++
					pos += int(gh.Size)
					continue
				}
			}

			var dstLabel [4]byte
			if gh.Type == 0 {
				dstLabel = LabelFromRecordType(gh.LabelString(t.srcBigEndian), t.dstBigEndian)
			} else {
				dstLabel = LabelFromFormID(gh.LabelFormID(t.srcBigEndian), t.dstBigEndian)
			}
			headerPos := t.emitGroupHeader(gh.Type, dstLabel)
			inStack = append(inStack, inFrame{end: pos + int(gh.Size), groupType: gh.Type})
			outStack = append(outStack, outFrame{headerPos: headerPos})
			pos += GroupHeaderSize
			continue
		}

		if depth == 0 && sig == "TOFT" {
			start := pos
			pos = t.skipStreamingCache(pos)
			t.stats.BytesSkippedStreamingCache += int64(pos - start)
			continue
		}

		rh, err := DecodeHeader(t.src, pos, t.srcBigEndian)
		recSize := HeaderSize + int(rh.DataSize)
		if err != nil || recSize < HeaderSize || pos+recSize > len(t.src) {
			next := t.findNextGRUP(pos + 1)
			if next < 0 {
				break
			}
			t.stats.BytesSkippedResync += int64(next - pos)
			pos = next
			continue
		}

		if _, _, err := t.transcodeRecord(pos, nil); err != nil {
			t.logger.Warnf("esm: transcode record %s at %#x failed, resyncing: %v", rh.Signature, pos, err)
			next := t.findNextGRUP(pos + 1)
			if next < 0 {
				break
			}
			t.stats.BytesSkippedResync += int64(next - pos)
			pos = next
			continue
		}
		t.stats.RecordsConverted++
		pos += recSize
	}

	for len(inStack) > 0 {
		t.patchGroupSize(outStack[len(outStack)-1].headerPos)
		inStack = inStack[:len(inStack)-1]
		outStack = outStack[:len(outStack)-1]
	}

	t.rebuildAllOFST()

	return t.out.Bytes(), t.stats, nil
}

// skipStreamingCache consumes records from pos (a TOFT signature) until
// the next GRUP magic, counting INFO records seen. The merge criterion
// for an INFO with no matching dialogue topic is undocumented in the
// source material, so these are counted and skipped rather than merged
// on a guess.
func (t *Transcoder) skipStreamingCache(pos int) int {
	for pos < len(t.src) {
		sig, err := binprim.ReadSignature(t.src, pos, t.srcBigEndian)
		if err != nil {
			break
		}
		if sig == GroupMagic {
			break
		}
		if !isValidToken(sig) {
			break
		}
		rh, err := DecodeHeader(t.src, pos, t.srcBigEndian)
		if err != nil {
			break
		}
		recSize := HeaderSize + int(rh.DataSize)
		if recSize < HeaderSize || pos+recSize > len(t.src) {
			break
		}
		if rh.Signature == "INFO" {
			t.stats.StreamingCacheINFOSkipped++
		}
		t.stats.TopLevelRecordsSkipped++
		t.stats.SkippedRecordTypeHistogram[rh.Signature]++
		pos += recSize
	}
	return pos
}

// findNextGRUP linearly searches forward from pos for the next GRUP
// magic, the resync point after orphaned data. Returns -1 if none
// remains.
func (t *Transcoder) findNextGRUP(pos int) int {
	for i := pos; i+4 <= len(t.src); i++ {
		sig, err := binprim.ReadSignature(t.src, i, t.srcBigEndian)
		if err == nil && sig == GroupMagic {
			return i
		}
	}
	return -1
}

func (t *Transcoder) emitGroupHeader(groupType int32, label [4]byte) int {
	headerPos := t.out.Len()
	gh := GroupHeader{Size: 0, Label: label, Type: groupType}
	t.out.Write(gh.Encode(t.dstBigEndian))
	return headerPos
}

// patchGroupSize backpatches a group header's Size field with the gap
// between its own position and the current (post-children) output
// length.
func (t *Transcoder) patchGroupSize(headerPos int) {
	size := uint32(t.out.Len() - headerPos)
	buf := make([]byte, 4)
	_ = binprim.PutU32(buf, 0, size, t.dstBigEndian)
	t.out.PatchAt(headerPos+4, buf)
}

// capturedSubrecord is a subrecord body transcodeRecord captured because
// the caller asked to watch its signature.
type capturedSubrecord struct {
	Signature        string
	OutputBodyOffset int
	Length           int
	SrcBody          []byte
}

// transcodeRecord re-encodes the record header at pos and every
// subrecord in its payload, appending the result to t.out and returning
// the decoded source header plus any subrecords whose signature appears
// in watch. Compressed records keep their 4-byte decompressed-size
// prefix and zlib stream verbatim after the re-encoded header;
// recompression would buy nothing since the deflate bytes are
// byte-order neutral.
func (t *Transcoder) transcodeRecord(pos int, watch map[string]bool) (Header, []capturedSubrecord, error) {
	rh, err := DecodeHeader(t.src, pos, t.srcBigEndian)
	if err != nil {
		return Header{}, nil, err
	}
	recSize := HeaderSize + int(rh.DataSize)
	if recSize < HeaderSize || pos+recSize > len(t.src) {
		return Header{}, nil, ErrOutOfRange
	}

	outHeaderPos := t.out.Len()
	t.out.Write(rh.Encode(t.dstBigEndian))

	payload := t.src[pos+HeaderSize : pos+recSize]
	var caps []capturedSubrecord

	if rh.Compressed() {
		t.out.Write(payload)
	} else {
		err := IterateSubrecords(payload, t.srcBigEndian, func(sr Subrecord) error {
			body := append([]byte(nil), sr.Body...)
			fields := t.schema.FieldsFor(rh.Signature, sr.Signature)
			reencodeSubrecordBody(body, fields, t.srcBigEndian, t.dstBigEndian)

			if len(body) > 0xFFFF {
				xxxx := SubrecordHeader{Signature: ExtendedLengthSignature, Length: 4}
				t.out.Write(xxxx.Encode(t.dstBigEndian))
				lenBuf := make([]byte, 4)
				_ = binprim.PutU32(lenBuf, 0, uint32(len(body)), t.dstBigEndian)
				t.out.Write(lenBuf)
				hdr := SubrecordHeader{Signature: sr.Signature, Length: 0}
				t.out.Write(hdr.Encode(t.dstBigEndian))
			} else {
				hdr := SubrecordHeader{Signature: sr.Signature, Length: uint16(len(body))}
				t.out.Write(hdr.Encode(t.dstBigEndian))
			}
			bodyOffset := t.out.Len()
			t.out.Write(body)

			if watch != nil && watch[sr.Signature] {
				caps = append(caps, capturedSubrecord{
					Signature:        sr.Signature,
					OutputBodyOffset: bodyOffset,
					Length:           len(body),
					SrcBody:          sr.Body,
				})
			}
			return nil
		})
		if err != nil {
			return Header{}, nil, err
		}
	}

	dataSize := uint32(t.out.Len() - outHeaderPos - HeaderSize)
	sizeBuf := make([]byte, 4)
	_ = binprim.PutU32(sizeBuf, 0, dataSize, t.dstBigEndian)
	t.out.PatchAt(outHeaderPos+4, sizeBuf)

	return rh, caps, nil
}

// reconstructWRLDGroup emits the top-level WRLD group: for each world in
// index order, the re-encoded WRLD record, a World Children group (type
// 1) holding the persistent cell (if any) and the block/sub-block
// hierarchy of exterior cells.
func (t *Transcoder) reconstructWRLDGroup() {
	headerPos := t.emitGroupHeader(0, LabelFromRecordType("WRLD", t.dstBigEndian))

	for _, w := range t.idx.Worlds {
		outStart := t.out.Len()
		rh, caps, err := t.transcodeRecord(int(w.Offset), map[string]bool{"OFST": true, "NAM0": true, "NAM9": true})
		if err != nil {
			t.logger.Warnf("esm: transcode world %#x failed: %v", w.FormID, err)
			continue
		}
		t.worldOutputOffset[rh.FormID] = outStart
		t.stats.RecordsConverted++

		var bounds worldBounds
		for _, c := range caps {
			switch c.Signature {
			case "OFST":
				t.worldOFSTOffset[rh.FormID] = c.OutputBodyOffset
				t.worldOFSTLength[rh.FormID] = c.Length
			case "NAM0":
				if len(c.SrcBody) >= 8 {
					x, _ := binprim.ReadF32(c.SrcBody, 0, t.srcBigEndian)
					y, _ := binprim.ReadF32(c.SrcBody, 4, t.srcBigEndian)
					bounds.minX, bounds.minY, bounds.haveMin = int32(x), int32(y), true
				}
			case "NAM9":
				if len(c.SrcBody) >= 8 {
					x, _ := binprim.ReadF32(c.SrcBody, 0, t.srcBigEndian)
					y, _ := binprim.ReadF32(c.SrcBody, 4, t.srcBigEndian)
					bounds.maxX, bounds.maxY, bounds.haveMax = int32(x), int32(y), true
				}
			}
		}
		t.worldBoundsByID[rh.FormID] = bounds

		childHeaderPos := t.emitGroupHeader(1, LabelFromFormID(rh.FormID, t.dstBigEndian))
		if persistentID, ok := t.idx.WorldPersistentCellByWorld[rh.FormID]; ok {
			t.emitCellWithChildren(persistentID)
		}
		t.reconstructExteriorCells(rh.FormID)
		t.patchGroupSize(childHeaderPos)
		t.stats.GroupsConverted++
	}

	t.patchGroupSize(headerPos)
	t.stats.GroupsConverted++
}

// reconstructExteriorCells emits worldID's exterior cells nested into
// the block/sub-block hierarchy keyed on integer division of grid
// coordinates (block = grid >> 5, sub-block = grid >> 3). Go's
// arithmetic right shift on signed integers floors toward negative
// infinity, which keeps negative grid coordinates in the right bucket.
func (t *Transcoder) reconstructExteriorCells(worldID uint32) {
	cells := sortedExteriorCells(t.idx, worldID)
	if len(cells) == 0 {
		return
	}

	blockOf := func(v int32) int32 { return v >> 5 }
	subOf := func(v int32) int32 { return v >> 3 }

	sort.Slice(cells, func(i, j int) bool {
		bi, bj := blockOf(cells[i].y), blockOf(cells[j].y)
		if bi != bj {
			return bi < bj
		}
		if blockOf(cells[i].x) != blockOf(cells[j].x) {
			return blockOf(cells[i].x) < blockOf(cells[j].x)
		}
		if subOf(cells[i].y) != subOf(cells[j].y) {
			return subOf(cells[i].y) < subOf(cells[j].y)
		}
		if subOf(cells[i].x) != subOf(cells[j].x) {
			return subOf(cells[i].x) < subOf(cells[j].x)
		}
		if cells[i].y != cells[j].y {
			return cells[i].y < cells[j].y
		}
		return cells[i].x < cells[j].x
	})

	i := 0
	for i < len(cells) {
		bx, by := blockOf(cells[i].x), blockOf(cells[i].y)
		blockHeaderPos := t.emitGroupHeader(4, gridLabel(bx, by, t.dstBigEndian))

		for i < len(cells) && blockOf(cells[i].x) == bx && blockOf(cells[i].y) == by {
			sx, sy := subOf(cells[i].x), subOf(cells[i].y)
			subHeaderPos := t.emitGroupHeader(5, gridLabel(sx, sy, t.dstBigEndian))

			for i < len(cells) && subOf(cells[i].x) == sx && subOf(cells[i].y) == sy && blockOf(cells[i].x) == bx && blockOf(cells[i].y) == by {
				t.emitCellWithChildren(cells[i].id)
				i++
			}
			t.patchGroupSize(subHeaderPos)
			t.stats.GroupsConverted++
		}
		t.patchGroupSize(blockHeaderPos)
		t.stats.GroupsConverted++
	}
}

// gridLabel packs two block/sub-block coordinates into a group Label as
// adjacent int16s, encoded directly in the target byte order (this
// label is newly authored for the output, there's no source-side value
// to preserve).
func gridLabel(x, y int32, dstBigEndian bool) [4]byte {
	var out [4]byte
	_ = binprim.PutI16(out[:], 0, int16(x), dstBigEndian)
	_ = binprim.PutI16(out[:], 2, int16(y), dstBigEndian)
	return out
}

// emitCellWithChildren transcodes one CELL record and its indexed
// persistent/temporary/visible-when-distant child groups (types 8, 9,
// 10).
func (t *Transcoder) emitCellWithChildren(cellID uint32) {
	ci := t.idx.Cells[cellID]
	if ci == nil {
		return
	}
	outStart := t.out.Len()
	_, _, err := t.transcodeRecord(int(ci.Offset), nil)
	if err != nil {
		t.logger.Warnf("esm: transcode cell %#x failed: %v", cellID, err)
		return
	}
	t.cellOutputOffset[cellID] = outStart
	t.stats.RecordsConverted++

	for _, gt := range [...]int32{8, 9, 10} {
		if fr, ok := t.idx.ChildGroups[ChildGroupKey{CellFormID: cellID, GroupType: gt}]; ok {
			t.copyChildGroup(fr)
		}
	}
}

// copyChildGroup re-encodes one leaf child group (types 8/9/10, which
// per the source format hold only records, never nested sub-groups) in
// full: its own header plus every record inside.
func (t *Transcoder) copyChildGroup(fr FileRange) {
	gh, err := DecodeGroupHeader(t.src, int(fr.Offset), t.srcBigEndian)
	if err != nil {
		return
	}
	dstLabel := LabelFromFormID(gh.LabelFormID(t.srcBigEndian), t.dstBigEndian)
	headerPos := t.emitGroupHeader(gh.Type, dstLabel)

	pos := int(fr.Offset) + GroupHeaderSize
	end := int(fr.Offset) + int(fr.Size)
	for pos < end {
		sig, err := binprim.ReadSignature(t.src, pos, t.srcBigEndian)
		if err != nil || !isValidToken(sig) {
			break
		}
		rh, _, err := t.transcodeRecord(pos, nil)
		if err != nil {
			break
		}
		pos += HeaderSize + int(rh.DataSize)
		t.stats.RecordsConverted++
	}
	t.patchGroupSize(headerPos)
	t.stats.GroupsConverted++
}

// reconstructCELLGroup emits the top-level CELL group: every indexed
// interior cell with no parent world, in ascending source-offset order
// for determinism.
func (t *Transcoder) reconstructCELLGroup() {
	var ids []uint32
	for id, ci := range t.idx.Cells {
		if ci.Interior && !ci.HasParentWorld {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return
	}
	sort.Slice(ids, func(i, j int) bool {
		return t.idx.Cells[ids[i]].Offset < t.idx.Cells[ids[j]].Offset
	})

	headerPos := t.emitGroupHeader(0, LabelFromRecordType("CELL", t.dstBigEndian))
	for _, id := range ids {
		t.emitCellWithChildren(id)
	}
	t.patchGroupSize(headerPos)
	t.stats.GroupsConverted++
}
