package esm

import (
	"sort"

	"github.com/slfx77/fallout-xbox-360-utils/binprim"
)

// gridCell is one exterior cell's grid position, used both to drive the
// block/sub-block GRUP hierarchy and to rebuild a world's OFST table in
// the same deterministic order.
type gridCell struct {
	id   uint32
	x, y int32
}

// sortedExteriorCells returns worldID's exterior cells ordered by block,
// then sub-block, then grid position, the canonical traversal order
// reconstructExteriorCells emits them in.
func sortedExteriorCells(idx *ConversionIndex, worldID uint32) []gridCell {
	var cells []gridCell
	for _, id := range idx.ExteriorCellsByWorld[worldID] {
		ci := idx.Cells[id]
		if ci == nil || !ci.HasGrid {
			continue
		}
		cells = append(cells, gridCell{id, ci.GridX, ci.GridY})
	}
	blockOf := func(v int32) int32 { return v >> 5 }
	subOf := func(v int32) int32 { return v >> 3 }
	sort.Slice(cells, func(i, j int) bool {
		if blockOf(cells[i].y) != blockOf(cells[j].y) {
			return blockOf(cells[i].y) < blockOf(cells[j].y)
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
	return cells
}

// worldBounds holds a world's NAM0 (min corner) / NAM9 (max corner)
// fields, captured while transcoding the WRLD record. Either half may
// be absent if the source record lacked the subrecord, in which case
// RebuildOFST falls back to the aggregated grid extent of the world's
// actual exterior cells.
type worldBounds struct {
	minX, minY int32
	maxX, maxY int32
	haveMin    bool
	haveMax    bool
}

// aggregate derives (minX, minY, maxX, maxY) from bounds where present,
// falling back to the observed extent of cells for whichever half is
// missing.
func (b worldBounds) aggregate(cells []gridCell) (minX, minY, maxX, maxY int32, ok bool) {
	if len(cells) == 0 && !(b.haveMin && b.haveMax) {
		return 0, 0, 0, 0, false
	}
	if b.haveMin {
		minX, minY = b.minX, b.minY
	} else if len(cells) > 0 {
		minX, minY = cells[0].x, cells[0].y
		for _, c := range cells {
			if c.x < minX {
				minX = c.x
			}
			if c.y < minY {
				minY = c.y
			}
		}
	}
	if b.haveMax {
		maxX, maxY = b.maxX, b.maxY
	} else if len(cells) > 0 {
		maxX, maxY = cells[0].x, cells[0].y
		for _, c := range cells {
			if c.x > maxX {
				maxX = c.x
			}
			if c.y > maxY {
				maxY = c.y
			}
		}
	}
	return minX, minY, maxX, maxY, true
}

// RebuildOFST reconstructs a world's OFST subrecord body: a row-major
// array of 32-bit offsets, one per grid cell in the world's bounding
// rectangle, each holding the delta from worldOutputOffset to the
// corresponding cell's output offset (0 where no cell occupies that
// slot). row = y - minY, col = x - minX, slot = row*columns + col. A
// collision (shouldn't occur with unique grid coordinates, but corrupt
// sources produce them) keeps the smallest non-zero offset already
// written to that slot.
func RebuildOFST(cells []gridCell, bounds worldBounds, worldOutputOffset int, cellOutputOffsets map[uint32]int, dstBigEndian bool) []byte {
	minX, minY, maxX, maxY, ok := bounds.aggregate(cells)
	if !ok {
		return nil
	}
	columns := int(maxX-minX) + 1
	rows := int(maxY-minY) + 1
	if columns <= 0 || rows <= 0 {
		return nil
	}

	out := make([]byte, rows*columns*4)
	for _, c := range cells {
		outOffset, ok := cellOutputOffsets[c.id]
		if !ok {
			continue
		}
		row := int(c.y - minY)
		col := int(c.x - minX)
		if row < 0 || row >= rows || col < 0 || col >= columns {
			continue
		}
		slot := (row*columns + col) * 4
		delta := uint32(outOffset - worldOutputOffset)

		existing, _ := binprim.ReadU32(out, slot, dstBigEndian)
		if existing == 0 || (delta != 0 && delta < existing) {
			_ = binprim.PutU32(out, slot, delta, dstBigEndian)
		}
	}
	return out
}

// rebuildAllOFST rewrites every transcoded world's OFST subrecord body in
// place, now that every exterior cell has a final output offset. The
// rebuilt body must be patched, not appended: outBuf.PatchAt requires an
// identical length, so a world whose freshly derived grid dimensions
// don't match the source's reserved OFST length is left with its
// passed-through original bytes and counted instead of silently
// corrupted.
func (t *Transcoder) rebuildAllOFST() {
	for _, w := range t.idx.Worlds {
		bodyOffset, ok := t.worldOFSTOffset[w.FormID]
		if !ok {
			continue
		}
		worldOutputOffset, ok := t.worldOutputOffset[w.FormID]
		if !ok {
			continue
		}
		cells := sortedExteriorCells(t.idx, w.FormID)
		body := RebuildOFST(cells, t.worldBoundsByID[w.FormID], worldOutputOffset, t.cellOutputOffset, t.dstBigEndian)

		want := t.worldOFSTLength[w.FormID]
		if body == nil || len(body) != want {
			t.logger.Warnf("esm: rebuilt OFST for world %#x doesn't match source length %d; leaving original bytes in place", w.FormID, want)
			t.stats.OFSTRebuildSkipped++
			continue
		}
		t.out.PatchAt(bodyOffset, body)
	}
}
