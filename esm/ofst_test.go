package esm

import (
	"testing"

	"github.com/slfx77/fallout-xbox-360-utils/binprim"
)

func TestRebuildOFST(t *testing.T) {
	// World bounds (-2..1, -1..1): 4 columns by 3 rows, 48 bytes of
	// 32-bit slots. Three cells occupy three slots; the rest stay zero.
	bounds := worldBounds{minX: -2, minY: -1, maxX: 1, maxY: 1, haveMin: true, haveMax: true}
	cells := []gridCell{
		{id: 0x201, x: -2, y: -1},
		{id: 0x202, x: 0, y: 0},
		{id: 0x203, x: 1, y: 1},
	}
	offsets := map[uint32]int{
		0x201: 5000,
		0x202: 6000,
		0x203: 7000,
	}
	const worldOffset = 1000

	body := RebuildOFST(cells, bounds, worldOffset, offsets, false)
	if len(body) != 4*3*4 {
		t.Fatalf("got %d bytes, want 48", len(body))
	}

	slot := func(row, col int) uint32 {
		v, err := binprim.ReadU32(body, (row*4+col)*4, false)
		if err != nil {
			t.Fatal(err)
		}
		return v
	}

	if got := slot(0, 0); got != 4000 {
		t.Fatalf("slot (0,0) = %d, want 4000", got)
	}
	if got := slot(1, 2); got != 5000 {
		t.Fatalf("slot (1,2) = %d, want 5000", got)
	}
	if got := slot(2, 3); got != 6000 {
		t.Fatalf("slot (2,3) = %d, want 6000", got)
	}

	filled := map[int]bool{0: true, 1*4 + 2: true, 2*4 + 3: true}
	for i := 0; i < 12; i++ {
		if filled[i] {
			continue
		}
		if got := slot(i/4, i%4); got != 0 {
			t.Fatalf("slot %d = %d, want 0", i, got)
		}
	}
}

func TestRebuildOFSTBoundsFromCellsWhenSubrecordsMissing(t *testing.T) {
	cells := []gridCell{
		{id: 1, x: 3, y: 4},
		{id: 2, x: 5, y: 6},
	}
	offsets := map[uint32]int{1: 100, 2: 200}

	body := RebuildOFST(cells, worldBounds{}, 0, offsets, false)
	// Aggregated extent: x 3..5, y 4..6 -> 3x3 grid.
	if len(body) != 3*3*4 {
		t.Fatalf("got %d bytes, want 36", len(body))
	}
	v, _ := binprim.ReadU32(body, 0, false)
	if v != 100 {
		t.Fatalf("slot (0,0) = %d, want 100", v)
	}
	v, _ = binprim.ReadU32(body, (2*3+2)*4, false)
	if v != 200 {
		t.Fatalf("slot (2,2) = %d, want 200", v)
	}
}

func TestRebuildOFSTCollisionKeepsSmallestOffset(t *testing.T) {
	bounds := worldBounds{minX: 0, minY: 0, maxX: 0, maxY: 0, haveMin: true, haveMax: true}
	cells := []gridCell{
		{id: 1, x: 0, y: 0},
		{id: 2, x: 0, y: 0},
	}
	offsets := map[uint32]int{1: 900, 2: 300}

	body := RebuildOFST(cells, bounds, 0, offsets, false)
	v, _ := binprim.ReadU32(body, 0, false)
	if v != 300 {
		t.Fatalf("slot = %d, want 300", v)
	}
}
