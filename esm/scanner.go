package esm

import (
	"os"

	"github.com/slfx77/fallout-xbox-360-utils/binprim"
	"github.com/slfx77/fallout-xbox-360-utils/log"
	"github.com/slfx77/fallout-xbox-360-utils/matcher"
)

// MasterFileSignature is the record signature that marks a master data
// file header, in canonical (un-reversed) ASCII.
const MasterFileSignature = "TES4"

// streamingCacheSignature marks the runtime-only streaming-cache
// region some source files carry
// after the nested hierarchy, holding child groups belonging to cells
// that live earlier in the file.
const streamingCacheSignature = "TOFT"

// cellFallbackThreshold: if pass 1 indexed fewer cells than this, the
// scanner re-seeds from a signature-only sweep.
const cellFallbackThreshold = 1000

// DetectByteOrder reports the byte order a source buffer was written in
// by trying both orders against MasterFileSignature at offset 0, the
// simplest value in the header guaranteed to differ between byte orders.
func DetectByteOrder(src []byte) (bigEndian bool, err error) {
	if sig, e := binprim.ReadSignature(src, 0, false); e == nil && sig == MasterFileSignature {
		return false, nil
	}
	if sig, e := binprim.ReadSignature(src, 0, true); e == nil && sig == MasterFileSignature {
		return true, nil
	}
	return false, ErrNotMasterFile
}

type groupFrame struct {
	end       int
	groupType int32
	label     [4]byte
	// traversedExteriorBlock is set once this frame or any ancestor
	// below the enclosing world is a type 4/5 exterior block/sub-block
	// group; cells whose chain never traverses one are world persistent.
	traversedExteriorBlock bool
}

// Scan indexes a source ESM: it detects byte
// order, then runs the nested walk (pass 1), the flat streaming-cache
// scan (pass 2), the file-wide stray-group sweep (pass 3), and the two
// fallback re-seeds, producing a read-only ConversionIndex.
func Scan(src []byte, logger *log.Helper) (*ConversionIndex, bool, ScanStats, error) {
	if logger == nil {
		logger = log.NewHelper(log.NewFilter(log.NewStdLogger(os.Stdout), log.FilterLevel(log.LevelError)))
	}

	bigEndian, err := DetectByteOrder(src)
	if err != nil {
		return nil, false, ScanStats{}, err
	}

	hdr, err := DecodeHeader(src, 0, bigEndian)
	if err != nil {
		return nil, false, ScanStats{}, err
	}

	idx := newConversionIndex()
	pos := HeaderSize + int(hdr.DataSize)

	pos = scanPass1(src, bigEndian, pos, idx, logger)
	scanPass2(src, bigEndian, idx, logger)
	scanPass3(src, bigEndian, idx, logger)

	stats := ScanStats{WorldsFound: len(idx.Worlds), CellsFound: len(idx.Cells)}
	for range idx.ChildGroups {
		stats.ChildGroupsIndexed++
	}

	if len(idx.Worlds) == 0 {
		fallbackSeedWorlds(src, bigEndian, idx)
		stats.UsedWorldFallback = true
		stats.WorldsFound = len(idx.Worlds)
		logger.Warnf("esm: pass 1 found no worlds, used signature-only WRLD fallback (%d found)", len(idx.Worlds))
	}
	if len(idx.Cells) < cellFallbackThreshold {
		n := fallbackSeedCells(src, bigEndian, idx)
		if n > 0 {
			stats.UsedCellFallback = true
			stats.CellsFound = len(idx.Cells)
			logger.Warnf("esm: pass 1 indexed %d cells (< %d), signature-only CELL fallback added %d more", stats.CellsFound-n, cellFallbackThreshold, n)
		}
	}

	return idx, bigEndian, stats, nil
}

// scanPass1 performs the explicit-stack nested walk of the group
// hierarchy, returning the final scan position (useful to callers that want to
// know where the nested hierarchy ended, e.g. before locating the
// streaming-cache marker).
func scanPass1(src []byte, bigEndian bool, pos int, idx *ConversionIndex, logger *log.Helper) int {
	var stack []groupFrame

	for pos < len(src) {
		for len(stack) > 0 && pos >= stack[len(stack)-1].end {
			stack = stack[:len(stack)-1]
		}

		sig, err := binprim.ReadSignature(src, pos, bigEndian)
		if err != nil {
			break
		}

		if sig == GroupMagic {
			gh, err := DecodeGroupHeader(src, pos, bigEndian)
			if err != nil || gh.Size < GroupHeaderSize || pos+int(gh.Size) > len(src) {
				break
			}
			frame := groupFrame{end: pos + int(gh.Size), groupType: gh.Type, label: gh.Label}
			if len(stack) > 0 && (stack[len(stack)-1].traversedExteriorBlock || gh.Type == 4 || gh.Type == 5) {
				frame.traversedExteriorBlock = true
			} else if gh.Type == 4 || gh.Type == 5 {
				frame.traversedExteriorBlock = true
			}
			stack = append(stack, frame)
			pos += GroupHeaderSize
			continue
		}

		if !isValidToken(sig) {
			break
		}
		rh, err := DecodeHeader(src, pos, bigEndian)
		if err != nil {
			break
		}
		recSize := HeaderSize + int(rh.DataSize)
		if recSize < HeaderSize || pos+recSize > len(src) {
			break
		}

		switch rh.Signature {
		case "WRLD":
			idx.Worlds = append(idx.Worlds, WorldEntry{FormID: rh.FormID, Offset: uint64(pos)})
		case "CELL":
			indexCell(src, bigEndian, pos, recSize, rh, stack, idx, logger)
		}

		pos += recSize
	}
	return pos
}

// indexCell extracts a CELL record's grid coordinates (if any) and
// associates it with its nearest enclosing world.
func indexCell(src []byte, bigEndian bool, pos, recSize int, rh Header, stack []groupFrame, idx *ConversionIndex, logger *log.Helper) {
	ci := &CellInfo{
		Offset:          uint64(pos),
		Flags:           rh.Flags,
		Size:            uint32(recSize),
		Interior:        true,
		WorldPersistent: true,
	}

	payload := src[pos+HeaderSize : pos+recSize]
	if rh.Compressed() {
		dec, err := decompressRecordPayload(payload, bigEndian)
		if err != nil {
			logger.Warnf("esm: cell %#x: %v; indexing without grid", rh.FormID, err)
			payload = nil
		} else {
			payload = dec
		}
	}
	if payload != nil {
		_ = IterateSubrecords(payload, bigEndian, func(sr Subrecord) error {
			if sr.Signature == "XCLC" && len(sr.Body) >= 8 {
				x, err1 := binprim.ReadI32(sr.Body, 0, bigEndian)
				y, err2 := binprim.ReadI32(sr.Body, 4, bigEndian)
				if err1 == nil && err2 == nil {
					ci.GridX, ci.GridY, ci.HasGrid = x, y, true
					ci.Interior = false
				}
			}
			return nil
		})
	}

	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i].groupType == 1 {
			ci.ParentWorld = frameLabelFormID(stack[i], bigEndian)
			ci.HasParentWorld = true
			break
		}
	}

	for _, f := range stack {
		if f.traversedExteriorBlock {
			ci.WorldPersistent = false
			break
		}
	}

	idx.Cells[rh.FormID] = ci

	if ci.HasParentWorld {
		if ci.HasGrid {
			idx.ExteriorCellsByWorld[ci.ParentWorld] = append(idx.ExteriorCellsByWorld[ci.ParentWorld], rh.FormID)
		} else if ci.WorldPersistent {
			if _, exists := idx.WorldPersistentCellByWorld[ci.ParentWorld]; exists {
				logger.Warnf("esm: world %#x already has a persistent cell, ignoring duplicate %#x", ci.ParentWorld, rh.FormID)
			} else {
				idx.WorldPersistentCellByWorld[ci.ParentWorld] = rh.FormID
			}
		}
	}
}

func frameLabelFormID(f groupFrame, bigEndian bool) uint32 {
	gh := GroupHeader{Label: f.label}
	return gh.LabelFormID(bigEndian)
}

// scanPass2 handles child groups stored flat: locate the streaming-cache
// marker, then linearly enumerate the child groups (types 8/9/10) stored
// after it, indexing them by (cell form id, group type).
func scanPass2(src []byte, bigEndian bool, idx *ConversionIndex, logger *log.Helper) {
	marker := matcher.New()
	sigBytes := []byte(streamingCacheSignature)
	if bigEndian {
		sigBytes = reversed4(sigBytes)
	}
	if err := marker.AddPattern(0, sigBytes); err != nil {
		return
	}
	marker.Build()
	hits, err := marker.Search(src, 0)
	if err != nil || len(hits) == 0 {
		return
	}
	start := int(hits[0].Offset)

	pos := start
	for pos < len(src) {
		sig, err := binprim.ReadSignature(src, pos, bigEndian)
		if err != nil {
			break
		}
		if sig != GroupMagic {
			pos++
			continue
		}
		gh, err := DecodeGroupHeader(src, pos, bigEndian)
		if err != nil || gh.Size < GroupHeaderSize || pos+int(gh.Size) > len(src) {
			pos++
			continue
		}
		if gh.Type == 8 || gh.Type == 9 || gh.Type == 10 {
			key := ChildGroupKey{CellFormID: gh.LabelFormID(bigEndian), GroupType: gh.Type}
			idx.ChildGroups[key] = FileRange{Offset: uint64(pos), Size: uint64(gh.Size)}
		}
		pos += int(gh.Size)
	}
}

// scanPass3 catches strays: sweep the entire buffer for
// the group magic and add any type-8/9/10 group not already indexed at
// its offset, deduplicating by offset.
func scanPass3(src []byte, bigEndian bool, idx *ConversionIndex, logger *log.Helper) {
	seen := make(map[uint64]bool, len(idx.ChildGroups))
	for _, fr := range idx.ChildGroups {
		seen[fr.Offset] = true
	}

	m := matcher.New()
	sigBytes := []byte(GroupMagic)
	if bigEndian {
		sigBytes = reversed4(sigBytes)
	}
	if err := m.AddPattern(0, sigBytes); err != nil {
		return
	}
	m.Build()
	hits, err := m.Search(src, 0)
	if err != nil {
		return
	}

	for _, hit := range hits {
		offset := hit.Offset
		if seen[uint64(offset)] {
			continue
		}
		gh, err := DecodeGroupHeader(src, int(offset), bigEndian)
		if err != nil || gh.Size < GroupHeaderSize || int(offset)+int(gh.Size) > len(src) {
			continue
		}
		if gh.Type != 8 && gh.Type != 9 && gh.Type != 10 {
			continue
		}
		key := ChildGroupKey{CellFormID: gh.LabelFormID(bigEndian), GroupType: gh.Type}
		if existing, ok := idx.ChildGroups[key]; ok && existing.Offset == uint64(offset) {
			continue
		}
		idx.ChildGroups[key] = FileRange{Offset: uint64(offset), Size: uint64(gh.Size)}
		seen[uint64(offset)] = true
	}
}

// fallbackSeedWorlds re-seeds the world list with a signature-only
// search for WRLD records, used when pass 1 found none.
func fallbackSeedWorlds(src []byte, bigEndian bool, idx *ConversionIndex) {
	forEachRecordSignatureMatch(src, bigEndian, "WRLD", func(pos int, rh Header) {
		idx.Worlds = append(idx.Worlds, WorldEntry{FormID: rh.FormID, Offset: uint64(pos)})
	})
}

// fallbackSeedCells re-seeds the cell map with a signature-only search
// for CELL records when pass 1 indexed suspiciously few, associating any
// cell with a grid to the first known world. Returns the number of
// cells added.
func fallbackSeedCells(src []byte, bigEndian bool, idx *ConversionIndex) int {
	var firstWorld uint32
	haveWorld := len(idx.Worlds) > 0
	if haveWorld {
		firstWorld = idx.Worlds[0].FormID
	}

	added := 0
	forEachRecordSignatureMatch(src, bigEndian, "CELL", func(pos int, rh Header) {
		if _, exists := idx.Cells[rh.FormID]; exists {
			return
		}
		recSize := HeaderSize + int(rh.DataSize)
		if pos+recSize > len(src) {
			return
		}
		ci := &CellInfo{Offset: uint64(pos), Flags: rh.Flags, Size: uint32(recSize), Interior: true}
		if !rh.Compressed() {
			payload := src[pos+HeaderSize : pos+recSize]
			_ = IterateSubrecords(payload, bigEndian, func(sr Subrecord) error {
				if sr.Signature == "XCLC" && len(sr.Body) >= 8 {
					x, err1 := binprim.ReadI32(sr.Body, 0, bigEndian)
					y, err2 := binprim.ReadI32(sr.Body, 4, bigEndian)
					if err1 == nil && err2 == nil {
						ci.GridX, ci.GridY, ci.HasGrid = x, y, true
						ci.Interior = false
					}
				}
				return nil
			})
		}
		if ci.HasGrid && haveWorld {
			ci.ParentWorld, ci.HasParentWorld = firstWorld, true
			idx.ExteriorCellsByWorld[firstWorld] = append(idx.ExteriorCellsByWorld[firstWorld], rh.FormID)
		}
		idx.Cells[rh.FormID] = ci
		added++
	})
	return added
}

// forEachRecordSignatureMatch scans src for every occurrence of
// recordType's record signature and, for each candidate where a
// well-formed record header follows, calls fn. Signature bytes also
// occur inside group labels and string data, so a candidate must clear
// three checks before it counts: a plausible non-empty data size, a form
// id that isn't four printable-ASCII characters (a tag, not an id), and
// a payload that parses cleanly as subrecords.
func forEachRecordSignatureMatch(src []byte, bigEndian bool, recordType string, fn func(pos int, rh Header)) {
	sigBytes := []byte(recordType)
	if bigEndian {
		sigBytes = reversed4(sigBytes)
	}
	m := matcher.New()
	if err := m.AddPattern(0, sigBytes); err != nil {
		return
	}
	m.Build()
	hits, err := m.Search(src, 0)
	if err != nil {
		return
	}
	for _, hit := range hits {
		pos := int(hit.Offset)
		rh, err := DecodeHeader(src, pos, bigEndian)
		if err != nil || rh.Signature != recordType {
			continue
		}
		if rh.DataSize < SubrecordHeaderSize || pos+HeaderSize+int(rh.DataSize) > len(src) {
			continue
		}
		if formIDLooksLikeText(rh.FormID) {
			continue
		}
		if !rh.Compressed() {
			payload := src[pos+HeaderSize : pos+HeaderSize+int(rh.DataSize)]
			if IterateSubrecords(payload, bigEndian, func(Subrecord) error { return nil }) != nil {
				continue
			}
		}
		fn(pos, rh)
	}
}

// formIDLooksLikeText reports whether all four bytes of id are printable
// ASCII, which marks the "form id" as adjacent tag text rather than a
// real identifier.
func formIDLooksLikeText(id uint32) bool {
	for shift := 0; shift < 32; shift += 8 {
		b := byte(id >> shift)
		if b < 0x20 || b > 0x7e {
			return false
		}
	}
	return true
}

func reversed4(b []byte) []byte {
	out := make([]byte, 4)
	out[0], out[1], out[2], out[3] = b[3], b[2], b[1], b[0]
	return out
}
