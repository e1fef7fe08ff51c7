package esm

import (
	"embed"
	"fmt"
	"io"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/slfx77/fallout-xbox-360-utils/binprim"
	"github.com/slfx77/fallout-xbox-360-utils/dumpmap"
)

// Record is one reconstructed, immutable semantic object: a weapon, an
// NPC, a cell, a worldspace, and so on. Record types form an
// inheritance-style family in the source; here that's modeled as a
// tagged union (Signature plus a shared header prefix) with per-tag
// fields living in Fields, decoded by the table in recordDecoders.
type Record struct {
	Signature string
	FormID    uint32
	Flags     uint32
	EditorID  string
	FlagNames []string
	Fields    map[string]any
}

// recordDecoder turns one record's already-split subrecord bodies into
// typed fields and decoded flag names. subs is keyed by subrecord
// signature; bigEndian describes the byte order those bodies are still
// in.
type recordDecoder func(subs map[string][]byte, bigEndian bool, flagReg *FlagRegistry) (fields map[string]any, flagNames []string)

var recordDecoders = map[string]recordDecoder{
	"WEAP": decodeWEAP,
	"ARMO": decodeARMO,
	"NPC_": decodeNPC,
	"CELL": decodeCELLRecord,
	"WRLD": decodeWRLDRecord,
}

func decodeEDID(subs map[string][]byte) string {
	if b, ok := subs["EDID"]; ok {
		return trimNUL(string(b))
	}
	return ""
}

func trimNUL(s string) string {
	if i := strings.IndexByte(s, 0); i >= 0 {
		return s[:i]
	}
	return s
}

func decodeWEAP(subs map[string][]byte, bigEndian bool, flagReg *FlagRegistry) (map[string]any, []string) {
	fields := map[string]any{}
	var names []string
	if b, ok := subs["DATA"]; ok && len(b) >= 12 {
		value, _ := binprim.ReadU32(b, 0, bigEndian)
		weight, _ := binprim.ReadF32(b, 4, bigEndian)
		damage, _ := binprim.ReadU32(b, 8, bigEndian)
		fields["value"] = value
		fields["weight"] = weight
		fields["damage"] = damage
	}
	if b, ok := subs["HEDR"]; ok && len(b) >= 4 {
		v, _ := binprim.ReadU32(b, 0, bigEndian)
		names = flagReg.Decode("WEAP", "HEDR", v)
	}
	return fields, names
}

func decodeARMO(subs map[string][]byte, bigEndian bool, flagReg *FlagRegistry) (map[string]any, []string) {
	fields := map[string]any{}
	if b, ok := subs["DATA"]; ok && len(b) >= 12 {
		value, _ := binprim.ReadU32(b, 0, bigEndian)
		weight, _ := binprim.ReadF32(b, 4, bigEndian)
		rating, _ := binprim.ReadU32(b, 8, bigEndian)
		fields["value"] = value
		fields["weight"] = weight
		fields["armorRating"] = rating
	}
	return fields, nil
}

func decodeNPC(subs map[string][]byte, bigEndian bool, flagReg *FlagRegistry) (map[string]any, []string) {
	fields := map[string]any{}
	var names []string
	b, ok := subs["ACBS"]
	if !ok || len(b) < 16 {
		return fields, names
	}
	acbsFlags, _ := binprim.ReadU32(b, 0, bigEndian)
	fatigueOffset, _ := binprim.ReadU16(b, 4, bigEndian)
	barterGold, _ := binprim.ReadU16(b, 6, bigEndian)
	level, _ := binprim.ReadU16(b, 8, bigEndian)
	calcMinLevel, _ := binprim.ReadU16(b, 10, bigEndian)
	calcMaxLevel, _ := binprim.ReadU16(b, 12, bigEndian)
	speedMultiplier, _ := binprim.ReadU16(b, 14, bigEndian)
	fields["fatigueOffset"] = fatigueOffset
	fields["barterGold"] = barterGold
	fields["level"] = level
	fields["calcMinLevel"] = calcMinLevel
	fields["calcMaxLevel"] = calcMaxLevel
	fields["speedMultiplier"] = speedMultiplier
	names = flagReg.Decode("NPC_", "ACBS", acbsFlags)
	return fields, names
}

func decodeCELLRecord(subs map[string][]byte, bigEndian bool, flagReg *FlagRegistry) (map[string]any, []string) {
	fields := map[string]any{}
	var names []string
	if b, ok := subs["DATA"]; ok && len(b) >= 4 {
		v, _ := binprim.ReadU32(b, 0, bigEndian)
		names = flagReg.Decode("CELL", "DATA", v)
	}
	if b, ok := subs["XCLC"]; ok && len(b) >= 8 {
		x, _ := binprim.ReadI32(b, 0, bigEndian)
		y, _ := binprim.ReadI32(b, 4, bigEndian)
		fields["gridX"] = x
		fields["gridY"] = y
	}
	return fields, names
}

func decodeWRLDRecord(subs map[string][]byte, bigEndian bool, flagReg *FlagRegistry) (map[string]any, []string) {
	fields := map[string]any{}
	var names []string
	if b, ok := subs["DATA"]; ok && len(b) >= 4 {
		v, _ := binprim.ReadU32(b, 0, bigEndian)
		names = flagReg.Decode("WRLD", "DATA", v)
	}
	if b, ok := subs["NAM0"]; ok && len(b) >= 8 {
		x, _ := binprim.ReadF32(b, 0, bigEndian)
		y, _ := binprim.ReadF32(b, 4, bigEndian)
		fields["minX"] = x
		fields["minY"] = y
	}
	if b, ok := subs["NAM9"]; ok && len(b) >= 8 {
		x, _ := binprim.ReadF32(b, 0, bigEndian)
		y, _ := binprim.ReadF32(b, 4, bigEndian)
		fields["maxX"] = x
		fields["maxY"] = y
	}
	return fields, names
}

// ReconstructFromFile decodes every record in r (size bytes long, in
// the given byte order) into a Record, using recordDecoders for the
// signatures it knows and leaving Fields nil (EditorID and raw flags
// still populated) for everything else. Compressed payloads are
// inflated first; a record whose stream can't be inflated is skipped. A
// nil flagReg means the default bitfield registry.
func ReconstructFromFile(r io.ReaderAt, size int64, bigEndian bool, flagReg *FlagRegistry) ([]Record, error) {
	if flagReg == nil {
		flagReg = DefaultFlagRegistry()
	}
	buf := make([]byte, size)
	if _, err := r.ReadAt(buf, 0); err != nil && err != io.EOF {
		return nil, fmt.Errorf("esm: read source: %w", err)
	}

	var records []Record
	pos := 0
	for pos < len(buf) {
		sig, err := binprim.ReadSignature(buf, pos, bigEndian)
		if err != nil {
			break
		}

		if sig == GroupMagic {
			gh, err := DecodeGroupHeader(buf, pos, bigEndian)
			if err != nil || gh.Size < GroupHeaderSize || pos+int(gh.Size) > len(buf) {
				break
			}
			pos += GroupHeaderSize
			continue
		}

		if !isValidToken(sig) {
			pos++
			continue
		}
		rh, err := DecodeHeader(buf, pos, bigEndian)
		if err != nil {
			break
		}
		recSize := HeaderSize + int(rh.DataSize)
		if recSize < HeaderSize || pos+recSize > len(buf) {
			break
		}

		payload := buf[pos+HeaderSize : pos+recSize]
		if rh.Compressed() {
			inflated, err := decompressRecordPayload(payload, bigEndian)
			if err != nil {
				// Keep going; one bad stream shouldn't drop the
				// rest of the file.
				pos += recSize
				continue
			}
			payload = inflated
		}

		subs := make(map[string][]byte)
		_ = IterateSubrecords(payload, bigEndian, func(sr Subrecord) error {
			subs[sr.Signature] = append([]byte(nil), sr.Body...)
			return nil
		})

		rec := Record{
			Signature: rh.Signature,
			FormID:    rh.FormID,
			Flags:     rh.Flags,
			EditorID:  decodeEDID(subs),
		}
		if dec, ok := recordDecoders[rh.Signature]; ok {
			rec.Fields, rec.FlagNames = dec(subs, bigEndian, flagReg)
		}
		records = append(records, rec)

		pos += recSize
	}
	return records, nil
}

// FieldSpec names one field inside a runtime struct read directly out of
// a live dump: its byte offset, width, and interpretation. Kind "va"
// marks a pointer field, resolved through dumpmap.Dump.VAToFileOffset
// rather than returned as a raw integer.
type FieldSpec struct {
	Name   string `toml:"name"`
	Offset int    `toml:"offset"`
	Width  int    `toml:"width"`
	Kind   string `toml:"kind"` // "int", "float", "cstring", "va"
	Signed bool   `toml:"signed"`
}

// RecordLayout is the versioned runtime-struct-offset table for one
// record type, read directly out of a live dump. The offsets are
// empirical per game build, so they are configuration, not invariants.
type RecordLayout struct {
	Signature string      `toml:"signature"`
	Size      int         `toml:"size"`
	Fields    []FieldSpec `toml:"fields"`
}

// DumpLayout is a named, versioned collection of RecordLayouts.
// LoadDumpLayout reads a replacement table, so a different game build
// needs a data file rather than a rebuild; the CLI has no flag for one.
type DumpLayout struct {
	Version int            `toml:"version"`
	Records []RecordLayout `toml:"entry"`
}

// LoadDumpLayout parses data (TOML, the DumpLayout shape) into a new
// DumpLayout.
func LoadDumpLayout(data []byte) (DumpLayout, error) {
	var layout DumpLayout
	if _, err := toml.Decode(string(data), &layout); err != nil {
		return DumpLayout{}, fmt.Errorf("esm: decode dump layout: %w", err)
	}
	return layout, nil
}

//go:embed defaults/dumplayout.toml
var defaultDumpLayoutTOML embed.FS

// DefaultDumpLayout returns the runtime-struct layout table this module
// ships.
func DefaultDumpLayout() DumpLayout {
	data, err := defaultDumpLayoutTOML.ReadFile("defaults/dumplayout.toml")
	if err != nil {
		return DumpLayout{Version: 1}
	}
	layout, err := LoadDumpLayout(data)
	if err != nil {
		return DumpLayout{Version: 1}
	}
	return layout
}

// LayoutFor returns the RecordLayout for signature, or ok=false if none
// is registered.
func (l DumpLayout) LayoutFor(signature string) (RecordLayout, bool) {
	for _, rl := range l.Records {
		if rl.Signature == signature {
			return rl, true
		}
	}
	return RecordLayout{}, false
}

// ReconstructFromDump decodes one Record per virtual address in roots,
// reading layout's fields directly out of d's mapped bytes after
// resolving each root VA through d.VAToFileOffset. Dump bytes are
// always read big-endian, the source platform's native
// order, unlike a transcoded ESM file. A root whose struct, or any VA
// field chased inside it (sounds, projectiles, FaceGen arrays), can't
// be resolved is omitted from the result entirely rather
// than returned partially populated.
func ReconstructFromDump(d *dumpmap.Dump, layout RecordLayout, roots []uint64, flagReg *FlagRegistry) []Record {
	if flagReg == nil {
		flagReg = DefaultFlagRegistry()
	}
	data := d.Bytes()

	var out []Record
	for _, va := range roots {
		rec, ok := decodeRuntimeStruct(data, d, layout, va)
		if !ok {
			continue
		}
		out = append(out, rec)
	}
	return out
}

func decodeRuntimeStruct(data []byte, d *dumpmap.Dump, layout RecordLayout, va uint64) (Record, bool) {
	fileOffset, ok := d.VAToFileOffset(va)
	if !ok {
		return Record{}, false
	}
	base := int(fileOffset)
	if base < 0 || layout.Size < 0 || base+layout.Size > len(data) {
		return Record{}, false
	}

	fields := make(map[string]any, len(layout.Fields))
	for _, f := range layout.Fields {
		start := base + f.Offset
		if start < 0 || f.Width < 0 || start+f.Width > len(data) {
			return Record{}, false
		}

		switch f.Kind {
		case "va":
			ptr, err := binprim.ReadU32(data, start, true)
			if err != nil {
				return Record{}, false
			}
			if ptr == 0 {
				fields[f.Name] = uint64(0)
				continue
			}
			if !dumpmap.ValidPointer(uint64(ptr)) {
				return Record{}, false
			}
			targetOffset, ok := d.VAToFileOffset(uint64(ptr))
			if !ok {
				return Record{}, false
			}
			fields[f.Name] = targetOffset
		case "cstring":
			end := start
			for end < base+layout.Size && end < len(data) && data[end] != 0 {
				end++
			}
			fields[f.Name] = string(data[start:end])
		case "float":
			v, err := readRuntimeFloat(data, start, f.Width)
			if err != nil {
				return Record{}, false
			}
			fields[f.Name] = v
		default:
			v, err := readRuntimeInt(data, start, f.Width, f.Signed)
			if err != nil {
				return Record{}, false
			}
			fields[f.Name] = v
		}
	}

	rec := Record{Signature: layout.Signature, Fields: fields}
	if v, ok := fields["formID"].(uint32); ok {
		rec.FormID = v
	}
	return rec, true
}

func readRuntimeFloat(data []byte, offset, width int) (float64, error) {
	switch width {
	case 4:
		v, err := binprim.ReadF32(data, offset, true)
		return float64(v), err
	case 8:
		return binprim.ReadF64(data, offset, true)
	default:
		return 0, ErrInvalidArgument
	}
}

func readRuntimeInt(data []byte, offset, width int, signed bool) (any, error) {
	switch {
	case width == 1 && signed:
		return binprim.ReadI8(data, offset)
	case width == 1:
		return binprim.ReadU8(data, offset)
	case width == 2 && signed:
		return binprim.ReadI16(data, offset, true)
	case width == 2:
		return binprim.ReadU16(data, offset, true)
	case width == 4 && signed:
		return binprim.ReadI32(data, offset, true)
	case width == 4:
		return binprim.ReadU32(data, offset, true)
	case width == 8 && signed:
		return binprim.ReadI64(data, offset, true)
	case width == 8:
		return binprim.ReadU64(data, offset, true)
	default:
		return nil, ErrInvalidArgument
	}
}
