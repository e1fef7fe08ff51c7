package esm

import (
	"embed"
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/slfx77/fallout-xbox-360-utils/binprim"
)

// Field describes one fixed-width numeric field inside a subrecord body
// that must be byte-flipped during transcoding. Fields not covered by
// any entry (plain byte arrays, ASCII strings) are passed through
// untouched.
type Field struct {
	Offset int    `toml:"offset"`
	Width  int    `toml:"width"` // 1, 2, 4, or 8
	Kind   string `toml:"kind"`  // "int" or "float"
	Signed bool   `toml:"signed"`
}

// recordSubrecordKey identifies one (record signature, subrecord
// signature) pair in the schema table.
type recordSubrecordKey struct {
	Record    string
	Subrecord string
}

// Schema is the (record signature, subrecord signature) -> field layout
// table driving subrecord re-encoding. The zero value is an empty schema (every subrecord body
// passes through unmodified); use DefaultSchema for the shipped table.
type Schema struct {
	fields map[recordSubrecordKey][]Field
}

// NewSchema returns an empty schema.
func NewSchema() *Schema {
	return &Schema{fields: make(map[recordSubrecordKey][]Field)}
}

// FieldsFor returns the field layout for (record, subrecord), or nil if
// none is registered (meaning: pass the body through byte-for-byte).
func (s *Schema) FieldsFor(record, subrecord string) []Field {
	if s == nil {
		return nil
	}
	return s.fields[recordSubrecordKey{record, subrecord}]
}

// Register adds or replaces the field layout for (record, subrecord).
func (s *Schema) Register(record, subrecord string, fields []Field) {
	s.fields[recordSubrecordKey{record, subrecord}] = fields
}

// schemaFile is the TOML shape DefaultSchema and LoadSchema
// decode: a flat list of (record, subrecord, fields) entries, which
// reads more naturally than a nested table keyed on a composite string.
type schemaFile struct {
	Entry []struct {
		Record    string  `toml:"record"`
		Subrecord string  `toml:"subrecord"`
		Fields    []Field `toml:"fields"`
	} `toml:"entry"`
}

// LoadSchema parses data (TOML, the schemaFile shape) into a new Schema.
func LoadSchema(data []byte) (*Schema, error) {
	var f schemaFile
	if _, err := toml.Decode(string(data), &f); err != nil {
		return nil, fmt.Errorf("esm: decode schema: %w", err)
	}
	s := NewSchema()
	for _, e := range f.Entry {
		s.Register(e.Record, e.Subrecord, e.Fields)
	}
	return s, nil
}

//go:embed defaults/schema.toml
var defaultSchemaTOML embed.FS

// DefaultSchema returns the schema table this module ships, covering the
// handful of subrecords the transcoder and record-reconstruction tests
// exercise concretely. An operator can extend it with LoadSchema and
// merge via Register.
func DefaultSchema() *Schema {
	data, err := defaultSchemaTOML.ReadFile("defaults/schema.toml")
	if err != nil {
		return NewSchema()
	}
	s, err := LoadSchema(data)
	if err != nil {
		return NewSchema()
	}
	return s
}

// reencodeSubrecordBody rewrites body in place according to fields,
// re-reading each numeric span in srcBigEndian and re-writing it in
// dstBigEndian. Bytes outside any declared field (plain arrays, ASCII
// strings) are copied through unmodified. body must already be a copy
// the caller owns (the transcoder always passes a freshly sliced output
// buffer region).
func reencodeSubrecordBody(body []byte, fields []Field, srcBigEndian, dstBigEndian bool) {
	for _, f := range fields {
		if f.Offset < 0 || f.Offset+f.Width > len(body) {
			continue
		}
		span := body[f.Offset : f.Offset+f.Width]
		switch {
		case f.Kind == "float" && f.Width == 4:
			v, err := binprim.ReadF32(span, 0, srcBigEndian)
			if err == nil {
				_ = binprim.PutF32(span, 0, v, dstBigEndian)
			}
		case f.Kind == "float" && f.Width == 8:
			v, err := binprim.ReadF64(span, 0, srcBigEndian)
			if err == nil {
				_ = binprim.PutF64(span, 0, v, dstBigEndian)
			}
		case f.Width == 2:
			v, err := binprim.ReadU16(span, 0, srcBigEndian)
			if err == nil {
				_ = binprim.PutU16(span, 0, v, dstBigEndian)
			}
		case f.Width == 4:
			v, err := binprim.ReadU32(span, 0, srcBigEndian)
			if err == nil {
				_ = binprim.PutU32(span, 0, v, dstBigEndian)
			}
		case f.Width == 8:
			v, err := binprim.ReadU64(span, 0, srcBigEndian)
			if err == nil {
				_ = binprim.PutU64(span, 0, v, dstBigEndian)
			}
		}
	}
}
