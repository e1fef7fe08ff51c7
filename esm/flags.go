package esm

import (
	"embed"
	"fmt"

	"github.com/BurntSushi/toml"
)

// FlagBit names one bit (or bitmask) within a record type's flag
// subrecord.
type FlagBit struct {
	Name string `toml:"name"`
	Mask uint32 `toml:"mask"`
}

// FlagRegistry maps a record type's flag subrecord to its named bit
// definitions. Flag layouts differ between game variants, so the table
// is loadable data rather than Go constants. Keyed by
// (record signature, flag subrecord signature) since several record
// types carry more than one flag field (e.g. NPC_'s ACBS flags vs. its
// top-level record-header flags).
type FlagRegistry struct {
	bits map[recordSubrecordKey][]FlagBit
}

// NewFlagRegistry returns an empty registry.
func NewFlagRegistry() *FlagRegistry {
	return &FlagRegistry{bits: make(map[recordSubrecordKey][]FlagBit)}
}

// Register adds or replaces the bit definitions for (record, subrecord).
func (r *FlagRegistry) Register(record, subrecord string, bits []FlagBit) {
	r.bits[recordSubrecordKey{record, subrecord}] = bits
}

// Decode returns the names of every bit set in value for (record,
// subrecord), in registration order. Bits with no matching definition
// are silently omitted rather than erroring, since flag layouts are
// expected to drift across game variants.
func (r *FlagRegistry) Decode(record, subrecord string, value uint32) []string {
	if r == nil {
		return nil
	}
	var names []string
	for _, b := range r.bits[recordSubrecordKey{record, subrecord}] {
		if value&b.Mask == b.Mask {
			names = append(names, b.Name)
		}
	}
	return names
}

type flagFile struct {
	Entry []struct {
		Record    string    `toml:"record"`
		Subrecord string    `toml:"subrecord"`
		Bits      []FlagBit `toml:"bits"`
	} `toml:"entry"`
}

// LoadFlagRegistry parses data (TOML, the flagFile shape) into a new
// FlagRegistry.
func LoadFlagRegistry(data []byte) (*FlagRegistry, error) {
	var f flagFile
	if _, err := toml.Decode(string(data), &f); err != nil {
		return nil, fmt.Errorf("esm: decode flag registry: %w", err)
	}
	r := NewFlagRegistry()
	for _, e := range f.Entry {
		r.Register(e.Record, e.Subrecord, e.Bits)
	}
	return r, nil
}

//go:embed defaults/flags.toml
var defaultFlagsTOML embed.FS

// DefaultFlagRegistry returns the bitfield registry this module ships.
func DefaultFlagRegistry() *FlagRegistry {
	data, err := defaultFlagsTOML.ReadFile("defaults/flags.toml")
	if err != nil {
		return NewFlagRegistry()
	}
	r, err := LoadFlagRegistry(data)
	if err != nil {
		return NewFlagRegistry()
	}
	return r
}
