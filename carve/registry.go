// Package carve implements the file-format registry and the carver
// engine that drives it over a memory dump.
package carve

import (
	"embed"
	"errors"
	"fmt"

	"github.com/BurntSushi/toml"
)

// Errors.
var (
	ErrInvalidArgument = errors.New("carve: invalid argument")
	ErrUnknownFormat   = errors.New("carve: unknown format id")
)

// Signature is one magic-byte pattern a Format is discovered by.
type Signature struct {
	ID          int
	Magic       []byte
	Description string
}

// ParseResult is what a HeaderParser returns on acceptance.
type ParseResult struct {
	// Size is the estimated total size of the carved file, including
	// any LeadingBytes.
	Size int64

	// LeadingBytes lets a format whose real start precedes the magic
	// (for example a header-comment prefix) shift the carve's start
	// offset backwards.
	LeadingBytes int64

	// OutputFolder/Extension override the format's defaults when set.
	OutputFolder string
	Extension    string

	// IsCompressed reports that the payload is a compressed encoding
	// (a block-compressed texture, a deflate-backed image), as opposed
	// to raw sample/pixel data.
	IsCompressed bool

	// ContentType is the media type recorded on the carve entry.
	ContentType string

	// Notes carries a free-text diagnostic for the carve entry; the
	// engine appends its own reassembly notes after it.
	Notes string

	// Metadata is a free-form bag attached to the resulting carve
	// entry (embedded original path, leading-comment byte count, ...).
	Metadata map[string]string
}

// HeaderParser validates a candidate carve at signatureOffsetInWindow
// within window (the bytes surrounding the matched magic) and returns a
// ParseResult on acceptance, or ok=false to reject the candidate.
type HeaderParser func(window []byte, signatureOffsetInWindow int) (result *ParseResult, ok bool)

// Format describes one carvable file type.
type Format struct {
	ID           string
	Name         string
	OutputFolder string
	Extension    string
	MinSize      int64
	MaxSize      int64

	// ScanEnabled is false for formats discovered exclusively through
	// dump-metadata walking (e.g. executable modules), never through
	// magic-byte scanning.
	ScanEnabled bool

	Signatures []Signature

	// ContextBefore/ContextAfter size the window passed to Parser
	// around a signature match. Defaults to 512/512 when zero;
	// formats that need to scan forward for trailing structures (xma)
	// raise ContextAfter up to 512 KiB.
	ContextBefore int
	ContextAfter  int

	Parser HeaderParser
}

func (f Format) contextBefore() int {
	if f.ContextBefore > 0 {
		return f.ContextBefore
	}
	return 512
}

func (f Format) contextAfter() int {
	if f.ContextAfter > 0 {
		return f.ContextAfter
	}
	return 512
}

// Registry holds the set of known formats in deterministic registration
// order. The zero value is not usable; use NewRegistry or DefaultRegistry.
type Registry struct {
	order []string
	byID  map[string]*Format
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]*Format)}
}

// Register adds or replaces a format. When two signatures match the
// same dump offset, the hit for the earlier-registered format wins the
// tiebreak, so registration order is part of the deterministic-output
// contract.
func (r *Registry) Register(f Format) error {
	if f.ID == "" {
		return ErrInvalidArgument
	}
	if _, exists := r.byID[f.ID]; !exists {
		r.order = append(r.order, f.ID)
	}
	cp := f
	r.byID[f.ID] = &cp
	return nil
}

// Formats returns all registered formats in registration order.
func (r *Registry) Formats() []*Format {
	out := make([]*Format, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// Get returns the format with the given id.
func (r *Registry) Get(id string) (*Format, bool) {
	f, ok := r.byID[id]
	return f, ok
}

// registryOverrideFile is the TOML shape accepted by LoadOverrides: the
// non-code facets of a Format (bounds, folder, extension, enablement).
// The signature bytes and header parser logic stay in Go, since they
// encode per-format structural invariants that aren't sensibly data;
// only the policy knobs around them are.
type registryOverrideFile struct {
	Format map[string]struct {
		OutputFolder string `toml:"output_folder"`
		Extension    string `toml:"extension"`
		MinSize      int64  `toml:"min_size"`
		MaxSize      int64  `toml:"max_size"`
		ScanEnabled  *bool  `toml:"scan_enabled"`
	} `toml:"format"`
}

// LoadOverrides reads a TOML file and applies its per-format overrides
// on top of whatever is already registered. Unknown format ids in the
// file are ignored rather than erroring, since an operator's override
// file may be shared across registry versions.
func (r *Registry) LoadOverrides(data []byte) error {
	var file registryOverrideFile
	if _, err := toml.Decode(string(data), &file); err != nil {
		return fmt.Errorf("carve: decode registry overrides: %w", err)
	}
	for id, ov := range file.Format {
		f, ok := r.byID[id]
		if !ok {
			continue
		}
		if ov.OutputFolder != "" {
			f.OutputFolder = ov.OutputFolder
		}
		if ov.Extension != "" {
			f.Extension = ov.Extension
		}
		if ov.MinSize != 0 {
			f.MinSize = ov.MinSize
		}
		if ov.MaxSize != 0 {
			f.MaxSize = ov.MaxSize
		}
		if ov.ScanEnabled != nil {
			f.ScanEnabled = *ov.ScanEnabled
		}
	}
	return nil
}

//go:embed defaults/formats.toml
var defaultFormatsTOML embed.FS

// DefaultRegistry returns a registry pre-populated with every format
// this module ships (dds, png, xma, xex, luac), with bounds taken from
// the embedded default TOML table.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, f := range builtinFormats() {
		_ = r.Register(f)
	}
	if data, err := defaultFormatsTOML.ReadFile("defaults/formats.toml"); err == nil {
		_ = r.LoadOverrides(data)
	}
	return r
}

func clampSize(size, min, max int64) (int64, bool) {
	if size < min {
		return 0, false
	}
	if size > max {
		size = max
	}
	return size, true
}
