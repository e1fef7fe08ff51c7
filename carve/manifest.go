package carve

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// ManifestFormatVersion is bumped whenever the Entry JSON shape changes
// in a way downstream report-generation tooling needs to detect.
const ManifestFormatVersion = 1

// Entry is one carved file record.
type Entry struct {
	FileType     string            `json:"fileType"`
	Offset       uint64            `json:"offset"`
	SizeInDump   uint64            `json:"sizeInDump"`
	SizeOutput   uint64            `json:"sizeOutput"`
	Filename     string            `json:"filename"`
	OriginalPath string            `json:"originalPath,omitempty"`
	IsCompressed bool              `json:"isCompressed"`
	ContentType  string            `json:"contentType,omitempty"`
	IsPartial    bool              `json:"isPartial"`
	Coverage     float64           `json:"coverage"`
	Notes        string            `json:"notes,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Manifest is the serialized output of one carver run.
type Manifest struct {
	FormatVersion int     `json:"formatVersion"`
	DumpBasename  string  `json:"dumpBasename"`
	Entries       []Entry `json:"entries"`
}

// WriteManifest writes entries as manifest.json under outputRoot.
func WriteManifest(outputRoot, dumpBasename string, entries []Entry) error {
	m := Manifest{
		FormatVersion: ManifestFormatVersion,
		DumpBasename:  dumpBasename,
		Entries:       entries,
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(outputRoot, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(outputRoot, "manifest.json"), data, 0o644)
}

// ReadManifest reads manifest.json back, for tooling that wants to
// resume or inspect a completed run.
func ReadManifest(outputRoot string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(outputRoot, "manifest.json"))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
