package carve

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/slfx77/fallout-xbox-360-utils/dumpmap"
	"github.com/slfx77/fallout-xbox-360-utils/log"
	"github.com/slfx77/fallout-xbox-360-utils/matcher"
)

// ProgressEvent is reported once per hit processed, and once per module
// carved, so a CLI or batch orchestrator can render progress. The sink
// must tolerate concurrent callers when a batch mode runs multiple
// Engines in parallel workers.
type ProgressEvent struct {
	FormatID string
	Offset   uint64
	Accepted bool
}

// Options configures one carver run.
type Options struct {
	OutputDir string

	// Formats is an allow-list of format ids; nil/empty means all
	// registered formats are considered.
	Formats []string

	// PerTypeCap caps how many files are written per format; 0 means
	// unlimited.
	PerTypeCap int

	Verbose bool

	// DDXConvert is the optional external collaborator that converts
	// staged big-endian textures to their PC-compatible variant.
	// Skipped when nil.
	DDXConvert func(stagingDir string) error

	Progress func(ProgressEvent)
}

// Stats summarizes one carver run.
type Stats struct {
	HitsTotal    int
	Accepted     int
	Rejected     int
	Truncated    int
	CapSkipped   int
	PerType      map[string]int
	ModulesFound int
}

// Engine drives the format registry over a memory-mapped dump.
type Engine struct {
	registry *Registry
	logger   *log.Helper
}

// NewEngine returns an Engine bound to registry. A nil logger defaults
// to an error-level-filtered stdout logger.
func NewEngine(registry *Registry, logger *log.Helper) *Engine {
	if logger == nil {
		logger = log.NewHelper(log.NewFilter(log.NewStdLogger(os.Stdout), log.FilterLevel(log.LevelError)))
	}
	return &Engine{registry: registry, logger: logger}
}

type scanTarget struct {
	format    *Format
	signature Signature
	order     int
}

// Run carves one dump: memory-map it, parse its metadata (falling back
// to flat mode), scan once for every enabled signature, validate and
// reassemble each hit, and flush a manifest.
func (e *Engine) Run(ctx context.Context, dumpPath string, opts Options) (Stats, error) {
	stats := Stats{PerType: map[string]int{}}

	dump, err := dumpmap.Open(dumpPath, e.logger)
	if err != nil {
		return stats, fmt.Errorf("carve: open dump: %w", err)
	}
	defer dump.Close()

	allowed := formatFilter(opts.Formats)

	patternIDToTarget := e.buildScanTargets(allowed)

	m := matcher.New()
	for id, t := range patternIDToTarget {
		if err := m.AddPattern(id, t.signature.Magic); err != nil {
			return stats, fmt.Errorf("carve: register signature %s/%d: %w", t.format.ID, t.signature.ID, err)
		}
	}
	m.Build()

	hits, err := m.Search(dump.Bytes(), 0)
	if err != nil {
		return stats, fmt.Errorf("carve: search: %w", err)
	}
	stats.HitsTotal = len(hits)

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Offset != hits[j].Offset {
			return hits[i].Offset < hits[j].Offset
		}
		return patternIDToTarget[hits[i].ID].order < patternIDToTarget[hits[j].ID].order
	})

	dumpBase := strings.TrimSuffix(filepath.Base(dumpPath), filepath.Ext(dumpPath))
	outRoot := filepath.Join(opts.OutputDir, dumpBase)

	var entries []Entry
	for _, hit := range hits {
		select {
		case <-ctx.Done():
			if err := WriteManifest(outRoot, dumpBase, entries); err != nil {
				return stats, err
			}
			return stats, ctx.Err()
		default:
		}

		target := patternIDToTarget[hit.ID]
		f := target.format

		if opts.PerTypeCap > 0 && stats.PerType[f.ID] >= opts.PerTypeCap {
			stats.CapSkipped++
			continue
		}

		entry, ok := e.processHit(dump, f, hit.Offset, outRoot)
		if opts.Progress != nil {
			opts.Progress(ProgressEvent{FormatID: f.ID, Offset: uint64(hit.Offset), Accepted: ok})
		}
		if !ok {
			stats.Rejected++
			if opts.Verbose {
				e.logger.Debugf("rejected candidate format=%s offset=%#x", f.ID, hit.Offset)
			}
			continue
		}

		stats.Accepted++
		stats.PerType[f.ID]++
		if entry.IsPartial {
			stats.Truncated++
		}
		entries = append(entries, entry)
		if opts.Verbose {
			e.logger.Debugf("carved format=%s offset=%#x size=%d partial=%v", f.ID, hit.Offset, entry.SizeOutput, entry.IsPartial)
		}
	}

	moduleEntries, found := e.carveModules(dump, allowed, outRoot, opts)
	stats.ModulesFound = found
	entries = append(entries, moduleEntries...)

	if opts.DDXConvert != nil {
		if err := opts.DDXConvert(outRoot); err != nil {
			e.logger.Warnf("external DDX conversion failed: %v", err)
		}
	}

	if err := WriteManifest(outRoot, dumpBase, entries); err != nil {
		return stats, err
	}
	return stats, nil
}

func formatFilter(ids []string) map[string]bool {
	if len(ids) == 0 {
		return nil
	}
	m := make(map[string]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}

func (e *Engine) buildScanTargets(allowed map[string]bool) map[int]scanTarget {
	byID := map[int]scanTarget{}
	nextID := 0
	for _, f := range e.registry.Formats() {
		if !f.ScanEnabled {
			continue
		}
		if allowed != nil && !allowed[f.ID] {
			continue
		}
		for _, sig := range f.Signatures {
			byID[nextID] = scanTarget{format: f, signature: sig, order: nextID}
			nextID++
		}
	}
	return byID
}

// processHit validates one matcher hit and, on acceptance, writes the
// carved file and returns its manifest entry. A panic while handling the
// hit (such as one raised inside a format parser) is recovered and logged,
// and the hit is reported as rejected.
func (e *Engine) processHit(dump *dumpmap.Dump, f *Format, offset int64, outRoot string) (entry Entry, accepted bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warnf("carve: %s parser panicked at %#x: %v", f.ID, offset, r)
			entry, accepted = Entry{}, false
		}
	}()

	start := offset - int64(f.contextBefore())
	if start < 0 {
		start = 0
	}
	end := offset + int64(f.contextAfter())
	if end > int64(dump.Len()) {
		end = int64(dump.Len())
	}
	window := dump.Bytes()[start:end]
	sigOffsetInWindow := int(offset - start)

	result, ok := f.Parser(window, sigOffsetInWindow)
	if !ok {
		return Entry{}, false
	}

	carveStart := offset - result.LeadingBytes
	if carveStart < 0 {
		carveStart = 0
	}

	size := result.Size
	remaining := int64(dump.Len()) - carveStart
	if size <= 0 {
		size = f.MaxSize
	}
	var clamped bool
	size, clamped = clampSize(size, f.MinSize, f.MaxSize)
	if !clamped {
		return Entry{}, false
	}
	if size > remaining {
		size = remaining
	}

	data, truncated, coverage := e.reassemble(dump, uint64(carveStart), uint64(size))

	folder := f.OutputFolder
	if result.OutputFolder != "" {
		folder = result.OutputFolder
	}
	ext := f.Extension
	if result.Extension != "" {
		ext = result.Extension
	}

	path, filename, err := resolveOutputPath(outRoot, folder, fmt.Sprintf("%08x", carveStart), ext)
	if err != nil {
		e.logger.Warnf("carve: resolve output path for %s at %#x: %v", f.ID, carveStart, err)
		return Entry{}, false
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		e.logger.Warnf("carve: write %s: %v", path, err)
		return Entry{}, false
	}

	return Entry{
		FileType:     f.ID,
		Offset:       uint64(carveStart),
		SizeInDump:   uint64(size),
		SizeOutput:   uint64(len(data)),
		Filename:     filename,
		OriginalPath: result.Metadata["originalPath"],
		IsCompressed: result.IsCompressed,
		ContentType:  result.ContentType,
		IsPartial:    truncated,
		Coverage:     coverage,
		Notes:        reassemblyNotes(result.Notes, truncated, coverage),
		Metadata:     result.Metadata,
	}, true
}

// reassemblyNotes appends the engine's gap diagnostic to whatever note
// the format parser already supplied.
func reassemblyNotes(parserNotes string, truncated bool, coverage float64) string {
	if !truncated {
		return parserNotes
	}
	note := fmt.Sprintf("reassembled with gaps, coverage %.2f", coverage)
	if parserNotes == "" {
		return note
	}
	return parserNotes + "; " + note
}

// reassemble copies [start, start+size) from the dump. When dump
// metadata is available, the span is first translated to VA space so
// captured-but-noncontiguous memory regions can be stitched together with
// zero-fill for any gap.
func (e *Engine) reassemble(dump *dumpmap.Dump, start, size uint64) (data []byte, truncated bool, coverage float64) {
	out := make([]byte, size)

	region, ok := dump.RegionContainingFileOffset(start)
	if !ok {
		// Flat read: either no metadata, or start isn't inside any
		// known region (shouldn't happen for a hit found by scanning
		// the dump itself, but fall back safely).
		n := copy(out, dump.Bytes()[start:])
		covered := uint64(n)
		return out, covered < size, float64(covered) / float64(size)
	}

	vaStart := region.VA + (start - region.FileOffset)
	vaEnd := vaStart + size

	var covered uint64
	for _, r := range dump.RegionsInRange(vaStart, vaEnd) {
		overlapVAStart := max64(r.VA, vaStart)
		overlapVAEnd := min64(r.VA+r.Size, vaEnd)
		if overlapVAEnd <= overlapVAStart {
			continue
		}
		fileOff := r.FileOffset + (overlapVAStart - r.VA)
		n := overlapVAEnd - overlapVAStart
		destOff := overlapVAStart - vaStart
		copy(out[destOff:destOff+n], dump.Bytes()[fileOff:fileOff+n])
		covered += n
	}

	return out, covered < size, float64(covered) / float64(size)
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

// resolveOutputPath picks <outRoot>/<folder>/<base><ext>, appending
// "_N" to disambiguate an existing file, and creates it exclusively so
// concurrent carvers (batch mode, one per dump) never race on a name.
func resolveOutputPath(outRoot, folder, base, ext string) (fullPath, filename string, err error) {
	dir := filepath.Join(outRoot, folder)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", err
	}

	name := base + ext
	for n := 0; ; n++ {
		if n > 0 {
			name = fmt.Sprintf("%s_%d%s", base, n, ext)
		}
		path := filepath.Join(dir, name)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			f.Close()
			return path, name, nil
		}
		if !os.IsExist(err) {
			return "", "", err
		}
	}
}

// carveModules enumerates modules directly from dump metadata rather
// than scanning; their images land in the dedicated "modules/" folder.
func (e *Engine) carveModules(dump *dumpmap.Dump, allowed map[string]bool, outRoot string, opts Options) ([]Entry, int) {
	xex, ok := e.registry.Get("xex")
	if !ok || (allowed != nil && !allowed["xex"]) {
		return nil, 0
	}

	var entries []Entry
	for _, mod := range dump.Modules() {
		if opts.PerTypeCap > 0 && len(entries) >= opts.PerTypeCap {
			break
		}
		offset, size, ok := dump.ModuleFileRange(mod)
		if !ok || size == 0 {
			continue
		}
		end := offset + size
		if end > uint64(dump.Len()) {
			end = uint64(dump.Len())
		}
		window := dump.Bytes()[offset:end]

		result, ok := xex.Parser(window, 0)
		if !ok {
			e.logger.Warnf("carve: module %q rejected by xex header parser", mod.Name)
			continue
		}

		moduleSize := uint64(result.Size)
		if moduleSize == 0 || moduleSize > size {
			moduleSize = size
		}
		data, truncated, coverage := e.reassemble(dump, offset, moduleSize)

		base := mod.Name
		if base == "" {
			base = fmt.Sprintf("%08x", offset)
		} else {
			base = strings.TrimSuffix(base, filepath.Ext(base))
		}

		path, filename, err := resolveOutputPath(outRoot, xex.OutputFolder, base, xex.Extension)
		if err != nil {
			e.logger.Warnf("carve: resolve output path for module %q: %v", mod.Name, err)
			continue
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			e.logger.Warnf("carve: write module %q: %v", mod.Name, err)
			continue
		}

		entries = append(entries, Entry{
			FileType:     "xex",
			Offset:       offset,
			SizeInDump:   moduleSize,
			SizeOutput:   uint64(len(data)),
			Filename:     filename,
			OriginalPath: mod.Name,
			IsCompressed: result.IsCompressed,
			ContentType:  result.ContentType,
			IsPartial:    truncated,
			Coverage:     coverage,
			Notes:        reassemblyNotes(result.Notes, truncated, coverage),
			Metadata:     result.Metadata,
		})
		if opts.Progress != nil {
			opts.Progress(ProgressEvent{FormatID: "xex", Offset: offset, Accepted: true})
		}
	}
	return entries, len(entries)
}
