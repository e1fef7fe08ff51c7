package carve

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

func writeDump(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dump.bin")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// buildDDSHeader builds a 128-byte DDS header for an uncompressed w×h
// RGBA surface, with no pitch/linear flags set so parseDDS falls back to
// the width*height*4 estimate.
func buildDDSHeader(w, h uint32) []byte {
	b := make([]byte, ddsHeaderSize)
	copy(b[0:4], ddsMagic)
	binary.LittleEndian.PutUint32(b[4:8], 124)
	binary.LittleEndian.PutUint32(b[8:12], 0) // flags
	binary.LittleEndian.PutUint32(b[12:16], h)
	binary.LittleEndian.PutUint32(b[16:20], w)
	return b
}

func TestCarveSingleDDS(t *testing.T) {
	data := make([]byte, 1<<20)
	hdr := buildDDSHeader(64, 64)
	copy(data[0x4000:], hdr)

	dumpPath := writeDump(t, data)
	outDir := t.TempDir()

	eng := NewEngine(DefaultRegistry(), nil)
	stats, err := eng.Run(context.Background(), dumpPath, Options{OutputDir: outDir, Formats: []string{"dds"}})
	if err != nil {
		t.Fatal(err)
	}
	if stats.Accepted != 1 {
		t.Fatalf("got %d accepted, want 1", stats.Accepted)
	}

	base := "dump"
	m, err := ReadManifest(filepath.Join(outDir, base))
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(m.Entries))
	}
	e := m.Entries[0]
	if e.FileType != "dds" || e.Offset != 0x4000 {
		t.Fatalf("got %+v", e)
	}
	wantSize := uint64(128 + 64*64*4)
	if e.SizeInDump != wantSize {
		t.Fatalf("got size %d, want %d", e.SizeInDump, wantSize)
	}
	if e.IsCompressed {
		t.Fatal("raw RGBA surface must not be marked compressed")
	}
	if e.ContentType != ddsContentType {
		t.Fatalf("got content type %q", e.ContentType)
	}
	if e.Coverage != 1.0 {
		t.Fatalf("got coverage %v, want 1.0", e.Coverage)
	}

	expectedPath := filepath.Join(outDir, base, "ddx", "00004000.dds")
	if _, err := os.Stat(expectedPath); err != nil {
		t.Fatalf("expected file at %s: %v", expectedPath, err)
	}
}

func TestCarveBlockCompressedDDS(t *testing.T) {
	data := make([]byte, 1<<20)
	hdr := buildDDSHeader(64, 64)
	binary.LittleEndian.PutUint32(hdr[80:84], ddsPFFlagFourCC)
	copy(hdr[84:88], ddsFourCCDXT1)
	copy(data[0x4000:], hdr)

	dumpPath := writeDump(t, data)
	outDir := t.TempDir()

	eng := NewEngine(DefaultRegistry(), nil)
	stats, err := eng.Run(context.Background(), dumpPath, Options{OutputDir: outDir, Formats: []string{"dds"}})
	if err != nil {
		t.Fatal(err)
	}
	if stats.Accepted != 1 {
		t.Fatalf("got %d accepted, want 1", stats.Accepted)
	}

	m, err := ReadManifest(filepath.Join(outDir, "dump"))
	if err != nil {
		t.Fatal(err)
	}
	e := m.Entries[0]
	if !e.IsCompressed {
		t.Fatal("DXT1 surface must be marked compressed")
	}
	// 64x64 in 4x4 blocks at 8 bytes per DXT1 block.
	wantSize := uint64(128 + 16*16*8)
	if e.SizeInDump != wantSize {
		t.Fatalf("got size %d, want %d", e.SizeInDump, wantSize)
	}
	if e.Metadata["fourCC"] != "DXT1" {
		t.Fatalf("got metadata %v", e.Metadata)
	}
}

func TestCarveMultiSignatureCollisionOrdering(t *testing.T) {
	data := make([]byte, 10000)
	copy(data[5:], pngMagic)
	// Minimal IHDR (13 bytes data) + IEND so parsePNG accepts both.
	writeMinimalPNGBody(data[5+8:])
	copy(data[5000:], pngMagic)
	writeMinimalPNGBody(data[5000+8:])

	dumpPath := writeDump(t, data)
	outDir := t.TempDir()

	eng := NewEngine(DefaultRegistry(), nil)
	stats, err := eng.Run(context.Background(), dumpPath, Options{OutputDir: outDir, Formats: []string{"png"}})
	if err != nil {
		t.Fatal(err)
	}
	if stats.Accepted != 2 {
		t.Fatalf("got %d accepted, want 2", stats.Accepted)
	}

	m, err := ReadManifest(filepath.Join(outDir, "dump"))
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Entries) != 2 || m.Entries[0].Offset != 5 || m.Entries[1].Offset != 5000 {
		t.Fatalf("got %+v", m.Entries)
	}
}

// writeMinimalPNGBody writes IHDR, a 10-byte IDAT, and IEND immediately
// at dst[0:], which together with the 8-byte signature is exactly the
// 67-byte smallest well-formed PNG. Chunk payloads and CRCs stay zero;
// parsePNG only walks lengths and types.
func writeMinimalPNGBody(dst []byte) {
	binary.BigEndian.PutUint32(dst[0:4], 13)
	copy(dst[4:8], "IHDR")
	base := 8 + 13 + 4
	binary.BigEndian.PutUint32(dst[base:base+4], 10)
	copy(dst[base+4:base+8], "IDAT")
	base += 8 + 10 + 4
	binary.BigEndian.PutUint32(dst[base:base+4], 0)
	copy(dst[base+4:base+8], "IEND")
}

func TestCarveFalsePositiveGPUDebugTokenRejected(t *testing.T) {
	data := make([]byte, 4096)
	copy(data[0x100:], "VGT_")
	// Nothing resembling a valid DDS/PNG/XMA header follows; scanners
	// should reject or simply not match.

	dumpPath := writeDump(t, data)
	outDir := t.TempDir()

	eng := NewEngine(DefaultRegistry(), nil)
	stats, err := eng.Run(context.Background(), dumpPath, Options{OutputDir: outDir})
	if err != nil {
		t.Fatal(err)
	}
	if stats.Accepted != 0 {
		t.Fatalf("got %d accepted, want 0", stats.Accepted)
	}
}

func TestResolveOutputPathDisambiguates(t *testing.T) {
	dir := t.TempDir()
	p1, n1, err := resolveOutputPath(dir, "ddx", "00004000", ".dds")
	if err != nil {
		t.Fatal(err)
	}
	p2, n2, err := resolveOutputPath(dir, "ddx", "00004000", ".dds")
	if err != nil {
		t.Fatal(err)
	}
	if p1 == p2 || n1 == n2 {
		t.Fatalf("expected distinct paths, got %s and %s", p1, p2)
	}
	if n2 != "00004000_1.dds" {
		t.Fatalf("got %s", n2)
	}
}

func TestPerTypeCap(t *testing.T) {
	data := make([]byte, 10000)
	for _, off := range []int{5, 100, 200, 300} {
		copy(data[off:], pngMagic)
		writeMinimalPNGBody(data[off+8:])
	}

	dumpPath := writeDump(t, data)
	outDir := t.TempDir()

	eng := NewEngine(DefaultRegistry(), nil)
	stats, err := eng.Run(context.Background(), dumpPath, Options{OutputDir: outDir, Formats: []string{"png"}, PerTypeCap: 2})
	if err != nil {
		t.Fatal(err)
	}
	if stats.Accepted != 2 {
		t.Fatalf("got %d accepted, want 2", stats.Accepted)
	}
	if stats.CapSkipped != 2 {
		t.Fatalf("got %d cap-skipped, want 2", stats.CapSkipped)
	}
}

func TestLeadingBytesShiftCarveStart(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(Format{
		ID:           "cmt",
		Name:         "commented container",
		OutputFolder: "cmt",
		Extension:    ".bin",
		MinSize:      8,
		MaxSize:      1024,
		ScanEnabled:  true,
		Signatures:   []Signature{{ID: 0, Magic: []byte("MAGC"), Description: "test magic"}},
		Parser: func(window []byte, at int) (*ParseResult, bool) {
			// The format tolerates a 4-byte comment prefix before its
			// magic; the carve starts there and includes it.
			return &ParseResult{Size: 20, LeadingBytes: 4, Metadata: map[string]string{"leadingBytes": "4"}}, true
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	data := make([]byte, 4096)
	copy(data[100:], ";;;;MAGC")

	dumpPath := writeDump(t, data)
	outDir := t.TempDir()

	eng := NewEngine(reg, nil)
	stats, err := eng.Run(context.Background(), dumpPath, Options{OutputDir: outDir})
	if err != nil {
		t.Fatal(err)
	}
	if stats.Accepted != 1 {
		t.Fatalf("got %d accepted, want 1", stats.Accepted)
	}

	m, err := ReadManifest(filepath.Join(outDir, "dump"))
	if err != nil {
		t.Fatal(err)
	}
	e := m.Entries[0]
	if e.Offset != 100 {
		t.Fatalf("got offset %d, want 100 (magic minus leading bytes)", e.Offset)
	}
	if e.SizeInDump != 20 {
		t.Fatalf("got size %d, want 20", e.SizeInDump)
	}
	out, err := os.ReadFile(filepath.Join(outDir, "dump", "cmt", e.Filename))
	if err != nil {
		t.Fatal(err)
	}
	if string(out[:8]) != ";;;;MAGC" {
		t.Fatalf("carve does not start at the comment prefix: %q", out[:8])
	}
}

// buildRegionDump assembles a dump whose table-of-streams declares two
// captured regions with a VA gap between them, for reassembly tests.
func buildRegionDump(t *testing.T) []byte {
	t.Helper()
	data := make([]byte, 0x5000)
	copy(data[0:4], "XB60")
	binary.BigEndian.PutUint32(data[4:8], 1)
	// One stream: the region list, two entries at offset 0x100.
	binary.BigEndian.PutUint32(data[8:12], 1) // stream type: region list
	binary.BigEndian.PutUint32(data[12:16], 0x100)
	binary.BigEndian.PutUint32(data[16:20], 2)

	writeRegion := func(base int, va, size, fileOff uint64) {
		binary.BigEndian.PutUint64(data[base:], va)
		binary.BigEndian.PutUint64(data[base+8:], size)
		binary.BigEndian.PutUint64(data[base+16:], fileOff)
	}
	writeRegion(0x100, 0x40000000, 0x1000, 0x2000)
	writeRegion(0x118, 0x40002000, 0x1000, 0x3000)

	for i := 0x2800; i < 0x3000; i++ {
		data[i] = 0xAA
	}
	for i := 0x3000; i < 0x3800; i++ {
		data[i] = 0xBB
	}
	return data
}

func TestTruncatedReassemblyAcrossRegionGap(t *testing.T) {
	data := buildRegionDump(t)
	// A candidate at file offset 0x2800 (VA 0x40000800) spanning 0x2000
	// bytes of VA space, of which only half was captured.
	copy(data[0x2800:], "MAGC")

	reg := NewRegistry()
	err := reg.Register(Format{
		ID:           "gap",
		Name:         "gap spanner",
		OutputFolder: "gap",
		Extension:    ".bin",
		MinSize:      16,
		MaxSize:      1 << 20,
		ScanEnabled:  true,
		Signatures:   []Signature{{ID: 0, Magic: []byte("MAGC"), Description: "test magic"}},
		Parser: func(window []byte, at int) (*ParseResult, bool) {
			return &ParseResult{Size: 0x2000}, true
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	dumpPath := writeDump(t, data)
	outDir := t.TempDir()

	eng := NewEngine(reg, nil)
	stats, err := eng.Run(context.Background(), dumpPath, Options{OutputDir: outDir})
	if err != nil {
		t.Fatal(err)
	}
	if stats.Accepted != 1 || stats.Truncated != 1 {
		t.Fatalf("got accepted=%d truncated=%d", stats.Accepted, stats.Truncated)
	}

	m, err := ReadManifest(filepath.Join(outDir, "dump"))
	if err != nil {
		t.Fatal(err)
	}
	e := m.Entries[0]
	if !e.IsPartial {
		t.Fatal("expected partial entry")
	}
	if e.SizeOutput != 0x2000 {
		t.Fatalf("got output size %#x, want 0x2000", e.SizeOutput)
	}
	if e.Coverage != 0.5 {
		t.Fatalf("got coverage %v, want 0.5", e.Coverage)
	}
	if e.Notes == "" {
		t.Fatal("expected a reassembly note on the partial entry")
	}

	out, err := os.ReadFile(filepath.Join(outDir, "dump", "gap", e.Filename))
	if err != nil {
		t.Fatal(err)
	}
	if string(out[:4]) != "MAGC" {
		t.Fatalf("got %q", out[:4])
	}
	for i := 4; i < 0x800; i++ {
		if out[i] != 0xAA {
			t.Fatalf("byte %#x = %#x, want 0xAA (first region)", i, out[i])
		}
	}
	for i := 0x800; i < 0x1800; i++ {
		if out[i] != 0x00 {
			t.Fatalf("byte %#x = %#x, want zero fill in the gap", i, out[i])
		}
	}
	for i := 0x1800; i < 0x2000; i++ {
		if out[i] != 0xBB {
			t.Fatalf("byte %#x = %#x, want 0xBB (second region)", i, out[i])
		}
	}
}
