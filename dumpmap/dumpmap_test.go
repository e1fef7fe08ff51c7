package dumpmap

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"unicode/utf16"
)

// buildDump assembles a minimal table-of-streams dump with one region
// stream and one module stream, for tests that don't need a real Xbox
// 360 capture.
func buildDump(t *testing.T, regions []Region, modules []Module, payload []byte) string {
	t.Helper()

	const headerSize = 8
	const entrySize = 16
	streamCount := 0
	if len(regions) > 0 {
		streamCount++
	}
	if len(modules) > 0 {
		streamCount++
	}

	dir := make([]byte, streamCount*entrySize)
	body := append([]byte{}, payload...)

	idx := 0
	writeEntry := func(typ uint32, off, count uint32) {
		base := idx * entrySize
		binary.BigEndian.PutUint32(dir[base:], typ)
		binary.BigEndian.PutUint32(dir[base+4:], off)
		binary.BigEndian.PutUint32(dir[base+8:], count)
		idx++
	}

	bodyStart := headerSize + len(dir)

	if len(regions) > 0 {
		writeEntry(streamRegionList, uint32(bodyStart+len(body)), uint32(len(regions)))
		for _, r := range regions {
			buf := make([]byte, regionEntrySize)
			binary.BigEndian.PutUint64(buf[0:], r.VA)
			binary.BigEndian.PutUint64(buf[8:], r.Size)
			binary.BigEndian.PutUint64(buf[16:], r.FileOffset)
			body = append(body, buf...)
		}
	}
	if len(modules) > 0 {
		writeEntry(streamModuleList, uint32(bodyStart+len(body)), uint32(len(modules)))
		for _, m := range modules {
			buf := make([]byte, moduleEntrySize)
			copy(buf[0:32], utf16beName(m.Name))
			binary.BigEndian.PutUint64(buf[32:], m.VA)
			binary.BigEndian.PutUint64(buf[40:], m.Size)
			body = append(body, buf...)
		}
	}

	full := append([]byte{}, tableOfStreamsMagic...)
	full = append(full, 0, 0, 0, 0)
	binary.BigEndian.PutUint32(full[4:8], uint32(streamCount))
	full = append(full, dir...)
	full = append(full, body...)

	path := filepath.Join(t.TempDir(), "dump.bin")
	if err := os.WriteFile(path, full, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// utf16beName encodes a module name the way the module stream stores
// it: UTF-16BE code units, no BOM.
func utf16beName(s string) []byte {
	var out []byte
	for _, u := range utf16.Encode([]rune(s)) {
		out = append(out, byte(u>>8), byte(u))
	}
	return out
}

func TestVAToFileOffset(t *testing.T) {
	path := buildDump(t, []Region{
		{VA: 0x40000000, Size: 0x1000, FileOffset: 0x2000},
		{VA: 0x40002000, Size: 0x1000, FileOffset: 0x3000},
	}, nil, make([]byte, 0x4000))

	d, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	if d.Flat() {
		t.Fatal("expected non-flat dump")
	}

	off, ok := d.VAToFileOffset(0x40000800)
	if !ok || off != 0x2800 {
		t.Fatalf("got off=%x ok=%v", off, ok)
	}

	if _, ok := d.VAToFileOffset(0x40001800); ok {
		t.Fatalf("expected miss in the gap between regions")
	}
}

func TestRegionsInRange(t *testing.T) {
	path := buildDump(t, []Region{
		{VA: 0x40000000, Size: 0x1000, FileOffset: 0x2000},
		{VA: 0x40002000, Size: 0x1000, FileOffset: 0x3000},
		{VA: 0x40010000, Size: 0x1000, FileOffset: 0x4000},
	}, nil, make([]byte, 0x5000))

	d, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	got := d.RegionsInRange(0x40000800, 0x40002800)
	if len(got) != 2 {
		t.Fatalf("got %d regions, want 2", len(got))
	}
}

func TestFlatModeOnMissingMetadata(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain.bin")
	if err := os.WriteFile(path, make([]byte, 4096), 0o644); err != nil {
		t.Fatal(err)
	}

	d, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	if !d.Flat() {
		t.Fatal("expected flat mode for dump with no table-of-streams")
	}
	if _, ok := d.VAToFileOffset(0x40000000); ok {
		t.Fatal("flat mode should never resolve VAs")
	}
}

func TestModuleFileRange(t *testing.T) {
	path := buildDump(t,
		[]Region{{VA: 0x82000000, Size: 0x10000, FileOffset: 0x1000}},
		[]Module{{Name: "default.xex", VA: 0x82000000, Size: 0x8000}},
		make([]byte, 0x20000))

	d, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	mod := d.Modules()[0]
	if mod.Name != "default.xex" {
		t.Fatalf("got module name %q", mod.Name)
	}

	off, size, ok := d.ModuleFileRange(mod)
	if !ok || off != 0x1000 || size != 0x8000 {
		t.Fatalf("got off=%x size=%x ok=%v", off, size, ok)
	}
}

func TestValidPointer(t *testing.T) {
	cases := []struct {
		va    uint64
		valid bool
	}{
		{0x3fffffff, false},
		{0x40000000, true},
		{0x4fffffff, true},
		{0x50000000, false},
		{0x81ffffff, false},
		{0x82000000, true},
		{0xffffffff, true},
	}
	for _, c := range cases {
		if got := ValidPointer(c.va); got != c.valid {
			t.Errorf("ValidPointer(%#x) = %v, want %v", c.va, got, c.valid)
		}
	}
}
