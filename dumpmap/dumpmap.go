// Package dumpmap parses an Xbox 360 memory-dump's table-of-streams
// metadata and exposes virtual-address <-> file-offset translation over
// the dump's memory-mapped bytes. The carver (package carve) and the
// record-reconstruction half of package esm both consume it read-only.
package dumpmap

import (
	"encoding/binary"
	"errors"
	"os"
	"sort"

	mmap "github.com/edsrzf/mmap-go"
	"golang.org/x/text/encoding/unicode"

	"github.com/slfx77/fallout-xbox-360-utils/log"
)

// Errors.
var (
	// ErrDumpTooSmall is returned when the file is smaller than the
	// smallest possible table-of-streams header.
	ErrDumpTooSmall = errors.New("dumpmap: file too small to be a dump")

	// ErrOutOfRange is returned when a requested VA or file range falls
	// outside the mapped dump.
	ErrOutOfRange = errors.New("dumpmap: out of range")
)

// Dump VA ranges, per the Xbox 360 address space layout: heap allocations
// and the loaded module image never overlap and pointers outside their
// union are never valid.
const (
	HeapVAStart   = 0x40000000
	HeapVAEnd     = 0x50000000
	ModuleVAStart = 0x82000000
)

// tableOfStreamsMagic marks the start of the dump metadata header this
// package understands: a 4-byte tag followed by a stream count and a
// directory of (type, offset, count) entries, the layout the xbdm-style
// capture tool writes at the front of its dumps.
const tableOfStreamsMagic = "XB60"

const (
	streamRegionList = 1
	streamModuleList = 2
)

// Region is a contiguous span of the dump that was captured starting at
// a given virtual address.
type Region struct {
	VA         uint64
	Size       uint64
	FileOffset uint64
}

func (r Region) contains(va uint64) bool {
	return va >= r.VA && va < r.VA+r.Size
}

// Module is a named image loaded somewhere in the dump's module VA range.
type Module struct {
	Name string
	VA   uint64
	Size uint64
}

// Dump is a memory-mapped Xbox 360 memory dump together with its parsed
// region/module metadata, if any was found.
type Dump struct {
	data         mmap.MMap
	f            *os.File
	regions      []Region // sorted by VA
	byFileOffset []Region // sorted by FileOffset
	modules      []Module
	flat         bool
	logger       *log.Helper
}

// Open memory-maps path read-only and parses its table-of-streams
// metadata. If the metadata is absent or structurally invalid, Open still
// succeeds but the returned Dump operates in "flat" mode: byte offsets
// equal file offsets and VA translation is unavailable.
func Open(path string, logger *log.Helper) (*Dump, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, err
	}
	if logger == nil {
		logger = log.NewHelper(log.NewFilter(log.NewStdLogger(os.Stdout), log.FilterLevel(log.LevelError)))
	}

	d := &Dump{data: data, f: f, logger: logger}
	if err := d.parseMetadata(); err != nil {
		logger.Warnf("dump metadata parse failed, falling back to flat mode: %v", err)
		d.flat = true
		d.regions = nil
		d.modules = nil
	}
	return d, nil
}

// Bytes returns the mapped dump contents.
func (d *Dump) Bytes() []byte { return d.data }

// Len returns the dump length in bytes.
func (d *Dump) Len() int { return len(d.data) }

// Flat reports whether dump metadata was unavailable; in flat mode byte
// offsets equal file offsets and VA-aware reassembly is unavailable.
func (d *Dump) Flat() bool { return d.flat }

// Regions returns the ordered (by VA) list of captured memory regions.
func (d *Dump) Regions() []Region { return d.regions }

// Modules returns the ordered list of loaded modules.
func (d *Dump) Modules() []Module { return d.modules }

// Close unmaps the dump and closes the underlying file.
func (d *Dump) Close() error {
	if d.data != nil {
		_ = d.data.Unmap()
	}
	if d.f != nil {
		return d.f.Close()
	}
	return nil
}

// parseMetadata reads the table-of-streams header, if present, and
// populates d.regions / d.modules.
func (d *Dump) parseMetadata() error {
	const headerSize = 4 + 4 // magic + stream count
	if len(d.data) < headerSize {
		return ErrDumpTooSmall
	}
	if string(d.data[0:4]) != tableOfStreamsMagic {
		return errors.New("dumpmap: table-of-streams magic not found")
	}
	streamCount := binary.BigEndian.Uint32(d.data[4:8])

	const entrySize = 16 // type(4) + offset(4) + count(4) + reserved(4)
	dirStart := headerSize
	dirEnd := dirStart + int(streamCount)*entrySize
	if dirEnd > len(d.data) || dirEnd < dirStart {
		return errors.New("dumpmap: stream directory exceeds file bounds")
	}

	for i := 0; i < int(streamCount); i++ {
		base := dirStart + i*entrySize
		typ := binary.BigEndian.Uint32(d.data[base : base+4])
		off := binary.BigEndian.Uint32(d.data[base+4 : base+8])
		count := binary.BigEndian.Uint32(d.data[base+8 : base+12])

		switch typ {
		case streamRegionList:
			regions, err := d.readRegionStream(int(off), int(count))
			if err != nil {
				return err
			}
			d.regions = regions
		case streamModuleList:
			modules, err := d.readModuleStream(int(off), int(count))
			if err != nil {
				return err
			}
			d.modules = modules
		}
	}

	sort.Slice(d.regions, func(i, j int) bool { return d.regions[i].VA < d.regions[j].VA })
	if err := d.validateRegions(); err != nil {
		return err
	}

	d.byFileOffset = append([]Region(nil), d.regions...)
	sort.Slice(d.byFileOffset, func(i, j int) bool { return d.byFileOffset[i].FileOffset < d.byFileOffset[j].FileOffset })
	return nil
}

// regionEntrySize: va(8) + size(8) + fileOffset(8).
const regionEntrySize = 24

func (d *Dump) readRegionStream(offset, count int) ([]Region, error) {
	end := offset + count*regionEntrySize
	if end > len(d.data) || end < offset {
		return nil, errors.New("dumpmap: region stream exceeds file bounds")
	}
	regions := make([]Region, 0, count)
	for i := 0; i < count; i++ {
		base := offset + i*regionEntrySize
		regions = append(regions, Region{
			VA:         binary.BigEndian.Uint64(d.data[base : base+8]),
			Size:       binary.BigEndian.Uint64(d.data[base+8 : base+16]),
			FileOffset: binary.BigEndian.Uint64(d.data[base+16 : base+24]),
		})
	}
	return regions, nil
}

// moduleEntrySize: name(32, NUL-padded UTF-16BE) + va(8) + size(8).
const moduleEntrySize = 48

func (d *Dump) readModuleStream(offset, count int) ([]Module, error) {
	end := offset + count*moduleEntrySize
	if end > len(d.data) || end < offset {
		return nil, errors.New("dumpmap: module stream exceeds file bounds")
	}
	modules := make([]Module, 0, count)
	for i := 0; i < count; i++ {
		base := offset + i*moduleEntrySize
		modules = append(modules, Module{
			Name: decodeModuleName(d.data[base : base+32]),
			VA:   binary.BigEndian.Uint64(d.data[base+32 : base+40]),
			Size: binary.BigEndian.Uint64(d.data[base+40 : base+48]),
		})
	}
	return modules, nil
}

// decodeModuleName decodes a NUL-padded UTF-16BE module name, the
// encoding Xbox kernel loader entries store their UNICODE_STRING names
// in. A name that fails to decode yields "" rather than an error; a
// nameless module is still carvable by offset.
func decodeModuleName(b []byte) string {
	end := len(b)
	for i := 0; i+2 <= len(b); i += 2 {
		if b[i] == 0 && b[i+1] == 0 {
			end = i
			break
		}
	}
	name, err := unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM).NewDecoder().Bytes(b[:end])
	if err != nil {
		return ""
	}
	return string(name)
}

func (d *Dump) validateRegions() error {
	for i := 1; i < len(d.regions); i++ {
		prev, cur := d.regions[i-1], d.regions[i]
		if prev.VA+prev.Size > cur.VA {
			return errors.New("dumpmap: overlapping memory regions")
		}
	}
	return nil
}

// VAToFileOffset translates a virtual address to a file offset within the
// dump by binary-searching the sorted region list for the first region
// whose [VA, VA+Size) span contains va. VAs are compared in the unsigned
// 64-bit domain throughout, so addresses with the high bit set (the
// entire module VA range) sort consistently with their unsigned value.
func (d *Dump) VAToFileOffset(va uint64) (uint64, bool) {
	if d.flat {
		return 0, false
	}
	regions := d.regions
	i := sort.Search(len(regions), func(i int) bool {
		return regions[i].VA+regions[i].Size > va
	})
	if i >= len(regions) || !regions[i].contains(va) {
		return 0, false
	}
	return regions[i].FileOffset + (va - regions[i].VA), true
}

// RegionContainingFileOffset reverse-looks-up the captured region that a
// raw dump-file offset falls within, giving the VA the carver should
// reassemble around when a candidate is first found by scanning file
// bytes directly rather than by walking VA space.
func (d *Dump) RegionContainingFileOffset(offset uint64) (Region, bool) {
	if d.flat {
		return Region{}, false
	}
	regions := d.byFileOffset
	i := sort.Search(len(regions), func(i int) bool {
		return regions[i].FileOffset+regions[i].Size > offset
	})
	if i >= len(regions) || offset < regions[i].FileOffset || offset >= regions[i].FileOffset+regions[i].Size {
		return Region{}, false
	}
	return regions[i], true
}

// RegionsInRange returns the contiguous subsequence of regions whose VA
// spans intersect [vaStart, vaEnd).
func (d *Dump) RegionsInRange(vaStart, vaEnd uint64) []Region {
	if d.flat || vaEnd <= vaStart {
		return nil
	}
	regions := d.regions
	start := sort.Search(len(regions), func(i int) bool {
		return regions[i].VA+regions[i].Size > vaStart
	})
	var out []Region
	for i := start; i < len(regions) && regions[i].VA < vaEnd; i++ {
		out = append(out, regions[i])
	}
	return out
}

// ModuleFileRange resolves a module's image bytes in the dump.
func (d *Dump) ModuleFileRange(m Module) (offset, size uint64, ok bool) {
	off, found := d.VAToFileOffset(m.VA)
	if !found {
		return 0, 0, false
	}
	return off, m.Size, true
}

// ValidPointer reports whether va falls within the heap or module VA
// ranges this dump's pointers are ever valid in.
func ValidPointer(va uint64) bool {
	if va >= HeapVAStart && va < HeapVAEnd {
		return true
	}
	if va >= ModuleVAStart {
		return true
	}
	return false
}
