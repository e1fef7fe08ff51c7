package carve

import "github.com/slfx77/fallout-xbox-360-utils/binprim"

// DDS ("DirectDraw Surface") is the texture container Xbox 360 titles
// ship, including the big-endian ("XDDS"-tagged-internally, but
// magic-compatible) variant this toolchain's wider repack pipeline
// (out of scope here) later re-tags for PC. The carver only needs the
// little-endian PC-compatible header layout to size the file.
const ddsMagic = "DDS "

const (
	ddsHeaderSize   = 124 + 4 // DDS_HEADER + magic
	ddsFlagPitch    = 0x8
	ddsFlagLinear   = 0x80000
	ddsPFFlagFourCC = 0x4
	ddsFourCCDXT1   = "DXT1"
)

const ddsContentType = "image/vnd.ms-dds"

// ddsFormat validates a DDS candidate: the header's declared size field
// must be exactly 124, and its pixel-format FourCC (or pitch/height/depth
// for uncompressed surfaces) must yield a plausible total file size.
func ddsFormat() Format {
	return Format{
		ID:           "dds",
		Name:         "DirectDraw Surface texture",
		OutputFolder: "ddx",
		Extension:    ".dds",
		MinSize:      ddsHeaderSize,
		MaxSize:      128 << 20,
		ScanEnabled:  true,
		Signatures: []Signature{
			{ID: 0, Magic: []byte(ddsMagic), Description: "DDS magic"},
		},
		Parser: parseDDS,
	}
}

func parseDDS(window []byte, at int) (*ParseResult, bool) {
	if at+ddsHeaderSize > len(window) {
		return nil, false
	}
	header := window[at:]

	size, err := binprim.ReadU32(header, 4, false)
	if err != nil || size != 124 {
		return nil, false
	}

	flags, err := binprim.ReadU32(header, 8, false)
	if err != nil {
		return nil, false
	}
	height, err1 := binprim.ReadU32(header, 12, false)
	width, err2 := binprim.ReadU32(header, 16, false)
	pitchOrLinear, err3 := binprim.ReadU32(header, 20, false)
	if err1 != nil || err2 != nil || err3 != nil {
		return nil, false
	}
	if width == 0 || height == 0 || width > 16384 || height > 16384 {
		return nil, false
	}

	// Pixel format: dwFlags at 80, dwFourCC at 84. A FourCC marks a
	// block-compressed surface (DXT1/3/5, DX10).
	pfFlags, err := binprim.ReadU32(header, 80, false)
	if err != nil {
		return nil, false
	}
	fourCC := ""
	if pfFlags&ddsPFFlagFourCC != 0 {
		fourCC = string(header[84:88])
	}

	var payload uint32
	switch {
	case flags&ddsFlagLinear != 0:
		payload = pitchOrLinear
	case flags&ddsFlagPitch != 0:
		payload = pitchOrLinear * height
	case fourCC != "":
		// Block-compressed: 4x4 texel blocks, 8 bytes for DXT1, 16 for
		// the rest.
		blockSize := uint32(16)
		if fourCC == ddsFourCCDXT1 {
			blockSize = 8
		}
		payload = ((width + 3) / 4) * ((height + 3) / 4) * blockSize
	default:
		// Fall back to an uncompressed RGBA estimate: 4 bytes/pixel.
		payload = width * height * 4
	}

	total := int64(ddsHeaderSize) + int64(payload)
	result := &ParseResult{
		Size:         total,
		IsCompressed: fourCC != "",
		ContentType:  ddsContentType,
	}
	if fourCC != "" {
		result.Metadata = map[string]string{"fourCC": fourCC}
	}
	return result, true
}
