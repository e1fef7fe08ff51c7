package carve

import "bytes"

// pngMagic is the canonical 8-byte PNG signature.
var pngMagic = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}

var pngIEND = []byte{0x49, 0x45, 0x4E, 0x44}

func pngFormat() Format {
	return Format{
		ID:           "png",
		Name:         "PNG image",
		OutputFolder: "png",
		Extension:    ".png",
		MinSize:      67, // signature + IHDR chunk + IDAT chunk with a 10-byte body + IEND chunk
		MaxSize:      64 << 20,
		ScanEnabled:  true,
		ContextAfter: 64 << 10,
		Signatures: []Signature{
			{ID: 0, Magic: pngMagic, Description: "PNG signature"},
		},
		Parser: parsePNG,
	}
}

// parsePNG walks PNG chunks starting right after the signature, summing
// their sizes until it finds IEND, so it tolerates arbitrary ancillary
// chunks between IHDR and IDAT.
func parsePNG(window []byte, at int) (*ParseResult, bool) {
	pos := at + len(pngMagic)
	for {
		if pos+8 > len(window) {
			return nil, false
		}
		length := int(window[pos])<<24 | int(window[pos+1])<<16 | int(window[pos+2])<<8 | int(window[pos+3])
		if length < 0 || length > len(window) {
			return nil, false
		}
		chunkType := window[pos+4 : pos+8]
		chunkTotal := 8 + length + 4 // length + type + data + crc
		if pos+chunkTotal > len(window) {
			// IEND itself must fit; if we ran out of window before
			// finding it, reject rather than guess.
			return nil, false
		}
		pos += chunkTotal
		if bytes.Equal(chunkType, pngIEND) {
			// IDAT is always a deflate stream.
			return &ParseResult{
				Size:         int64(pos - at),
				IsCompressed: true,
				ContentType:  "image/png",
			}, true
		}
	}
}
