package carve

import "github.com/slfx77/fallout-xbox-360-utils/binprim"

// XMA is a RIFF-chunked audio container ("fmt " chunk carries an
// XMA2WAVEFORMATEX, "data" chunk carries the compressed stream). The
// carver only needs to walk the chunk list far enough to total the size;
// decoding the audio is a downstream concern.
func xmaFormat() Format {
	return Format{
		ID:           "xma",
		Name:         "Xbox XMA audio container",
		OutputFolder: "xma",
		Extension:    ".xma",
		MinSize:      44,
		MaxSize:      64 << 20,
		ScanEnabled:  true,
		ContextAfter: 512 << 10,
		Signatures: []Signature{
			{ID: 0, Magic: []byte("RIFF"), Description: "RIFF container magic"},
		},
		Parser: parseXMA,
	}
}

func parseXMA(window []byte, at int) (*ParseResult, bool) {
	header := window[at:]
	if len(header) < 12 {
		return nil, false
	}
	riffSize, err := binprim.ReadU32(header, 4, false)
	if err != nil {
		return nil, false
	}
	if string(header[8:12]) != "WAVE" {
		return nil, false
	}

	// riffSize excludes the 8-byte "RIFF"+size prefix.
	total := int64(riffSize) + 8
	if total < 44 {
		return nil, false
	}

	// Confirm there's a "fmt " chunk somewhere before the declared end,
	// which real XMA streams always carry; this filters RIFF-but-not-XMA
	// false positives (AVI, WAV-PCM) without decoding anything.
	pos := 12
	sawFmt := false
	for pos+8 <= len(header) && int64(pos) < total {
		chunkID := string(header[pos : pos+4])
		length, err := binprim.ReadU32(header, pos+4, false)
		if err != nil {
			break
		}
		if chunkID == "fmt " {
			sawFmt = true
		}
		pos += 8 + int(length)
		if length%2 == 1 {
			pos++ // RIFF chunks are word-aligned
		}
	}
	if !sawFmt {
		return nil, false
	}

	return &ParseResult{
		Size:         total,
		IsCompressed: true, // the data chunk is an XMA2 bitstream
		ContentType:  "audio/xma2",
	}, true
}
