package carve

// Compiled Lua script chunks back most of this game's scripted events.
// The carver only recovers the raw bytecode chunk; decompiling it back
// to source is a downstream concern.
var luacMagic = []byte{0x1B, 'L', 'u', 'a'}

const luacHeaderSize = 12

func luacFormat() Format {
	return Format{
		ID:           "luac",
		Name:         "Compiled Lua script chunk",
		OutputFolder: "scripts",
		Extension:    ".luac",
		MinSize:      luacHeaderSize,
		MaxSize:      4 << 20,
		ScanEnabled:  true,
		Signatures: []Signature{
			{ID: 0, Magic: luacMagic, Description: "Lua bytecode signature"},
		},
		Parser: parseLuac,
	}
}

// parseLuac validates the fixed Lua 5.1 header fields that follow the
// signature (version, format, endianness/size markers) and otherwise
// defers to the carver's max-size clamp for the chunk's true extent,
// since bytecode chunks carry no outer length field.
func parseLuac(window []byte, at int) (*ParseResult, bool) {
	header := window[at:]
	if len(header) < luacHeaderSize {
		return nil, false
	}
	version := header[4]
	format := header[5]
	if version != 0x51 || format != 0 {
		return nil, false
	}
	// endianness, int size, size_t size, instruction size, number size,
	// integral flag all live in bytes [6:12]; accept the common Xbox
	// 360 profile (big-endian, 4/4/4, 8-byte doubles) and reject
	// anything implausible.
	sizeInt := header[7]
	sizeSizeT := header[8]
	if sizeInt == 0 || sizeInt > 8 || sizeSizeT == 0 || sizeSizeT > 8 {
		return nil, false
	}
	// Size resolved by the carver's max-size clamp; bytecode chunks
	// carry no outer length field.
	return &ParseResult{
		ContentType: "application/x-lua-bytecode",
		Notes:       "no outer length field, carved to the format size cap",
	}, true
}

func builtinFormats() []Format {
	return []Format{ddsFormat(), pngFormat(), xmaFormat(), xexFormat(), luacFormat()}
}
