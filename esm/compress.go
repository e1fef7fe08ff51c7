package esm

import (
	"bytes"
	"compress/flate"
	"compress/zlib"
	"io"

	"github.com/slfx77/fallout-xbox-360-utils/binprim"
)

// decompressRecordPayload inflates a compressed record body: a 4-byte
// decompressed-size prefix followed by a zlib stream. Streams captured
// out of runtime memory sometimes arrive without an intact zlib wrapper;
// those are retried as raw deflate after stripping the 2-byte header and
// 4-byte checksum.
func decompressRecordPayload(payload []byte, bigEndian bool) ([]byte, error) {
	if len(payload) < 4 {
		return nil, ErrOutOfRange
	}
	want, err := binprim.ReadU32(payload, 0, bigEndian)
	if err != nil {
		return nil, err
	}
	stream := payload[4:]

	if r, err := zlib.NewReader(bytes.NewReader(stream)); err == nil {
		out, err := io.ReadAll(io.LimitReader(r, int64(want)))
		r.Close()
		if err == nil && uint32(len(out)) == want {
			return out, nil
		}
	}

	if len(stream) > 6 {
		fr := flate.NewReader(bytes.NewReader(stream[2 : len(stream)-4]))
		out, err := io.ReadAll(io.LimitReader(fr, int64(want)))
		fr.Close()
		if err == nil && uint32(len(out)) == want {
			return out, nil
		}
	}

	return nil, ErrDecompress
}
