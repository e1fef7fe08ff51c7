// Package esm implements the ESM scanner, the big-endian to
// little-endian transcoder, and record reconstruction. Together these turn a source-platform master data file into the
// target-platform byte stream, rebuilding the GRUP container hierarchy
// and the world-cell offset table along the way.
package esm

import "errors"

// Errors.
var (
	// ErrNotMasterFile is returned when the header record signature
	// doesn't match in either byte order.
	ErrNotMasterFile = errors.New("esm: header signature is not a recognized master file")

	// ErrOutOfRange is returned when a decode would read past the end
	// of the supplied slice.
	ErrOutOfRange = errors.New("esm: span exceeds slice bounds")

	// ErrInvalidArgument marks malformed caller input.
	ErrInvalidArgument = errors.New("esm: invalid argument")

	// ErrDecompress is returned when a compressed record payload can't
	// be inflated as zlib, nor as raw deflate with the zlib wrapper
	// stripped.
	ErrDecompress = errors.New("esm: compressed payload is not a valid zlib or deflate stream")
)
