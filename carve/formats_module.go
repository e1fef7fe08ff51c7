package carve

import (
	"fmt"

	"go.mozilla.org/pkcs7"

	"github.com/slfx77/fallout-xbox-360-utils/binprim"
)

// xexMagic identifies an Xbox 360 executable module image.
const xexMagic = "XEX2"

// xexCertTag marks an optional trailing PKCS7 certificate bundle some
// digitally-signed title packages append after the security header; most
// modules don't carry one, and its absence is not an error.
const xexCertTag = "CERT"

// xexFormat describes Xbox 360 executable modules. Unlike the other
// formats, these are never discovered by scanning for their magic bytes
// in the dump: the carver enumerates them directly from the dump's
// module list (package dumpmap) and hands each module's image bytes to
// this format's Parser purely for header validation and
// certificate-metadata extraction.
func xexFormat() Format {
	return Format{
		ID:           "xex",
		Name:         "Xbox 360 executable module",
		OutputFolder: "modules",
		Extension:    ".xex",
		MinSize:      2048,
		MaxSize:      256 << 20,
		ScanEnabled:  false,
		Signatures: []Signature{
			{ID: 0, Magic: []byte(xexMagic), Description: "XEX2 module magic"},
		},
		Parser: parseXEXModule,
	}
}

func parseXEXModule(window []byte, at int) (*ParseResult, bool) {
	header := window[at:]
	if len(header) < 24 || string(header[0:4]) != xexMagic {
		return nil, false
	}

	moduleFlags, err := binprim.ReadU32(header, 4, false)
	headerSize, err2 := binprim.ReadU32(header, 8, false)
	securityOffset, err3 := binprim.ReadU32(header, 12, false)
	if err != nil || err2 != nil || err3 != nil {
		return nil, false
	}
	if headerSize == 0 || headerSize > uint32(len(header)) {
		return nil, false
	}

	md := map[string]string{
		"moduleFlags": fmt.Sprintf("%#08x", moduleFlags),
	}

	if cert := extractXEXCertificate(header, int(securityOffset)); cert != nil {
		md["certificateSubject"] = cert.subject
		md["certificateSerial"] = cert.serial
	}

	return &ParseResult{
		Size:        int64(headerSize),
		ContentType: "application/x-xbox-executable",
		Metadata:    md,
	}, true
}

type xexCertInfo struct {
	subject string
	serial  string
}

// extractXEXCertificate looks for the xexCertTag immediately following
// the security header and, if present, best-effort parses the bundle as
// PKCS7 the same tolerant way package pe's parseSecurityDirectory does:
// a parse failure is not fatal to the module carve, it's just absent
// metadata.
func extractXEXCertificate(header []byte, securityOffset int) *xexCertInfo {
	if securityOffset <= 0 || securityOffset+8 > len(header) {
		return nil
	}
	if string(header[securityOffset:securityOffset+4]) != xexCertTag {
		return nil
	}
	length, err := binprim.ReadU32(header, securityOffset+4, false)
	if err != nil {
		return nil
	}
	start := securityOffset + 8
	end := start + int(length)
	if end > len(header) || end < start {
		return nil
	}

	p7, err := pkcs7.Parse(header[start:end])
	if err != nil || len(p7.Certificates) == 0 {
		return nil
	}
	cert := p7.Certificates[0]
	return &xexCertInfo{
		subject: cert.Subject.String(),
		serial:  cert.SerialNumber.String(),
	}
}
