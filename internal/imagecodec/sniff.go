package imagecodec

import (
	"bytes"
)

// MIME types the codec recognizes by signature.
const (
	MIMEJPEG = "image/jpeg"
	MIMEPNG  = "image/png"
	MIMEGIF  = "image/gif"
	MIMEWebP = "image/webp"
)

var pngSignature = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

// Sniff returns the image MIME type indicated by the payload's magic bytes.
func Sniff(data []byte) (string, bool) {
	switch {
	case len(data) >= 3 && data[0] == 0xff && data[1] == 0xd8 && data[2] == 0xff:
		return MIMEJPEG, true
	case bytes.HasPrefix(data, pngSignature):
		return MIMEPNG, true
	case bytes.HasPrefix(data, []byte("GIF87a")), bytes.HasPrefix(data, []byte("GIF89a")):
		return MIMEGIF, true
	case len(data) >= 12 && bytes.Equal(data[:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")):
		return MIMEWebP, true
	default:
		return "", false
	}
}

// looksLikeMarkup reports whether the payload is an HTML or XML document,
// typically an error page served in place of an image.
func looksLikeMarkup(data []byte) bool {
	trimmed := bytes.TrimPrefix(data, []byte{0xef, 0xbb, 0xbf})
	trimmed = bytes.TrimLeft(trimmed, " \t\r\n")

	if len(trimmed) == 0 {
		return false
	}

	if trimmed[0] == '<' {
		return true
	}

	const doctype = "<!doctype"
	return len(trimmed) >= len(doctype) && bytes.EqualFold(trimmed[:len(doctype)], []byte(doctype))
}
