package imagecodec

import (
	"encoding/base64"
	"errors"
	"strings"
)

var (
	ErrNotDataURL      = errors.New("not a data URL")
	ErrMissingPayload  = errors.New("data URL has no payload separator")
	ErrUnsupportedData = errors.New("data URL is not base64 encoded")
)

// Image is an encoded image with its MIME type.
type Image struct {
	MIMEType string
	Data     []byte
}

// DataURL renders the image as a base64 data URL.
func (img Image) DataURL() string {
	return "data:" + img.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
}

// IsDataURL reports whether reference is an inline data URL.
func IsDataURL(reference string) bool {
	return strings.HasPrefix(strings.TrimSpace(reference), "data:")
}

// ParseDataURL decodes a base64 data URL. The declared MIME type is returned
// as-is and is not trusted by the codec.
func ParseDataURL(reference string) (Image, error) {
	reference = strings.TrimSpace(reference)
	if !strings.HasPrefix(reference, "data:") {
		return Image{}, ErrNotDataURL
	}

	meta, payload, found := strings.Cut(reference[len("data:"):], ",")
	if !found {
		return Image{}, ErrMissingPayload
	}

	mimeType, params, _ := strings.Cut(meta, ";")
	if !strings.Contains(params, "base64") {
		return Image{}, ErrUnsupportedData
	}

	payload = strings.Map(func(r rune) rune {
		if r == ' ' || r == '\n' || r == '\r' || r == '\t' {
			return -1
		}
		return r
	}, payload)

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
		if err != nil {
			return Image{}, err
		}
	}

	return Image{MIMEType: mimeType, Data: data}, nil
}
