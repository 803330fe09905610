package utils

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// CompressAllWhitespace collapses every run of whitespace into a single space.
func CompressAllWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// NormalizeProductText canonicalizes product text so that visually identical
// names produce identical cache identities.
func NormalizeProductText(s string) string {
	return CompressAllWhitespace(norm.NFC.String(s))
}
