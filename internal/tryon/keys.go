package tryon

import (
	"encoding/hex"
	"net/url"
	"sort"
	"strings"

	"github.com/robalyx/fitroom/internal/database/types"
	"github.com/robalyx/fitroom/pkg/utils"
	"golang.org/x/crypto/blake2b"
)

const (
	hashLength        = 32
	externalKeyPrefix = "ext_"
)

// Product is a garment to try on. Catalog products carry an ID; external
// products are identified by their image reference alone.
type Product struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Category    string `json:"category,omitempty"`
	ImageURL    string `json:"imageUrl"`
}

// Descriptor is the garment description passed to generation.
func (p Product) Descriptor() string {
	if p.Description != "" {
		return p.Description
	}
	return p.Category
}

// identifier names the product in batch results before it has a key.
func (p Product) identifier() string {
	switch {
	case p.ID != "":
		return p.ID
	case p.Name != "":
		return p.Name
	default:
		return "unnamed product"
	}
}

// Key returns the product side of the cache identity.
func (p Product) Key(promptVersion string) types.ProductKey {
	key := types.ProductKey{ParamsHash: ParamsHash(promptVersion, p.Name, p.Descriptor())}
	if p.ID != "" {
		key.ProductID = p.ID
	} else {
		key.ExternalProductKey = ExternalProductKey(p.ImageURL)
	}
	return key
}

// ParamsHash fingerprints everything besides the images that changes the
// generated output.
func ParamsHash(promptVersion, productName, productDescription string) string {
	return digest(
		promptVersion,
		utils.NormalizeProductText(productName),
		utils.NormalizeProductText(productDescription),
	)
}

// ExternalProductKey derives a stable identity for a product outside the catalog.
func ExternalProductKey(imageReference string) string {
	return externalKeyPrefix + digest(CanonicalReference(imageReference))
}

// CanonicalReference normalizes an image reference so that trivially
// different URLs for the same image map to the same key. Tracking parameters
// and fragments are dropped and the query is sorted. Non-URL references are
// only trimmed.
func CanonicalReference(reference string) string {
	reference = strings.TrimSpace(reference)

	lower := strings.ToLower(reference)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		return reference
	}

	u, err := url.Parse(reference)
	if err != nil {
		return reference
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""

	query := u.Query()
	for name := range query {
		if strings.HasPrefix(strings.ToLower(name), "utm_") {
			query.Del(name)
		}
	}
	for _, values := range query {
		sort.Strings(values)
	}
	// Encode sorts by key
	u.RawQuery = query.Encode()

	return u.String()
}

func digest(parts ...string) string {
	h, _ := blake2b.New256(nil)
	for _, part := range parts {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:hashLength]
}
