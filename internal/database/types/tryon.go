package types

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

var (
	// ErrInvalidCacheKey is returned for keys that do not name exactly one product.
	ErrInvalidCacheKey = errors.New("cache key must set exactly one of product id or external product key")
	// ErrCacheMiss is returned when no unexpired entry exists for a key.
	ErrCacheMiss = errors.New("try-on cache miss")
)

// CacheScope identifies the person image and model a set of cached try-ons belong to.
type CacheScope struct {
	UserID       uuid.UUID `json:"userId"`
	PhotoID      uuid.UUID `json:"photoId"`
	ModelVersion string    `json:"modelVersion"`
}

// ProductKey identifies the garment side of a cached try-on. Exactly one of
// ProductID and ExternalProductKey is set; the other is the empty string.
type ProductKey struct {
	ProductID          string `json:"productId"`
	ExternalProductKey string `json:"externalProductKey"`
	ParamsHash         string `json:"paramsHash"`
}

// ID returns the catalog product id or, for external products, the external key.
func (k ProductKey) ID() string {
	if k.ProductID != "" {
		return k.ProductID
	}
	return k.ExternalProductKey
}

// Validate checks the exactly-one-product invariant.
func (k ProductKey) Validate() error {
	if (k.ProductID == "") == (k.ExternalProductKey == "") {
		return ErrInvalidCacheKey
	}
	return nil
}

// CacheKey is the full identity of a cached try-on.
type CacheKey struct {
	CacheScope
	ProductKey
}

// Validate checks that the key can address a single cache row.
func (k CacheKey) Validate() error {
	if k.UserID == uuid.Nil || k.PhotoID == uuid.Nil || k.ModelVersion == "" || k.ParamsHash == "" {
		return ErrInvalidCacheKey
	}
	return k.ProductKey.Validate()
}

// TryOnCacheEntry is a generated try-on image kept for reuse.
type TryOnCacheEntry struct {
	bun.BaseModel `bun:"table:try_on_cache,alias:tc" json:"-"`

	ID                 int64     `bun:",pk,autoincrement"           json:"id"`
	UserID             uuid.UUID `bun:"type:uuid,notnull"           json:"userId"`
	PhotoID            uuid.UUID `bun:"type:uuid,notnull"           json:"photoId"`
	ProductID          string    `bun:",notnull"                    json:"productId"`
	ExternalProductKey string    `bun:",notnull"                    json:"externalProductKey"`
	ModelVersion       string    `bun:",notnull"                    json:"modelVersion"`
	ParamsHash         string    `bun:",notnull"                    json:"paramsHash"`
	GeneratedImageURL  string    `bun:"generated_image_url,notnull" json:"generatedImageUrl"`
	CreatedAt          time.Time `bun:",notnull"                    json:"createdAt"`
	LastAccessedAt     time.Time `bun:",notnull"                    json:"lastAccessedAt"`
	UsageCount         int       `bun:",notnull"                    json:"usageCount"`
	ExpiresAt          time.Time `bun:",notnull"                    json:"expiresAt"`
}

// Key returns the identity of the entry.
func (e *TryOnCacheEntry) Key() CacheKey {
	return CacheKey{
		CacheScope: CacheScope{UserID: e.UserID, PhotoID: e.PhotoID, ModelVersion: e.ModelVersion},
		ProductKey: ProductKey{
			ProductID:          e.ProductID,
			ExternalProductKey: e.ExternalProductKey,
			ParamsHash:         e.ParamsHash,
		},
	}
}

// Expired reports whether the entry is past its expiry at now. An entry is
// still served at exactly its expiry time.
func (e *TryOnCacheEntry) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// PhotoMetadata records what the enhancement pipeline did to a photo.
type PhotoMetadata struct {
	QualityUpscaled   bool      `json:"qualityUpscaled"`
	ImageExtended     bool      `json:"imageExtended"`
	BackgroundRemoved bool      `json:"backgroundRemoved"`
	LightingCorrected bool      `json:"lightingCorrected"`
	Warnings          []string  `json:"warnings,omitempty"`
	EnhancedAt        time.Time `json:"enhancedAt"`
}

// UserPhoto is a photo a user uploaded to try garments on.
type UserPhoto struct {
	bun.BaseModel `bun:"table:user_photos,alias:up" json:"-"`

	ID          uuid.UUID      `bun:"type:uuid,pk"                    json:"id"`
	UserID      uuid.UUID      `bun:"type:uuid,notnull"               json:"userId"`
	URL         string         `bun:"url,notnull"                     json:"url"`
	EnhancedURL string         `bun:"enhanced_url,notnull,default:''" json:"enhancedUrl"`
	IsPrimary   bool           `bun:",notnull,default:false"          json:"isPrimary"`
	Metadata    *PhotoMetadata `bun:"type:jsonb"                      json:"metadata"`
	CreatedAt   time.Time      `bun:",notnull"                        json:"createdAt"`
}

// BaseURL returns the enhanced photo when available, otherwise the original.
func (p *UserPhoto) BaseURL() string {
	if p.EnhancedURL != "" {
		return p.EnhancedURL
	}
	return p.URL
}
