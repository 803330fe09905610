package tryon_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robalyx/fitroom/internal/database/types"
	"github.com/robalyx/fitroom/internal/enhance"
	"github.com/robalyx/fitroom/internal/imagecodec"
	"github.com/robalyx/fitroom/internal/tryon"
)

var errFakeStore = errors.New("store unavailable")

// memStore is an in-memory tryon.Store.
type memStore struct {
	mu         sync.Mutex
	entries    map[types.CacheKey]*types.TryOnCacheEntry
	calls      int
	touches    int
	getErr     error
	upsertErr  error
	touchStart chan struct{}
	touchGate  chan struct{}
}

func newMemStore() *memStore {
	return &memStore{entries: make(map[types.CacheKey]*types.TryOnCacheEntry)}
}

func (s *memStore) Get(_ context.Context, key types.CacheKey, now time.Time) (*types.TryOnCacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	if s.getErr != nil {
		return nil, s.getErr
	}

	entry, ok := s.entries[key]
	if !ok || entry.Expired(now) {
		return nil, tryon.ErrCacheMiss
	}

	copied := *entry
	return &copied, nil
}

func (s *memStore) GetMany(
	_ context.Context, scope types.CacheScope, products []types.ProductKey, now time.Time,
) (map[types.ProductKey]*types.TryOnCacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	if s.getErr != nil {
		return nil, s.getErr
	}

	result := make(map[types.ProductKey]*types.TryOnCacheEntry)
	for _, product := range products {
		entry, ok := s.entries[types.CacheKey{CacheScope: scope, ProductKey: product}]
		if ok && !entry.Expired(now) {
			copied := *entry
			result[product] = &copied
		}
	}

	return result, nil
}

func (s *memStore) Upsert(
	_ context.Context, key types.CacheKey, imageURL string, now time.Time, ttl time.Duration,
) (*types.TryOnCacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	if s.upsertErr != nil {
		return nil, s.upsertErr
	}

	entry, ok := s.entries[key]
	if !ok {
		entry = &types.TryOnCacheEntry{
			UserID:             key.UserID,
			PhotoID:            key.PhotoID,
			ProductID:          key.ProductID,
			ExternalProductKey: key.ExternalProductKey,
			ModelVersion:       key.ModelVersion,
			ParamsHash:         key.ParamsHash,
			UsageCount:         -1,
		}
		s.entries[key] = entry
	}

	entry.GeneratedImageURL = imageURL
	entry.CreatedAt = now
	entry.LastAccessedAt = now
	entry.ExpiresAt = now.Add(ttl)
	entry.UsageCount++

	copied := *entry
	return &copied, nil
}

func (s *memStore) Touch(_ context.Context, key types.CacheKey, now time.Time) error {
	if s.touchStart != nil {
		s.touchStart <- struct{}{}
	}
	if s.touchGate != nil {
		<-s.touchGate
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.touches++
	if entry, ok := s.entries[key]; ok {
		entry.LastAccessedAt = now
		entry.UsageCount++
	}

	return nil
}

func (s *memStore) Sweep(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for key, entry := range s.entries {
		if entry.ExpiresAt.Before(before) {
			delete(s.entries, key)
			deleted++
		}
	}

	return deleted, nil
}

func (s *memStore) touchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.touches
}

func (s *memStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// fakeCodec treats references as image payloads. Data URLs are parsed and
// references starting with "bad" are rejected.
type fakeCodec struct{}

func (fakeCodec) Normalize(_ context.Context, reference string) (imagecodec.Image, error) {
	if imagecodec.IsDataURL(reference) {
		return imagecodec.ParseDataURL(reference)
	}
	if strings.HasPrefix(reference, "bad") {
		return imagecodec.Image{}, &imagecodec.InvalidImageError{Reference: reference, Reason: "payload is markup, not an image"}
	}
	return imagecodec.Image{MIMEType: "image/png", Data: []byte(reference)}, nil
}

// fakeGenerator appends the product name to the person image. Products
// named in failFor always fail.
type fakeGenerator struct {
	mu      sync.Mutex
	failFor map[string]error
	calls   []string
	persons []string
}

func (g *fakeGenerator) Generate(
	_ context.Context, person, _ imagecodec.Image, productName, _ string,
) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.calls = append(g.calls, productName)
	g.persons = append(g.persons, string(person.Data))

	if err, ok := g.failFor[productName]; ok {
		return "", err
	}

	return imagecodec.Image{
		MIMEType: "image/png",
		Data:     []byte(string(person.Data) + "|" + productName),
	}.DataURL(), nil
}

func (g *fakeGenerator) ModelVersion() string {
	return "test-model"
}

func (g *fakeGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

// fakePhotos is an in-memory tryon.PhotoStore.
type fakePhotos struct {
	mu       sync.Mutex
	photos   map[uuid.UUID]*types.UserPhoto
	primary  *types.UserPhoto
	enhanced map[uuid.UUID]*types.PhotoMetadata
}

func (p *fakePhotos) AddPhoto(_ context.Context, userID uuid.UUID, url string) (*types.UserPhoto, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	photo := &types.UserPhoto{ID: uuid.New(), UserID: userID, URL: url, IsPrimary: true}
	if p.primary != nil {
		p.primary.IsPrimary = false
	}
	p.photos[photo.ID] = photo
	p.primary = photo

	return photo, nil
}

func (p *fakePhotos) ResolvePhoto(_ context.Context, _ uuid.UUID, photoID *uuid.UUID) (*types.UserPhoto, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if photoID == nil {
		return p.primary, nil
	}

	photo, ok := p.photos[*photoID]
	if !ok {
		return nil, errors.New("photo not found")
	}
	return photo, nil
}

func (p *fakePhotos) SaveEnhancement(
	_ context.Context, photoID uuid.UUID, enhancedURL string, metadata *types.PhotoMetadata,
) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.enhanced == nil {
		p.enhanced = make(map[uuid.UUID]*types.PhotoMetadata)
	}
	p.enhanced[photoID] = metadata
	p.photos[photoID].EnhancedURL = enhancedURL

	return nil
}

// fakeEnhancer returns a fixed result, or err when set, and records the
// reference it received.
type fakeEnhancer struct {
	reference string
	result    *enhance.Result
	err       error
}

func (e *fakeEnhancer) Enhance(_ context.Context, reference string, _ enhance.Options) (*enhance.Result, error) {
	e.reference = reference
	if e.err != nil {
		return nil, e.err
	}
	copied := *e.result
	return &copied, nil
}
