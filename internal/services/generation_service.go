// Package services – GenerationService
//
// This file implements the orchestration for one image request:
// validate → fingerprint → cache read → (on miss) provider call → cache
// write → respond. On provider failure the attempt is recorded best-effort
// and a degraded fallback lookup runs before the error surfaces.
//
// The service holds injected dependencies only: no singleton provider state,
// no package-level configuration. Concurrency correctness for "one row per
// fingerprint" is delegated entirely to the repository's atomic upsert;
// concurrent identical misses may each call the provider and the last write
// wins, which is an accepted inefficiency.
package services

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-image-backend/internal/domain"
	"github.com/tbourn/go-image-backend/internal/provider"
	"github.com/tbourn/go-image-backend/internal/repo"
)

// Cache-status markers attached to every successful outcome.
const (
	CacheHit      = "HIT"
	CacheMiss     = "MISS"
	CacheFallback = "FALLBACK"
)

// GenerationRepo defines the repository contract required by
// GenerationService. Implementations persist generation rows keyed by
// fingerprint with upsert-on-conflict semantics.
type GenerationRepo interface {
	// GetSuccessful fetches the successful cached row for a fingerprint.
	GetSuccessful(ctx context.Context, db *gorm.DB, cacheHash string) (*domain.Generation, error)

	// GetByID fetches a successful row by record ID.
	GetByID(ctx context.Context, db *gorm.DB, id string) (*domain.Generation, error)

	// UpsertSuccess overwrites (or inserts) the row for a fingerprint with a
	// completed payload.
	UpsertSuccess(ctx context.Context, db *gorm.DB, p domain.GenerationParams, cacheHash string, payload []byte, contentType, providerName string, actor domain.Actor) (*domain.Generation, error)

	// UpsertFailure overwrites (or inserts) the row for a fingerprint with a
	// failure record.
	UpsertFailure(ctx context.Context, db *gorm.DB, p domain.GenerationParams, cacheHash, errorMessage, providerName string, actor domain.Actor) error

	// FindFallback runs the two-tier similar-result search.
	FindFallback(ctx context.Context, db *gorm.DB, width, height int, style string) (*domain.Generation, string, error)

	// GenerationStats aggregates per-provider counts.
	GenerationStats(ctx context.Context, db *gorm.DB, providerName string) ([]repo.ProviderStats, error)

	// CountGenerations / ListGenerationsPage back the admin listing.
	CountGenerations(ctx context.Context, db *gorm.DB) (int64, error)
	ListGenerationsPage(ctx context.Context, db *gorm.DB, offset, limit int) ([]domain.Generation, error)
}

// ImageProvider is the outbound generation client consumed by the service.
// Implementations must be safe for concurrent use and honor the context
// deadline.
type ImageProvider interface {
	Generate(ctx context.Context, req provider.Request) (*provider.Result, error)
}

// Outcome is the result of a successfully served request, whether the bytes
// came from cache, a fresh generation, or a fallback row.
type Outcome struct {
	RecordID    string
	Payload     []byte
	ContentType string

	// CacheStatus is one of CacheHit, CacheMiss, CacheFallback.
	CacheStatus string

	// Operation and CreditCost are populated on a miss (fresh generation).
	Operation  string
	CreditCost int

	// FallbackType names the matched tier when CacheStatus is CacheFallback.
	FallbackType string

	// GeneratedAt is when the served payload was produced.
	GeneratedAt time.Time
}

// GenerationService coordinates the validator, cache and provider for image
// requests.
type GenerationService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Repo is the generation repository used by this service.
	Repo GenerationRepo
	// Provider is the upstream generation client.
	Provider ImageProvider

	// ProviderName tags cache rows and statistics.
	ProviderName string
	// Timeout bounds a single provider call; <= 0 disables the bound.
	Timeout time.Duration
}

// NewGenerationService constructs a GenerationService with the default
// provider tag and call deadline.
func NewGenerationService(db *gorm.DB, r GenerationRepo, p ImageProvider) *GenerationService {
	return &GenerationService{
		DB:           db,
		Repo:         r,
		Provider:     p,
		ProviderName: provider.Name,
		Timeout:      60 * time.Second,
	}
}

// Generate serves one image request end to end.
//
// Returned errors:
//   - *ValidationError           before any I/O when parameters are invalid
//   - provider.ErrRateLimited    upstream 429 with no usable fallback
//   - *provider.StatusError      upstream failure with no usable fallback
//   - provider.ErrMalformedResponse / storage errors otherwise
func (s *GenerationService) Generate(ctx context.Context, actor domain.Actor, p domain.GenerationParams) (*Outcome, error) {
	if codes := p.Validate(); len(codes) > 0 {
		return nil, &ValidationError{Codes: codes}
	}

	hash := p.Fingerprint()

	// Cache read.
	if rec, err := s.Repo.GetSuccessful(ctx, s.DB, hash); err == nil {
		return &Outcome{
			RecordID:    rec.ID,
			Payload:     rec.Payload,
			ContentType: contentTypeOf(rec),
			CacheStatus: CacheHit,
			GeneratedAt: rec.CreatedAt,
		}, nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	// Cache miss: call the provider under the configured deadline.
	pctx := ctx
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	res, err := s.Provider.Generate(pctx, provider.Request{
		Prompt:          p.Prompt,
		Seed:            p.Seed,
		BaseImage:       p.BaseImage,
		ReferenceImages: p.ReferenceImages,
	})
	if err != nil {
		return s.recoverFromFailure(ctx, actor, p, hash, err)
	}

	rec, err := s.Repo.UpsertSuccess(ctx, s.DB, p, hash, res.Image, res.ContentType, s.ProviderName, actor)
	if err != nil {
		return nil, err
	}

	return &Outcome{
		RecordID:    rec.ID,
		Payload:     res.Image,
		ContentType: res.ContentType,
		CacheStatus: CacheMiss,
		Operation:   res.Operation,
		CreditCost:  res.CreditCost,
		GeneratedAt: res.CreatedAt,
	}, nil
}

// recoverFromFailure records the failed attempt and tries the degraded
// fallback lookup. The failure-record write is best-effort: its own error is
// logged and must never mask the provider error being handled.
func (s *GenerationService) recoverFromFailure(ctx context.Context, actor domain.Actor, p domain.GenerationParams, hash string, genErr error) (*Outcome, error) {
	if err := s.Repo.UpsertFailure(ctx, s.DB, p, hash, genErr.Error(), s.ProviderName, actor); err != nil {
		log.Warn().Err(err).Str("cache_hash", hash).Msg("failed to store failure record")
	}

	rec, tier, err := s.Repo.FindFallback(ctx, s.DB, p.Width, p.Height, p.Style)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			log.Warn().Err(err).Msg("fallback lookup failed")
		}
		return nil, genErr
	}

	return &Outcome{
		RecordID:     rec.ID,
		Payload:      rec.Payload,
		ContentType:  contentTypeOf(rec),
		CacheStatus:  CacheFallback,
		FallbackType: tier,
		GeneratedAt:  rec.CreatedAt,
	}, nil
}

// GetByID returns a stored successful generation, or ErrGenerationNotFound.
func (s *GenerationService) GetByID(ctx context.Context, id string) (*domain.Generation, error) {
	rec, err := s.Repo.GetByID(ctx, s.DB, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrGenerationNotFound
		}
		return nil, err
	}
	return rec, nil
}

// Stats returns per-provider aggregate counts, scoped when providerName is
// non-empty.
func (s *GenerationService) Stats(ctx context.Context, providerName string) ([]repo.ProviderStats, error) {
	return s.Repo.GenerationStats(ctx, s.DB, providerName)
}

// ListPage returns a page of generation metadata and the total count.
// It applies defaults for invalid page/pageSize values.
func (s *GenerationService) ListPage(ctx context.Context, page, pageSize int) ([]domain.Generation, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	total, err := s.Repo.CountGenerations(ctx, s.DB)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Generation{}, 0, nil
	}

	items, err := s.Repo.ListGenerationsPage(ctx, s.DB, offset, pageSize)
	return items, total, err
}

// contentTypeOf returns the stored MIME type with the historical default.
func contentTypeOf(rec *domain.Generation) string {
	if rec.ContentType != nil && *rec.ContentType != "" {
		return *rec.ContentType
	}
	return "image/png"
}
