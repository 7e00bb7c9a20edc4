// Package repo implements the data persistence layer for the generation
// cache, backed by GORM. This file provides repository functions for the
// Generation model.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition.
//
// Error semantics:
//   - When a generation is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound for convenience).
//   - On DB errors (constraint violations, connectivity issues, etc.),
//     the raw gorm error is propagated.
//
// Concurrency: "one row per fingerprint" is enforced solely by the unique
// index on cache_hash combined with upsert-on-conflict writes. Two concurrent
// writers for the same fingerprint both succeed; the later commit wins.
package repo

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-image-backend/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = gorm.ErrRecordNotFound

// Fallback tiers reported by FindFallback.
const (
	FallbackSameDimensions = "same_dimensions"
	FallbackSameStyle      = "same_style"
)

// GetSuccessful fetches the cached result for a fingerprint. Only rows with
// success = true and a populated payload qualify; failed attempts under the
// same hash are invisible to cache reads.
func GetSuccessful(ctx context.Context, db *gorm.DB, cacheHash string) (*domain.Generation, error) {
	var g domain.Generation
	err := db.WithContext(ctx).
		Where("cache_hash = ? AND success = ? AND payload IS NOT NULL", cacheHash, true).
		First(&g).Error
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// GetByID fetches a successful generation by its record ID, or ErrNotFound.
// Failed rows are treated as absent so stored error states never serve bytes.
func GetByID(ctx context.Context, db *gorm.DB, id string) (*domain.Generation, error) {
	var g domain.Generation
	err := db.WithContext(ctx).
		Where("id = ? AND success = ? AND payload IS NOT NULL", id, true).
		First(&g).Error
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// UpsertSuccess stores a completed generation under its fingerprint. An
// existing row with the same cache_hash is overwritten in place: payload,
// content type, checksum and timestamp are replaced and any prior error is
// cleared. The payload checksum is computed here from the bytes actually
// written, never taken from the caller.
func UpsertSuccess(ctx context.Context, db *gorm.DB, p domain.GenerationParams, cacheHash string, payload []byte, contentType, provider string, actor domain.Actor) (*domain.Generation, error) {
	sum := sha256.Sum256(payload)
	checksum := hex.EncodeToString(sum[:])

	g := newRow(p, cacheHash, provider, actor)
	g.Payload = payload
	g.ContentType = &contentType
	g.SHA256 = &checksum
	g.Success = true

	err := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "cache_hash"}},
		DoUpdates: clause.Assignments(map[string]any{
			"payload":       payload,
			"content_type":  contentType,
			"sha256_hash":   checksum,
			"success":       true,
			"error_message": nil,
			"created_at":    g.CreatedAt,
		}),
	}).Create(g).Error
	if err != nil {
		return nil, err
	}

	// The insert ID is discarded on conflict; re-read the canonical row.
	var out domain.Generation
	if err := db.WithContext(ctx).Where("cache_hash = ?", cacheHash).First(&out).Error; err != nil {
		return nil, err
	}
	return &out, nil
}

// UpsertFailure records a failed attempt under its fingerprint, overwriting
// any prior state: payload, content type and checksum are cleared, the error
// message is set, and the timestamp refreshed.
func UpsertFailure(ctx context.Context, db *gorm.DB, p domain.GenerationParams, cacheHash, errorMessage, provider string, actor domain.Actor) error {
	g := newRow(p, cacheHash, provider, actor)
	g.Success = false
	g.ErrorMessage = &errorMessage

	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "cache_hash"}},
		DoUpdates: clause.Assignments(map[string]any{
			"payload":       nil,
			"content_type":  nil,
			"sha256_hash":   nil,
			"success":       false,
			"error_message": errorMessage,
			"created_at":    g.CreatedAt,
		}),
	}).Create(g).Error
}

// FindFallback performs the two-tier best-effort search used when live
// generation fails and no exact entry exists. Tier one is the most recent
// successful row sharing exact width, height and style; tier two relaxes to
// style alone. The returned string names the tier that matched.
func FindFallback(ctx context.Context, db *gorm.DB, width, height int, style string) (*domain.Generation, string, error) {
	var g domain.Generation
	err := db.WithContext(ctx).
		Where("width = ? AND height = ? AND style = ? AND success = ? AND payload IS NOT NULL", width, height, style, true).
		Order("created_at DESC").
		First(&g).Error
	if err == nil {
		return &g, FallbackSameDimensions, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, "", err
	}

	err = db.WithContext(ctx).
		Where("style = ? AND success = ? AND payload IS NOT NULL", style, true).
		Order("created_at DESC").
		First(&g).Error
	if err != nil {
		return nil, "", err
	}
	return &g, FallbackSameStyle, nil
}

// CountGenerations returns the total number of rows, success or failure.
func CountGenerations(ctx context.Context, db *gorm.DB) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Model(&domain.Generation{}).Count(&total).Error
	return total, err
}

// ListGenerationsPage returns a page of generation metadata ordered by most
// recent write first. Payload bytes are omitted so listing stays cheap even
// when the table holds large images.
func ListGenerationsPage(ctx context.Context, db *gorm.DB, offset, limit int) ([]domain.Generation, error) {
	var out []domain.Generation
	err := db.WithContext(ctx).
		Omit("payload").
		Order("created_at DESC, id DESC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// newRow builds a fresh Generation row from normalized parameters. Shared by
// both upsert paths so the parameter columns are written identically.
func newRow(p domain.GenerationParams, cacheHash, provider string, actor domain.Actor) *domain.Generation {
	return &domain.Generation{
		ID:                  uuid.NewString(),
		Provider:            provider,
		Prompt:              p.Prompt,
		Style:               p.Style,
		Width:               p.Width,
		Height:              p.Height,
		Seed:                p.Seed,
		Strength:            p.Strength,
		PreserveComposition: p.PreserveComposition,
		HasBaseImage:        len(p.BaseImage) > 0,
		HasReferenceImages:  len(p.ReferenceImages) > 0,
		ReferenceCount:      len(p.ReferenceImages),
		CacheHash:           cacheHash,
		UserID:              actor.UserID,
		AppID:               actor.AppID,
		CreatedAt:           time.Now().UTC(),
	}
}
