// Package repo implements the data persistence layer for the generation
// cache, backed by GORM. This file provides the per-provider aggregate
// statistics query used by the stats endpoint.
package repo

import (
	"context"

	"gorm.io/gorm"
)

// ProviderStats is one aggregate row of cache effectiveness per provider.
type ProviderStats struct {
	Provider              string `json:"provider"`
	TotalGenerations      int64  `json:"total_generations"`
	SuccessfulGenerations int64  `json:"successful_generations"`
	FailedGenerations     int64  `json:"failed_generations"`
	UniqueCacheEntries    int64  `json:"unique_cache_entries"`
}

// GenerationStats aggregates attempt counts, successes, failures and distinct
// fingerprints per provider, ordered by total volume descending. When a
// provider is given, the result is scoped to that provider (zero or one row).
//
// The conditional sums are written with CASE so the query runs unchanged on
// both SQLite and Postgres.
func GenerationStats(ctx context.Context, db *gorm.DB, provider string) ([]ProviderStats, error) {
	const base = `
		SELECT
			provider,
			COUNT(*) AS total_generations,
			SUM(CASE WHEN success THEN 1 ELSE 0 END) AS successful_generations,
			SUM(CASE WHEN success THEN 0 ELSE 1 END) AS failed_generations,
			COUNT(DISTINCT cache_hash) AS unique_cache_entries
		FROM image_generations`

	var out []ProviderStats
	q := db.WithContext(ctx)
	if provider != "" {
		q = q.Raw(base+` WHERE provider = ? GROUP BY provider ORDER BY total_generations DESC`, provider)
	} else {
		q = q.Raw(base + ` GROUP BY provider ORDER BY total_generations DESC`)
	}
	if err := q.Scan(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
