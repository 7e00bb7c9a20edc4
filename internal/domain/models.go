// Package domain defines the persistence model for cached image generations.
// The type is mapped with GORM and forms the core data layer of the proxy.
package domain

import "time"

// Generation represents one cached image-generation attempt, successful or
// failed. Exactly one row exists per CacheHash: retries of the same logical
// request overwrite the existing row via upsert rather than inserting a
// duplicate.
//
// Fields:
//   - ID: stable UUID primary key (char(36)), assigned on first insert.
//   - Provider: tag for the upstream service that produced (or attempted)
//     the result; partitions statistics and fallback search.
//   - Prompt / Style / Width / Height / Seed / Strength /
//     PreserveComposition: normalized request parameters as hashed.
//   - HasBaseImage / HasReferenceImages / ReferenceCount: flags describing
//     which optional image inputs accompanied the request.
//   - CacheHash: hex SHA-256 fingerprint of the normalized parameters;
//     unique, acts as the upsert key.
//   - Payload: binary image content; populated only when Success is true.
//   - ContentType: MIME type of Payload.
//   - SHA256: content checksum of Payload, recomputed on every payload write.
//   - Success: true iff generation completed and Payload is populated.
//   - ErrorMessage: present only when Success is false.
//   - UserID / AppID: optional actor context captured at write time.
//   - CreatedAt: timestamp of the most recent write to this fingerprint.
type Generation struct {
	ID                  string    `json:"id"                   gorm:"type:char(36);primaryKey"`
	Provider            string    `json:"provider"             gorm:"type:varchar(64);not null;index"`
	Prompt              string    `json:"prompt"               gorm:"type:text;not null"`
	Style               string    `json:"style"                gorm:"type:varchar(64);not null;index:idx_style_dims,priority:1"`
	Width               int       `json:"width"                gorm:"not null;index:idx_style_dims,priority:2"`
	Height              int       `json:"height"               gorm:"not null;index:idx_style_dims,priority:3"`
	Seed                *int64    `json:"seed,omitempty"`
	Strength            *float64  `json:"strength,omitempty"`
	PreserveComposition bool      `json:"preserve_composition" gorm:"not null;default:false"`
	HasBaseImage        bool      `json:"has_base_image"       gorm:"not null;default:false"`
	HasReferenceImages  bool      `json:"has_reference_images" gorm:"not null;default:false"`
	ReferenceCount      int       `json:"reference_count"      gorm:"not null;default:0"`
	CacheHash           string    `json:"cache_hash"           gorm:"type:char(64);not null;uniqueIndex:ux_generations_cache_hash"`
	// Payload column type is left to the driver so SQLite maps it to BLOB
	// and Postgres to BYTEA.
	Payload []byte `json:"-"`
	ContentType         *string   `json:"content_type,omitempty" gorm:"type:varchar(64)"`
	SHA256              *string   `json:"sha256,omitempty"     gorm:"column:sha256_hash;type:char(64)"`
	Success             bool      `json:"success"              gorm:"not null;index"`
	ErrorMessage        *string   `json:"error_message,omitempty" gorm:"type:text"`
	UserID              *string   `json:"user_id,omitempty"    gorm:"type:varchar(64)"`
	AppID               *string   `json:"app_id,omitempty"     gorm:"type:varchar(64)"`
	CreatedAt           time.Time `json:"created_at"           gorm:"index"`
}

// TableName returns the database table name for Generation.
func (Generation) TableName() string { return "image_generations" }
