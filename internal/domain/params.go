// Package domain – GenerationParams
//
// This file defines the normalized parameter set for an image-generation
// request, together with the parameter validator and the cache key builder.
// Both are pure functions of the input: no I/O, no randomness, no clock.
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"strings"
)

// Violation codes returned by GenerationParams.Validate.
const (
	ViolationMissingPrompt   = "missing_prompt"
	ViolationInvalidWidth    = "invalid_width"
	ViolationInvalidHeight   = "invalid_height"
	ViolationInvalidSeed     = "invalid_seed"
	ViolationInvalidStrength = "invalid_strength"
)

// Dimension and strength bounds accepted by the validator.
const (
	MinDimension = 64
	MaxDimension = 2048
	MinStrength  = 0.1
	MaxStrength  = 1.0
)

// Operation types inferred from which optional image inputs are present.
const (
	OpGenerate = "generate"
	OpEdit     = "edit"
	OpCompose  = "compose"
)

// Actor carries the optional request attribution stored with each cache
// write. Both fields may be nil for anonymous traffic.
type Actor struct {
	UserID *string
	AppID  *string
}

// GenerationParams is the request parameter set for one image generation.
// Image inputs are carried as raw bytes; only their presence and count take
// part in the cache key.
type GenerationParams struct {
	Prompt              string
	Width               int
	Height              int
	Seed                *int64
	Strength            *float64
	PreserveComposition bool
	CompositionStyle    string
	Style               string // cache partition tag, e.g. "nanobanana"
	Type                string // request shape tag; defaults to "image"

	BaseImage       []byte
	ReferenceImages [][]byte
}

// Validate checks the parameter set and returns the list of violation codes,
// empty when the request is valid. All checks run: violations are collected,
// not short-circuited.
func (p GenerationParams) Validate() []string {
	var violations []string

	if strings.TrimSpace(p.Prompt) == "" {
		violations = append(violations, ViolationMissingPrompt)
	}
	if p.Width < MinDimension || p.Width > MaxDimension {
		violations = append(violations, ViolationInvalidWidth)
	}
	if p.Height < MinDimension || p.Height > MaxDimension {
		violations = append(violations, ViolationInvalidHeight)
	}
	// The provider API takes a 32-bit seed; anything wider would be silently
	// truncated on the wire while still hashing to a distinct cache key.
	if p.Seed != nil && (*p.Seed < math.MinInt32 || *p.Seed > math.MaxInt32) {
		violations = append(violations, ViolationInvalidSeed)
	}
	// Written as a negated range so NaN (strconv parses "NaN") also violates.
	if p.Strength != nil && !(*p.Strength >= MinStrength && *p.Strength <= MaxStrength) {
		violations = append(violations, ViolationInvalidStrength)
	}

	return violations
}

// Operation classifies the request from its optional image inputs: a base
// image means "edit", two or more reference images without a base image mean
// "compose", anything else is a plain "generate". The classification is a
// label on the outcome only; it is deliberately not part of the cache key so
// edit/compose reclassification cannot invalidate cached rows.
func (p GenerationParams) Operation() string {
	if len(p.BaseImage) > 0 {
		return OpEdit
	}
	if len(p.ReferenceImages) > 1 {
		return OpCompose
	}
	return OpGenerate
}

// fingerprintFields is the canonical serialization hashed by Fingerprint.
// Field order is fixed by the struct; values must already be normalized.
type fingerprintFields struct {
	Prompt              string   `json:"prompt"`
	Width               int      `json:"width"`
	Height              int      `json:"height"`
	Seed                *int64   `json:"seed"`
	Strength            *float64 `json:"strength"`
	PreserveComposition bool     `json:"preserve_composition"`
	CompositionStyle    *string  `json:"composition_style"`
	Type                string   `json:"type"`
	HasBaseImage        bool     `json:"has_base_image"`
	HasReferenceImages  bool     `json:"has_reference_images"`
	ReferenceCount      int      `json:"reference_count"`
}

// Fingerprint derives the stable cache key for the request: a hex SHA-256
// digest over the canonical JSON of the normalized parameters. Identical
// normalized input always yields the identical digest.
func (p GenerationParams) Fingerprint() string {
	var style *string
	if p.CompositionStyle != "" {
		style = &p.CompositionStyle
	}
	typ := p.Type
	if typ == "" {
		typ = "image"
	}

	f := fingerprintFields{
		Prompt:              strings.ToLower(strings.TrimSpace(p.Prompt)),
		Width:               p.Width,
		Height:              p.Height,
		Seed:                p.Seed,
		Strength:            p.Strength,
		PreserveComposition: p.PreserveComposition,
		CompositionStyle:    style,
		Type:                typ,
		HasBaseImage:        len(p.BaseImage) > 0,
		HasReferenceImages:  len(p.ReferenceImages) > 0,
		ReferenceCount:      len(p.ReferenceImages),
	}

	// Struct marshaling is deterministic: fields serialize in declaration order.
	raw, _ := json.Marshal(f)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
