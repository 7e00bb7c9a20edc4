// Package provider – Gemini client
//
// This file implements the outbound client for Google's Gemini image model.
// A request is assembled as multi-part content: the text prompt first, then
// the base image (edits) and each reference image (composition) as inline
// binary parts in input order. The response's first inline binary part is the
// generated image; anything else is a malformed response.
//
// The client holds no mutable state beyond the underlying SDK handle and
// performs no retries: a 429 surfaces as ErrRateLimited for the caller to
// handle.
package provider

import (
	"context"
	"errors"
	"net/http"
	"time"

	"google.golang.org/genai"

	"github.com/tbourn/go-image-backend/internal/config"
	"github.com/tbourn/go-image-backend/internal/domain"
)

// Name is the provider tag recorded with every cached generation.
const Name = "gemini"

// creditCost is the per-image estimate reported to clients. The Gemini API
// does not return a cost, so the original flat estimate is kept.
const creditCost = 1

// Request carries the inputs for one generation call.
type Request struct {
	Prompt          string
	Seed            *int64
	BaseImage       []byte
	ReferenceImages [][]byte
}

// Result is a normalized successful generation.
type Result struct {
	Image       []byte
	ContentType string
	Operation   string // generate | edit | compose
	CreditCost  int
	CreatedAt   time.Time
}

// Client talks to the Gemini generateContent endpoint for a single model.
// All configuration is injected at construction; it is safe for concurrent
// use.
type Client struct {
	genai *genai.Client
	model string
}

// NewClient constructs a Client from injected configuration. The API key is
// required; BaseURL optionally redirects traffic to a proxy or test server.
func NewClient(ctx context.Context, cfg config.GeminiConfig) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("provider: API key is required")
	}

	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions.BaseURL = cfg.BaseURL
	}

	gc, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, err
	}
	return &Client{genai: gc, model: cfg.Model}, nil
}

// Generate performs one generation call and normalizes the outcome.
//
// Failure mapping:
//   - HTTP 429                      -> ErrRateLimited
//   - any other non-success status  -> *StatusError{status, message}
//   - success without an image part -> ErrMalformedResponse
func (c *Client) Generate(ctx context.Context, req Request) (*Result, error) {
	operation := classify(req)

	parts := []*genai.Part{{Text: req.Prompt}}
	if len(req.BaseImage) > 0 {
		parts = append(parts, inlinePart(req.BaseImage))
	}
	for _, ref := range req.ReferenceImages {
		parts = append(parts, inlinePart(ref))
	}

	cfg := &genai.GenerateContentConfig{}
	if req.Seed != nil {
		cfg.Seed = genai.Ptr(int32(*req.Seed))
	}

	contents := []*genai.Content{{Role: genai.RoleUser, Parts: parts}}

	resp, err := c.genai.Models.GenerateContent(ctx, c.model, contents, cfg)
	if err != nil {
		return nil, mapAPIError(err)
	}

	image, mime := firstInlineImage(resp)
	if image == nil {
		return nil, ErrMalformedResponse
	}

	return &Result{
		Image:       image,
		ContentType: mime,
		Operation:   operation,
		CreditCost:  creditCost,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// classify infers the operation label from which image inputs are present.
// It mirrors domain.GenerationParams.Operation so the label reported by the
// provider matches the one served from cache.
func classify(req Request) string {
	if len(req.BaseImage) > 0 {
		return domain.OpEdit
	}
	if len(req.ReferenceImages) > 1 {
		return domain.OpCompose
	}
	return domain.OpGenerate
}

func inlinePart(data []byte) *genai.Part {
	return &genai.Part{InlineData: &genai.Blob{MIMEType: "image/png", Data: data}}
}

// firstInlineImage extracts the first inline binary payload from the
// response's structured content parts.
func firstInlineImage(resp *genai.GenerateContentResponse) ([]byte, string) {
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part != nil && part.InlineData != nil && len(part.InlineData.Data) > 0 {
				mime := part.InlineData.MIMEType
				if mime == "" {
					mime = "image/png"
				}
				return part.InlineData.Data, mime
			}
		}
	}
	return nil, ""
}

// mapAPIError converts SDK errors into the package's tagged error kinds.
func mapAPIError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == http.StatusTooManyRequests {
			return ErrRateLimited
		}
		msg := apiErr.Message
		if msg == "" {
			msg = apiErr.Status
		}
		return &StatusError{Status: apiErr.Code, Message: msg}
	}
	return err
}
