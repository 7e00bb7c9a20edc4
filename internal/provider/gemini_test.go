package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"google.golang.org/genai"

	"github.com/tbourn/go-image-backend/internal/config"
	"github.com/tbourn/go-image-backend/internal/domain"
)

func TestNewClient_RequiresAPIKey(t *testing.T) {
	_, err := NewClient(context.Background(), config.GeminiConfig{Model: "m"})
	if err == nil {
		t.Fatalf("expected error without API key")
	}
}

func TestClassify(t *testing.T) {
	if op := classify(Request{Prompt: "x"}); op != domain.OpGenerate {
		t.Fatalf("plain: %q", op)
	}
	if op := classify(Request{Prompt: "x", BaseImage: []byte("b")}); op != domain.OpEdit {
		t.Fatalf("base image: %q", op)
	}
	if op := classify(Request{Prompt: "x", ReferenceImages: [][]byte{{1}, {2}}}); op != domain.OpCompose {
		t.Fatalf("two references: %q", op)
	}
	if op := classify(Request{Prompt: "x", ReferenceImages: [][]byte{{1}}}); op != domain.OpGenerate {
		t.Fatalf("single reference stays generate: %q", op)
	}
}

func TestFirstInlineImage(t *testing.T) {
	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{
			nil,
			{Content: &genai.Content{Parts: []*genai.Part{
				{Text: "some commentary"},
				{InlineData: &genai.Blob{MIMEType: "image/webp", Data: []byte("img")}},
			}}},
		},
	}
	data, mime := firstInlineImage(resp)
	if string(data) != "img" || mime != "image/webp" {
		t.Fatalf("got %q %q", data, mime)
	}

	// Missing MIME type falls back to image/png.
	resp2 := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{
			{Content: &genai.Content{Parts: []*genai.Part{
				{InlineData: &genai.Blob{Data: []byte("raw")}},
			}}},
		},
	}
	if _, mime := firstInlineImage(resp2); mime != "image/png" {
		t.Fatalf("default mime: %q", mime)
	}

	// Text-only response yields nothing.
	resp3 := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{
			{Content: &genai.Content{Parts: []*genai.Part{{Text: "no image"}}}},
		},
	}
	if data, _ := firstInlineImage(resp3); data != nil {
		t.Fatalf("expected nil for text-only response, got %q", data)
	}
}

func TestMapAPIError(t *testing.T) {
	if got := mapAPIError(genai.APIError{Code: http.StatusTooManyRequests}); !errors.Is(got, ErrRateLimited) {
		t.Fatalf("429: got %v", got)
	}

	got := mapAPIError(genai.APIError{Code: 503, Message: "overloaded"})
	var se *StatusError
	if !errors.As(got, &se) || se.Status != 503 || se.Message != "overloaded" {
		t.Fatalf("503: got %v", got)
	}

	// Status string used when the message is empty.
	got = mapAPIError(genai.APIError{Code: 500, Status: "INTERNAL"})
	if !errors.As(got, &se) || se.Message != "INTERNAL" {
		t.Fatalf("empty message: got %v", got)
	}

	// Non-API errors pass through untouched.
	plain := fmt.Errorf("dial tcp: connection refused")
	if got := mapAPIError(plain); got != plain {
		t.Fatalf("passthrough: got %v", got)
	}
}

func TestStatusError_Format(t *testing.T) {
	e := &StatusError{Status: 502, Message: "bad gateway"}
	if e.Error() != "provider error: 502 - bad gateway" {
		t.Fatalf("format: %q", e.Error())
	}
}

// ---- end-to-end tests against a fake upstream ----

// Wire shapes for the generateContent request body, just deep enough to
// assert part ordering and seed placement.
type wireInline struct {
	MIMEType string `json:"mimeType"`
	Data     []byte `json:"data"`
}

type wirePart struct {
	Text       string      `json:"text,omitempty"`
	InlineData *wireInline `json:"inlineData,omitempty"`
}

type wireRequest struct {
	Contents []struct {
		Role  string     `json:"role"`
		Parts []wirePart `json:"parts"`
	} `json:"contents"`
	GenerationConfig struct {
		Seed *int32 `json:"seed"`
	} `json:"generationConfig"`
}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(context.Background(), config.GeminiConfig{
		APIKey:  "test-key",
		BaseURL: srv.URL,
		Model:   "image-model",
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func inlineImageBody(t *testing.T, mime string, data []byte) []byte {
	t.Helper()
	body := map[string]any{
		"candidates": []any{map[string]any{
			"content": map[string]any{
				"role": "model",
				"parts": []any{map[string]any{
					"inlineData": map[string]any{
						"mimeType": mime,
						"data":     base64.StdEncoding.EncodeToString(data),
					},
				}},
			},
		}},
	}
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	return raw
}

func TestClient_Generate_OrderedPartsAndSeed(t *testing.T) {
	var (
		gotPath string
		gotReq  wireRequest
	)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(inlineImageBody(t, "image/png", []byte("png-bytes")))
	}))

	seed := int64(42)
	res, err := c.Generate(context.Background(), Request{
		Prompt:          "castle at dawn",
		Seed:            &seed,
		BaseImage:       []byte("base-img"),
		ReferenceImages: [][]byte{[]byte("ref-one"), []byte("ref-two")},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if !strings.Contains(gotPath, "image-model:generateContent") {
		t.Fatalf("unexpected upstream path %q", gotPath)
	}
	if len(gotReq.Contents) != 1 {
		t.Fatalf("expected one content, got %d", len(gotReq.Contents))
	}
	content := gotReq.Contents[0]
	if content.Role != "user" {
		t.Fatalf("role = %q", content.Role)
	}

	// Prompt first, then base image, then references in input order.
	if len(content.Parts) != 4 {
		t.Fatalf("expected 4 parts, got %d", len(content.Parts))
	}
	if content.Parts[0].Text != "castle at dawn" {
		t.Fatalf("part 0: %+v", content.Parts[0])
	}
	wantBlobs := []string{"base-img", "ref-one", "ref-two"}
	for i, want := range wantBlobs {
		p := content.Parts[i+1]
		if p.InlineData == nil || string(p.InlineData.Data) != want {
			t.Fatalf("part %d: want blob %q, got %+v", i+1, want, p)
		}
		if p.InlineData.MIMEType != "image/png" {
			t.Fatalf("part %d mime: %q", i+1, p.InlineData.MIMEType)
		}
	}
	if content.Parts[1].Text != "" {
		t.Fatalf("binary part must not carry text: %+v", content.Parts[1])
	}

	if gotReq.GenerationConfig.Seed == nil || *gotReq.GenerationConfig.Seed != 42 {
		t.Fatalf("seed not forwarded: %+v", gotReq.GenerationConfig.Seed)
	}

	if string(res.Image) != "png-bytes" || res.ContentType != "image/png" {
		t.Fatalf("result: %q %q", res.Image, res.ContentType)
	}
	if res.Operation != domain.OpEdit {
		t.Fatalf("operation = %q, want %q", res.Operation, domain.OpEdit)
	}
	if res.CreditCost != 1 {
		t.Fatalf("credit cost = %d", res.CreditCost)
	}
}

func TestClient_Generate_TextOnlyOmitsSeed(t *testing.T) {
	var gotReq wireRequest
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(inlineImageBody(t, "image/webp", []byte("webp-bytes")))
	}))

	res, err := c.Generate(context.Background(), Request{Prompt: "a fox"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if len(gotReq.Contents) != 1 || len(gotReq.Contents[0].Parts) != 1 {
		t.Fatalf("expected a single text part, got %+v", gotReq.Contents)
	}
	if gotReq.Contents[0].Parts[0].Text != "a fox" {
		t.Fatalf("part 0: %+v", gotReq.Contents[0].Parts[0])
	}
	if gotReq.GenerationConfig.Seed != nil {
		t.Fatalf("seed must be absent, got %d", *gotReq.GenerationConfig.Seed)
	}
	if res.Operation != domain.OpGenerate {
		t.Fatalf("operation = %q", res.Operation)
	}
	if res.ContentType != "image/webp" {
		t.Fatalf("content type = %q", res.ContentType)
	}
}

func TestClient_Generate_RateLimited(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"code":429,"message":"quota exceeded","status":"RESOURCE_EXHAUSTED"}}`))
	}))

	_, err := c.Generate(context.Background(), Request{Prompt: "x"})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestClient_Generate_UpstreamFailure(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"code":503,"message":"backend overloaded","status":"UNAVAILABLE"}}`))
	}))

	_, err := c.Generate(context.Background(), Request{Prompt: "x"})
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected *StatusError, got %v", err)
	}
	if se.Status != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", se.Status)
	}
	if !strings.Contains(se.Message, "overloaded") {
		t.Fatalf("message = %q", se.Message)
	}
}

func TestClient_Generate_NoImagePart(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"no can do"}]}}]}`))
	}))

	_, err := c.Generate(context.Background(), Request{Prompt: "x"})
	if !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("expected ErrMalformedResponse, got %v", err)
	}
}
