// Image HTTP handlers.
//
// This file exposes the public image endpoints:
//   - GET  /image/{width}/{height}   (generate or serve cached, for <img> tags)
//   - GET  /image/{id}               (serve a stored record, aggressively cacheable)
//   - POST /image                    (uploads: edit/compose; redirects to /image/{id})
//
// Handlers are transport-thin: they parse and coerce input, call the
// generation service, and translate outcomes into HTTP responses. Cache
// status travels in the X-Cache-Status header (HIT, MISS, FALLBACK) so demo
// pages and operators can see where bytes came from.
package handlers

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tbourn/go-image-backend/internal/domain"
	"github.com/tbourn/go-image-backend/internal/provider"
	"github.com/tbourn/go-image-backend/internal/repo"
	"github.com/tbourn/go-image-backend/internal/services"
	"github.com/tbourn/go-image-backend/internal/utils"
)

//
// Service contract (context-aware)
//

// GenerationService defines the orchestration operations consumed by the
// image handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type GenerationService interface {
	// Generate serves one request: validate, hash, cache read, provider call,
	// cache write, fallback.
	Generate(ctx context.Context, actor domain.Actor, p domain.GenerationParams) (*services.Outcome, error)
	// GetByID fetches a stored successful generation.
	GetByID(ctx context.Context, id string) (*domain.Generation, error)
	// Stats returns per-provider aggregate counts.
	Stats(ctx context.Context, providerName string) ([]repo.ProviderStats, error)
	// ListPage returns a page of generation metadata and the total count.
	ListPage(ctx context.Context, page, pageSize int) ([]domain.Generation, int64, error)
}

//
// Handler wiring
//

// Handlers groups the HTTP endpoints for image generation, retrieval and
// statistics. It depends on an abstract service interface to keep transport
// concerns separate from business logic.
type Handlers struct {
	genSvc       GenerationService
	defaultStyle string
	basePath     string // API mount point, used to build redirect targets
}

// New constructs a Handlers instance bound to the given service.
func New(genSvc GenerationService, defaultStyle, basePath string) *Handlers {
	if basePath == "/" {
		basePath = ""
	}
	return &Handlers{genSvc: genSvc, defaultStyle: defaultStyle, basePath: basePath}
}

// actor extracts optional request attribution from headers. The endpoints
// are deliberately unauthenticated (direct <img> tag usage); attribution is
// best-effort.
func actor(c *gin.Context) domain.Actor {
	var a domain.Actor
	if v := strings.TrimSpace(c.GetHeader("X-User-ID")); v != "" {
		a.UserID = &v
	}
	if v := strings.TrimSpace(c.GetHeader("X-App-ID")); v != "" {
		a.AppID = &v
	}
	return a
}

// GenerateImage godoc
// @ID          generateImage
// @Summary     Generate (or serve cached) image for the given dimensions
// @Description Returns binary image data for the prompt. Results are cached by a
// @Description fingerprint of the normalized parameters; repeated identical calls
// @Description are served from cache with X-Cache-Status: HIT.
// @Tags        Images
// @Produce     png
//
// @Param       width   path   int     true  "Image width (64-2048)"
// @Param       height  path   int     true  "Image height (64-2048)"
// @Param       prompt  query  string  true  "Text prompt"
// @Param       seed    query  int     false "Deterministic seed"
//
// @Success     200  {file}    binary                   "Image bytes"
// @Failure     400  {object}  handlers.ErrorResponse   "Validation failure"
// @Failure     429  {object}  handlers.ErrorResponse   "Upstream rate limited, no fallback"
// @Failure     502  {object}  handlers.ErrorResponse   "Upstream failed, no fallback"
// @Router      /image/{width}/{height} [get]
func (h *Handlers) GenerateImage(c *gin.Context) {
	ctx := c.Request.Context()

	prompt := strings.TrimSpace(c.Query("prompt"))
	if prompt == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "Missing required parameter: prompt")
		return
	}

	p := domain.GenerationParams{
		Prompt: prompt,
		Width:  utils.AtoiDefault(c.Param("width"), 0),
		Height: utils.AtoiDefault(c.Param("height"), 0),
		Seed:   utils.ParseInt64Ptr(c.Query("seed")),
		Style:  h.defaultStyle,
		Type:   "image",
	}

	out, err := h.genSvc.Generate(ctx, actor(c), p)
	if err != nil {
		failGeneration(c, err)
		return
	}

	writeOutcome(c, out)
}

// GetImage godoc
// @ID          getImage
// @Summary     Serve a stored generation by record ID
// @Description The record ID is stable and its content never changes, so the
// @Description response carries aggressive cache headers.
// @Tags        Images
// @Produce     png
//
// @Param       width  path  string  true  "Generation record ID (UUID)"  format(uuid)
//
// @Success     200  {file}    binary                  "Image bytes"
// @Failure     404  {object}  handlers.ErrorResponse  "Unknown or failed record"
// @Router      /image/{id} [get]
func (h *Handlers) GetImage(c *gin.Context) {
	ctx := c.Request.Context()

	// Single-segment sibling of /image/:width/:height; gin requires both
	// routes to share the first param name, so the record ID arrives as
	// "width" here.
	id := c.Param("width")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "Image not found")
		return
	}

	rec, err := h.genSvc.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, services.ErrGenerationNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "Image not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "Failed to fetch image")
		return
	}

	etag := fmt.Sprintf(`"gen-%s"`, rec.ID)
	c.Header("Cache-Control", "public, max-age=3600")
	c.Header("ETag", etag)
	if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
		c.Status(http.StatusNotModified)
		return
	}

	contentType := "image/png"
	if rec.ContentType != nil && *rec.ContentType != "" {
		contentType = *rec.ContentType
	}
	c.Data(http.StatusOK, contentType, rec.Payload)
}

// postImageRequest is the JSON payload for POST /image. Numeric fields
// accept either JSON numbers or strings, matching what the demo front-ends
// actually send.
type postImageRequest struct {
	Prompt              string   `json:"prompt"`
	Width               any      `json:"width"`
	Height              any      `json:"height"`
	Seed                any      `json:"seed"`
	Strength            any      `json:"strength"`
	PreserveComposition bool     `json:"preserve_composition"`
	CompositionStyle    string   `json:"composition_style"`
	Style               string   `json:"style"`
	Type                string   `json:"type"`
	BaseImageBase64     string   `json:"base_image_base64"`
	ReferenceImages     []string `json:"reference_images_base64"`
}

// PostImage godoc
// @ID          postImage
// @Summary     Generate with uploads (edit / compose) and redirect to the stored record
// @Description Accepts multipart form data (base_image file, reference_images files)
// @Description or JSON with base64-encoded images. On success redirects to
// @Description GET /image/{id} so browsers cache the result.
// @Tags        Images
// @Accept      mpfd
// @Accept      json
//
// @Success     302  "Redirect to /image/{id}"
// @Failure     400  {object}  handlers.ErrorResponse  "Validation failure"
// @Failure     429  {object}  handlers.ErrorResponse  "Upstream rate limited"
// @Failure     502  {object}  handlers.ErrorResponse  "Upstream failed"
// @Router      /image [post]
func (h *Handlers) PostImage(c *gin.Context) {
	ctx := c.Request.Context()

	var (
		p   domain.GenerationParams
		err error
	)
	switch {
	case strings.HasPrefix(c.ContentType(), "multipart/form-data"):
		p, err = h.paramsFromMultipart(c)
	case strings.HasPrefix(c.ContentType(), "application/json"):
		p, err = h.paramsFromJSON(c)
	default:
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "Content-Type must be multipart/form-data or application/json")
		return
	}
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}

	if strings.TrimSpace(p.Prompt) == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "Missing required parameter: prompt")
		return
	}

	out, err := h.genSvc.Generate(ctx, actor(c), p)
	if err != nil {
		failGeneration(c, err)
		return
	}

	// Redirect to the stable record URL so browsers cache the bytes.
	c.Redirect(http.StatusFound, fmt.Sprintf("%s/image/%s", h.basePath, out.RecordID))
}

// paramsFromJSON maps a JSON body onto normalized generation parameters.
func (h *Handlers) paramsFromJSON(c *gin.Context) (domain.GenerationParams, error) {
	var req postImageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return domain.GenerationParams{}, errors.New("invalid JSON body")
	}

	p := h.baseParams(req.Prompt, req.Style, req.Type)
	p.Width = intFromAny(req.Width, 512)
	p.Height = intFromAny(req.Height, 512)
	p.Seed = int64PtrFromAny(req.Seed)
	p.Strength = float64PtrFromAny(req.Strength)
	p.PreserveComposition = req.PreserveComposition
	p.CompositionStyle = req.CompositionStyle

	if req.BaseImageBase64 != "" {
		data, err := decodeBase64Image(req.BaseImageBase64)
		if err != nil {
			return p, err
		}
		p.BaseImage = data
	}
	for _, enc := range req.ReferenceImages {
		data, err := decodeBase64Image(enc)
		if err != nil {
			return p, err
		}
		p.ReferenceImages = append(p.ReferenceImages, data)
	}
	return p, nil
}

// paramsFromMultipart maps a multipart form (text fields plus uploaded
// files) onto normalized generation parameters. Reference images keep their
// input order.
func (h *Handlers) paramsFromMultipart(c *gin.Context) (domain.GenerationParams, error) {
	p := h.baseParams(c.PostForm("prompt"), c.PostForm("style"), c.PostForm("type"))
	p.Width = utils.AtoiDefault(c.PostForm("width"), 512)
	p.Height = utils.AtoiDefault(c.PostForm("height"), 512)
	p.Seed = utils.ParseInt64Ptr(c.PostForm("seed"))
	p.Strength = strengthFromForm(c.PostForm("strength"))
	p.PreserveComposition = truthyForm(c.PostForm("preserve_composition"))
	p.CompositionStyle = c.PostForm("composition_style")

	form, err := c.MultipartForm()
	if err != nil {
		return p, errors.New("invalid multipart form")
	}

	if files := form.File["base_image"]; len(files) > 0 {
		data, err := readUpload(files[0])
		if err != nil {
			return p, errors.New("Failed to process uploaded image")
		}
		p.BaseImage = data
	}
	for _, fh := range form.File["reference_images"] {
		data, err := readUpload(fh)
		if err != nil {
			return p, errors.New("Failed to process uploaded image")
		}
		p.ReferenceImages = append(p.ReferenceImages, data)
	}
	return p, nil
}

// baseParams applies the shared defaults for prompt, style and type.
func (h *Handlers) baseParams(prompt, style, typ string) domain.GenerationParams {
	if style == "" {
		style = h.defaultStyle
	}
	if typ == "" {
		typ = "image"
	}
	return domain.GenerationParams{
		Prompt: strings.TrimSpace(prompt),
		Style:  style,
		Type:   typ,
	}
}

// writeOutcome renders a service outcome as a binary response with the
// cache-status headers the front-ends rely on.
func writeOutcome(c *gin.Context, out *services.Outcome) {
	c.Header("X-Cache-Status", out.CacheStatus)
	switch out.CacheStatus {
	case services.CacheHit:
		c.Header("X-Generated-At", out.GeneratedAt.UTC().Format(time.RFC3339))
	case services.CacheMiss:
		c.Header("X-Operation", out.Operation)
		c.Header("X-Credits-Used", strconv.Itoa(out.CreditCost))
	case services.CacheFallback:
		c.Header("X-Fallback-Type", out.FallbackType)
	}
	c.Data(http.StatusOK, out.ContentType, out.Payload)
}

// failGeneration maps service/provider errors onto the public status
// contract. Upstream error text is never forwarded.
func failGeneration(c *gin.Context, err error) {
	if ve, ok := services.AsValidation(err); ok {
		fail(c, http.StatusBadRequest, ErrCodeValidationFailed,
			"Validation failed: "+strings.Join(ve.Codes, ", "))
		return
	}
	if errors.Is(err, provider.ErrRateLimited) {
		fail(c, http.StatusTooManyRequests, ErrCodeRateLimited, "Rate limited by API provider")
		return
	}
	var se *provider.StatusError
	if errors.As(err, &se) {
		fail(c, http.StatusBadGateway, ErrCodeProviderUnavailable, "Image generation service unavailable")
		return
	}
	fail(c, http.StatusInternalServerError, ErrCodeInternal, "Internal server error")
}

//
// Input coercion helpers
//

// dataURLPrefix strips the data-URL header demo pages prepend to base64
// uploads.
var dataURLPrefix = regexp.MustCompile(`^data:image/[^;]+;base64,`)

func decodeBase64Image(s string) ([]byte, error) {
	s = dataURLPrefix.ReplaceAllString(strings.TrimSpace(s), "")
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, errors.New("invalid base64 image data")
	}
	return data, nil
}

func readUpload(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// intFromAny coerces a JSON number or numeric string to an int.
func intFromAny(v any, def int) int {
	switch t := v.(type) {
	case nil:
		return def
	case float64:
		return int(t)
	case string:
		return utils.AtoiDefault(t, def)
	default:
		return def
	}
}

// int64PtrFromAny coerces a JSON number or numeric string to an optional
// int64, keeping absence distinct from zero.
func int64PtrFromAny(v any) *int64 {
	switch t := v.(type) {
	case float64:
		n := int64(t)
		return &n
	case string:
		return utils.ParseInt64Ptr(t)
	default:
		return nil
	}
}

// float64PtrFromAny coerces a JSON number or numeric string to an optional
// float64. A present but unparseable value maps to an out-of-range sentinel
// so validation reports invalid_strength instead of silently dropping it.
func float64PtrFromAny(v any) *float64 {
	switch t := v.(type) {
	case float64:
		return &t
	case string:
		return strengthFromForm(t)
	default:
		return nil
	}
}

// strengthFromForm parses an optional strength field; a non-empty value that
// does not parse becomes an out-of-range sentinel so the validator flags it.
func strengthFromForm(s string) *float64 {
	if s == "" {
		return nil
	}
	if f := utils.ParseFloat64Ptr(s); f != nil {
		return f
	}
	invalid := -1.0
	return &invalid
}

// truthyForm mirrors the loose boolean coercion of the original form API.
func truthyForm(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
