package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-image-backend/internal/config"
	"github.com/tbourn/go-image-backend/internal/domain"
	"github.com/tbourn/go-image-backend/internal/provider"
)

// --- tiny fake provider to satisfy services.ImageProvider ---
type fakeImageProvider struct{}

func (fakeImageProvider) Generate(_ context.Context, req provider.Request) (*provider.Result, error) {
	return &provider.Result{
		Image:       []byte("generated:" + req.Prompt),
		ContentType: "image/png",
		Operation:   domain.OpGenerate,
		CreditCost:  1,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// --- test DB helper (pure-Go sqlite, no CGO) ---
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:routerdb?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&domain.Generation{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func testConfig() config.Config {
	return config.Config{
		APIBasePath:     "/api/nanobanana",
		DefaultStyle:    "nanobanana",
		GenerateTimeout: 5 * time.Second,
		MaxUploadBytes:  1 << 20,
		RateRPS:         100,
		RateBurst:       10,
		CORS:            config.CORSConfig{AllowedOrigins: nil}, // triggers AllowAllOrigins branch
		Security:        config.SecurityConfig{EnableHSTS: false, HSTSMaxAge: 0},
		OTEL:            config.OTELConfig{ServiceName: "test-svc"},
	}
}

func TestRegisterRoutes_CORSAllowAll_Health_Metrics_Fallbacks(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	RegisterRoutes(r, newTestDB(t), fakeImageProvider{}, testConfig())

	// /health works
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	// CORS (AllowAllOrigins) → header "*"
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("AllowAllOrigins expected '*', got %q", got)
	}

	// /metrics is wired
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || len(w.Body.Bytes()) == 0 {
		t.Fatalf("GET /metrics bad: code=%d len=%d", w.Code, w.Body.Len())
	}

	// NoRoute → 404
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/nope", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("GET /nope expected 404, got %d", w.Code)
	}

	// NoMethod → 405 (POST /health)
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/health", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST /health expected 405, got %d", w.Code)
	}
}

func TestRegisterRoutes_GenerateThenCacheHit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	RegisterRoutes(r, newTestDB(t), fakeImageProvider{}, testConfig())

	url := "/api/nanobanana/image/512/512?prompt=integration+check"

	// First request generates and stores.
	w1 := httptest.NewRecorder()
	r.ServeHTTP(w1, httptest.NewRequest(http.MethodGet, url, nil))
	if w1.Code != http.StatusOK {
		t.Fatalf("first request: %d body=%s", w1.Code, w1.Body.String())
	}
	if got := w1.Header().Get("X-Cache-Status"); got != "MISS" {
		t.Fatalf("first request X-Cache-Status: %q", got)
	}

	// Second identical request is served from cache with identical bytes.
	w2 := httptest.NewRecorder()
	r.ServeHTTP(w2, httptest.NewRequest(http.MethodGet, url, nil))
	if w2.Code != http.StatusOK {
		t.Fatalf("second request: %d", w2.Code)
	}
	if got := w2.Header().Get("X-Cache-Status"); got != "HIT" {
		t.Fatalf("second request X-Cache-Status: %q", got)
	}
	if w1.Body.String() != w2.Body.String() {
		t.Fatalf("cache must serve identical bytes")
	}

	// The request id header is attached by middleware.
	if w1.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected X-Request-ID on responses")
	}
}

func TestRegisterRoutes_ValidationEnvelope(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	RegisterRoutes(r, newTestDB(t), fakeImageProvider{}, testConfig())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/nanobanana/image/5000/512?prompt=x", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for oversized width, got %d", w.Code)
	}
}

func TestRegisterRoutes_ByIDRouteCoexists(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	RegisterRoutes(r, newTestDB(t), fakeImageProvider{}, testConfig())

	// Unknown but well-formed ID → 404 from the single-segment route.
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/nanobanana/image/123e4567-e89b-12d3-a456-426614174000", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown id, got %d", w.Code)
	}
}
