package repo

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-image-backend/internal/domain"
)

func newGenRepoDB(t *testing.T, migrate ...any) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), fmt.Sprintf("generation_repo_test_%d.db", time.Now().UnixNano()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	// Ensure the file handle is released before TempDir cleanup (Windows needs this).
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	if len(migrate) > 0 {
		if err := db.AutoMigrate(migrate...); err != nil {
			t.Fatalf("automigrate: %v", err)
		}
	}
	return db
}

func testParams() domain.GenerationParams {
	return domain.GenerationParams{
		Prompt: "a red fox",
		Width:  512,
		Height: 512,
		Style:  "nanobanana",
		Type:   "image",
	}
}

func TestUpsertSuccess_InsertsAndRoundTrips(t *testing.T) {
	db := newGenRepoDB(t, &domain.Generation{})
	ctx := context.Background()

	p := testParams()
	hash := p.Fingerprint()
	payload := []byte("png-bytes")

	rec, err := UpsertSuccess(ctx, db, p, hash, payload, "image/png", "gemini", domain.Actor{})
	if err != nil {
		t.Fatalf("UpsertSuccess: %v", err)
	}
	if rec.ID == "" || rec.CacheHash != hash || !rec.Success {
		t.Fatalf("unexpected row: %+v", rec)
	}
	if rec.SHA256 == nil || len(*rec.SHA256) != 64 {
		t.Fatalf("payload checksum not recorded: %+v", rec.SHA256)
	}

	got, err := GetSuccessful(ctx, db, hash)
	if err != nil {
		t.Fatalf("GetSuccessful: %v", err)
	}
	if string(got.Payload) != "png-bytes" || got.ID != rec.ID {
		t.Fatalf("round-trip mismatch: %+v", got)
	}
}

func TestUpsertSuccess_OverwritesSameHash(t *testing.T) {
	db := newGenRepoDB(t, &domain.Generation{})
	ctx := context.Background()

	p := testParams()
	hash := p.Fingerprint()

	first, err := UpsertSuccess(ctx, db, p, hash, []byte("v1"), "image/png", "gemini", domain.Actor{})
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	second, err := UpsertSuccess(ctx, db, p, hash, []byte("v2"), "image/webp", "gemini", domain.Actor{})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	// Same logical entry: the original row is overwritten, not duplicated.
	if second.ID != first.ID {
		t.Fatalf("expected the same row to be updated, got %s then %s", first.ID, second.ID)
	}
	var n int64
	if err := db.Model(&domain.Generation{}).Where("cache_hash = ?", hash).Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected exactly one row per fingerprint, got %d", n)
	}
	if string(second.Payload) != "v2" || second.ContentType == nil || *second.ContentType != "image/webp" {
		t.Fatalf("overwrite did not take effect: %+v", second)
	}
}

func TestUpsertFailure_ThenSuccess_ClearsError(t *testing.T) {
	db := newGenRepoDB(t, &domain.Generation{})
	ctx := context.Background()

	p := testParams()
	hash := p.Fingerprint()

	if err := UpsertFailure(ctx, db, p, hash, "provider error: 503 - overloaded", "gemini", domain.Actor{}); err != nil {
		t.Fatalf("UpsertFailure: %v", err)
	}

	// A failure row must not satisfy cache reads.
	if _, err := GetSuccessful(ctx, db, hash); err != gorm.ErrRecordNotFound {
		t.Fatalf("failure row should be invisible to cache reads, got err=%v", err)
	}

	rec, err := UpsertSuccess(ctx, db, p, hash, []byte("ok"), "image/png", "gemini", domain.Actor{})
	if err != nil {
		t.Fatalf("UpsertSuccess after failure: %v", err)
	}
	if !rec.Success || rec.ErrorMessage != nil {
		t.Fatalf("success overwrite must clear the error state: %+v", rec)
	}
	if _, err := GetSuccessful(ctx, db, hash); err != nil {
		t.Fatalf("expected cache hit after recovery: %v", err)
	}
}

func TestUpsertFailure_OverwritesSuccess(t *testing.T) {
	db := newGenRepoDB(t, &domain.Generation{})
	ctx := context.Background()

	p := testParams()
	hash := p.Fingerprint()

	if _, err := UpsertSuccess(ctx, db, p, hash, []byte("ok"), "image/png", "gemini", domain.Actor{}); err != nil {
		t.Fatalf("UpsertSuccess: %v", err)
	}
	if err := UpsertFailure(ctx, db, p, hash, "boom", "gemini", domain.Actor{}); err != nil {
		t.Fatalf("UpsertFailure: %v", err)
	}

	var g domain.Generation
	if err := db.Where("cache_hash = ?", hash).First(&g).Error; err != nil {
		t.Fatalf("load row: %v", err)
	}
	if g.Success || g.Payload != nil || g.ContentType != nil || g.SHA256 != nil {
		t.Fatalf("failure overwrite must clear payload state: %+v", g)
	}
	if g.ErrorMessage == nil || *g.ErrorMessage != "boom" {
		t.Fatalf("error message not recorded: %+v", g.ErrorMessage)
	}
}

func TestGetByID_FiltersFailedRows(t *testing.T) {
	db := newGenRepoDB(t, &domain.Generation{})
	ctx := context.Background()

	p := testParams()
	rec, err := UpsertSuccess(ctx, db, p, p.Fingerprint(), []byte("ok"), "image/png", "gemini", domain.Actor{})
	if err != nil {
		t.Fatalf("UpsertSuccess: %v", err)
	}

	got, err := GetByID(ctx, db, rec.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.ID != rec.ID {
		t.Fatalf("wrong row: %+v", got)
	}

	if err := UpsertFailure(ctx, db, p, p.Fingerprint(), "late failure", "gemini", domain.Actor{}); err != nil {
		t.Fatalf("UpsertFailure: %v", err)
	}
	if _, err := GetByID(ctx, db, rec.ID); err != gorm.ErrRecordNotFound {
		t.Fatalf("failed row must not be served by id, got err=%v", err)
	}

	if _, err := GetByID(ctx, db, "00000000-0000-0000-0000-000000000000"); err != gorm.ErrRecordNotFound {
		t.Fatalf("unknown id: want ErrRecordNotFound, got %v", err)
	}
}

func TestFindFallback_TierOrdering(t *testing.T) {
	db := newGenRepoDB(t, &domain.Generation{})
	ctx := context.Background()

	// Style A at 512x512 (older), style A at 768x768 (newer).
	pSmall := testParams()
	pSmall.Prompt = "small"
	if _, err := UpsertSuccess(ctx, db, pSmall, pSmall.Fingerprint(), []byte("small"), "image/png", "gemini", domain.Actor{}); err != nil {
		t.Fatalf("seed small: %v", err)
	}
	pBig := testParams()
	pBig.Prompt = "big"
	pBig.Width, pBig.Height = 768, 768
	if _, err := UpsertSuccess(ctx, db, pBig, pBig.Fingerprint(), []byte("big"), "image/png", "gemini", domain.Actor{}); err != nil {
		t.Fatalf("seed big: %v", err)
	}

	// Exact-dimension match wins even though the 768 row is newer.
	got, tier, err := FindFallback(ctx, db, 512, 512, "nanobanana")
	if err != nil {
		t.Fatalf("FindFallback: %v", err)
	}
	if tier != FallbackSameDimensions || string(got.Payload) != "small" {
		t.Fatalf("want same_dimensions/small, got %s/%s", tier, got.Payload)
	}

	// No row at 1024x1024: relax to style only, newest first.
	got, tier, err = FindFallback(ctx, db, 1024, 1024, "nanobanana")
	if err != nil {
		t.Fatalf("FindFallback relaxed: %v", err)
	}
	if tier != FallbackSameStyle || string(got.Payload) != "big" {
		t.Fatalf("want same_style/big, got %s/%s", tier, got.Payload)
	}

	// Unknown style: nothing to degrade to.
	if _, _, err := FindFallback(ctx, db, 512, 512, "watercolor"); err != gorm.ErrRecordNotFound {
		t.Fatalf("unknown style: want ErrRecordNotFound, got %v", err)
	}
}

func TestListGenerationsPage_OmitsPayloadAndOrders(t *testing.T) {
	db := newGenRepoDB(t, &domain.Generation{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		p := testParams()
		p.Prompt = fmt.Sprintf("prompt %d", i)
		if _, err := UpsertSuccess(ctx, db, p, p.Fingerprint(), []byte("payload"), "image/png", "gemini", domain.Actor{}); err != nil {
			t.Fatalf("seed %d: %v", i, err)
		}
	}

	total, err := CountGenerations(ctx, db)
	if err != nil || total != 3 {
		t.Fatalf("CountGenerations: total=%d err=%v", total, err)
	}

	page, err := ListGenerationsPage(ctx, db, 0, 2)
	if err != nil {
		t.Fatalf("ListGenerationsPage: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(page))
	}
	for _, g := range page {
		if g.Payload != nil {
			t.Fatalf("listing must not load payload bytes: %+v", g.ID)
		}
	}

	rest, err := ListGenerationsPage(ctx, db, 2, 2)
	if err != nil || len(rest) != 1 {
		t.Fatalf("second page: len=%d err=%v", len(rest), err)
	}
}

func TestUpsertSuccess_RecordsActor(t *testing.T) {
	db := newGenRepoDB(t, &domain.Generation{})
	ctx := context.Background()

	uid, app := "u-42", "demo-app"
	p := testParams()
	rec, err := UpsertSuccess(ctx, db, p, p.Fingerprint(), []byte("ok"), "image/png", "gemini", domain.Actor{UserID: &uid, AppID: &app})
	if err != nil {
		t.Fatalf("UpsertSuccess: %v", err)
	}
	if rec.UserID == nil || *rec.UserID != uid || rec.AppID == nil || *rec.AppID != app {
		t.Fatalf("actor not recorded: %+v %+v", rec.UserID, rec.AppID)
	}
}
