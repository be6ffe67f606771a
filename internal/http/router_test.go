package httpapi

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-pricing-history/internal/config"
	"github.com/tbourn/go-pricing-history/internal/http/middleware"
	"github.com/tbourn/go-pricing-history/internal/repo"
	"github.com/tbourn/go-pricing-history/internal/services"
)

// fakeSubmitter records submissions instead of running the pipeline.
type fakeSubmitter struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeSubmitter) Submit(snapshotID string, currencies []string) (services.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return services.Submission{SnapshotID: snapshotID, Currencies: currencies}, nil
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// --- test DB helper (pure-Go sqlite, no CGO) ---
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:router_%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func baseConfig() config.Config {
	return config.Config{
		APIBasePath:    "/api/v1",
		RateRPS:        100,
		RateBurst:      10,
		IdempotencyTTL: time.Hour,
		Snapshot:       config.SnapshotConfig{Currencies: []string{"USD"}},
		OTEL:           config.OTELConfig{ServiceName: "test-svc"},
	}
}

func serve(r http.Handler, method, target string, body io.Reader, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRegisterRoutes_CORSAllowAll_Health_Metrics_Fallbacks(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterRoutes(r, newTestDB(t), &fakeSubmitter{}, baseConfig())

	w := serve(r, http.MethodGet, "/health", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("AllowAllOrigins expected '*', got %q", got)
	}
	if got := w.Header().Get("Cache-Control"); got != "no-cache" {
		t.Fatalf("GET Cache-Control = %q; want no-cache", got)
	}

	w = serve(r, http.MethodGet, "/metrics", nil, nil)
	if w.Code != http.StatusOK || w.Body.Len() == 0 {
		t.Fatalf("GET /metrics bad: code=%d len=%d", w.Code, w.Body.Len())
	}

	if w := serve(r, http.MethodGet, "/nope", nil, nil); w.Code != http.StatusNotFound {
		t.Fatalf("GET /nope expected 404, got %d", w.Code)
	}
	if w := serve(r, http.MethodPost, "/health", nil, nil); w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST /health expected 405, got %d", w.Code)
	}
}

func TestRegisterRoutes_CORSWithOrigins_HeaderEcho(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	cfg := baseConfig()
	cfg.CORS = config.CORSConfig{AllowedOrigins: []string{"http://example.com"}}
	RegisterRoutes(r, newTestDB(t), &fakeSubmitter{}, cfg)

	w := serve(r, http.MethodGet, "/health", nil, map[string]string{"Origin": "http://example.com"})
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://example.com" {
		t.Fatalf("expected ACAO echo, got %q", got)
	}
}

func TestRegisterRoutes_TriggerReplayAndRunsListing(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	sub := &fakeSubmitter{}
	RegisterRoutes(r, newTestDB(t), sub, baseConfig())

	hdr := map[string]string{
		"Content-Type":                  "application/json",
		middleware.HeaderIdempotencyKey: "trigger-1",
	}
	body := `{"snapshot_id":"202405","currencies":["eur"]}`

	w := serve(r, http.MethodPost, "/api/v1/snapshots", bytes.NewBufferString(body), hdr)
	if w.Code != http.StatusAccepted {
		t.Fatalf("first trigger = %d %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("Location"); got != "/api/v1/snapshots/202405/runs" {
		t.Fatalf("Location = %q", got)
	}
	if got := w.Header().Get("Cache-Control"); got != "no-store" {
		t.Fatalf("POST Cache-Control = %q; want no-store", got)
	}

	w = serve(r, http.MethodPost, "/api/v1/snapshots", bytes.NewBufferString(body), hdr)
	if w.Code != http.StatusAccepted || w.Header().Get("Idempotency-Replayed") != "true" {
		t.Fatalf("replayed trigger = %d replay=%q", w.Code, w.Header().Get("Idempotency-Replayed"))
	}
	if sub.count() != 1 {
		t.Fatalf("submissions = %d; want 1", sub.count())
	}

	if w := serve(r, http.MethodGet, "/api/v1/snapshots/202405/runs", nil, nil); w.Code != http.StatusNotFound {
		t.Fatalf("runs of unscheduled snapshot = %d; want 404", w.Code)
	}
	w = serve(r, http.MethodGet, "/api/v1/runs", nil, nil)
	if w.Code != http.StatusOK || w.Header().Get("ETag") == "" {
		t.Fatalf("GET /runs = %d etag=%q", w.Code, w.Header().Get("ETag"))
	}
}

func TestRegisterRoutes_BadIdempotencyKey(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	sub := &fakeSubmitter{}
	RegisterRoutes(r, newTestDB(t), sub, baseConfig())

	w := serve(r, http.MethodPost, "/api/v1/snapshots", nil, map[string]string{middleware.HeaderIdempotencyKey: "has space"})
	if w.Code != http.StatusBadRequest || sub.count() != 0 {
		t.Fatalf("bad key = %d, submissions %d", w.Code, sub.count())
	}
}

func TestRegisterRoutes_RateLimitBypassedOnReplay(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	cfg := baseConfig()
	cfg.RateRPS = 0.001
	cfg.RateBurst = 1
	RegisterRoutes(r, newTestDB(t), &fakeSubmitter{}, cfg)

	hdr := map[string]string{middleware.HeaderIdempotencyKey: "rl-1"}
	if w := serve(r, http.MethodPost, "/api/v1/snapshots", nil, hdr); w.Code != http.StatusAccepted {
		t.Fatalf("first trigger = %d", w.Code)
	}
	if w := serve(r, http.MethodPost, "/api/v1/snapshots", nil, hdr); w.Code != http.StatusAccepted {
		t.Fatalf("replay must bypass the limiter, got %d", w.Code)
	}
	w := serve(r, http.MethodGet, "/health", nil, nil)
	if w.Code != http.StatusTooManyRequests || w.Header().Get("Retry-After") == "" {
		t.Fatalf("expected 429 with Retry-After, got %d", w.Code)
	}
}

func TestRegisterRoutes_Gzip(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterRoutes(r, newTestDB(t), &fakeSubmitter{}, baseConfig())

	w := serve(r, http.MethodGet, "/api/v1/runs", nil, map[string]string{"Accept-Encoding": "gzip"})
	if w.Code != http.StatusOK || w.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("GET /runs = %d encoding=%q", w.Code, w.Header().Get("Content-Encoding"))
	}
}

func Test_limitBody_Middleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(limitBody(10))
	r.POST("/echo", func(c *gin.Context) {
		if _, err := io.ReadAll(c.Request.Body); err != nil {
			c.String(http.StatusRequestEntityTooLarge, "too big")
			return
		}
		c.String(http.StatusOK, "ok")
	})

	w := serve(r, http.MethodPost, "/echo", bytes.NewBufferString("0123456789AB"), nil)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 from limitBody, got %d", w.Code)
	}
}

func Test_groupWithPrefix(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	groupWithPrefix(r, "/").GET("/one", func(c *gin.Context) { c.String(http.StatusOK, "one") })
	groupWithPrefix(r, "").GET("/two", func(c *gin.Context) { c.String(http.StatusOK, "two") })
	groupWithPrefix(r, "/api").GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	for path, want := range map[string]string{"/one": "one", "/two": "two", "/api/ping": "pong"} {
		w := serve(r, http.MethodGet, path, nil, nil)
		if w.Code != http.StatusOK || w.Body.String() != want {
			t.Fatalf("GET %s got %d %q", path, w.Code, w.Body.String())
		}
	}
}
