package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/fstest"
)

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	return New(cfg)
}

func TestConfigEndpoint_ShapeAndSecrecy(t *testing.T) {
	srv := newTestServer(t, Config{
		PasswordRequired: true,
		ScrollbackLines:  1500,
		PollIntervalMs:   2500,
	})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/api/config", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal config: %v", err)
	}
	if body["passwordRequired"] != true {
		t.Fatalf("expected passwordRequired true, got %v", body["passwordRequired"])
	}
	if body["scrollbackLines"] != float64(1500) {
		t.Fatalf("expected scrollbackLines 1500, got %v", body["scrollbackLines"])
	}
	if body["pollIntervalMs"] != float64(2500) {
		t.Fatalf("expected pollIntervalMs 2500, got %v", body["pollIntervalMs"])
	}
	for key := range body {
		if key == "token" || key == "password" {
			t.Fatalf("config endpoint must never disclose %q", key)
		}
	}
}

func TestWSPath_NonUpgradeIs404(t *testing.T) {
	srv := newTestServer(t, Config{})

	for _, path := range []string{"/ws/control", "/ws/terminal", "/ws/other", "/ws/"} {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404 for non-upgrade GET %s, got %d", path, rec.Code)
		}
	}
}

func TestFallback_NoFrontendIs500(t *testing.T) {
	srv := newTestServer(t, Config{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 without a built frontend, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "frontend not built") {
		t.Fatalf("expected frontend-not-built body, got %q", rec.Body.String())
	}
}

func TestFallback_ServesIndexForUnknownPath(t *testing.T) {
	staticFS := fstest.MapFS{
		"index.html":    {Data: []byte("<html>app</html>")},
		"assets/app.js": {Data: []byte("console.log(1)")},
	}
	srv := newTestServer(t, Config{StaticFS: staticFS})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/some/client/route", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected SPA fallback 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "app") {
		t.Fatalf("expected index.html body, got %q", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/assets/app.js", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected asset 200, got %d", rec.Code)
	}
	if cc := rec.Header().Get("Cache-Control"); !strings.Contains(cc, "immutable") {
		t.Fatalf("expected immutable cache header for assets, got %q", cc)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/assets/missing.js", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing asset, got %d", rec.Code)
	}
}
