package apihttp

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNormalizeRoute(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/health", "/health"},
		{"/metrics", "/metrics"},
		{"/selection/candidates/movie/tt0111161", "/selection/candidates/:mediaType/:mediaId"},
		{"/selection/slots", "/selection/slots"},
		{"/selection/slots/player-1", "/selection/slots/:slot"},
		{"/selection/slots/player-1/resolve", "/selection/slots/:slot/resolve"},
		{"/selection/slots/player-1/switch", "/selection/slots/:slot/switch"},
		{"/selection/slots/player-1/samples", "/selection/slots/:slot/samples"},
		{"/selection/preferences", "/selection/preferences"},
		{"/selection/history", "/selection/history"},
		{"/selection/history/series/tt0903747", "/selection/history/:mediaType/:mediaId"},
		{"/selection/ws", "/selection/ws"},
		{"/favicon.ico", "/other"},
	}
	for _, tc := range tests {
		if got := normalizeRoute(tc.path); got != tc.want {
			t.Errorf("normalizeRoute(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	logger := testLogger()
	handler := recoveryMiddleware(logger, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/selection/slots", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := rateLimitMiddleware(1, 1, next)

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/selection/slots", nil))
	if first.Code != http.StatusOK {
		t.Fatalf("first request status = %d", first.Code)
	}

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/selection/slots", nil))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d", second.Code)
	}
	if second.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After header")
	}
}

func TestRateLimitExemptsSamplePaths(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := rateLimitMiddleware(1, 1, next)

	for i := 0; i < 10; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/selection/slots/s1/samples", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("sample request %d status = %d", i, rec.Code)
		}
	}
}

func TestCORSPreflight(t *testing.T) {
	handler := corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodOptions, "/selection/preferences", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Fatalf("allow-origin = %q", got)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{"remote addr", "10.0.0.5:43210", nil, "10.0.0.5"},
		{"x-forwarded-for", "10.0.0.5:43210", map[string]string{"X-Forwarded-For": "203.0.113.9, 10.0.0.1"}, "203.0.113.9"},
		{"x-real-ip", "10.0.0.5:43210", map[string]string{"X-Real-IP": "198.51.100.2"}, "198.51.100.2"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			req.RemoteAddr = tc.remoteAddr
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}
			if got := clientIP(req); got != tc.want {
				t.Fatalf("clientIP = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestPickRequestLogLevel(t *testing.T) {
	if lvl := pickRequestLogLevel("/health", http.StatusOK); lvl.String() != "DEBUG" {
		t.Fatalf("health level = %s", lvl)
	}
	if lvl := pickRequestLogLevel("/selection/slots/s1/samples", http.StatusOK); lvl.String() != "DEBUG" {
		t.Fatalf("samples level = %s", lvl)
	}
	if lvl := pickRequestLogLevel("/selection/slots", http.StatusOK); lvl.String() != "INFO" {
		t.Fatalf("ok level = %s", lvl)
	}
	if lvl := pickRequestLogLevel("/selection/slots", http.StatusNotFound); lvl.String() != "WARN" {
		t.Fatalf("4xx level = %s", lvl)
	}
	if lvl := pickRequestLogLevel("/selection/slots", http.StatusBadGateway); lvl.String() != "ERROR" {
		t.Fatalf("5xx level = %s", lvl)
	}
}
