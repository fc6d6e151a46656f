package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nmdft/ESAproxy/internal/client"
	"github.com/nmdft/ESAproxy/internal/config"
	"github.com/nmdft/ESAproxy/internal/model"
	"github.com/nmdft/ESAproxy/internal/target"
)

func testService(t *testing.T) *ProxyService {
	t.Helper()
	cfg := &config.Config{
		Upstream: config.UpstreamConfig{
			TimeoutSeconds:  10,
			IdleConnections: 10,
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewProxyService(client.NewOriginClient(cfg, logger, nil), logger)
}

func TestBuildRequestHeaders(t *testing.T) {
	s := testService(t)
	src := http.Header{
		"Accept":            {"text/html"},
		"Accept-Language":   {"de-DE"},
		"Accept-Encoding":   {"gzip"},
		"Content-Type":      {"application/x-www-form-urlencoded"},
		"User-Agent":        {"curl/8.0"},
		"Cache-Control":     {"no-cache"},
		"Cookie":            {"session=abc"},
		"Authorization":     {"Bearer secret"},
		"If-None-Match":     {`"etag"`},
		"If-Modified-Since": {"Mon, 01 Jan 2025 00:00:00 GMT"},
		"X-Forwarded-For":   {"1.2.3.4"},
		"Referer":           {"https://somewhere.example/"},
	}

	dst := s.buildRequestHeaders(src)

	tests := []struct {
		name    string
		key     string
		wantLen int
	}{
		{"Accept forwarded", "Accept", 1},
		{"Accept-Language forwarded", "Accept-Language", 1},
		{"Accept-Encoding forwarded", "Accept-Encoding", 1},
		{"Content-Type forwarded", "Content-Type", 1},
		{"User-Agent forwarded", "User-Agent", 1},
		{"Cache-Control forwarded", "Cache-Control", 1},
		{"Cookie dropped", "Cookie", 0},
		{"Authorization dropped", "Authorization", 0},
		{"If-None-Match dropped", "If-None-Match", 0},
		{"If-Modified-Since dropped", "If-Modified-Since", 0},
		{"X-Forwarded-For dropped", "X-Forwarded-For", 0},
		{"Referer dropped", "Referer", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := len(dst.Values(tt.key))
			if got != tt.wantLen {
				t.Errorf("header %q: got %d values, want %d", tt.key, got, tt.wantLen)
			}
		})
	}

	// The client's own User-Agent survived; the default must not replace it.
	if ua := dst.Get("User-Agent"); ua != "curl/8.0" {
		t.Errorf("User-Agent = %q, want %q", ua, "curl/8.0")
	}
	if al := dst.Get("Accept-Language"); al != "de-DE" {
		t.Errorf("Accept-Language = %q, want %q", al, "de-DE")
	}
}

func TestBuildRequestHeaders_Defaults(t *testing.T) {
	s := testService(t)
	dst := s.buildRequestHeaders(http.Header{})

	if ua := dst.Get("User-Agent"); ua != defaultUserAgent {
		t.Errorf("User-Agent = %q, want default %q", ua, defaultUserAgent)
	}
	if al := dst.Get("Accept-Language"); al != defaultAcceptLanguage {
		t.Errorf("Accept-Language = %q, want default %q", al, defaultAcceptLanguage)
	}
}

func TestSanitizeResponseHeaders(t *testing.T) {
	h := http.Header{
		"Content-Type":                        {"text/html"},
		"Content-Length":                      {"42"},
		"Content-Security-Policy":             {"default-src 'self'"},
		"Content-Security-Policy-Report-Only": {"default-src 'self'"},
		"X-Frame-Options":                     {"DENY"},
		"Cache-Control":                       {"max-age=60"},
	}

	sanitizeResponseHeaders(h)

	if v := h.Get("Access-Control-Allow-Origin"); v != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", v)
	}
	if v := h.Get("Access-Control-Allow-Methods"); v != "GET, POST, PUT, DELETE, OPTIONS" {
		t.Errorf("Access-Control-Allow-Methods = %q", v)
	}
	if v := h.Get("Access-Control-Allow-Headers"); v != "*" {
		t.Errorf("Access-Control-Allow-Headers = %q, want *", v)
	}
	if h.Get("Content-Security-Policy") != "" {
		t.Error("Content-Security-Policy should be stripped")
	}
	if h.Get("Content-Security-Policy-Report-Only") != "" {
		t.Error("Content-Security-Policy-Report-Only should be stripped")
	}
	if h.Get("X-Frame-Options") != "" {
		t.Error("X-Frame-Options should be stripped")
	}
	if h.Get("Content-Type") != "text/html" {
		t.Error("Content-Type should pass through")
	}
	if h.Get("Content-Length") != "42" {
		t.Error("Content-Length should pass through when not rewriting")
	}
	if h.Get("Cache-Control") != "max-age=60" {
		t.Error("Cache-Control should pass through")
	}
}

func TestForward_HappyPath(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Cookie") != "" {
			t.Errorf("Cookie should not be forwarded, got %q", r.Header.Get("Cookie"))
		}
		if r.Header.Get("User-Agent") == "" {
			t.Error("User-Agent should be set")
		}
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("X-Frame-Options", "DENY")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("hello"))
	}))
	defer upstream.Close()

	s := testService(t)

	pr := &model.ProxyRequest{
		Ctx:       context.Background(),
		Method:    http.MethodGet,
		Header:    http.Header{"Cookie": {"session=abc"}},
		RawTarget: upstream.URL,
	}

	resp, tgt, err := s.Forward(pr)
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if tgt.URL.String() != upstream.URL {
		t.Errorf("target = %q, want %q", tgt.URL.String(), upstream.URL)
	}
	if resp.Header.Get("X-Frame-Options") != "" {
		t.Error("X-Frame-Options should be sanitized away")
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Error("CORS header missing after sanitize")
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(body) != "hello" {
		t.Errorf("body = %q, want %q", string(body), "hello")
	}
}

func TestForward_PostBodyRelayed(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if string(body) != "payload" {
			t.Errorf("upstream body = %q, want %q", string(body), "payload")
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer upstream.Close()

	s := testService(t)

	pr := &model.ProxyRequest{
		Ctx:       context.Background(),
		Method:    http.MethodPost,
		Header:    http.Header{"Content-Type": {"text/plain"}},
		Body:      io.NopCloser(strings.NewReader("payload")),
		RawTarget: upstream.URL,
	}

	resp, _, err := s.Forward(pr)
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusCreated)
	}
}

func TestForward_GetBodyIgnored(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if len(body) != 0 {
			t.Errorf("GET request should carry no body, got %q", string(body))
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	s := testService(t)

	pr := &model.ProxyRequest{
		Ctx:       context.Background(),
		Method:    http.MethodGet,
		Header:    http.Header{},
		Body:      io.NopCloser(strings.NewReader("should-not-be-sent")),
		RawTarget: upstream.URL,
	}

	resp, _, err := s.Forward(pr)
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	_ = resp.Body.Close()
}

func TestForward_InvalidTarget(t *testing.T) {
	s := testService(t)

	tests := []struct {
		name    string
		raw     string
		wantErr error
	}{
		{"missing", "", target.ErrMissingTarget},
		{"ftp", "ftp://example.org", target.ErrUnsupportedScheme},
		{"garbage", "http://%zz", target.ErrInvalidTarget},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pr := &model.ProxyRequest{
				Ctx:       context.Background(),
				Method:    http.MethodGet,
				Header:    http.Header{},
				RawTarget: tt.raw,
			}
			_, _, err := s.Forward(pr)
			if err == nil {
				t.Fatal("Forward() expected error, got nil")
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
