// Package service implements the core proxy forwarding logic.
package service

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/nmdft/ESAproxy/internal/client"
	"github.com/nmdft/ESAproxy/internal/model"
	"github.com/nmdft/ESAproxy/internal/target"
)

// forwardableRequestHeaders are the only request headers forwarded to the
// origin. Everything else (cookies, conditional-request headers, proxy
// internals) is dropped so no cross-origin state leaks upstream.
var forwardableRequestHeaders = []string{
	"Accept",
	"Accept-Language",
	"Accept-Encoding",
	"Content-Type",
	"User-Agent",
	"Cache-Control",
}

// strippedResponseHeaders are removed from origin responses so rewritten
// pages can be embedded and navigated through the proxy without the origin's
// framing and script-source restrictions blocking them.
var strippedResponseHeaders = []string{
	"Content-Security-Policy",
	"Content-Security-Policy-Report-Only",
	"X-Frame-Options",
}

// Compatibility shims injected when the allow-list copy left them unset.
// These are best-effort browser impersonation, not security controls.
const (
	defaultUserAgent      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"
	defaultAcceptLanguage = "en-US,en;q=0.9"
)

// ProxyService validates targets, builds outbound requests and relays
// sanitized origin responses. It holds no per-request state.
type ProxyService struct {
	client *client.OriginClient
	logger *slog.Logger
}

// NewProxyService creates a ProxyService.
func NewProxyService(c *client.OriginClient, logger *slog.Logger) *ProxyService {
	return &ProxyService{
		client: c,
		logger: logger.With("component", "proxy_service"),
	}
}

// Forward validates the request's target, sends one outbound request and
// returns the sanitized origin response plus the validated target. The
// caller is responsible for closing the response body.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.UpstreamResponse, model.Target, error) {
	tgt, err := target.Parse(pr.RawTarget)
	if err != nil {
		return nil, model.Target{}, err
	}

	header := s.buildRequestHeaders(pr.Header)

	// The inbound body is a single-pass stream; it is attached, never
	// buffered, and only for methods that carry one.
	var body io.Reader
	if pr.Method != http.MethodGet && pr.Method != http.MethodHead {
		body = pr.Body
	}

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"host", tgt.Host,
	)

	resp, err := s.client.DoStream(pr.Ctx, pr.Method, tgt.URL.String(), header, body)
	if err != nil {
		return nil, model.Target{}, fmt.Errorf("forward to %s: %w", tgt.Host, err)
	}

	sanitizeResponseHeaders(resp.Header)
	return resp, tgt, nil
}

// buildRequestHeaders reduces the inbound headers to the allow-listed subset
// and injects default User-Agent and Accept-Language when absent.
func (s *ProxyService) buildRequestHeaders(src http.Header) http.Header {
	dst := make(http.Header)
	for _, key := range forwardableRequestHeaders {
		if vals := src.Values(key); len(vals) > 0 {
			dst[http.CanonicalHeaderKey(key)] = vals
		}
	}
	if dst.Get("User-Agent") == "" {
		dst.Set("User-Agent", defaultUserAgent)
	}
	if dst.Get("Accept-Language") == "" {
		dst.Set("Accept-Language", defaultAcceptLanguage)
	}
	return dst
}

// sanitizeResponseHeaders prepares origin headers for relay: permissive CORS
// added unconditionally, framing and CSP restrictions removed. Remaining
// headers pass through; Content-Length is dealt with by the handler when the
// body gets rewritten.
func sanitizeResponseHeaders(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "*")

	for _, key := range strippedResponseHeaders {
		h.Del(key)
	}
}
