package handler

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"unicode"

	"github.com/labstack/echo/v4"

	"github.com/nmdft/ESAproxy/internal/client"
	"github.com/nmdft/ESAproxy/internal/config"
	"github.com/nmdft/ESAproxy/internal/metrics"
	"github.com/nmdft/ESAproxy/internal/model"
	"github.com/nmdft/ESAproxy/internal/rewrite"
	"github.com/nmdft/ESAproxy/internal/service"
	"github.com/nmdft/ESAproxy/internal/target"
)

// ProxyHandler serves the /proxy entry point: it forwards the requested
// target URL upstream and relays the response, rewriting HTML and CSS bodies
// so embedded references route back through the proxy.
type ProxyHandler struct {
	service  *service.ProxyService
	rewriter *rewrite.Rewriter
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewProxyHandler creates a ProxyHandler. The metrics parameter is optional.
func NewProxyHandler(svc *service.ProxyService, rw *rewrite.Rewriter, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *ProxyHandler {
	return &ProxyHandler{
		service:  svc,
		rewriter: rw,
		cfg:      cfg,
		logger:   logger.With("component", "proxy_handler"),
		metrics:  m,
	}
}

// Handle forwards the request to the target named by the url query parameter
// and relays the response. Rewritable bodies (HTML, and CSS under the
// intercept policy) are buffered and transformed; everything else streams
// through untouched so memory use stays bounded for arbitrary payloads.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	pr := &model.ProxyRequest{
		Ctx:       req.Context(),
		Method:    req.Method,
		Header:    req.Header,
		Body:      req.Body,
		RawTarget: c.QueryParam("url"),
	}

	resp, tgt, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	contentType := resp.Header.Get("Content-Type")
	if h.rewriter.ShouldRewrite(contentType) {
		return h.relayRewritten(c, resp, tgt, contentType)
	}
	return h.relayStream(c, resp)
}

// relayRewritten buffers the origin body, rewrites its URL references and
// sends the result. Content-Length is dropped because rewriting changes the
// byte length; the transport recomputes it. Content-Encoding is dropped
// because the rewritten body goes out as plaintext.
func (h *ProxyHandler) relayRewritten(c echo.Context, resp *model.UpstreamResponse, tgt model.Target, contentType string) error {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		h.logger.Error("reading origin body",
			"err", err,
			"host", tgt.Host,
		)
		return c.String(http.StatusBadGateway, "failed to read origin response")
	}

	// Origins answer gzip-capable clients with compressed bodies, and the
	// transport does not decompress when the request set Accept-Encoding
	// itself. The rewriter needs plaintext; a body this proxy cannot decode
	// is relayed byte-for-byte with its headers intact instead.
	body, ok := decodeBody(raw, resp.Header.Get("Content-Encoding"))
	if !ok {
		copyHeaders(c.Response().Header(), resp.Header)
		c.Response().WriteHeader(resp.StatusCode)
		_, err = c.Response().Write(raw)
		return err
	}

	rc := model.RewriteContext{
		Base:        tgt.URL,
		ProxyOrigin: h.proxyOrigin(c),
	}
	rewritten := h.rewriter.Rewrite(string(body), contentType, rc)

	if h.metrics != nil {
		kind := "html"
		if strings.Contains(contentType, "text/css") && !strings.Contains(contentType, "text/html") {
			kind = "css"
		}
		h.metrics.RewrittenDocuments.WithLabelValues(kind).Inc()
	}

	resp.Header.Del("Content-Length")
	resp.Header.Del("Content-Encoding")
	copyHeaders(c.Response().Header(), resp.Header)

	c.Response().WriteHeader(resp.StatusCode)
	_, err = io.WriteString(c.Response(), rewritten)
	return err
}

// relayStream pipes the origin body through without buffering. If the copy
// fails mid-stream the status line has already been sent, so the client sees
// a truncated response; that is the inherent trade-off of streaming proxies
// and is only logged here.
func (h *ProxyHandler) relayStream(c echo.Context, resp *model.UpstreamResponse) error {
	copyHeaders(c.Response().Header(), resp.Header)
	c.Response().WriteHeader(resp.StatusCode)

	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Error("streaming response body", "err", err)
	}
	return nil
}

// proxyOrigin returns the scheme://host under which rewritten references
// must reach this proxy: the configured public origin when set, otherwise
// derived from the inbound request.
func (h *ProxyHandler) proxyOrigin(c echo.Context) string {
	if h.cfg.Rewrite.PublicOrigin != "" {
		return h.cfg.Rewrite.PublicOrigin
	}
	return c.Scheme() + "://" + c.Request().Host
}

// mapError classifies a failure into an outward status and a plain-text
// body. Bodies are static or sanitized strings; the caller's target URL is
// never echoed back raw, so error responses cannot carry injected content.
func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("proxy error",
		"err", sanitizeText(err.Error()),
		"method", c.Request().Method,
	)

	switch {
	case errors.Is(err, target.ErrMissingTarget):
		return c.String(http.StatusBadRequest, "missing url query parameter: use /proxy?url=<target>")
	case errors.Is(err, target.ErrUnsupportedScheme):
		return c.String(http.StatusBadRequest, "unsupported target scheme: only http and https are allowed")
	case errors.Is(err, target.ErrInvalidTarget):
		return c.String(http.StatusBadRequest, "invalid target URL")
	case errors.Is(err, client.ErrUpstreamTimeout):
		return c.String(http.StatusGatewayTimeout, "upstream request timed out")
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.String(http.StatusBadGateway, "upstream host unreachable")
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return c.String(http.StatusBadGateway, "upstream connection failed")
	}

	return c.String(http.StatusBadGateway, "upstream request failed")
}

// decodeBody decompresses raw according to the response Content-Encoding.
// The second return is false for encodings this proxy cannot decode (br,
// zstd) and for corrupt payloads; the caller then relays raw unmodified.
func decodeBody(raw []byte, encoding string) ([]byte, bool) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return raw, true
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, false
		}
		defer func() { _ = zr.Close() }()
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, false
		}
		return out, true
	case "deflate":
		// Servers disagree on whether deflate means zlib-wrapped or raw
		// DEFLATE; browsers accept both, so try both.
		if zr, err := zlib.NewReader(bytes.NewReader(raw)); err == nil {
			out, rerr := io.ReadAll(zr)
			_ = zr.Close()
			if rerr == nil {
				return out, true
			}
		}
		fr := flate.NewReader(bytes.NewReader(raw))
		defer func() { _ = fr.Close() }()
		out, err := io.ReadAll(fr)
		if err != nil {
			return nil, false
		}
		return out, true
	default:
		return nil, false
	}
}

func copyHeaders(dst, src http.Header) {
	for key, vals := range src {
		for _, v := range vals {
			dst.Add(key, v)
		}
	}
}

// sanitizeText strips control characters (CR/LF included) so attacker-chosen
// URL fragments inside error text cannot be used for log or header injection.
func sanitizeText(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}
