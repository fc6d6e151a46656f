// Package client provides the outbound HTTP client for target origins.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/nmdft/ESAproxy/internal/config"
	"github.com/nmdft/ESAproxy/internal/metrics"
	"github.com/nmdft/ESAproxy/internal/model"
)

// ErrUpstreamTimeout is returned when the origin does not produce response
// headers within the configured timeout. The handler maps it to HTTP 504.
var ErrUpstreamTimeout = errors.New("upstream request timed out")

// OriginClient sends requests to arbitrary target origins.
type OriginClient struct {
	httpClient *http.Client
	timeout    time.Duration
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewOriginClient creates an OriginClient with connection pooling.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewOriginClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *OriginClient {
	transport := &http.Transport{
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &OriginClient{
		// No http.Client.Timeout: that deadline would also cover reading
		// the body, cutting off large slow downloads. The header timeout
		// is enforced per call in DoStream instead.
		httpClient: &http.Client{Transport: transport},
		timeout:    time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		logger:     logger.With("component", "origin_client"),
		metrics:    m,
	}
}

// DoStream executes one request against the origin and returns the response
// with an open body stream. The caller is responsible for closing the body;
// closing it also releases the request's cancel context.
//
// The timeout runs from dispatch until response headers are available. On
// expiry the in-flight connection is canceled, not merely abandoned, and
// ErrUpstreamTimeout is returned. Exactly one attempt is made; there are no
// retries. The provided context additionally bounds the request lifetime, so
// a client disconnect cancels the upstream call.
func (c *OriginClient) DoStream(ctx context.Context, method, url string, header http.Header, body io.Reader) (*model.UpstreamResponse, error) {
	cctx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(cctx, method, url, body)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = header
	req.Host = req.URL.Host

	c.logger.Debug("upstream request",
		"method", method,
		"host", req.URL.Host,
	)

	var timedOut atomic.Bool
	timer := time.AfterFunc(c.timeout, func() {
		timedOut.Store(true)
		cancel()
	})

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via UpstreamResponse
	timer.Stop()
	duration := time.Since(start).Seconds()

	m := metrics.NormalizeMethod(method)

	if err != nil {
		cancel()
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(m).Observe(duration)
		}
		if timedOut.Load() {
			return nil, fmt.Errorf("%w after %s", ErrUpstreamTimeout, c.timeout)
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	// The timer can fire in the narrow window after Do returns and before
	// Stop. The context is then already canceled and the body stream is
	// dead, so report the timeout rather than a success with an unreadable
	// body.
	if timedOut.Load() {
		_ = resp.Body.Close()
		cancel()
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(m).Observe(duration)
		}
		return nil, fmt.Errorf("%w after %s", ErrUpstreamTimeout, c.timeout)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(m).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(m, status).Inc()
	}

	return &model.UpstreamResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       &cancelOnCloseBody{rc: resp.Body, cancel: cancel},
	}, nil
}

// cancelOnCloseBody ties the request's cancel context to the body's lifetime
// so repeated timeouts or abandoned responses cannot leak connections.
type cancelOnCloseBody struct {
	rc     io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnCloseBody) Read(p []byte) (int, error) {
	return b.rc.Read(p)
}

func (b *cancelOnCloseBody) Close() error {
	err := b.rc.Close()
	b.cancel()
	return err
}
