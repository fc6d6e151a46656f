// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// ProxyRequest represents a client request to be forwarded to a target origin.
// Body is a single-pass stream and is consumed at most once.
type ProxyRequest struct {
	Ctx    context.Context
	Method string
	Header http.Header
	Body   io.ReadCloser

	// RawTarget is the unvalidated value of the url query parameter.
	RawTarget string

	// ProxyOrigin is the scheme://host[:port] under which this proxy is
	// reachable, used to construct rewritten references.
	ProxyOrigin string
}

// Target is a validated destination. Scheme is always "http" or "https".
type Target struct {
	URL    *url.URL
	Scheme string
	Host   string
}

// UpstreamResponse represents the origin response to be relayed back.
// Ownership of Body transfers to the caller, who must close it.
type UpstreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// RewriteContext carries the inputs needed to resolve and wrap every URL
// reference found while rewriting a document. It is immutable per request.
type RewriteContext struct {
	// Base is the target document URL; relative references resolve against it.
	Base *url.URL

	// ProxyOrigin is the proxy's scheme://host[:port], no trailing slash.
	// Rewritten references take the form {ProxyOrigin}/proxy?url={escaped}.
	ProxyOrigin string
}
