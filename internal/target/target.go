// Package target validates the caller-supplied destination URL.
package target

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/nmdft/ESAproxy/internal/model"
)

// Validation failures. The handler maps all three to HTTP 400.
var (
	ErrMissingTarget     = errors.New("missing url query parameter")
	ErrInvalidTarget     = errors.New("target is not a valid URL")
	ErrUnsupportedScheme = errors.New("target scheme must be http or https")
)

// Parse validates raw as a destination URL. It accepts absolute http and
// https URLs with a host and nothing else. Parse has no side effects.
func Parse(raw string) (model.Target, error) {
	if raw == "" {
		return model.Target{}, ErrMissingTarget
	}

	u, err := url.Parse(raw)
	if err != nil {
		return model.Target{}, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}

	switch u.Scheme {
	case "http", "https":
	default:
		return model.Target{}, fmt.Errorf("%w; got %q", ErrUnsupportedScheme, u.Scheme)
	}

	if u.Host == "" {
		return model.Target{}, fmt.Errorf("%w: no host", ErrInvalidTarget)
	}

	return model.Target{
		URL:    u,
		Scheme: u.Scheme,
		Host:   u.Host,
	}, nil
}
