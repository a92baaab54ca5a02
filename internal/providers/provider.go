// Package providers contains the search provider clients and the shared
// registry that tracks rate limits, quotas, and circuit breakers across
// concurrent research runs.
package providers

import (
	"context"
	"errors"
	"fmt"

	"github.com/meridian-research/meridian/internal/models"
)

// errMissingKey marks keyed providers running without credentials; they
// surface it as a quota error so the fan-out demotes them silently.
var errMissingKey = errors.New("api key not configured")

// ErrorKind classifies provider failures. All kinds are recoverable
// locally via fallback or demotion and never fail a run by themselves.
type ErrorKind string

const (
	KindTimeout   ErrorKind = "timeout"
	KindQuota     ErrorKind = "quota"
	KindMalformed ErrorKind = "malformed"
)

// Error is a typed provider failure.
type Error struct {
	Provider string
	Kind     ErrorKind
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps an underlying error with provider and kind.
func NewError(provider string, kind ErrorKind, err error) *Error {
	return &Error{Provider: provider, Kind: kind, Err: err}
}

// AsError extracts a provider error if err carries one.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// Provider is a single search backend. Query returns normalized results;
// any failure is reported as *Error so the fan-out can classify it.
type Provider interface {
	Name() string
	// Priority orders providers within a tier; lower is queried first.
	Priority() int
	// RequiresPremium restricts the provider to paying tiers.
	RequiresPremium() bool
	Query(ctx context.Context, text string, limit int) ([]models.RawResult, error)
}

// Relevance priors assigned when a provider does not report its own
// relevance signal.
const (
	relevanceBrave     = 0.9
	relevanceExa       = 0.8
	relevanceDDG       = 0.7
	relevanceWikipedia = 0.85
	relevanceSerpAPI   = 0.95
	relevanceGoogleCSE = 0.95
)
