package transport

import (
	"errors"
	"fmt"
)

// Kind classifies request failures so callers can pick the right reaction:
// retry, degrade quietly, or abort.
type Kind string

const (
	// TransientNetwork covers connect/read/pool timeouts and resets; the
	// transport retries these per policy.
	TransientNetwork Kind = "transient_network"
	// RateLimited is HTTP 429 or a venue-equivalent code; never retried.
	RateLimited Kind = "rate_limited"
	// WAFBlocked is HTTP 403 with WAF heuristics; never retried.
	WAFBlocked Kind = "waf_blocked"
	// NotFound means the venue reported an unknown symbol; not an error for
	// scanners, logged at debug.
	NotFound Kind = "not_found"
	// ProtocolError is any other non-2xx, unexpected JSON shape, or venue
	// error code; callers treat it as "data unavailable this cycle".
	ProtocolError Kind = "protocol_error"
	// AuthError is a private-API signing/permission failure; fatal for the
	// operation.
	AuthError Kind = "auth_error"
)

// Error is the typed failure every venue call surfaces.
type Error struct {
	Kind   Kind
	Venue  string
	Status int
	Code   string
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code=%s, msg=%s)", e.Venue, e.Kind, e.Code, e.Msg)
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (http %d)", e.Venue, e.Kind, e.Status)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Venue, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Venue, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the Kind from err, or "" when err is not a transport
// Error.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}

// IsNotFound reports whether err is a venue "symbol unknown" signal.
func IsNotFound(err error) bool { return KindOf(err) == NotFound }
