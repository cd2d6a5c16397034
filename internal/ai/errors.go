package ai

import "errors"

// Failure classes reported by the embedding and generation services. The
// ingest pipeline and query engine decide retry/abort behavior from these.
var (
	// ErrRateLimited indicates the provider throttled the request. Transient.
	ErrRateLimited = errors.New("provider rate limited")

	// ErrInvalidInput indicates the request itself was rejected (empty text,
	// oversize payload). Retrying the same input cannot succeed.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnavailable covers provider 5xx responses and network failures.
	// Transient.
	ErrUnavailable = errors.New("provider unavailable")
)

// isTransient reports whether err is worth retrying.
func isTransient(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUnavailable)
}
