package session

import "errors"

var (
	ErrInvalidBatch      = errors.New("invalid batch")
	ErrSourceBusy        = errors.New("source busy, retry later")
	ErrStore             = errors.New("metric store unavailable")
	ErrSessionNotFound   = errors.New("session not found")
	ErrInvalidTransition = errors.New("invalid session transition")
)

// Retryable reports whether the caller should resend the same batch.
func Retryable(err error) bool {
	return errors.Is(err, ErrSourceBusy) || errors.Is(err, ErrStore)
}

// Outcome is the short label transports record for an ingest result.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidBatch):
		return "invalid"
	case errors.Is(err, ErrSourceBusy):
		return "busy"
	case errors.Is(err, ErrStore):
		return "store_error"
	default:
		return "error"
	}
}
