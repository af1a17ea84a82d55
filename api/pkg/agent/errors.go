package agent

import (
	"context"
	"errors"
	"strings"
)

// ErrorKind classifies reviewer failures. Only rate_limit is retried;
// everything else propagates after one attempt.
type ErrorKind string

const (
	ErrKindRateLimit  ErrorKind = "rate_limit"
	ErrKindTimeout    ErrorKind = "timeout"
	ErrKindParseError ErrorKind = "parse_error"
	ErrKindUnknown    ErrorKind = "unknown"
)

// DetectRateLimit reports whether the input denotes HTTP 429 or a
// textual rate-limit notice.
func DetectRateLimit(input string) bool {
	lower := strings.ToLower(input)
	return strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "rate-limit") ||
		strings.Contains(lower, "429")
}

// reviewError carries a pre-classified kind through the retry loop.
type reviewError struct {
	kind ErrorKind
	err  error
}

func (e *reviewError) Error() string {
	return e.err.Error()
}

func (e *reviewError) Unwrap() error {
	return e.err
}

func newReviewError(kind ErrorKind, err error) error {
	return &reviewError{kind: kind, err: err}
}

// ClassifyError is total: any input maps to exactly one kind, with
// unknown as the default.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return ErrKindUnknown
	}
	var re *reviewError
	if errors.As(err, &re) {
		return re.kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrKindTimeout
	}
	msg := err.Error()
	switch {
	case DetectRateLimit(msg):
		return ErrKindRateLimit
	case strings.Contains(strings.ToLower(msg), "timeout"),
		strings.Contains(strings.ToLower(msg), "timed out"):
		return ErrKindTimeout
	case strings.Contains(strings.ToLower(msg), "parse"),
		strings.Contains(strings.ToLower(msg), "unmarshal"),
		strings.Contains(strings.ToLower(msg), "invalid json"):
		return ErrKindParseError
	default:
		return ErrKindUnknown
	}
}
