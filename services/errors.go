package services

import (
	"errors"
	"fmt"
	"time"
)

// ErrNeedsReauth is the terminal credential signal: no usable token exists
// and no refresh can produce one. The orchestrator reacts by moving the
// connection to token_expired and waiting for the user to re-link.
var ErrNeedsReauth = errors.New("credential unusable, user must re-link the bank")

// RateLimitedError is returned by adapters on a 429. RetryAfter carries the
// server-supplied delay (zero when the bank did not send one).
type RateLimitedError struct {
	Bank       string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%s: rate limited, retry after %s", e.Bank, e.RetryAfter)
}

// SchemaError means a bank answered with a payload we cannot interpret.
// Detail holds shape metadata only, never the payload itself.
type SchemaError struct {
	Bank     string
	Resource string
	Detail   string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("%s: unexpected %s payload: %s", e.Bank, e.Resource, e.Detail)
}

// TransientError wraps network failures and upstream 5xx responses that are
// worth retrying with backoff.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsRetryable reports whether the orchestrator should back off and retry.
func IsRetryable(err error) bool {
	var rl *RateLimitedError
	var tr *TransientError
	return errors.As(err, &rl) || errors.As(err, &tr)
}

// RetryAfterHint extracts a server-supplied delay, if any.
func RetryAfterHint(err error) time.Duration {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	return 0
}
