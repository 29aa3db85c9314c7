package engine

import (
	"errors"
	"fmt"
)

// ErrNoEngine signals that a request was pinned to an engine that is not
// configured.
var ErrNoEngine = errors.New("requested engine not configured")

// ValidationError marks a model response that failed schema or field checks
// for one candidate. It is scoped to that candidate and never retried: a
// schema mismatch does not fix itself on a second attempt.
type ValidationError struct {
	Key    string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("model response for %s invalid: %s", e.Key, e.Reason)
}

// TransientError wraps a network timeout, 5xx or rate-limit failure that is
// worth retrying with backoff.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient endpoint failure: " + e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// ConfigError marks missing or invalid model-endpoint configuration. Retrying
// is pointless; the selector degrades immediately.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return "model engine misconfigured: " + e.Reason }

// IsRetryable reports whether the selector should retry the model call.
func IsRetryable(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

// IsConfig reports whether the failure is a configuration problem.
func IsConfig(err error) bool {
	var cfgErr *ConfigError
	return errors.As(err, &cfgErr)
}
