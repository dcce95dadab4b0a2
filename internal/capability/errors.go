package capability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"payrelay/internal/jobs"
)

// Permanent marks err as not worth retrying (bad request, declined card).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// Transient marks err as retryable. Unmarked errors are treated the same
// way; the wrapper exists for readability at call sites.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// RetryAfter is a transient error carrying the provider's delay hint
// (for example an HTTP 429 Retry-After header).
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// WithCode attaches a short provider error code recorded on the attempt.
func WithCode(err error, code string) error {
	if err == nil || code == "" {
		return err
	}
	return codedError{err: err, code: code}
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return fmt.Sprintf("permanent: %v", e.err) }
func (e permanentError) Unwrap() error { return e.err }

type transientError struct{ err error }

func (e transientError) Error() string { return fmt.Sprintf("transient: %v", e.err) }
func (e transientError) Unwrap() error { return e.err }

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }

type codedError struct {
	err  error
	code string
}

func (e codedError) Error() string { return e.err.Error() }
func (e codedError) Unwrap() error { return e.err }
func (e codedError) Code() string  { return e.code }

// Classification is the dispatcher's view of one capability result.
type Classification struct {
	Outcome    jobs.Outcome
	RetryAfter time.Duration // 0 when the capability gave no hint
	Code       string
}

// Classify maps an Execute result to an outcome. Anything not explicitly
// marked permanent is transient, deadline overruns included.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Outcome: jobs.OutcomeSuccess}
	}
	c := Classification{Outcome: jobs.OutcomeTransient, Code: Code(err)}

	var pe permanentError
	if errors.As(err, &pe) || errors.Is(err, ErrDisabled) || errors.Is(err, ErrUnknownKind) {
		c.Outcome = jobs.OutcomePermanent
		return c
	}
	var ra RetryAfterError
	if errors.As(err, &ra) {
		c.RetryAfter = ra.RetryAfter()
	}
	if c.Code == "" && errors.Is(err, context.DeadlineExceeded) {
		c.Code = "timeout"
	}
	return c
}

// Code returns the code attached with WithCode, or "".
func Code(err error) string {
	var ce interface{ Code() string }
	if errors.As(err, &ce) {
		return ce.Code()
	}
	return ""
}
