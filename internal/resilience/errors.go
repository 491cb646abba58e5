package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"
	"time"
)

// TransientError wraps an error that is safe to retry (e.g., 5xx, network timeout).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// QuotaError marks a provider refusal caused by rate limits or exhausted
// quota. Quota failures back off on a much longer schedule than transient
// ones and never make a job terminal.
type QuotaError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *QuotaError) Error() string {
	return e.Err.Error()
}

func (e *QuotaError) Unwrap() error {
	return e.Err
}

// NewQuotaError wraps err as a quota failure. retryAfter is the provider's
// hint, zero when none was given.
func NewQuotaError(err error, retryAfter time.Duration) *QuotaError {
	return &QuotaError{Err: err, RetryAfter: retryAfter}
}

// PermanentError marks input that can never succeed, such as a malformed
// payload. Jobs failing with it go terminal without further attempts.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// NewPermanentError wraps err as permanent.
func NewPermanentError(err error) *PermanentError {
	return &PermanentError{Err: err}
}

// IsQuota reports whether err (or any error in its chain) is a QuotaError.
func IsQuota(err error) bool {
	var qe *QuotaError
	return err != nil && errors.As(err, &qe)
}

// RetryAfter returns the provider hint carried by a QuotaError in err's chain.
func RetryAfter(err error) time.Duration {
	var qe *QuotaError
	if errors.As(err, &qe) {
		return qe.RetryAfter
	}
	return 0
}

// IsPermanent reports whether err (or any error in its chain) is a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return err != nil && errors.As(err, &pe)
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, or if it matches common transient error patterns (network
// timeouts, connection resets, DNS failures).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// Wrapped HTTP client errors lose their type; fall back to the message.
	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

var transientPatterns = []string{
	"connection reset by peer",
	"broken pipe",
	"temporary failure in name resolution",
	"no such host",
	"tls handshake timeout",
	"i/o timeout",
	"server closed idle connection",
	"transport connection broken",
	"context deadline exceeded",
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry. 429 is not included:
// it is a quota signal, see IsQuotaHTTPStatus.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, 500, 502, 503, 504, 529:
		return true
	default:
		return false
	}
}

// IsQuotaHTTPStatus returns true for status codes providers use to signal
// rate limiting or exhausted quota.
func IsQuotaHTTPStatus(statusCode int) bool {
	return statusCode == 429
}

// FailureClass buckets an error for scheduling purposes.
type FailureClass string

const (
	ClassQuota     FailureClass = "quota"
	ClassTransient FailureClass = "transient"
	ClassPermanent FailureClass = "permanent"
)

// Classify buckets err. Quota wins over everything else, explicit permanent
// errors come next, and anything not recognizably transient is treated as
// transient too so that unknown failures still get their bounded retries.
func Classify(err error) FailureClass {
	switch {
	case IsQuota(err):
		return ClassQuota
	case IsPermanent(err):
		return ClassPermanent
	default:
		return ClassTransient
	}
}
