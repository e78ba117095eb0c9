// Package apierr defines the error taxonomy shared by the session access layer.
//
// Every failure coming back from the remote endpoint is mapped onto one of a
// small set of kinds. The kind decides what happens next: transient failures
// are retried, rate limits are absorbed by the limiter, authentication
// failures stop everything, and an expired session hands control to the
// reconnect watchdog.
package apierr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Kind classifies a failure.
type Kind int

const (
	// KindUnclassified is any failure that matched no known category.
	KindUnclassified Kind = iota
	// KindTransient covers timeouts, connection resets and 5xx responses.
	KindTransient
	// KindRateLimited is a remote "slow down" signal.
	KindRateLimited
	// KindAuthentication means the credentials were rejected. Never retried.
	KindAuthentication
	// KindSessionExpired means the remote session is gone and must be re-established.
	KindSessionExpired
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindAuthentication:
		return "authentication"
	case KindSessionExpired:
		return "session_expired"
	default:
		return "unclassified"
	}
}

// Sentinels for errors.Is checks. An *Error matches the sentinel of its kind.
var (
	ErrTransient      = errors.New("transient failure")
	ErrRateLimited    = errors.New("rate limited")
	ErrAuthentication = errors.New("authentication failed")
	ErrSessionExpired = errors.New("session expired")
)

func (k Kind) sentinel() error {
	switch k {
	case KindTransient:
		return ErrTransient
	case KindRateLimited:
		return ErrRateLimited
	case KindAuthentication:
		return ErrAuthentication
	case KindSessionExpired:
		return ErrSessionExpired
	default:
		return nil
	}
}

// Error is a classified failure.
type Error struct {
	Kind       Kind
	Op         string
	Message    string
	RetryAfter time.Duration // hint from the remote side, only for KindRateLimited
	Details    map[string]string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		if s := e.Kind.sentinel(); s != nil {
			msg = s.Error()
		} else {
			msg = "request failed"
		}
	}
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(msg)
	if e.Err != nil && e.Err.Error() != msg {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// Transient wraps err as a retryable failure.
func Transient(op string, err error) *Error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// RateLimited wraps err as a rate-limit signal. retryAfter may be zero.
func RateLimited(op string, retryAfter time.Duration, err error) *Error {
	return &Error{Kind: KindRateLimited, Op: op, RetryAfter: retryAfter, Err: err}
}

// Authentication wraps err as a fatal credential failure.
func Authentication(op string, err error) *Error {
	return &Error{Kind: KindAuthentication, Op: op, Err: err}
}

// SessionExpired reports that op needs a live session it does not have.
func SessionExpired(op string) *Error {
	return &Error{Kind: KindSessionExpired, Op: op}
}

// Wrap marks err as unclassified while keeping it reachable through
// errors.Unwrap. The original Go type is recorded in the details.
func Wrap(op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:    KindUnclassified,
		Op:      op,
		Err:     err,
		Details: map[string]string{"original_error": fmt.Sprintf("%T", err)},
	}
}

// Classify returns the kind of err. Typed errors anywhere in the chain win,
// then the sentinels, then timeouts which count as transient.
func Classify(err error) Kind {
	if err == nil {
		return KindUnclassified
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, ErrAuthentication):
		return KindAuthentication
	case errors.Is(err, ErrSessionExpired):
		return KindSessionExpired
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrTransient):
		return KindTransient
	case errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTransient
	}
	return KindUnclassified
}

// RetryAfter returns the remote retry hint carried by err, or zero.
func RetryAfter(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// FromMessage classifies a failure by its text. Used when the remote side
// reports an error without a usable status code.
func FromMessage(op string, err error) *Error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "authentication"), strings.Contains(msg, "login"),
		strings.Contains(msg, "credentials"):
		return Authentication(op, err)
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "too many requests"):
		return RateLimited(op, 0, err)
	case strings.Contains(msg, "session"):
		e := SessionExpired(op)
		e.Err = err
		return e
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"),
		strings.Contains(msg, "connection reset"), strings.Contains(msg, "unavailable"):
		return Transient(op, err)
	default:
		return Wrap(op, err)
	}
}
