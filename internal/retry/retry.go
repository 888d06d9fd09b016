package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"time"
)

// Kind tags the outcome of a workflow step
type Kind int

const (
	KindOk Kind = iota
	KindRetriable
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindOk:
		return "ok"
	case KindRetriable:
		return "retriable"
	case KindFatal:
		return "fatal"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Result is the value every workflow step returns instead of a bare error.
// Reason is empty when Kind is KindOk.
type Result[T any] struct {
	Kind   Kind
	Value  T
	Reason string
}

// Ok wraps a successful value
func Ok[T any](v T) Result[T] {
	return Result[T]{Kind: KindOk, Value: v}
}

// Retry reports a failure that may succeed on a later attempt
func Retry[T any](reason string) Result[T] {
	return Result[T]{Kind: KindRetriable, Reason: reason}
}

// Retryf is Retry with formatting
func Retryf[T any](format string, args ...any) Result[T] {
	return Retry[T](fmt.Sprintf(format, args...))
}

// Fail reports a failure that must abort the workflow
func Fail[T any](reason string) Result[T] {
	return Result[T]{Kind: KindFatal, Reason: reason}
}

// Failf is Fail with formatting
func Failf[T any](format string, args ...any) Result[T] {
	return Fail[T](fmt.Sprintf(format, args...))
}

// IsOk reports whether the step succeeded
func (r Result[T]) IsOk() bool {
	return r.Kind == KindOk
}

// Err converts a non-Ok result into an *Error, nil otherwise
func (r Result[T]) Err() error {
	if r.Kind == KindOk {
		return nil
	}
	return &Error{Kind: r.Kind, Reason: r.Reason}
}

// Error carries a classified failure across API boundaries that expect error values
type Error struct {
	Kind   Kind
	Reason string
}

func (e *Error) Error() string {
	return e.Reason
}

// From converts a (value, error) pair into a Result using Classify
func From[T any](v T, err error) Result[T] {
	if err == nil {
		return Ok(v)
	}
	return Result[T]{Kind: Classify(err), Reason: err.Error()}
}

// Cast re-types a non-Ok result, dropping its value
func Cast[U, T any](r Result[T]) Result[U] {
	return Result[U]{Kind: r.Kind, Reason: r.Reason}
}

type retriableError struct {
	err error
}

func (e *retriableError) Error() string { return e.err.Error() }
func (e *retriableError) Unwrap() error { return e.err }

// Retriable marks err as transient. Collaborators use it for 5xx responses,
// rate limits and similar infrastructure failures.
func Retriable(err error) error {
	if err == nil {
		return nil
	}
	return &retriableError{err: err}
}

// IsRetriable reports whether err was marked with Retriable
func IsRetriable(err error) bool {
	var re *retriableError
	return errors.As(err, &re)
}

// Classify maps an error onto a Kind. Errors are fatal unless they were
// explicitly marked retriable or are network timeouts.
func Classify(err error) Kind {
	if err == nil {
		return KindOk
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	if IsRetriable(err) {
		return KindRetriable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindRetriable
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindRetriable
	}
	return KindFatal
}

// ClassifyHTTPStatus classifies a failed HTTP response from a collaborator
func ClassifyHTTPStatus(code int) Kind {
	switch {
	case code < 400:
		return KindOk
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout:
		return KindRetriable
	case code >= 500:
		return KindRetriable
	default:
		return KindFatal
	}
}

// Backoff selects how the delay grows between attempts
type Backoff int

const (
	Fixed Backoff = iota
	Exponential
)

// Policy is the retry budget attached to a workflow step
type Policy struct {
	Name        string
	MaxAttempts int
	Backoff     Backoff
	Interval    time.Duration
	MaxInterval time.Duration
	Multiplier  float64
}

var (
	// DNSVerify waits for TXT records to become visible on public resolvers
	DNSVerify = Policy{Name: "dns-verify", MaxAttempts: 12, Backoff: Fixed, Interval: 10 * time.Second}

	// OrderPoll waits for the CA to move an order out of pending/processing
	OrderPoll = Policy{Name: "order-poll", MaxAttempts: 12, Backoff: Fixed, Interval: 5 * time.Second}

	// Default covers single network calls to the CA, DNS providers and the vault
	Default = Policy{Name: "default", MaxAttempts: 3, Backoff: Exponential, Interval: 5 * time.Second, MaxInterval: 30 * time.Second, Multiplier: 2}

	// RecordLock waits for another instance to release a shared record name
	RecordLock = Policy{Name: "record-lock", MaxAttempts: 30, Backoff: Fixed, Interval: 20 * time.Second}

	// CertificateSubWorkflow reruns a whole issuance from the batch renewal scheduler
	CertificateSubWorkflow = Policy{Name: "certificate", MaxAttempts: 2, Backoff: Fixed, Interval: 6 * time.Hour}
)

// Attempts returns MaxAttempts, at least 1
func (p Policy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Delay returns the wait after the given failed attempt (1-based).
// The result depends only on the policy and attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if p.Backoff == Fixed {
		return p.Interval
	}

	multiplier := p.Multiplier
	if multiplier <= 1 {
		multiplier = 2
	}
	d := float64(p.Interval) * math.Pow(multiplier, float64(attempt-1))
	if p.MaxInterval > 0 && d > float64(p.MaxInterval) {
		return p.MaxInterval
	}
	if d > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Sleeper suspends between attempts. The workflow context supplies a
// durable timer so waits survive a restart.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// SleeperFunc adapts a function to Sleeper
type SleeperFunc func(ctx context.Context, d time.Duration) error

func (f SleeperFunc) Sleep(ctx context.Context, d time.Duration) error {
	return f(ctx, d)
}

// WallClock sleeps on a real timer
var WallClock Sleeper = SleeperFunc(func(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
})

// Run calls fn until it returns Ok or Fatal, or the policy's attempts are used up.
// An exhausted Retriable result becomes Fatal and keeps its last reason.
func Run[T any](ctx context.Context, p Policy, s Sleeper, fn func(ctx context.Context, attempt int) Result[T]) Result[T] {
	max := p.Attempts()
	for attempt := 1; ; attempt++ {
		res := fn(ctx, attempt)
		if res.Kind != KindRetriable {
			return res
		}
		if attempt >= max {
			return Fail[T](res.Reason)
		}
		if err := s.Sleep(ctx, p.Delay(attempt)); err != nil {
			return Failf[T]("%s: interrupted after %d attempts: %v", res.Reason, attempt, err)
		}
	}
}
