package recovery

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/vietddude/blockindex/internal/core/domain"
	"github.com/vietddude/blockindex/internal/infra/storage"
)

// FailureCategory tells the retry strategy how to treat an error.
type FailureCategory int

const (
	// CategoryTransient errors are retried up to MaxAttempts.
	CategoryTransient FailureCategory = iota
	// CategoryDeadlock errors (lock wait, deadlock, serialization) are always retried.
	CategoryDeadlock
	// CategoryPermanent errors are never retried in place.
	CategoryPermanent
)

func (c FailureCategory) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryDeadlock:
		return "deadlock"
	case CategoryPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Classifier maps an error to a failure category.
type Classifier func(err error) FailureCategory

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// DefaultClassifier classifies errors produced by the store and the ingest path.
func DefaultClassifier(err error) FailureCategory {
	var perm *permanentError
	switch {
	case errors.Is(err, storage.ErrTransient):
		return CategoryDeadlock
	case errors.As(err, &perm),
		errors.Is(err, domain.ErrMalformedBlock),
		errors.Is(err, domain.ErrForkBelowFinality),
		errors.Is(err, context.Canceled):
		return CategoryPermanent
	default:
		return CategoryTransient
	}
}

// FailureType maps an error to the ledger failure type.
func FailureType(err error) domain.FailureType {
	switch {
	case errors.Is(err, domain.ErrMalformedBlock):
		return domain.FailureTypeMalformed
	case errors.Is(err, domain.ErrForkBelowFinality):
		return domain.FailureTypeFork
	case errors.Is(err, storage.ErrTransient):
		return domain.FailureTypeDatabase
	case DefaultClassifier(err) == CategoryPermanent:
		return domain.FailureTypePermanent
	default:
		return domain.FailureTypeNode
	}
}

// RetryStrategy defines how retries should be handled.
type RetryStrategy interface {
	// GetDelay returns the delay for the given attempt (0-indexed).
	GetDelay(attempt int) time.Duration

	// ShouldRetry checks if we should retry based on the error and attempt count.
	ShouldRetry(err error, attempt int) bool
}

// ExponentialBackoff implements a standard backoff strategy.
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
	Classifier   Classifier
}

// DefaultBackoff returns sensible defaults for block ingestion.
// 2s, 4s, 8s, 16s, 32s (Max 60s)
func DefaultBackoff(classifier Classifier) *ExponentialBackoff {
	if classifier == nil {
		classifier = DefaultClassifier
	}
	return &ExponentialBackoff{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		MaxAttempts:  5,
		Classifier:   classifier,
	}
}

// GetDelay calculates delay: InitialDelay * 2^attempt
func (s *ExponentialBackoff) GetDelay(attempt int) time.Duration {
	delay := float64(s.InitialDelay) * math.Pow(2, float64(attempt))
	if delay > float64(s.MaxDelay) {
		return s.MaxDelay
	}
	return time.Duration(delay)
}

// ShouldRetry retries deadlocks unconditionally and transient errors until
// MaxAttempts is reached.
func (s *ExponentialBackoff) ShouldRetry(err error, attempt int) bool {
	switch s.Classifier(err) {
	case CategoryDeadlock:
		return true
	case CategoryTransient:
		return attempt < s.MaxAttempts
	default:
		return false
	}
}
