package collab

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lucasnoah/agentfactory/internal/logging"
)

// Strategy is one named way of producing a T.
type Strategy[T any] struct {
	Name string
	Call func(ctx context.Context) (T, error)
}

// Fallback calls Primary up to Attempts times with exponential backoff, then
// Fallback once if ShouldFallback accepts the last primary error.
type Fallback[T any] struct {
	Primary  Strategy[T]
	Fallback Strategy[T]
	Attempts int
	Backoff  time.Duration
	// ShouldFallback defaults to every error except context cancellation.
	ShouldFallback func(error) bool
	Logger         *zap.Logger
}

// Do runs the strategies and returns the value and the name of the strategy
// that produced it.
func (f Fallback[T]) Do(ctx context.Context) (T, string, error) {
	var zero T
	log := f.Logger
	if log == nil {
		log = logging.Nop()
	}

	var primaryErr error
	if f.Primary.Call != nil {
		attempts := f.Attempts
		if attempts < 1 {
			attempts = 1
		}
		backoff := f.Backoff
		for attempt := 1; attempt <= attempts; attempt++ {
			if attempt > 1 && backoff > 0 {
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return zero, "", ctx.Err()
				}
				backoff *= 2
			}
			v, err := f.Primary.Call(ctx)
			if err == nil {
				return v, f.Primary.Name, nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return zero, "", ctxErr
			}
			primaryErr = err
			log.Warn("collaborator attempt failed",
				zap.String("strategy", f.Primary.Name), zap.Int("attempt", attempt), zap.Error(err))
		}
	}

	if f.Fallback.Call == nil {
		if primaryErr == nil {
			return zero, "", errors.New("no strategy configured")
		}
		return zero, "", fmt.Errorf("%s: %w", f.Primary.Name, primaryErr)
	}
	if primaryErr != nil && !f.shouldFallback(primaryErr) {
		return zero, "", fmt.Errorf("%s: %w", f.Primary.Name, primaryErr)
	}

	v, err := f.Fallback.Call(ctx)
	if err != nil {
		if primaryErr != nil {
			return zero, "", fmt.Errorf("%s: %v; fallback %s: %w", f.Primary.Name, primaryErr, f.Fallback.Name, err)
		}
		return zero, "", fmt.Errorf("%s: %w", f.Fallback.Name, err)
	}
	if primaryErr != nil {
		log.Info("collaborator fell back", zap.String("strategy", f.Fallback.Name))
	}
	return v, f.Fallback.Name, nil
}

func (f Fallback[T]) shouldFallback(err error) bool {
	if f.ShouldFallback != nil {
		return f.ShouldFallback(err)
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
