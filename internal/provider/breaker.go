package provider

import (
	"context"
	"errors"
	"net/http"

	"github.com/Daggahh/flow3.chat/internal/circuitbreaker"
	"github.com/Daggahh/flow3.chat/internal/domain"
)

// breakerAdapter refuses dispatch while the vendor's breaker is open and feeds
// stream outcomes back into it.
type breakerAdapter struct {
	Adapter
	breaker circuitbreaker.CircuitBreaker
}

func unwrapAdapter(a Adapter) Adapter {
	if b, ok := a.(*breakerAdapter); ok {
		return b.Adapter
	}
	return a
}

func (b *breakerAdapter) GenerateCompletion(ctx context.Context, messages []domain.Message, modelID string, opts Options) (<-chan domain.DeltaEvent, <-chan error) {
	if err := b.breaker.Allow(ctx); err != nil {
		return Errored(&VendorError{
			Provider:   b.ID(),
			StatusCode: http.StatusServiceUnavailable,
			Err:        err,
		})
	}

	inner, innerErrs := b.Adapter.GenerateCompletion(ctx, messages, modelID, opts)
	deltas := make(chan domain.DeltaEvent)
	errs := make(chan error, 1)

	go func() {
		defer close(deltas)
		defer close(errs)

		for ev := range inner {
			select {
			case deltas <- ev:
			case <-ctx.Done():
				// Drain so the adapter goroutine can exit.
				for range inner {
				}
				return
			}
		}

		err := <-innerErrs
		switch {
		case err == nil:
			b.breaker.RecordSuccess(ctx)
		case countsAgainstVendor(err):
			b.breaker.RecordFailure(ctx)
		}
		if err != nil {
			errs <- err
		}
	}()

	return deltas, errs
}

// countsAgainstVendor is false for caller mistakes and cancellations.
func countsAgainstVendor(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, domain.ErrTransport) {
		return true
	}
	var ve *VendorError
	if errors.As(err, &ve) {
		return ve.Retryable()
	}
	return false
}
