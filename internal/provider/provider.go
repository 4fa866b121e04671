// Package provider defines the vendor adapter contract and the factory that
// binds a catalog model to a freshly built adapter for each request.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Daggahh/flow3.chat/internal/domain"
)

// ToolSpec describes one callable tool in JSON Schema terms.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

type Options struct {
	MaxTokens   int
	Temperature *float64
	System      string
	Tools       []ToolSpec
}

// Adapter streams completions from one vendor. GenerateCompletion returns
// immediately; a goroutine owns the vendor response and closes both channels
// when it ends. At most one error is sent.
type Adapter interface {
	ID() domain.ProviderID
	GenerateCompletion(ctx context.Context, messages []domain.Message, modelID string, opts Options) (<-chan domain.DeltaEvent, <-chan error)
	EstimateTokens(messages []domain.Message) int
	// ValidateAPIKey reports whether the vendor accepts the adapter's key.
	ValidateAPIKey(ctx context.Context) (bool, error)
}

// ImageGenerator is implemented by adapters that can render images.
type ImageGenerator interface {
	// GenerateImage returns a base64 encoded PNG.
	GenerateImage(ctx context.Context, prompt, vendorModel string) (string, error)
}

// VendorError is a non-2xx answer from a vendor, or a dispatch refused on its
// behalf. Body is for logs only.
type VendorError struct {
	Provider   domain.ProviderID
	StatusCode int
	Body       string
	Err        error
}

func (e *VendorError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: status=%d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s error: status=%d body=%s", e.Provider, e.StatusCode, e.Body)
}

func (e *VendorError) Unwrap() error { return e.Err }

// Retryable reports whether the same request may succeed if sent again.
func (e *VendorError) Retryable() bool {
	if errors.Is(e.Err, domain.ErrCircuitBreakerOpen) {
		return false
	}
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// IsRetryable reports whether err is a retryable vendor failure.
func IsRetryable(err error) bool {
	var ve *VendorError
	return errors.As(err, &ve) && ve.Retryable()
}

// EstimateTokens approximates prompt size as four characters per token.
func EstimateTokens(messages []domain.Message) int {
	chars := 0
	for _, m := range messages {
		chars += len(m.Content)
		for _, tc := range m.ToolCalls {
			chars += len(tc.Name) + len(tc.Args)
		}
	}
	return chars / 4
}

// NormalizeFinishReason turns vendor spellings like "tool_calls" into the
// dashed form used on the wire.
func NormalizeFinishReason(reason string) string {
	return strings.ReplaceAll(strings.ToLower(reason), "_", "-")
}

// ValidationResult maps the status of a cheap authenticated call to the
// ValidateAPIKey contract.
func ValidationResult(p domain.ProviderID, resp *http.Response) (bool, error) {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return true, nil
	case resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusBadRequest:
		return false, nil
	default:
		return false, &VendorError{Provider: p, StatusCode: resp.StatusCode}
	}
}

// TransportError marks a failed round trip to a vendor.
func TransportError(p domain.ProviderID, err error) error {
	return fmt.Errorf("%s: %w: %v", p, domain.ErrTransport, err)
}

// Errored returns channels that yield only err.
func Errored(err error) (<-chan domain.DeltaEvent, <-chan error) {
	deltas := make(chan domain.DeltaEvent)
	errs := make(chan error, 1)
	errs <- err
	close(deltas)
	close(errs)
	return deltas, errs
}
