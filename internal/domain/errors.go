package domain

import "errors"

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrNotFound           = errors.New("not found")
	ErrBadRequest         = errors.New("bad request")
	ErrRateLimited        = errors.New("rate limited")
	ErrModelNotAllowed    = errors.New("model not allowed for user class")
	ErrMessageTooLong     = errors.New("message exceeds token limit")
	ErrConfiguration      = errors.New("configuration error")
	ErrDecryption         = errors.New("decryption failed")
	ErrTransport          = errors.New("transport failure")
	ErrToolExecution      = errors.New("tool execution failed")
	ErrCircuitBreakerOpen = errors.New("circuit breaker open")
	ErrNoResumableStream  = errors.New("no resumable stream")
	ErrChatNotFound       = errors.New("chat not found")
	ErrDocumentNotFound   = errors.New("document not found")
)

// Quota errors wrap ErrRateLimited so callers can test for either.
var (
	ErrDailyQuota = &quotaError{kind: "daily_quota", msg: "daily message quota exceeded"}
	ErrGuestQuota = &quotaError{kind: "guest_quota", msg: "free tier limit reached, add your own API key to continue"}
)

type quotaError struct {
	kind string
	msg  string
}

func (e *quotaError) Error() string { return e.msg }

func (e *quotaError) Unwrap() error { return ErrRateLimited }

// Kind returns a stable identifier clients use to tell the limits apart.
func (e *quotaError) Kind() string { return e.kind }

// QuotaKind reports which limit rejected err, or "" when err is not a quota error.
func QuotaKind(err error) string {
	var qe *quotaError
	if errors.As(err, &qe) {
		return qe.kind
	}
	return ""
}
