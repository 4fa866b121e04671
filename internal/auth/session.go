// Package auth verifies the signed session tokens issued to browser clients.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Daggahh/flow3.chat/internal/domain"
	"github.com/golang-jwt/jwt/v4"
)

// SessionCookie is read when no Authorization header is present.
const SessionCookie = "flow3_session"

var (
	ErrInvalidToken = errors.New("invalid session token")
	ErrExpiredToken = errors.New("session token expired")
)

type Session struct {
	UserID string
	Class  domain.UserClass
	Email  string
}

type claims struct {
	jwt.RegisteredClaims
	Type  domain.UserClass `json:"type"`
	Email string           `json:"email,omitempty"`
}

// Verifier signs and checks HS256 session tokens.
type Verifier struct {
	secret []byte
	now    func() time.Time
}

func NewVerifier(secret string) (*Verifier, error) {
	if secret == "" {
		return nil, fmt.Errorf("%w: AUTH_SECRET is required", domain.ErrConfiguration)
	}
	return &Verifier{secret: []byte(secret), now: time.Now}, nil
}

func (v *Verifier) Issue(s Session, ttl time.Duration) (string, error) {
	now := v.now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   s.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Type:  s.Class,
		Email: s.Email,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign session: %w", err)
	}
	return token, nil
}

func (v *Verifier) Verify(token string) (*Session, error) {
	var c claims
	_, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		var ve *jwt.ValidationError
		if errors.As(err, &ve) && ve.Errors&jwt.ValidationErrorExpired != 0 {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if c.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	class := c.Type
	if class != domain.UserClassGuest && class != domain.UserClassRegular {
		class = domain.UserClassRegular
	}
	return &Session{UserID: c.Subject, Class: class, Email: c.Email}, nil
}

type contextKey string

const sessionContextKey contextKey = "session"

func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionContextKey, s)
}

func SessionFromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(sessionContextKey).(*Session)
	return s, ok
}

// Middleware attaches the caller's session to the request context when a
// valid token is presented. Requests without one pass through unchanged and
// handlers decide whether a session is required.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := ExtractBearerToken(r)
		if token == "" {
			if c, err := r.Cookie(SessionCookie); err == nil {
				token = c.Value
			}
		}
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}

		s, err := v.Verify(token)
		if err != nil {
			slog.Debug("ignoring session token", "error", err, "path", r.URL.Path)
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), s)))
	})
}

func ExtractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}
