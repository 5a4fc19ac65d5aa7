// Package auth provides PIN login for the root and family principals and
// JWT session tokens for the HTTP surface.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"
)

// Errors returned by the auth service.
var (
	ErrUnknownPrincipal = errors.New("auth: unknown principal")
	ErrInvalidPIN       = errors.New("auth: invalid pin")
	ErrTooManyAttempts  = errors.New("auth: too many login attempts")
	ErrInvalidToken     = errors.New("auth: invalid or expired token")
)

// Role distinguishes the single root principal from the family allow-list.
type Role string

const (
	RoleRoot   Role = "root"
	RoleFamily Role = "family"
)

// Principal is an authenticated caller.
type Principal struct {
	Name string `json:"name"`
	Role Role   `json:"role"`
}

// IsRoot reports whether p is the root principal.
func (p Principal) IsRoot() bool { return p.Role == RoleRoot }

// Config configures the auth service.
type Config struct {
	PIN       string
	Root      string
	Family    []string
	JWTSecret string
	TokenTTL  time.Duration
}

// Service authenticates principals against the shared PIN and issues JWTs.
type Service struct {
	pin       []byte
	root      string
	family    map[string]bool
	jwtSecret []byte
	jwtTTL    time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewService creates a new auth service. Login attempts are limited per
// principal to a burst of 5 refilling at one per 10 seconds, since the PIN
// is short. Unknown names share one limiter.
func NewService(cfg Config) *Service {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	family := make(map[string]bool, len(cfg.Family))
	for _, f := range cfg.Family {
		family[strings.ToLower(f)] = true
	}
	return &Service{
		pin:       []byte(cfg.PIN),
		root:      strings.ToLower(cfg.Root),
		family:    family,
		jwtSecret: []byte(cfg.JWTSecret),
		jwtTTL:    ttl,
		limiters:  make(map[string]*rate.Limiter),
	}
}

// Lookup resolves a name to a principal without checking the PIN.
func (s *Service) Lookup(name string) (Principal, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	switch {
	case n == "":
		return Principal{}, ErrUnknownPrincipal
	case n == s.root:
		return Principal{Name: n, Role: RoleRoot}, nil
	case s.family[n]:
		return Principal{Name: n, Role: RoleFamily}, nil
	default:
		return Principal{}, ErrUnknownPrincipal
	}
}

// Authenticate verifies the PIN for the named principal.
func (s *Service) Authenticate(name, pin string) (Principal, error) {
	p, err := s.Lookup(name)
	if !s.limiter(p.Name).Allow() {
		return Principal{}, ErrTooManyAttempts
	}
	if err != nil {
		return Principal{}, err
	}
	if subtle.ConstantTimeCompare([]byte(pin), s.pin) != 1 {
		return Principal{}, ErrInvalidPIN
	}
	return p, nil
}

func (s *Service) limiter(name string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[name]
	if !ok {
		l = rate.NewLimiter(rate.Every(10*time.Second), 5)
		s.limiters[name] = l
	}
	return l
}

// Login authenticates and issues a signed token.
func (s *Service) Login(name, pin string) (string, Principal, error) {
	p, err := s.Authenticate(name, pin)
	if err != nil {
		return "", Principal{}, err
	}
	token, err := s.issueJWT(p)
	if err != nil {
		return "", Principal{}, fmt.Errorf("auth: issue JWT: %w", err)
	}
	return token, p, nil
}

// ValidateJWT verifies a token and returns the principal it was issued to.
// The role is re-resolved from the current allow-list so that removing a
// family member invalidates their outstanding tokens.
func (s *Service) ValidateJWT(_ context.Context, tokenStr string) (Principal, error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method: %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return Principal{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Principal{}, ErrInvalidToken
	}
	name, _ := claims["sub"].(string)
	p, err := s.Lookup(name)
	if err != nil {
		return Principal{}, ErrInvalidToken
	}
	return p, nil
}

func (s *Service) issueJWT(p Principal) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  p.Name,
		"role": string(p.Role),
		"iat":  jwt.NewNumericDate(now),
		"exp":  jwt.NewNumericDate(now.Add(s.jwtTTL)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// --- Middleware ---

type contextKey string

const principalKey contextKey = "principal"

// Middleware validates bearer tokens and injects the Principal into the
// request context. Invalid or missing tokens result in a 401 response.
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" || !strings.HasPrefix(header, "Bearer ") {
			http.Error(w, `{"error":{"code":"UNAUTHORIZED","message":"missing or invalid authorization header"}}`, http.StatusUnauthorized)
			return
		}

		p, err := s.ValidateJWT(r.Context(), strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			http.Error(w, `{"error":{"code":"UNAUTHORIZED","message":"invalid or expired token"}}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromContext extracts the Principal from ctx.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}
