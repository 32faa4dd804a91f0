// Package auth turns bearer tokens into callers. Tokens are HMAC-signed JWTs whose subject is
// the caller id; role, permissions, and home environment ride along as private claims.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/qualys/envdb/internal/config"
	"github.com/qualys/envdb/internal/models"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
	ErrNoSecret     = errors.New("jwt secret is not configured")
)

type Claims struct {
	Role        models.Role        `json:"role"`
	Permissions []string           `json:"permissions,omitempty"`
	Environment models.Environment `json:"environment,omitempty"`
	jwt.RegisteredClaims
}

// Caller converts validated claims into the identity the access controller checks.
func (c *Claims) Caller() *models.Caller {
	return &models.Caller{
		ID:          c.Subject,
		Role:        c.Role,
		Permissions: append([]string(nil), c.Permissions...),
		Environment: c.Environment,
	}
}

type Config struct {
	JWTSecret   string
	Issuer      string
	TokenExpiry time.Duration
}

func ConfigFrom(cfg config.AuthConfig) Config {
	return Config{JWTSecret: cfg.JWTSecret, Issuer: cfg.Issuer, TokenExpiry: cfg.TokenExpiry}
}

type Service struct {
	config Config
	now    func() time.Time
}

func NewService(cfg Config) *Service {
	if cfg.TokenExpiry == 0 {
		cfg.TokenExpiry = time.Hour
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "envdb"
	}
	return &Service{config: cfg, now: time.Now}
}

// IssueToken signs a token for caller. A non-positive ttl uses the configured expiry.
func (s *Service) IssueToken(caller models.Caller, ttl time.Duration) (string, time.Time, error) {
	if s.config.JWTSecret == "" {
		return "", time.Time{}, ErrNoSecret
	}
	if caller.ID == "" {
		return "", time.Time{}, errors.New("caller id is required")
	}
	if ttl <= 0 {
		ttl = s.config.TokenExpiry
	}

	now := s.now()
	expiresAt := now.Add(ttl)
	claims := &Claims{
		Role:        caller.Role,
		Permissions: caller.Permissions,
		Environment: caller.Environment,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    s.config.Issuer,
			Subject:   caller.ID,
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.config.JWTSecret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing token: %w", err)
	}
	return token, expiresAt, nil
}

func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	if s.config.JWTSecret == "" {
		return nil, ErrInvalidToken
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.config.JWTSecret), nil
	}, jwt.WithIssuer(s.config.Issuer), jwt.WithTimeFunc(s.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

type contextKey string

const callerContextKey contextKey = "caller"

func WithCaller(ctx context.Context, caller *models.Caller) context.Context {
	return context.WithValue(ctx, callerContextKey, caller)
}

func CallerFromContext(ctx context.Context) (*models.Caller, bool) {
	caller, ok := ctx.Value(callerContextKey).(*models.Caller)
	return caller, ok && caller != nil
}

// Middleware rejects requests without a valid bearer token and stores the caller in the
// request context.
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "missing authorization header", http.StatusUnauthorized)
			return
		}

		parts := strings.Fields(authHeader)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			http.Error(w, "invalid authorization header format", http.StatusUnauthorized)
			return
		}

		claims, err := s.ValidateToken(parts[1])
		if err != nil {
			if errors.Is(err, ErrTokenExpired) {
				http.Error(w, "token expired", http.StatusUnauthorized)
				return
			}
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), claims.Caller())))
	})
}

func RequireRole(roles ...models.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller, ok := CallerFromContext(r.Context())
			if !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			for _, role := range roles {
				if caller.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			http.Error(w, "forbidden", http.StatusForbidden)
		})
	}
}
