// Package auth issues and checks operator bearer tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/votoclaro/electsync/internal/clock"
	"github.com/votoclaro/electsync/internal/config"
)

type contextKey string

const subjectContextKey contextKey = "subject"

const (
	issuer       = "electsync"
	operatorName = "operator"
)

var (
	// ErrInvalidCredentials is returned for a wrong or unconfigured password.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidToken covers malformed, expired and foreign tokens.
	ErrInvalidToken = errors.New("invalid or expired token")
)

// Claims represents the JWT claims
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator validates the operator password and signs tokens.
type Authenticator struct {
	secret       []byte
	passwordHash string
	duration     time.Duration
	clock        clock.Clock
}

// New builds an Authenticator from config. Without a password hash every
// login is refused.
func New(cfg config.AuthConfig, clk clock.Clock) *Authenticator {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Authenticator{
		secret:       []byte(cfg.JWTSecret),
		passwordHash: cfg.AdminPasswordHash,
		duration:     cfg.TokenDuration,
		clock:        clk,
	}
}

// Login checks the password and returns a signed token with its expiry.
func (a *Authenticator) Login(password string) (string, time.Time, error) {
	if a.passwordHash == "" || !CheckPassword(password, a.passwordHash) {
		return "", time.Time{}, ErrInvalidCredentials
	}
	return a.GenerateToken(operatorName)
}

// GenerateToken creates a new JWT token
func (a *Authenticator) GenerateToken(subject string) (string, time.Time, error) {
	now := a.clock.Now()
	expires := now.Add(a.duration)
	claims := Claims{
		Role: operatorName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expires, nil
}

// ValidateToken validates a JWT token and returns its subject.
func (a *Authenticator) ValidateToken(tokenString string) (string, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	},
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(a.clock.Now),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil || !token.Valid || claims.Role != operatorName {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// Middleware rejects requests without a valid bearer token.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header required", http.StatusUnauthorized)
			return
		}

		scheme, tokenString, ok := strings.Cut(authHeader, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || tokenString == "" {
			http.Error(w, "Invalid authorization header format", http.StatusUnauthorized)
			return
		}

		subject, err := a.ValidateToken(tokenString)
		if err != nil {
			http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), subjectContextKey, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SubjectFromContext extracts the authenticated subject from the request context.
func SubjectFromContext(ctx context.Context) (string, bool) {
	subject, ok := ctx.Value(subjectContextKey).(string)
	return subject, ok
}

// HashPassword hashes a password using bcrypt
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(bytes), err
}

// CheckPassword compares a password with a hash
func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
