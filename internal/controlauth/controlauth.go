// Package controlauth guards the HTTP/WS control-plane surface with a
// bearer token, adapted from the teacher's cookie+TOTP browser login
// (auth/auth.go) to a stateless server-to-server scheme: the
// orchestrator holds a pre-provisioned admin token, exchanges it once
// for a short-lived JWT, and attaches that JWT as `Authorization: Bearer`
// on every subsequent request.
package controlauth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var errInvalidCredentials = errors.New("invalid credentials")

// Manager issues and validates control-plane bearer tokens.
type Manager struct {
	adminTokenHash []byte
	jwtSecret      []byte
	tokenTTL       time.Duration
}

func NewManager(adminTokenHash string, jwtSecret []byte, tokenTTL time.Duration) *Manager {
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	return &Manager{
		adminTokenHash: []byte(adminTokenHash),
		jwtSecret:      jwtSecret,
		tokenTTL:       tokenTTL,
	}
}

// HashToken bcrypt-hashes a plaintext admin token for storage in config
// (used by the sandboxd "admin set-token" flow).
func HashToken(plaintext string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Exchange verifies adminToken against the stored hash and, on success,
// mints a signed JWT the caller presents on every later request.
func (m *Manager) Exchange(adminToken string) (string, error) {
	if bcrypt.CompareHashAndPassword(m.adminTokenHash, []byte(adminToken)) != nil {
		return "", errInvalidCredentials
	}
	claims := jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(m.tokenTTL)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.jwtSecret)
}

func (m *Manager) bearerFrom(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", errInvalidCredentials
	}
	return strings.TrimPrefix(h, prefix), nil
}

// ValidateRequest checks the bearer token on r against the JWT secret.
func (m *Manager) ValidateRequest(r *http.Request) error {
	raw, err := m.bearerFrom(r)
	if err != nil {
		return err
	}
	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errInvalidCredentials
		}
		return m.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return errInvalidCredentials
	}
	return nil
}

// ValidateToken is the same check ValidateRequest performs, exposed
// directly for the WebSocket upgrade path where the token arrives as the
// `token` query parameter rather than a header.
func (m *Manager) ValidateToken(raw string) error {
	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errInvalidCredentials
		}
		return m.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return errInvalidCredentials
	}
	return nil
}

// Middleware wraps an http.Handler, rejecting any request without a
// valid bearer token.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := m.ValidateRequest(r); err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
