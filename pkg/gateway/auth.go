package gateway

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"
)

// AuthHandler checks the shared-secret bearer token.
type AuthHandler struct {
	sharedSecret string
}

// NewAuthHandler creates a handler. An empty secret disables auth.
func NewAuthHandler(sharedSecret string) *AuthHandler {
	return &AuthHandler{
		sharedSecret: sharedSecret,
	}
}

// Enabled reports whether requests must carry the secret.
func (a *AuthHandler) Enabled() bool {
	return a.sharedSecret != ""
}

// VerifyToken compares token to the shared secret in constant time.
func (a *AuthHandler) VerifyToken(token string) bool {
	// Hash both sides so the comparison does not leak the secret length.
	expected := sha256.Sum256([]byte(a.sharedSecret))
	got := sha256.Sum256([]byte(token))
	return subtle.ConstantTimeCompare(expected[:], got[:]) == 1
}

// Authorize accepts a request carrying "Authorization: Bearer <secret>".
// Websocket clients that cannot set headers may pass ?access_token=.
func (a *AuthHandler) Authorize(r *http.Request) bool {
	if !a.Enabled() {
		return true
	}
	token := bearerToken(r.Header.Get("Authorization"))
	if token == "" {
		token = r.URL.Query().Get("access_token")
	}
	if token == "" {
		return false
	}
	return a.VerifyToken(token)
}

func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
