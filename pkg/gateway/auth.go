package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// SecretHeader carries the shared secret on /ws upgrades and /rpc posts.
const SecretHeader = "X-Ranya-Secret"

// AuthHandler checks the optional shared secret. An empty secret admits every request.
type AuthHandler struct {
	sharedSecret string
}

// NewAuthHandler creates a new authentication handler
func NewAuthHandler(sharedSecret string) *AuthHandler {
	return &AuthHandler{sharedSecret: sharedSecret}
}

// Enabled reports whether a secret is configured.
func (a *AuthHandler) Enabled() bool {
	return a.sharedSecret != ""
}

// Verify compares presented against the shared secret in constant time.
func (a *AuthHandler) Verify(presented string) bool {
	if !a.Enabled() {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(a.sharedSecret), []byte(presented)) == 1
}

// Authorize reads the secret from the header, falling back to a bearer
// token. Browsers cannot set headers on a websocket upgrade, so the
// "secret" query parameter is accepted on /ws.
func (a *AuthHandler) Authorize(r *http.Request) bool {
	if !a.Enabled() {
		return true
	}
	if v := r.Header.Get(SecretHeader); v != "" {
		return a.Verify(v)
	}
	if v, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return a.Verify(v)
	}
	if r.URL.Path == "/ws" {
		return a.Verify(r.URL.Query().Get("secret"))
	}
	return false
}
