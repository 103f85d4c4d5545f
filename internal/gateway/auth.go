package gateway

import (
	"errors"
	"net/http"
	"strings"
)

// subprotocolBearer is the WebSocket subprotocol browser clients offer to
// smuggle a bearer token: "Sec-WebSocket-Protocol: bearer, <token>". Browsers
// cannot set the Authorization header on an upgrade request.
const subprotocolBearer = "bearer"

// ErrUnauthorized is returned by verifiers when no valid token accompanies
// the request.
var ErrUnauthorized = errors.New("gateway: missing or unknown bearer token")

// TokenVerifier authenticates an incoming request and resolves the user it
// acts for. Deployments with a real identity provider plug their own
// implementation in; StaticTokens covers everything else.
type TokenVerifier interface {
	Verify(r *http.Request) (userID string, err error)
}

// StaticTokens verifies against a fixed token → user map from configuration.
type StaticTokens map[string]string

// Verify resolves the request's bearer token to a user ID.
func (t StaticTokens) Verify(r *http.Request) (string, error) {
	tok := BearerToken(r)
	if tok == "" {
		return "", ErrUnauthorized
	}
	userID, ok := t[tok]
	if !ok {
		return "", ErrUnauthorized
	}
	return userID, nil
}

// BearerToken extracts the token from the Authorization header or, failing
// that, from the subprotocol list. Returns "" when neither carries one.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
		return ""
	}

	// The subprotocol header is a comma-separated offer list; the token is
	// the entry following "bearer".
	var offers []string
	for _, h := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, p := range strings.Split(h, ",") {
			offers = append(offers, strings.TrimSpace(p))
		}
	}
	for i, p := range offers {
		if p == subprotocolBearer && i+1 < len(offers) {
			return offers[i+1]
		}
	}
	return ""
}
