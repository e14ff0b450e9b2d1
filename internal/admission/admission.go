// Package admission decides, before the WebSocket handshake completes,
// whether a connection request may enter the engine.
package admission

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"collabcanvas/internal/identity"
)

var (
	// ErrUnauthenticated: the credential is absent, invalid or expired.
	ErrUnauthenticated = errors.New("admission: unauthenticated")
	// ErrForbidden: the credential is valid but the user is not verified.
	ErrForbidden = errors.New("admission: forbidden")
)

// Authenticator runs synchronously in the upgrade path.
type Authenticator struct {
	provider identity.Provider
}

func New(provider identity.Provider) *Authenticator {
	return &Authenticator{provider: provider}
}

// Authenticate returns the verified identity carried by r.
func (a *Authenticator) Authenticate(r *http.Request) (identity.Identity, error) {
	credential := Credential(r)
	if credential == "" {
		return identity.Identity{}, fmt.Errorf("%w: no credential", ErrUnauthenticated)
	}

	id, err := a.provider.Resolve(r.Context(), credential)
	if err != nil {
		return identity.Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if !id.Verified {
		return identity.Identity{}, fmt.Errorf("%w: user %s is not verified", ErrForbidden, id.UserID)
	}
	return id, nil
}

// Credential extracts the bearer credential from the token query parameter,
// falling back to the Authorization header. Browsers cannot set headers on
// WebSocket requests, hence the query parameter first.
func Credential(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	return ""
}

// Status maps an admission error to the HTTP status of the refused upgrade.
func Status(err error) int {
	switch {
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	}
	return http.StatusInternalServerError
}
