// Package identity resolves bearer credentials to the user a connection acts
// for, and assigns each user a stable cursor colour.
package identity

import (
	"context"
	"errors"
)

// ErrInvalidCredential is returned by providers for absent, malformed,
// badly signed or expired credentials.
var ErrInvalidCredential = errors.New("identity: invalid credential")

// Identity is the authenticated user behind a connection.
type Identity struct {
	UserID      string
	DisplayName string
	Verified    bool
}

// Provider resolves a bearer credential.
type Provider interface {
	Resolve(ctx context.Context, credential string) (Identity, error)
}

var palette = [...]string{
	"#60a5fa",
	"#34d399",
	"#f472b6",
	"#fb923c",
	"#a78bfa",
	"#facc15",
	"#22d3ee",
	"#f87171",
	"#4ade80",
	"#e879f9",
}

// Color returns the cursor colour for a user. The same id always maps to
// the same colour on every process.
func Color(userID string) string {
	var h uint32
	for i := 0; i < len(userID); i++ {
		h = h*31 + uint32(userID[i])
	}
	return palette[h%uint32(len(palette))]
}
