package identity

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
)

// accessClaims covers both the first-party access tokens ({userId, email})
// and OIDC-style tokens (sub, preferred_username, email_verified).
type accessClaims struct {
	jwt.RegisteredClaims
	UserID            string `json:"userId"`
	Email             string `json:"email"`
	Name              string `json:"name"`
	PreferredUsername string `json:"preferred_username"`
	Verified          *bool  `json:"verified"`
	EmailVerified     *bool  `json:"email_verified"`
}

// JWTProvider validates signed access tokens.
type JWTProvider struct {
	parser  *jwt.Parser
	keyfunc jwt.Keyfunc
	jwks    *keyfunc.JWKS
}

// NewHMACProvider verifies HS256/384/512 tokens signed with secret. If
// issuer is non-empty the iss claim must match it.
func NewHMACProvider(secret []byte, issuer string) *JWTProvider {
	return &JWTProvider{
		parser: newParser(issuer, "HS256", "HS384", "HS512"),
		keyfunc: func(*jwt.Token) (interface{}, error) {
			return secret, nil
		},
	}
}

// NewJWKSProvider verifies asymmetric tokens against keys fetched from
// jwksURL. Keys are refreshed in the background until Close; refresh
// failures are logged to logger.
func NewJWKSProvider(jwksURL, issuer string, logger *slog.Logger) (*JWTProvider, error) {
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{
		Ctx:                 context.Background(),
		RefreshInterval:     5 * time.Minute,
		RefreshRateLimit:    time.Minute,
		RefreshUnknownKID:   true,
		RefreshErrorHandler: refreshErrorHandler(logger.With("component", "jwks", "url", jwksURL)),
	})
	if err != nil {
		return nil, fmt.Errorf("fetch JWKS from %s: %w", jwksURL, err)
	}
	return &JWTProvider{
		parser:  newParser(issuer, "RS256", "RS384", "RS512", "ES256", "ES384", "PS256"),
		keyfunc: jwks.Keyfunc,
		jwks:    jwks,
	}, nil
}

func refreshErrorHandler(logger *slog.Logger) func(error) {
	return func(err error) {
		logger.Error("JWKS refresh failed", "error", err)
	}
}

func newParser(issuer string, methods ...string) *jwt.Parser {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(methods),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return jwt.NewParser(opts...)
}

// Resolve implements Provider.
func (p *JWTProvider) Resolve(_ context.Context, credential string) (Identity, error) {
	if credential == "" {
		return Identity{}, fmt.Errorf("%w: empty", ErrInvalidCredential)
	}

	claims := &accessClaims{}
	token, err := p.parser.ParseWithClaims(credential, claims, p.keyfunc)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if !token.Valid {
		return Identity{}, fmt.Errorf("%w: token is not valid", ErrInvalidCredential)
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return Identity{}, fmt.Errorf("%w: no user id claim", ErrInvalidCredential)
	}

	return Identity{
		UserID:      userID,
		DisplayName: displayName(claims, userID),
		Verified:    verified(claims),
	}, nil
}

// Close stops the JWKS refresh goroutine, if any.
func (p *JWTProvider) Close() {
	if p.jwks != nil {
		p.jwks.EndBackground()
	}
}

func displayName(c *accessClaims, fallback string) string {
	switch {
	case c.Name != "":
		return c.Name
	case c.PreferredUsername != "":
		return c.PreferredUsername
	case c.Email != "":
		local, _, _ := strings.Cut(c.Email, "@")
		return local
	}
	return fallback
}

// verified requires an explicit claim; a token that says nothing about
// verification is not verified.
func verified(c *accessClaims) bool {
	if c.Verified != nil {
		return *c.Verified
	}
	if c.EmailVerified != nil {
		return *c.EmailVerified
	}
	return false
}
