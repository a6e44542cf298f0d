// Package auth authenticates API callers from bearer tokens and decides who
// is an administrator.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"

	"github.com/digkill/promptor/internal/config"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// Identity is an authenticated caller.
type Identity struct {
	UserID string
	Email  string
}

// Provider turns a request into an identity.
type Provider interface {
	Authenticate(r *http.Request) (*Identity, error)
}

// NewProvider builds the provider selected by AUTH_MODE.
func NewProvider(ctx context.Context, cfg config.Config) (Provider, error) {
	switch cfg.AuthMode {
	case "jwt":
		return NewJWTProvider([]byte(cfg.JWTSecret), cfg.JWTIssuer), nil
	case "oidc":
		return NewOIDCProvider(ctx, cfg.OIDCIssuerURL, cfg.OIDCClientID)
	}
	return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		if token := strings.TrimSpace(header[7:]); token != "" {
			return token, nil
		}
	}
	return "", ErrMissingToken
}

// Claims carried by HS256 tokens. The subject is the user id.
type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

type JWTProvider struct {
	secret []byte
	issuer string
}

func NewJWTProvider(secret []byte, issuer string) *JWTProvider {
	return &JWTProvider{secret: secret, issuer: issuer}
}

func (p *JWTProvider) Authenticate(r *http.Request) (*Identity, error) {
	raw, err := bearerToken(r)
	if err != nil {
		return nil, err
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if p.issuer != "" {
		opts = append(opts, jwt.WithIssuer(p.issuer))
	}
	var claims Claims
	token, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) { return p.secret, nil }, opts...)
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: empty subject", ErrInvalidToken)
	}
	return &Identity{UserID: claims.Subject, Email: strings.ToLower(claims.Email)}, nil
}

// Sign issues an HS256 token for the given claims.
func (p *JWTProvider) Sign(claims Claims) (string, error) {
	if claims.Issuer == "" {
		claims.Issuer = p.issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
}

type idTokenVerifier interface {
	Verify(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)
}

// OIDCProvider accepts ID tokens issued by an OpenID Connect provider for the configured client.
type OIDCProvider struct {
	verifier idTokenVerifier
	claims   func(tok *oidc.IDToken, v any) error
}

func NewOIDCProvider(ctx context.Context, issuerURL, clientID string) (*OIDCProvider, error) {
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("discover oidc issuer: %w", err)
	}
	return &OIDCProvider{
		verifier: provider.Verifier(&oidc.Config{ClientID: clientID}),
		claims:   func(tok *oidc.IDToken, v any) error { return tok.Claims(v) },
	}, nil
}

func (p *OIDCProvider) Authenticate(r *http.Request) (*Identity, error) {
	raw, err := bearerToken(r)
	if err != nil {
		return nil, err
	}
	tok, err := p.verifier.Verify(r.Context(), raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	var claims struct {
		Email         string          `json:"email"`
		EmailVerified json.RawMessage `json:"email_verified"`
	}
	if err := p.claims(tok, &claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	email := ""
	if verified(claims.EmailVerified) {
		email = strings.ToLower(claims.Email)
	}
	return &Identity{UserID: tok.Subject, Email: email}, nil
}

// verified accepts both boolean and string encodings. Only an explicit true
// counts; a missing claim leaves the email unverified.
func verified(raw json.RawMessage) bool {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	return strings.EqualFold(s, "true")
}
