// Package credentials supplies the token the assistant transport attaches to
// each request, and the user identity carried by that token.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoCredential is returned when an identity is requested but no token is set.
var ErrNoCredential = errors.New("credentials: no token available")

// Provider is the credential contract consumed by the transport. An empty
// token with a nil error means "proceed unauthenticated".
type Provider interface {
	Token(ctx context.Context) (string, error)
}

// Static always returns the same token.
type Static string

func (s Static) Token(_ context.Context) (string, error) {
	return strings.TrimSpace(string(s)), nil
}

// Getter is implemented by paramstore.Client.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// ParamStore reads the token from a parameter on every call, so a rotated
// credential is used by the very next request.
type ParamStore struct {
	getter Getter
	name   string
}

// tokenPayload is the JSON shape accepted for stored tokens.
type tokenPayload struct {
	Token string `json:"token"`
}

func NewParamStore(getter Getter, name string) (*ParamStore, error) {
	if getter == nil {
		return nil, errors.New("credentials: getter must not be nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("credentials: parameter name must not be empty")
	}
	return &ParamStore{getter: getter, name: name}, nil
}

func (p *ParamStore) Token(ctx context.Context) (string, error) {
	raw, err := p.getter.GetParameter(ctx, p.name)
	if err != nil {
		return "", fmt.Errorf("credentials: fetch token: %w", err)
	}
	return parseTokenValue(raw)
}

// parseTokenValue accepts either {"token": "..."} or the bare token.
func parseTokenValue(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "{") {
		return raw, nil
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("credentials: unmarshal token value as JSON: %w", err)
	}
	if tp.Token == "" {
		return "", errors.New("credentials: token is empty")
	}
	return tp.Token, nil
}

// User is the identity carried in the credential's claims.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// IdentityFromToken reads the user claims of a JWT credential. The signature
// is not verified; the remote service is the one that authenticates.
func IdentityFromToken(token string) (User, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return User{}, ErrNoCredential
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return User{}, fmt.Errorf("credentials: parse token: %w", err)
	}

	sub, _ := claims["sub"].(string)
	email, _ := claims["email"].(string)
	name, _ := claims["name"].(string)
	if sub == "" && email == "" {
		return User{}, errors.New("credentials: token carries no user claims")
	}
	return User{ID: sub, Email: email, Name: name}, nil
}

// Identity resolves the current token from p and decodes its user claims.
func Identity(ctx context.Context, p Provider) (User, error) {
	token, err := p.Token(ctx)
	if err != nil {
		return User{}, err
	}
	return IdentityFromToken(token)
}
