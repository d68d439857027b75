package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"os"
	"strings"
)

var (
	ErrMissingBearer = errors.New("missing bearer token")
	ErrInvalidToken  = errors.New("invalid token")
)

// Claims identify the caller of an authenticated request.
type Claims struct {
	Subject string
	Issuer  string
	Token   string
}

type Authenticator interface {
	Authenticate(r *http.Request) (Claims, error)
}

// TokenAuthenticator accepts a set of static bearer tokens mapped to
// subject names.
type TokenAuthenticator struct {
	Tokens map[string]string
	Issuer string
}

// NewAuthenticatorFromEnv accepts SPONSORGATE_DEV_TOKEN as the "dev" subject.
func NewAuthenticatorFromEnv() *TokenAuthenticator {
	return NewTokenAuthenticator(os.Getenv("SPONSORGATE_DEV_TOKEN"))
}

func NewTokenAuthenticator(devToken string) *TokenAuthenticator {
	a := &TokenAuthenticator{Tokens: map[string]string{}, Issuer: "sponsorgate-dev"}
	if devToken != "" {
		a.Tokens[devToken] = "dev"
	}
	return a
}

func (a *TokenAuthenticator) Authenticate(r *http.Request) (Claims, error) {
	bearer, err := extractBearer(r)
	if err != nil {
		return Claims{}, err
	}
	for token, subject := range a.Tokens {
		if subtle.ConstantTimeCompare([]byte(bearer), []byte(token)) == 1 {
			return Claims{Subject: subject, Issuer: a.Issuer, Token: bearer}, nil
		}
	}
	return Claims{}, ErrInvalidToken
}

func extractBearer(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingBearer
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return "", ErrInvalidToken
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return "", ErrInvalidToken
	}
	return token, nil
}
