package auth

import (
	"context"
	"errors"
	"os"
	"strings"
)

// ErrNoSession means there is no authenticated session to take a
// credential from.
var ErrNoSession = errors.New("auth: no authenticated session")

// Provider hands out a fresh bearer credential per outgoing action.
type Provider interface {
	Credential(ctx context.Context) (string, error)
}

// Func adapts a function to Provider.
type Func func(ctx context.Context) (string, error)

func (f Func) Credential(ctx context.Context) (string, error) { return f(ctx) }

// Static always returns the same token.
type Static string

func (s Static) Credential(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.TrimSpace(string(s)) == "" {
		return "", ErrNoSession
	}
	return string(s), nil
}

// Env reads an access token, falling back to an API key, from the
// environment on every call so rotated values are picked up.
type Env struct {
	TokenVar  string
	APIKeyVar string
}

func DefaultEnv() Env {
	return Env{TokenVar: "BOOKFEED_TOKEN", APIKeyVar: "BOOKFEED_API_KEY"}
}

func (e Env) Credential(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	for _, name := range []string{e.TokenVar, e.APIKeyVar} {
		if name == "" {
			continue
		}
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			return v, nil
		}
	}
	return "", ErrNoSession
}

// Chain tries providers in order and returns the first credential. It
// stops early on errors other than ErrNoSession.
type Chain []Provider

func (c Chain) Credential(ctx context.Context) (string, error) {
	for _, p := range c {
		tok, err := p.Credential(ctx)
		if err == nil && tok != "" {
			return tok, nil
		}
		if err != nil && !errors.Is(err, ErrNoSession) {
			return "", err
		}
	}
	return "", ErrNoSession
}

// Configured prefers a configured token, then a configured API key, then
// the environment.
func Configured(token, apiKey string) Chain {
	return Chain{Static(token), Static(apiKey), DefaultEnv()}
}
