// Package auth provides the bearer credential sources the stream client reads
// before every connection attempt.
package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrNoCredential means the source exists but holds no token.
	ErrNoCredential = errors.New("no credential available")
	// ErrExpired means the token is a JWT whose exp claim has passed.
	ErrExpired = errors.New("credential expired")
)

// Source yields the current token. Implementations must be safe to call from
// several goroutines and should not cache, so rotation is picked up.
type Source interface {
	Token(ctx context.Context) (string, error)
}

type SourceFunc func(ctx context.Context) (string, error)

func (f SourceFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

// Static always returns the same token.
type Static string

func (s Static) Token(context.Context) (string, error) {
	token := strings.TrimSpace(string(s))
	if token == "" {
		return "", ErrNoCredential
	}
	return token, nil
}

// File reads the token from disk on every call.
type File struct {
	Path string
}

func (f File) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	raw, err := os.ReadFile(f.Path)
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	token := strings.TrimSpace(string(raw))
	if token == "" {
		return "", fmt.Errorf("%w: %s is empty", ErrNoCredential, f.Path)
	}
	return token, nil
}

// Env reads the token from an environment variable on every call.
type Env struct {
	Name string
}

func (e Env) Token(context.Context) (string, error) {
	token := strings.TrimSpace(os.Getenv(e.Name))
	if token == "" {
		return "", fmt.Errorf("%w: %s is unset", ErrNoCredential, e.Name)
	}
	return token, nil
}

// Chain returns the first source that yields a token. Errors from earlier
// sources are kept and reported if none succeed.
func Chain(sources ...Source) Source {
	return SourceFunc(func(ctx context.Context) (string, error) {
		var errs []error
		for _, src := range sources {
			if src == nil {
				continue
			}
			token, err := src.Token(ctx)
			if err == nil {
				return token, nil
			}
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			errs = append(errs, err)
		}
		if len(errs) == 0 {
			return "", ErrNoCredential
		}
		return "", errors.Join(errs...)
	})
}

// WithExpiryCheck wraps src so a JWT whose exp claim is in the past is
// refused before it ever reaches the server. The signature is not verified
// here; that is the server's job. Tokens that are not JWTs pass through.
func WithExpiryCheck(src Source) Source {
	return expiryCheck{src: src, now: time.Now}
}

type expiryCheck struct {
	src Source
	now func() time.Time
}

func (c expiryCheck) Token(ctx context.Context) (string, error) {
	token, err := c.src.Token(ctx)
	if err != nil {
		return "", err
	}
	exp, ok := ExpiresAt(token)
	if ok && !c.now().Before(exp) {
		return "", fmt.Errorf("%w at %s", ErrExpired, exp.UTC().Format(time.RFC3339))
	}
	return token, nil
}

// ExpiresAt reports the exp claim of a JWT. ok is false for opaque tokens and
// for JWTs without exp.
func ExpiresAt(token string) (time.Time, bool) {
	if strings.Count(token, ".") != 2 {
		return time.Time{}, false
	}
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
