package auth

import (
	"os"
	"strings"
)

// Source yields the current bearer token. An empty token with a nil error
// means signed out.
type Source interface {
	Token() (string, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func() (string, error)

func (f SourceFunc) Token() (string, error) { return f() }

// Env reads the token from an environment variable on every call.
func Env(name string) Source {
	return SourceFunc(func() (string, error) {
		return strings.TrimSpace(os.Getenv(name)), nil
	})
}

// Chain returns the first non-empty token from sources, in order. An error
// from one source is returned only if no later source yields a token.
func Chain(sources ...Source) Source {
	return SourceFunc(func() (string, error) {
		var firstErr error
		for _, s := range sources {
			tok, err := s.Token()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			if tok != "" {
				return tok, nil
			}
		}
		return "", firstErr
	})
}

// Static always returns token. Used by tests and one-shot CLI calls.
type Static string

func (s Static) Token() (string, error) { return string(s), nil }
