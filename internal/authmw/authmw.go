// Package authmw provides bearer token authentication for the API. Tokens are
// grouped in keyrings; each token carries the name of the client it was
// issued to so handlers and rate limits can tell callers apart.
package authmw

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
)

type principalKey struct{}

type entry struct {
	name  string
	token []byte
}

// Keyring is an immutable set of named tokens. A nil or empty Keyring
// admits every request.
type Keyring struct {
	entries []entry
}

// ParseKeyring reads "name=token" pairs separated by commas. Names must be
// unique and tokens non-empty.
func ParseKeyring(s string) (*Keyring, error) {
	k := &Keyring{}
	seen := make(map[string]bool)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, token, ok := strings.Cut(part, "=")
		name, token = strings.TrimSpace(name), strings.TrimSpace(token)
		if !ok || name == "" || token == "" {
			return nil, fmt.Errorf("keyring entry %q: want name=token", name)
		}
		if seen[name] {
			return nil, fmt.Errorf("keyring entry %q: duplicate name", name)
		}
		seen[name] = true
		k.entries = append(k.entries, entry{name: name, token: []byte(token)})
	}
	return k, nil
}

// Len returns the number of tokens.
func (k *Keyring) Len() int {
	if k == nil {
		return 0
	}
	return len(k.entries)
}

// lookup compares got against every token in constant time per entry and
// returns the matching name.
func (k *Keyring) lookup(got []byte) (string, bool) {
	var name string
	found := 0
	for _, e := range k.entries {
		if subtle.ConstantTimeCompare(got, e.token) == 1 {
			name, found = e.name, 1
		}
	}
	return name, found == 1
}

// Require returns middleware that admits requests whose Authorization header
// carries a Bearer token from k, and stores the token's name in the request
// context. An empty keyring disables the check.
func Require(k *Keyring) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if k.Len() == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")

			if !strings.HasPrefix(auth, "Bearer ") {
				unauthorized(w, "missing or malformed authorization header")
				return
			}

			name, ok := k.lookup([]byte(auth[len("Bearer "):]))
			if !ok {
				unauthorized(w, "invalid token")
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, name)))
		})
	}
}

// Principal returns the name of the token that authenticated the request.
func Principal(ctx context.Context) (string, bool) {
	name, ok := ctx.Value(principalKey{}).(string)
	return name, ok
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="tripwire"`)
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = fmt.Fprintf(w, `{"error":%q}`, msg)
}
