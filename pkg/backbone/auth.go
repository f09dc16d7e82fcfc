package backbone

import (
	"crypto/subtle"
	"sync"

	"github.com/aretw0/orchestra/pkg/domain"
)

// Authenticator holds one shared token per endpoint. Tokens can be replaced at
// runtime (config hot reload).
type Authenticator struct {
	mu     sync.RWMutex
	tokens map[string]string
}

// NewAuthenticator creates an authenticator from endpoint -> token.
func NewAuthenticator(tokens map[string]string) *Authenticator {
	a := &Authenticator{}
	a.Replace(tokens)
	return a
}

// Replace swaps the whole token table.
func (a *Authenticator) Replace(tokens map[string]string) {
	cp := make(map[string]string, len(tokens))
	for k, v := range tokens {
		cp[k] = v
	}
	a.mu.Lock()
	a.tokens = cp
	a.mu.Unlock()
}

// Token returns the token to present to endpoint.
func (a *Authenticator) Token(endpoint string) string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.tokens[endpoint]
}

// Verify checks token against the one registered for endpoint in constant time.
// Endpoints without a token are rejected.
func (a *Authenticator) Verify(endpoint, token string) error {
	a.mu.RLock()
	want, ok := a.tokens[endpoint]
	a.mu.RUnlock()

	if !ok || want == "" || subtle.ConstantTimeCompare([]byte(want), []byte(token)) != 1 {
		return &domain.TransportError{Kind: domain.TransportAuth, Endpoint: endpoint, Err: domain.ErrUnauthenticated}
	}
	return nil
}
