package provider

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/seantis/tagsweep/pkg/registry"
	"golang.org/x/oauth2"
)

// TokenProvider sends a static bearer token, given as "token:<token>". The
// token is not renewed, fetching one is up to the caller.
type TokenProvider struct {
	clients map[string]*http.Client
	mu      sync.Mutex
}

func init() {
	registry.RegisterProvider("token", &TokenProvider{
		clients: make(map[string]*http.Client),
	})
}

// Supports returns true if the auth string uses the token scheme
func (p *TokenProvider) Supports(endpoint registry.Endpoint, auth string) bool {
	_, ok := credential(auth, "token")
	return ok
}

// GetClient returns a client with the bearer token set on each request
func (p *TokenProvider) GetClient(endpoint registry.Endpoint, auth string) (*http.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.clients[auth] == nil {
		token, _ := credential(auth, "token")

		if len(token) == 0 {
			return nil, fmt.Errorf("expected token:<token>")
		}

		source := oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken: token,
			TokenType:   "Bearer",
		})

		p.clients[auth] = oauth2.NewClient(context.Background(), source)
	}

	return p.clients[auth], nil
}
