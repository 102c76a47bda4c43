package provider

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/seantis/tagsweep/pkg/registry"
)

// BasicProvider sends static basic auth credentials, given as
// "basic:<username>:<password>"
type BasicProvider struct {
	clients map[string]*http.Client
	mu      sync.Mutex
}

func init() {
	registry.RegisterProvider("basic", &BasicProvider{
		clients: make(map[string]*http.Client),
	})
}

// Supports returns true if the auth string uses the basic scheme
func (p *BasicProvider) Supports(endpoint registry.Endpoint, auth string) bool {
	_, ok := credential(auth, "basic")
	return ok
}

// GetClient returns a client sending the credentials with each request
func (p *BasicProvider) GetClient(endpoint registry.Endpoint, auth string) (*http.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.clients[auth] == nil {
		value, _ := credential(auth, "basic")

		if !strings.Contains(value, ":") {
			return nil, fmt.Errorf("expected basic:<username>:<password>")
		}

		encoded := base64.StdEncoding.EncodeToString([]byte(value))

		p.clients[auth] = clientWithHeaders(map[string]string{
			"Authorization": fmt.Sprintf("Basic %s", encoded),
		})
	}

	return p.clients[auth], nil
}
