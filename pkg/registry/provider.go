package registry

import (
	"fmt"
	"net/http"
)

var (
	providers = make(map[string]Provider)
	priority  = []string{}
)

// Provider provides a client for a given registry endpoint.
type Provider interface {

	// GetClient returns an net/http Client that injects whatever headers the
	// registry requires on each request sent to the endpoint.
	//
	// The 'auth' parameter is an optional string used for authentication. Its
	// meaning is determined by the provider itself. It may be a path, a token
	// a username and password etc. - The cli passes the auth value as is.
	GetClient(endpoint Endpoint, auth string) (*http.Client, error)

	// Supports returns true if the provider supports the given endpoint and
	// auth string - multiple providers may support the same combination, in
	// this case, the first provider in order of registration is chosen
	Supports(endpoint Endpoint, auth string) bool
}

// anonymousProvider is used if no auth string is given and no registered
// provider claims the endpoint
type anonymousProvider struct{}

func (p *anonymousProvider) GetClient(endpoint Endpoint, auth string) (*http.Client, error) {
	return &http.Client{}, nil
}

func (p *anonymousProvider) Supports(endpoint Endpoint, auth string) bool {
	return len(auth) == 0
}

// LookupProvider takes an endpoint and an auth string and returns the
// associated provider
func LookupProvider(endpoint Endpoint, auth string) (Provider, error) {
	for _, name := range priority {
		provider := providers[name]

		if provider.Supports(endpoint, auth) {
			return provider, nil
		}
	}

	fallback := &anonymousProvider{}
	if fallback.Supports(endpoint, auth) {
		return fallback, nil
	}

	return nil, fmt.Errorf("no provider for %s with the given auth", endpoint)
}

// RegisterProvider registers a provider with the given name. Providers are
// meant to be registered once during initialisation and doing so concurrently
// is not safe. If a provider with the same name exists, it is overwritten.
func RegisterProvider(name string, provider Provider) {
	if _, exists := providers[name]; !exists {
		priority = append(priority, name)
	}

	providers[name] = provider
}

// ClearProviderRegistry clears the provider registry (mainly useful for tests)
func ClearProviderRegistry() {
	providers = make(map[string]Provider)
	priority = []string{}
}
