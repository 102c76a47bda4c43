package provider

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/seantis/tagsweep/pkg/registry"
	"golang.org/x/oauth2/google"
)

// GCRProvider authenticates clients against the Google Container Registry
// and Artifact Registry using a service account
type GCRProvider struct {
	clients map[string]*http.Client
	mu      sync.Mutex
}

func init() {
	registry.RegisterProvider("gcr", &GCRProvider{
		clients: make(map[string]*http.Client),
	})
}

var gcrhosts = regexp.MustCompile(`^(([a-z]+?\.)?gcr\.io|[a-z0-9-]+-docker\.pkg\.dev)$`)

// deleting needs more than the read only storage scope
var gcrscope = "https://www.googleapis.com/auth/cloud-platform"

// Supports returns true if the endpoint is one of the google registry hosts
// and the auth string is a path (i.e. has no scheme prefix)
func (p *GCRProvider) Supports(endpoint registry.Endpoint, auth string) bool {
	return gcrhosts.MatchString(endpoint.Host) && len(auth) > 0 && !strings.Contains(auth, ":")
}

// GetClient returns a client authenticated with the Google registries - the
// auth string is supposed to be the path to a service account json file
func (p *GCRProvider) GetClient(endpoint registry.Endpoint, auth string) (*http.Client, error) {

	p.mu.Lock()
	defer p.mu.Unlock()

	// the client is only bound to the auth string
	if p.clients[auth] == nil {
		client, err := p.newClient(auth)

		if err != nil {
			return nil, err
		}

		p.clients[auth] = client
	}

	return p.clients[auth], nil
}

// newClient spawns a new http client given the path to an account json file
func (p *GCRProvider) newClient(auth string) (*http.Client, error) {
	json, err := os.ReadFile(auth)
	if err != nil {
		return nil, fmt.Errorf("error reading auth file %s: %v", auth, err)
	}

	conf, err := google.JWTConfigFromJSON(json, gcrscope)
	if err != nil {
		return nil, fmt.Errorf("error authenticating with %s: %v", gcrscope, err)
	}

	return conf.Client(context.Background()), nil
}
