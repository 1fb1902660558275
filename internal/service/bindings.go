package service

import (
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/seantiz/bptl/internal/model"
)

var (
	// ErrMissingServiceBinding is returned when a mapping lacks a binding for
	// an API type its handler requires.
	ErrMissingServiceBinding = errors.New("missing service binding")

	// ErrUndeclaredService is returned when a handler asks for a client it did
	// not declare.
	ErrUndeclaredService = errors.New("service not declared by handler")
)

// credentialsVariable is the process variable carrying per-alias credentials:
// {"<alias>": {"jwt": "Bearer ..."}}.
const credentialsVariable = "services"

// Bindings are the resolved clients handed to one handler execution, keyed by
// API type.
type Bindings struct {
	clients map[string]*Client
}

// NewBindings wraps a fixed set of clients keyed by API type.
func NewBindings(clients map[string]*Client) Bindings {
	return Bindings{clients: clients}
}

// Client returns the client bound to apiType.
func (b Bindings) Client(apiType string) (*Client, error) {
	c, ok := b.clients[apiType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUndeclaredService, apiType)
	}
	return c, nil
}

// Missing returns the required API types that no binding satisfies.
func Missing(required []string, bindings []model.ServiceBinding) []string {
	var missing []string
	for _, apiType := range required {
		if findBinding(apiType, bindings) == nil {
			missing = append(missing, apiType)
		}
	}
	return missing
}

func findBinding(apiType string, bindings []model.ServiceBinding) *model.ServiceBinding {
	for i := range bindings {
		if bindings[i].Service != nil && bindings[i].Service.APIType == apiType {
			return &bindings[i]
		}
	}
	return nil
}

// Pool caches one client per configured service and builds per-execution
// bindings from them.
type Pool struct {
	mu      sync.Mutex
	clients map[string]*Client
	http    *http.Client
}

// NewPool creates a client pool sharing hc between all clients.
func NewPool(hc *http.Client) *Pool {
	return &Pool{
		clients: make(map[string]*Client),
		http:    hc,
	}
}

// Bind resolves every required API type to a client. Credentials found in the
// execution's "services" variable override the configured auth header of the
// binding with the matching alias.
func (p *Pool) Bind(required []string, bindings []model.ServiceBinding, vars map[string]any) (Bindings, error) {
	creds, _ := vars[credentialsVariable].(map[string]any)

	clients := make(map[string]*Client, len(required))
	for _, apiType := range required {
		b := findBinding(apiType, bindings)
		if b == nil {
			return Bindings{}, fmt.Errorf("%w: api type %q", ErrMissingServiceBinding, apiType)
		}

		c := p.client(b.Alias, b.Service)
		if jwt := aliasCredential(creds, b.Alias); jwt != "" {
			c = c.WithAuth(jwt)
		}
		clients[apiType] = c
	}
	return Bindings{clients: clients}, nil
}

func (p *Pool) client(alias string, svc *model.Service) *Client {
	key := alias + "|" + svc.Reference + "|" + svc.APIRoot

	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[key]; ok {
		return c
	}
	c := NewClient(alias, svc.APIType, svc.APIRoot, svc.AuthHeader, p.http)
	p.clients[key] = c
	return c
}

func aliasCredential(creds map[string]any, alias string) string {
	entry, ok := creds[alias].(map[string]any)
	if !ok {
		return ""
	}
	jwt, _ := entry["jwt"].(string)
	return jwt
}
