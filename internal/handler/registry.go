package handler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/seantiz/bptl/internal/model"
	"github.com/seantiz/bptl/internal/service"
	"github.com/seantiz/bptl/internal/store"
)

var (
	// ErrUnknownTopic is returned when no active mapping or no registered
	// handler serves a topic.
	ErrUnknownTopic = errors.New("unknown topic")

	// ErrDuplicateTopic is returned when a second handler registers under a
	// topic that is already taken.
	ErrDuplicateTopic = errors.New("duplicate topic")

	// ErrMissingServiceBinding is returned when a mapping does not bind every
	// API type its handler requires.
	ErrMissingServiceBinding = service.ErrMissingServiceBinding

	// ErrInvalidInput is returned when variables fail a handler's input schema.
	ErrInvalidInput = errors.New("invalid input")
)

// MappingSource reads persisted handler mappings. A missing mapping is
// reported with an error wrapping store.ErrNotFound.
type MappingSource interface {
	GetMapping(ctx context.Context, topic string) (*model.HandlerMapping, error)
}

type entry struct {
	handler Handler
	schema  *jsonschema.Schema
}

// Registry holds the registered handlers and resolves a topic to one of them
// through the configured mappings.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]entry
	mappings MappingSource
}

// NewRegistry creates an empty registry that resolves through mappings.
func NewRegistry(mappings MappingSource) *Registry {
	return &Registry{
		handlers: make(map[string]entry),
		mappings: mappings,
	}
}

// Register adds h under the topic it declares. Registering a taken topic
// fails with ErrDuplicateTopic. A handler publishing an input schema has it
// compiled here so a broken schema surfaces at startup.
func (r *Registry) Register(h Handler) error {
	topic := h.Topic()
	if topic == "" {
		return fmt.Errorf("register handler: empty topic")
	}

	e := entry{handler: h}
	if sp, ok := h.(SchemaProvider); ok {
		sch, err := compileSchema(topic, sp.InputSchema())
		if err != nil {
			return fmt.Errorf("register handler %q: %w", topic, err)
		}
		e.schema = sch
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[topic]; exists {
		return fmt.Errorf("register handler %q: %w", topic, ErrDuplicateTopic)
	}
	r.handlers[topic] = e
	return nil
}

// MustRegister is Register for startup wiring; it panics on error.
func (r *Registry) MustRegister(handlers ...Handler) {
	for _, h := range handlers {
		if err := r.Register(h); err != nil {
			panic(err)
		}
	}
}

// Lookup returns the handler registered under reference, ignoring mappings.
func (r *Registry) Lookup(reference string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.handlers[reference]
	return e.handler, ok
}

// Resolve returns the handler serving topic along with its active mapping.
// It fails with ErrUnknownTopic if the mapping is missing or inactive, or if
// the mapping references an unregistered handler.
func (r *Registry) Resolve(ctx context.Context, topic string) (Handler, *model.HandlerMapping, error) {
	m, err := r.mappings.GetMapping(ctx, topic)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, fmt.Errorf("%w: no mapping for %q", ErrUnknownTopic, topic)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get mapping %q: %w", topic, err)
	}
	if !m.Active {
		return nil, nil, fmt.Errorf("%w: mapping for %q is inactive", ErrUnknownTopic, topic)
	}

	h, ok := r.Lookup(m.HandlerReference)
	if !ok {
		return nil, nil, fmt.Errorf("%w: handler %q for topic %q is not registered", ErrUnknownTopic, m.HandlerReference, topic)
	}
	return h, m, nil
}

// RequiredServices returns the API types the handler registered under
// reference requires.
func (r *Registry) RequiredServices(reference string) ([]string, error) {
	h, ok := r.Lookup(reference)
	if !ok {
		return nil, fmt.Errorf("%w: handler %q is not registered", ErrUnknownTopic, reference)
	}
	return h.RequiredServices(), nil
}

// ValidateMapping checks that m references a registered handler and binds
// every API type that handler requires.
func (r *Registry) ValidateMapping(m *model.HandlerMapping) error {
	required, err := r.RequiredServices(m.HandlerReference)
	if err != nil {
		return err
	}
	if missing := service.Missing(required, m.DefaultServices); len(missing) > 0 {
		return fmt.Errorf("%w: topic %q lacks api types %s", ErrMissingServiceBinding, m.TopicName, strings.Join(missing, ", "))
	}
	return nil
}

// ValidateInput checks vars against the input schema of the handler
// registered under reference. Handlers without a schema accept anything.
func (r *Registry) ValidateInput(reference string, vars map[string]any) error {
	r.mu.RLock()
	e, ok := r.handlers[reference]
	r.mu.RUnlock()

	if !ok || e.schema == nil {
		return nil
	}
	if err := validate(e.schema, vars); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

// List returns information about all registered handlers, sorted by topic.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.handlers))
	for topic, e := range r.handlers {
		infos = append(infos, Info{
			Topic:            topic,
			RequiredServices: e.handler.RequiredServices(),
			HasInputSchema:   e.schema != nil,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Topic < infos[j].Topic
	})
	return infos
}
