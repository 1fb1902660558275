package handler_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/seantiz/bptl/internal/handler"
	"github.com/seantiz/bptl/internal/model"
	"github.com/seantiz/bptl/internal/store"
)

// stubHandler is a minimal Handler for registry tests.
type stubHandler struct {
	topic    string
	services []string
}

func (s *stubHandler) Topic() string              { return s.topic }
func (s *stubHandler) RequiredServices() []string { return s.services }
func (s *stubHandler) Perform(_ context.Context, _ handler.Input) (map[string]any, error) {
	return map[string]any{}, nil
}

// schemaHandler additionally publishes an input schema.
type schemaHandler struct {
	stubHandler
	schema string
}

func (s *schemaHandler) InputSchema() []byte { return []byte(s.schema) }

// mapSource serves mappings from memory.
type mapSource map[string]*model.HandlerMapping

func (m mapSource) GetMapping(_ context.Context, topic string) (*model.HandlerMapping, error) {
	hm, ok := m[topic]
	if !ok {
		return nil, fmt.Errorf("get mapping %q: %w", topic, store.ErrNotFound)
	}
	return hm, nil
}

func zgwBindings() []model.ServiceBinding {
	return []model.ServiceBinding{
		{Alias: "ZRC", ServiceReference: "zrc", Service: &model.Service{Reference: "zrc", APIType: "zrc", APIRoot: "https://zrc/"}},
		{Alias: "ZTC", ServiceReference: "ztc", Service: &model.Service{Reference: "ztc", APIType: "ztc", APIRoot: "https://ztc/"}},
	}
}

func TestRegistryRegisterAndList(t *testing.T) {
	reg := handler.NewRegistry(mapSource{})

	reg.MustRegister(
		&stubHandler{topic: "zaak-initialize", services: []string{"zrc", "ztc"}},
		&stubHandler{topic: "status-create", services: []string{"zrc", "ztc"}},
	)

	list := reg.List()
	if len(list) != 2 {
		t.Fatalf("List() returned %d handlers, want 2", len(list))
	}
	if list[0].Topic != "status-create" || list[1].Topic != "zaak-initialize" {
		t.Errorf("List() not sorted by topic: %+v", list)
	}
}

func TestRegistryRegisterDuplicate(t *testing.T) {
	reg := handler.NewRegistry(mapSource{})

	if err := reg.Register(&stubHandler{topic: "zaak-close"}); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	err := reg.Register(&stubHandler{topic: "zaak-close"})
	if !errors.Is(err, handler.ErrDuplicateTopic) {
		t.Errorf("second Register error = %v, want ErrDuplicateTopic", err)
	}
}

func TestRegistryRegisterEmptyTopic(t *testing.T) {
	reg := handler.NewRegistry(mapSource{})
	if err := reg.Register(&stubHandler{}); err == nil {
		t.Error("expected error for empty topic, got nil")
	}
}

func TestRegistryResolve(t *testing.T) {
	h := &stubHandler{topic: "zaak-initialize", services: []string{"zrc", "ztc"}}
	reg := handler.NewRegistry(mapSource{
		"initialize-case": {TopicName: "initialize-case", HandlerReference: "zaak-initialize", Active: true, DefaultServices: zgwBindings()},
	})
	reg.MustRegister(h)

	got, m, err := reg.Resolve(context.Background(), "initialize-case")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != h {
		t.Errorf("Resolve returned %v, want the registered handler", got)
	}
	if m.TopicName != "initialize-case" {
		t.Errorf("mapping topic = %q, want initialize-case", m.TopicName)
	}
}

func TestRegistryResolveUnknownTopic(t *testing.T) {
	reg := handler.NewRegistry(mapSource{
		"inactive":   {TopicName: "inactive", HandlerReference: "zaak-close", Active: false},
		"unbound":    {TopicName: "unbound", HandlerReference: "no-such-handler", Active: true},
		"zaak-close": {TopicName: "zaak-close", HandlerReference: "zaak-close", Active: true},
	})
	reg.MustRegister(&stubHandler{topic: "zaak-close"})

	tests := []struct {
		name  string
		topic string
	}{
		{"no mapping", "missing"},
		{"inactive mapping", "inactive"},
		{"unregistered handler", "unbound"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := reg.Resolve(context.Background(), tt.topic)
			if !errors.Is(err, handler.ErrUnknownTopic) {
				t.Errorf("Resolve(%q) error = %v, want ErrUnknownTopic", tt.topic, err)
			}
		})
	}
}

type failingSource struct{}

func (failingSource) GetMapping(context.Context, string) (*model.HandlerMapping, error) {
	return nil, errors.New("database is locked")
}

func TestRegistryResolveSourceError(t *testing.T) {
	reg := handler.NewRegistry(failingSource{})

	_, _, err := reg.Resolve(context.Background(), "anything")
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if errors.Is(err, handler.ErrUnknownTopic) {
		t.Error("storage failure must not be reported as an unknown topic")
	}
}

func TestRegistryValidateMapping(t *testing.T) {
	reg := handler.NewRegistry(mapSource{})
	reg.MustRegister(&stubHandler{topic: "zaak-initialize", services: []string{"zrc", "ztc"}})

	ok := &model.HandlerMapping{TopicName: "t", HandlerReference: "zaak-initialize", Active: true, DefaultServices: zgwBindings()}
	if err := reg.ValidateMapping(ok); err != nil {
		t.Errorf("ValidateMapping(complete) = %v, want nil", err)
	}

	partial := &model.HandlerMapping{TopicName: "t", HandlerReference: "zaak-initialize", Active: true, DefaultServices: zgwBindings()[:1]}
	if err := reg.ValidateMapping(partial); !errors.Is(err, handler.ErrMissingServiceBinding) {
		t.Errorf("ValidateMapping(partial) = %v, want ErrMissingServiceBinding", err)
	}

	unknown := &model.HandlerMapping{TopicName: "t", HandlerReference: "nope"}
	if err := reg.ValidateMapping(unknown); !errors.Is(err, handler.ErrUnknownTopic) {
		t.Errorf("ValidateMapping(unknown handler) = %v, want ErrUnknownTopic", err)
	}
}

func TestRegistryInputSchema(t *testing.T) {
	reg := handler.NewRegistry(mapSource{})
	reg.MustRegister(&schemaHandler{
		stubHandler: stubHandler{topic: "zaak-close"},
		schema:      `{"type":"object","required":["zaakUrl"],"properties":{"zaakUrl":{"type":"string"}}}`,
	})

	if err := reg.ValidateInput("zaak-close", map[string]any{"zaakUrl": "https://zrc/zaken/1"}); err != nil {
		t.Errorf("ValidateInput(valid) = %v, want nil", err)
	}
	err := reg.ValidateInput("zaak-close", map[string]any{"zaakUrl": 12})
	if !errors.Is(err, handler.ErrInvalidInput) {
		t.Errorf("ValidateInput(wrong type) = %v, want ErrInvalidInput", err)
	}
	err = reg.ValidateInput("zaak-close", map[string]any{})
	if !errors.Is(err, handler.ErrInvalidInput) {
		t.Errorf("ValidateInput(missing) = %v, want ErrInvalidInput", err)
	}

	list := reg.List()
	if len(list) != 1 || !list[0].HasInputSchema {
		t.Errorf("List() = %+v, want one handler with a schema", list)
	}
}

func TestRegistryRegisterBrokenSchema(t *testing.T) {
	reg := handler.NewRegistry(mapSource{})
	err := reg.Register(&schemaHandler{
		stubHandler: stubHandler{topic: "broken"},
		schema:      `{"type":`,
	})
	if err == nil {
		t.Fatal("expected error for malformed schema, got nil")
	}
	if _, ok := reg.Lookup("broken"); ok {
		t.Error("handler with a broken schema must not be registered")
	}
}
