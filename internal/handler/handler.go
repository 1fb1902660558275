package handler

import (
	"context"

	"github.com/seantiz/bptl/internal/service"
)

// Handler is a unit of pluggable work executed for one topic.
type Handler interface {
	// Topic is the name the handler registers under. Mappings reference the
	// handler by this name.
	Topic() string

	// RequiredServices lists the API types (e.g. "zrc", "ztc") the handler
	// needs a client for.
	RequiredServices() []string

	// Perform executes the work and returns the result variables. It must not
	// touch task state; returning an error marks the attempt as failed.
	Perform(ctx context.Context, in Input) (map[string]any, error)
}

// SchemaProvider is implemented by handlers that publish a JSON Schema for
// their input variables. Input failing the schema is never passed to Perform.
type SchemaProvider interface {
	InputSchema() []byte
}

// Input is what a handler sees of the task it executes.
type Input struct {
	TaskID    string
	Topic     string
	Variables map[string]any
	Services  service.Bindings
}

// Info describes a registered handler for listing.
type Info struct {
	Topic            string   `json:"topic"`
	RequiredServices []string `json:"required_services"`
	HasInputSchema   bool     `json:"has_input_schema"`
}
