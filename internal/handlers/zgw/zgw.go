// Package zgw provides handlers that drive cases (zaken) through the Dutch
// ZGW APIs: the Zaken API (zrc) and the Catalogi API (ztc).
package zgw

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/seantiz/bptl/internal/handler"
	"github.com/seantiz/bptl/internal/service"
)

// API types the handlers bind to.
const (
	APITypeZRC = "zrc"
	APITypeZTC = "ztc"
)

// NLX purpose registration headers.
const (
	headerProcessID         = "X-NLX-Request-Process-Id"
	headerSubjectIdentifier = "X-NLX-Request-Subject-Identifier"
)

var (
	// ErrMissingVariable is returned when a required process variable is
	// absent or not a string.
	ErrMissingVariable = errors.New("missing process variable")

	// ErrStatusTypeNotFound is returned when the catalogue has no matching
	// status type for the case type.
	ErrStatusTypeNotFound = errors.New("status type not found")

	// ErrUnexpectedResponse is returned when an API response lacks a field
	// the handler needs.
	ErrUnexpectedResponse = errors.New("unexpected response")
)

var requiredServices = []string{APITypeZRC, APITypeZTC}

// Handlers returns every handler in this package, ready for registration.
func Handlers() []handler.Handler {
	return []handler.Handler{
		NewCreateZaak(),
		NewCloseZaak(),
		NewCreateStatus(),
	}
}

// clock is embedded by the handlers so tests can pin the time.
type clock struct {
	now func() time.Time
}

func (c clock) time() time.Time {
	if c.now == nil {
		return time.Now()
	}
	return c.now()
}

// clients returns the zrc and ztc clients of an execution.
func clients(in handler.Input) (zrc, ztc *service.Client, err error) {
	zrc, err = in.Services.Client(APITypeZRC)
	if err != nil {
		return nil, nil, err
	}
	ztc, err = in.Services.Client(APITypeZTC)
	if err != nil {
		return nil, nil, err
	}
	return zrc, ztc, nil
}

func stringVar(vars map[string]any, names ...string) (string, error) {
	for _, name := range names {
		if s, ok := vars[name].(string); ok && s != "" {
			return s, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrMissingVariable, names[0])
}

func optionalString(vars map[string]any, name string) string {
	s, _ := vars[name].(string)
	return s
}

func stringField(obj map[string]any, field string) (string, error) {
	s, ok := obj[field].(string)
	if !ok {
		return "", fmt.Errorf("%w: field %q missing", ErrUnexpectedResponse, field)
	}
	return s, nil
}

// statusType returns the first status type of zaaktype accepted by match.
func statusType(ctx context.Context, ztc *service.Client, zaaktype string, match func(map[string]any) bool) (string, error) {
	types, err := ztc.List(ctx, "statustypen", url.Values{"zaaktype": {zaaktype}})
	if err != nil {
		return "", fmt.Errorf("list status types: %w", err)
	}
	for _, st := range types {
		if match(st) {
			return stringField(st, "url")
		}
	}
	return "", fmt.Errorf("%w: zaaktype %s", ErrStatusTypeNotFound, zaaktype)
}

// createStatus sets a status on a case.
func createStatus(ctx context.Context, zrc *service.Client, zaak, statustype string, at time.Time) (map[string]any, error) {
	status, err := zrc.Create(ctx, "statussen", map[string]any{
		"zaak":             zaak,
		"statustype":       statustype,
		"datumStatusGezet": at.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, fmt.Errorf("create status: %w", err)
	}
	return status, nil
}

// volgnummer reads the sequence number of a status type. JSON numbers decode
// as float64.
func volgnummer(st map[string]any) int {
	switch v := st["volgnummer"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
