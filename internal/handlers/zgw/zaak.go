package zgw

import (
	"context"
	"fmt"

	"github.com/seantiz/bptl/internal/handler"
)

const (
	TopicCreateZaak = "zaak-initialize"
	TopicCloseZaak  = "zaak-close"
)

var createZaakSchema = []byte(`{
	"type": "object",
	"required": ["zaaktype", "organisatieRSIN"],
	"properties": {
		"zaaktype": {"type": "string", "minLength": 1},
		"organisatieRSIN": {"type": "string", "minLength": 1},
		"NLXProcessId": {"type": "string"},
		"NLXSubjectIdentifier": {"type": "string"}
	}
}`)

// CreateZaak creates a case in the Zaken API and sets its initial status,
// the status type with volgnummer 1.
//
// Required variables: zaaktype, organisatieRSIN. Optional: NLXProcessId,
// NLXSubjectIdentifier. Sets zaak, zaakUrl and zaakIdentificatie.
type CreateZaak struct {
	clock
}

// NewCreateZaak returns the zaak-initialize handler.
func NewCreateZaak() *CreateZaak {
	return &CreateZaak{}
}

func (h *CreateZaak) Topic() string              { return TopicCreateZaak }
func (h *CreateZaak) RequiredServices() []string { return requiredServices }
func (h *CreateZaak) InputSchema() []byte        { return createZaakSchema }

func (h *CreateZaak) Perform(ctx context.Context, in handler.Input) (map[string]any, error) {
	zrc, ztc, err := clients(in)
	if err != nil {
		return nil, err
	}
	zaaktype, err := stringVar(in.Variables, "zaaktype")
	if err != nil {
		return nil, err
	}
	rsin, err := stringVar(in.Variables, "organisatieRSIN")
	if err != nil {
		return nil, err
	}

	now := h.time()
	today := now.Format("2006-01-02")
	zaak, err := zrc.
		WithHeader(headerProcessID, optionalString(in.Variables, "NLXProcessId")).
		WithHeader(headerSubjectIdentifier, optionalString(in.Variables, "NLXSubjectIdentifier")).
		Create(ctx, "zaken", map[string]any{
			"zaaktype":                     zaaktype,
			"vertrouwelijkheidaanduiding":  "openbaar",
			"bronorganisatie":              rsin,
			"verantwoordelijkeOrganisatie": rsin,
			"registratiedatum":             today,
			"startdatum":                   today,
		})
	if err != nil {
		return nil, fmt.Errorf("create zaak: %w", err)
	}

	zaakURL, err := stringField(zaak, "url")
	if err != nil {
		return nil, err
	}
	identificatie, err := stringField(zaak, "identificatie")
	if err != nil {
		return nil, err
	}

	initial, err := statusType(ctx, ztc, zaaktype, func(st map[string]any) bool {
		return volgnummer(st) == 1
	})
	if err != nil {
		return nil, err
	}
	if _, err := createStatus(ctx, zrc, zaakURL, initial, now); err != nil {
		return nil, err
	}

	return map[string]any{
		"zaak":              zaak,
		"zaakUrl":           zaakURL,
		"zaakIdentificatie": identificatie,
	}, nil
}

// CloseZaak closes a case by setting the status type marked as final. When
// resultaattype is given, the result is created first.
//
// Required variables: zaak (or zaakUrl). Optional: resultaattype,
// toelichting. Sets einddatum, archiefnominatie and archiefactiedatum.
type CloseZaak struct {
	clock
}

// NewCloseZaak returns the zaak-close handler.
func NewCloseZaak() *CloseZaak {
	return &CloseZaak{}
}

func (h *CloseZaak) Topic() string              { return TopicCloseZaak }
func (h *CloseZaak) RequiredServices() []string { return requiredServices }

func (h *CloseZaak) Perform(ctx context.Context, in handler.Input) (map[string]any, error) {
	zrc, ztc, err := clients(in)
	if err != nil {
		return nil, err
	}
	zaakURL, err := stringVar(in.Variables, "zaak", "zaakUrl")
	if err != nil {
		return nil, err
	}

	if resultaattype := optionalString(in.Variables, "resultaattype"); resultaattype != "" {
		_, err := zrc.Create(ctx, "resultaten", map[string]any{
			"zaak":          zaakURL,
			"resultaattype": resultaattype,
			"toelichting":   optionalString(in.Variables, "toelichting"),
		})
		if err != nil {
			return nil, fmt.Errorf("create resultaat: %w", err)
		}
	}

	zaak, err := zrc.Retrieve(ctx, zaakURL)
	if err != nil {
		return nil, fmt.Errorf("retrieve zaak: %w", err)
	}
	zaaktype, err := stringField(zaak, "zaaktype")
	if err != nil {
		return nil, err
	}

	final, err := statusType(ctx, ztc, zaaktype, func(st map[string]any) bool {
		end, _ := st["isEindstatus"].(bool)
		return end
	})
	if err != nil {
		return nil, err
	}
	if _, err := createStatus(ctx, zrc, zaakURL, final, h.time()); err != nil {
		return nil, err
	}

	closed, err := zrc.Retrieve(ctx, zaakURL)
	if err != nil {
		return nil, fmt.Errorf("retrieve closed zaak: %w", err)
	}
	return map[string]any{
		"einddatum":         closed["einddatum"],
		"archiefnominatie":  closed["archiefnominatie"],
		"archiefactiedatum": closed["archiefactiedatum"],
	}, nil
}
