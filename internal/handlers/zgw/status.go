package zgw

import (
	"context"

	"github.com/seantiz/bptl/internal/handler"
)

const TopicCreateStatus = "status-create"

var createStatusSchema = []byte(`{
	"type": "object",
	"required": ["statustype"],
	"properties": {
		"zaak": {"type": "string"},
		"zaakUrl": {"type": "string"},
		"statustype": {"type": "string", "minLength": 1}
	},
	"anyOf": [{"required": ["zaak"]}, {"required": ["zaakUrl"]}]
}`)

// CreateStatus sets a new status on a case.
//
// Required variables: zaak (or zaakUrl) and statustype. Sets statusUrl.
type CreateStatus struct {
	clock
}

// NewCreateStatus returns the status-create handler.
func NewCreateStatus() *CreateStatus {
	return &CreateStatus{}
}

func (h *CreateStatus) Topic() string              { return TopicCreateStatus }
func (h *CreateStatus) RequiredServices() []string { return requiredServices }
func (h *CreateStatus) InputSchema() []byte        { return createStatusSchema }

func (h *CreateStatus) Perform(ctx context.Context, in handler.Input) (map[string]any, error) {
	zrc, err := in.Services.Client(APITypeZRC)
	if err != nil {
		return nil, err
	}
	zaakURL, err := stringVar(in.Variables, "zaak", "zaakUrl")
	if err != nil {
		return nil, err
	}
	statustype, err := stringVar(in.Variables, "statustype")
	if err != nil {
		return nil, err
	}

	status, err := createStatus(ctx, zrc, zaakURL, statustype, h.time())
	if err != nil {
		return nil, err
	}
	statusURL, err := stringField(status, "url")
	if err != nil {
		return nil, err
	}
	return map[string]any{"statusUrl": statusURL}, nil
}
