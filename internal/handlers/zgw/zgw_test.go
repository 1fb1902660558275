package zgw

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/bptl/internal/handler"
	"github.com/seantiz/bptl/internal/handlers/zgw/zgwtest"
	"github.com/seantiz/bptl/internal/service"
)

const zaaktype = "https://ztc.example/api/v1/zaaktypen/1"

var fixedNow = time.Date(2026, 10, 19, 9, 30, 0, 0, time.UTC)

func newBindings(t *testing.T, fake *zgwtest.Server) service.Bindings {
	t.Helper()
	ts := httptest.NewServer(fake.Handler())
	t.Cleanup(ts.Close)
	return service.NewBindings(map[string]*service.Client{
		APITypeZRC: service.NewClient("ZRC", APITypeZRC, ts.URL+"/zrc", "Bearer 12345", ts.Client()),
		APITypeZTC: service.NewClient("ZTC", APITypeZTC, ts.URL+"/ztc", "Bearer 12345", ts.Client()),
	})
}

func TestCreateZaak(t *testing.T) {
	fake := zgwtest.New()
	h := NewCreateZaak()
	h.now = func() time.Time { return fixedNow }

	result, err := h.Perform(context.Background(), handler.Input{
		Topic: TopicCreateZaak,
		Variables: map[string]any{
			"zaaktype":        zaaktype,
			"organisatieRSIN": "002220647",
			"NLXProcessId":    "12345",
		},
		Services: newBindings(t, fake),
	})
	require.NoError(t, err)

	zaakURL, ok := result["zaakUrl"].(string)
	require.True(t, ok)
	assert.Contains(t, zaakURL, "/zrc/zaken/")
	assert.Equal(t, "ZAAK-1", result["zaakIdentificatie"])
	assert.Equal(t, zaakURL, result["zaak"].(map[string]any)["url"])

	reqs := fake.Requests()
	require.Len(t, reqs, 3)

	create := reqs[0]
	assert.Equal(t, "/zrc/zaken", create.Path)
	assert.Equal(t, "Bearer 12345", create.Authorization)
	assert.Equal(t, "12345", create.Header.Get("X-NLX-Request-Process-Id"))
	assert.Equal(t, "002220647", create.Body["bronorganisatie"])
	assert.Equal(t, "002220647", create.Body["verantwoordelijkeOrganisatie"])
	assert.Equal(t, "openbaar", create.Body["vertrouwelijkheidaanduiding"])
	assert.Equal(t, "2026-10-19", create.Body["startdatum"])

	assert.Equal(t, "/ztc/statustypen", reqs[1].Path)

	status := reqs[2]
	assert.Equal(t, "/zrc/statussen", status.Path)
	assert.Equal(t, zaakURL, status.Body["zaak"])
	assert.Equal(t, zgwtest.InitialStatusType(zaaktype), status.Body["statustype"])
	assert.Equal(t, "2026-10-19T09:30:00Z", status.Body["datumStatusGezet"])
	assert.Empty(t, status.Header.Get("X-NLX-Request-Process-Id"))
}

func TestCreateZaakMissingVariable(t *testing.T) {
	fake := zgwtest.New()
	_, err := NewCreateZaak().Perform(context.Background(), handler.Input{
		Variables: map[string]any{"zaaktype": zaaktype},
		Services:  newBindings(t, fake),
	})
	assert.True(t, errors.Is(err, ErrMissingVariable))
	assert.Empty(t, fake.Requests())
}

func TestCreateZaakUndeclaredService(t *testing.T) {
	_, err := NewCreateZaak().Perform(context.Background(), handler.Input{
		Variables: map[string]any{"zaaktype": zaaktype, "organisatieRSIN": "002220647"},
	})
	assert.True(t, errors.Is(err, service.ErrUndeclaredService))
}

func TestCloseZaak(t *testing.T) {
	fake := zgwtest.New()
	bindings := newBindings(t, fake)

	created, err := NewCreateZaak().Perform(context.Background(), handler.Input{
		Variables: map[string]any{"zaaktype": zaaktype, "organisatieRSIN": "002220647"},
		Services:  bindings,
	})
	require.NoError(t, err)
	zaakURL := created["zaakUrl"].(string)

	h := NewCloseZaak()
	h.now = func() time.Time { return fixedNow }
	result, err := h.Perform(context.Background(), handler.Input{
		Variables: map[string]any{
			"zaak":          zaakURL,
			"resultaattype": "https://ztc.example/api/v1/resultaattypen/1",
		},
		Services: bindings,
	})
	require.NoError(t, err)

	assert.Equal(t, map[string]any{
		"einddatum":         "2026-10-19",
		"archiefnominatie":  "vernietigen",
		"archiefactiedatum": "2036-10-19",
	}, result)

	var paths []string
	for _, r := range fake.Requests()[3:] {
		paths = append(paths, r.Method+" "+r.Path)
	}
	assert.Equal(t, []string{
		"POST /zrc/resultaten",
		"GET /zrc/zaken/1",
		"GET /ztc/statustypen",
		"POST /zrc/statussen",
		"GET /zrc/zaken/1",
	}, paths)
}

func TestCloseZaakUnknownZaak(t *testing.T) {
	fake := zgwtest.New()
	_, err := NewCloseZaak().Perform(context.Background(), handler.Input{
		Variables: map[string]any{"zaakUrl": "/zrc/zaken/404"},
		Services:  newBindings(t, fake),
	})
	var apiErr *service.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 404, apiErr.StatusCode)
}

func TestCreateStatus(t *testing.T) {
	fake := zgwtest.New()
	h := NewCreateStatus()
	h.now = func() time.Time { return fixedNow }

	statustype := "https://ztc.example/api/v1/statustypen/7ff0bd9d"
	result, err := h.Perform(context.Background(), handler.Input{
		Variables: map[string]any{
			"zaakUrl":    "https://zrc.example/api/v1/zaken/4f8b4811",
			"statustype": statustype,
		},
		Services: newBindings(t, fake),
	})
	require.NoError(t, err)

	statusURL, ok := result["statusUrl"].(string)
	require.True(t, ok)
	assert.Contains(t, statusURL, "/zrc/statussen/")
	assert.Len(t, result, 1)

	reqs := fake.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "https://zrc.example/api/v1/zaken/4f8b4811", reqs[0].Body["zaak"])
	assert.Equal(t, statustype, reqs[0].Body["statustype"])
}

func TestHandlersRegister(t *testing.T) {
	reg := handler.NewRegistry(nil)
	reg.MustRegister(Handlers()...)

	var topics []string
	for _, info := range reg.List() {
		topics = append(topics, info.Topic)
		assert.Equal(t, []string{APITypeZRC, APITypeZTC}, info.RequiredServices)
	}
	assert.Equal(t, []string{TopicCreateStatus, TopicCloseZaak, TopicCreateZaak}, topics)
}

func TestCreateZaakInputSchema(t *testing.T) {
	reg := handler.NewRegistry(nil)
	reg.MustRegister(NewCreateZaak())

	err := reg.ValidateInput(TopicCreateZaak, map[string]any{"zaaktype": zaaktype})
	assert.True(t, errors.Is(err, handler.ErrInvalidInput))

	err = reg.ValidateInput(TopicCreateZaak, map[string]any{
		"zaaktype":        zaaktype,
		"organisatieRSIN": "002220647",
		"extra":           123,
	})
	assert.NoError(t, err)
}
