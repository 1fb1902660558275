package service

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/bptl/internal/model"
)

func testBindings() []model.ServiceBinding {
	return []model.ServiceBinding{
		{
			Alias:            "ZRC",
			ServiceReference: "zrc-main",
			Service:          &model.Service{Reference: "zrc-main", APIType: "zrc", APIRoot: "https://zrc.example/api/v1/", AuthHeader: "Bearer configured"},
		},
		{
			Alias:            "ZTC",
			ServiceReference: "ztc-main",
			Service:          &model.Service{Reference: "ztc-main", APIType: "ztc", APIRoot: "https://ztc.example/api/v1/"},
		},
	}
}

func TestPoolBindResolvesDeclaredTypes(t *testing.T) {
	p := NewPool(nil)

	b, err := p.Bind([]string{"zrc", "ztc"}, testBindings(), nil)
	require.NoError(t, err)

	zrc, err := b.Client("zrc")
	require.NoError(t, err)
	assert.Equal(t, "ZRC", zrc.Alias)
	assert.Equal(t, "Bearer configured", zrc.authHeader)

	ztc, err := b.Client("ztc")
	require.NoError(t, err)
	assert.Equal(t, "https://ztc.example/api/v1/", ztc.BaseURL())
}

func TestPoolBindRefusesUndeclared(t *testing.T) {
	p := NewPool(nil)

	b, err := p.Bind([]string{"zrc"}, testBindings(), nil)
	require.NoError(t, err)

	_, err = b.Client("ztc")
	assert.True(t, errors.Is(err, ErrUndeclaredService))
}

func TestPoolBindMissingBinding(t *testing.T) {
	p := NewPool(nil)

	_, err := p.Bind([]string{"zrc", "drc"}, testBindings(), nil)
	assert.True(t, errors.Is(err, ErrMissingServiceBinding))
	assert.Contains(t, err.Error(), "drc")
}

func TestPoolBindCredentialOverride(t *testing.T) {
	p := NewPool(nil)
	vars := map[string]any{
		"services": map[string]any{
			"ZRC": map[string]any{"jwt": "Bearer from-process"},
		},
	}

	b, err := p.Bind([]string{"zrc", "ztc"}, testBindings(), vars)
	require.NoError(t, err)

	zrc, _ := b.Client("zrc")
	assert.Equal(t, "Bearer from-process", zrc.authHeader)
	ztc, _ := b.Client("ztc")
	assert.Empty(t, ztc.authHeader)

	// The cached client keeps its configured credentials.
	again, err := p.Bind([]string{"zrc"}, testBindings(), nil)
	require.NoError(t, err)
	plain, _ := again.Client("zrc")
	assert.Equal(t, "Bearer configured", plain.authHeader)
}

func TestPoolCachesClients(t *testing.T) {
	p := NewPool(nil)

	a, err := p.Bind([]string{"zrc"}, testBindings(), nil)
	require.NoError(t, err)
	b, err := p.Bind([]string{"zrc"}, testBindings(), nil)
	require.NoError(t, err)

	ca, _ := a.Client("zrc")
	cb, _ := b.Client("zrc")
	assert.Same(t, ca, cb)
}

func TestPoolWithoutHTTPClientStaysBounded(t *testing.T) {
	c := NewPool(nil).client("ZRC", &model.Service{Reference: "zrc", APIType: "zrc", APIRoot: "http://zrc"})
	assert.Equal(t, DefaultTimeout, c.http.Timeout)
}

func TestMissing(t *testing.T) {
	assert.Empty(t, Missing([]string{"zrc", "ztc"}, testBindings()))
	assert.Equal(t, []string{"drc"}, Missing([]string{"zrc", "drc"}, testBindings()))
	assert.Equal(t, []string{"zrc"}, Missing([]string{"zrc"}, []model.ServiceBinding{{Alias: "ZRC"}}))
}
