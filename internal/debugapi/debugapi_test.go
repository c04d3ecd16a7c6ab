package debugapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	edge "github.com/flagedge/flagedge"
)

func TestRouterListsTokens(t *testing.T) {
	registry := edge.NewRegistry(clockwork.NewFakeClock())
	token, err := edge.ParseToken("p:dev.abcdefgh")
	require.NoError(t, err)
	registry.Register(token, "")

	req := httptest.NewRequest(http.MethodGet, "/tokens", nil)
	rec := httptest.NewRecorder()
	Router(registry).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var views []tokenView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 1)
	require.Equal(t, "dev", views[0].Environment)
	require.NotContains(t, rec.Body.String(), token.Secret)
}

func TestRouterFiltersByEnvironment(t *testing.T) {
	registry := edge.NewRegistry(clockwork.NewFakeClock())
	devToken, err := edge.ParseToken("p:dev.abcdefgh")
	require.NoError(t, err)
	prodToken, err := edge.ParseToken("p:prod.abcdefgh")
	require.NoError(t, err)
	registry.Register(devToken, "")
	registry.Register(prodToken, "")

	req := httptest.NewRequest(http.MethodGet, "/environments/prod/tokens", nil)
	rec := httptest.NewRecorder()
	Router(registry).ServeHTTP(rec, req)

	var views []tokenView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 1)
	require.Equal(t, "prod", views[0].Environment)
}
