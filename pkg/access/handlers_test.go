package access

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/clinaudit/pkg/observability"
	"github.com/platinummonkey/clinaudit/pkg/principal"
)

func setupRouter(t *testing.T) (*mux.Router, *Admin) {
	admin, _ := setupAdmin(t)
	r := mux.NewRouter()
	NewHandlers(admin, observability.NewNopLogger()).RegisterRoutes(r)
	return r, admin
}

func do(r http.Handler, p *principal.Principal, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if p != nil {
		req = req.WithContext(principal.WithContext(req.Context(), *p))
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandlers_CreateGrant(t *testing.T) {
	r, _ := setupRouter(t)

	t.Run("created", func(t *testing.T) {
		w := do(r, &sysAdmin, "POST", "/admin/grants", GrantRequest{User: "r@example.org", StudyID: "S1", Role: principal.RoleResearcher})
		assert.Equal(t, http.StatusCreated, w.Code)

		var g Grant
		require.NoError(t, json.NewDecoder(w.Body).Decode(&g))
		assert.Equal(t, "S1", g.StudyID)
		assert.True(t, g.Active)
	})

	t.Run("unauthenticated", func(t *testing.T) {
		w := do(r, nil, "POST", "/admin/grants", GrantRequest{User: "r", StudyID: "S1", Role: principal.RoleViewer})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("forbidden", func(t *testing.T) {
		viewer := principal.Principal{Actor: "v@example.org", Role: principal.RoleViewer}
		w := do(r, &viewer, "POST", "/admin/grants", GrantRequest{User: "r", StudyID: "S1", Role: principal.RoleViewer})
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("bad role", func(t *testing.T) {
		w := do(r, &sysAdmin, "POST", "/admin/grants", GrantRequest{User: "r", StudyID: "S1", Role: "OWNER"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestHandlers_RevokeAndList(t *testing.T) {
	r, _ := setupRouter(t)
	require.Equal(t, http.StatusCreated,
		do(r, &sysAdmin, "POST", "/admin/grants", GrantRequest{User: "r@example.org", StudyID: "S1", Role: principal.RoleResearcher}).Code)

	w := do(r, &sysAdmin, "DELETE", "/admin/grants/r@example.org/S1", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(r, &sysAdmin, "DELETE", "/admin/grants/ghost@example.org/S1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(r, &sysAdmin, "GET", "/admin/grants?study=S1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var grants []Grant
	require.NoError(t, json.NewDecoder(w.Body).Decode(&grants))
	require.Len(t, grants, 1)
	assert.False(t, grants[0].Active)

	self := principal.Principal{Actor: "r@example.org", Role: principal.RoleResearcher}
	assert.Equal(t, http.StatusOK, do(r, &self, "GET", "/admin/grants?user=r@example.org", nil).Code)
	assert.Equal(t, http.StatusForbidden, do(r, &self, "GET", "/admin/grants?user=other@example.org", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(r, &sysAdmin, "GET", "/admin/grants", nil).Code)
}
