package enginehttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/sentra-authz/sentra/internal/audit"
	"github.com/sentra-authz/sentra/internal/catalog"
	"github.com/sentra-authz/sentra/internal/engine"
	"github.com/sentra-authz/sentra/internal/evaluator"
	"github.com/sentra-authz/sentra/internal/grants"
	"github.com/sentra-authz/sentra/internal/hierarchy"
)

func int64p(v int64) *int64 { return &v }

func testHandler(t *testing.T) (*chi.Mux, *grants.Memory) {
	t.Helper()
	store := grants.NewMemory()
	store.AddSubject(1)
	store.AddResourceType("report")

	clock := func() time.Time { return time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC) }
	resolver := hierarchy.NewResolver(store, 0)
	collector := grants.NewCollector(store, resolver, clock)
	cache := grants.NewCache(nil, 0)
	eval := evaluator.New(nil, clock)
	auditor := audit.NewEmitter(audit.NewMemory(), nil, nil, clock)
	eng := engine.New(collector, cache, eval, nil, auditor, nil, nil)

	cat := catalog.New()
	_, err := cat.Register(catalog.Permission{ResourceType: "report", Action: "read"})
	require.NoError(t, err)
	grantSvc := grants.NewService(store, cat, cache, auditor, nil, clock)

	h := NewHandler(nil, eng, grantSvc, cat)
	r := chi.NewRouter()
	h.MountRoutes(r)
	return r, store
}

func TestHandleDecideAllow(t *testing.T) {
	router, store := testHandler(t)
	_, err := store.CreateGrant(context.Background(), grants.Grant{
		SubjectID: int64p(1), PermissionID: 10,
		ResourceType: "report", Action: "read", Effect: grants.Allow,
	})
	require.NoError(t, err)

	body := `{"subject_id":1,"action":"read","resource_type":"report"}`
	req := httptest.NewRequest(http.MethodPost, "/decide", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var dec engine.Decision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dec))
	require.True(t, dec.Allow)
	require.Equal(t, engine.ReasonAllowed, dec.Reason)
	require.NotNil(t, dec.DecisiveGrantID)
}

func TestHandleDecideDefaultDeny(t *testing.T) {
	router, _ := testHandler(t)

	body := `{"subject_id":1,"action":"read","resource_type":"report"}`
	req := httptest.NewRequest(http.MethodPost, "/decide", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var dec engine.Decision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dec))
	require.False(t, dec.Allow)
	require.Equal(t, engine.ReasonNoApplicableGrant, dec.Reason)
}

func TestHandleDecideValidation(t *testing.T) {
	router, _ := testHandler(t)

	for _, body := range []string{
		`{`,
		`{"action":"read","resource_type":"report"}`,
		`{"subject_id":1,"resource_type":"report"}`,
		`{"subject_id":1,"action":"read"}`,
	} {
		req := httptest.NewRequest(http.MethodPost, "/decide", strings.NewReader(body))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		require.Equalf(t, http.StatusBadRequest, rec.Code, "body %s", body)
	}
}

func TestHandleDecideUnregisteredPermissionRejected(t *testing.T) {
	router, _ := testHandler(t)

	// Neither an unregistered resource type nor an unregistered action on a
	// known type is a decision; both are rejected before the engine runs.
	for _, tc := range []struct {
		body   string
		detail string
	}{
		{`{"subject_id":1,"action":"read","resource_type":"spreadsheet"}`, "unknown resource type: spreadsheet"},
		{`{"subject_id":1,"action":"shred","resource_type":"report"}`, "unknown action for report: shred"},
	} {
		req := httptest.NewRequest(http.MethodPost, "/decide", strings.NewReader(tc.body))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		require.Equalf(t, http.StatusBadRequest, rec.Code, "body %s", tc.body)
		var problem struct {
			Detail string `json:"detail"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
		require.Equal(t, tc.detail, problem.Detail)
	}
}

func TestHandleInvalidate(t *testing.T) {
	router, _ := testHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/invalidate", strings.NewReader(`{"subject_id":1}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	// Both or neither target is a validation failure.
	for _, body := range []string{`{}`, `{"subject_id":1,"role_id":2}`} {
		req := httptest.NewRequest(http.MethodPost, "/invalidate", strings.NewReader(body))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusBadRequest, rec.Code)
	}
}
