package stockcount_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-stock/internal/inventory"
	"github.com/odyssey-erp/odyssey-stock/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-stock/internal/stockcount"
)

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(httpx.ActorHeader, "21")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlerCountLifecycle(t *testing.T) {
	f := newFixture(t)
	f.receive(t, 1, "12", "2")
	r := chi.NewRouter()
	r.Use(httpx.ActorMiddleware)
	r.Route("/api/stock-counts", stockcount.NewHandler(nil, f.svc).MountRoutes)

	rec := do(t, r, http.MethodPost, "/api/stock-counts", `{"location":"central","count_date":"2026-01-31"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		ID     int64  `json:"id"`
		Number string `json:"number"`
		Items  []struct {
			ID int64 `json:"id"`
		} `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Equal(t, "OPN-202601-0001", created.Number)
	require.Len(t, created.Items, 1)
	base := fmt.Sprintf("/api/stock-counts/%d", created.ID)

	rec = do(t, r, http.MethodPut, fmt.Sprintf("%s/items/%d", base, created.Items[0].ID), `{"counted_quantity":"10"}`)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, r, http.MethodPost, base+"/start", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = do(t, r, http.MethodPut, fmt.Sprintf("%s/items/%d", base, created.Items[0].ID), `{"counted_quantity":"10","note":"two broken"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Contains(t, rec.Body.String(), `"variance":"-2"`)

	for _, step := range []string{"/verify", "/complete", "/approve", "/finalize", "/finalize"} {
		rec = do(t, r, http.MethodPost, base+step, "")
		require.Equal(t, http.StatusOK, rec.Code, "%s: %s", step, rec.Body.String())
	}
	require.Contains(t, rec.Body.String(), `"status":"finalized"`)
	require.True(t, f.store.Position(1, inventory.Central()).OnHand.Equal(dec("10")))

	rec = do(t, r, http.MethodGet, base+"/history", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Contains(t, rec.Body.String(), `"action":"START"`)
	require.Contains(t, rec.Body.String(), `"action":"FINALIZE"`)

	rec = do(t, r, http.MethodPost, "/api/stock-counts", `{"location":"warehouse"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
