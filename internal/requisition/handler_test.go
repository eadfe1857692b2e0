package requisition_test

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
	"github.com/odyssey-erp/odyssey-stock/internal/requisition"
)

func do(t *testing.T, h http.Handler, method, path, actor, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(httpx.ActorHeader, actor)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlerRequestLifecycle(t *testing.T) {
	f := newFixture(t, requisition.Config{ReserveOnApprove: true})
	f.receive(t, 1, "20", "5")
	r := chi.NewRouter()
	r.Use(httpx.ActorMiddleware)
	r.Route("/api/requisitions", requisition.NewHandler(nil, f.svc).MountRoutes)

	rec := do(t, r, http.MethodPost, "/api/requisitions", "11", `{"department_id":3,"priority":"high","items":[{"item_id":1,"quantity":"8"}]}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		ID       int64  `json:"id"`
		Status   string `json:"status"`
		Priority string `json:"priority"`
		Items    []struct {
			ID int64 `json:"id"`
		} `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Equal(t, "draft", created.Status)
	require.Equal(t, "high", created.Priority)
	base := fmt.Sprintf("/api/requisitions/%d", created.ID)

	rec = do(t, r, http.MethodPost, base+"/complete", "13", "")
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, r, http.MethodPost, base+"/submit", "11", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, r, http.MethodPost, base+"/approve", "12", fmt.Sprintf(`{"lines":[{"request_item_id":%d,"quantity":"9"}]}`, created.Items[0].ID))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, r, http.MethodPost, base+"/approve", "12", fmt.Sprintf(`{"lines":[{"request_item_id":%d,"quantity":"8"}]}`, created.Items[0].ID))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Contains(t, rec.Body.String(), `"quantity_approved":"8"`)

	rec = do(t, r, http.MethodPost, base+"/complete", "13", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Contains(t, rec.Body.String(), `"status":"completed"`)
	require.True(t, f.store.Position(1, inventory.Department(pharmacy)).OnHand.Equal(dec("8")))

	rec = do(t, r, http.MethodGet, base, "11", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"quantity_issued":"8"`)

	rec = do(t, r, http.MethodPost, base+"/reject", "12", `{"reason":"late"}`)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, r, http.MethodGet, base+"/history", "11", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var trail struct {
		History []struct {
			Action  string `json:"action"`
			ActorID int64  `json:"actor_id"`
		} `json:"history"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &trail))
	require.Len(t, trail.History, 3)
	require.Equal(t, "SUBMIT", trail.History[0].Action)
	require.Equal(t, int64(12), trail.History[1].ActorID)
	require.Equal(t, "COMPLETE", trail.History[2].Action)

	rec = do(t, r, http.MethodGet, "/api/requisitions/999", "11", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, r, http.MethodGet, "/api/requisitions/999/history", "11", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}
