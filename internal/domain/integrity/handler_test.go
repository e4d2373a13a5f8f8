package integrity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/careorbit/careorbit/internal/domain/records"
)

func TestHandler_ListIssues(t *testing.T) {
	c := newClinic(t)
	ctx := context.Background()
	v := c.visit(t)
	must(t, c.store.Tests.Create(ctx, &records.Test{VisitID: v.ID, PatientID: c.patient.ID}))
	must(t, c.store.Visits.Delete(ctx, v.ID))

	h := NewHandler(NewAuditor(c.store, zerolog.Nop()))
	e := echo.New()

	for _, tt := range []struct {
		query string
		want  int
	}{
		{"", 1},
		{"?kind=DanglingVisitRef", 1},
		{"?kind=DuplicateAadhaar", 0},
	} {
		req := httptest.NewRequest(http.MethodGet, "/integrity/issues"+tt.query, nil)
		rec := httptest.NewRecorder()
		if err := h.ListIssues(e.NewContext(req, rec)); err != nil {
			t.Fatalf("handler error: %v", err)
		}
		var resp issuesResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.Total != tt.want || len(resp.Issues) != tt.want {
			t.Errorf("query %q: expected %d issues, got %+v", tt.query, tt.want, resp)
		}
	}
}
