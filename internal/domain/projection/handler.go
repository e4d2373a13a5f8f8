package projection

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/careorbit/careorbit/internal/domain/records"
)

type Handler struct {
	p *Projector
}

func NewHandler(p *Projector) *Handler {
	return &Handler{p: p}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/projections/visit-summaries/rebuild", h.RebuildVisitSummaries)
	g.POST("/projections/patient-history/rebuild", h.RebuildPatientHistory)
	g.GET("/patients/:id/visit-summaries", h.ListVisitSummaries)
	g.GET("/patients/:id/history", h.ListPatientHistory)
}

type rebuildResponse struct {
	Projection string `json:"projection"`
	PatientID  string `json:"patient_id,omitempty"`
	Rows       int    `json:"rows"`
}

// patientScope reads the optional patient_id query parameter.
func patientScope(c echo.Context) (*uuid.UUID, error) {
	raw := c.QueryParam("patient_id")
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
	}
	return &id, nil
}

func (h *Handler) RebuildVisitSummaries(c echo.Context) error {
	scope, err := patientScope(c)
	if err != nil {
		return err
	}
	n, err := h.p.RebuildVisitSummary(c.Request().Context(), scope)
	if err != nil {
		return echo.NewHTTPError(records.HTTPStatus(err), err.Error())
	}
	return c.JSON(http.StatusOK, rebuildResponse{Projection: "visit_summary", PatientID: c.QueryParam("patient_id"), Rows: n})
}

func (h *Handler) RebuildPatientHistory(c echo.Context) error {
	scope, err := patientScope(c)
	if err != nil {
		return err
	}
	n, err := h.p.RebuildPatientHistory(c.Request().Context(), scope)
	if err != nil {
		return echo.NewHTTPError(records.HTTPStatus(err), err.Error())
	}
	return c.JSON(http.StatusOK, rebuildResponse{Projection: "patient_history", PatientID: c.QueryParam("patient_id"), Rows: n})
}

func (h *Handler) ListVisitSummaries(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	rows, err := h.p.VisitSummaries(c.Request().Context(), &id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if rows == nil {
		rows = []*records.VisitSummary{}
	}
	return c.JSON(http.StatusOK, rows)
}

func (h *Handler) ListPatientHistory(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	rows, err := h.p.PatientHistory(c.Request().Context(), &id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if rows == nil {
		rows = []*records.PatientHistoryEntry{}
	}
	return c.JSON(http.StatusOK, rows)
}
