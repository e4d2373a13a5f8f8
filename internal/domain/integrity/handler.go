package integrity

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

type Handler struct {
	auditor *Auditor
}

func NewHandler(a *Auditor) *Handler {
	return &Handler{auditor: a}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/integrity/issues", h.ListIssues)
}

type issuesResponse struct {
	Total   int               `json:"total"`
	Summary map[IssueKind]int `json:"summary"`
	Issues  []Issue           `json:"issues"`
}

func (h *Handler) ListIssues(c echo.Context) error {
	issues, err := h.auditor.AuditReferences(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if kind := c.QueryParam("kind"); kind != "" {
		filtered := issues[:0:0]
		for _, i := range issues {
			if string(i.Kind) == kind {
				filtered = append(filtered, i)
			}
		}
		issues = filtered
	}
	if issues == nil {
		issues = []Issue{}
	}
	return c.JSON(http.StatusOK, issuesResponse{Total: len(issues), Summary: Summary(issues), Issues: issues})
}
