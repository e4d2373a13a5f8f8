package registration

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/careorbit/careorbit/internal/domain/records"
)

type Handler struct {
	guard *Guard
}

func NewHandler(g *Guard) *Handler {
	return &Handler{guard: g}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/patients", h.RegisterPatient)
	g.PUT("/patients/:id", h.UpdatePatient)
	g.GET("/patients/search", h.SearchPatients)
	g.GET("/patients/by-code/:code", h.FindPatient)
}

func fail(c echo.Context, err error) error {
	return c.JSON(records.HTTPStatus(err), records.ResultOf(err, ""))
}

func (h *Handler) RegisterPatient(c echo.Context) error {
	var in Input
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	reg, err := h.guard.RegisterPatient(c.Request().Context(), in)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, reg)
}

func (h *Handler) UpdatePatient(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var in Input
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	reg, err := h.guard.UpdatePatient(c.Request().Context(), id, in)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, reg)
}

func (h *Handler) FindPatient(c echo.Context) error {
	reg, err := h.guard.FindPatient(c.Request().Context(), c.Param("code"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, reg)
}

func (h *Handler) SearchPatients(c echo.Context) error {
	found, err := h.guard.SearchPatients(c.Request().Context(), c.QueryParam("q"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, found)
}
