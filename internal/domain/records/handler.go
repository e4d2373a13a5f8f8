package records

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// Handler exposes the visit lifecycle. Domain errors are answered with a
// Result body carrying the error kind.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/visits", h.AssignVisit)
	g.POST("/visits/:id/start", h.StartVisit)
	g.POST("/visits/:id/cancel", h.CancelVisit)
	g.POST("/visits/:id/complete", h.CompleteVisit)
	g.PUT("/visits/:id/prescription", h.EditPrescription)
	g.GET("/visits/:id/prescription/audit", h.ListPrescriptionAudit)
	g.POST("/visits/:id/tests", h.AddTest)
	g.POST("/tests/:id/complete", h.CompleteTest)
	g.GET("/doctors/:id/workload", h.DoctorWorkload)
}

func fail(c echo.Context, err error) error {
	return c.JSON(HTTPStatus(err), ResultOf(err, ""))
}

// partialResult carries the persisted entity next to a partial_write result.
type partialResult struct {
	Result
	Data interface{} `json:"data"`
}

// failWith answers like fail, but includes entity when err is a partial
// write and the entity was persisted.
func failWith[T any](c echo.Context, err error, entity *T) error {
	if entity == nil || KindOf(err) != KindPartialWrite {
		return fail(c, err)
	}
	return c.JSON(HTTPStatus(err), partialResult{Result: ResultOf(err, ""), Data: entity})
}

func pathID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

type assignVisitRequest struct {
	PatientID      uuid.UUID `json:"patient_id"`
	DoctorID       uuid.UUID `json:"doctor_id"`
	DepartmentID   uuid.UUID `json:"department_id"`
	VisitDate      time.Time `json:"visit_date"`
	ReasonForVisit string    `json:"reason_for_visit"`
	VisitType      string    `json:"visit_type"`
	Priority       string    `json:"priority"`
	Notes          string    `json:"notes"`
}

func (h *Handler) AssignVisit(c echo.Context) error {
	var req assignVisitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	v, err := h.svc.AssignVisit(c.Request().Context(), AssignVisitInput(req))
	if err != nil {
		return failWith(c, err, v)
	}
	return c.JSON(http.StatusCreated, v)
}

type actorRequest struct {
	DoctorID uuid.UUID `json:"doctor_id"`
	Reason   string    `json:"reason"`
}

func (h *Handler) StartVisit(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req actorRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	v, err := h.svc.StartVisit(c.Request().Context(), id, req.DoctorID)
	if err != nil {
		return failWith(c, err, v)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) CancelVisit(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req actorRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	v, err := h.svc.CancelVisit(c.Request().Context(), id, req.DoctorID, req.Reason)
	if err != nil {
		return failWith(c, err, v)
	}
	return c.JSON(http.StatusOK, v)
}

type clinicalRequest struct {
	ActorID uuid.UUID `json:"actor_id"`
	ClinicalFields
}

func (h *Handler) CompleteVisit(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req clinicalRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	v, err := h.svc.CompleteVisit(c.Request().Context(), id, req.ActorID, req.ClinicalFields)
	if err != nil {
		return failWith(c, err, v)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) EditPrescription(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req clinicalRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	p, err := h.svc.EditPrescription(c.Request().Context(), id, req.ActorID, req.ClinicalFields)
	if err != nil {
		return failWith(c, err, p)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ListPrescriptionAudit(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	entries, err := h.svc.ListPrescriptionAudit(c.Request().Context(), id)
	if err != nil {
		return fail(c, err)
	}
	if entries == nil {
		entries = []*PrescriptionAudit{}
	}
	return c.JSON(http.StatusOK, entries)
}

type addTestRequest struct {
	DoctorID uuid.UUID `json:"doctor_id"`
	TestName string    `json:"test_name"`
	TestType string    `json:"test_type"`
}

func (h *Handler) AddTest(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req addTestRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	t, err := h.svc.AddTest(c.Request().Context(), id, req.DoctorID, req.TestName, req.TestType)
	if err != nil {
		return failWith(c, err, t)
	}
	return c.JSON(http.StatusCreated, t)
}

func (h *Handler) CompleteTest(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req struct {
		Results string `json:"results"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	t, err := h.svc.CompleteTest(c.Request().Context(), id, req.Results)
	if err != nil {
		return failWith(c, err, t)
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) DoctorWorkload(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	day := time.Now()
	if raw := c.QueryParam("date"); raw != "" {
		day, err = time.Parse("2006-01-02", raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid date, expected YYYY-MM-DD")
		}
	}
	w, err := h.svc.DoctorWorkload(c.Request().Context(), id, day)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, w)
}
