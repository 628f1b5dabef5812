package triage

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/sintonia/sintonia/internal/platform/auth"
	"github.com/sintonia/sintonia/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleClinician, auth.RoleAdmin))
	read.GET("/patients/:id", h.GetPatient)
	read.GET("/patients/:id/submissions", h.ListSubmissions)
	read.GET("/patients/:id/score", h.GetScore)
	read.GET("/queue", h.ListQueue)

	clinician := api.Group("", auth.RequireRole(auth.RoleClinician))
	clinician.POST("/patients/:id/submissions", h.RecordSubmission)
	clinician.POST("/submissions/:id/invalidation-request", h.RequestInvalidation)
	clinician.POST("/clinicians/:id/patients/:pid/terminate", h.TerminateCare)

	admin := api.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.POST("/patients", h.AdmitPatient)
	admin.PUT("/patients/:id/clinician", h.ReassignPatient)
	admin.POST("/submissions/:id/invalidation/approve", h.ApproveInvalidation)
	admin.POST("/submissions/:id/invalidation/reject", h.RejectInvalidation)
	admin.POST("/clinicians", h.CreateClinician)
	admin.POST("/clinicians/:id/onboard", h.OnboardClinician)
}

// -- request bodies --

type admitRequest struct {
	EntryDate *time.Time `json:"entry_date"`
}

type submissionRequest struct {
	TypologyName string     `json:"typology_name" validate:"required"`
	RawScore     *float64   `json:"raw_score" validate:"required,gte=0"`
	CompletedAt  *time.Time `json:"completed_at"`
}

type reassignRequest struct {
	ClinicianID string `json:"clinician_id" validate:"required,uuid"`
}

type assignedResponse struct {
	Assigned *uuid.UUID `json:"assigned"`
}

// -- patients --

func (h *Handler) AdmitPatient(c echo.Context) error {
	var req admitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := h.svc.AdmitPatient(c.Request().Context(), req.EntryDate)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) GetPatient(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	p, err := h.svc.GetPatient(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) GetScore(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	asOf := time.Now().UTC()
	if v := c.QueryParam("as_of"); v != "" {
		if asOf, err = time.Parse(time.RFC3339, v); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "as_of must be RFC 3339")
		}
	}
	score, err := h.svc.ComputeScore(c.Request().Context(), id, asOf)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"patient_id": id, "as_of": asOf, "score": score})
}

// -- submissions --

func (h *Handler) RecordSubmission(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req submissionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	res, err := h.svc.RecordSubmission(c.Request().Context(), SubmissionInput{
		PatientID:    id,
		TypologyName: req.TypologyName,
		RawScore:     *req.RawScore,
		CompletedAt:  req.CompletedAt,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) ListSubmissions(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	filter, err := submissionFilter(c)
	if err != nil {
		return err
	}
	items, err := h.svc.ListSubmissions(c.Request().Context(), id, filter)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func submissionFilter(c echo.Context) (SubmissionFilter, error) {
	f := SubmissionFilter{Typology: c.QueryParam("typology")}
	for name, dst := range map[string]**bool{"invalidated": &f.Invalidated, "change_flag": &f.ChangeFlag} {
		if v := c.QueryParam(name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return f, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
			}
			*dst = &b
		}
	}
	for name, dst := range map[string]**time.Time{"from": &f.From, "to": &f.To} {
		if v := c.QueryParam(name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return f, echo.NewHTTPError(http.StatusBadRequest, name+" must be RFC 3339")
			}
			*dst = &t
		}
	}
	return f, nil
}

// -- invalidation --

func (h *Handler) RequestInvalidation(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	clinicianID, err := actorID(c)
	if err != nil {
		return err
	}
	if err := h.svc.RequestInvalidation(c.Request().Context(), id, clinicianID); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusAccepted)
}

func (h *Handler) ApproveInvalidation(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	adminID, err := actorID(c)
	if err != nil {
		return err
	}
	out, err := h.svc.ApproveInvalidation(c.Request().Context(), id, adminID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) RejectInvalidation(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	adminID, err := actorID(c)
	if err != nil {
		return err
	}
	if err := h.svc.RejectInvalidation(c.Request().Context(), id, adminID); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- assignment --

func (h *Handler) CreateClinician(c echo.Context) error {
	cl, err := h.svc.CreateClinician(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, cl)
}

func (h *Handler) OnboardClinician(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	ids, err := h.svc.OnboardClinician(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	if ids == nil {
		ids = []uuid.UUID{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"clinician_id": id, "assigned": ids})
}

func (h *Handler) TerminateCare(c echo.Context) error {
	clinicianID, err := pathID(c, "id")
	if err != nil {
		return err
	}
	patientID, err := pathID(c, "pid")
	if err != nil {
		return err
	}
	// Clinicians may only end their own patients' care.
	if !auth.HasRole(auth.RolesFromContext(c.Request().Context()), auth.RoleAdmin) {
		actor, err := actorID(c)
		if err != nil {
			return err
		}
		if actor != clinicianID {
			return echo.NewHTTPError(http.StatusForbidden, "cannot terminate care for another clinician")
		}
	}
	next, err := h.svc.TerminateCare(c.Request().Context(), patientID, clinicianID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, assignedResponse{Assigned: next})
}

func (h *Handler) ReassignPatient(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req reassignRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	next, err := h.svc.ReassignPatient(c.Request().Context(), id, uuid.MustParse(req.ClinicianID))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, assignedResponse{Assigned: next})
}

func (h *Handler) ListQueue(c echo.Context) error {
	pg := pagination.FromContext(c)
	entries, err := h.svc.QueueSnapshot(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	start, end := pg.Bounds(len(entries))
	resp := pagination.NewResponse(entries[start:end], len(entries), pg.Limit, pg.Offset)
	return c.JSON(http.StatusOK, resp.WithLinks(c.Request().URL))
}

// -- helpers --

func pathID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

func actorID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusUnauthorized, "caller identity is not a user id")
	}
	return id, nil
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidArgument):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		// The request logger records the internal error; callers see a generic message.
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
	}
}
