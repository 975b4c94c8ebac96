package scheduling

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinicops/admissions/internal/domain/identity"
	"github.com/clinicops/admissions/internal/platform/auth"
	"github.com/clinicops/admissions/internal/platform/versioning"
	"github.com/clinicops/admissions/pkg/pagination"
)

// RuleInvalidator drops cached transition rules. *CachedRuleSource satisfies it.
type RuleInvalidator interface {
	Invalidate(ctx context.Context) error
}

type Handler struct {
	mgr        *Manager
	admissions *Admissions
	rules      RuleInvalidator
}

// NewHandler wires the HTTP surface. rules may be nil when the table is static.
func NewHandler(mgr *Manager, admissions *Admissions, rules RuleInvalidator) *Handler {
	return &Handler{mgr: mgr, admissions: admissions, rules: rules}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read and status endpoints – admin, physician, nurse, registrar
	readGroup := api.Group("", auth.RequireRole("admin", "physician", "nurse", "registrar"))
	readGroup.GET("/appointments", h.ListAppointments)
	readGroup.GET("/appointments/stats", h.StatusCounts)
	readGroup.GET("/appointments/:id", h.GetAppointment)
	readGroup.GET("/appointments/:id/history", h.ListHistory)
	readGroup.POST("/appointments/:id/status", h.ChangeStatus)
	readGroup.POST("/appointments/:id/reschedule", h.Reschedule)
	readGroup.GET("/transition-rules", h.ListRules)

	// Front desk – admin, registrar, nurse
	deskGroup := api.Group("", auth.RequireRole("admin", "registrar", "nurse"))
	deskGroup.POST("/admissions", h.Admit)

	assignGroup := api.Group("", auth.RequireRole("admin", "registrar"))
	assignGroup.POST("/appointments/:id/doctor", h.AssignDoctor)

	adminGroup := api.Group("", auth.RequireRole("admin"))
	adminGroup.POST("/transition-rules/reload", h.ReloadRules)
}

// ErrorBody is the JSON shape of every lifecycle rejection.
type ErrorBody struct {
	Error           string `json:"error"`
	Message         string `json:"message"`
	AppointmentID   string `json:"appointment_id,omitempty"`
	CurrentStatus   Status `json:"current_status,omitempty"`
	RequestedStatus Status `json:"requested_status,omitempty"`
	RequiredRole    string `json:"required_role,omitempty"`
	Retryable       bool   `json:"retryable"`
}

var kindStatus = map[Kind]int{
	ErrNotFound:                 http.StatusNotFound,
	ErrIllegalTransition:        http.StatusUnprocessableEntity,
	ErrMissingReason:            http.StatusUnprocessableEntity,
	ErrForbidden:                http.StatusForbidden,
	ErrVersionConflict:          http.StatusConflict,
	ErrInvalidStateForOperation: http.StatusConflict,
	ErrIndeterminate:            http.StatusGatewayTimeout,
}

// httpError translates manager errors into echo HTTP errors.
func httpError(err error) error {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return echo.NewHTTPError(http.StatusBadRequest, ve.Error())
	}
	var le *Error
	if !errors.As(err, &le) {
		if errors.Is(err, context.DeadlineExceeded) {
			return echo.NewHTTPError(http.StatusGatewayTimeout, "storage timed out")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	body := ErrorBody{
		Error:           string(le.Kind),
		Message:         le.Error(),
		CurrentStatus:   le.Current,
		RequestedStatus: le.Requested,
		RequiredRole:    le.Role,
		Retryable:       le.Kind.Retryable(),
	}
	if le.AppointmentID != uuid.Nil {
		body.AppointmentID = le.AppointmentID.String()
	}
	switch le.Kind {
	case ErrVersionConflict:
		body.Message = "this appointment changed since you loaded it; refresh and retry"
	case ErrIndeterminate:
		body.Message = "the outcome of this change is unknown; reload the appointment before retrying"
	}
	code, ok := kindStatus[le.Kind]
	if !ok {
		code = http.StatusInternalServerError
	}
	return echo.NewHTTPError(code, body)
}

func actorFrom(c echo.Context) Actor {
	ctx := c.Request().Context()
	return Actor{ID: auth.UserIDFromContext(ctx), Roles: auth.RolesFromContext(ctx)}
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func respondAppointment(c echo.Context, code int, a *Appointment) error {
	versioning.SetETag(c, a.Version)
	return c.JSON(code, a)
}

// -- Admission --

type admissionBody struct {
	Patient     identity.Patient `json:"patient"`
	ScheduledAt time.Time        `json:"scheduled_at"`
	DoctorID    *uuid.UUID       `json:"doctor_id"`
	Notes       string           `json:"notes"`
}

func (h *Handler) Admit(c echo.Context) error {
	var body admissionBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	adm, err := h.admissions.Admit(c.Request().Context(), AdmissionRequest{
		Patient:     body.Patient,
		ScheduledAt: body.ScheduledAt,
		DoctorID:    body.DoctorID,
		Notes:       body.Notes,
		Actor:       actorFrom(c),
	})
	if err != nil {
		return httpError(err)
	}
	versioning.SetETag(c, adm.Appointment.Version)
	return c.JSON(http.StatusCreated, adm)
}

// -- Queries --

func (h *Handler) GetAppointment(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	a, err := h.mgr.GetAppointment(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	if versioning.NotModified(c, a.Version) {
		versioning.SetETag(c, a.Version)
		return c.NoContent(http.StatusNotModified)
	}
	return respondAppointment(c, http.StatusOK, a)
}

func (h *Handler) ListAppointments(c echo.Context) error {
	patientID, err := uuid.Parse(c.QueryParam("patient_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "patient_id query parameter is required")
	}
	pg := pagination.FromContext(c)
	items, total, err := h.mgr.ListByPatient(c.Request().Context(), patientID, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) ListHistory(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	records, err := h.mgr.ListHistory(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	if records == nil {
		records = []*HistoryRecord{}
	}
	return c.JSON(http.StatusOK, records)
}

// parseTimeParam accepts RFC 3339 timestamps or plain dates.
func parseTimeParam(raw string, fallback time.Time) (time.Time, error) {
	if raw == "" {
		return fallback, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", raw)
}

// StatusCounts defaults to the seven days starting today (UTC).
func (h *Handler) StatusCounts(c echo.Context) error {
	today := time.Now().UTC().Truncate(24 * time.Hour)
	from, err := parseTimeParam(c.QueryParam("from"), today)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid from: "+err.Error())
	}
	to, err := parseTimeParam(c.QueryParam("to"), from.AddDate(0, 0, 7))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid to: "+err.Error())
	}
	counts, err := h.mgr.StatusCounts(c.Request().Context(), from, to)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"from":   from,
		"to":     to,
		"counts": counts,
	})
}

// -- Mutations --

type statusBody struct {
	Status          string `json:"status"`
	Reason          string `json:"reason"`
	ExpectedVersion *int   `json:"expected_version"`
}

func (h *Handler) ChangeStatus(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var body statusBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	status, err := ParseStatus(body.Status)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	version, err := versioning.ExpectedVersion(c, body.ExpectedVersion)
	if err != nil {
		return err
	}
	a, err := h.mgr.RequestStatusChange(c.Request().Context(), StatusChange{
		AppointmentID:   id,
		ExpectedVersion: version,
		NewStatus:       status,
		Reason:          body.Reason,
		Actor:           actorFrom(c),
	})
	if err != nil {
		return httpError(err)
	}
	return respondAppointment(c, http.StatusOK, a)
}

type rescheduleBody struct {
	ScheduledAt     time.Time `json:"scheduled_at"`
	Reason          string    `json:"reason"`
	ExpectedVersion *int      `json:"expected_version"`
}

func (h *Handler) Reschedule(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var body rescheduleBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	version, err := versioning.ExpectedVersion(c, body.ExpectedVersion)
	if err != nil {
		return err
	}
	a, err := h.mgr.Reschedule(c.Request().Context(), RescheduleRequest{
		AppointmentID:   id,
		ExpectedVersion: version,
		NewTime:         body.ScheduledAt,
		Reason:          body.Reason,
		Actor:           actorFrom(c),
	})
	if err != nil {
		return httpError(err)
	}
	return respondAppointment(c, http.StatusOK, a)
}

type doctorBody struct {
	DoctorID        *uuid.UUID `json:"doctor_id"`
	Reason          string     `json:"reason"`
	ExpectedVersion *int       `json:"expected_version"`
}

func (h *Handler) AssignDoctor(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var body doctorBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	version, err := versioning.ExpectedVersion(c, body.ExpectedVersion)
	if err != nil {
		return err
	}
	a, err := h.mgr.AssignDoctor(c.Request().Context(), AssignDoctorRequest{
		AppointmentID:   id,
		ExpectedVersion: version,
		DoctorID:        body.DoctorID,
		Reason:          body.Reason,
		Actor:           actorFrom(c),
	})
	if err != nil {
		return httpError(err)
	}
	return respondAppointment(c, http.StatusOK, a)
}

// -- Transition rules --

func (h *Handler) ListRules(c echo.Context) error {
	table, err := h.mgr.Rules(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{
		"total": table.Len(),
		"rules": table.Rules(),
	})
}

func (h *Handler) ReloadRules(c echo.Context) error {
	if h.rules == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "transition rules are static in this deployment")
	}
	ctx := c.Request().Context()
	if err := h.rules.Invalidate(ctx); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	table, err := h.mgr.Rules(ctx)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"reloaded": true, "total": table.Len()})
}
