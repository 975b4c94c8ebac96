package scheduling

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/clinicops/admissions/internal/platform/db"
	"github.com/clinicops/admissions/internal/platform/metrics"
)

var tracer = otel.Tracer("clinicops/scheduling")

// Operation names used in errors, spans and metrics.
const (
	OpChangeStatus = "change_status"
	OpReschedule   = "reschedule"
	OpAssignDoctor = "assign_doctor"
)

// DefaultStoreTimeout bounds each manager call when no timeout is configured.
const DefaultStoreTimeout = 5 * time.Second

// StatusChange asks to move an appointment to NewStatus.
type StatusChange struct {
	AppointmentID   uuid.UUID
	ExpectedVersion int
	NewStatus       Status
	Reason          string
	Actor           Actor
}

type RescheduleRequest struct {
	AppointmentID   uuid.UUID
	ExpectedVersion int
	NewTime         time.Time
	Reason          string
	Actor           Actor
}

// AssignDoctorRequest sets the treating doctor. A nil DoctorID unassigns.
type AssignDoctorRequest struct {
	AppointmentID   uuid.UUID
	ExpectedVersion int
	DoctorID        *uuid.UUID
	Reason          string
	Actor           Actor
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

func WithPublisher(p Publisher) ManagerOption {
	return func(m *Manager) { m.publisher = p }
}

func WithMetrics(lm *metrics.LifecycleMetrics) ManagerOption {
	return func(m *Manager) { m.metrics = lm }
}

func WithLogger(l zerolog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithStoreTimeout bounds every manager call. Zero or negative disables the bound.
func WithStoreTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.storeTimeout = d }
}

// Manager is the only code path that mutates appointments after admission.
type Manager struct {
	appointments AppointmentRepository
	history      HistoryRepository
	rules        RuleSource
	publisher    Publisher
	metrics      *metrics.LifecycleMetrics
	logger       zerolog.Logger
	storeTimeout time.Duration
}

func NewManager(appts AppointmentRepository, hist HistoryRepository, rules RuleSource, opts ...ManagerOption) *Manager {
	m := &Manager{
		appointments: appts,
		history:      hist,
		rules:        rules,
		logger:       zerolog.Nop(),
		storeTimeout: DefaultStoreTimeout,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// plan inspects the current snapshot and returns the patch and history record to
// write, or a rejection.
type plan func(ctx context.Context, cur *Appointment) (Patch, *HistoryRecord, error)

type mutation struct {
	op              string
	id              uuid.UUID
	expectedVersion int
	actor           Actor
	plan            plan
}

// RequestStatusChange moves an appointment along an edge of the transition
// rule table. Rejections are checked in this order: NotFound, VersionConflict,
// IllegalTransition, MissingReason, Forbidden. A stale version is reported
// before any rule check, so replaying a request that already applied yields
// VersionConflict.
func (m *Manager) RequestStatusChange(ctx context.Context, req StatusChange) (*Appointment, error) {
	if !req.NewStatus.Valid() {
		return nil, &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", req.NewStatus)}
	}
	return m.mutate(ctx, mutation{
		op:              OpChangeStatus,
		id:              req.AppointmentID,
		expectedVersion: req.ExpectedVersion,
		actor:           req.Actor,
		plan: func(ctx context.Context, cur *Appointment) (Patch, *HistoryRecord, error) {
			table, err := m.rules.Rules(ctx)
			if err != nil {
				return Patch{}, nil, fmt.Errorf("load transition rules: %w", err)
			}
			rule, ok := table.Lookup(cur.Status, req.NewStatus)
			if !ok {
				return Patch{}, nil, &Error{Kind: ErrIllegalTransition, Current: cur.Status, Requested: req.NewStatus}
			}
			reason := optionalString(req.Reason)
			if rule.RequiresReason && reason == nil {
				return Patch{}, nil, &Error{Kind: ErrMissingReason, Current: cur.Status, Requested: req.NewStatus}
			}
			if rule.RoleRequired != nil && !req.Actor.HasRole(*rule.RoleRequired) {
				return Patch{}, nil, &Error{Kind: ErrForbidden, Current: cur.Status, Requested: req.NewStatus, Role: *rule.RoleRequired}
			}
			next := req.NewStatus
			return Patch{Status: &next}, &HistoryRecord{
				FieldChanged: FieldStatus,
				ValueBefore:  strPtr(string(cur.Status)),
				ValueAfter:   strPtr(string(next)),
				Reason:       reason,
			}, nil
		},
	})
}

// Reschedule moves the appointment time. It never consults the rule table.
func (m *Manager) Reschedule(ctx context.Context, req RescheduleRequest) (*Appointment, error) {
	if req.NewTime.IsZero() {
		return nil, &ValidationError{Field: "scheduled_at", Message: "is required"}
	}
	return m.mutate(ctx, mutation{
		op:              OpReschedule,
		id:              req.AppointmentID,
		expectedVersion: req.ExpectedVersion,
		actor:           req.Actor,
		plan: func(_ context.Context, cur *Appointment) (Patch, *HistoryRecord, error) {
			if cur.Status.IsTerminal() {
				return Patch{}, nil, &Error{Kind: ErrInvalidStateForOperation, Current: cur.Status}
			}
			reason := optionalString(req.Reason)
			if reason == nil {
				return Patch{}, nil, &Error{Kind: ErrMissingReason, Current: cur.Status}
			}
			at := req.NewTime.UTC()
			return Patch{ScheduledAt: &at}, &HistoryRecord{
				FieldChanged: FieldScheduledAt,
				ValueBefore:  strPtr(formatTime(cur.ScheduledAt)),
				ValueAfter:   strPtr(formatTime(at)),
				Reason:       reason,
			}, nil
		},
	})
}

// AssignDoctor sets or clears the treating doctor.
func (m *Manager) AssignDoctor(ctx context.Context, req AssignDoctorRequest) (*Appointment, error) {
	return m.mutate(ctx, mutation{
		op:              OpAssignDoctor,
		id:              req.AppointmentID,
		expectedVersion: req.ExpectedVersion,
		actor:           req.Actor,
		plan: func(_ context.Context, cur *Appointment) (Patch, *HistoryRecord, error) {
			if cur.Status.IsTerminal() {
				return Patch{}, nil, &Error{Kind: ErrInvalidStateForOperation, Current: cur.Status}
			}
			p := Patch{DoctorID: req.DoctorID, ClearDoctor: req.DoctorID == nil}
			return p, &HistoryRecord{
				FieldChanged: FieldDoctorID,
				ValueBefore:  formatDoctor(cur.DoctorID),
				ValueAfter:   formatDoctor(req.DoctorID),
				Reason:       optionalString(req.Reason),
			}, nil
		},
	})
}

func (m *Manager) mutate(ctx context.Context, mu mutation) (*Appointment, error) {
	if mu.expectedVersion < 0 {
		return nil, &ValidationError{Field: "expected_version", Message: "must be a non-negative integer"}
	}
	if strings.TrimSpace(mu.actor.ID) == "" {
		return nil, &ValidationError{Field: "actor", Message: "is required"}
	}

	start := time.Now()
	ctx, span := tracer.Start(ctx, "scheduling."+mu.op, trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	span.SetAttributes(
		attribute.String("appointment.id", mu.id.String()),
		attribute.Int("appointment.expected_version", mu.expectedVersion),
		attribute.String("actor.id", mu.actor.ID),
	)

	if m.storeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.storeTimeout)
		defer cancel()
	}

	updated, hist, err := m.apply(ctx, mu)
	outcome := "ok"
	if err != nil {
		outcome = string(KindOf(err))
		if outcome == "" {
			outcome = "error"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	span.SetAttributes(attribute.String("outcome", outcome))
	m.metrics.ObserveMutation(mu.op, outcome, time.Since(start).Seconds())

	if err != nil {
		m.logger.Debug().Err(err).
			Str("op", mu.op).
			Str("appointment_id", mu.id.String()).
			Str("kind", outcome).
			Str("actor", mu.actor.ID).
			Msg("appointment mutation rejected")
		return nil, err
	}

	m.logger.Info().
		Str("op", mu.op).
		Str("appointment_id", mu.id.String()).
		Int("version", updated.Version).
		Str("field", hist.FieldChanged).
		Str("actor", mu.actor.ID).
		Msg("appointment updated")
	m.notify(ctx, hist)
	return updated, nil
}

// apply runs the read, validate and conditional-write phases. Failures before the
// write are determinate; failures that leave the commit outcome unknown are
// reported as ErrIndeterminate.
func (m *Manager) apply(ctx context.Context, mu mutation) (*Appointment, *HistoryRecord, error) {
	fail := func(e *Error) error {
		e.Op = mu.op
		e.AppointmentID = mu.id
		e.ExpectedVersion = mu.expectedVersion
		return e
	}

	cur, err := m.appointments.GetByID(ctx, mu.id)
	if errors.Is(err, ErrAppointmentNotFound) {
		return nil, nil, fail(&Error{Kind: ErrNotFound})
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%s appointment %s: %w", mu.op, mu.id, err)
	}

	// A caller holding an older version is stale whatever it asks for. The
	// conditional write below still guards against writers racing past this read.
	if cur.Version != mu.expectedVersion {
		return nil, nil, fail(&Error{
			Kind:          ErrVersionConflict,
			Current:       cur.Status,
			ActualVersion: cur.Version,
		})
	}

	patch, hist, err := mu.plan(ctx, cur)
	if err != nil {
		var le *Error
		if errors.As(err, &le) {
			return nil, nil, fail(le)
		}
		return nil, nil, fmt.Errorf("%s appointment %s: %w", mu.op, mu.id, err)
	}

	hist.AppointmentID = mu.id
	hist.Actor = mu.actor.ID

	var updated *Appointment
	err = m.appointments.InTx(ctx, func(ctx context.Context) error {
		a, err := m.appointments.UpdateIf(ctx, mu.id, mu.expectedVersion, patch)
		if err != nil {
			return err
		}
		hist.Version = a.Version
		if err := m.history.Append(ctx, hist); err != nil {
			return err
		}
		updated = a
		return nil
	})
	switch {
	case err == nil:
		return updated, hist, nil
	case errors.Is(err, ErrVersionMismatch):
		return nil, nil, fail(&Error{Kind: ErrVersionConflict, Current: cur.Status})
	case errors.Is(err, db.ErrCommitUnknown),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		ctx.Err() != nil:
		return nil, nil, fail(&Error{Kind: ErrIndeterminate, Current: cur.Status, Err: err})
	default:
		return nil, nil, fmt.Errorf("%s appointment %s: %w", mu.op, mu.id, err)
	}
}

func (m *Manager) notify(ctx context.Context, h *HistoryRecord) {
	if m.publisher == nil {
		return
	}
	// The mutation is already durable; a late deadline must not drop the event.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if err := m.publisher.Publish(ctx, ChangesChannel, changeEventFrom(h)); err != nil {
		m.logger.Warn().Err(err).
			Str("appointment_id", h.AppointmentID.String()).
			Int("version", h.Version).
			Msg("failed to publish appointment change")
	}
}

// -- Queries --

func (m *Manager) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := m.appointments.GetByID(ctx, id)
	if errors.Is(err, ErrAppointmentNotFound) {
		return nil, &Error{Kind: ErrNotFound, Op: "get", AppointmentID: id}
	}
	return a, err
}

// ListHistory returns the audit trail oldest first.
func (m *Manager) ListHistory(ctx context.Context, id uuid.UUID) ([]*HistoryRecord, error) {
	if _, err := m.GetAppointment(ctx, id); err != nil {
		return nil, err
	}
	return m.history.ListByAppointment(ctx, id)
}

func (m *Manager) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	return m.appointments.ListByPatient(ctx, patientID, limit, offset)
}

// StatusCounts tallies appointments scheduled in [from, to) by status. Every
// status is present, zero-filled, in lifecycle order.
func (m *Manager) StatusCounts(ctx context.Context, from, to time.Time) ([]StatusCount, error) {
	if !to.After(from) {
		return nil, &ValidationError{Field: "to", Message: "must be after from"}
	}
	raw, err := m.appointments.StatusCounts(ctx, from, to)
	if err != nil {
		return nil, err
	}
	byStatus := make(map[Status]int, len(raw))
	for _, sc := range raw {
		byStatus[sc.Status] += sc.Count
	}
	out := make([]StatusCount, 0, len(AllStatuses))
	for _, s := range AllStatuses {
		out = append(out, StatusCount{Status: s, Count: byStatus[s]})
	}
	return out, nil
}

func (m *Manager) Rules(ctx context.Context) (*RuleTable, error) {
	return m.rules.Rules(ctx)
}
