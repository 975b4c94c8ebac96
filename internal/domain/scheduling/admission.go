package scheduling

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/clinicops/admissions/internal/domain/identity"
	"github.com/clinicops/admissions/internal/platform/db"
)

// AdmissionRequest registers a new patient together with their first appointment.
type AdmissionRequest struct {
	Patient     identity.Patient
	ScheduledAt time.Time
	DoctorID    *uuid.UUID
	Notes       string
	Actor       Actor
}

type Admission struct {
	Patient     *identity.Patient `json:"patient"`
	Appointment *Appointment      `json:"appointment"`
}

// Admissions creates patients and their initial SCHEDULED appointment atomically.
type Admissions struct {
	patients     identity.PatientRepository
	appointments AppointmentRepository
	logger       zerolog.Logger
}

func NewAdmissions(patients identity.PatientRepository, appts AppointmentRepository, logger zerolog.Logger) *Admissions {
	return &Admissions{patients: patients, appointments: appts, logger: logger}
}

func (a *Admissions) Admit(ctx context.Context, req AdmissionRequest) (*Admission, error) {
	p := req.Patient
	if err := identity.ValidatePatient(&p); err != nil {
		return nil, &ValidationError{Field: "patient", Message: err.Error()}
	}
	if req.ScheduledAt.IsZero() {
		return nil, &ValidationError{Field: "scheduled_at", Message: "is required"}
	}
	if strings.TrimSpace(req.Actor.ID) == "" {
		return nil, &ValidationError{Field: "actor", Message: "is required"}
	}

	ctx, span := tracer.Start(ctx, "scheduling.admit")
	defer span.End()

	appt := &Appointment{
		DoctorID:          req.DoctorID,
		Status:            StatusScheduled,
		ScheduledAt:       req.ScheduledAt.UTC(),
		Notes:             optionalString(req.Notes),
		Version:           1,
		ModificationCount: 0,
	}
	err := a.appointments.InTx(ctx, func(ctx context.Context) error {
		if err := a.patients.Create(ctx, &p); err != nil {
			return err
		}
		appt.PatientID = p.ID
		return a.appointments.Create(ctx, appt)
	})
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, db.ErrCommitUnknown) || ctx.Err() != nil {
			return nil, &Error{Kind: ErrIndeterminate, Op: "admit", AppointmentID: appt.ID, Err: err}
		}
		return nil, fmt.Errorf("admit patient: %w", err)
	}

	span.SetAttributes(
		attribute.String("patient.id", p.ID.String()),
		attribute.String("appointment.id", appt.ID.String()),
	)
	a.logger.Info().
		Str("patient_id", p.ID.String()).
		Str("appointment_id", appt.ID.String()).
		Str("actor", req.Actor.ID).
		Msg("patient admitted")
	return &Admission{Patient: &p, Appointment: appt}, nil
}
