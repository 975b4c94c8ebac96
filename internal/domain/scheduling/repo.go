package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// AppointmentRepository is the storage surface the Manager depends on.
type AppointmentRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	Create(ctx context.Context, a *Appointment) error
	// UpdateIf applies p only while the stored version equals expectedVersion,
	// bumping version and modification_count. Returns ErrVersionMismatch when no
	// row matched.
	UpdateIf(ctx context.Context, id uuid.UUID, expectedVersion int, p Patch) (*Appointment, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Appointment, int, error)
	StatusCounts(ctx context.Context, from, to time.Time) ([]StatusCount, error)
	// InTx runs fn so that every repository call made with the ctx it receives
	// commits or rolls back together.
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type HistoryRepository interface {
	Append(ctx context.Context, h *HistoryRecord) error
	ListByAppointment(ctx context.Context, appointmentID uuid.UUID) ([]*HistoryRecord, error)
}

type RuleRepository interface {
	ListRules(ctx context.Context) ([]TransitionRule, error)
	// ReplaceRules swaps the whole rule table atomically.
	ReplaceRules(ctx context.Context, rules []TransitionRule) error
}
