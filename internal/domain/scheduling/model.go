package scheduling

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the closed set of appointment states.
type Status string

const (
	StatusScheduled   Status = "SCHEDULED"
	StatusConfirmed   Status = "CONFIRMED"
	StatusArrived     Status = "ARRIVED"
	StatusCompleted   Status = "COMPLETED"
	StatusCancelled   Status = "CANCELLED"
	StatusRescheduled Status = "RESCHEDULED"
	StatusNoShow      Status = "NO_SHOW"
)

// AllStatuses lists every state in lifecycle order.
var AllStatuses = []Status{
	StatusScheduled, StatusConfirmed, StatusArrived, StatusCompleted,
	StatusCancelled, StatusRescheduled, StatusNoShow,
}

func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusConfirmed, StatusArrived, StatusCompleted,
		StatusCancelled, StatusRescheduled, StatusNoShow:
		return true
	}
	return false
}

// IsTerminal reports whether the appointment is closed for scheduling changes.
// Status changes do not consult this; they rely on the rule table alone.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusNoShow:
		return true
	}
	return false
}

// ParseStatus accepts any casing and "-" in place of "_" (e.g. "no-show").
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(raw), "-", "_")))
	if !s.Valid() {
		return "", fmt.Errorf("invalid appointment status: %q", raw)
	}
	return s, nil
}

// Appointment maps to the appointment table.
type Appointment struct {
	ID                uuid.UUID  `db:"id" json:"id"`
	PatientID         uuid.UUID  `db:"patient_id" json:"patient_id"`
	DoctorID          *uuid.UUID `db:"doctor_id" json:"doctor_id,omitempty"`
	Status            Status     `db:"status" json:"status"`
	ScheduledAt       time.Time  `db:"scheduled_at" json:"scheduled_at"`
	Notes             *string    `db:"notes" json:"notes,omitempty"`
	Version           int        `db:"version" json:"version"`
	ModificationCount int        `db:"modification_count" json:"modification_count"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`
}

// Fields recorded in appointment history.
const (
	FieldStatus      = "status"
	FieldScheduledAt = "scheduledAt"
	FieldDoctorID    = "doctorId"
)

// HistoryRecord maps to the append-only appointment_history table.
type HistoryRecord struct {
	ID            uuid.UUID `db:"id" json:"id"`
	AppointmentID uuid.UUID `db:"appointment_id" json:"appointment_id"`
	FieldChanged  string    `db:"field_changed" json:"field_changed"`
	ValueBefore   *string   `db:"value_before" json:"value_before,omitempty"`
	ValueAfter    *string   `db:"value_after" json:"value_after,omitempty"`
	Reason        *string   `db:"reason" json:"reason,omitempty"`
	Actor         string    `db:"actor" json:"actor"`
	Version       int       `db:"version" json:"version"`
	ChangedAt     time.Time `db:"changed_at" json:"changed_at"`
}

// Patch is the set of columns a conditional update may change. Nil fields are
// left untouched; ClearDoctor unassigns the doctor.
type Patch struct {
	Status      *Status
	ScheduledAt *time.Time
	DoctorID    *uuid.UUID
	ClearDoctor bool
}

// Actor identifies who requests a mutation and which roles they hold.
type Actor struct {
	ID    string
	Roles []string
}

// HasRole treats "admin" as holding every role.
func (a Actor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role || r == "admin" {
			return true
		}
	}
	return false
}

// StatusCount is one bar of the dashboard status chart.
type StatusCount struct {
	Status Status `json:"status"`
	Count  int    `json:"count"`
}

func strPtr(s string) *string { return &s }

func optionalString(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func formatDoctor(id *uuid.UUID) *string {
	if id == nil {
		return nil
	}
	return strPtr(id.String())
}
