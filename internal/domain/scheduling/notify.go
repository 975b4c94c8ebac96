package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ChangesChannel is the pub/sub channel accepted mutations are announced on.
const ChangesChannel = "appointments.changed"

// ChangeEvent describes one accepted mutation. It mirrors the history record.
type ChangeEvent struct {
	AppointmentID uuid.UUID `json:"appointment_id"`
	Field         string    `json:"field"`
	Before        *string   `json:"before,omitempty"`
	After         *string   `json:"after,omitempty"`
	Reason        *string   `json:"reason,omitempty"`
	Version       int       `json:"version"`
	Actor         string    `json:"actor"`
	ChangedAt     time.Time `json:"changed_at"`
}

// Publisher delivers change events after commit. *cache.Publisher satisfies it.
type Publisher interface {
	Publish(ctx context.Context, channel string, v any) error
}

func changeEventFrom(h *HistoryRecord) ChangeEvent {
	return ChangeEvent{
		AppointmentID: h.AppointmentID,
		Field:         h.FieldChanged,
		Before:        h.ValueBefore,
		After:         h.ValueAfter,
		Reason:        h.Reason,
		Version:       h.Version,
		Actor:         h.Actor,
		ChangedAt:     h.ChangedAt,
	}
}
