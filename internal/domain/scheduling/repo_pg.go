package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/clinicops/admissions/internal/platform/db"
)

// =========== Appointment Repository ===========

type appointmentRepoPG struct{ pool db.Pool }

func NewAppointmentRepoPG(pool db.Pool) AppointmentRepository {
	return &appointmentRepoPG{pool: pool}
}

func (r *appointmentRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const apptCols = `id, patient_id, doctor_id, status, scheduled_at, notes,
	version, modification_count, created_at, updated_at`

func (r *appointmentRepoPG) scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var status string
	err := row.Scan(&a.ID, &a.PatientID, &a.DoctorID, &status, &a.ScheduledAt, &a.Notes,
		&a.Version, &a.ModificationCount, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Status = Status(status)
	return &a, nil
}

func (r *appointmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := r.scanAppointment(r.conn(ctx).QueryRow(ctx,
		`SELECT `+apptCols+` FROM appointment WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAppointmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	return a, nil
}

func (r *appointmentRepoPG) Create(ctx context.Context, a *Appointment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO appointment (id, patient_id, doctor_id, status, scheduled_at, notes,
			version, modification_count)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at, updated_at`,
		a.ID, a.PatientID, a.DoctorID, string(a.Status), a.ScheduledAt, a.Notes,
		a.Version, a.ModificationCount).Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create appointment: %w", err)
	}
	return nil
}

// UpdateIf is a single conditional statement: the version predicate and the
// write happen atomically, so concurrent callers holding the same version race
// for one row and exactly one wins.
func (r *appointmentRepoPG) UpdateIf(ctx context.Context, id uuid.UUID, expectedVersion int, p Patch) (*Appointment, error) {
	var status *string
	if p.Status != nil {
		s := string(*p.Status)
		status = &s
	}
	a, err := r.scanAppointment(r.conn(ctx).QueryRow(ctx, `
		UPDATE appointment SET
			status = COALESCE($3, status),
			scheduled_at = COALESCE($4, scheduled_at),
			doctor_id = CASE WHEN $6 THEN NULL ELSE COALESCE($5, doctor_id) END,
			version = version + 1,
			modification_count = modification_count + 1,
			updated_at = NOW()
		WHERE id = $1 AND version = $2
		RETURNING `+apptCols,
		id, expectedVersion, status, p.ScheduledAt, p.DoctorID, p.ClearDoctor))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrVersionMismatch
	}
	if err != nil {
		return nil, fmt.Errorf("update appointment: %w", err)
	}
	return a, nil
}

func (r *appointmentRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM appointment WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count appointments: %w", err)
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+apptCols+` FROM appointment
		WHERE patient_id = $1 ORDER BY scheduled_at DESC LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list appointments: %w", err)
	}
	defer rows.Close()
	var items []*Appointment
	for rows.Next() {
		a, err := r.scanAppointment(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, a)
	}
	return items, total, rows.Err()
}

func (r *appointmentRepoPG) StatusCounts(ctx context.Context, from, to time.Time) ([]StatusCount, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT status, COUNT(*) FROM appointment
		WHERE scheduled_at >= $1 AND scheduled_at < $2
		GROUP BY status ORDER BY status`, from, to)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()
	var out []StatusCount
	for rows.Next() {
		var sc StatusCount
		var status string
		if err := rows.Scan(&status, &sc.Count); err != nil {
			return nil, err
		}
		sc.Status = Status(status)
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (r *appointmentRepoPG) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.RunInTx(ctx, r.pool, fn)
}

// =========== History Repository ===========

type historyRepoPG struct{ pool db.Pool }

func NewHistoryRepoPG(pool db.Pool) HistoryRepository { return &historyRepoPG{pool: pool} }

const historyCols = `id, appointment_id, field_changed, value_before, value_after,
	reason, actor, version, changed_at`

func (r *historyRepoPG) Append(ctx context.Context, h *HistoryRecord) error {
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO appointment_history (id, appointment_id, field_changed, value_before,
			value_after, reason, actor, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING changed_at`,
		h.ID, h.AppointmentID, h.FieldChanged, h.ValueBefore, h.ValueAfter,
		h.Reason, h.Actor, h.Version).Scan(&h.ChangedAt)
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

func (r *historyRepoPG) ListByAppointment(ctx context.Context, appointmentID uuid.UUID) ([]*HistoryRecord, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT `+historyCols+` FROM appointment_history
		WHERE appointment_id = $1 ORDER BY version ASC`, appointmentID)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()
	var items []*HistoryRecord
	for rows.Next() {
		var h HistoryRecord
		if err := rows.Scan(&h.ID, &h.AppointmentID, &h.FieldChanged, &h.ValueBefore,
			&h.ValueAfter, &h.Reason, &h.Actor, &h.Version, &h.ChangedAt); err != nil {
			return nil, err
		}
		items = append(items, &h)
	}
	return items, rows.Err()
}

// =========== Transition Rule Repository ===========

type ruleRepoPG struct{ pool db.Pool }

func NewRuleRepoPG(pool db.Pool) RuleRepository { return &ruleRepoPG{pool: pool} }

func (r *ruleRepoPG) ListRules(ctx context.Context) ([]TransitionRule, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT id, from_state, to_state, requires_reason, role_required, description
		FROM appointment_state_transitions
		ORDER BY from_state NULLS FIRST, to_state`)
	if err != nil {
		return nil, fmt.Errorf("list transition rules: %w", err)
	}
	defer rows.Close()
	var rules []TransitionRule
	for rows.Next() {
		var (
			tr   TransitionRule
			from *string
			to   string
		)
		if err := rows.Scan(&tr.ID, &from, &to, &tr.RequiresReason, &tr.RoleRequired, &tr.Description); err != nil {
			return nil, err
		}
		if from != nil {
			s := Status(*from)
			tr.FromState = &s
		}
		tr.ToState = Status(to)
		rules = append(rules, tr)
	}
	return rules, rows.Err()
}

func (r *ruleRepoPG) ReplaceRules(ctx context.Context, rules []TransitionRule) error {
	return db.RunInTx(ctx, r.pool, func(ctx context.Context) error {
		q := db.Conn(ctx, r.pool)
		if _, err := q.Exec(ctx, `DELETE FROM appointment_state_transitions`); err != nil {
			return fmt.Errorf("clear transition rules: %w", err)
		}
		for _, tr := range rules {
			if tr.ID == uuid.Nil {
				tr.ID = uuid.New()
			}
			var from *string
			if tr.FromState != nil {
				s := string(*tr.FromState)
				from = &s
			}
			if _, err := q.Exec(ctx, `
				INSERT INTO appointment_state_transitions
					(id, from_state, to_state, requires_reason, role_required, description)
				VALUES ($1,$2,$3,$4,$5,$6)`,
				tr.ID, from, string(tr.ToState), tr.RequiresReason, tr.RoleRequired, tr.Description); err != nil {
				return fmt.Errorf("insert transition rule %s -> %s: %w", fromKey(tr), tr.ToState, err)
			}
		}
		return nil
	})
}
