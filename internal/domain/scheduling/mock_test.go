package scheduling

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clinicops/admissions/internal/domain/identity"
	"github.com/clinicops/admissions/internal/platform/db"
)

// -- In-memory store --

// memStore implements AppointmentRepository and HistoryRepository. InTx
// serializes transactions and restores a snapshot when fn fails, so partial
// writes never survive a rejected mutation.
type memStore struct {
	txMu sync.Mutex
	mu   sync.Mutex

	appts   map[uuid.UUID]Appointment
	history []HistoryRecord

	failAppend error
	failCommit bool
	// commitApplies decides whether a failed commit still persisted the writes.
	commitApplies bool
	updateCalls   int
}

func newMemStore() *memStore {
	return &memStore{appts: make(map[uuid.UUID]Appointment)}
}

func (s *memStore) seed(a Appointment) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.PatientID == uuid.Nil {
		a.PatientID = uuid.New()
	}
	if a.ScheduledAt.IsZero() {
		a.ScheduledAt = time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)
	}
	s.appts[a.ID] = a
	return a.ID
}

func (s *memStore) get(id uuid.UUID) Appointment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appts[id]
}

func (s *memStore) historyFor(id uuid.UUID) []HistoryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []HistoryRecord
	for _, h := range s.history {
		if h.AppointmentID == id {
			out = append(out, h)
		}
	}
	return out
}

func (s *memStore) GetByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.appts[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return &a, nil
}

func (s *memStore) Create(_ context.Context, a *Appointment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.CreatedAt = time.Now()
	a.UpdatedAt = a.CreatedAt
	s.appts[a.ID] = *a
	return nil
}

func (s *memStore) UpdateIf(_ context.Context, id uuid.UUID, expectedVersion int, p Patch) (*Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateCalls++
	a, ok := s.appts[id]
	if !ok || a.Version != expectedVersion {
		return nil, ErrVersionMismatch
	}
	if p.Status != nil {
		a.Status = *p.Status
	}
	if p.ScheduledAt != nil {
		a.ScheduledAt = *p.ScheduledAt
	}
	if p.ClearDoctor {
		a.DoctorID = nil
	} else if p.DoctorID != nil {
		d := *p.DoctorID
		a.DoctorID = &d
	}
	a.Version++
	a.ModificationCount++
	a.UpdatedAt = time.Now()
	s.appts[id] = a
	return &a, nil
}

func (s *memStore) ListByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var items []*Appointment
	for _, a := range s.appts {
		if a.PatientID == patientID {
			a := a
			items = append(items, &a)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ScheduledAt.After(items[j].ScheduledAt) })
	total := len(items)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return items[offset:end], total, nil
}

func (s *memStore) StatusCounts(_ context.Context, from, to time.Time) ([]StatusCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := map[Status]int{}
	for _, a := range s.appts {
		if !a.ScheduledAt.Before(from) && a.ScheduledAt.Before(to) {
			counts[a.Status]++
		}
	}
	var out []StatusCount
	for st, n := range counts {
		out = append(out, StatusCount{Status: st, Count: n})
	}
	return out, nil
}

func (s *memStore) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	savedAppts := make(map[uuid.UUID]Appointment, len(s.appts))
	for k, v := range s.appts {
		savedAppts[k] = v
	}
	savedHistory := append([]HistoryRecord(nil), s.history...)
	s.mu.Unlock()

	rollback := func() {
		s.mu.Lock()
		s.appts = savedAppts
		s.history = savedHistory
		s.mu.Unlock()
	}

	if err := fn(ctx); err != nil {
		rollback()
		return err
	}
	if s.failCommit {
		if !s.commitApplies {
			rollback()
		}
		return fmt.Errorf("%w: connection reset by peer", db.ErrCommitUnknown)
	}
	return nil
}

func (s *memStore) Append(_ context.Context, h *HistoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAppend != nil {
		return s.failAppend
	}
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	h.ChangedAt = time.Now()
	s.history = append(s.history, *h)
	return nil
}

func (s *memStore) ListByAppointment(_ context.Context, id uuid.UUID) ([]*HistoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*HistoryRecord
	for _, h := range s.history {
		if h.AppointmentID == id {
			h := h
			out = append(out, &h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// -- Patients --

type memPatients struct {
	store    *memStore
	patients map[uuid.UUID]identity.Patient
	fail     error
}

func newMemPatients(store *memStore) *memPatients {
	return &memPatients{store: store, patients: make(map[uuid.UUID]identity.Patient)}
}

func (m *memPatients) Create(_ context.Context, p *identity.Patient) error {
	if m.fail != nil {
		return m.fail
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.CreatedAt = time.Now()
	m.patients[p.ID] = *p
	return nil
}

func (m *memPatients) GetByID(_ context.Context, id uuid.UUID) (*identity.Patient, error) {
	p, ok := m.patients[id]
	if !ok {
		return nil, identity.ErrPatientNotFound
	}
	return &p, nil
}

func (m *memPatients) Search(context.Context, map[string]string, int, int) ([]*identity.Patient, int, error) {
	return nil, 0, nil
}

// -- Rules --

type memRuleRepo struct {
	mu    sync.Mutex
	rules []TransitionRule
	calls int
	err   error
	delay time.Duration
}

func (r *memRuleRepo) ListRules(context.Context) ([]TransitionRule, error) {
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	return append([]TransitionRule(nil), r.rules...), nil
}

func (r *memRuleRepo) ReplaceRules(_ context.Context, rules []TransitionRule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append([]TransitionRule(nil), rules...)
	return nil
}

func (r *memRuleRepo) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// -- Publisher --

type recordingPublisher struct {
	mu     sync.Mutex
	events []ChangeEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, channel string, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	if channel != ChangesChannel {
		return errors.New("unexpected channel " + channel)
	}
	p.events = append(p.events, v.(ChangeEvent))
	return nil
}

// -- Helpers --

func statusPtr(s Status) *Status { return &s }

func defaultTable() *RuleTable {
	t, err := NewRuleTable(DefaultRules())
	if err != nil {
		panic(err)
	}
	return t
}

func newTestManager(store *memStore, opts ...ManagerOption) *Manager {
	return NewManager(store, store, NewStaticRuleSource(defaultTable()), opts...)
}

var (
	registrar = Actor{ID: "reg-1", Roles: []string{"registrar"}}
	physician = Actor{ID: "doc-1", Roles: []string{"physician"}}
	nurse     = Actor{ID: "nurse-1", Roles: []string{"nurse"}}
)
