package identity

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrPatientNotFound = errors.New("patient not found")

type PatientRepository interface {
	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	// Search matches name (prefix on first or last name) and phone.
	Search(ctx context.Context, params map[string]string, limit, offset int) ([]*Patient, int, error)
}
