package identity

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Patient maps to the patient table.
type Patient struct {
	ID        uuid.UUID  `db:"id" json:"id"`
	FirstName string     `db:"first_name" json:"first_name"`
	LastName  string     `db:"last_name" json:"last_name"`
	BirthDate *time.Time `db:"birth_date" json:"birth_date,omitempty"`
	Gender    *string    `db:"gender" json:"gender,omitempty"`
	Phone     *string    `db:"phone" json:"phone,omitempty"`
	Email     *string    `db:"email" json:"email,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
}

// FullName renders "First Last" for display and logs.
func (p *Patient) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

var validGenders = map[string]bool{
	"male": true, "female": true, "other": true, "unknown": true,
}

// Normalize trims free-text fields and lower-cases gender.
func (p *Patient) Normalize() {
	p.FirstName = strings.TrimSpace(p.FirstName)
	p.LastName = strings.TrimSpace(p.LastName)
	if p.Gender != nil {
		g := strings.ToLower(strings.TrimSpace(*p.Gender))
		p.Gender = &g
	}
	if p.Email != nil {
		e := strings.TrimSpace(*p.Email)
		p.Email = &e
	}
}
