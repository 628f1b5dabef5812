package triage

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repositories return an error wrapping ErrNotFound for missing rows.

type PatientRepository interface {
	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	UpdateScore(ctx context.Context, id uuid.UUID, score *float64) error
	UpdateTier(ctx context.Context, id uuid.UUID, tier string) error
	// Assign sets the clinician only if the patient is active and unassigned.
	// It reports whether the row was updated.
	Assign(ctx context.Context, id, clinicianID uuid.UUID) (bool, error)
	// Reassign sets the clinician unconditionally (admin override).
	Reassign(ctx context.Context, id, clinicianID uuid.UUID) error
	Deactivate(ctx context.Context, id uuid.UUID) error
	CountActiveByClinician(ctx context.Context, clinicianID uuid.UUID) (int, error)
	ListActiveByClinician(ctx context.Context, clinicianID uuid.UUID) ([]*Patient, error)
	ListUnassignedActive(ctx context.Context) ([]*Patient, error)
}

type SubmissionRepository interface {
	Create(ctx context.Context, s *Submission) error
	GetByID(ctx context.Context, id uuid.UUID) (*Submission, error)
	// Update persists the mutable columns: change flag and invalidation fields.
	Update(ctx context.Context, s *Submission) error
	// ListByPatient returns submissions ordered by completion time, oldest first.
	ListByPatient(ctx context.Context, patientID uuid.UUID, filter SubmissionFilter) ([]*Submission, error)
	// LatestEvidence returns, per patient, the completion time of the latest
	// valid submission carrying the change flag. Patients without one are absent.
	LatestEvidence(ctx context.Context, patientIDs []uuid.UUID) (map[uuid.UUID]time.Time, error)
}

type TypologyRepository interface {
	GetByName(ctx context.Context, name string) (*Typology, error)
	List(ctx context.Context) ([]*Typology, error)
}

type TierRepository interface {
	GetByName(ctx context.Context, name string) (*Tier, error)
	List(ctx context.Context) ([]*Tier, error)
}

type ClinicianRepository interface {
	Create(ctx context.Context, c *Clinician) error
	GetByID(ctx context.Context, id uuid.UUID) (*Clinician, error)
}

type AdminRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Admin, error)
}

// Transactor runs a unit of work atomically and serializes it against other
// units holding the same lock keys. Lock is only valid inside InTx.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
	Lock(ctx context.Context, key string) error
}

// Repositories bundles the stores the engine consumes.
type Repositories struct {
	Patients    PatientRepository
	Submissions SubmissionRepository
	Typologies  TypologyRepository
	Tiers       TierRepository
	Clinicians  ClinicianRepository
	Admins      AdminRepository
}

const queueLockKey = "assignment-queue"

func patientLockKey(id uuid.UUID) string   { return "patient:" + id.String() }
func clinicianLockKey(id uuid.UUID) string { return "clinician:" + id.String() }
