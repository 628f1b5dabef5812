package triage

import (
	"time"

	"github.com/google/uuid"
)

// Patient maps to the patient table. CurrentScore, CurrentPriorityTier and
// AssignedClinicianID are derived state written only by the engine.
type Patient struct {
	ID                  uuid.UUID  `db:"id" json:"id"`
	CurrentScore        *float64   `db:"current_score" json:"current_score"`
	CurrentPriorityTier string     `db:"current_priority_tier" json:"current_priority_tier"`
	AssignedClinicianID *uuid.UUID `db:"assigned_clinician_id" json:"assigned_clinician_id,omitempty"`
	EntryDate           time.Time  `db:"entry_date" json:"entry_date"`
	Active              bool       `db:"active" json:"active"`
	UpdatedAt           time.Time  `db:"updated_at" json:"updated_at"`
}

// Submission maps to the submission table: one completed questionnaire.
type Submission struct {
	ID                    uuid.UUID  `db:"id" json:"id"`
	PatientID             uuid.UUID  `db:"patient_id" json:"patient_id"`
	TypologyName          string     `db:"typology_name" json:"typology_name"`
	CompletedAt           time.Time  `db:"completed_at" json:"completed_at"`
	RawScore              float64    `db:"raw_score" json:"raw_score"`
	ChangeFlag            bool       `db:"change_flag" json:"change_flag"`
	Invalidated           bool       `db:"invalidated" json:"invalidated"`
	InvalidatedAt         *time.Time `db:"invalidated_at" json:"invalidated_at,omitempty"`
	RequestingClinicianID *uuid.UUID `db:"requesting_clinician_id" json:"requesting_clinician_id,omitempty"`
	ConfirmingAdminID     *uuid.UUID `db:"confirming_admin_id" json:"confirming_admin_id,omitempty"`
	Reviewed              bool       `db:"reviewed" json:"reviewed"`
	CreatedAt             time.Time  `db:"created_at" json:"created_at"`
}

// InvalidationState is the lifecycle of an invalidation request on a submission.
type InvalidationState string

const (
	InvalidationNone      InvalidationState = "none"
	InvalidationRequested InvalidationState = "requested"
	InvalidationApproved  InvalidationState = "approved"
	InvalidationRejected  InvalidationState = "rejected"
)

// InvalidationState derives the request state from the stored columns.
func (s *Submission) InvalidationState() InvalidationState {
	switch {
	case s.Invalidated:
		return InvalidationApproved
	case s.Reviewed:
		return InvalidationRejected
	case s.RequestingClinicianID != nil:
		return InvalidationRequested
	default:
		return InvalidationNone
	}
}

// Typology is a questionnaire type. Screening typologies are required for a score.
type Typology struct {
	Name                     string `db:"name" json:"name"`
	AdministrationPeriodDays int    `db:"administration_period_days" json:"administration_period_days"`
	Screening                bool   `db:"screening" json:"screening"`
}

// Tier is a configured urgency band.
type Tier struct {
	Name                   string  `db:"name" json:"name"`
	ScoreRangeStart        float64 `db:"score_range_start" json:"score_range_start"`
	ScoreRangeEnd          float64 `db:"score_range_end" json:"score_range_end"`
	ReassessmentWindowDays int     `db:"reassessment_window_days" json:"reassessment_window_days"`
}

// Contains reports whether score falls inside the inclusive range.
func (t *Tier) Contains(score float64) bool {
	return score >= t.ScoreRangeStart && score <= t.ScoreRangeEnd
}

// ReassessmentWindow returns the window as a duration.
func (t *Tier) ReassessmentWindow() time.Duration {
	return time.Duration(t.ReassessmentWindowDays) * 24 * time.Hour
}

type Clinician struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Active    bool      `db:"active" json:"active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

type Admin struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Active    bool      `db:"active" json:"active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// QueueEntry is one row of the virtual assignment queue.
type QueueEntry struct {
	PatientID  uuid.UUID  `json:"patient_id"`
	Tier       string     `json:"tier"`
	Score      *float64   `json:"score"`
	EntryDate  time.Time  `json:"entry_date"`
	EvidenceAt *time.Time `json:"evidence_at,omitempty"`
	Deadline   time.Time  `json:"deadline"`
}

// SubmissionFilter narrows SubmissionRepository.ListByPatient. Nil fields
// do not filter.
type SubmissionFilter struct {
	Typology    string
	Invalidated *bool
	ChangeFlag  *bool
	From        *time.Time
	To          *time.Time
}

// ValidOnly returns a filter excluding invalidated submissions.
func ValidOnly() SubmissionFilter {
	f := false
	return SubmissionFilter{Invalidated: &f}
}
