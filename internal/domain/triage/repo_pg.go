package triage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sintonia/sintonia/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type pgBase struct{ pool *pgxpool.Pool }

func (r *pgBase) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

// notFound maps pgx.ErrNoRows onto ErrNotFound.
func notFound(err error, what string, key interface{}) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %v: %w", what, key, ErrNotFound)
	}
	return err
}

// NewRepositoriesPG returns pgx-backed repositories sharing pool.
func NewRepositoriesPG(pool *pgxpool.Pool) Repositories {
	base := pgBase{pool: pool}
	return Repositories{
		Patients:    &patientRepoPG{base},
		Submissions: &submissionRepoPG{base},
		Typologies:  &typologyRepoPG{base},
		Tiers:       &tierRepoPG{base},
		Clinicians:  &clinicianRepoPG{base},
		Admins:      &adminRepoPG{base},
	}
}

// -- patients --

type patientRepoPG struct{ pgBase }

const patientCols = `id, current_score, current_priority_tier, assigned_clinician_id,
	entry_date, active, updated_at`

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.CurrentScore, &p.CurrentPriorityTier, &p.AssignedClinicianID,
		&p.EntryDate, &p.Active, &p.UpdatedAt)
	return &p, err
}

func (r *patientRepoPG) Create(ctx context.Context, p *Patient) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO patient (id, current_score, current_priority_tier, assigned_clinician_id, entry_date, active)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		p.ID, p.CurrentScore, p.CurrentPriorityTier, p.AssignedClinicianID, p.EntryDate, p.Active)
	return err
}

func (r *patientRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	p, err := scanPatient(r.conn(ctx).QueryRow(ctx, `SELECT `+patientCols+` FROM patient WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "patient", id)
	}
	return p, nil
}

func (r *patientRepoPG) exec(ctx context.Context, id uuid.UUID, sql string, args ...interface{}) error {
	tag, err := r.conn(ctx).Exec(ctx, sql, append([]interface{}{id}, args...)...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("patient %s: %w", id, ErrNotFound)
	}
	return nil
}

func (r *patientRepoPG) UpdateScore(ctx context.Context, id uuid.UUID, score *float64) error {
	return r.exec(ctx, id, `UPDATE patient SET current_score = $2, updated_at = NOW() WHERE id = $1`, score)
}

func (r *patientRepoPG) UpdateTier(ctx context.Context, id uuid.UUID, tier string) error {
	return r.exec(ctx, id, `UPDATE patient SET current_priority_tier = $2, updated_at = NOW() WHERE id = $1`, tier)
}

func (r *patientRepoPG) Assign(ctx context.Context, id, clinicianID uuid.UUID) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE patient SET assigned_clinician_id = $2, updated_at = NOW()
		WHERE id = $1 AND active AND assigned_clinician_id IS NULL`, id, clinicianID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *patientRepoPG) Reassign(ctx context.Context, id, clinicianID uuid.UUID) error {
	return r.exec(ctx, id, `UPDATE patient SET assigned_clinician_id = $2, updated_at = NOW() WHERE id = $1`, clinicianID)
}

func (r *patientRepoPG) Deactivate(ctx context.Context, id uuid.UUID) error {
	return r.exec(ctx, id, `UPDATE patient SET active = FALSE, updated_at = NOW() WHERE id = $1`)
}

func (r *patientRepoPG) CountActiveByClinician(ctx context.Context, clinicianID uuid.UUID) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM patient WHERE assigned_clinician_id = $1 AND active`, clinicianID).Scan(&n)
	return n, err
}

func (r *patientRepoPG) ListActiveByClinician(ctx context.Context, clinicianID uuid.UUID) ([]*Patient, error) {
	return r.list(ctx, `SELECT `+patientCols+` FROM patient
		WHERE assigned_clinician_id = $1 AND active ORDER BY entry_date`, clinicianID)
}

func (r *patientRepoPG) ListUnassignedActive(ctx context.Context) ([]*Patient, error) {
	return r.list(ctx, `SELECT `+patientCols+` FROM patient
		WHERE active AND assigned_clinician_id IS NULL ORDER BY entry_date`)
}

func (r *patientRepoPG) list(ctx context.Context, sql string, args ...interface{}) ([]*Patient, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

// -- submissions --

type submissionRepoPG struct{ pgBase }

const submissionCols = `id, patient_id, typology_name, completed_at, raw_score, change_flag,
	invalidated, invalidated_at, requesting_clinician_id, confirming_admin_id, reviewed, created_at`

func scanSubmission(row pgx.Row) (*Submission, error) {
	var s Submission
	err := row.Scan(&s.ID, &s.PatientID, &s.TypologyName, &s.CompletedAt, &s.RawScore, &s.ChangeFlag,
		&s.Invalidated, &s.InvalidatedAt, &s.RequestingClinicianID, &s.ConfirmingAdminID, &s.Reviewed, &s.CreatedAt)
	return &s, err
}

func (r *submissionRepoPG) Create(ctx context.Context, s *Submission) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO submission (id, patient_id, typology_name, completed_at, raw_score, change_flag, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		s.ID, s.PatientID, s.TypologyName, s.CompletedAt, s.RawScore, s.ChangeFlag, s.CreatedAt)
	return err
}

func (r *submissionRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Submission, error) {
	s, err := scanSubmission(r.conn(ctx).QueryRow(ctx, `SELECT `+submissionCols+` FROM submission WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "submission", id)
	}
	return s, nil
}

func (r *submissionRepoPG) Update(ctx context.Context, s *Submission) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE submission SET change_flag=$2, invalidated=$3, invalidated_at=$4,
			requesting_clinician_id=$5, confirming_admin_id=$6, reviewed=$7
		WHERE id = $1`,
		s.ID, s.ChangeFlag, s.Invalidated, s.InvalidatedAt,
		s.RequestingClinicianID, s.ConfirmingAdminID, s.Reviewed)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("submission %s: %w", s.ID, ErrNotFound)
	}
	return nil
}

func (r *submissionRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, f SubmissionFilter) ([]*Submission, error) {
	where := []string{"patient_id = $1"}
	args := []interface{}{patientID}
	add := func(clause string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.Typology != "" {
		add("typology_name = $%d", f.Typology)
	}
	if f.Invalidated != nil {
		add("invalidated = $%d", *f.Invalidated)
	}
	if f.ChangeFlag != nil {
		add("change_flag = $%d", *f.ChangeFlag)
	}
	if f.From != nil {
		add("completed_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("completed_at <= $%d", *f.To)
	}

	rows, err := r.conn(ctx).Query(ctx, `SELECT `+submissionCols+` FROM submission
		WHERE `+strings.Join(where, " AND ")+` ORDER BY completed_at, created_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Submission
	for rows.Next() {
		s, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, rows.Err()
}

func (r *submissionRepoPG) LatestEvidence(ctx context.Context, patientIDs []uuid.UUID) (map[uuid.UUID]time.Time, error) {
	out := make(map[uuid.UUID]time.Time, len(patientIDs))
	if len(patientIDs) == 0 {
		return out, nil
	}
	ids := make([]string, len(patientIDs))
	for i, id := range patientIDs {
		ids[i] = id.String()
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT DISTINCT ON (patient_id) patient_id, completed_at
		FROM submission
		WHERE patient_id = ANY($1::uuid[]) AND change_flag AND NOT invalidated
		ORDER BY patient_id, completed_at DESC`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id uuid.UUID
		var at time.Time
		if err := rows.Scan(&id, &at); err != nil {
			return nil, err
		}
		out[id] = at
	}
	return out, rows.Err()
}

// -- catalog --

type typologyRepoPG struct{ pgBase }

func (r *typologyRepoPG) GetByName(ctx context.Context, name string) (*Typology, error) {
	var t Typology
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT name, administration_period_days, screening FROM typology WHERE name = $1`, name).
		Scan(&t.Name, &t.AdministrationPeriodDays, &t.Screening)
	if err != nil {
		return nil, notFound(err, "typology", name)
	}
	return &t, nil
}

func (r *typologyRepoPG) List(ctx context.Context) ([]*Typology, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT name, administration_period_days, screening FROM typology ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Typology
	for rows.Next() {
		var t Typology
		if err := rows.Scan(&t.Name, &t.AdministrationPeriodDays, &t.Screening); err != nil {
			return nil, err
		}
		items = append(items, &t)
	}
	return items, rows.Err()
}

type tierRepoPG struct{ pgBase }

const tierCols = `name, score_range_start, score_range_end, reassessment_window_days`

func (r *tierRepoPG) GetByName(ctx context.Context, name string) (*Tier, error) {
	var t Tier
	err := r.conn(ctx).QueryRow(ctx, `SELECT `+tierCols+` FROM tier WHERE name = $1`, name).
		Scan(&t.Name, &t.ScoreRangeStart, &t.ScoreRangeEnd, &t.ReassessmentWindowDays)
	if err != nil {
		return nil, notFound(err, "tier", name)
	}
	return &t, nil
}

func (r *tierRepoPG) List(ctx context.Context) ([]*Tier, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+tierCols+` FROM tier ORDER BY score_range_start DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Tier
	for rows.Next() {
		var t Tier
		if err := rows.Scan(&t.Name, &t.ScoreRangeStart, &t.ScoreRangeEnd, &t.ReassessmentWindowDays); err != nil {
			return nil, err
		}
		items = append(items, &t)
	}
	return items, rows.Err()
}

// -- people --

type clinicianRepoPG struct{ pgBase }

func (r *clinicianRepoPG) Create(ctx context.Context, c *Clinician) error {
	_, err := r.conn(ctx).Exec(ctx,
		`INSERT INTO clinician (id, active, created_at) VALUES ($1,$2,$3)`, c.ID, c.Active, c.CreatedAt)
	return err
}

func (r *clinicianRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Clinician, error) {
	var c Clinician
	err := r.conn(ctx).QueryRow(ctx, `SELECT id, active, created_at FROM clinician WHERE id = $1`, id).
		Scan(&c.ID, &c.Active, &c.CreatedAt)
	if err != nil {
		return nil, notFound(err, "clinician", id)
	}
	return &c, nil
}

type adminRepoPG struct{ pgBase }

func (r *adminRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Admin, error) {
	var a Admin
	err := r.conn(ctx).QueryRow(ctx, `SELECT id, active, created_at FROM admin WHERE id = $1`, id).
		Scan(&a.ID, &a.Active, &a.CreatedAt)
	if err != nil {
		return nil, notFound(err, "admin", id)
	}
	return &a, nil
}
