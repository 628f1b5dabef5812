package triage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sintonia/sintonia/internal/platform/notification"
)

// Outcome describes what an approved invalidation changed.
type Outcome struct {
	SubmissionID uuid.UUID  `json:"submission_id"`
	PatientID    uuid.UUID  `json:"patient_id"`
	ReplayFrom   *time.Time `json:"replay_from,omitempty"`
	Replayed     int        `json:"replayed"`
	FlagsChanged int        `json:"flags_changed"`
	Downgraded   bool       `json:"downgraded"`
	PreviousTier string     `json:"previous_tier"`
	Tier         string     `json:"tier"`
	Score        *float64   `json:"score"`
}

// InvalidationRecalculator runs the invalidation workflow and replays the
// patient's history so flags, tier and score reflect only valid submissions.
type InvalidationRecalculator struct {
	uow         *unitOfWork
	catalog     *catalogCache
	classifier  *PriorityClassifier
	patients    PatientRepository
	submissions SubmissionRepository
	clinicians  ClinicianRepository
	admins      AdminRepository
	logger      zerolog.Logger
	now         func() time.Time
}

// Request files an invalidation request on behalf of the clinician assigned
// to the submission's patient. A previously rejected request may be filed again.
func (r *InvalidationRecalculator) Request(ctx context.Context, submissionID, clinicianID uuid.UUID) error {
	s, err := r.submissions.GetByID(ctx, submissionID)
	if err != nil {
		return err
	}
	if _, err := r.clinicians.GetByID(ctx, clinicianID); err != nil {
		return err
	}

	return r.uow.run(ctx, func(ctx context.Context) error {
		if err := r.uow.tx.Lock(ctx, patientLockKey(s.PatientID)); err != nil {
			return err
		}
		s, err := r.submissions.GetByID(ctx, submissionID)
		if err != nil {
			return err
		}
		switch s.InvalidationState() {
		case InvalidationApproved:
			return fmt.Errorf("submission %s is already invalidated: %w", submissionID, ErrConflict)
		case InvalidationRequested:
			return fmt.Errorf("submission %s already has a pending request: %w", submissionID, ErrConflict)
		}
		p, err := r.patients.GetByID(ctx, s.PatientID)
		if err != nil {
			return err
		}
		if p.AssignedClinicianID == nil || *p.AssignedClinicianID != clinicianID {
			return fmt.Errorf("clinician %s is not assigned to patient %s: %w", clinicianID, p.ID, ErrConflict)
		}

		s.RequestingClinicianID = &clinicianID
		s.ConfirmingAdminID = nil
		s.Reviewed = false
		if err := r.submissions.Update(ctx, s); err != nil {
			return fmt.Errorf("record request: %w", err)
		}
		invalidations.WithLabelValues("requested").Inc()
		return nil
	})
}

// Approve invalidates the submission and replays the patient's history.
// Everything it writes is committed together or not at all.
func (r *InvalidationRecalculator) Approve(ctx context.Context, submissionID, adminID uuid.UUID) (*Outcome, error) {
	s, err := r.reviewable(ctx, submissionID, adminID)
	if err != nil {
		return nil, err
	}
	cat, err := r.catalog.Get(ctx)
	if err != nil {
		return nil, err
	}

	var out *Outcome
	err = r.uow.run(ctx, func(ctx context.Context) error {
		if err := r.uow.tx.Lock(ctx, patientLockKey(s.PatientID)); err != nil {
			return err
		}
		s, err := r.reviewable(ctx, submissionID, adminID)
		if err != nil {
			return err
		}
		wasEvidence := s.ChangeFlag

		now := r.now().UTC()
		s.Invalidated = true
		s.InvalidatedAt = &now
		s.ConfirmingAdminID = &adminID
		s.Reviewed = true
		s.ChangeFlag = false
		if err := r.submissions.Update(ctx, s); err != nil {
			return fmt.Errorf("invalidate submission: %w", err)
		}
		if s.RequestingClinicianID != nil {
			enqueue(ctx, reviewNotification(notification.KindInvalidationApproved, s))
		}

		out, err = r.recalculate(ctx, cat, s, wasEvidence)
		return err
	})
	if err != nil {
		return nil, err
	}
	invalidations.WithLabelValues("approved").Inc()
	return out, nil
}

// Reject closes a pending request without touching scores.
func (r *InvalidationRecalculator) Reject(ctx context.Context, submissionID, adminID uuid.UUID) error {
	s, err := r.reviewable(ctx, submissionID, adminID)
	if err != nil {
		return err
	}

	err = r.uow.run(ctx, func(ctx context.Context) error {
		if err := r.uow.tx.Lock(ctx, patientLockKey(s.PatientID)); err != nil {
			return err
		}
		s, err := r.reviewable(ctx, submissionID, adminID)
		if err != nil {
			return err
		}
		if s.InvalidationState() != InvalidationRequested {
			return fmt.Errorf("submission %s has no pending request: %w", submissionID, ErrConflict)
		}
		s.ConfirmingAdminID = &adminID
		s.Reviewed = true
		if err := r.submissions.Update(ctx, s); err != nil {
			return fmt.Errorf("reject request: %w", err)
		}
		enqueue(ctx, reviewNotification(notification.KindInvalidationRejected, s))
		return nil
	})
	if err != nil {
		return err
	}
	invalidations.WithLabelValues("rejected").Inc()
	return nil
}

// reviewable loads the submission and admin and checks the submission can
// still be reviewed.
func (r *InvalidationRecalculator) reviewable(ctx context.Context, submissionID, adminID uuid.UUID) (*Submission, error) {
	if submissionID == uuid.Nil || adminID == uuid.Nil {
		return nil, fmt.Errorf("submission and admin ids are required: %w", ErrInvalidArgument)
	}
	s, err := r.submissions.GetByID(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	if _, err := r.admins.GetByID(ctx, adminID); err != nil {
		return nil, err
	}
	switch s.InvalidationState() {
	case InvalidationApproved:
		return nil, fmt.Errorf("submission %s is already invalidated: %w", submissionID, ErrConflict)
	case InvalidationRejected:
		return nil, fmt.Errorf("submission %s was already reviewed: %w", submissionID, ErrConflict)
	}
	return s, nil
}

// recalculate replays history after s has been invalidated. It runs inside
// the caller's transaction with the patient lock held.
func (r *InvalidationRecalculator) recalculate(ctx context.Context, cat *Catalog, invalidated *Submission, wasEvidence bool) (*Outcome, error) {
	start := time.Now()
	defer func() { recalculationDuration.Observe(time.Since(start).Seconds()) }()

	p, err := r.patients.GetByID(ctx, invalidated.PatientID)
	if err != nil {
		return nil, err
	}
	history, err := r.submissions.ListByPatient(ctx, p.ID, ValidOnly())
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	out := &Outcome{
		SubmissionID: invalidated.ID,
		PatientID:    p.ID,
		PreviousTier: p.CurrentPriorityTier,
		Tier:         p.CurrentPriorityTier,
	}

	from, ok := replayStart(history, invalidated, wasEvidence)
	if ok {
		tier, err := cat.Tier(p.CurrentPriorityTier)
		if err != nil {
			return nil, err
		}
		res := replay(cat, history, from, tier.ScoreRangeStart)
		for _, s := range history {
			want, changed := res.flags[s.ID]
			if !changed {
				continue
			}
			s.ChangeFlag = want
			if err := r.submissions.Update(ctx, s); err != nil {
				return nil, fmt.Errorf("update change flag: %w", err)
			}
		}
		out.ReplayFrom = &from
		out.Replayed = res.replayed
		out.FlagsChanged = len(res.flags)

		if !res.reached {
			next, err := r.classifier.downgradeOneStep(ctx, cat, p.ID)
			if err != nil {
				return nil, err
			}
			out.Downgraded = next.Name != p.CurrentPriorityTier
			out.Tier = next.Name
		}
	}

	out.Score, err = refreshScore(ctx, r.patients, cat, p.ID, history, r.now())
	if err != nil {
		return nil, err
	}

	r.logger.Info().
		Str("patient_id", p.ID.String()).
		Str("submission_id", invalidated.ID.String()).
		Int("replayed", out.Replayed).
		Bool("downgraded", out.Downgraded).
		Str("tier", out.Tier).
		Msg("history recalculated after invalidation")
	return out, nil
}

// replayStart picks where the replay begins: the nearest earlier valid
// submission still carrying the change flag. Without one, history is replayed
// from the start only if the invalidated submission was itself the evidence.
func replayStart(history []*Submission, invalidated *Submission, wasEvidence bool) (time.Time, bool) {
	var evidence *Submission
	for _, s := range history {
		if !s.CompletedAt.Before(invalidated.CompletedAt) {
			break
		}
		if s.ChangeFlag {
			evidence = s
		}
	}
	switch {
	case evidence != nil:
		return evidence.CompletedAt, true
	case wasEvidence:
		return time.Time{}, true
	default:
		return time.Time{}, false
	}
}

type replayResult struct {
	// flags holds the new change flag of every submission whose flag changed.
	flags    map[uuid.UUID]bool
	replayed int
	reached  bool
}

// replay walks history from `from` forward and decides, for every submission
// whose score reaches floor, whether it is the point the floor was first
// reached. history must be valid submissions ordered oldest first.
func replay(cat *Catalog, history []*Submission, from time.Time, floor float64) replayResult {
	res := replayResult{flags: make(map[uuid.UUID]bool)}
	for _, s := range history {
		if s.CompletedAt.Before(from) {
			continue
		}
		res.replayed++
		post := Score(cat, history, s.CompletedAt)
		if post == nil || *post < floor {
			continue
		}
		res.reached = true
		pre := Score(cat, history, s.CompletedAt.Add(-time.Second))
		want := pre == nil || *pre < floor
		if s.ChangeFlag != want {
			res.flags[s.ID] = want
		}
	}
	return res
}

// refreshScore recomputes the score from history as of asOf and persists it.
// It is the single projection path shared by intake and invalidation.
func refreshScore(ctx context.Context, patients PatientRepository, cat *Catalog, patientID uuid.UUID, history []*Submission, asOf time.Time) (*float64, error) {
	score := Score(cat, history, asOf)
	if err := patients.UpdateScore(ctx, patientID, score); err != nil {
		return nil, fmt.Errorf("update score: %w", err)
	}
	return score, nil
}

func reviewNotification(kind notification.Kind, s *Submission) notification.Notification {
	return notification.Notification{
		RecipientID: *s.RequestingClinicianID,
		Kind:        kind,
		Data: map[string]string{
			"submission_id": s.ID.String(),
			"typology":      s.TypologyName,
		},
	}
}
