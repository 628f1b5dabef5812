package triage

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Config tunes the engine.
type Config struct {
	Capacity   int
	CatalogTTL time.Duration
}

type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service is the entry point callers use. Every mutating operation runs as a
// single transaction serialized per patient and per clinician.
type Service struct {
	repos  Repositories
	uow    *unitOfWork
	logger zerolog.Logger
	now    func() time.Time

	catalog      *catalogCache
	scores       *ScoreEngine
	classifier   *PriorityClassifier
	queue        *AssignmentQueue
	coordinator  *AssignmentCoordinator
	recalculator *InvalidationRecalculator
}

func NewService(tx Transactor, repos Repositories, notifier Notifier, logger zerolog.Logger, cfg Config, opts ...Option) *Service {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.CatalogTTL <= 0 {
		cfg.CatalogTTL = 5 * time.Minute
	}
	s := &Service{
		repos:  repos,
		uow:    &unitOfWork{tx: tx, notifier: notifier},
		logger: logger.With().Str("component", "triage").Logger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	now := func() time.Time { return s.now() }

	s.catalog = newCatalogCache(repos.Tiers, repos.Typologies, cfg.CatalogTTL, now)
	s.scores = &ScoreEngine{catalog: s.catalog, submissions: repos.Submissions}
	s.classifier = &PriorityClassifier{
		tx:          tx,
		catalog:     s.catalog,
		patients:    repos.Patients,
		submissions: repos.Submissions,
		logger:      s.logger,
	}
	s.queue = &AssignmentQueue{catalog: s.catalog, patients: repos.Patients, submissions: repos.Submissions}
	s.coordinator = &AssignmentCoordinator{
		uow:        s.uow,
		queue:      s.queue,
		patients:   repos.Patients,
		clinicians: repos.Clinicians,
		capacity:   cfg.Capacity,
		logger:     s.logger,
	}
	s.recalculator = &InvalidationRecalculator{
		uow:         s.uow,
		catalog:     s.catalog,
		classifier:  s.classifier,
		patients:    repos.Patients,
		submissions: repos.Submissions,
		clinicians:  repos.Clinicians,
		admins:      repos.Admins,
		logger:      s.logger,
		now:         now,
	}
	return s
}

func (s *Service) Scores() *ScoreEngine                     { return s.scores }
func (s *Service) Classifier() *PriorityClassifier          { return s.classifier }
func (s *Service) Queue() *AssignmentQueue                  { return s.queue }
func (s *Service) Coordinator() *AssignmentCoordinator      { return s.coordinator }
func (s *Service) Recalculator() *InvalidationRecalculator { return s.recalculator }

// ReloadCatalog drops cached tiers and typologies.
func (s *Service) ReloadCatalog() { s.catalog.Invalidate() }

// -- Patients & clinicians --

// AdmitPatient registers a patient in the least urgent tier with no score.
// A nil entryDate means now.
func (s *Service) AdmitPatient(ctx context.Context, entryDate *time.Time) (*Patient, error) {
	cat, err := s.catalog.Get(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	p := &Patient{
		ID:                  uuid.New(),
		CurrentPriorityTier: cat.leastUrgent().Name,
		EntryDate:           now,
		Active:              true,
		UpdatedAt:           now,
	}
	if entryDate != nil {
		if entryDate.After(now) {
			return nil, fmt.Errorf("entry date %s is in the future: %w", entryDate.Format(time.RFC3339), ErrInvalidArgument)
		}
		p.EntryDate = entryDate.UTC()
	}
	if err := s.repos.Patients.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("create patient: %w", err)
	}
	return p, nil
}

func (s *Service) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return s.repos.Patients.GetByID(ctx, id)
}

func (s *Service) CreateClinician(ctx context.Context) (*Clinician, error) {
	c := &Clinician{ID: uuid.New(), Active: true, CreatedAt: s.now().UTC()}
	if err := s.repos.Clinicians.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("create clinician: %w", err)
	}
	return c, nil
}

// -- Submissions --

// SubmissionInput is a completed questionnaire. The raw score comes from the
// questionnaire service; a nil CompletedAt means now.
type SubmissionInput struct {
	PatientID    uuid.UUID
	TypologyName string
	RawScore     float64
	CompletedAt  *time.Time
}

// SubmissionResult is the patient's state after a submission was recorded.
type SubmissionResult struct {
	Submission *Submission `json:"submission"`
	Score      *float64    `json:"score"`
	Tier       string      `json:"tier"`
	Upgraded   bool        `json:"upgraded"`
}

// RecordSubmission stores a submission, recomputes the score and promotes the
// patient if the new score lands in a more urgent tier.
func (s *Service) RecordSubmission(ctx context.Context, in SubmissionInput) (*SubmissionResult, error) {
	now := s.now().UTC()
	if in.PatientID == uuid.Nil {
		return nil, fmt.Errorf("patient id is required: %w", ErrInvalidArgument)
	}
	if math.IsNaN(in.RawScore) || math.IsInf(in.RawScore, 0) || in.RawScore < 0 {
		return nil, fmt.Errorf("raw score %v is not a non-negative number: %w", in.RawScore, ErrInvalidArgument)
	}
	completedAt := now
	if in.CompletedAt != nil {
		if in.CompletedAt.After(now) {
			return nil, fmt.Errorf("completion time %s is in the future: %w", in.CompletedAt.Format(time.RFC3339), ErrInvalidArgument)
		}
		completedAt = in.CompletedAt.UTC()
	}
	cat, err := s.catalog.Get(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := cat.Typology(in.TypologyName); err != nil {
		return nil, err
	}

	res := &SubmissionResult{}
	err = s.uow.run(ctx, func(ctx context.Context) error {
		if err := s.uow.tx.Lock(ctx, patientLockKey(in.PatientID)); err != nil {
			return err
		}
		p, err := s.repos.Patients.GetByID(ctx, in.PatientID)
		if err != nil {
			return err
		}
		if !p.Active {
			return fmt.Errorf("patient %s is not active: %w", p.ID, ErrConflict)
		}

		sub := &Submission{
			ID:           uuid.New(),
			PatientID:    p.ID,
			TypologyName: in.TypologyName,
			CompletedAt:  completedAt,
			RawScore:     in.RawScore,
			CreatedAt:    now,
		}
		if err := s.repos.Submissions.Create(ctx, sub); err != nil {
			return fmt.Errorf("create submission: %w", err)
		}

		history, err := s.repos.Submissions.ListByPatient(ctx, p.ID, ValidOnly())
		if err != nil {
			return fmt.Errorf("load history: %w", err)
		}
		if res.Score, err = refreshScore(ctx, s.repos.Patients, cat, p.ID, history, now); err != nil {
			return err
		}
		if res.Upgraded, err = s.classifier.applyIfUpgrade(ctx, cat, p.ID, sub.ID); err != nil {
			return err
		}

		after, err := s.repos.Patients.GetByID(ctx, p.ID)
		if err != nil {
			return err
		}
		res.Tier = after.CurrentPriorityTier
		sub.ChangeFlag = res.Upgraded
		res.Submission = sub
		return nil
	})
	if err != nil {
		return nil, err
	}
	submissionsRecorded.Inc()
	return res, nil
}

func (s *Service) GetSubmission(ctx context.Context, id uuid.UUID) (*Submission, error) {
	return s.repos.Submissions.GetByID(ctx, id)
}

func (s *Service) ListSubmissions(ctx context.Context, patientID uuid.UUID, filter SubmissionFilter) ([]*Submission, error) {
	if _, err := s.repos.Patients.GetByID(ctx, patientID); err != nil {
		return nil, err
	}
	return s.repos.Submissions.ListByPatient(ctx, patientID, filter)
}

// ComputeScore returns the score as of asOf without persisting anything.
func (s *Service) ComputeScore(ctx context.Context, patientID uuid.UUID, asOf time.Time) (*float64, error) {
	if _, err := s.repos.Patients.GetByID(ctx, patientID); err != nil {
		return nil, err
	}
	return s.scores.ComputeScore(ctx, patientID, asOf)
}

// -- Invalidation --

func (s *Service) RequestInvalidation(ctx context.Context, submissionID, clinicianID uuid.UUID) error {
	return s.recalculator.Request(ctx, submissionID, clinicianID)
}

func (s *Service) ApproveInvalidation(ctx context.Context, submissionID, adminID uuid.UUID) (*Outcome, error) {
	return s.recalculator.Approve(ctx, submissionID, adminID)
}

func (s *Service) RejectInvalidation(ctx context.Context, submissionID, adminID uuid.UUID) error {
	return s.recalculator.Reject(ctx, submissionID, adminID)
}

// -- Assignment --

func (s *Service) OnboardClinician(ctx context.Context, clinicianID uuid.UUID) ([]uuid.UUID, error) {
	return s.coordinator.OnboardClinician(ctx, clinicianID, 0)
}

func (s *Service) TerminateCare(ctx context.Context, patientID, clinicianID uuid.UUID) (*uuid.UUID, error) {
	return s.coordinator.TerminateCare(ctx, patientID, clinicianID)
}

func (s *Service) ReassignPatient(ctx context.Context, patientID, newClinicianID uuid.UUID) (*uuid.UUID, error) {
	return s.coordinator.ReassignPatient(ctx, patientID, newClinicianID)
}

// QueueSnapshot returns the current queue, earliest deadline first.
func (s *Service) QueueSnapshot(ctx context.Context) ([]*QueueEntry, error) {
	return s.queue.ListQueue(ctx)
}
