package triage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sintonia/sintonia/internal/platform/notification"
)

// -- In-memory store --

type memState struct {
	patients    map[uuid.UUID]*Patient
	submissions map[uuid.UUID]*Submission
	clinicians  map[uuid.UUID]*Clinician
	admins      map[uuid.UUID]*Admin
	tiers       []*Tier
	typologies  []*Typology
}

func newMemState() *memState {
	return &memState{
		patients:    make(map[uuid.UUID]*Patient),
		submissions: make(map[uuid.UUID]*Submission),
		clinicians:  make(map[uuid.UUID]*Clinician),
		admins:      make(map[uuid.UUID]*Admin),
	}
}

func (s *memState) clone() *memState {
	c := newMemState()
	for k, v := range s.patients {
		cp := *v
		c.patients[k] = &cp
	}
	for k, v := range s.submissions {
		cp := *v
		c.submissions[k] = &cp
	}
	for k, v := range s.clinicians {
		cp := *v
		c.clinicians[k] = &cp
	}
	for k, v := range s.admins {
		cp := *v
		c.admins[k] = &cp
	}
	c.tiers = s.tiers
	c.typologies = s.typologies
	return c
}

type memTxKey struct{}

// memDB serialises units of work with one mutex and restores a snapshot when
// a unit fails, mirroring a transaction that rolls back.
type memDB struct {
	txMu sync.Mutex

	mu      sync.Mutex
	state   *memState
	calls   map[string]int
	failAt  map[string]int
	failErr error
	locks   []string
}

func newMemDB() *memDB {
	return &memDB{state: newMemState(), calls: make(map[string]int), failAt: make(map[string]int)}
}

// failOn makes the nth call (1-based) of op fail.
func (m *memDB) failOn(op string, nth int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAt[op] = nth
	m.failErr = fmt.Errorf("injected failure in %s", op)
}

// failNext makes the kth call of op from now on fail.
func (m *memDB) failNext(op string, k int) {
	m.mu.Lock()
	n := m.calls[op] + k
	m.mu.Unlock()
	m.failOn(op, n)
}

// hit counts a call of op and returns the injected failure, if due. Caller holds mu.
func (m *memDB) hit(op string) error {
	m.calls[op]++
	if n, ok := m.failAt[op]; ok && m.calls[op] == n {
		return m.failErr
	}
	return nil
}

func (m *memDB) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.Lock()
	snapshot := m.state.clone()
	m.mu.Unlock()

	if err := fn(context.WithValue(ctx, memTxKey{}, true)); err != nil {
		m.mu.Lock()
		m.state = snapshot
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *memDB) Lock(ctx context.Context, key string) error {
	if ctx.Value(memTxKey{}) == nil {
		return fmt.Errorf("advisory lock %q requires a transaction", key)
	}
	m.mu.Lock()
	m.locks = append(m.locks, key)
	m.mu.Unlock()
	return nil
}

func (m *memDB) repos() Repositories {
	return Repositories{
		Patients:    &memPatients{m},
		Submissions: &memSubmissions{m},
		Typologies:  &memTypologies{m},
		Tiers:       &memTiers{m},
		Clinicians:  &memClinicians{m},
		Admins:      &memAdmins{m},
	}
}

// -- patients --

type memPatients struct{ db *memDB }

func (r *memPatients) Create(_ context.Context, p *Patient) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	cp := *p
	r.db.state.patients[p.ID] = &cp
	return nil
}

func (r *memPatients) GetByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	p, ok := r.db.state.patients[id]
	if !ok {
		return nil, fmt.Errorf("patient %s: %w", id, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (r *memPatients) update(id uuid.UUID, op string, fn func(p *Patient)) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if err := r.db.hit(op); err != nil {
		return err
	}
	p, ok := r.db.state.patients[id]
	if !ok {
		return fmt.Errorf("patient %s: %w", id, ErrNotFound)
	}
	fn(p)
	return nil
}

func (r *memPatients) UpdateScore(_ context.Context, id uuid.UUID, score *float64) error {
	return r.update(id, "patients.UpdateScore", func(p *Patient) {
		if score == nil {
			p.CurrentScore = nil
			return
		}
		v := *score
		p.CurrentScore = &v
	})
}

func (r *memPatients) UpdateTier(_ context.Context, id uuid.UUID, tier string) error {
	return r.update(id, "patients.UpdateTier", func(p *Patient) { p.CurrentPriorityTier = tier })
}

func (r *memPatients) Assign(_ context.Context, id, clinicianID uuid.UUID) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if err := r.db.hit("patients.Assign"); err != nil {
		return false, err
	}
	p, ok := r.db.state.patients[id]
	if !ok || !p.Active || p.AssignedClinicianID != nil {
		return false, nil
	}
	c := clinicianID
	p.AssignedClinicianID = &c
	return true, nil
}

func (r *memPatients) Reassign(_ context.Context, id, clinicianID uuid.UUID) error {
	return r.update(id, "patients.Reassign", func(p *Patient) {
		c := clinicianID
		p.AssignedClinicianID = &c
	})
}

func (r *memPatients) Deactivate(_ context.Context, id uuid.UUID) error {
	return r.update(id, "patients.Deactivate", func(p *Patient) { p.Active = false })
}

func (r *memPatients) CountActiveByClinician(ctx context.Context, clinicianID uuid.UUID) (int, error) {
	ps, err := r.ListActiveByClinician(ctx, clinicianID)
	return len(ps), err
}

func (r *memPatients) ListActiveByClinician(_ context.Context, clinicianID uuid.UUID) ([]*Patient, error) {
	return r.filter(func(p *Patient) bool {
		return p.Active && p.AssignedClinicianID != nil && *p.AssignedClinicianID == clinicianID
	}), nil
}

func (r *memPatients) ListUnassignedActive(_ context.Context) ([]*Patient, error) {
	return r.filter(func(p *Patient) bool { return p.Active && p.AssignedClinicianID == nil }), nil
}

func (r *memPatients) filter(keep func(p *Patient) bool) []*Patient {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []*Patient
	for _, p := range r.db.state.patients {
		if keep(p) {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntryDate.Before(out[j].EntryDate) })
	return out
}

// -- submissions --

type memSubmissions struct{ db *memDB }

func (r *memSubmissions) Create(_ context.Context, s *Submission) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if err := r.db.hit("submissions.Create"); err != nil {
		return err
	}
	cp := *s
	r.db.state.submissions[s.ID] = &cp
	return nil
}

func (r *memSubmissions) GetByID(_ context.Context, id uuid.UUID) (*Submission, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	s, ok := r.db.state.submissions[id]
	if !ok {
		return nil, fmt.Errorf("submission %s: %w", id, ErrNotFound)
	}
	cp := *s
	return &cp, nil
}

func (r *memSubmissions) Update(_ context.Context, s *Submission) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if err := r.db.hit("submissions.Update"); err != nil {
		return err
	}
	if _, ok := r.db.state.submissions[s.ID]; !ok {
		return fmt.Errorf("submission %s: %w", s.ID, ErrNotFound)
	}
	cp := *s
	r.db.state.submissions[s.ID] = &cp
	return nil
}

func (r *memSubmissions) ListByPatient(_ context.Context, patientID uuid.UUID, f SubmissionFilter) ([]*Submission, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []*Submission
	for _, s := range r.db.state.submissions {
		switch {
		case s.PatientID != patientID:
		case f.Typology != "" && s.TypologyName != f.Typology:
		case f.Invalidated != nil && s.Invalidated != *f.Invalidated:
		case f.ChangeFlag != nil && s.ChangeFlag != *f.ChangeFlag:
		case f.From != nil && s.CompletedAt.Before(*f.From):
		case f.To != nil && s.CompletedAt.After(*f.To):
		default:
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CompletedAt.Equal(out[j].CompletedAt) {
			return out[i].CompletedAt.Before(out[j].CompletedAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *memSubmissions) LatestEvidence(_ context.Context, patientIDs []uuid.UUID) (map[uuid.UUID]time.Time, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	want := make(map[uuid.UUID]bool, len(patientIDs))
	for _, id := range patientIDs {
		want[id] = true
	}
	out := make(map[uuid.UUID]time.Time)
	for _, s := range r.db.state.submissions {
		if !want[s.PatientID] || !s.ChangeFlag || s.Invalidated {
			continue
		}
		if cur, ok := out[s.PatientID]; !ok || s.CompletedAt.After(cur) {
			out[s.PatientID] = s.CompletedAt
		}
	}
	return out, nil
}

// -- catalog & people --

type memTypologies struct{ db *memDB }

func (r *memTypologies) GetByName(ctx context.Context, name string) (*Typology, error) {
	all, _ := r.List(ctx)
	for _, t := range all {
		if t.Name == name {
			return t, nil
		}
	}
	return nil, fmt.Errorf("typology %q: %w", name, ErrNotFound)
}

func (r *memTypologies) List(_ context.Context) ([]*Typology, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if err := r.db.hit("typologies.List"); err != nil {
		return nil, err
	}
	out := make([]*Typology, len(r.db.state.typologies))
	for i, t := range r.db.state.typologies {
		cp := *t
		out[i] = &cp
	}
	return out, nil
}

type memTiers struct{ db *memDB }

func (r *memTiers) GetByName(ctx context.Context, name string) (*Tier, error) {
	all, _ := r.List(ctx)
	for _, t := range all {
		if t.Name == name {
			return t, nil
		}
	}
	return nil, fmt.Errorf("tier %q: %w", name, ErrNotFound)
}

func (r *memTiers) List(_ context.Context) ([]*Tier, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if err := r.db.hit("tiers.List"); err != nil {
		return nil, err
	}
	out := make([]*Tier, len(r.db.state.tiers))
	for i, t := range r.db.state.tiers {
		cp := *t
		out[i] = &cp
	}
	return out, nil
}

type memClinicians struct{ db *memDB }

func (r *memClinicians) Create(_ context.Context, c *Clinician) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	cp := *c
	r.db.state.clinicians[c.ID] = &cp
	return nil
}

func (r *memClinicians) GetByID(_ context.Context, id uuid.UUID) (*Clinician, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	c, ok := r.db.state.clinicians[id]
	if !ok {
		return nil, fmt.Errorf("clinician %s: %w", id, ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

type memAdmins struct{ db *memDB }

func (r *memAdmins) GetByID(_ context.Context, id uuid.UUID) (*Admin, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	a, ok := r.db.state.admins[id]
	if !ok {
		return nil, fmt.Errorf("admin %s: %w", id, ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

// -- notifier --

type recNotifier struct {
	mu   sync.Mutex
	sent []notification.Notification
}

func (n *recNotifier) Notify(_ context.Context, msg notification.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
}

func (n *recNotifier) all() []notification.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]notification.Notification, len(n.sent))
	copy(out, n.sent)
	return out
}

func (n *recNotifier) ofKind(kind notification.Kind) []notification.Notification {
	var out []notification.Notification
	for _, msg := range n.all() {
		if msg.Kind == kind {
			out = append(out, msg)
		}
	}
	return out
}

// -- fixtures --

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

const (
	phq  = "PHQ-9"
	gad  = "GAD-7"
	who  = "WHO-5"
	ptsd = "PC-PTSD-5"
)

var screening = []string{gad, ptsd, phq, who}

func seedTiers() []*Tier {
	return []*Tier{
		{Name: "Programmable", ScoreRangeStart: 0, ScoreRangeEnd: 29, ReassessmentWindowDays: 120},
		{Name: "Deferrable", ScoreRangeStart: 30, ScoreRangeEnd: 59, ReassessmentWindowDays: 30},
		{Name: "Short", ScoreRangeStart: 60, ScoreRangeEnd: 79, ReassessmentWindowDays: 10},
		{Name: "Urgent", ScoreRangeStart: 80, ScoreRangeEnd: 100, ReassessmentWindowDays: 3},
	}
}

func seedTypologies() []*Typology {
	out := make([]*Typology, 0, len(screening)+1)
	for _, name := range screening {
		out = append(out, &Typology{Name: name, AdministrationPeriodDays: 14, Screening: true})
	}
	return append(out, &Typology{Name: "Mood diary", AdministrationPeriodDays: 1})
}

func seedCatalog(t *testing.T) *Catalog {
	t.Helper()
	cat, err := NewCatalog(seedTiers(), seedTypologies())
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	return cat
}

type fixture struct {
	db    *memDB
	svc   *Service
	notes *recNotifier
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{db: newMemDB(), notes: &recNotifier{}, now: t0.Add(60 * 24 * time.Hour)}
	f.db.state.tiers = seedTiers()
	f.db.state.typologies = seedTypologies()
	f.svc = NewService(f.db, f.db.repos(), f.notes, zerolog.Nop(),
		Config{Capacity: DefaultCapacity, CatalogTTL: time.Hour},
		WithClock(func() time.Time { return f.now }))
	return f
}

func (f *fixture) admit(t *testing.T, entry time.Time) *Patient {
	t.Helper()
	p, err := f.svc.AdmitPatient(context.Background(), &entry)
	if err != nil {
		t.Fatalf("AdmitPatient: %v", err)
	}
	return p
}

func (f *fixture) clinician(t *testing.T) *Clinician {
	t.Helper()
	c, err := f.svc.CreateClinician(context.Background())
	if err != nil {
		t.Fatalf("CreateClinician: %v", err)
	}
	return c
}

func (f *fixture) admin(t *testing.T) *Admin {
	t.Helper()
	a := &Admin{ID: uuid.New(), Active: true, CreatedAt: t0}
	f.db.mu.Lock()
	f.db.state.admins[a.ID] = a
	f.db.mu.Unlock()
	return a
}

func (f *fixture) submit(t *testing.T, patientID uuid.UUID, typology string, raw float64, at time.Time) *SubmissionResult {
	t.Helper()
	res, err := f.svc.RecordSubmission(context.Background(), SubmissionInput{
		PatientID: patientID, TypologyName: typology, RawScore: raw, CompletedAt: &at,
	})
	if err != nil {
		t.Fatalf("RecordSubmission(%s, %v): %v", typology, raw, err)
	}
	return res
}

// submitAll records one submission per screening typology, one minute apart.
func (f *fixture) submitAll(t *testing.T, patientID uuid.UUID, raw float64, at time.Time) []*SubmissionResult {
	t.Helper()
	var out []*SubmissionResult
	for i, name := range []string{phq, gad, who, ptsd} {
		out = append(out, f.submit(t, patientID, name, raw, at.Add(time.Duration(i)*time.Minute)))
	}
	return out
}

func (f *fixture) patient(t *testing.T, id uuid.UUID) *Patient {
	t.Helper()
	p, err := f.svc.GetPatient(context.Background(), id)
	if err != nil {
		t.Fatalf("GetPatient: %v", err)
	}
	return p
}

func (f *fixture) submission(t *testing.T, id uuid.UUID) *Submission {
	t.Helper()
	s, err := f.svc.GetSubmission(context.Background(), id)
	if err != nil {
		t.Fatalf("GetSubmission: %v", err)
	}
	return s
}

// assignTo puts an admitted patient under clinicianID directly.
func (f *fixture) assignTo(t *testing.T, patientID, clinicianID uuid.UUID) {
	t.Helper()
	if err := f.svc.Coordinator().AssignOne(context.Background(), patientID, clinicianID); err != nil {
		t.Fatalf("AssignOne: %v", err)
	}
}

func ptr[T any](v T) *T { return &v }

func approx(a, b float64) bool {
	d := a - b
	return d < 0.011 && d > -0.011
}
