package triage

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// AssignmentQueue is the computed waiting list of unassigned active patients.
// Nothing about it is stored; every read derives it from patients and their
// latest tier evidence.
type AssignmentQueue struct {
	catalog     *catalogCache
	patients    PatientRepository
	submissions SubmissionRepository
}

// deadlineFor is (evidence time, else entry date) + the tier's reassessment window.
func deadlineFor(p *Patient, tier *Tier, evidenceAt *time.Time) time.Time {
	base := p.EntryDate
	if evidenceAt != nil {
		base = *evidenceAt
	}
	return base.Add(tier.ReassessmentWindow())
}

// Deadline returns the date by which the patient should be picked up.
func (q *AssignmentQueue) Deadline(ctx context.Context, patientID uuid.UUID) (time.Time, error) {
	cat, err := q.catalog.Get(ctx)
	if err != nil {
		return time.Time{}, err
	}
	p, err := q.patients.GetByID(ctx, patientID)
	if err != nil {
		return time.Time{}, err
	}
	entries, err := q.entries(ctx, cat, []*Patient{p})
	if err != nil {
		return time.Time{}, err
	}
	return entries[0].Deadline, nil
}

// ListQueue returns every active unassigned patient, earliest deadline first.
// Equal deadlines fall back to the more urgent tier, then the earlier entry
// date, then the patient id.
func (q *AssignmentQueue) ListQueue(ctx context.Context) ([]*QueueEntry, error) {
	cat, err := q.catalog.Get(ctx)
	if err != nil {
		return nil, err
	}
	patients, err := q.patients.ListUnassignedActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list unassigned patients: %w", err)
	}
	entries, err := q.entries(ctx, cat, patients)
	if err != nil {
		return nil, err
	}
	sortQueue(entries)
	queueDepth.Set(float64(len(entries)))
	return entries, nil
}

// PeekNext returns the head of the queue, or nil when it is empty.
func (q *AssignmentQueue) PeekNext(ctx context.Context) (*QueueEntry, error) {
	entries, err := q.ListQueue(ctx)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return entries[0], nil
}

func (q *AssignmentQueue) entries(ctx context.Context, cat *Catalog, patients []*Patient) ([]*QueueEntry, error) {
	if len(patients) == 0 {
		return nil, nil
	}
	ids := make([]uuid.UUID, len(patients))
	for i, p := range patients {
		ids[i] = p.ID
	}
	evidence, err := q.submissions.LatestEvidence(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load tier evidence: %w", err)
	}

	entries := make([]*QueueEntry, 0, len(patients))
	for _, p := range patients {
		tier, err := cat.Tier(p.CurrentPriorityTier)
		if err != nil {
			return nil, fmt.Errorf("patient %s: %w", p.ID, err)
		}
		e := &QueueEntry{
			PatientID: p.ID,
			Tier:      tier.Name,
			Score:     p.CurrentScore,
			EntryDate: p.EntryDate,
		}
		if at, ok := evidence[p.ID]; ok {
			e.EvidenceAt = &at
		}
		e.Deadline = deadlineFor(p, tier, e.EvidenceAt)
		entries = append(entries, e)
	}
	return entries, nil
}

func sortQueue(entries []*QueueEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.Deadline.Equal(b.Deadline) {
			return a.Deadline.Before(b.Deadline)
		}
		if c := CompareTiers(mustUrgency(a.Tier), mustUrgency(b.Tier)); c != 0 {
			return c > 0
		}
		if !a.EntryDate.Equal(b.EntryDate) {
			return a.EntryDate.Before(b.EntryDate)
		}
		return a.PatientID.String() < b.PatientID.String()
	})
}
