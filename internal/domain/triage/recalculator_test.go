package triage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/sintonia/sintonia/internal/platform/notification"
)

// evidenceCase builds a patient who reached Short with four submissions at 70
// on t0 and Urgent on day three, when WHO-5 at 100 pushed the score to ~81.9.
func evidenceCase(t *testing.T, f *fixture) (p *Patient, base []*SubmissionResult, trigger *SubmissionResult) {
	t.Helper()
	p = f.admit(t, t0)
	base = f.submitAll(t, p.ID, 70, t0)
	day3 := t0.AddDate(0, 0, 3)
	f.submit(t, p.ID, phq, 100, day3)
	f.submit(t, p.ID, gad, 100, day3.Add(time.Hour))
	trigger = f.submit(t, p.ID, who, 100, day3.Add(2*time.Hour))
	if !trigger.Upgraded || trigger.Tier != "Urgent" {
		t.Fatalf("setup: WHO-5 upgraded=%v tier=%s, want Urgent", trigger.Upgraded, trigger.Tier)
	}
	return p, base, trigger
}

func TestApprove_EvidenceWithoutHistoryDowngrades(t *testing.T) {
	f := newFixture(t)
	p := f.admit(t, t0)
	results := f.submitAll(t, p.ID, 90, t0)
	trigger := results[3]
	if !trigger.Upgraded || trigger.Tier != "Urgent" {
		t.Fatalf("setup: tier %s, want Urgent from the last submission", trigger.Tier)
	}
	admin := f.admin(t)

	out, err := f.svc.ApproveInvalidation(context.Background(), trigger.Submission.ID, admin.ID)
	if err != nil {
		t.Fatalf("ApproveInvalidation: %v", err)
	}
	if !out.Downgraded || out.PreviousTier != "Urgent" || out.Tier != "Short" {
		t.Errorf("outcome = %+v, want Urgent -> Short", out)
	}
	if out.ReplayFrom == nil || !out.ReplayFrom.IsZero() {
		t.Errorf("replay should start from the beginning, got %v", out.ReplayFrom)
	}
	if out.Score != nil {
		t.Errorf("score = %v, want nil with %s invalidated", *out.Score, ptsd)
	}

	got := f.patient(t, p.ID)
	if got.CurrentPriorityTier != "Short" || got.CurrentScore != nil {
		t.Errorf("patient = %s / %v, want Short / nil", got.CurrentPriorityTier, got.CurrentScore)
	}
	s := f.submission(t, trigger.Submission.ID)
	if !s.Invalidated || s.ChangeFlag || s.InvalidatedAt == nil || s.ConfirmingAdminID == nil || *s.ConfirmingAdminID != admin.ID {
		t.Errorf("invalidated submission = %+v", s)
	}
}

func TestApprove_ReplaysFromEarlierEvidence(t *testing.T) {
	f := newFixture(t)
	p, base, trigger := evidenceCase(t, f)
	admin := f.admin(t)

	out, err := f.svc.ApproveInvalidation(context.Background(), trigger.Submission.ID, admin.ID)
	if err != nil {
		t.Fatalf("ApproveInvalidation: %v", err)
	}
	// Replay starts at the PC-PTSD-5 submission that made the patient Short.
	if out.ReplayFrom == nil || !out.ReplayFrom.Equal(base[3].Submission.CompletedAt) {
		t.Errorf("replay from %v, want %s", out.ReplayFrom, base[3].Submission.CompletedAt)
	}
	if out.Replayed != 3 {
		t.Errorf("replayed %d submissions, want 3", out.Replayed)
	}
	if !out.Downgraded || out.Tier != "Short" {
		t.Errorf("outcome = %+v, want a downgrade to Short", out)
	}
	if out.Score == nil || *out.Score < 77 || *out.Score >= 79 {
		t.Errorf("score = %v, want ≈77.9", out.Score)
	}

	got := f.patient(t, p.ID)
	if got.CurrentPriorityTier != "Short" {
		t.Errorf("tier = %s, want Short", got.CurrentPriorityTier)
	}
	if !f.submission(t, base[3].Submission.ID).ChangeFlag {
		t.Error("earlier evidence should keep its flag")
	}
}

func TestApprove_LaterSubmissionBecomesEvidence(t *testing.T) {
	f := newFixture(t)
	p, _, trigger := evidenceCase(t, f)
	later := f.submit(t, p.ID, who, 100, t0.AddDate(0, 0, 3).Add(3*time.Hour))
	if later.Upgraded || later.Submission.ChangeFlag {
		t.Fatal("setup: the later WHO-5 should not carry the flag while the first one stands")
	}
	admin := f.admin(t)

	out, err := f.svc.ApproveInvalidation(context.Background(), trigger.Submission.ID, admin.ID)
	if err != nil {
		t.Fatalf("ApproveInvalidation: %v", err)
	}
	if out.Downgraded || out.Tier != "Urgent" {
		t.Errorf("outcome = %+v, want Urgent kept", out)
	}
	if out.FlagsChanged != 1 {
		t.Errorf("flags changed = %d, want 1", out.FlagsChanged)
	}
	if !f.submission(t, later.Submission.ID).ChangeFlag {
		t.Error("the later WHO-5 should now be the evidence")
	}
	if tier := f.patient(t, p.ID).CurrentPriorityTier; tier != "Urgent" {
		t.Errorf("tier = %s, want Urgent", tier)
	}

	// The queue deadline now counts from the new evidence.
	d, err := f.svc.Queue().Deadline(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("Deadline: %v", err)
	}
	if want := later.Submission.CompletedAt.AddDate(0, 0, 3); !d.Equal(want) {
		t.Errorf("deadline = %s, want %s", d, want)
	}
}

func TestApprove_NonEvidenceOnlyRescores(t *testing.T) {
	f := newFixture(t)
	p := f.admit(t, t0)
	results := f.submitAll(t, p.ID, 50, t0)
	admin := f.admin(t)

	out, err := f.svc.ApproveInvalidation(context.Background(), results[0].Submission.ID, admin.ID)
	if err != nil {
		t.Fatalf("ApproveInvalidation: %v", err)
	}
	if out.ReplayFrom != nil || out.Replayed != 0 || out.Downgraded {
		t.Errorf("outcome = %+v, want a rescore only", out)
	}
	got := f.patient(t, p.ID)
	if got.CurrentPriorityTier != "Deferrable" || got.CurrentScore != nil {
		t.Errorf("patient = %s / %v, want Deferrable / nil", got.CurrentPriorityTier, got.CurrentScore)
	}
}

func TestApprove_TwiceConflictsAndKeepsState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, _, trigger := evidenceCase(t, f)
	admin := f.admin(t)

	if _, err := f.svc.ApproveInvalidation(ctx, trigger.Submission.ID, admin.ID); err != nil {
		t.Fatalf("ApproveInvalidation: %v", err)
	}
	before := f.patient(t, p.ID)

	if _, err := f.svc.ApproveInvalidation(ctx, trigger.Submission.ID, admin.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	after := f.patient(t, p.ID)
	if after.CurrentPriorityTier != before.CurrentPriorityTier || *after.CurrentScore != *before.CurrentScore {
		t.Errorf("state changed on a rejected approval: %+v -> %+v", before, after)
	}
}

func TestApprove_RollsBackOnFailure(t *testing.T) {
	for _, op := range []string{"submissions.Update", "patients.UpdateTier", "patients.UpdateScore"} {
		t.Run(op, func(t *testing.T) {
			f := newFixture(t)
			p := f.admit(t, t0)
			results := f.submitAll(t, p.ID, 90, t0)
			trigger := results[3]
			c := f.clinician(t)
			f.assignTo(t, p.ID, c.ID)
			if err := f.svc.RequestInvalidation(context.Background(), trigger.Submission.ID, c.ID); err != nil {
				t.Fatalf("RequestInvalidation: %v", err)
			}
			admin := f.admin(t)
			f.db.failNext(op, 1)

			if _, err := f.svc.ApproveInvalidation(context.Background(), trigger.Submission.ID, admin.ID); err == nil {
				t.Fatal("expected the approval to fail")
			}
			s := f.submission(t, trigger.Submission.ID)
			if s.Invalidated || !s.ChangeFlag || s.Reviewed {
				t.Errorf("submission changed despite rollback: %+v", s)
			}
			got := f.patient(t, p.ID)
			if got.CurrentPriorityTier != "Urgent" || got.CurrentScore == nil || *got.CurrentScore != 90 {
				t.Errorf("patient changed despite rollback: %s / %v", got.CurrentPriorityTier, got.CurrentScore)
			}
			if n := len(f.notes.ofKind(notification.KindInvalidationApproved)); n != 0 {
				t.Errorf("approval notifications = %d, want 0", n)
			}
		})
	}
}

func TestInvalidationRequestFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.admit(t, t0)
	results := f.submitAll(t, p.ID, 60, t0)
	target := results[1].Submission
	c := f.clinician(t)
	f.assignTo(t, p.ID, c.ID)
	admin := f.admin(t)

	if err := f.svc.RequestInvalidation(ctx, target.ID, c.ID); err != nil {
		t.Fatalf("RequestInvalidation: %v", err)
	}
	if st := f.submission(t, target.ID).InvalidationState(); st != InvalidationRequested {
		t.Fatalf("state = %s, want requested", st)
	}
	if err := f.svc.RequestInvalidation(ctx, target.ID, c.ID); !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate request: expected ErrConflict, got %v", err)
	}

	if err := f.svc.RejectInvalidation(ctx, target.ID, admin.ID); err != nil {
		t.Fatalf("RejectInvalidation: %v", err)
	}
	if st := f.submission(t, target.ID).InvalidationState(); st != InvalidationRejected {
		t.Errorf("state = %s, want rejected", st)
	}
	if err := f.svc.RejectInvalidation(ctx, target.ID, admin.ID); !errors.Is(err, ErrConflict) {
		t.Errorf("rejecting twice: expected ErrConflict, got %v", err)
	}
	if _, err := f.svc.ApproveInvalidation(ctx, target.ID, admin.ID); !errors.Is(err, ErrConflict) {
		t.Errorf("approving a rejected request: expected ErrConflict, got %v", err)
	}
	rejected := f.notes.ofKind(notification.KindInvalidationRejected)
	if len(rejected) != 1 || rejected[0].RecipientID != c.ID || rejected[0].Data["submission_id"] != target.ID.String() {
		t.Errorf("rejection notifications = %+v", rejected)
	}

	// A rejected request may be filed again.
	if err := f.svc.RequestInvalidation(ctx, target.ID, c.ID); err != nil {
		t.Fatalf("RequestInvalidation after rejection: %v", err)
	}
	if _, err := f.svc.ApproveInvalidation(ctx, target.ID, admin.ID); err != nil {
		t.Fatalf("ApproveInvalidation: %v", err)
	}
	approved := f.notes.ofKind(notification.KindInvalidationApproved)
	if len(approved) != 1 || approved[0].RecipientID != c.ID || approved[0].Data["typology"] != gad {
		t.Errorf("approval notifications = %+v", approved)
	}
	if err := f.svc.RequestInvalidation(ctx, target.ID, c.ID); !errors.Is(err, ErrConflict) {
		t.Errorf("request on an invalidated submission: expected ErrConflict, got %v", err)
	}
}

func TestInvalidationRequest_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.admit(t, t0)
	r := f.submit(t, p.ID, phq, 10, t0)
	owner := f.clinician(t)
	f.assignTo(t, p.ID, owner.ID)
	stranger := f.clinician(t)
	admin := f.admin(t)

	if err := f.svc.RequestInvalidation(ctx, r.Submission.ID, stranger.ID); !errors.Is(err, ErrConflict) {
		t.Errorf("unassigned clinician: expected ErrConflict, got %v", err)
	}
	if err := f.svc.RequestInvalidation(ctx, uuid.New(), owner.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown submission: expected ErrNotFound, got %v", err)
	}
	if err := f.svc.RequestInvalidation(ctx, r.Submission.ID, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown clinician: expected ErrNotFound, got %v", err)
	}
	if err := f.svc.RejectInvalidation(ctx, r.Submission.ID, admin.ID); !errors.Is(err, ErrConflict) {
		t.Errorf("reject without request: expected ErrConflict, got %v", err)
	}
	if _, err := f.svc.ApproveInvalidation(ctx, r.Submission.ID, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown admin: expected ErrNotFound, got %v", err)
	}
	if _, err := f.svc.ApproveInvalidation(ctx, uuid.Nil, admin.ID); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("nil submission: expected ErrInvalidArgument, got %v", err)
	}

	// Approval without a request notifies nobody.
	if _, err := f.svc.ApproveInvalidation(ctx, r.Submission.ID, admin.ID); err != nil {
		t.Fatalf("ApproveInvalidation: %v", err)
	}
	if n := len(f.notes.ofKind(notification.KindInvalidationApproved)); n != 0 {
		t.Errorf("approval notifications = %d, want 0", n)
	}
}

func TestReplayStart(t *testing.T) {
	a := sub(phq, 10, t0)
	b := sub(gad, 10, t0.Add(time.Hour))
	b.ChangeFlag = true
	c := sub(who, 10, t0.Add(2*time.Hour))
	d := sub(ptsd, 10, t0.Add(3*time.Hour))
	history := []*Submission{a, b, c, d}

	if from, ok := replayStart(history, d, false); !ok || !from.Equal(b.CompletedAt) {
		t.Errorf("replayStart = %s, %v; want the flagged %s", from, ok, gad)
	}
	if from, ok := replayStart(history, a, true); !ok || !from.IsZero() {
		t.Errorf("replayStart for earliest evidence = %s, %v; want the beginning", from, ok)
	}
	if _, ok := replayStart(history, a, false); ok {
		t.Error("replayStart without evidence should not replay")
	}
}

func TestReplay_FlagsFirstCrossing(t *testing.T) {
	cat := seedCatalog(t)
	var history []*Submission
	for i, name := range []string{phq, gad, who, ptsd} {
		history = append(history, sub(name, 85, t0.Add(time.Duration(i)*time.Minute)))
	}
	history = append(history, sub(phq, 90, t0.Add(time.Hour)))

	res := replay(cat, history, time.Time{}, 80)
	if !res.reached || res.replayed != len(history) {
		t.Fatalf("replay = %+v", res)
	}
	// Only the fourth submission crosses the floor; the later one stays unflagged.
	if len(res.flags) != 1 || !res.flags[history[3].ID] {
		t.Errorf("flags = %v, want only %s", res.flags, history[3].ID)
	}

	res = replay(cat, history, time.Time{}, 95)
	if res.reached || len(res.flags) != 0 {
		t.Errorf("replay above every score = %+v", res)
	}
}
