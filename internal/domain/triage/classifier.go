package triage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Classify returns the tier whose inclusive range contains score. Overlapping
// ranges resolve to the most urgent match. When nothing matches it returns the
// least urgent tier and matched=false.
func (c *Catalog) Classify(score float64) (tier *Tier, matched bool) {
	for _, t := range c.tiers {
		if t.Contains(score) {
			return t, true
		}
	}
	return c.leastUrgent(), false
}

// StepDown returns the configured tier one step less urgent than name,
// skipping levels that are not configured. It saturates at the least urgent tier.
func (c *Catalog) StepDown(name string) (*Tier, error) {
	u, err := ParseUrgency(name)
	if err != nil {
		return nil, err
	}
	for next := u.StepDown(); ; next = next.StepDown() {
		if t, ok := c.byLevel[next]; ok && next < u {
			return t, nil
		}
		if next == LeastUrgent {
			return c.leastUrgent(), nil
		}
	}
}

// PriorityClassifier maps scores to tiers and applies tier transitions.
type PriorityClassifier struct {
	tx          Transactor
	catalog     *catalogCache
	patients    PatientRepository
	submissions SubmissionRepository
	logger      zerolog.Logger
}

// Classify maps score onto a configured tier, logging range gaps.
func (c *PriorityClassifier) Classify(ctx context.Context, score float64) (*Tier, error) {
	cat, err := c.catalog.Get(ctx)
	if err != nil {
		return nil, err
	}
	return c.classify(cat, score), nil
}

func (c *PriorityClassifier) classify(cat *Catalog, score float64) *Tier {
	tier, matched := cat.Classify(score)
	if !matched {
		classificationFallbacks.Inc()
		c.logger.Warn().Float64("score", score).Str("tier", tier.Name).
			Msg("score matched no tier range, falling back to least urgent tier")
	}
	return tier
}

// CompareTiers compares two tier names by urgency.
func (c *PriorityClassifier) CompareTiers(a, b string) (int, error) {
	ua, err := ParseUrgency(a)
	if err != nil {
		return 0, err
	}
	ub, err := ParseUrgency(b)
	if err != nil {
		return 0, err
	}
	return CompareTiers(ua, ub), nil
}

// ApplyIfUpgrade reclassifies the patient's current score and, only when the
// result is strictly more urgent than the stored tier, persists it and marks
// the triggering submission as the tier's evidence. It never downgrades.
func (c *PriorityClassifier) ApplyIfUpgrade(ctx context.Context, patientID, triggeringSubmissionID uuid.UUID) (upgraded bool, err error) {
	cat, err := c.catalog.Get(ctx)
	if err != nil {
		return false, err
	}
	err = c.tx.InTx(ctx, func(ctx context.Context) error {
		if err := c.tx.Lock(ctx, patientLockKey(patientID)); err != nil {
			return err
		}
		upgraded, err = c.applyIfUpgrade(ctx, cat, patientID, triggeringSubmissionID)
		return err
	})
	return upgraded, err
}

func (c *PriorityClassifier) applyIfUpgrade(ctx context.Context, cat *Catalog, patientID, triggeringSubmissionID uuid.UUID) (bool, error) {
	p, err := c.patients.GetByID(ctx, patientID)
	if err != nil {
		return false, err
	}
	if p.CurrentScore == nil {
		return false, nil
	}

	trigger, err := c.submissions.GetByID(ctx, triggeringSubmissionID)
	if err != nil {
		return false, err
	}
	if trigger.PatientID != patientID {
		return false, fmt.Errorf("submission %s belongs to another patient: %w", trigger.ID, ErrInvalidArgument)
	}

	current, err := ParseUrgency(p.CurrentPriorityTier)
	if err != nil {
		return false, err
	}
	next := c.classify(cat, *p.CurrentScore)
	if CompareTiers(mustUrgency(next.Name), current) <= 0 {
		return false, nil
	}

	if err := c.patients.UpdateTier(ctx, patientID, next.Name); err != nil {
		return false, fmt.Errorf("update tier: %w", err)
	}
	trigger.ChangeFlag = true
	if err := c.submissions.Update(ctx, trigger); err != nil {
		return false, fmt.Errorf("flag submission: %w", err)
	}

	tierChanges.WithLabelValues("up").Inc()
	c.logger.Info().Str("patient_id", patientID.String()).
		Str("from", p.CurrentPriorityTier).Str("to", next.Name).
		Str("submission_id", trigger.ID.String()).Msg("priority tier upgraded")
	return true, nil
}

// DowngradeOneStep moves the patient exactly one tier towards less urgent.
func (c *PriorityClassifier) DowngradeOneStep(ctx context.Context, patientID uuid.UUID) (tier *Tier, err error) {
	cat, err := c.catalog.Get(ctx)
	if err != nil {
		return nil, err
	}
	err = c.tx.InTx(ctx, func(ctx context.Context) error {
		if err := c.tx.Lock(ctx, patientLockKey(patientID)); err != nil {
			return err
		}
		tier, err = c.downgradeOneStep(ctx, cat, patientID)
		return err
	})
	return tier, err
}

func (c *PriorityClassifier) downgradeOneStep(ctx context.Context, cat *Catalog, patientID uuid.UUID) (*Tier, error) {
	p, err := c.patients.GetByID(ctx, patientID)
	if err != nil {
		return nil, err
	}
	next, err := cat.StepDown(p.CurrentPriorityTier)
	if err != nil {
		return nil, err
	}
	if next.Name == p.CurrentPriorityTier {
		return next, nil
	}
	if err := c.patients.UpdateTier(ctx, patientID, next.Name); err != nil {
		return nil, fmt.Errorf("update tier: %w", err)
	}

	tierChanges.WithLabelValues("down").Inc()
	c.logger.Info().Str("patient_id", patientID.String()).
		Str("from", p.CurrentPriorityTier).Str("to", next.Name).Msg("priority tier downgraded")
	return next, nil
}
