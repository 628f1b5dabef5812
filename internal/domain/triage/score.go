package triage

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	// MinWeight is the floor every submission weight decays towards.
	MinWeight = 0.20
	// decayHorizonPeriods is how many administration periods it takes for a
	// submission to decay to MinWeight.
	decayHorizonPeriods = 3
)

// DecayRate returns λ for a typology administered every periodDays.
func DecayRate(periodDays int) float64 {
	return math.Log(MinWeight) / (-decayHorizonPeriods * float64(periodDays))
}

// Weight returns the decayed weight of a submission daysSince days older than
// the most recent one in its group. The result is in [MinWeight, 1].
func Weight(lambda, daysSince float64) float64 {
	if daysSince < 0 {
		daysSince = 0
	}
	return math.Max(MinWeight, math.Exp(-lambda*daysSince))
}

// Score computes the acuity score from history as of asOf. Invalidated
// submissions and submissions completed after asOf are ignored. It returns
// nil when any screening typology has no usable submission.
func Score(cat *Catalog, history []*Submission, asOf time.Time) *float64 {
	required := cat.Screening()
	if len(required) == 0 {
		return nil
	}

	groups := make(map[string][]*Submission, len(required))
	for _, s := range history {
		if s.Invalidated || s.CompletedAt.After(asOf) {
			continue
		}
		groups[s.TypologyName] = append(groups[s.TypologyName], s)
	}

	var sum float64
	for _, name := range required {
		group := groups[name]
		if len(group) == 0 {
			return nil
		}
		typology, err := cat.Typology(name)
		if err != nil {
			return nil
		}
		sum += typologyScore(group, DecayRate(typology.AdministrationPeriodDays))
	}

	rounded, _ := decimal.NewFromFloat(sum / float64(len(required))).Round(2).Float64()
	return &rounded
}

// typologyScore is the decay-weighted mean of one typology's raw scores.
func typologyScore(group []*Submission, lambda float64) float64 {
	latest := group[0].CompletedAt
	for _, s := range group[1:] {
		if s.CompletedAt.After(latest) {
			latest = s.CompletedAt
		}
	}

	var weighted, weights float64
	for _, s := range group {
		w := Weight(lambda, latest.Sub(s.CompletedAt).Hours()/24)
		weighted += w * s.RawScore
		weights += w
	}
	return weighted / weights
}

// ScoreEngine computes scores from stored history.
type ScoreEngine struct {
	catalog     *catalogCache
	submissions SubmissionRepository
}

// ComputeScore returns the patient's score as of asOf ("time travel" when
// asOf is in the past).
func (e *ScoreEngine) ComputeScore(ctx context.Context, patientID uuid.UUID, asOf time.Time) (*float64, error) {
	cat, err := e.catalog.Get(ctx)
	if err != nil {
		return nil, err
	}
	history, err := e.validHistory(ctx, patientID)
	if err != nil {
		return nil, err
	}
	return Score(cat, history, asOf), nil
}

func (e *ScoreEngine) validHistory(ctx context.Context, patientID uuid.UUID) ([]*Submission, error) {
	return e.submissions.ListByPatient(ctx, patientID, ValidOnly())
}
