package loan

import (
	"errors"
	"math"
	"slices"
)

// Decision is the outcome of the risk assessment.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionDenied   Decision = "denied"
)

// Risk tiers, best first.
const (
	TierPrime        = "prime"
	TierNearPrime    = "near-prime"
	TierSubprime     = "subprime"
	TierDeepSubprime = "deep-subprime"
)

// scenarioCeiling is the largest amount approved for the "3333" scenario.
const scenarioCeiling = 25000

// RiskAssessment aggregates the bureau reports into a tier, a base rate
// and a decision.
type RiskAssessment struct {
	AverageScore         float64  `json:"average_score"`
	MinScore             int      `json:"min_score"`
	MaxScore             int      `json:"max_score"`
	TotalDerogatoryMarks int      `json:"total_derogatory_marks"`
	RiskTier             string   `json:"risk_tier"`
	RateBasisPoints      int64    `json:"rate_bp"`
	BaseRate             float64  `json:"base_rate"`
	Decision             Decision `json:"decision"`
}

// AssessRisk computes the tier from the average score and derogatory
// marks. The decision is fixed per demo applicant by ScenarioDecision.
func AssessRisk(reports []CreditReport, ssnLast4 string, loanAmount int64) (RiskAssessment, error) {
	if len(reports) == 0 {
		return RiskAssessment{}, errors.New("no credit reports to assess")
	}

	scores := make([]int, len(reports))
	total, derogatory := 0, 0
	for i, r := range reports {
		scores[i] = r.Score
		total += r.Score
		derogatory += r.DerogatoryMarks
	}
	avg := float64(total) / float64(len(reports))

	var (
		tier string
		bp   int64
	)
	switch {
	case avg >= 740 && derogatory == 0:
		tier, bp = TierPrime, 525
	case avg >= 670:
		tier, bp = TierNearPrime, 750
	case avg >= 580:
		tier, bp = TierSubprime, 1100
	default:
		tier, bp = TierDeepSubprime, 1500
	}

	return RiskAssessment{
		AverageScore:         math.Round(avg*10) / 10,
		MinScore:             slices.Min(scores),
		MaxScore:             slices.Max(scores),
		TotalDerogatoryMarks: derogatory,
		RiskTier:             tier,
		RateBasisPoints:      bp,
		BaseRate:             float64(bp) / 100,
		Decision:             ScenarioDecision(ssnLast4, loanAmount),
	}, nil
}

// ScenarioDecision returns the predetermined decision for the demo
// applicants: 1111 is always approved, 2222 always denied, 3333 approved
// up to 25,000. Everyone else is approved.
func ScenarioDecision(ssnLast4 string, loanAmount int64) Decision {
	switch ssnLast4 {
	case "2222":
		return DecisionDenied
	case "3333":
		if loanAmount > scenarioCeiling {
			return DecisionDenied
		}
	}
	return DecisionApproved
}
