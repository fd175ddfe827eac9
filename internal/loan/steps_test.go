package loan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPullCreditReport_Deterministic(t *testing.T) {
	r, err := PullCreditReport("equifax", "1111")
	require.NoError(t, err)

	assert.Equal(t, CreditReport{
		Bureau:          "equifax",
		Score:           621,
		ReportID:        "EQU-1111-621",
		DerogatoryMarks: 1,
		OpenAccounts:    13,
	}, r)

	again, err := PullCreditReport("equifax", "1111")
	require.NoError(t, err)
	assert.Equal(t, r, again)
}

func TestPullCreditReport_ScoresPerBureau(t *testing.T) {
	want := map[string][]int{
		"1111": {621, 730, 772},
		"2222": {614, 635, 722},
		"3333": {640, 771, 747},
	}
	for ssn, scores := range want {
		for i, bureau := range Bureaus {
			r, err := PullCreditReport(bureau, ssn)
			require.NoError(t, err)
			assert.Equal(t, scores[i], r.Score, "%s/%s", bureau, ssn)
			assert.GreaterOrEqual(t, r.Score, MinCreditScore)
			assert.LessOrEqual(t, r.Score, MaxCreditScore)
			assert.LessOrEqual(t, r.DerogatoryMarks, 3)
			assert.GreaterOrEqual(t, r.OpenAccounts, 2)
			assert.LessOrEqual(t, r.OpenAccounts, 15)
		}
	}
}

func TestPullCreditReport_UnknownBureau(t *testing.T) {
	_, err := PullCreditReport("x", "1111")
	assert.Error(t, err)
}

func reports(scores []int, derogatory int) []CreditReport {
	out := make([]CreditReport, len(scores))
	for i, s := range scores {
		out[i] = CreditReport{Bureau: Bureaus[i], Score: s}
	}
	out[0].DerogatoryMarks = derogatory
	return out
}

func TestAssessRisk_Tiers(t *testing.T) {
	tests := []struct {
		name       string
		scores     []int
		derogatory int
		tier       string
		bp         int64
	}{
		{"prime", []int{750, 760, 770}, 0, TierPrime, 525},
		{"prime score with marks", []int{750, 760, 770}, 1, TierNearPrime, 750},
		{"near-prime", []int{670, 670, 670}, 2, TierNearPrime, 750},
		{"subprime", []int{600, 610, 620}, 0, TierSubprime, 1100},
		{"deep-subprime", []int{500, 550, 560}, 0, TierDeepSubprime, 1500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			risk, err := AssessRisk(reports(tt.scores, tt.derogatory), "4444", 10000)
			require.NoError(t, err)
			assert.Equal(t, tt.tier, risk.RiskTier)
			assert.Equal(t, tt.bp, risk.RateBasisPoints)
			assert.InDelta(t, float64(tt.bp)/100, risk.BaseRate, 1e-9)
			assert.Equal(t, tt.derogatory, risk.TotalDerogatoryMarks)
		})
	}
}

func TestAssessRisk_Aggregates(t *testing.T) {
	risk, err := AssessRisk(reports([]int{621, 730, 772}, 5), "1111", 50000)
	require.NoError(t, err)

	assert.InDelta(t, 707.7, risk.AverageScore, 1e-9)
	assert.Equal(t, 621, risk.MinScore)
	assert.Equal(t, 772, risk.MaxScore)
	assert.Equal(t, DecisionApproved, risk.Decision)
}

func TestAssessRisk_NoReports(t *testing.T) {
	_, err := AssessRisk(nil, "1111", 1000)
	assert.Error(t, err)
}

func TestScenarioDecision(t *testing.T) {
	tests := []struct {
		ssn    string
		amount int64
		want   Decision
	}{
		{"1111", 50000, DecisionApproved},
		{"1111", 500000, DecisionApproved},
		{"2222", 1000, DecisionDenied},
		{"3333", 25000, DecisionApproved},
		{"3333", 25001, DecisionDenied},
		{"3333", 30000, DecisionDenied},
		{"9999", 150000, DecisionApproved},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ScenarioDecision(tt.ssn, tt.amount), "%s/%d", tt.ssn, tt.amount)
	}
}

func TestValidateApplication_EstimatesDTI(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	va, err := ValidateApplication(v, validApplication())
	require.NoError(t, err)
	assert.InDelta(t, 0.35, va.EstimatedDTI, 1e-9)
	assert.Equal(t, "validated", va.Status)
	assert.Equal(t, "LOAN-A", va.ApplicationID)
}

func TestGenerateOffer(t *testing.T) {
	app := ValidatedApplication{Application: validApplication()}
	risk := RiskAssessment{RiskTier: TierNearPrime, RateBasisPoints: 750, BaseRate: 7.5}

	offer, err := GenerateOffer(app, risk)
	require.NoError(t, err)

	assert.Equal(t, "OFFER-148A501D67", offer.OfferID)
	assert.Equal(t, int64(50000), offer.LoanAmount)
	assert.Equal(t, TermMonths, offer.TermMonths)
	assert.InDelta(t, 1001.90, offer.MonthlyPayment, 1e-9)
	assert.InDelta(t, 10113.85, offer.TotalInterest, 1e-9)
	assert.InDelta(t, 7.5, offer.AnnualRate, 1e-9)
}

func TestGenerateOffer_IDDependsOnRate(t *testing.T) {
	app := ValidatedApplication{Application: validApplication()}

	a, err := GenerateOffer(app, RiskAssessment{RateBasisPoints: 750, BaseRate: 7.5})
	require.NoError(t, err)
	b, err := GenerateOffer(app, RiskAssessment{RateBasisPoints: 525, BaseRate: 5.25})
	require.NoError(t, err)

	assert.NotEqual(t, a.OfferID, b.OfferID)
}

func TestDisburse(t *testing.T) {
	d := Disburse(Offer{OfferID: "OFFER-148A501D67", LoanAmount: 50000})
	assert.Equal(t, "DSB-501D67", d.DisbursementRef)
	assert.Equal(t, int64(50000), d.AmountDisbursed)
	assert.Equal(t, "funded", d.Status)
}
