package loan

import (
	"fmt"
	"math"
	"strings"

	"github.com/roach88/loanflow/internal/canon"
)

// TermMonths is the term of every offer.
const TermMonths = 60

const offerDomain = "loanflow/offer/v1"

// ValidatedApplication is the checkpointed output of the validation step.
type ValidatedApplication struct {
	Application
	EstimatedDTI float64 `json:"estimated_dti"`
	Status       string  `json:"status"`
}

// Offer is a priced loan offer.
type Offer struct {
	OfferID        string  `json:"offer_id"`
	ApplicationID  string  `json:"application_id"`
	LoanAmount     int64   `json:"loan_amount"`
	AnnualRate     float64 `json:"annual_rate"`
	TermMonths     int     `json:"term_months"`
	MonthlyPayment float64 `json:"monthly_payment"`
	TotalInterest  float64 `json:"total_interest"`
	Status         string  `json:"status"`
}

// Disbursement confirms funds were released for an offer.
type Disbursement struct {
	OfferID         string `json:"offer_id"`
	DisbursementRef string `json:"disbursement_ref"`
	AmountDisbursed int64  `json:"amount_disbursed"`
	Status          string `json:"status"`
}

// ValidateApplication checks app and estimates its debt-to-income ratio,
// assuming a payment of 5% of the loan amount per month.
func ValidateApplication(v *Validator, app Application) (ValidatedApplication, error) {
	if err := v.Validate(app); err != nil {
		return ValidatedApplication{}, err
	}
	monthlyIncome := float64(app.AnnualIncome) / 12
	dti := float64(app.LoanAmount) * 0.05 / monthlyIncome
	return ValidatedApplication{
		Application:  app,
		EstimatedDTI: round2(dti),
		Status:       "validated",
	}, nil
}

// GenerateOffer prices a fixed-term amortized loan at the assessed base
// rate. The offer ID is derived from the application ID and the rate.
func GenerateOffer(app ValidatedApplication, risk RiskAssessment) (Offer, error) {
	digest, err := canon.Hash(offerDomain, map[string]any{
		"application_id": app.ApplicationID,
		"rate_bp":        risk.RateBasisPoints,
	})
	if err != nil {
		return Offer{}, fmt.Errorf("offer id: %w", err)
	}

	amount := float64(app.LoanAmount)
	monthlyRate := float64(risk.RateBasisPoints) / 10000 / 12
	payment := amount / TermMonths
	if monthlyRate > 0 {
		growth := math.Pow(1+monthlyRate, TermMonths)
		payment = amount * monthlyRate * growth / (growth - 1)
	}

	return Offer{
		OfferID:        "OFFER-" + strings.ToUpper(digest[:10]),
		ApplicationID:  app.ApplicationID,
		LoanAmount:     app.LoanAmount,
		AnnualRate:     risk.BaseRate,
		TermMonths:     TermMonths,
		MonthlyPayment: round2(payment),
		TotalInterest:  round2(payment*TermMonths - amount),
		Status:         "offer_generated",
	}, nil
}

// Disburse releases the funds of an offer.
func Disburse(offer Offer) Disbursement {
	return Disbursement{
		OfferID:         offer.OfferID,
		DisbursementRef: "DSB-" + offer.OfferID[len(offer.OfferID)-6:],
		AmountDisbursed: offer.LoanAmount,
		Status:          "funded",
	}
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}
