package loan

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/roach88/loanflow/internal/canon"
)

// Bureaus are pulled in this order and their reports aggregated in it.
var Bureaus = []string{"equifax", "transunion", "experian"}

const creditReportDomain = "loanflow/credit-report/v1"

// Credit score bounds of a simulated bureau report.
const (
	MinCreditScore = 580
	MaxCreditScore = 820
)

// CreditReport is one bureau's report.
type CreditReport struct {
	Bureau          string `json:"bureau"`
	Score           int    `json:"score"`
	ReportID        string `json:"report_id"`
	DerogatoryMarks int    `json:"derogatory_marks"`
	OpenAccounts    int    `json:"open_accounts"`
}

// PullCreditReport simulates a bureau lookup. The report is derived from
// the canonical hash of (bureau, ssnLast4), so a given applicant always
// gets the same report from the same bureau.
func PullCreditReport(bureau, ssnLast4 string) (CreditReport, error) {
	if len(bureau) < 3 {
		return CreditReport{}, fmt.Errorf("unknown bureau %q", bureau)
	}
	sum, err := canon.Sum(creditReportDomain, map[string]any{
		"bureau":    bureau,
		"ssn_last4": ssnLast4,
	})
	if err != nil {
		return CreditReport{}, err
	}

	span := MaxCreditScore - MinCreditScore + 1
	score := MinCreditScore + int(binary.BigEndian.Uint16(sum[0:2]))%span
	return CreditReport{
		Bureau:          bureau,
		Score:           score,
		ReportID:        fmt.Sprintf("%s-%s-%d", strings.ToUpper(bureau[:3]), ssnLast4, score),
		DerogatoryMarks: int(sum[2] % 4),
		OpenAccounts:    2 + int(sum[3]%14),
	}, nil
}
