package loan

import (
	_ "embed"
	"fmt"
	"slices"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

// Submission defaults, applied when a request leaves the field empty.
const (
	DefaultAnnualIncome = 85000
	DefaultLoanPurpose  = "personal_loan"
)

// Application is the input of one workflow run. Money is in whole dollars.
type Application struct {
	ApplicationID string `json:"application_id"`
	ApplicantName string `json:"applicant_name"`
	SSNLast4      string `json:"ssn_last4"`
	AnnualIncome  int64  `json:"annual_income"`
	LoanAmount    int64  `json:"loan_amount"`
	LoanPurpose   string `json:"loan_purpose"`
}

// WithDefaults fills optional fields left empty.
func (a Application) WithDefaults() Application {
	if a.AnnualIncome == 0 {
		a.AnnualIncome = DefaultAnnualIncome
	}
	if a.LoanPurpose == "" {
		a.LoanPurpose = DefaultLoanPurpose
	}
	return a
}

//go:embed schema.cue
var schemaCUE string

// Validator checks applications against the embedded CUE schema.
//
// Thread-safety: a CUE context must not be used concurrently, so Validate
// serializes callers.
type Validator struct {
	mu     sync.Mutex
	ctx    *cue.Context
	schema cue.Value
}

// NewValidator compiles the application schema.
func NewValidator() (*Validator, error) {
	ctx := cuecontext.New()
	v := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("compile application schema: %w", err)
	}
	schema := v.LookupPath(cue.ParsePath("#Application"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("lookup #Application: %w", err)
	}
	return &Validator{ctx: ctx, schema: schema}, nil
}

// Validate returns a *ValidationError for the first offending field (in
// field-name order), or nil.
func (v *Validator) Validate(app Application) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	val := v.schema.Unify(v.ctx.Encode(app))
	err := val.Validate(cue.Concrete(true))
	if err == nil {
		return nil
	}
	return toValidationError(err)
}

func toValidationError(err error) *ValidationError {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return &ValidationError{Field: "application", Message: err.Error()}
	}

	found := make([]*ValidationError, 0, len(errs))
	for _, e := range errs {
		field := "application"
		if path := e.Path(); len(path) > 0 {
			field = path[len(path)-1]
		}
		format, args := e.Msg()
		found = append(found, &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}
	slices.SortStableFunc(found, func(a, b *ValidationError) int {
		switch {
		case a.Field < b.Field:
			return -1
		case a.Field > b.Field:
			return 1
		}
		return 0
	})
	return found[0]
}
