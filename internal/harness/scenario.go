package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario defines a workflow test scenario.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// ApplicationIDs are handed out in order to submissions that do not
	// set their own ID.
	ApplicationIDs []string `yaml:"application_ids,omitempty"`

	// ApprovalThreshold overrides the manager approval threshold.
	ApprovalThreshold int64 `yaml:"approval_threshold,omitempty"`

	// Flow contains the steps executed in order.
	Flow []FlowStep `yaml:"flow"`

	// Assertions validate the final narratives.
	Assertions []Assertion `yaml:"assertions"`
}

// FlowStep is one step of the flow. Exactly one action field is set.
type FlowStep struct {
	Submit       *SubmitStep   `yaml:"submit,omitempty"`
	Approve      *ApproveStep  `yaml:"approve,omitempty"`
	FraudVerdict *VerdictStep  `yaml:"fraud_verdict,omitempty"`
	Resume       *ResumeStep   `yaml:"resume,omitempty"`
	Advance      string        `yaml:"advance,omitempty"`
	Sweep        bool          `yaml:"sweep,omitempty"`
	Expect       *ExpectClause `yaml:"expect,omitempty"`
}

// SubmitStep submits an application. Empty optional fields get the
// service defaults.
type SubmitStep struct {
	ApplicationID string `yaml:"application_id,omitempty"`
	ApplicantName string `yaml:"applicant_name"`
	SSNLast4      string `yaml:"ssn_last4"`
	AnnualIncome  int64  `yaml:"annual_income,omitempty"`
	LoanAmount    int64  `yaml:"loan_amount"`
	LoanPurpose   string `yaml:"loan_purpose,omitempty"`
}

// ApproveStep delivers a manager decision.
type ApproveStep struct {
	Application string `yaml:"application"`
	Approved    bool   `yaml:"approved"`
	Reason      string `yaml:"reason,omitempty"`
	Actor       string `yaml:"actor,omitempty"`
}

// VerdictStep answers the outstanding fraud check of an application. An
// approval carries the fraud service's standard verdict.
type VerdictStep struct {
	Application string `yaml:"application"`
	Approved    bool   `yaml:"approved"`
	Reason      string `yaml:"reason,omitempty"`
}

// ResumeStep resumes a callback with a raw payload. An empty Token means
// the application's outstanding token.
type ResumeStep struct {
	Application string `yaml:"application"`
	Token       string `yaml:"token,omitempty"`
	Payload     string `yaml:"payload"`
}

// ExpectClause checks the state right after a step.
type ExpectClause struct {
	// Status and CurrentStep are compared with the record of the step's
	// application when set.
	Status      string `yaml:"status,omitempty"`
	CurrentStep string `yaml:"current_step,omitempty"`

	// Error, when set, requires the step to fail with an error whose
	// message contains it. Without it the step must succeed.
	Error string `yaml:"error,omitempty"`
}

// Assertion validates the final narratives.
type Assertion struct {
	// Type specifies the assertion type:
	// - "log_contains": a log line with Message (and Step, if set) exists
	// - "log_order": Messages appear in this order
	// - "log_count": Step has exactly Count log lines
	// - "final_state": status, current_step and result fields match Expect
	Type string `yaml:"type"`

	Application string            `yaml:"application"`
	Step        string            `yaml:"step,omitempty"`
	Message     string            `yaml:"message,omitempty"`
	Messages    []string          `yaml:"messages,omitempty"`
	Count       int               `yaml:"count,omitempty"`
	Expect      map[string]string `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertLogContains = "log_contains"
	AssertLogOrder    = "log_order"
	AssertLogCount    = "log_count"
	AssertFinalState  = "final_state"
)

// Action names used in trace events.
const (
	ActionSubmit       = "submit"
	ActionApprove      = "approve"
	ActionFraudVerdict = "fraud_verdict"
	ActionResume       = "resume"
	ActionAdvance      = "advance"
	ActionSweep        = "sweep"
)

// Action returns the name of the step's action, or "" if none or more
// than one is set.
func (s FlowStep) Action() string {
	var actions []string
	if s.Submit != nil {
		actions = append(actions, ActionSubmit)
	}
	if s.Approve != nil {
		actions = append(actions, ActionApprove)
	}
	if s.FraudVerdict != nil {
		actions = append(actions, ActionFraudVerdict)
	}
	if s.Resume != nil {
		actions = append(actions, ActionResume)
	}
	if s.Advance != "" {
		actions = append(actions, ActionAdvance)
	}
	if s.Sweep {
		actions = append(actions, ActionSweep)
	}
	if len(actions) != 1 {
		return ""
	}
	return actions[0]
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // catches "assertion:" vs "assertions:"
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	if s.ApprovalThreshold < 0 {
		return fmt.Errorf("approval_threshold must be non-negative")
	}

	generated := 0
	for i, step := range s.Flow {
		if err := validateStep(i, step); err != nil {
			return err
		}
		if step.Submit != nil && step.Submit.ApplicationID == "" {
			generated++
		}
	}
	if len(s.ApplicationIDs) > 0 && generated > len(s.ApplicationIDs) {
		return fmt.Errorf("application_ids: %d submissions need an ID but only %d are listed",
			generated, len(s.ApplicationIDs))
	}
	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, s FlowStep) error {
	action := s.Action()
	switch action {
	case "":
		return fmt.Errorf("flow[%d]: exactly one action is required", index)
	case ActionApprove:
		if s.Approve.Application == "" {
			return fmt.Errorf("flow[%d].approve: application is required", index)
		}
	case ActionFraudVerdict:
		if s.FraudVerdict.Application == "" {
			return fmt.Errorf("flow[%d].fraud_verdict: application is required", index)
		}
	case ActionResume:
		if s.Resume.Application == "" {
			return fmt.Errorf("flow[%d].resume: application is required", index)
		}
	case ActionAdvance:
		d, err := time.ParseDuration(s.Advance)
		if err != nil {
			return fmt.Errorf("flow[%d].advance: %w", index, err)
		}
		if d <= 0 {
			return fmt.Errorf("flow[%d].advance: duration must be positive", index)
		}
	}
	if s.Expect != nil && (action == ActionAdvance || action == ActionSweep) &&
		(s.Expect.Status != "" || s.Expect.CurrentStep != "") {
		return fmt.Errorf("flow[%d].expect: %s has no application to check", index, action)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}
	if a.Application == "" {
		return fmt.Errorf("assertions[%d]: application is required", index)
	}

	switch a.Type {
	case AssertLogContains:
		if a.Message == "" {
			return fmt.Errorf("assertions[%d]: message is required for log_contains", index)
		}
	case AssertLogOrder:
		if len(a.Messages) == 0 {
			return fmt.Errorf("assertions[%d]: messages list is required for log_order", index)
		}
	case AssertLogCount:
		if a.Step == "" {
			return fmt.Errorf("assertions[%d]: step is required for log_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for log_count", index)
		}
	case AssertFinalState:
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
