package harness

// TraceEvent records the outcome of one flow step.
type TraceEvent struct {
	Seq           int    `json:"seq"`
	Action        string `json:"action"`
	ApplicationID string `json:"application_id,omitempty"`
	Status        string `json:"status,omitempty"`
	CurrentStep   string `json:"current_step,omitempty"`
	Error         string `json:"error,omitempty"`
}

// Narrative is the persisted story of one application at the end of a run.
type Narrative struct {
	ApplicationID string            `json:"application_id"`
	Status        string            `json:"status"`
	CurrentStep   string            `json:"current_step"`
	Logs          []string          `json:"logs"`
	Result        map[string]string `json:"result,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every expect clause and assertion held.
	Pass bool `json:"pass"`

	Trace  []TraceEvent `json:"trace"`
	Errors []string     `json:"errors,omitempty"`

	// Narratives holds one entry per submitted application, in
	// submission order.
	Narratives []Narrative `json:"narratives"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:       true,
		Trace:      []TraceEvent{},
		Errors:     []string{},
		Narratives: []Narrative{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Narrative returns the narrative of applicationID.
func (r *Result) Narrative(applicationID string) (Narrative, bool) {
	for _, n := range r.Narratives {
		if n.ApplicationID == applicationID {
			return n, true
		}
	}
	return Narrative{}, false
}
