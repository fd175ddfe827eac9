package harness

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/loanflow/internal/canon"
)

// Snapshot captures the observable outcome of a scenario execution.
// It is serialized as canonical JSON for deterministic comparison.
type Snapshot struct {
	ScenarioName string
	Trace        []TraceEvent
	Narratives   []Narrative
}

// toCanonicalMap converts the snapshot to the value types canon.Marshal
// accepts. Empty optional fields are left out.
func (s *Snapshot) toCanonicalMap() map[string]any {
	trace := make([]any, len(s.Trace))
	for i, e := range s.Trace {
		m := map[string]any{
			"seq":    e.Seq,
			"action": e.Action,
		}
		putString(m, "application_id", e.ApplicationID)
		putString(m, "status", e.Status)
		putString(m, "current_step", e.CurrentStep)
		putString(m, "error", e.Error)
		trace[i] = m
	}

	narratives := make([]any, len(s.Narratives))
	for i, n := range s.Narratives {
		m := map[string]any{
			"application_id": n.ApplicationID,
			"status":         n.Status,
			"current_step":   n.CurrentStep,
			"logs":           n.Logs,
		}
		if len(n.Result) > 0 {
			m["result"] = n.Result
		}
		narratives[i] = m
	}

	return map[string]any{
		"scenario_name": s.ScenarioName,
		"trace":         trace,
		"narratives":    narratives,
	}
}

func putString(m map[string]any, key, value string) {
	if value != "" {
		m[key] = value
	}
}

// MarshalSnapshot returns the canonical JSON of a scenario result.
func MarshalSnapshot(name string, result *Result) ([]byte, error) {
	snap := Snapshot{
		ScenarioName: name,
		Trace:        result.Trace,
		Narratives:   result.Narratives,
	}
	return canon.Marshal(snap.toCanonicalMap())
}

// RunWithGolden executes a scenario and compares its snapshot against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns the result so callers can check Pass and Errors as well.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result against its golden file
// without re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := MarshalSnapshot(scenarioName, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}
