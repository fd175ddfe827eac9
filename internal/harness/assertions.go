package harness

import (
	"fmt"
	"sort"
	"strings"
)

// AssertionError is returned when an assertion fails.
// It includes the narrative to help debug the failure.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Logs     []string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Logs) > 0 {
		fmt.Fprintf(&buf, "\nNarrative:\n")
		for i, line := range e.Logs {
			fmt.Fprintf(&buf, "  [%d] %s\n", i+1, line)
		}
	}
	return buf.String()
}

// EvaluateAssertions runs every assertion and returns the failure
// messages, in assertion order.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var failures []string
	for i, a := range assertions {
		if err := evaluate(result, a); err != nil {
			failures = append(failures, fmt.Sprintf("assertions[%d]: %s", i, err))
		}
	}
	return failures
}

func evaluate(result *Result, a Assertion) error {
	n, ok := result.Narrative(a.Application)
	if !ok {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("application %s", a.Application),
			Actual:   "never submitted",
		}
	}

	switch a.Type {
	case AssertLogContains:
		return assertLogContains(n, a)
	case AssertLogOrder:
		return assertLogOrder(n, a)
	case AssertLogCount:
		return assertLogCount(n, a)
	case AssertFinalState:
		return assertFinalState(n, a)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

// lineMatches reports whether a formatted log line has message and, when
// step is set, that step.
func lineMatches(line, step, message string) bool {
	_, rest, ok := strings.Cut(line, " ")
	if !ok {
		return false
	}
	gotStep, gotMessage, ok := strings.Cut(rest, ": ")
	if !ok {
		return false
	}
	if step != "" && gotStep != step {
		return false
	}
	return gotMessage == message
}

// assertLogContains checks that a log line carries the message.
func assertLogContains(n Narrative, a Assertion) error {
	for _, line := range n.Logs {
		if lineMatches(line, a.Step, a.Message) {
			return nil
		}
	}
	expected := fmt.Sprintf("message %q", a.Message)
	if a.Step != "" {
		expected = fmt.Sprintf("message %q at step %s", a.Message, a.Step)
	}
	return &AssertionError{
		Type:     AssertLogContains,
		Expected: expected,
		Actual:   "not found in narrative of " + n.ApplicationID,
		Logs:     n.Logs,
	}
}

// assertLogOrder checks that messages appear in the specified order.
// Other lines may appear in between.
func assertLogOrder(n Narrative, a Assertion) error {
	pos := 0
	for _, want := range a.Messages {
		found := false
		for pos < len(n.Logs) {
			line := n.Logs[pos]
			pos++
			if lineMatches(line, "", want) {
				found = true
				break
			}
		}
		if !found {
			return &AssertionError{
				Type:     AssertLogOrder,
				Expected: fmt.Sprintf("messages in order: %q", a.Messages),
				Actual:   fmt.Sprintf("%q missing or out of order", want),
				Logs:     n.Logs,
			}
		}
	}
	return nil
}

// assertLogCount checks how many log lines a step produced.
func assertLogCount(n Narrative, a Assertion) error {
	count := 0
	for _, line := range n.Logs {
		_, rest, _ := strings.Cut(line, " ")
		if strings.HasPrefix(rest, a.Step+": ") {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertLogCount,
			Expected: fmt.Sprintf("%d lines at step %s", a.Count, a.Step),
			Actual:   fmt.Sprintf("%d lines", count),
			Logs:     n.Logs,
		}
	}
	return nil
}

// assertFinalState compares status, current_step and the string fields of
// the stored result.
func assertFinalState(n Narrative, a Assertion) error {
	keys := make([]string, 0, len(a.Expect))
	for k := range a.Expect {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var mismatches []string
	for _, k := range keys {
		want := a.Expect[k]
		var got string
		switch k {
		case "status":
			got = n.Status
		case "current_step":
			got = n.CurrentStep
		default:
			got = n.Result[k]
		}
		if got != want {
			mismatches = append(mismatches, fmt.Sprintf("%s=%q (want %q)", k, got, want))
		}
	}
	if len(mismatches) > 0 {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("%s state %v", n.ApplicationID, a.Expect),
			Actual:   strings.Join(mismatches, ", "),
			Logs:     n.Logs,
		}
	}
	return nil
}

// checkExpect compares a trace event with an expect clause.
func checkExpect(event TraceEvent, expect *ExpectClause) []string {
	if expect == nil {
		if event.Error != "" {
			return []string{"unexpected error: " + event.Error}
		}
		return nil
	}

	var failures []string
	switch {
	case expect.Error != "" && event.Error == "":
		failures = append(failures, fmt.Sprintf("expected error containing %q, got none", expect.Error))
	case expect.Error != "" && !strings.Contains(event.Error, expect.Error):
		failures = append(failures, fmt.Sprintf("expected error containing %q, got %q", expect.Error, event.Error))
	case expect.Error == "" && event.Error != "":
		failures = append(failures, "unexpected error: "+event.Error)
	}
	if expect.Status != "" && event.Status != expect.Status {
		failures = append(failures, fmt.Sprintf("status %q, want %q", event.Status, expect.Status))
	}
	if expect.CurrentStep != "" && event.CurrentStep != expect.CurrentStep {
		failures = append(failures, fmt.Sprintf("current_step %q, want %q", event.CurrentStep, expect.CurrentStep))
	}
	return failures
}
