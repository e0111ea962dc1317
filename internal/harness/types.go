package harness

import (
	"fmt"
	"strings"

	"github.com/roach88/lofi/internal/ir"
)

// Trace event kinds.
const (
	EventStep     = "step"
	EventDelivery = "delivery"
	EventError    = "error"
)

// TraceEvent is one line of a scenario transcript.
type TraceEvent struct {
	Kind string `json:"kind"`
	Step int    `json:"step"`

	// Actor is the client name, or "server".
	Actor  string `json:"actor"`
	Action string `json:"action,omitempty"`
	Target string `json:"target,omitempty"`

	// Subscription and Results describe a delivery.
	Subscription string      `json:"subscription,omitempty"`
	Results      []ir.Entity `json:"results,omitempty"`

	// Expected is the matched error substring of an expected failure.
	Expected string `json:"expected,omitempty"`
}

// String renders the event as a transcript line.
func (e TraceEvent) String() string {
	switch e.Kind {
	case EventStep:
		line := fmt.Sprintf("step %d: %s %s", e.Step, e.Actor, e.Action)
		if e.Target != "" {
			line += " " + e.Target
		}
		return line
	case EventDelivery:
		parts := make([]string, len(e.Results))
		for i, r := range e.Results {
			attrs, err := ir.MarshalCanonical(r.Attributes)
			if err != nil {
				attrs = []byte(err.Error())
			}
			parts[i] = r.ID + " " + string(attrs)
		}
		return fmt.Sprintf("  %s/%s: [%s]", e.Actor, e.Subscription, strings.Join(parts, ", "))
	case EventError:
		return fmt.Sprintf("  %s error: %s", e.Actor, e.Expected)
	default:
		return "  ?"
	}
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every step behaved as expected and every
	// assertion held.
	Pass bool `json:"pass"`

	Trace  []TraceEvent `json:"trace"`
	Errors []string     `json:"errors,omitempty"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{Pass: true, Trace: []TraceEvent{}, Errors: []string{}}
}

// AddError records a failure.
func (r *Result) AddError(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
	r.Pass = false
}

// Transcript renders the trace, one event per line.
func (r *Result) Transcript() []byte {
	var b strings.Builder
	for _, e := range r.Trace {
		b.WriteString(e.String())
		b.WriteByte('\n')
	}
	return []byte(b.String())
}
