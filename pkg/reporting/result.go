package reporting

import (
	"time"

	"github.com/google/uuid"
)

// Status is the outcome of a phase or of a whole run.
type Status string

const (
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// ScenarioInfo identifies the scenario a run executed.
type ScenarioInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// PhaseResult is the outcome of one phase.
type PhaseResult struct {
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	StartTime time.Time `json:"startTime,omitzero"`
	// Duration in seconds
	Duration float64 `json:"duration"`
	Message  string  `json:"message,omitempty"`
}

// Summary counts phase outcomes.
type Summary struct {
	Total    int     `json:"total"`
	Passed   int     `json:"passed"`
	Failed   int     `json:"failed"`
	Skipped  int     `json:"skipped"`
	PassRate float64 `json:"passRate"`
}

// Result is the outcome of one scenario run.
type Result struct {
	RunID     string        `json:"runId"`
	Scenario  ScenarioInfo  `json:"scenario"`
	Status    Status        `json:"status"`
	StartTime time.Time     `json:"startTime"`
	EndTime   time.Time     `json:"endTime"`
	Duration  float64       `json:"duration"`
	Phases    []PhaseResult `json:"phases"`
	Summary   Summary       `json:"summary"`
}

// NewResult starts the result of a run with a fresh run ID.
func NewResult(scenario ScenarioInfo, start time.Time) *Result {
	return &Result{
		RunID:     uuid.NewString(),
		Scenario:  scenario,
		StartTime: start,
	}
}

// Add appends the outcome of a phase.
func (r *Result) Add(p PhaseResult) {
	r.Phases = append(r.Phases, p)
}

// Finish computes the summary and the overall status. A run passes when no
// phase failed and at least one phase passed.
func (r *Result) Finish(end time.Time) {
	r.EndTime = end
	r.Duration = end.Sub(r.StartTime).Seconds()

	s := Summary{Total: len(r.Phases)}
	for _, p := range r.Phases {
		switch p.Status {
		case StatusPassed:
			s.Passed++
		case StatusFailed:
			s.Failed++
		case StatusSkipped:
			s.Skipped++
		}
	}
	if s.Total > 0 {
		s.PassRate = float64(s.Passed) / float64(s.Total)
	}
	r.Summary = s

	switch {
	case s.Failed > 0:
		r.Status = StatusFailed
	case s.Passed > 0:
		r.Status = StatusPassed
	default:
		r.Status = StatusSkipped
	}
}

// Failures returns the failed phases.
func (r *Result) Failures() []PhaseResult {
	var out []PhaseResult
	for _, p := range r.Phases {
		if p.Status == StatusFailed {
			out = append(out, p)
		}
	}
	return out
}
