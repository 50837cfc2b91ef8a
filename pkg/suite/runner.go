/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package suite

import (
	"context"
	"fmt"
	"time"

	"github.com/alexandremahdhaoui/installsuite/pkg/reporting"
	"github.com/go-logr/logr"
)

// Observer is notified of every phase outcome.
type Observer interface {
	ObservePhase(phase string, status reporting.Status, d time.Duration)
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithObserver adds an observer of phase outcomes.
func WithObserver(o Observer) RunnerOption {
	return func(r *Runner) { r.observers = append(r.observers, o) }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = now }
}

// Runner executes phases in order and stops at the first failure.
type Runner struct {
	log       logr.Logger
	observers []Observer
	now       func() time.Time
}

// NewRunner returns a Runner logging to log.
func NewRunner(log logr.Logger, opts ...RunnerOption) *Runner {
	r := &Runner{log: log, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes phases against s. Phases after the first failure are recorded
// as skipped and the failure is returned as a *PhaseError. The result is
// always returned.
func (r *Runner) Run(ctx context.Context, s *State, info reporting.ScenarioInfo, phases []Phase) (*reporting.Result, error) {
	result := reporting.NewResult(info, r.now())
	log := r.log.WithValues("scenario", info.Name, "runId", result.RunID)

	var runErr *PhaseError
	for i, p := range phases {
		if runErr != nil {
			result.Add(reporting.PhaseResult{
				Name:    p.Name,
				Status:  reporting.StatusSkipped,
				Message: fmt.Sprintf("skipped after failure of %q", runErr.Phase),
			})
			r.observe(p.Name, reporting.StatusSkipped, 0)
			continue
		}

		log.Info("running phase", "phase", p.Name, "index", i+1, "total", len(phases))
		start := r.now()

		err := ctx.Err()
		if err == nil {
			err = p.Run(ctx, s)
		}
		d := r.now().Sub(start)

		pr := reporting.PhaseResult{
			Name:      p.Name,
			Status:    reporting.StatusPassed,
			StartTime: start,
			Duration:  d.Seconds(),
		}
		if err != nil {
			pr.Status = reporting.StatusFailed
			pr.Message = err.Error()
			runErr = &PhaseError{Phase: p.Name, Err: err}
			log.Error(err, "phase failed", "phase", p.Name, "duration", d.String())
		} else {
			log.Info("phase passed", "phase", p.Name, "duration", d.String())
		}

		result.Add(pr)
		r.observe(p.Name, pr.Status, d)
	}

	result.Finish(r.now())
	if runErr != nil {
		return result, runErr
	}
	return result, nil
}

func (r *Runner) observe(phase string, status reporting.Status, d time.Duration) {
	for _, o := range r.observers {
		o.ObservePhase(phase, status, d)
	}
}
