// Package scenario sequences conformance checks against a live mail stack
// and reports a verdict per scenario.
package scenario

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/kdelfour/mailprobe/internal/scenario"

// StepStatus is the outcome of a single step.
type StepStatus int

const (
	StepPassed StepStatus = iota
	StepFailed
	StepSkipped
)

func (s StepStatus) String() string {
	switch s {
	case StepPassed:
		return "passed"
	case StepFailed:
		return "failed"
	case StepSkipped:
		return "skipped"
	}
	return "unknown"
}

// AssertionError is a failed expectation: the step ran, but the observed
// fact did not match the expected one.
type AssertionError struct {
	Expected string
	Observed string
}

func (e *AssertionError) Error() string {
	return fmt.Sprintf("expected %s; observed %s", e.Expected, e.Observed)
}

// Check returns nil when ok, otherwise an AssertionError built from the
// expected and observed descriptions.
func Check(ok bool, expected, observed string) error {
	if ok {
		return nil
	}
	return &AssertionError{Expected: expected, Observed: observed}
}

// Step is one action plus the fact it is expected to produce.
type Step struct {
	// Name describes the action for humans.
	Name string
	// Expect describes the expected fact for humans.
	Expect string
	// Do performs the action and returns a short description of the
	// observed fact. A returned error fails the scenario.
	Do func(ctx context.Context) (observed string, err error)
}

// Scenario is a finite, explicit sequence of steps. Steps builds the
// sequence; sessions it opens must be registered on the Cleanup so they are
// released on every exit path.
type Scenario struct {
	Name  string
	Steps func(ctx context.Context, cleanup *Cleanup) ([]Step, error)
}

// Cleanup collects release functions, run in reverse order exactly once.
type Cleanup struct {
	fns []func()
}

// Add registers fn to run when the scenario finishes.
func (c *Cleanup) Add(fn func()) {
	c.fns = append(c.fns, fn)
}

// Run releases everything registered so far.
func (c *Cleanup) Run() {
	for i := len(c.fns) - 1; i >= 0; i-- {
		c.fns[i]()
	}
	c.fns = nil
}

// StepResult is the recorded outcome of one step.
type StepResult struct {
	Name     string
	Expected string
	Observed string
	Status   StepStatus
	Err      error
}

// Result aggregates a scenario verdict. Built once at scenario end.
type Result struct {
	Scenario string
	Passed   bool
	Steps    []StepResult
	Duration time.Duration
}

// Summary renders a one-line verdict.
func (r Result) Summary() string {
	if r.Passed {
		return fmt.Sprintf("%s: PASSED (%d steps, %s)", r.Scenario, len(r.Steps), r.Duration.Round(time.Millisecond))
	}
	skipped := 0
	failed := ""
	for _, step := range r.Steps {
		switch step.Status {
		case StepSkipped:
			skipped++
		case StepFailed:
			failed = step.Name
		}
	}
	return fmt.Sprintf("%s: FAILED at %q (%d steps not attempted, %s)",
		r.Scenario, failed, skipped, r.Duration.Round(time.Millisecond))
}

// Runner executes scenarios sequentially. Each scenario owns its sessions
// end to end; a failure in one never stops the others.
type Runner struct {
	// Out receives human-readable progress and verdict lines.
	Out io.Writer
	// Logger receives structured logs.
	Logger *slog.Logger
	// Deadline bounds a whole scenario, so a non-responsive server cannot
	// hang the harness.
	Deadline time.Duration
}

const defaultScenarioDeadline = 2 * time.Minute

var (
	meterOnce    sync.Once
	runCounter   metric.Int64Counter
	failsCounter metric.Int64Counter
)

func counters() (metric.Int64Counter, metric.Int64Counter) {
	meterOnce.Do(func() {
		meter := otel.Meter(instrumentationName)
		runCounter, _ = meter.Int64Counter("mailprobe.scenario.runs")
		failsCounter, _ = meter.Int64Counter("mailprobe.scenario.failures")
	})
	return runCounter, failsCounter
}

// Run executes one scenario and returns its result. Panics inside steps are
// recovered and reported as step failures.
func (r *Runner) Run(ctx context.Context, sc Scenario) Result {
	deadline := r.Deadline
	if deadline <= 0 {
		deadline = defaultScenarioDeadline
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	tracer := otel.Tracer(instrumentationName)
	ctx, span := tracer.Start(ctx, "scenario."+sc.Name)
	defer span.End()

	runs, fails := counters()
	if runs != nil {
		runs.Add(ctx, 1, metric.WithAttributes(attribute.String("scenario", sc.Name)))
	}

	started := time.Now()
	fmt.Fprintf(r.out(), "=== %s ===\n", sc.Name)

	cleanup := &Cleanup{}
	defer cleanup.Run()

	result := Result{Scenario: sc.Name}
	failed := false

	steps, err := sc.Steps(ctx, cleanup)
	if err != nil {
		failed = true
		result.Steps = append(result.Steps, StepResult{
			Name:   "setup",
			Status: StepFailed,
			Err:    err,
		})
		fmt.Fprintf(r.out(), "  FAIL setup: %v\n", err)
	}

	for _, step := range steps {
		if failed {
			result.Steps = append(result.Steps, StepResult{
				Name:     step.Name,
				Expected: step.Expect,
				Status:   StepSkipped,
			})
			fmt.Fprintf(r.out(), "  skip %s (not attempted)\n", step.Name)
			continue
		}

		observed, err := r.runStep(ctx, tracer, sc.Name, step)
		record := StepResult{
			Name:     step.Name,
			Expected: step.Expect,
			Observed: observed,
			Status:   StepPassed,
			Err:      err,
		}
		if err != nil {
			failed = true
			record.Status = StepFailed
			fmt.Fprintf(r.out(), "  FAIL %s: %v\n", step.Name, err)
			r.logger().Error("step failed",
				slog.String("scenario", sc.Name),
				slog.String("step", step.Name),
				slog.Any("error", err))
		} else if observed != "" {
			fmt.Fprintf(r.out(), "  ok   %s: %s\n", step.Name, observed)
		} else {
			fmt.Fprintf(r.out(), "  ok   %s\n", step.Name)
		}
		result.Steps = append(result.Steps, record)
	}

	result.Passed = !failed
	result.Duration = time.Since(started)
	if failed {
		if fails != nil {
			fails.Add(ctx, 1, metric.WithAttributes(attribute.String("scenario", sc.Name)))
		}
		span.SetAttributes(attribute.Bool("scenario.passed", false))
	} else {
		span.SetAttributes(attribute.Bool("scenario.passed", true))
	}

	fmt.Fprintf(r.out(), "--- %s\n", result.Summary())
	return result
}

// RunAll executes every scenario and reports whether all passed.
func (r *Runner) RunAll(ctx context.Context, scenarios []Scenario) ([]Result, bool) {
	results := make([]Result, 0, len(scenarios))
	allPassed := true
	for _, sc := range scenarios {
		result := r.Run(ctx, sc)
		if !result.Passed {
			allPassed = false
		}
		results = append(results, result)
	}
	return results, allPassed
}

func (r *Runner) runStep(ctx context.Context, tracer trace.Tracer, scenario string, step Step) (observed string, err error) {
	ctx, span := tracer.Start(ctx, "step."+step.Name)
	defer span.End()

	defer func() {
		if rec := recover(); rec != nil {
			err = errors.Errorf("step %q panicked: %v", step.Name, rec)
		}
	}()

	r.logger().Debug("running step",
		slog.String("scenario", scenario),
		slog.String("step", step.Name))
	return step.Do(ctx)
}

func (r *Runner) out() io.Writer {
	if r.Out != nil {
		return r.Out
	}
	return io.Discard
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}
