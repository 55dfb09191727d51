package scenario

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func passingStep(name string) Step {
	return Step{
		Name:   name,
		Expect: "nothing in particular",
		Do: func(context.Context) (string, error) {
			return "done", nil
		},
	}
}

func TestRunAllStepsPass(t *testing.T) {
	var out bytes.Buffer
	runner := &Runner{Out: &out}

	result := runner.Run(context.Background(), Scenario{
		Name: "all-green",
		Steps: func(context.Context, *Cleanup) ([]Step, error) {
			return []Step{passingStep("first"), passingStep("second")}, nil
		},
	})

	assert.True(t, result.Passed)
	require.Len(t, result.Steps, 2)
	for _, step := range result.Steps {
		assert.Equal(t, StepPassed, step.Status)
	}
	assert.Contains(t, out.String(), "all-green: PASSED")
}

func TestFirstFailureSkipsRemainingSteps(t *testing.T) {
	var out bytes.Buffer
	runner := &Runner{Out: &out}

	thirdRan := false
	result := runner.Run(context.Background(), Scenario{
		Name: "fails-midway",
		Steps: func(context.Context, *Cleanup) ([]Step, error) {
			return []Step{
				passingStep("first"),
				{
					Name:   "second",
					Expect: "success",
					Do: func(context.Context) (string, error) {
						return "", errors.New("boom")
					},
				},
				{
					Name:   "third",
					Expect: "never reached",
					Do: func(context.Context) (string, error) {
						thirdRan = true
						return "", nil
					},
				},
			}, nil
		},
	})

	assert.False(t, result.Passed)
	assert.False(t, thirdRan, "steps after a failure must not run")
	require.Len(t, result.Steps, 3)
	assert.Equal(t, StepPassed, result.Steps[0].Status)
	assert.Equal(t, StepFailed, result.Steps[1].Status)
	assert.Equal(t, StepSkipped, result.Steps[2].Status)
	assert.Contains(t, out.String(), `FAILED at "second"`)
	assert.Contains(t, out.String(), "skip third")
}

func TestCleanupRunsInReverseOrderOnFailure(t *testing.T) {
	runner := &Runner{}

	var order []string
	runner.Run(context.Background(), Scenario{
		Name: "cleanup-check",
		Steps: func(_ context.Context, cleanup *Cleanup) ([]Step, error) {
			cleanup.Add(func() { order = append(order, "first") })
			cleanup.Add(func() { order = append(order, "second") })
			return []Step{
				{
					Name:   "fail",
					Expect: "success",
					Do: func(context.Context) (string, error) {
						return "", errors.New("boom")
					},
				},
			}, nil
		},
	})

	assert.Equal(t, []string{"second", "first"}, order)
}

func TestSetupFailure(t *testing.T) {
	var out bytes.Buffer
	runner := &Runner{Out: &out}

	result := runner.Run(context.Background(), Scenario{
		Name: "broken-setup",
		Steps: func(context.Context, *Cleanup) ([]Step, error) {
			return nil, errors.New("cannot even start")
		},
	})

	assert.False(t, result.Passed)
	require.Len(t, result.Steps, 1)
	assert.Equal(t, "setup", result.Steps[0].Name)
	assert.Equal(t, StepFailed, result.Steps[0].Status)
}

func TestStepPanicIsRecovered(t *testing.T) {
	runner := &Runner{}

	result := runner.Run(context.Background(), Scenario{
		Name: "panicky",
		Steps: func(context.Context, *Cleanup) ([]Step, error) {
			return []Step{
				{
					Name:   "explode",
					Expect: "calm",
					Do: func(context.Context) (string, error) {
						panic("kaboom")
					},
				},
				passingStep("after"),
			}, nil
		},
	})

	assert.False(t, result.Passed)
	require.Len(t, result.Steps, 2)
	assert.Equal(t, StepFailed, result.Steps[0].Status)
	assert.ErrorContains(t, result.Steps[0].Err, "kaboom")
	assert.Equal(t, StepSkipped, result.Steps[1].Status)
}

func TestScenarioDeadlineCancelsStepContext(t *testing.T) {
	runner := &Runner{Deadline: 50 * time.Millisecond}

	result := runner.Run(context.Background(), Scenario{
		Name: "slowpoke",
		Steps: func(context.Context, *Cleanup) ([]Step, error) {
			return []Step{
				{
					Name:   "wait forever",
					Expect: "a quick reply",
					Do: func(ctx context.Context) (string, error) {
						select {
						case <-ctx.Done():
							return "", ctx.Err()
						case <-time.After(5 * time.Second):
							return "", nil
						}
					},
				},
			}, nil
		},
	})

	assert.False(t, result.Passed)
	assert.ErrorIs(t, result.Steps[0].Err, context.DeadlineExceeded)
}

func TestRunAll(t *testing.T) {
	runner := &Runner{}

	pass := Scenario{
		Name: "green",
		Steps: func(context.Context, *Cleanup) ([]Step, error) {
			return []Step{passingStep("only")}, nil
		},
	}
	fail := Scenario{
		Name: "red",
		Steps: func(context.Context, *Cleanup) ([]Step, error) {
			return []Step{
				{
					Name:   "only",
					Expect: "success",
					Do: func(context.Context) (string, error) {
						return "", errors.New("boom")
					},
				},
			}, nil
		},
	}

	results, allPassed := runner.RunAll(context.Background(), []Scenario{pass, fail, pass})
	assert.False(t, allPassed)
	require.Len(t, results, 3)
	assert.True(t, results[0].Passed)
	assert.False(t, results[1].Passed)
	assert.True(t, results[2].Passed, "a failed scenario must not stop the rest")
}

func TestCheck(t *testing.T) {
	assert.NoError(t, Check(true, "anything", "anything"))

	err := Check(false, "EXISTS >= 1", "EXISTS = 0")
	require.Error(t, err)

	var assertion *AssertionError
	require.ErrorAs(t, err, &assertion)
	assert.Equal(t, "EXISTS >= 1", assertion.Expected)
	assert.Equal(t, "EXISTS = 0", assertion.Observed)
}

func TestNamed(t *testing.T) {
	env := Env{}

	all, err := Named(env, nil)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	selected, err := Named(env, []string{"imap-session-flow", "smtp-imap-roundtrip"})
	require.NoError(t, err)
	require.Len(t, selected, 2)
	// Catalog order, not request order.
	assert.Equal(t, "smtp-imap-roundtrip", selected[0].Name)
	assert.Equal(t, "imap-session-flow", selected[1].Name)

	_, err = Named(env, []string{"no-such-scenario"})
	assert.ErrorContains(t, err, "unknown scenario")
}
