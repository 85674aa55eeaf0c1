package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserver_Observe(t *testing.T) {
	checks := []OutcomeCheck{
		&scriptedCheck{name: "ipa_service", results: []bool{true}},
		&scriptedCheck{name: "ipa_dns", kind: "dns", results: []bool{false}},
		&scriptedCheck{name: "ipa_https", kind: "http", err: errors.New("connection refused")},
	}
	obs := NewObserver(&fakeEngine{}, &fakeRegistry{outcome: checks}, testOptions(), nil, zerolog.Nop())

	outcomes := obs.Observe(context.Background(), testPlan(), 2)
	require.Len(t, outcomes, 3)

	assert.Equal(t, "ipa_service", outcomes[0].Check.Name())
	assert.True(t, outcomes[0].Passed)

	assert.Equal(t, "ipa_dns", outcomes[1].Check.Name())
	assert.False(t, outcomes[1].Passed)
	assert.False(t, outcomes[1].Infrastructure)
	require.NotEmpty(t, outcomes[1].Evidence)
	assert.Equal(t, "inactive", outcomes[1].Evidence[0].Detail)

	assert.False(t, outcomes[2].Passed)
	assert.True(t, outcomes[2].Infrastructure)
	assert.True(t, strings.HasPrefix(outcomes[2].Evidence[0].Detail, "infrastructure error: "))

	for _, out := range outcomes {
		for _, ev := range out.Evidence {
			assert.Equal(t, 2, ev.Attempt)
			assert.False(t, ev.ObservedAt.IsZero())
		}
	}
}

func TestObserver_TimeoutIsAFailedCheck(t *testing.T) {
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })

	opts := testOptions()
	opts.CheckTimeout = 20 * time.Millisecond
	check := &scriptedCheck{name: "ipa_service", block: block}
	obs := NewObserver(&fakeEngine{}, &fakeRegistry{outcome: []OutcomeCheck{check}}, opts, nil, zerolog.Nop())

	outcomes := obs.Observe(context.Background(), testPlan(), 0)
	require.Len(t, outcomes, 1)
	assert.False(t, outcomes[0].Passed)
	assert.True(t, outcomes[0].TimedOut)
	assert.Equal(t, EvidenceTimedOut, outcomes[0].Evidence[0].Detail)
}

func TestObserver_ChecksRunConcurrently(t *testing.T) {
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })

	opts := testOptions()
	opts.CheckTimeout = 300 * time.Millisecond
	checks := []OutcomeCheck{
		&scriptedCheck{name: "a", block: block},
		&scriptedCheck{name: "b", block: block},
		&scriptedCheck{name: "c", block: block},
	}
	obs := NewObserver(&fakeEngine{}, &fakeRegistry{outcome: checks}, opts, nil, zerolog.Nop())

	start := time.Now()
	outcomes := obs.Observe(context.Background(), testPlan(), 0)
	elapsed := time.Since(start)

	for _, out := range outcomes {
		assert.True(t, out.TimedOut)
	}
	assert.Less(t, elapsed, 800*time.Millisecond, "three timeouts must overlap")
}

func TestObserver_NoChecks(t *testing.T) {
	obs := NewObserver(&fakeEngine{}, &fakeRegistry{}, testOptions(), nil, zerolog.Nop())
	assert.Empty(t, obs.Observe(context.Background(), testPlan(), 0))
}

func TestObserver_WaitForTerminal(t *testing.T) {
	run := &WorkflowRun{RunID: "smartpipe__plan-1", WorkflowID: "freeipa_deployment"}

	t.Run("polls until terminal", func(t *testing.T) {
		eng := &fakeEngine{statuses: []RunState{RunStateQueued, RunStateRunning, RunStateSuccess}}
		obs := NewObserver(eng, &fakeRegistry{}, testOptions(), nil, zerolog.Nop())

		status, err := obs.WaitForTerminal(context.Background(), run)
		require.NoError(t, err)
		assert.Equal(t, RunStateSuccess, status.State)
		assert.Equal(t, 3, eng.statusCalls)
	})

	t.Run("engine failure is terminal", func(t *testing.T) {
		eng := &fakeEngine{statuses: []RunState{RunStateFailed}}
		obs := NewObserver(eng, &fakeRegistry{}, testOptions(), nil, zerolog.Nop())

		status, err := obs.WaitForTerminal(context.Background(), run)
		require.NoError(t, err)
		assert.Equal(t, RunStateFailed, status.State)
	})

	t.Run("repeated status failures", func(t *testing.T) {
		eng := &fakeEngine{statusErr: errors.New("502 bad gateway")}
		obs := NewObserver(eng, &fakeRegistry{}, testOptions(), nil, zerolog.Nop())

		_, err := obs.WaitForTerminal(context.Background(), run)
		require.Error(t, err)
		assert.True(t, IsInfrastructure(err))
		assert.Equal(t, maxStatusPollFailures, eng.statusCalls)
	})

	t.Run("run never finishes", func(t *testing.T) {
		opts := testOptions()
		opts.MaxRunWait = 20 * time.Millisecond
		eng := &fakeEngine{statuses: []RunState{RunStateRunning}}
		obs := NewObserver(eng, &fakeRegistry{}, opts, nil, zerolog.Nop())

		_, err := obs.WaitForTerminal(context.Background(), run)
		var engineErr *EngineError
		require.True(t, errors.As(err, &engineErr))
		assert.Equal(t, ErrCodeTimeout, engineErr.Code)
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		eng := &fakeEngine{statuses: []RunState{RunStateRunning}}
		obs := NewObserver(eng, &fakeRegistry{}, testOptions(), nil, zerolog.Nop())

		_, err := obs.WaitForTerminal(ctx, run)
		assert.ErrorIs(t, err, context.Canceled)
	})
}
