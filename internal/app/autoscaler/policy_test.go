package autoscaler

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foreman/internal/domain/scaling"
)

var evalNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func TestEvaluateScaleUpFromQueueDepth(t *testing.T) {
	p := scaling.DefaultPolicy()
	d := Evaluate(p, scaling.QueueMetrics{Pending: 12}, scaling.WorkerMetrics{Active: 2}, scaling.CooldownState{}, evalNow)
	assert.Equal(t, scaling.ActionScaleUp, d.Action)
	assert.Equal(t, 2, d.Count)
	assert.Equal(t, 4, d.TargetWorkers)
}

func TestEvaluateCapsAtMaxWorkers(t *testing.T) {
	p := scaling.DefaultPolicy()
	d := Evaluate(p, scaling.QueueMetrics{Pending: 100}, scaling.WorkerMetrics{Active: 8}, scaling.CooldownState{}, evalNow)
	assert.Equal(t, scaling.ActionScaleUp, d.Action)
	assert.Equal(t, 2, d.Count)

	d = Evaluate(p, scaling.QueueMetrics{Pending: 100}, scaling.WorkerMetrics{Active: 10}, scaling.CooldownState{}, evalNow)
	assert.Equal(t, scaling.ActionNone, d.Action)
	assert.Contains(t, d.Reason, "max workers")
}

func TestEvaluateScaleUpCooldown(t *testing.T) {
	p := scaling.DefaultPolicy()
	q := scaling.QueueMetrics{Pending: 12}
	w := scaling.WorkerMetrics{Active: 2}

	first := Evaluate(p, q, w, scaling.CooldownState{}, evalNow)
	require.Equal(t, scaling.ActionScaleUp, first.Action)

	last := evalNow
	state := scaling.CooldownState{LastScaleUpAt: &last}
	second := Evaluate(p, q, scaling.WorkerMetrics{Active: 4}, state, evalNow.Add(time.Minute))
	assert.Equal(t, scaling.ActionNone, second.Action)
	assert.Contains(t, second.Reason, "cooldown")

	third := Evaluate(p, q, scaling.WorkerMetrics{Active: 4}, state, evalNow.Add(p.ScaleUpCooldown))
	assert.Equal(t, scaling.ActionScaleUp, third.Action)
}

func TestEvaluateScaleDown(t *testing.T) {
	p := scaling.DefaultPolicy()
	d := Evaluate(p, scaling.QueueMetrics{}, scaling.WorkerMetrics{Active: 5, Idle: 3}, scaling.CooldownState{}, evalNow)
	assert.Equal(t, scaling.ActionScaleDown, d.Action)
	assert.Equal(t, 3, d.Count)

	d = Evaluate(p, scaling.QueueMetrics{}, scaling.WorkerMetrics{Active: 2, Idle: 2}, scaling.CooldownState{}, evalNow)
	assert.Equal(t, 1, d.Count, "floored by min workers")

	d = Evaluate(p, scaling.QueueMetrics{}, scaling.WorkerMetrics{Active: 1, Idle: 1}, scaling.CooldownState{}, evalNow)
	assert.Equal(t, scaling.ActionNone, d.Action)

	last := evalNow.Add(-time.Minute)
	d = Evaluate(p, scaling.QueueMetrics{}, scaling.WorkerMetrics{Active: 5, Idle: 3}, scaling.CooldownState{LastScaleDownAt: &last}, evalNow)
	assert.Equal(t, scaling.ActionNone, d.Action)

	up := evalNow.Add(-time.Second)
	d = Evaluate(p, scaling.QueueMetrics{}, scaling.WorkerMetrics{Active: 5, Idle: 3}, scaling.CooldownState{LastScaleUpAt: &up}, evalNow)
	assert.Equal(t, scaling.ActionScaleDown, d.Action, "cooldowns are independent")
}

func TestEvaluateBelowMinimum(t *testing.T) {
	p := scaling.DefaultPolicy()
	p.MinWorkers = 3
	d := Evaluate(p, scaling.QueueMetrics{Pending: 1}, scaling.WorkerMetrics{Active: 1}, scaling.CooldownState{}, evalNow)
	assert.Equal(t, scaling.ActionScaleUp, d.Action)
	assert.Equal(t, 2, d.Count)
}

func TestEvaluateNoAction(t *testing.T) {
	d := Evaluate(scaling.DefaultPolicy(), scaling.QueueMetrics{Pending: 3}, scaling.WorkerMetrics{Active: 2, Idle: 1}, scaling.CooldownState{}, evalNow)
	assert.Equal(t, scaling.ActionNone, d.Action)
	assert.Equal(t, 2, d.TargetWorkers)
}

// Randomised metrics: targets stay within [min, max] whenever the current
// count already is, and never move past a bound otherwise.
func TestEvaluateRespectsBounds(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 99))
	for i := 0; i < 2000; i++ {
		minW := rng.IntN(4)
		p := scaling.Policy{
			MinWorkers:         minW,
			MaxWorkers:         minW + 1 + rng.IntN(10),
			ScaleUpThreshold:   1 + rng.IntN(8),
			ScaleDownThreshold: 0,
		}
		active := rng.IntN(p.MaxWorkers + 3)
		w := scaling.WorkerMetrics{Active: active, Idle: rng.IntN(active + 1)}
		q := scaling.QueueMetrics{Pending: rng.IntN(60)}

		d := Evaluate(p, q, w, scaling.CooldownState{}, evalNow)
		switch d.Action {
		case scaling.ActionScaleUp:
			require.Positive(t, d.Count)
			require.LessOrEqual(t, d.TargetWorkers, p.MaxWorkers, "iteration %d: %+v", i, d)
		case scaling.ActionScaleDown:
			require.Positive(t, d.Count)
			require.GreaterOrEqual(t, d.TargetWorkers, p.MinWorkers, "iteration %d: %+v", i, d)
			require.LessOrEqual(t, d.Count, w.Idle)
		default:
			require.Equal(t, active, d.TargetWorkers)
		}
	}
}

func TestValidatePolicy(t *testing.T) {
	require.NoError(t, ValidatePolicy(scaling.DefaultPolicy()))

	bad := scaling.DefaultPolicy()
	bad.MinWorkers = 20
	require.Error(t, ValidatePolicy(bad))

	bad = scaling.DefaultPolicy()
	bad.ScaleUpThreshold = 0
	require.Error(t, ValidatePolicy(bad))

	bad = scaling.DefaultPolicy()
	bad.ScaleDownThreshold = bad.ScaleUpThreshold
	require.Error(t, ValidatePolicy(bad))
}
