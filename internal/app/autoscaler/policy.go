package autoscaler

import (
	"fmt"
	"time"

	"foreman/internal/domain/scaling"
)

// ValidatePolicy rejects bounds and thresholds that cannot produce a sane
// decision.
func ValidatePolicy(p scaling.Policy) error {
	switch {
	case p.MinWorkers < 0:
		return fmt.Errorf("min_workers must be non-negative, got %d", p.MinWorkers)
	case p.MaxWorkers < 1:
		return fmt.Errorf("max_workers must be positive, got %d", p.MaxWorkers)
	case p.MinWorkers > p.MaxWorkers:
		return fmt.Errorf("min_workers (%d) exceeds max_workers (%d)", p.MinWorkers, p.MaxWorkers)
	case p.ScaleUpThreshold < 1:
		return fmt.Errorf("scale_up_threshold must be positive, got %d", p.ScaleUpThreshold)
	case p.ScaleDownThreshold < 0:
		return fmt.Errorf("scale_down_threshold must be non-negative, got %d", p.ScaleDownThreshold)
	case p.ScaleDownThreshold >= p.ScaleUpThreshold:
		return fmt.Errorf("scale_down_threshold (%d) must be below scale_up_threshold (%d)", p.ScaleDownThreshold, p.ScaleUpThreshold)
	case p.ScaleUpCooldown < 0 || p.ScaleDownCooldown < 0:
		return fmt.Errorf("cooldowns must be non-negative")
	}
	return nil
}

// Evaluate is the pure scaling policy. Active workers are the baseline; the
// result never targets more than MaxWorkers or fewer than MinWorkers.
func Evaluate(p scaling.Policy, q scaling.QueueMetrics, w scaling.WorkerMetrics, state scaling.CooldownState, now time.Time) scaling.Decision {
	current := w.Active
	d := scaling.Decision{
		Action:         scaling.ActionNone,
		CurrentWorkers: current,
		TargetWorkers:  current,
		Queue:          q,
		Workers:        w,
		EvaluatedAt:    now,
	}
	threshold := p.ScaleUpThreshold
	if threshold < 1 {
		threshold = 1
	}

	switch {
	case q.Pending > p.ScaleUpThreshold:
		if current >= p.MaxWorkers {
			d.Reason = fmt.Sprintf("%d pending but already at max workers (%d)", q.Pending, p.MaxWorkers)
			return d
		}
		if remaining, ok := cooling(state.LastScaleUpAt, p.ScaleUpCooldown, now); ok {
			d.Reason = fmt.Sprintf("scale-up cooldown active for %s", remaining.Truncate(time.Second))
			return d
		}
		add := min(q.Pending/threshold, p.MaxWorkers-current)
		return scaleUp(d, add, fmt.Sprintf("%d pending exceeds threshold %d", q.Pending, p.ScaleUpThreshold))

	case current < p.MinWorkers:
		if remaining, ok := cooling(state.LastScaleUpAt, p.ScaleUpCooldown, now); ok {
			d.Reason = fmt.Sprintf("below min workers, scale-up cooldown active for %s", remaining.Truncate(time.Second))
			return d
		}
		return scaleUp(d, p.MinWorkers-current, fmt.Sprintf("%d active workers below min %d", current, p.MinWorkers))

	case q.Pending <= p.ScaleDownThreshold && w.Idle > 0:
		if current <= p.MinWorkers {
			d.Reason = fmt.Sprintf("%d idle but already at min workers (%d)", w.Idle, p.MinWorkers)
			return d
		}
		if remaining, ok := cooling(state.LastScaleDownAt, p.ScaleDownCooldown, now); ok {
			d.Reason = fmt.Sprintf("scale-down cooldown active for %s", remaining.Truncate(time.Second))
			return d
		}
		remove := min(w.Idle, current-p.MinWorkers)
		d.Action = scaling.ActionScaleDown
		d.Count = remove
		d.TargetWorkers = current - remove
		d.Reason = fmt.Sprintf("%d pending at or below threshold %d with %d idle", q.Pending, p.ScaleDownThreshold, w.Idle)
		return d
	}
	d.Reason = fmt.Sprintf("%d pending within thresholds", q.Pending)
	return d
}

func scaleUp(d scaling.Decision, add int, reason string) scaling.Decision {
	if add <= 0 {
		d.Reason = reason + ", nothing to add"
		return d
	}
	d.Action = scaling.ActionScaleUp
	d.Count = add
	d.TargetWorkers = d.CurrentWorkers + add
	d.Reason = reason
	return d
}

// cooling reports the time left in the window starting at last.
func cooling(last *time.Time, window time.Duration, now time.Time) (time.Duration, bool) {
	if last == nil || window <= 0 {
		return 0, false
	}
	remaining := last.Add(window).Sub(now)
	return remaining, remaining > 0
}
