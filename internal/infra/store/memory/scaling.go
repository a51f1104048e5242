package memory

import (
	"context"
	"fmt"
	"time"

	"foreman/internal/domain/scaling"
)

func (s *ScalingStore) GetCooldown(_ context.Context, name string) (scaling.CooldownState, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	state, ok := s.db.cooldowns[name]
	if !ok {
		return scaling.CooldownState{Name: name}, nil
	}
	return copyState(state), nil
}

func (s *ScalingStore) ClaimCooldown(_ context.Context, name string, action scaling.Action, prev *time.Time, now time.Time) (bool, error) {
	if action != scaling.ActionScaleUp && action != scaling.ActionScaleDown {
		return false, fmt.Errorf("no cooldown tracked for %s", action)
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	state, ok := s.db.cooldowns[name]
	if !ok {
		state = scaling.CooldownState{Name: name}
	}
	cur := state.Last(action)
	if ok && !sameTime(cur, prev) {
		return false, nil
	}
	stamp := now.UTC().Truncate(time.Microsecond)
	if action == scaling.ActionScaleUp {
		state.LastScaleUpAt = &stamp
	} else {
		state.LastScaleDownAt = &stamp
	}
	s.db.cooldowns[name] = state
	return true, nil
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func copyState(s scaling.CooldownState) scaling.CooldownState {
	out := scaling.CooldownState{Name: s.Name}
	if s.LastScaleUpAt != nil {
		t := *s.LastScaleUpAt
		out.LastScaleUpAt = &t
	}
	if s.LastScaleDownAt != nil {
		t := *s.LastScaleDownAt
		out.LastScaleDownAt = &t
	}
	return out
}

func (s *ScalingStore) AppendEvent(_ context.Context, e scaling.Event) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	s.db.nextEventID++
	e.ID = s.db.nextEventID
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.db.now()
	}
	s.db.events = append(s.db.events, e)
	return nil
}

func (s *ScalingStore) ListEvents(_ context.Context, limit int) ([]scaling.Event, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	out := make([]scaling.Event, 0, limit)
	for i := len(s.db.events) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.db.events[i])
	}
	return out, nil
}
