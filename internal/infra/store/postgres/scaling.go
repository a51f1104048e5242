package postgres

import (
	"context"
	"fmt"
	"time"

	"foreman/internal/domain/scaling"
)

// GetCooldown returns the shared cooldown state; absent rows are zero-valued.
func (s *ScalingStore) GetCooldown(ctx context.Context, name string) (scaling.CooldownState, error) {
	state := scaling.CooldownState{Name: name}
	rows, err := s.db.pool.Query(ctx,
		`SELECT last_scale_up_at, last_scale_down_at FROM `+scalerStateTable+` WHERE name = $1`, name)
	if err != nil {
		return state, fmt.Errorf("get scaler state %s: %w", name, err)
	}
	defer rows.Close()
	if rows.Next() {
		if err := rows.Scan(&state.LastScaleUpAt, &state.LastScaleDownAt); err != nil {
			return state, fmt.Errorf("scan scaler state %s: %w", name, err)
		}
	}
	return state, rows.Err()
}

// ClaimCooldown is a compare-and-set on the timestamp for action.
func (s *ScalingStore) ClaimCooldown(ctx context.Context, name string, action scaling.Action, prev *time.Time, now time.Time) (bool, error) {
	var column string
	switch action {
	case scaling.ActionScaleUp:
		column = "last_scale_up_at"
	case scaling.ActionScaleDown:
		column = "last_scale_down_at"
	default:
		return false, fmt.Errorf("no cooldown tracked for %s", action)
	}
	now = now.UTC().Truncate(time.Microsecond)
	tag, err := s.db.pool.Exec(ctx,
		`INSERT INTO `+scalerStateTable+` (name, `+column+`, updated_at) VALUES ($1, $2, $2)
		 ON CONFLICT (name) DO UPDATE SET `+column+` = EXCLUDED.`+column+`, updated_at = EXCLUDED.updated_at
		 WHERE `+scalerStateTable+`.`+column+` IS NOT DISTINCT FROM $3`,
		name, now, prev,
	)
	if err != nil {
		return false, fmt.Errorf("claim %s cooldown: %w", action, err)
	}
	return tag.RowsAffected() == 1, nil
}

// AppendEvent writes one scaling audit row.
func (s *ScalingStore) AppendEvent(ctx context.Context, e scaling.Event) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.db.now()
	}
	_, err := s.db.pool.Exec(ctx,
		`INSERT INTO `+eventsTable+` (action, reason, workers_before, workers_after, queue_depth, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		string(e.Action), e.Reason, e.WorkersBefore, e.WorkersAfter, e.QueueDepth, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert scaling event: %w", err)
	}
	return nil
}

// ListEvents returns the newest events first.
func (s *ScalingStore) ListEvents(ctx context.Context, limit int) ([]scaling.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.pool.Query(ctx,
		`SELECT id, action, reason, workers_before, workers_after, queue_depth, created_at
		 FROM `+eventsTable+` ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list scaling events: %w", err)
	}
	defer rows.Close()

	var out []scaling.Event
	for rows.Next() {
		var e scaling.Event
		var action string
		if err := rows.Scan(&e.ID, &action, &e.Reason, &e.WorkersBefore, &e.WorkersAfter, &e.QueueDepth, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan scaling event: %w", err)
		}
		e.Action = scaling.Action(action)
		out = append(out, e)
	}
	return out, rows.Err()
}
