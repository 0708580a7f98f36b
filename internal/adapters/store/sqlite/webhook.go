package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"evidence-vault/internal/domain/model"
)

const subscriptionColumns = `
	subscription_id, target_url, secret, event_filter_json, state, consecutive_failures,
	last_success_at, last_failure_at, created_by, created_at
`

// InsertSubscription 登记 webhook 订阅。
func (s *Store) InsertSubscription(ctx context.Context, sub model.WebhookSubscription) error {
	filter, err := json.Marshal(sub.EventFilter)
	if err != nil {
		return fmt.Errorf("marshal event filter: %w", err)
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO webhook_subscriptions(
			subscription_id, target_url, secret, event_filter_json, state,
			consecutive_failures, created_by, created_at
		)
		VALUES(?, ?, ?, ?, 'active', 0, ?, ?)
	`, sub.SubscriptionID, sub.TargetURL, sub.Secret, string(filter), sub.CreatedBy, sub.CreatedAt.UnixNano())
	if err != nil {
		return mapErr("insert subscription", err)
	}
	return nil
}

// GetSubscription 按 ID 查询订阅。
func (s *Store) GetSubscription(ctx context.Context, subscriptionID string) (*model.WebhookSubscription, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE subscription_id = ?`, subscriptionID)
	sub, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query subscription: %w", err)
	}
	return sub, nil
}

// ListSubscriptions 返回订阅；activeOnly=true 时只返回 active 状态。
func (s *Store) ListSubscriptions(ctx context.Context, activeOnly bool) ([]model.WebhookSubscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM webhook_subscriptions`
	if activeOnly {
		query += ` WHERE state = 'active'`
	}
	query += ` ORDER BY created_at ASC, subscription_id ASC`

	rows, err := s.q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()

	out := []model.WebhookSubscription{}
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		out = append(out, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscriptions: %w", err)
	}
	return out, nil
}

// RecordDeliverySuccess 清零连续失败计数并更新最后成功时间。
func (s *Store) RecordDeliverySuccess(ctx context.Context, subscriptionID string, at time.Time) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE webhook_subscriptions
		SET consecutive_failures = 0, last_success_at = ?
		WHERE subscription_id = ?
	`, at.UnixNano(), subscriptionID)
	if err != nil {
		return fmt.Errorf("record delivery success: %w", err)
	}
	return nil
}

// RecordDeliveryFailure 在一条语句里完成：失败计数 +1，超过阈值时停用。
// 返回更新后的计数，以及这一次是否触发了停用。
func (s *Store) RecordDeliveryFailure(ctx context.Context, subscriptionID string, at time.Time, threshold int) (int, bool, error) {
	var failures int
	var state string
	err := s.q.QueryRowContext(ctx, `
		UPDATE webhook_subscriptions
		SET consecutive_failures = consecutive_failures + 1,
			last_failure_at = ?,
			state = CASE WHEN consecutive_failures + 1 > ? THEN 'disabled' ELSE state END
		WHERE subscription_id = ?
		RETURNING consecutive_failures, state
	`, at.UnixNano(), threshold, subscriptionID).Scan(&failures, &state)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("record delivery failure: %w", err)
	}
	// 只有恰好越过阈值的那一次算作“本次停用”。
	disabled := state == string(model.SubscriptionDisabled) && failures == threshold+1
	return failures, disabled, nil
}

// ReactivateSubscription 人工恢复订阅并清零计数；已是 active 时返回 false。
func (s *Store) ReactivateSubscription(ctx context.Context, subscriptionID string) (bool, error) {
	res, err := s.q.ExecContext(ctx, `
		UPDATE webhook_subscriptions
		SET state = 'active', consecutive_failures = 0
		WHERE subscription_id = ? AND state = 'disabled'
	`, subscriptionID)
	if err != nil {
		return false, fmt.Errorf("reactivate subscription: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// InsertDelivery 追加一条投递记录。
func (s *Store) InsertDelivery(ctx context.Context, d model.DeliveryAttempt) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO webhook_deliveries(
			delivery_id, subscription_id, event_type, payload_digest, response_status,
			duration_ms, success, error, attempted_at
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, d.DeliveryID, d.SubscriptionID, string(d.EventType), d.PayloadDigest, d.ResponseStatus,
		d.DurationMillis, boolToInt(d.Success), nullIfEmpty(d.Error), d.AttemptedAt.UnixNano())
	if err != nil {
		return mapErr("insert delivery", err)
	}
	return nil
}

// ListDeliveries 返回订阅的投递记录（按时间升序）。
func (s *Store) ListDeliveries(ctx context.Context, subscriptionID string, limit int) ([]model.DeliveryAttempt, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.q.QueryContext(ctx, `
		SELECT delivery_id, subscription_id, event_type, payload_digest, response_status,
			duration_ms, success, COALESCE(error, ''), attempted_at
		FROM webhook_deliveries
		WHERE subscription_id = ?
		ORDER BY attempted_at ASC, delivery_id ASC
		LIMIT ?
	`, subscriptionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer rows.Close()

	out := []model.DeliveryAttempt{}
	for rows.Next() {
		var d model.DeliveryAttempt
		var eventType string
		var success int
		var at int64
		if err := rows.Scan(&d.DeliveryID, &d.SubscriptionID, &eventType, &d.PayloadDigest,
			&d.ResponseStatus, &d.DurationMillis, &success, &d.Error, &at); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		d.EventType = model.AuditAction(eventType)
		d.Success = success == 1
		d.AttemptedAt = fromNanos(at)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deliveries: %w", err)
	}
	return out, nil
}

func scanSubscription(r rowScanner) (*model.WebhookSubscription, error) {
	var sub model.WebhookSubscription
	var filter, state string
	var lastSuccess, lastFailure sql.NullInt64
	var createdAt int64
	if err := r.Scan(&sub.SubscriptionID, &sub.TargetURL, &sub.Secret, &filter, &state,
		&sub.ConsecutiveFailures, &lastSuccess, &lastFailure, &sub.CreatedBy, &createdAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(filter), &sub.EventFilter); err != nil {
		return nil, fmt.Errorf("decode event filter: %w", err)
	}
	sub.State = model.SubscriptionState(state)
	sub.LastSuccessAt = fromNullNanos(lastSuccess)
	sub.LastFailureAt = fromNullNanos(lastFailure)
	sub.CreatedAt = fromNanos(createdAt)
	return &sub, nil
}
