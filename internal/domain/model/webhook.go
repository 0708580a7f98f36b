package model

import (
	"slices"
	"time"
)

// SubscriptionState 是 webhook 订阅状态；只能停用，不能删除。
type SubscriptionState string

const (
	SubscriptionActive   SubscriptionState = "active"
	SubscriptionDisabled SubscriptionState = "disabled"
)

// WildcardEvent 匹配所有事件类型。
const WildcardEvent = "*"

// FailureThreshold 是连续失败上限；超过该值（即第 11 次失败）即自动停用。
const FailureThreshold = 10

// WebhookSubscription 表示一个外部订阅（webhook_subscriptions 表）。
type WebhookSubscription struct {
	SubscriptionID      string            `json:"subscription_id"`
	TargetURL           string            `json:"target_url"`
	Secret              string            `json:"-"`
	EventFilter         []string          `json:"event_filter"`
	State               SubscriptionState `json:"state"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	LastSuccessAt       time.Time         `json:"last_success_at,omitzero"`
	LastFailureAt       time.Time         `json:"last_failure_at,omitzero"`
	CreatedBy           string            `json:"created_by"`
	CreatedAt           time.Time         `json:"created_at"`
}

// Matches 报告订阅是否接收该事件类型（精确匹配或通配）。
func (s WebhookSubscription) Matches(eventType AuditAction) bool {
	return slices.Contains(s.EventFilter, WildcardEvent) || slices.Contains(s.EventFilter, string(eventType))
}

// DeliveryAttempt 是一次投递记录（webhook_deliveries 表，只追加）。
type DeliveryAttempt struct {
	DeliveryID     string      `json:"delivery_id"`
	SubscriptionID string      `json:"subscription_id"`
	EventType      AuditAction `json:"event_type"`
	PayloadDigest  string      `json:"payload_digest"`
	ResponseStatus int         `json:"response_status"`
	DurationMillis int64       `json:"duration_ms"`
	Success        bool        `json:"success"`
	Error          string      `json:"error,omitempty"`
	AttemptedAt    time.Time   `json:"attempted_at"`
}
