// Package webhook 把审计事件以签名的 HTTP POST 通知外部订阅者。
//
// 每次投递只尝试一次，不在内部重试；连续失败超过 model.FailureThreshold 次后订阅自动停用，
// 需要人工 Reactivate。投递失败不会影响产生事件的业务操作。
package webhook

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	sqliteadapter "evidence-vault/internal/adapters/store/sqlite"
	"evidence-vault/internal/domain/model"
	"evidence-vault/internal/platform/hash"
	"evidence-vault/internal/platform/id"
	"evidence-vault/internal/services/auditstream"
	"evidence-vault/internal/services/authz"
	"evidence-vault/internal/services/privacy"
)

const (
	// DefaultTimeout 是单次投递的超时上限。
	DefaultTimeout = 10 * time.Second

	HeaderSignature  = "X-Signature"
	HeaderEventType  = "X-Event-Type"
	HeaderDeliveryID = "X-Delivery-ID"

	maxResponseDrain = 64 << 10
	fanOut           = 8
)

// errAlreadyActive 让无变化的恢复回滚审计事务，对调用方不是错误。
var errAlreadyActive = errors.New("subscription already active")

// Auditor 是审计写入接口（*auditstream.Stream 实现）。
type Auditor interface {
	Append(ctx context.Context, rec model.AuditRecord) (int64, error)
	AppendWith(ctx context.Context, rec model.AuditRecord, fn auditstream.TxFunc) (model.AuditRecord, error)
}

type Options struct {
	// Client 可选；默认使用带 Timeout 的独立 client。
	Client  *http.Client
	Timeout time.Duration
	Logger  *slog.Logger
	Now     func() time.Time
}

type Service struct {
	db      *sqliteadapter.Store
	audit   Auditor
	client  *http.Client
	timeout time.Duration
	log     *slog.Logger
	now     func() time.Time
}

func New(db *sqliteadapter.Store, audit Auditor, opts Options) *Service {
	if opts.Timeout <= 0 || opts.Timeout > DefaultTimeout {
		opts.Timeout = DefaultTimeout
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: opts.Timeout}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		db:      db,
		audit:   audit,
		client:  opts.Client,
		timeout: opts.Timeout,
		log:     opts.Logger.With("component", "webhook"),
		now:     opts.Now,
	}
}

// Event 是一次可投递的事件。
type Event struct {
	Type          model.AuditAction
	OccurredAt    time.Time
	PayloadDigest string
	Seq           int64
}

// EventFromRecord 从已提交的审计记录构造事件；payload 摘要取记录的链式哈希。
func EventFromRecord(rec model.AuditRecord) Event {
	return Event{Type: rec.Action, OccurredAt: rec.OccurredAt, PayloadDigest: rec.RecordHash, Seq: rec.Seq}
}

// Envelope 是 POST 的 JSON 正文。
type Envelope struct {
	EventType     model.AuditAction `json:"event_type"`
	OccurredAt    time.Time         `json:"occurred_at"`
	PayloadDigest string            `json:"payload_digest"`
	DeliveryID    string            `json:"delivery_id"`
}

// Sign 返回正文的签名（hex HMAC-SHA256），订阅方应重算并比较。
func Sign(secret string, body []byte) string {
	return hash.HMAC([]byte(secret), body)
}

// SubscribeRequest 描述新订阅。Secret 为空时自动生成。
type SubscribeRequest struct {
	TargetURL   string
	Secret      string
	EventFilter []string
}

// Subscribe 登记订阅。返回值里的 Secret 是唯一一次可见的机会。
func (s *Service) Subscribe(ctx context.Context, p authz.Principal, req SubscribeRequest) (model.WebhookSubscription, error) {
	if err := authz.Require(p, authz.CapManageWebhooks); err != nil {
		return model.WebhookSubscription{}, err
	}
	target, err := validateTarget(req.TargetURL)
	if err != nil {
		return model.WebhookSubscription{}, err
	}
	filter, err := normalizeFilter(req.EventFilter)
	if err != nil {
		return model.WebhookSubscription{}, err
	}
	secret := req.Secret
	if secret == "" {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return model.WebhookSubscription{}, fmt.Errorf("generate webhook secret: %w", err)
		}
		secret = hex.EncodeToString(buf)
	}

	sub := model.WebhookSubscription{
		SubscriptionID: id.New("whk"),
		TargetURL:      target,
		Secret:         secret,
		EventFilter:    filter,
		State:          model.SubscriptionActive,
		CreatedBy:      p.ID,
		CreatedAt:      s.now().UTC(),
	}
	if _, err := s.audit.AppendWith(ctx, model.AuditRecord{
		Actor:      p.ID,
		Action:     model.ActionWebhookSubscribed,
		SubjectID:  model.SystemSubject,
		ObjectID:   sub.SubscriptionID,
		OccurredAt: sub.CreatedAt,
		Detail:     auditstream.Detail(map[string]any{"target_url": privacy.MaskURL(sub.TargetURL), "event_filter": sub.EventFilter}),
	}, func(ctx context.Context, tx *sqliteadapter.Store) error {
		return tx.InsertSubscription(ctx, sub)
	}); err != nil {
		return model.WebhookSubscription{}, err
	}
	s.log.Info("webhook subscribed", "subscription_id", sub.SubscriptionID, "target", privacy.MaskURL(sub.TargetURL), "events", sub.EventFilter)
	return sub, nil
}

// Reactivate 人工恢复已停用的订阅并清零失败计数。
func (s *Service) Reactivate(ctx context.Context, p authz.Principal, subscriptionID string) error {
	if err := authz.Require(p, authz.CapManageWebhooks); err != nil {
		return err
	}
	sub, err := s.db.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return err
	}
	if sub == nil {
		return fmt.Errorf("subscription %s: %w", subscriptionID, model.ErrNotFound)
	}
	_, err = s.audit.AppendWith(ctx, model.AuditRecord{
		Actor:     p.ID,
		Action:    model.ActionWebhookReactivated,
		SubjectID: model.SystemSubject,
		ObjectID:  subscriptionID,
		Detail:    auditstream.Detail(map[string]any{"previous_failures": sub.ConsecutiveFailures}),
	}, func(ctx context.Context, tx *sqliteadapter.Store) error {
		changed, err := tx.ReactivateSubscription(ctx, subscriptionID)
		if err != nil {
			return err
		}
		if !changed {
			return errAlreadyActive
		}
		return nil
	})
	if errors.Is(err, errAlreadyActive) {
		return nil
	}
	if err != nil {
		return err
	}
	s.log.Info("webhook reactivated", "subscription_id", subscriptionID)
	return nil
}

// List 返回全部订阅（含已停用）。
func (s *Service) List(ctx context.Context, p authz.Principal) ([]model.WebhookSubscription, error) {
	if err := authz.Require(p, authz.CapManageWebhooks); err != nil {
		return nil, err
	}
	return s.db.ListSubscriptions(ctx, false)
}

// Deliveries 返回订阅的投递记录。
func (s *Service) Deliveries(ctx context.Context, p authz.Principal, subscriptionID string, limit int) ([]model.DeliveryAttempt, error) {
	if err := authz.Require(p, authz.CapManageWebhooks); err != nil {
		return nil, err
	}
	return s.db.ListDeliveries(ctx, subscriptionID, limit)
}

// Dispatch 把事件投递给所有匹配的 active 订阅，每个订阅尝试一次，返回全部尝试结果。
// 投递失败只体现在返回值、投递日志与审计中，不作为 error 返回。
func (s *Service) Dispatch(ctx context.Context, ev Event) []model.DeliveryAttempt {
	if ev.Type.IsWebhookCategory() {
		return nil
	}
	subs, err := s.db.ListSubscriptions(ctx, true)
	if err != nil {
		s.log.Error("list webhook subscriptions failed", "event_type", ev.Type, "err", err)
		return nil
	}
	var matched []model.WebhookSubscription
	for _, sub := range subs {
		if sub.Matches(ev.Type) {
			matched = append(matched, sub)
		}
	}
	if len(matched) == 0 {
		return nil
	}

	attempts := make([]model.DeliveryAttempt, len(matched))
	var g errgroup.Group
	g.SetLimit(fanOut)
	for i, sub := range matched {
		g.Go(func() error {
			attempts[i] = s.deliver(ctx, sub, ev)
			return nil
		})
	}
	_ = g.Wait()
	return attempts
}

func (s *Service) deliver(ctx context.Context, sub model.WebhookSubscription, ev Event) model.DeliveryAttempt {
	attempt := model.DeliveryAttempt{
		DeliveryID:     id.UUID(),
		SubscriptionID: sub.SubscriptionID,
		EventType:      ev.Type,
		PayloadDigest:  ev.PayloadDigest,
		AttemptedAt:    s.now().UTC(),
	}
	body, err := json.Marshal(Envelope{
		EventType:     ev.Type,
		OccurredAt:    ev.OccurredAt.UTC(),
		PayloadDigest: ev.PayloadDigest,
		DeliveryID:    attempt.DeliveryID,
	})
	if err != nil {
		attempt.Error = fmt.Sprintf("marshal envelope: %v", err)
		s.finish(ctx, sub, &attempt)
		return attempt
	}

	// 只受超时约束，调用方取消不会中断已发出的投递。
	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	started := time.Now()
	status, err := s.post(reqCtx, sub, attempt.DeliveryID, ev.Type, body)
	attempt.DurationMillis = time.Since(started).Milliseconds()
	attempt.ResponseStatus = status
	if err == nil && (status < 200 || status > 299) {
		err = &model.DeliveryError{SubscriptionID: sub.SubscriptionID, Status: status}
	} else if err != nil {
		err = &model.DeliveryError{SubscriptionID: sub.SubscriptionID, Status: status, Err: err}
	}
	if err != nil {
		attempt.Error = err.Error()
	} else {
		attempt.Success = true
	}
	s.finish(ctx, sub, &attempt)
	return attempt
}

func (s *Service) post(ctx context.Context, sub model.WebhookSubscription, deliveryID string, eventType model.AuditAction, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.TargetURL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, Sign(sub.Secret, body))
	req.Header.Set(HeaderEventType, string(eventType))
	req.Header.Set(HeaderDeliveryID, deliveryID)

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseDrain))
	return resp.StatusCode, nil
}

// finish 写投递日志、更新失败计数并写审计。这里的错误只记日志。
func (s *Service) finish(ctx context.Context, sub model.WebhookSubscription, a *model.DeliveryAttempt) {
	ctx = context.WithoutCancel(ctx)
	logger := s.log.With("subscription_id", sub.SubscriptionID, "target", privacy.MaskURL(sub.TargetURL),
		"delivery_id", a.DeliveryID, "event_type", a.EventType)

	if err := s.db.InsertDelivery(ctx, *a); err != nil {
		logger.Error("record webhook delivery failed", "err", err)
	}

	action := model.ActionWebhookDelivered
	disabled := false
	failures := 0
	if a.Success {
		if err := s.db.RecordDeliverySuccess(ctx, sub.SubscriptionID, a.AttemptedAt); err != nil {
			logger.Error("reset webhook failure counter failed", "err", err)
		}
	} else {
		action = model.ActionWebhookFailed
		var err error
		failures, disabled, err = s.db.RecordDeliveryFailure(ctx, sub.SubscriptionID, a.AttemptedAt, model.FailureThreshold)
		if err != nil {
			logger.Error("count webhook failure failed", "err", err)
		}
		logger.Warn("webhook delivery failed", "status", a.ResponseStatus, "failures", failures, "err", a.Error)
	}

	detail := map[string]any{
		"delivery_id":     a.DeliveryID,
		"event_type":      a.EventType,
		"response_status": a.ResponseStatus,
		"duration_ms":     a.DurationMillis,
	}
	if a.Error != "" {
		detail["error"] = a.Error
		detail["consecutive_failures"] = failures
	}
	s.appendAudit(ctx, logger, model.AuditRecord{
		Actor:       authz.System().ID,
		Action:      action,
		SubjectID:   model.SystemSubject,
		ObjectID:    sub.SubscriptionID,
		OccurredAt:  a.AttemptedAt,
		PayloadHash: a.PayloadDigest,
		Detail:      auditstream.Detail(detail),
	})

	if disabled {
		logger.Warn("webhook subscription disabled", "failures", failures)
		s.appendAudit(ctx, logger, model.AuditRecord{
			Actor:      authz.System().ID,
			Action:     model.ActionWebhookDisabled,
			SubjectID:  model.SystemSubject,
			ObjectID:   sub.SubscriptionID,
			OccurredAt: a.AttemptedAt,
			Detail:     auditstream.Detail(map[string]any{"consecutive_failures": failures}),
		})
	}
}

func (s *Service) appendAudit(ctx context.Context, logger *slog.Logger, rec model.AuditRecord) {
	if _, err := s.audit.Append(ctx, rec); err != nil {
		logger.Error("audit webhook event failed", "action", rec.Action, "err", err)
	}
}

func validateTarget(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("invalid webhook target %q: %w", raw, model.ErrInvalidArgument)
	}
	return u.String(), nil
}

func normalizeFilter(in []string) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	for _, f := range in {
		f = strings.TrimSpace(f)
		if f == "" || seen[f] {
			continue
		}
		if f != model.WildcardEvent && !model.AuditAction(f).Valid() {
			return nil, fmt.Errorf("unknown event type %q: %w", f, model.ErrInvalidArgument)
		}
		if model.AuditAction(f).IsWebhookCategory() {
			return nil, fmt.Errorf("webhook events cannot be subscribed to: %w", model.ErrInvalidArgument)
		}
		seen[f] = true
		out = append(out, f)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("event filter is required: %w", model.ErrInvalidArgument)
	}
	return out, nil
}
