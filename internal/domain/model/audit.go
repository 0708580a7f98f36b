package model

import (
	"encoding/json"
	"strings"
	"time"
)

// AuditAction 是审计动作类型（封闭枚举）。webhook 事件类型与之共用。
type AuditAction string

const (
	ActionEvidenceIngested        AuditAction = "evidence.ingested"
	ActionEvidenceDerived         AuditAction = "evidence.derived"
	ActionEvidenceAccessed        AuditAction = "evidence.accessed"
	ActionEvidenceRestored        AuditAction = "evidence.restored"
	ActionEvidenceIntegrityFailed AuditAction = "evidence.integrity_failed"
	ActionCaseEvidenceAttached    AuditAction = "case.evidence_attached"
	ActionCustodyTransferred      AuditAction = "custody.transferred"
	ActionCustodySealed           AuditAction = "custody.sealed"
	ActionStatementGenerated      AuditAction = "statement.generated"
	ActionExportCompleted         AuditAction = "export.completed"
	ActionExportFailed            AuditAction = "export.failed"
	ActionShareCreated            AuditAction = "share.created"
	ActionShareResolved           AuditAction = "share.resolved"
	ActionShareDenied             AuditAction = "share.denied"
	ActionShareRevoked            AuditAction = "share.revoked"
	ActionWebhookSubscribed       AuditAction = "webhook.subscribed"
	ActionWebhookDelivered        AuditAction = "webhook.delivered"
	ActionWebhookFailed           AuditAction = "webhook.delivery_failed"
	ActionWebhookDisabled         AuditAction = "webhook.disabled"
	ActionWebhookReactivated      AuditAction = "webhook.reactivated"
)

var allActions = []AuditAction{
	ActionEvidenceIngested,
	ActionEvidenceDerived,
	ActionEvidenceAccessed,
	ActionEvidenceRestored,
	ActionEvidenceIntegrityFailed,
	ActionCaseEvidenceAttached,
	ActionCustodyTransferred,
	ActionCustodySealed,
	ActionStatementGenerated,
	ActionExportCompleted,
	ActionExportFailed,
	ActionShareCreated,
	ActionShareResolved,
	ActionShareDenied,
	ActionShareRevoked,
	ActionWebhookSubscribed,
	ActionWebhookDelivered,
	ActionWebhookFailed,
	ActionWebhookDisabled,
	ActionWebhookReactivated,
}

// AllActions 返回全部审计动作（副本）。
func AllActions() []AuditAction {
	return append([]AuditAction(nil), allActions...)
}

// Valid 判断是否为已知动作。
func (a AuditAction) Valid() bool {
	for _, x := range allActions {
		if x == a {
			return true
		}
	}
	return false
}

// IsWebhookCategory 报告动作是否属于 webhook 子系统自身；这类事件不会再被转发给订阅者。
func (a AuditAction) IsWebhookCategory() bool {
	return strings.HasPrefix(string(a), "webhook.")
}

// SystemSubject 是系统级审计记录的 subject。
const SystemSubject = "system"

// AuditRecord 是一条审计流记录（audit_records 表 + manifests/<subject>.jsonl）。
//
// 两个落点按同样的 JSON 编码写入，重放时逐字节一致；RecordHash 把前一条记录的 hash
// 与本条内容串成链。
type AuditRecord struct {
	Seq         int64           `json:"seq"`
	Actor       string          `json:"actor"`
	Action      AuditAction     `json:"action"`
	SubjectID   string          `json:"subject_id"`
	ObjectID    string          `json:"object_id,omitempty"`
	OccurredAt  time.Time       `json:"occurred_at"`
	PayloadHash string          `json:"payload_hash,omitempty"`
	Detail      json.RawMessage `json:"detail,omitempty"`
	PrevHash    string          `json:"prev_hash,omitempty"`
	RecordHash  string          `json:"record_hash"`
}

// AuditFilter 是审计重放/导出的过滤条件；零值表示不过滤。
type AuditFilter struct {
	SubjectID string
	Actor     string
	Actions   []AuditAction
	Since     time.Time
	Until     time.Time
}
