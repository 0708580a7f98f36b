package model

// TransparencyStats 是透明度接口返回的聚合计数；不含任何案件标识或个人信息。
type TransparencyStats struct {
	EvidenceTotal      int64            `json:"evidence_total"`
	AuditTotal         int64            `json:"audit_total"`
	AuditByAction      map[string]int64 `json:"audit_by_action"`
	EvidenceByKind     map[string]int64 `json:"evidence_by_kind"`
	ShareLinksByState  map[string]int64 `json:"share_links_by_state"`
	WebhooksByState    map[string]int64 `json:"webhooks_by_state"`
	ExportPackageTotal int64            `json:"export_package_total"`
}
