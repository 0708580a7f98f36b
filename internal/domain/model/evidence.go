package model

import "time"

// EvidenceKind 是证据的大类（由 MIME 推断）。
type EvidenceKind string

const (
	KindDocument EvidenceKind = "document"
	KindImage    EvidenceKind = "image"
	KindVideo    EvidenceKind = "video"
	KindAudio    EvidenceKind = "audio"
	KindOther    EvidenceKind = "other"
)

// EvidenceItem 表示一条入库证据（evidence_items 表）。
//
// Committed 之后 SHA256 与 StorageKey 终身不变；任何“修改”都必须生成一条新的衍生证据，
// 通过 ParentSHA256 / DerivedFrom 指回原件，而不是替换原件。
type EvidenceItem struct {
	ID           string       `json:"evidence_id"`
	SHA256       string       `json:"sha256"`
	SizeBytes    int64        `json:"size_bytes"`
	OriginalName string       `json:"original_name"`
	MIMEType     string       `json:"mime_type"`
	Kind         EvidenceKind `json:"kind"`
	StorageKey   string       `json:"storage_key"` // 内容寻址的相对路径，不含根目录
	IngestedAt   time.Time    `json:"ingested_at"`
	IngestedBy   string       `json:"ingested_by"`
	Committed    bool         `json:"committed"`

	// 衍生证据字段；原件为空。
	ParentSHA256   string `json:"parent_sha256,omitempty"`
	DerivedFrom    string `json:"derived_from,omitempty"`
	DerivationNote string `json:"derivation_note,omitempty"`
}

// IsDerivative 报告该条目是否是衍生证据。
func (e EvidenceItem) IsDerivative() bool {
	return e.ParentSHA256 != ""
}

// CustodyAction 是监管链动作（封闭枚举）。
type CustodyAction string

const (
	CustodyReceived    CustodyAction = "received"
	CustodyTransferred CustodyAction = "transferred"
	CustodySealed      CustodyAction = "sealed"
	CustodyExported    CustodyAction = "exported"
	CustodyAccessed    CustodyAction = "accessed"
	CustodyDerived     CustodyAction = "derived"
)

// CustodyEntry 是监管链的一行（custody_entries 表，只追加）。
// 同一证据的条目按 (OccurredAt, Seq) 全序。
type CustodyEntry struct {
	Seq        int64         `json:"seq"`
	EvidenceID string        `json:"evidence_id"`
	Actor      string        `json:"actor"`
	Action     CustodyAction `json:"action"`
	Reason     string        `json:"reason,omitempty"`
	OccurredAt time.Time     `json:"occurred_at"`
}

// CaseInfo 是最小化的案件登记信息。
type CaseInfo struct {
	CaseID    string    `json:"case_id"`
	Title     string    `json:"title,omitempty"`
	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
