package model

import "time"

// ShareScope 是分享链接的授权范围。
type ShareScope string

const (
	ScopeReadOnly ShareScope = "read_only"
	ScopeExport   ShareScope = "export"
)

// Valid 判断范围是否合法。
func (s ShareScope) Valid() bool {
	return s == ScopeReadOnly || s == ScopeExport
}

// RecipientRole 是外部接收方角色（封闭枚举）。
type RecipientRole string

const (
	RecipientOpposingCounsel RecipientRole = "opposing_counsel"
	RecipientCourt           RecipientRole = "court"
	RecipientExpertWitness   RecipientRole = "expert_witness"
	RecipientClient          RecipientRole = "client"
	RecipientRegulator       RecipientRole = "regulator"
)

// Valid 判断接收方角色是否合法。
func (r RecipientRole) Valid() bool {
	switch r {
	case RecipientOpposingCounsel, RecipientCourt, RecipientExpertWitness, RecipientClient, RecipientRegulator:
		return true
	}
	return false
}

// LinkState 是分享链接的状态。库里只存 active/revoked，expired 在读取时按时间推导，
// 因此不存在“已撤销但仍有效”这类非法组合。
type LinkState string

const (
	LinkActive  LinkState = "active"
	LinkRevoked LinkState = "revoked"
	LinkExpired LinkState = "expired"
)

// MaxShareTTL 是分享链接的最长有效期。
const MaxShareTTL = 90 * 24 * time.Hour

// ShareLink 表示一条分享链接（share_links 表）。原始 token 不落库。
type ShareLink struct {
	LinkID        string        `json:"link_id"`
	CaseID        string        `json:"case_id"`
	TokenHash     string        `json:"-"`
	Scope         ShareScope    `json:"scope"`
	RecipientRole RecipientRole `json:"recipient_role"`
	CreatedAt     time.Time     `json:"created_at"`
	ExpiresAt     time.Time     `json:"expires_at"`
	MaxAccess     int           `json:"max_access"`
	AccessCount   int           `json:"access_count"`
	Revoked       bool          `json:"revoked"`
	RevokedAt     time.Time     `json:"revoked_at,omitzero"`
	CreatedBy     string        `json:"created_by"`
}

// State 按给定时间推导链接状态。revoked 优先于 expired。
func (l ShareLink) State(now time.Time) LinkState {
	if l.Revoked {
		return LinkRevoked
	}
	if !now.Before(l.ExpiresAt) {
		return LinkExpired
	}
	return LinkActive
}

// CaseSummary 是分享门户返回的案件摘要：只有标识与摘要，绝不包含证据字节。
type CaseSummary struct {
	CaseID    string           `json:"case_id"`
	Title     string           `json:"title,omitempty"`
	Scope     ShareScope       `json:"scope"`
	ExpiresAt time.Time        `json:"expires_at"`
	Evidence  []EvidenceDigest `json:"evidence"`
}

// EvidenceDigest 是摘要中的单条证据。
type EvidenceDigest struct {
	EvidenceID string `json:"evidence_id"`
	SHA256     string `json:"sha256"`
	SizeBytes  int64  `json:"size_bytes"`
}
