// Package authz 只回答“谁可以做什么”：角色到能力的静态映射，以及管理 API 使用的 bearer token。
// 认证本身（账号、会话、登录）由外部系统负责。
package authz

import (
	"context"
	"fmt"
	"slices"

	"evidence-vault/internal/domain/model"
)

// Role 是调用方角色。
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleCustodian Role = "custodian"
	RoleAttorney  Role = "attorney"
	RoleParalegal Role = "paralegal"
	RoleAuditor   Role = "auditor"
	RoleSystem    Role = "system"
	// RoleShare 是门户以分享链接身份导出时使用的角色，不能签发为 token。
	RoleShare Role = "share"
)

// Capability 是可被授权的动作。
type Capability string

const (
	CapIngest         Capability = "ingest"
	CapReadEvidence   Capability = "read_evidence"
	CapAppendAudit    Capability = "append_audit"
	CapExport         Capability = "export"
	CapMintShare      Capability = "mint_share"
	CapRevokeShare    Capability = "revoke_share"
	CapManageWebhooks Capability = "manage_webhooks"
	CapReadAudit      Capability = "read_audit"
)

var grants = map[Role][]Capability{
	RoleAdmin: {
		CapIngest, CapReadEvidence, CapAppendAudit, CapExport,
		CapMintShare, CapRevokeShare, CapManageWebhooks, CapReadAudit,
	},
	RoleSystem: {
		CapIngest, CapReadEvidence, CapAppendAudit, CapExport,
		CapMintShare, CapRevokeShare, CapManageWebhooks, CapReadAudit,
	},
	RoleCustodian: {CapIngest, CapReadEvidence, CapAppendAudit, CapExport, CapRevokeShare, CapReadAudit},
	RoleAttorney:  {CapReadEvidence, CapExport, CapMintShare, CapRevokeShare},
	RoleParalegal: {CapIngest, CapReadEvidence},
	RoleAuditor:   {CapReadAudit},
	// 导出包本身包含证据内容，导出前的完整性校验需要 read_evidence。
	RoleShare: {CapExport, CapReadEvidence},
}

// Valid 判断角色能否由调用方声明（token、CLI）。RoleShare 只在服务内部构造。
func (r Role) Valid() bool {
	_, ok := grants[r]
	return ok && r != RoleShare
}

// Principal 是一次调用的发起者。
type Principal struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// System 返回内部流程（启动对账、webhook 投递等）使用的主体。
func System() Principal {
	return Principal{ID: "system", Role: RoleSystem}
}

// Share 返回以分享链接身份行事的主体，ID 为 share:<link_id>。
func Share(linkID string) Principal {
	return Principal{ID: "share:" + linkID, Role: RoleShare}
}

// Can 报告主体是否拥有能力。
func (p Principal) Can(c Capability) bool {
	return p.ID != "" && slices.Contains(grants[p.Role], c)
}

// Require 在主体缺少能力时返回 model.ErrForbidden。
func Require(p Principal, c Capability) error {
	if !p.Can(c) {
		return fmt.Errorf("%s (role %q) lacks %s: %w", p.ID, p.Role, c, model.ErrForbidden)
	}
	return nil
}

type ctxKey struct{}

// WithPrincipal 把主体放进 context（HTTP 中间件使用）。
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// FromContext 取出 context 中的主体。
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(Principal)
	return p, ok
}
