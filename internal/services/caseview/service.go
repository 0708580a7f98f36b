// Package caseview 提供案件级的只读汇总视图（管理 API 与 CLI 展示用）。
// 查询不产生监管链或审计记录。
package caseview

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	sqliteadapter "evidence-vault/internal/adapters/store/sqlite"
	"evidence-vault/internal/domain/model"
	"evidence-vault/internal/services/authz"
)

// Overview 是案件汇总。
type Overview struct {
	Case     model.CaseInfo          `json:"case"`
	Evidence EvidenceStats           `json:"evidence"`
	Items    []ItemView              `json:"items"`
	Exports  []model.ExportPackage   `json:"exports"`
	Shares   map[model.LinkState]int `json:"shares"`
	Audit    ChainHead               `json:"audit"`
	AsOf     time.Time               `json:"as_of"`
}

// ChainHead 是某个审计主体的链头。
type ChainHead struct {
	Records int64  `json:"records"`
	Head    string `json:"head,omitempty"`
}

// EvidenceStats 是案件证据的计数与体量。
type EvidenceStats struct {
	Total       int                        `json:"total"`
	Originals   int                        `json:"originals"`
	Derivatives int                        `json:"derivatives"`
	Sealed      int                        `json:"sealed"`
	TotalBytes  int64                      `json:"total_bytes"`
	TotalSize   string                     `json:"total_size"`
	ByKind      map[model.EvidenceKind]int `json:"by_kind"`
}

// ItemView 是单条证据在汇总中的展示行。
type ItemView struct {
	model.EvidenceItem
	LastCustody model.CustodyAction `json:"last_custody,omitempty"`
	// Audit 是以证据自身为主体的链（访问、校验、监管变更）；入库记录在案件链上。
	Audit ChainHead `json:"audit"`
}

type Options struct {
	Now func() time.Time
}

type Service struct {
	db  *sqliteadapter.Store
	now func() time.Time
}

func New(db *sqliteadapter.Store, opts Options) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{db: db, now: opts.Now}
}

// Overview 汇总案件的证据、导出包与分享链接状态。
func (s *Service) Overview(ctx context.Context, p authz.Principal, caseID string) (*Overview, error) {
	if err := authz.Require(p, authz.CapReadEvidence); err != nil {
		return nil, err
	}
	c, err := s.db.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("case %s: %w", caseID, model.ErrNotFound)
	}

	items, err := s.db.ListCaseEvidence(ctx, caseID)
	if err != nil {
		return nil, err
	}
	heads, err := s.db.AuditHeads(ctx)
	if err != nil {
		return nil, err
	}
	exports, err := s.db.ListExportPackages(ctx, caseID)
	if err != nil {
		return nil, err
	}
	links, err := s.db.ListShareLinks(ctx, caseID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	out := &Overview{
		Case:     *c,
		Evidence: EvidenceStats{ByKind: map[model.EvidenceKind]int{}},
		Items:    make([]ItemView, 0, len(items)),
		Exports:  exports,
		Shares: map[model.LinkState]int{
			model.LinkActive:  0,
			model.LinkRevoked: 0,
			model.LinkExpired: 0,
		},
		AsOf: now,
	}
	if h, ok := heads[caseID]; ok {
		out.Audit = ChainHead{Records: h.Count, Head: h.RecordHash}
	}
	if out.Exports == nil {
		out.Exports = []model.ExportPackage{}
	}

	for _, it := range items {
		last, err := s.db.LastCustodyAction(ctx, it.ID)
		if err != nil {
			return nil, err
		}
		row := ItemView{EvidenceItem: it, LastCustody: last}
		if h, ok := heads[it.ID]; ok {
			row.Audit = ChainHead{Records: h.Count, Head: h.RecordHash}
		}
		out.Items = append(out.Items, row)

		st := &out.Evidence
		st.Total++
		if it.IsDerivative() {
			st.Derivatives++
		} else {
			st.Originals++
		}
		if last == model.CustodySealed {
			st.Sealed++
		}
		st.TotalBytes += it.SizeBytes
		st.ByKind[it.Kind]++
	}
	out.Evidence.TotalSize = humanize.IBytes(uint64(out.Evidence.TotalBytes))

	for _, l := range links {
		out.Shares[l.State(now)]++
	}
	return out, nil
}
