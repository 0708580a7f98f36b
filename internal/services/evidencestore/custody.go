package evidencestore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sqliteadapter "evidence-vault/internal/adapters/store/sqlite"
	"evidence-vault/internal/domain/model"
	"evidence-vault/internal/services/auditstream"
	"evidence-vault/internal/services/authz"
)

// Attach 把已有证据挂到另一个案件下（多对多）。重复挂载不产生新记录。
func (s *Store) Attach(ctx context.Context, p authz.Principal, caseID, evidenceID string) error {
	if err := authz.Require(p, authz.CapIngest); err != nil {
		return err
	}
	if !auditstream.ValidSubject(caseID) {
		return fmt.Errorf("invalid case id %q: %w", caseID, model.ErrInvalidArgument)
	}
	item, err := s.get(ctx, evidenceID)
	if err != nil {
		return err
	}

	attached, err := s.db.IsAttached(ctx, caseID, item.ID)
	if err != nil || attached {
		return err
	}

	now := s.now().UTC()
	_, err = s.audit.AppendWith(ctx, model.AuditRecord{
		Actor:       p.ID,
		Action:      model.ActionCaseEvidenceAttached,
		SubjectID:   caseID,
		ObjectID:    item.ID,
		OccurredAt:  now,
		PayloadHash: item.SHA256,
	}, func(ctx context.Context, tx *sqliteadapter.Store) error {
		if err := tx.EnsureCase(ctx, caseID, "", p.ID, now); err != nil {
			return err
		}
		created, err := tx.AttachEvidence(ctx, caseID, item.ID, p.ID, now)
		if err != nil {
			return err
		}
		if !created {
			return errAlreadyAttached
		}
		return nil
	})
	if errors.Is(err, errAlreadyAttached) {
		return nil
	}
	return err
}

// errAlreadyAttached 让并发的重复挂载回滚审计事务，对调用方不是错误。
var errAlreadyAttached = errors.New("evidence already attached")

// Transfer 记录一次监管移交。已封存的证据不能再移交。
func (s *Store) Transfer(ctx context.Context, p authz.Principal, evidenceID, to, reason string) error {
	to = strings.TrimSpace(to)
	if to == "" {
		return fmt.Errorf("transfer recipient is required: %w", model.ErrInvalidArgument)
	}
	return s.custodyChange(ctx, p, evidenceID, model.CustodyTransferred, model.ActionCustodyTransferred,
		joinReason("to "+to, reason), map[string]any{"to": to, "reason": reason})
}

// Seal 封存证据：此后监管链只接受 accessed/exported 类记录。
func (s *Store) Seal(ctx context.Context, p authz.Principal, evidenceID, reason string) error {
	return s.custodyChange(ctx, p, evidenceID, model.CustodySealed, model.ActionCustodySealed,
		reason, map[string]any{"reason": reason})
}

func (s *Store) custodyChange(ctx context.Context, p authz.Principal, evidenceID string, action model.CustodyAction, auditAction model.AuditAction, reason string, detail map[string]any) error {
	if err := authz.Require(p, authz.CapAppendAudit); err != nil {
		return err
	}
	item, err := s.get(ctx, evidenceID)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	_, err = s.audit.AppendWith(ctx, model.AuditRecord{
		Actor:       p.ID,
		Action:      auditAction,
		SubjectID:   item.ID,
		ObjectID:    item.ID,
		OccurredAt:  now,
		PayloadHash: item.SHA256,
		Detail:      auditstream.Detail(detail),
	}, func(ctx context.Context, tx *sqliteadapter.Store) error {
		// 封存检查与监管记录在同一事务内，并发的 Seal 不会被越过。
		last, err := tx.LastCustodyAction(ctx, item.ID)
		if err != nil {
			return err
		}
		if last == model.CustodySealed {
			return fmt.Errorf("evidence %s is sealed: %w", item.ID, model.ErrImmutableViolation)
		}
		_, err = tx.AppendCustody(ctx, model.CustodyEntry{
			EvidenceID: item.ID, Actor: p.ID, Action: action, Reason: reason, OccurredAt: now,
		})
		return err
	})
	return err
}

// Custody 返回证据的完整监管链。
func (s *Store) Custody(ctx context.Context, p authz.Principal, evidenceID string) ([]model.CustodyEntry, error) {
	if err := authz.Require(p, authz.CapReadEvidence); err != nil {
		return nil, err
	}
	if _, err := s.get(ctx, evidenceID); err != nil {
		return nil, err
	}
	return s.db.ListCustody(ctx, evidenceID)
}

func joinReason(a, b string) string {
	b = strings.TrimSpace(b)
	if b == "" {
		return a
	}
	return a + ": " + b
}
