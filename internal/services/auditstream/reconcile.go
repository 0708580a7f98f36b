package auditstream

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"evidence-vault/internal/domain/model"
)

// manifestHead 是某个 subject 在 manifest 中的末端状态。
type manifestHead struct {
	seq   int64
	hash  string
	count int64
}

// Reconcile 在启动时比较两个落点：每个 subject 的最后序号、最后 hash 与条数必须一致。
// 任何分歧都返回 *model.ConsistencyDriftError（多个时用 errors.Join 合并），不做自动修复。
func (s *Stream) Reconcile(ctx context.Context) error {
	dbHeads, err := s.store.AuditHeads(ctx)
	if err != nil {
		return err
	}
	subjects, err := s.ManifestSubjects()
	if err != nil {
		return err
	}

	all := map[string]struct{}{}
	for subject := range dbHeads {
		all[subject] = struct{}{}
	}
	for _, subject := range subjects {
		all[subject] = struct{}{}
	}
	ordered := make([]string, 0, len(all))
	for subject := range all {
		ordered = append(ordered, subject)
	}
	sort.Strings(ordered)

	var drifts []error
	for _, subject := range ordered {
		mh, err := s.manifestHead(ctx, subject)
		if err != nil {
			drifts = append(drifts, &model.ConsistencyDriftError{
				SubjectID: subject,
				Reason:    err.Error(),
			})
			continue
		}
		dh := dbHeads[subject]
		if dh.Seq == mh.seq && dh.RecordHash == mh.hash && dh.Count == mh.count {
			continue
		}
		reason := "last record differs"
		if dh.Count != mh.count {
			reason = fmt.Sprintf("record count differs: db=%d manifest=%d", dh.Count, mh.count)
		}
		drifts = append(drifts, &model.ConsistencyDriftError{
			SubjectID:    subject,
			DBSeq:        dh.Seq,
			ManifestSeq:  mh.seq,
			DBHash:       dh.RecordHash,
			ManifestHash: mh.hash,
			Reason:       reason,
		})
	}

	if len(drifts) > 0 {
		s.log.Error("audit reconciliation failed", "subjects", len(ordered), "drifted", len(drifts))
		return errors.Join(drifts...)
	}
	s.log.Info("audit reconciliation ok", "subjects", len(ordered))
	return nil
}

func (s *Stream) manifestHead(ctx context.Context, subject string) (manifestHead, error) {
	var h manifestHead
	for rec, err := range s.ReplayManifest(ctx, subject) {
		if err != nil {
			return h, err
		}
		if rec.SubjectID != subject {
			return h, fmt.Errorf("manifest %s contains record for subject %q", subject, rec.SubjectID)
		}
		h.seq, h.hash = rec.Seq, rec.RecordHash
		h.count++
	}
	return h, nil
}
