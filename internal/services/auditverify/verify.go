package auditverify

import (
	"bytes"
	"context"
	"iter"
	"sort"

	"evidence-vault/internal/domain/model"
	"evidence-vault/internal/services/auditstream"
)

// FailureItem 表示一次审计链校验失败的明细项（用于 CLI 展示）。
type FailureItem struct {
	Index int `json:"index"`

	Seq        int64             `json:"seq"`
	SubjectID  string            `json:"subject_id"`
	Action     model.AuditAction `json:"action"`
	OccurredAt string            `json:"occurred_at"`

	// PrevHashMismatch 表示当前记录的 prev_hash 与同一 subject 上一条记录的 record_hash 不一致。
	PrevHashMismatch bool   `json:"prev_hash_mismatch"`
	ExpectedPrevHash string `json:"expected_prev_hash,omitempty"`
	ActualPrevHash   string `json:"actual_prev_hash,omitempty"`

	// RecordHashMismatch 表示 record_hash 与按公式重算的值不一致。
	RecordHashMismatch bool   `json:"record_hash_mismatch"`
	ExpectedRecordHash string `json:"expected_record_hash,omitempty"`
	ActualRecordHash   string `json:"actual_record_hash,omitempty"`

	// SeqRegression 表示序号没有严格递增。
	SeqRegression bool `json:"seq_regression,omitempty"`

	Message string `json:"message,omitempty"`
}

// Result 是单个 subject 的审计链强校验结果。
type Result struct {
	OK bool `json:"ok"`

	SubjectID string `json:"subject_id"`
	Total     int    `json:"total"`

	Failed           int `json:"failed"`
	PrevHashFailed   int `json:"prev_hash_failed"`
	RecordHashFailed int `json:"record_hash_failed"`

	LastSeq        int64  `json:"last_seq,omitempty"`
	LastRecordHash string `json:"last_record_hash,omitempty"`

	Failures []FailureItem `json:"failures,omitempty"`
}

// Chain 逐条校验一个 subject 的记录：
// 1) prev_hash 连续性
// 2) 重算 record_hash 并与存量字段对比
// 3) seq 严格递增
//
// 校验公式与 auditstream.ComputeHash 一致。
type Chain struct {
	res  Result
	prev string
}

func NewChain(subjectID string) *Chain {
	return &Chain{res: Result{OK: true, SubjectID: subjectID, Failures: []FailureItem{}}}
}

// Add 校验下一条记录。
func (c *Chain) Add(it model.AuditRecord) {
	i := c.res.Total
	c.res.Total++

	expectedPrev := c.prev
	expected, err := auditstream.ComputeHash(it.PrevHash, it)
	if err != nil {
		expected = ""
	}
	prevMismatch := it.PrevHash != expectedPrev
	hashMismatch := it.RecordHash != expected
	seqRegression := i > 0 && it.Seq <= c.res.LastSeq

	if prevMismatch || hashMismatch || seqRegression {
		c.res.OK = false
		c.res.Failed++
		if prevMismatch {
			c.res.PrevHashFailed++
		}
		if hashMismatch {
			c.res.RecordHashFailed++
		}

		msg := ""
		switch {
		case prevMismatch && hashMismatch:
			msg = "prev_hash and record_hash mismatch"
		case prevMismatch:
			msg = "prev_hash mismatch"
		case hashMismatch:
			msg = "record_hash mismatch"
		default:
			msg = "seq not increasing"
		}

		c.res.Failures = append(c.res.Failures, FailureItem{
			Index:      i,
			Seq:        it.Seq,
			SubjectID:  it.SubjectID,
			Action:     it.Action,
			OccurredAt: it.OccurredAt.Format("2006-01-02T15:04:05.000000000Z07:00"),

			PrevHashMismatch: prevMismatch,
			ExpectedPrevHash: expectedPrev,
			ActualPrevHash:   it.PrevHash,

			RecordHashMismatch: hashMismatch,
			ExpectedRecordHash: expected,
			ActualRecordHash:   it.RecordHash,

			SeqRegression: seqRegression,
			Message:       msg,
		})
	}

	// 链推进：以记录中存量的 record_hash 为准，这样可以把“错误链”继续向后验证并定位更多异常。
	c.prev = it.RecordHash
	c.res.LastSeq = it.Seq
	c.res.LastRecordHash = it.RecordHash
}

// Result 返回当前校验结果。
func (c *Chain) Result() Result {
	return c.res
}

// VerifyRecords 校验同一 subject 的一组记录（按 seq 升序）。
func VerifyRecords(subjectID string, records []model.AuditRecord) Result {
	c := NewChain(subjectID)
	for _, r := range records {
		c.Add(r)
	}
	return c.Result()
}

// Source 是可被校验的双写审计源（*auditstream.Stream 实现）。
type Source interface {
	ManifestSubjects() ([]string, error)
	Replay(ctx context.Context, subjectID string) iter.Seq2[model.AuditRecord, error]
	ManifestLines(ctx context.Context, subjectID string) iter.Seq2[[]byte, error]
}

// SubjectReport 是单个 subject 在两个落点上的校验结果。
type SubjectReport struct {
	SubjectID string `json:"subject_id"`
	Chain     Result `json:"chain"`

	DBRecords     int `json:"db_records"`
	ManifestLines int `json:"manifest_lines"`
	// FirstLineMismatch 是第一条两端字节不一致的记录下标（从 0 开始），-1 表示一致。
	FirstLineMismatch int    `json:"first_line_mismatch"`
	Error             string `json:"error,omitempty"`
}

// Report 是整体校验报告。
type Report struct {
	OK       bool            `json:"ok"`
	Subjects []SubjectReport `json:"subjects"`
}

// VerifySinks 对每个 subject：重算数据库侧的链，并把数据库记录重新编码后与 manifest 行逐字节比较。
func VerifySinks(ctx context.Context, src Source, dbSubjects []string) (Report, error) {
	subjects, err := src.ManifestSubjects()
	if err != nil {
		return Report{}, err
	}
	set := map[string]struct{}{}
	for _, s := range subjects {
		set[s] = struct{}{}
	}
	for _, s := range dbSubjects {
		set[s] = struct{}{}
	}
	all := make([]string, 0, len(set))
	for s := range set {
		all = append(all, s)
	}
	sort.Strings(all)

	rep := Report{OK: true, Subjects: []SubjectReport{}}
	for _, subject := range all {
		sr := verifySubject(ctx, src, subject)
		if !sr.Chain.OK || sr.FirstLineMismatch >= 0 || sr.Error != "" || sr.DBRecords != sr.ManifestLines {
			rep.OK = false
		}
		rep.Subjects = append(rep.Subjects, sr)
	}
	return rep, nil
}

func verifySubject(ctx context.Context, src Source, subject string) SubjectReport {
	sr := SubjectReport{SubjectID: subject, FirstLineMismatch: -1}

	var dbLines [][]byte
	chain := NewChain(subject)
	for rec, err := range src.Replay(ctx, subject) {
		if err != nil {
			sr.Error = err.Error()
			break
		}
		chain.Add(rec)
		line, err := auditstream.EncodeLine(rec)
		if err != nil {
			sr.Error = err.Error()
			break
		}
		dbLines = append(dbLines, line)
	}
	sr.Chain = chain.Result()
	sr.DBRecords = len(dbLines)

	i := 0
	for line, err := range src.ManifestLines(ctx, subject) {
		if err != nil {
			if sr.Error == "" {
				sr.Error = err.Error()
			}
			break
		}
		if sr.FirstLineMismatch < 0 && (i >= len(dbLines) || !bytes.Equal(line, dbLines[i])) {
			sr.FirstLineMismatch = i
		}
		i++
	}
	sr.ManifestLines = i
	if sr.FirstLineMismatch < 0 && i < len(dbLines) {
		sr.FirstLineMismatch = i
	}
	return sr
}
