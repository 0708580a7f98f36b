// Package auditexport 把审计流按过滤条件导出为 NDJSON 或 CSV，供外部审计方离线核对。
package auditexport

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"iter"
	"strconv"
	"strings"
	"time"

	"evidence-vault/internal/domain/model"
	"evidence-vault/internal/services/auditstream"
)

// Format 是导出格式。
type Format string

const (
	FormatNDJSON Format = "ndjson"
	FormatCSV    Format = "csv"
)

// ParseFormat 解析格式名，空串默认为 ndjson。
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatNDJSON:
		return FormatNDJSON, nil
	case FormatCSV:
		return FormatCSV, nil
	}
	return "", fmt.Errorf("unknown audit export format %q: %w", s, model.ErrInvalidArgument)
}

// ContentType 返回格式对应的 MIME 类型。
func (f Format) ContentType() string {
	if f == FormatCSV {
		return "text/csv; charset=utf-8"
	}
	return "application/x-ndjson"
}

// Source 是可按过滤条件续读的审计源（*auditstream.Stream 实现）。
type Source interface {
	ReplayFrom(ctx context.Context, f model.AuditFilter, afterSeq int64) iter.Seq2[model.AuditRecord, error]
}

// Options 定义一次导出。
type Options struct {
	Format   Format
	Filter   model.AuditFilter
	AfterSeq int64
	// Limit 为 0 表示不限。
	Limit int64
}

// Result 是导出摘要；LastSeq 可作为下次导出的 AfterSeq。
type Result struct {
	Count   int64 `json:"count"`
	LastSeq int64 `json:"last_seq"`
}

var csvHeader = []string{
	"seq", "occurred_at", "actor", "action", "subject_id", "object_id",
	"payload_hash", "detail", "prev_hash", "record_hash",
}

// Write 按 opts 把记录写入 w。NDJSON 每行与 manifest 中的行逐字节相同。
func Write(ctx context.Context, w io.Writer, src Source, opts Options) (Result, error) {
	bw := bufio.NewWriter(w)
	var res Result

	var cw *csv.Writer
	if opts.Format == FormatCSV {
		cw = csv.NewWriter(bw)
		if err := cw.Write(csvHeader); err != nil {
			return res, fmt.Errorf("write csv header: %w", err)
		}
	}

	for rec, err := range src.ReplayFrom(ctx, opts.Filter, opts.AfterSeq) {
		if err != nil {
			return res, err
		}
		if cw != nil {
			err = cw.Write(csvRow(rec))
		} else {
			err = writeLine(bw, rec)
		}
		if err != nil {
			return res, fmt.Errorf("write audit record %d: %w", rec.Seq, err)
		}
		res.Count++
		res.LastSeq = rec.Seq
		if opts.Limit > 0 && res.Count >= opts.Limit {
			break
		}
	}

	if cw != nil {
		cw.Flush()
		if err := cw.Error(); err != nil {
			return res, fmt.Errorf("flush csv: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		return res, fmt.Errorf("flush audit export: %w", err)
	}
	return res, nil
}

func writeLine(w io.Writer, rec model.AuditRecord) error {
	line, err := auditstream.EncodeLine(rec)
	if err != nil {
		return err
	}
	_, err = w.Write(line)
	return err
}

func csvRow(rec model.AuditRecord) []string {
	return []string{
		strconv.FormatInt(rec.Seq, 10),
		rec.OccurredAt.UTC().Format(time.RFC3339Nano),
		rec.Actor,
		string(rec.Action),
		rec.SubjectID,
		rec.ObjectID,
		rec.PayloadHash,
		string(rec.Detail),
		rec.PrevHash,
		rec.RecordHash,
	}
}

// ParseActions 解析逗号分隔的动作列表。
func ParseActions(s string) ([]model.AuditAction, error) {
	var out []model.AuditAction
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		a := model.AuditAction(part)
		if !a.Valid() {
			return nil, fmt.Errorf("unknown audit action %q: %w", part, model.ErrInvalidArgument)
		}
		out = append(out, a)
	}
	return out, nil
}

// ParseTime 接受 RFC3339（可带纳秒）或 YYYY-MM-DD（按 UTC 零点）；空串返回零值。
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("invalid time %q (want RFC3339 or YYYY-MM-DD): %w", s, model.ErrInvalidArgument)
}

// ParseFilter 由字符串参数组装过滤条件（CLI 与 HTTP 共用）。
func ParseFilter(subject, actor, actions, since, until string) (model.AuditFilter, error) {
	f := model.AuditFilter{SubjectID: strings.TrimSpace(subject), Actor: strings.TrimSpace(actor)}
	var err error
	if f.Actions, err = ParseActions(actions); err != nil {
		return f, err
	}
	if f.Since, err = ParseTime(since); err != nil {
		return f, err
	}
	if f.Until, err = ParseTime(until); err != nil {
		return f, err
	}
	if !f.Since.IsZero() && !f.Until.IsZero() && f.Until.Before(f.Since) {
		return f, fmt.Errorf("until is before since: %w", model.ErrInvalidArgument)
	}
	return f, nil
}
