package auditstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"evidence-vault/internal/domain/model"
)

// maxLineBytes 是单行 manifest 的上限。
const maxLineBytes = 4 << 20

// Replay 按序号顺序惰性重放某个 subject 的审计记录（来自结构化存储）。
func (s *Stream) Replay(ctx context.Context, subjectID string) iter.Seq2[model.AuditRecord, error] {
	return s.ReplayFrom(ctx, model.AuditFilter{SubjectID: subjectID}, 0)
}

// ReplayFrom 从 afterSeq 之后开始按过滤条件重放；中断后用最后一条的 Seq 续读即可。
//
// 每页先整体读入再逐条交给调用方：单连接模式下，调用方在循环体内继续写库不会被游标卡住。
func (s *Stream) ReplayFrom(ctx context.Context, f model.AuditFilter, afterSeq int64) iter.Seq2[model.AuditRecord, error] {
	return func(yield func(model.AuditRecord, error) bool) {
		after := afterSeq
		for {
			if err := ctx.Err(); err != nil {
				yield(model.AuditRecord{}, err)
				return
			}
			page, err := s.store.ListAuditPage(ctx, f, after, s.pageSize)
			if err != nil {
				yield(model.AuditRecord{}, err)
				return
			}
			for _, r := range page {
				if !yield(r, nil) {
					return
				}
				after = r.Seq
			}
			if len(page) < s.pageSize {
				return
			}
		}
	}
}

// ManifestLines 逐行读取 subject 的 manifest 原始字节（含换行符）。
// 文件末尾缺少换行的残行按错误返回，不做修复。
func (s *Stream) ManifestLines(ctx context.Context, subjectID string) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		f, err := os.Open(s.manifestPath(subjectID))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return
			}
			yield(nil, fmt.Errorf("open manifest: %w", err))
			return
		}
		defer f.Close()

		r := bufio.NewReaderSize(f, 64<<10)
		for n := 1; ; n++ {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			line, err := r.ReadBytes('\n')
			if len(line) > maxLineBytes {
				yield(nil, fmt.Errorf("manifest %s line %d exceeds %d bytes", subjectID, n, maxLineBytes))
				return
			}
			if errors.Is(err, io.EOF) {
				if len(line) > 0 {
					yield(nil, fmt.Errorf("manifest %s line %d: partial line without newline", subjectID, n))
				}
				return
			}
			if err != nil {
				yield(nil, fmt.Errorf("read manifest %s: %w", subjectID, err))
				return
			}
			if !yield(line, nil) {
				return
			}
		}
	}
}

// ReplayManifest 逐条解码 subject 的 manifest 记录。
func (s *Stream) ReplayManifest(ctx context.Context, subjectID string) iter.Seq2[model.AuditRecord, error] {
	return func(yield func(model.AuditRecord, error) bool) {
		for line, err := range s.ManifestLines(ctx, subjectID) {
			if err != nil {
				yield(model.AuditRecord{}, err)
				return
			}
			var rec model.AuditRecord
			dec := json.NewDecoder(bytes.NewReader(line))
			dec.DisallowUnknownFields()
			if err := dec.Decode(&rec); err != nil {
				yield(model.AuditRecord{}, fmt.Errorf("decode manifest %s: %w", subjectID, err))
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// ManifestSubjects 列出 manifest 目录中所有 subject（按名称排序）。
func (s *Stream) ManifestSubjects() ([]string, error) {
	entries, err := os.ReadDir(s.manifestDir)
	if err != nil {
		return nil, fmt.Errorf("read manifest dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		out = append(out, strings.TrimSuffix(name, ".jsonl"))
	}
	sort.Strings(out)
	return out, nil
}

// ManifestDir 返回 manifest 目录。
func (s *Stream) ManifestDir() string {
	return filepath.Clean(s.manifestDir)
}
