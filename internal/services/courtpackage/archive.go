package courtpackage

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"github.com/klauspost/compress/zip"
)

// IndexSchema 标识 INDEX.json 的格式版本。
const IndexSchema = "evidence-vault/court-package-index/v1"

// IndexEntry 是 INDEX.json / INDEX.csv 中的一行展品记录。
type IndexEntry struct {
	Exhibit      string    `json:"exhibit"`
	Path         string    `json:"path"` // 包内路径（使用 "/" 分隔）
	EvidenceID   string    `json:"evidence_id"`
	OriginalName string    `json:"original_name"`
	SHA256       string    `json:"sha256"`
	SizeBytes    int64     `json:"size_bytes"`
	MIMEType     string    `json:"mime_type"`
	IngestedAt   time.Time `json:"ingested_at"`
	DerivedFrom  string    `json:"derived_from,omitempty"`
	ParentSHA256 string    `json:"parent_sha256,omitempty"`
}

// Index 是 INDEX.json 的内容。
type Index struct {
	Schema          string       `json:"schema"`
	PackageID       string       `json:"package_id"`
	CaseID          string       `json:"case_id"`
	GeneratedAt     time.Time    `json:"generated_at"`
	StatementID     string       `json:"statement_id"`
	StatementSHA256 string       `json:"statement_sha256"`
	Exhibits        []IndexEntry `json:"exhibits"`
}

var csvHeader = []string{
	"exhibit", "path", "evidence_id", "original_name", "sha256", "size_bytes",
	"mime_type", "ingested_at", "derived_from", "parent_sha256",
}

func writeIndex(dir string, idx Index) error {
	raw, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal index: %w", err)
	}
	if err := writeReadOnly(filepath.Join(dir, indexJSONName), append(raw, '\n')); err != nil {
		return err
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write(csvHeader)
	for _, e := range idx.Exhibits {
		_ = w.Write([]string{
			e.Exhibit,
			e.Path,
			e.EvidenceID,
			e.OriginalName,
			e.SHA256,
			strconv.FormatInt(e.SizeBytes, 10),
			e.MIMEType,
			e.IngestedAt.UTC().Format(time.RFC3339Nano),
			e.DerivedFrom,
			e.ParentSHA256,
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("encode index csv: %w", err)
	}
	return writeReadOnly(filepath.Join(dir, indexCSVName), buf.Bytes())
}

// writeArchive 把 dir 下已有的全部文件归档为 dir/name。
// 条目按路径排序，修改时间统一为 modified，相同内容得到相同字节。
func writeArchive(ctx context.Context, dir, name string, modified time.Time) error {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return fmt.Errorf("list package files: %w", err)
	}
	slices.Sort(files)

	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o444)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	defer func() { _ = f.Close() }()

	zw := zip.NewWriter(f)
	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := addFile(zw, filepath.Join(dir, filepath.FromSlash(rel)), rel, modified); err != nil {
			return fmt.Errorf("archive %s: %w", rel, err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close archive writer: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync archive: %w", err)
	}
	return f.Close()
}

func addFile(zw *zip.Writer, src, name string, modified time.Time) error {
	hdr := &zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: modified.UTC(),
	}
	hdr.SetMode(0o444)
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	_, err = io.Copy(w, in)
	return err
}
