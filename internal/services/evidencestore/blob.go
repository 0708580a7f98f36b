package evidencestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"evidence-vault/internal/domain/model"
	"evidence-vault/internal/platform/fsutil"
)

// sniffLen 是 MIME 探测需要的前缀长度。
const sniffLen = 512

// staged 是写入 staging 目录、尚未提交的文件。
type staged struct {
	path   string
	digest string
	size   int64
	head   []byte
}

// stage 把 r 流式写入 staging 目录，同时计算 SHA-256。
// declaredSize >= 0 时必须与实际读取字节数一致，否则返回 ErrTruncated 并清理临时文件。
func (s *Store) stage(ctx context.Context, r io.Reader, declaredSize int64) (*staged, error) {
	f, err := os.CreateTemp(s.stagingDir, "ingest-*")
	if err != nil {
		return nil, fmt.Errorf("create staging file: %w", err)
	}
	tmp := f.Name()
	ok := false
	defer func() {
		if !ok {
			_ = f.Close()
			_ = os.Remove(tmp)
		}
	}()

	h := sha256.New()
	head := &prefix{max: sniffLen}
	n, err := io.Copy(io.MultiWriter(f, h, head), ctxReader{ctx: ctx, r: r})
	if err != nil {
		return nil, fmt.Errorf("stream evidence: %w", err)
	}
	if declaredSize >= 0 && n != declaredSize {
		return nil, fmt.Errorf("declared %d bytes, read %d: %w", declaredSize, n, model.ErrTruncated)
	}
	if err := f.Sync(); err != nil {
		return nil, fmt.Errorf("sync staging file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close staging file: %w", err)
	}

	ok = true
	return &staged{path: tmp, digest: hex.EncodeToString(h.Sum(nil)), size: n, head: head.buf}, nil
}

// commit 把 staging 文件硬链接到内容寻址路径。link(2) 不会覆盖已存在的目标：
// 目标已存在说明同样的内容已经提交过（dedup=true），此时不产生第二份拷贝。
func (s *Store) commit(st *staged) (dedup bool, err error) {
	defer func() {
		_ = os.Remove(st.path)
	}()

	dst := s.BlobPath(st.digest)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return false, fmt.Errorf("create blob dir: %w", err)
	}
	if err := os.Link(st.path, dst); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return true, nil
		}
		return false, fmt.Errorf("commit blob: %w", err)
	}
	if err := os.Chmod(dst, 0o444); err != nil {
		return false, fmt.Errorf("chmod blob: %w", err)
	}
	if err := fsutil.SyncDir(filepath.Dir(dst)); err != nil {
		return false, err
	}
	return false, nil
}

// StorageKey 返回摘要对应的相对存储路径：blobs/<d[0:2]>/<d[2:4]>/<digest>。
func StorageKey(digest string) string {
	return strings.Join([]string{"blobs", digest[0:2], digest[2:4], digest}, "/")
}

// BlobPath 返回摘要对应的绝对路径。
func (s *Store) BlobPath(digest string) string {
	return filepath.Join(s.root, filepath.FromSlash(StorageKey(digest)))
}

// OpenBlob 打开证据内容（只读）。只供导出流水线使用，调用方自行记录监管链。
func (s *Store) OpenBlob(item model.EvidenceItem) (*os.File, error) {
	f, err := os.Open(filepath.Join(s.root, filepath.FromSlash(item.StorageKey)))
	if err != nil {
		return nil, fmt.Errorf("open blob %s: %w", item.SHA256, err)
	}
	return f, nil
}

// DetectKind 由 MIME 类型推断证据大类。
func DetectKind(mimeType string) model.EvidenceKind {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	switch {
	case strings.HasPrefix(mt, "image/"):
		return model.KindImage
	case strings.HasPrefix(mt, "video/"):
		return model.KindVideo
	case strings.HasPrefix(mt, "audio/"):
		return model.KindAudio
	case strings.HasPrefix(mt, "text/"),
		mt == "application/pdf",
		mt == "application/rtf",
		mt == "application/msword",
		strings.HasPrefix(mt, "application/vnd.openxmlformats-officedocument."),
		strings.HasPrefix(mt, "application/vnd.oasis.opendocument."),
		mt == "message/rfc822":
		return model.KindDocument
	}
	return model.KindOther
}

func detectMIME(declared string, head []byte) string {
	if d := strings.TrimSpace(declared); d != "" {
		return d
	}
	return http.DetectContentType(head)
}

type prefix struct {
	buf []byte
	max int
}

func (p *prefix) Write(b []byte) (int, error) {
	if room := p.max - len(p.buf); room > 0 {
		if len(b) < room {
			room = len(b)
		}
		p.buf = append(p.buf, b[:room]...)
	}
	return len(b), nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
