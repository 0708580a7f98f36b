package webapp

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// download 描述一次附件下载。Digest 是内容的 SHA-256，同时作为强 ETag。
type download struct {
	Name        string
	ContentType string
	Size        int64
	ModTime     time.Time
	Digest      string
	// DigestHeader 是携带 Digest 的响应头，例如 X-Content-SHA256。
	DigestHeader string
}

// serveDownload 以附件形式返回内容。content 可 Seek 时交给 http.ServeContent（支持 Range
// 与 If-None-Match），否则整体流式写出。
func serveDownload(w http.ResponseWriter, r *http.Request, log *slog.Logger, d download, content io.Reader) {
	h := w.Header()
	h.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", d.Name))
	if d.ContentType != "" {
		h.Set("Content-Type", d.ContentType)
	}
	if d.Digest != "" {
		h.Set("ETag", `"sha256:`+d.Digest+`"`)
		if d.DigestHeader != "" {
			h.Set(d.DigestHeader, d.Digest)
		}
	}

	if rs, ok := content.(io.ReadSeeker); ok {
		http.ServeContent(w, r, d.Name, d.ModTime, rs)
		return
	}
	if d.Size >= 0 {
		h.Set("Content-Length", strconv.FormatInt(d.Size, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, content); err != nil {
		log.Warn("stream download", "name", d.Name, "err", err)
	}
}

// serveArchive 返回导出包 zip；下载名为 downloadBase 加原扩展名。
func serveArchive(w http.ResponseWriter, r *http.Request, log *slog.Logger, path, downloadBase, digest string) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			writeError(w, http.StatusNotFound, errors.New("archive missing on disk"))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	serveDownload(w, r, log, download{
		Name:         downloadBase + filepath.Ext(path),
		ContentType:  "application/zip",
		Size:         st.Size(),
		ModTime:      st.ModTime(),
		Digest:       digest,
		DigestHeader: "X-Package-SHA256",
	}, f)
}
