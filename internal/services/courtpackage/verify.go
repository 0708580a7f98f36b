package courtpackage

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"

	"evidence-vault/internal/platform/hash"
	"evidence-vault/internal/services/statement"
)

// ExhibitCheck 是单件展品的复核结果。
type ExhibitCheck struct {
	Exhibit  string `json:"exhibit"`
	Path     string `json:"path"`
	Expected string `json:"expected_sha256"`
	Actual   string `json:"actual_sha256"`
	OK       bool   `json:"ok"`
}

// BundleReport 是离线复核导出包的结果。
type BundleReport struct {
	Dir         string         `json:"dir"`
	PackageID   string         `json:"package_id"`
	CaseID      string         `json:"case_id"`
	StatementID string         `json:"statement_id"`
	ArchiveOK   bool           `json:"archive_ok"`
	StatementOK bool           `json:"statement_ok"`
	Exhibits    []ExhibitCheck `json:"exhibits"`
	Failures    []string       `json:"failures,omitempty"`
}

// OK 表示所有检查均通过。
func (r *BundleReport) OK() bool {
	return len(r.Failures) == 0
}

func (r *BundleReport) fail(format string, args ...any) {
	r.Failures = append(r.Failures, fmt.Sprintf(format, args...))
}

// VerifyBundle 只依赖导出包目录本身复核：
// PACKAGE_HASH 与归档一致；归档内每个条目与目录中同名文件一致；
// 每件展品摘要与 INDEX.json 一致；声明正文摘要与自引用摘要成立。
//
// 返回的 error 只表示包结构无法读取；内容不一致记录在 BundleReport.Failures 中。
func VerifyBundle(dir string) (*BundleReport, error) {
	rep := &BundleReport{Dir: dir}

	rawIdx, err := os.ReadFile(filepath.Join(dir, indexJSONName))
	if err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}
	var idx Index
	if err := json.Unmarshal(rawIdx, &idx); err != nil {
		return nil, fmt.Errorf("decode index: %w", err)
	}
	if idx.Schema != IndexSchema {
		return nil, fmt.Errorf("unsupported index schema %q", idx.Schema)
	}
	rep.PackageID, rep.CaseID, rep.StatementID = idx.PackageID, idx.CaseID, idx.StatementID

	rep.ArchiveOK = verifyArchive(dir, rep)

	for _, e := range idx.Exhibits {
		chk := ExhibitCheck{Exhibit: e.Exhibit, Path: e.Path, Expected: e.SHA256}
		rel := filepath.FromSlash(e.Path)
		if !filepath.IsLocal(rel) {
			rep.fail("%s: path %q escapes the package", e.Exhibit, e.Path)
			rep.Exhibits = append(rep.Exhibits, chk)
			continue
		}
		sum, size, err := hash.File(filepath.Join(dir, rel))
		switch {
		case err != nil:
			chk.Actual = "missing"
			rep.fail("%s: %v", e.Exhibit, err)
		case !hash.Equal(sum, e.SHA256) || size != e.SizeBytes:
			chk.Actual = sum
			rep.fail("%s: sha256 %s does not match index %s", e.Exhibit, sum, e.SHA256)
		default:
			chk.Actual = sum
			chk.OK = true
		}
		rep.Exhibits = append(rep.Exhibits, chk)
	}

	rep.StatementOK = verifyStatement(dir, idx, rep)
	return rep, nil
}

func verifyArchive(dir string, rep *BundleReport) bool {
	raw, err := os.ReadFile(filepath.Join(dir, packageHashName))
	if err != nil {
		rep.fail("read %s: %v", packageHashName, err)
		return false
	}
	want, name, err := parseHashLine(raw)
	if err != nil {
		rep.fail("%s: %v", packageHashName, err)
		return false
	}
	if !filepath.IsLocal(name) {
		rep.fail("%s: archive name %q escapes the package", packageHashName, name)
		return false
	}
	archive := filepath.Join(dir, name)
	got, _, err := hash.File(archive)
	if err != nil {
		rep.fail("hash archive: %v", err)
		return false
	}
	if !hash.Equal(got, want) {
		rep.fail("archive sha256 %s does not match %s", got, want)
		return false
	}

	zr, err := zip.OpenReader(archive)
	if err != nil {
		rep.fail("open archive: %v", err)
		return false
	}
	defer zr.Close()
	ok := true
	for _, zf := range zr.File {
		inZip, err := hashZipEntry(zf)
		if err != nil {
			rep.fail("archive entry %s: %v", zf.Name, err)
			ok = false
			continue
		}
		rel := filepath.FromSlash(zf.Name)
		if !filepath.IsLocal(rel) {
			rep.fail("archive entry %q escapes the package", zf.Name)
			ok = false
			continue
		}
		onDisk, _, err := hash.File(filepath.Join(dir, rel))
		if err != nil || !hash.Equal(inZip, onDisk) {
			rep.fail("archive entry %s differs from package file", zf.Name)
			ok = false
		}
	}
	return ok
}

func verifyStatement(dir string, idx Index, rep *BundleReport) bool {
	text, err := os.ReadFile(filepath.Join(dir, statementTextName))
	if err != nil {
		rep.fail("read statement: %v", err)
		return false
	}
	ok := true
	if sum := hash.Bytes(text); !hash.Equal(sum, idx.StatementSHA256) {
		rep.fail("statement sha256 %s does not match index %s", sum, idx.StatementSHA256)
		ok = false
	}
	pre, selfOK, err := statement.VerifySelfHash(text)
	switch {
	case err != nil:
		rep.fail("statement: %v", err)
		return false
	case !selfOK:
		rep.fail("statement self-hash does not verify")
		ok = false
	case len(pre) < 24 || "stmt-"+pre[:24] != idx.StatementID:
		rep.fail("statement id does not match index %s", idx.StatementID)
		ok = false
	}
	for _, e := range idx.Exhibits {
		if !bytes.Contains(text, []byte("SHA-256: "+e.SHA256+"\n")) {
			rep.fail("%s: digest not listed in statement", e.Exhibit)
			ok = false
		}
	}
	return ok
}

// parseHashLine 解析 sha256sum 格式的一行："<hex>  <name>"。
func parseHashLine(raw []byte) (sum, name string, err error) {
	sc := bufio.NewScanner(bytes.NewReader(raw))
	if !sc.Scan() {
		return "", "", errors.New("empty hash file")
	}
	sum, name, found := strings.Cut(sc.Text(), "  ")
	if !found || !hash.IsSHA256Hex(sum) || name == "" {
		return "", "", fmt.Errorf("malformed hash line %q", sc.Text())
	}
	return sum, name, nil
}

func hashZipEntry(zf *zip.File) (string, error) {
	rc, err := zf.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()
	sum, _, err := hash.Reader(rc)
	return sum, err
}
