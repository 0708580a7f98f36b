// Package statement 生成完整性声明。
//
// 正文是权威产物：相同输入（包括调用方给定的 generatedAt）永远得到逐字节相同的文本。
// 自引用字段采用两遍渲染：先用占位符渲染并计算 pre-manifest 摘要，再把摘要填回正文。
// PDF 只是正文的派生展示，单独计算摘要，不保证跨实现可复现。
package statement

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode"

	"github.com/dustin/go-humanize"

	"evidence-vault/internal/domain/model"
)

const (
	// Format 标识正文格式版本，写在正文里。
	Format = "evidence-vault/integrity-statement/v1"

	idLinePrefix     = "Statement ID: "
	digestLinePrefix = "Pre-Manifest SHA-256: "

	idPlaceholder     = "stmt-________________________"
	digestPlaceholder = "________________________________________________________________"

	// 渲染期间的内部标记；clean 会滤掉所有控制字符，用户输入不可能包含它们。
	idMark     = "\x00ID\x00"
	digestMark = "\x00DIGEST\x00"
)

// Input 是渲染声明所需的全部输入。
type Input struct {
	CaseID      string
	CaseTitle   string
	Items       []model.EvidenceItem
	GeneratedAt time.Time
	// Remarks 是制作人附注（可选），同样受措辞检查约束。
	Remarks string
}

// Rendered 是渲染结果。
type Rendered struct {
	StatementID       string
	PreManifestSHA256 string
	Text              []byte
	TextSHA256        string
	Items             []model.EvidenceItem // 按展品顺序
}

// Statement 把渲染结果转换为持久化模型。
func (r Rendered) Statement(caseID string, generatedAt time.Time) model.IntegrityStatement {
	st := model.IntegrityStatement{
		StatementID:       r.StatementID,
		CaseID:            caseID,
		GeneratedAt:       generatedAt.UTC(),
		Text:              r.Text,
		TextSHA256:        r.TextSHA256,
		PreManifestSHA256: r.PreManifestSHA256,
	}
	for _, it := range r.Items {
		st.EvidenceIDs = append(st.EvidenceIDs, it.ID)
		st.EvidenceDigests = append(st.EvidenceDigests, it.SHA256)
	}
	return st
}

// Renderer 是纯渲染器：不读时钟、不访问存储。
type Renderer struct {
	guard *Guard
}

func NewRenderer(guard *Guard) *Renderer {
	if guard == nil {
		guard = NewGuard()
	}
	return &Renderer{guard: guard}
}

// SortExhibits 返回展品顺序：入库时间升序，再按证据 ID。
func SortExhibits(items []model.EvidenceItem) []model.EvidenceItem {
	out := slices.Clone(items)
	slices.SortStableFunc(out, func(a, b model.EvidenceItem) int {
		if c := a.IngestedAt.Compare(b.IngestedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// ExhibitLabel 返回第 i 个（从 0 开始）展品的标签，如 Exhibit_001。
func ExhibitLabel(i int) string {
	return fmt.Sprintf("Exhibit_%03d", i+1)
}

// Render 两遍渲染声明并执行措辞检查。
func (r *Renderer) Render(in Input) (Rendered, error) {
	if strings.TrimSpace(in.CaseID) == "" {
		return Rendered{}, fmt.Errorf("case id is required: %w", model.ErrInvalidArgument)
	}
	if len(in.Items) == 0 {
		return Rendered{}, fmt.Errorf("statement needs at least one item: %w", model.ErrInvalidArgument)
	}
	if in.GeneratedAt.IsZero() {
		return Rendered{}, fmt.Errorf("generated_at is required: %w", model.ErrInvalidArgument)
	}

	items := SortExhibits(in.Items)
	body := renderBody(in, items)

	// 第一遍：占位符。
	draft := strings.Replace(body, idMark, idPlaceholder, 1)
	draft = strings.Replace(draft, digestMark, digestPlaceholder, 1)
	sum := sha256.Sum256([]byte(draft))
	pre := hex.EncodeToString(sum[:])
	statementID := "stmt-" + pre[:24]

	// 第二遍：填入自引用字段。
	final := strings.Replace(body, idMark, statementID, 1)
	final = strings.Replace(final, digestMark, pre, 1)

	if err := r.guard.Check(final); err != nil {
		return Rendered{}, err
	}

	textSum := sha256.Sum256([]byte(final))
	return Rendered{
		StatementID:       statementID,
		PreManifestSHA256: pre,
		Text:              []byte(final),
		TextSHA256:        hex.EncodeToString(textSum[:]),
		Items:             items,
	}, nil
}

func renderBody(in Input, items []model.EvidenceItem) string {
	var b strings.Builder
	line := func(format string, args ...any) {
		fmt.Fprintf(&b, format, args...)
		b.WriteByte('\n')
	}

	line("INTEGRITY STATEMENT")
	line("===================")
	line("")
	line("%s%s", idLinePrefix, idMark)
	line("Format: %s", Format)
	line("Case: %s", clean(in.CaseID))
	if t := clean(in.CaseTitle); t != "" {
		line("Case Title: %s", t)
	}
	line("Generated At: %s", formatTime(in.GeneratedAt))
	line("Hash Algorithm: SHA-256")
	line("Exhibit Count: %d", len(items))
	line("")
	line("SCOPE")
	line("-----")
	line("This statement records, for each exhibit listed below, the SHA-256 digest")
	line("computed when the file was ingested into the evidence vault. A matching")
	line("digest shows that the exhibit bytes are identical to the bytes ingested.")
	line("This statement makes no assertion about the origin or meaning of any exhibit.")
	line("")
	line("EXHIBITS")
	line("--------")
	for i, it := range items {
		line("%s", ExhibitLabel(i))
		line("  Evidence ID: %s", clean(it.ID))
		line("  File Name: %s", clean(it.OriginalName))
		line("  SHA-256: %s", it.SHA256)
		line("  Size: %d bytes (%s)", it.SizeBytes, humanize.Bytes(uint64(it.SizeBytes)))
		line("  Media Type: %s", clean(it.MIMEType))
		line("  Ingested At: %s", formatTime(it.IngestedAt))
		if it.IsDerivative() {
			line("  Derived From: %s (SHA-256 %s)", clean(it.DerivedFrom), it.ParentSHA256)
			if n := clean(it.DerivationNote); n != "" {
				line("  Derivation Note: %s", n)
			}
		}
	}
	if r := clean(in.Remarks); r != "" {
		line("")
		line("REMARKS")
		line("-------")
		line("  %s", r)
	}
	line("")
	line("VERIFICATION")
	line("------------")
	line("1. Recompute the SHA-256 of each exhibit file and compare it with the value above.")
	line("2. To check this statement itself, replace the Statement ID value with %s", idPlaceholder)
	line("   and the Pre-Manifest SHA-256 value with 64 underscore characters, then compute")
	line("   the SHA-256 of the whole text. It must equal the Pre-Manifest SHA-256 value.")
	line("")
	line("%s%s", digestLinePrefix, digestMark)
	return b.String()
}

// VerifySelfHash 从声明正文中取出自引用字段，恢复占位符后重算 pre-manifest 摘要。
// 返回正文中嵌入的摘要；ok 表示摘要与 Statement ID 都与重算结果一致。
func VerifySelfHash(text []byte) (preManifest string, ok bool, err error) {
	lines := strings.Split(string(text), "\n")
	idIdx, digestIdx := -1, -1
	for i, l := range lines {
		switch {
		case strings.HasPrefix(l, idLinePrefix):
			if idIdx >= 0 {
				return "", false, errors.New("statement has more than one Statement ID line")
			}
			idIdx = i
		case strings.HasPrefix(l, digestLinePrefix):
			if digestIdx >= 0 {
				return "", false, errors.New("statement has more than one Pre-Manifest line")
			}
			digestIdx = i
		}
	}
	if idIdx < 0 || digestIdx < 0 {
		return "", false, errors.New("statement is missing its self-reference lines")
	}

	embeddedID := strings.TrimPrefix(lines[idIdx], idLinePrefix)
	embedded := strings.TrimPrefix(lines[digestIdx], digestLinePrefix)
	lines[idIdx] = idLinePrefix + idPlaceholder
	lines[digestIdx] = digestLinePrefix + digestPlaceholder

	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	recomputed := hex.EncodeToString(sum[:])
	ok = recomputed == embedded && embeddedID == "stmt-"+recomputed[:24]
	return embedded, ok, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// clean 把控制字符替换为 '?'，保证每个字段只占一行。
func clean(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return '?'
		}
		return r
	}, strings.TrimSpace(s))
}
