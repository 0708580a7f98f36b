package statement

import (
	"bytes"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/phpdave11/gofpdf"
)

// PDFFontEnv 指定 PDF 使用的 TrueType 字体文件，用于非 ASCII 文件名。
const PDFFontEnv = "EVIDENCE_VAULT_PDF_FONT"

// RenderPDF 把最终正文排版为 PDF。PDF 是派生展示：内容与正文逐行一致，
// 但字节不保证跨版本、跨平台可复现，权威产物始终是正文。
func RenderPDF(r Rendered, generatedAt time.Time) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(14, 14, 14)
	pdf.SetAutoPageBreak(true, 14)
	pdf.SetTitle("Integrity Statement "+r.StatementID, false)
	pdf.SetSubject("SHA-256 "+r.TextSHA256, false)
	pdf.SetCreator("evidence-vault", false)
	// 固定元数据，尽量让同一份正文在同一构建下得到相同的 PDF。
	pdf.SetCreationDate(generatedAt.UTC())
	pdf.SetModificationDate(generatedAt.UTC())
	pdf.SetCatalogSort(true)
	pdf.SetCompression(true)

	fontFamily, utf8OK := initPDFUnicodeFont(pdf)
	pdf.SetFooterFunc(func() {
		pdf.SetY(-10)
		pdf.SetFont(fontFamily, "", 7)
		pdf.SetTextColor(120, 120, 120)
		pdf.CellFormat(0, 4, fmt.Sprintf("%s  |  text sha256 %s  |  page %d", r.StatementID, r.TextSHA256, pdf.PageNo()), "", 0, "C", false, 0, "")
	})
	pdf.AddPage()

	lines := strings.Split(strings.TrimRight(string(r.Text), "\n"), "\n")
	for i, line := range lines {
		switch {
		case i == 0:
			pdf.SetFont(fontFamily, "B", 14)
			pdf.SetTextColor(20, 20, 20)
			pdf.CellFormat(0, 8, safeText(line, utf8OK), "", 1, "L", false, 0, "")
		case isRule(line):
			// 标题下划线改为细线。
			y := pdf.GetY()
			pdf.SetDrawColor(160, 160, 160)
			pdf.Line(14, y, 196, y)
			pdf.Ln(1)
		case line == "":
			pdf.Ln(2.5)
		case isHeading(line):
			pdf.SetFont(fontFamily, "B", 10)
			pdf.SetTextColor(20, 20, 20)
			pdf.CellFormat(0, 6, safeText(line, utf8OK), "", 1, "L", false, 0, "")
		default:
			pdf.SetFont(fontFamily, "", 8.5)
			pdf.SetTextColor(30, 30, 30)
			pdf.MultiCell(0, 4.2, safeText(line, utf8OK), "", "L", false)
		}
	}

	if pdf.Err() {
		return nil, fmt.Errorf("render statement pdf: %w", pdf.Error())
	}
	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("write statement pdf: %w", err)
	}
	return buf.Bytes(), nil
}

func isRule(line string) bool {
	return len(line) >= 3 && strings.Trim(line, "-=") == ""
}

func isHeading(line string) bool {
	return line != "" && line == strings.ToUpper(line) && !strings.ContainsAny(line, ":0123456789")
}

// safeText 在未加载 UTF-8 字体时把非 ASCII 字符替换为 '?'，避免核心字体输出乱码。
func safeText(s string, utf8OK bool) string {
	if utf8OK {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= 32 && r <= 126 {
			b.WriteRune(r)
		} else {
			b.WriteRune('?')
		}
	}
	return b.String()
}

// initPDFUnicodeFont 尝试加载 UTF-8 字体（TrueType），以支持中文等非 ASCII 文件名。
//
// 规则：
// 1) 如果设置了环境变量 EVIDENCE_VAULT_PDF_FONT，优先使用该文件路径。
// 2) 否则按常见系统字体路径探测（macOS/Windows/Linux）。
// 3) 加载失败则回退到核心字体（Courier），并通过 safeText() 兜底替换非 ASCII 字符。
func initPDFUnicodeFont(pdf *gofpdf.Fpdf) (family string, utf8OK bool) {
	const familyName = "unicode"
	candidates := []string{}

	if v := strings.TrimSpace(os.Getenv(PDFFontEnv)); v != "" {
		candidates = append(candidates, v)
	}

	switch runtime.GOOS {
	case "darwin":
		candidates = append(candidates,
			"/System/Library/Fonts/Supplemental/Arial Unicode.ttf",
			"/System/Library/Fonts/Supplemental/Courier New.ttf",
		)
	case "windows":
		candidates = append(candidates,
			`C:\Windows\Fonts\arialuni.ttf`,
			`C:\Windows\Fonts\cour.ttf`,
		)
	default:
		candidates = append(candidates,
			"/usr/share/fonts/truetype/dejavu/DejaVuSansMono.ttf",
			"/usr/share/fonts/truetype/dejavu/DejaVuSans.ttf",
		)
	}

	for _, p := range candidates {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		pdf.AddUTF8Font(familyName, "", p)
		if pdf.Err() {
			pdf.ClearError()
			continue
		}
		// 即使只有一个字体文件，这里也注册 B 样式，避免 SetFont(...,"B",...) 报错。
		pdf.AddUTF8Font(familyName, "B", p)
		if pdf.Err() {
			pdf.ClearError()
		}
		return familyName, true
	}

	return "Courier", false
}
