package statement

import (
	"regexp"
	"slices"
	"strings"

	"evidence-vault/internal/domain/model"
)

// builtinForbidden 是内置的结论性措辞表。声明只陈述摘要事实，不得出现任何法律结论。
var builtinForbidden = []string{
	"guilt",
	"guilty",
	"innocent",
	"innocence",
	"liable",
	"liability",
	"negligent",
	"negligence",
	"culpable",
	"culpability",
	"credible",
	"credibility",
	"not credible",
	"fraudulent",
	"perjury",
	"perjured",
	"convicted",
	"acquitted",
	"at fault",
	"proves that",
	"proven guilty",
}

// Guard 按整词、大小写不敏感匹配禁用词。
type Guard struct {
	terms []string
	re    *regexp.Regexp
}

// NewGuard 以内置词表为基础，追加 extra。extra 只能扩充，不能删减。
func NewGuard(extra ...string) *Guard {
	seen := map[string]bool{}
	var terms []string
	for _, t := range append(slices.Clone(builtinForbidden), extra...) {
		t = strings.ToLower(strings.Join(strings.Fields(t), " "))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		terms = append(terms, t)
	}
	// 长词优先，避免 "guilt" 抢先匹配 "guilty" 的前缀。
	slices.SortFunc(terms, func(a, b string) int {
		if len(a) != len(b) {
			return len(b) - len(a)
		}
		return strings.Compare(a, b)
	})

	parts := make([]string, len(terms))
	for i, t := range terms {
		parts[i] = strings.ReplaceAll(regexp.QuoteMeta(t), " ", `\s+`)
	}
	re := regexp.MustCompile(`(?i)\b(?:` + strings.Join(parts, "|") + `)\b`)
	return &Guard{terms: terms, re: re}
}

// Terms 返回生效的词表（排序后）。
func (g *Guard) Terms() []string {
	out := slices.Clone(g.terms)
	slices.Sort(out)
	return out
}

// Check 命中任何禁用词时返回 *model.PolicyViolationError（列出去重后的命中词）。
func (g *Guard) Check(text string) error {
	matches := g.re.FindAllString(text, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := map[string]bool{}
	var hits []string
	for _, m := range matches {
		m = strings.ToLower(strings.Join(strings.Fields(m), " "))
		if !seen[m] {
			seen[m] = true
			hits = append(hits, m)
		}
	}
	slices.Sort(hits)
	return &model.PolicyViolationError{Terms: hits}
}
