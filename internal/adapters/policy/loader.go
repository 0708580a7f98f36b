package policy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// StatementPolicy 是完整性声明的措辞策略文件（YAML）。
//
//	version: 1
//	forbidden_terms:
//	  - beyond reasonable doubt
//	  - tampered by
//
// 文件只能在内置禁用词表之上追加，不能删减。
type StatementPolicy struct {
	Version        int      `yaml:"version"`
	ForbiddenTerms []string `yaml:"forbidden_terms"`
}

// Loaded 是加载后的策略及其文件哈希，用于留痕与版本确认。
type Loaded struct {
	Policy StatementPolicy
	Path   string
	SHA256 string
}

// Loader 负责从磁盘读取并校验策略文件。
type Loader struct {
	File string
}

func NewLoader(file string) *Loader {
	return &Loader{File: file}
}

// Load 读取并校验策略文件；File 为空时返回空策略。
func (l *Loader) Load(ctx context.Context) (*Loaded, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(l.File) == "" {
		return &Loaded{Policy: StatementPolicy{Version: 1}}, nil
	}

	raw, err := os.ReadFile(l.File)
	if err != nil {
		return nil, fmt.Errorf("read statement policy: %w", err)
	}

	var p StatementPolicy
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("parse statement policy: %w", err)
	}
	if err := validate(&p); err != nil {
		return nil, err
	}

	sum := sha256.Sum256(raw)
	return &Loaded{Policy: p, Path: l.File, SHA256: hex.EncodeToString(sum[:])}, nil
}

func validate(p *StatementPolicy) error {
	if p.Version != 1 {
		return fmt.Errorf("statement policy version must be 1, got %d", p.Version)
	}
	seen := map[string]bool{}
	out := p.ForbiddenTerms[:0]
	for i, term := range p.ForbiddenTerms {
		t := strings.ToLower(strings.Join(strings.Fields(term), " "))
		if t == "" {
			return fmt.Errorf("forbidden_terms[%d] is empty", i)
		}
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	p.ForbiddenTerms = out
	if len(p.ForbiddenTerms) == 0 {
		return errors.New("statement policy has no forbidden_terms")
	}
	return nil
}
