package auditstream

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"

	"evidence-vault/internal/domain/model"
	"evidence-vault/internal/platform/codec"
)

// chainCore 是参与链式 hash 的字段集合（不含 prev_hash / record_hash 本身）。
// 使用 CBOR Core Deterministic 编码，字段顺序与 Go 结构体布局无关。
type chainCore struct {
	Seq         int64  `cbor:"seq"`
	Actor       string `cbor:"actor"`
	Action      string `cbor:"action"`
	SubjectID   string `cbor:"subject_id"`
	ObjectID    string `cbor:"object_id"`
	OccurredAt  int64  `cbor:"occurred_at"`
	PayloadHash string `cbor:"payload_hash"`
	Detail      []byte `cbor:"detail"`
}

// ComputeHash 计算 record_hash = SHA-256(prev_hash ‖ CBOR(core))。
func ComputeHash(prevHash string, r model.AuditRecord) (string, error) {
	enc, err := codec.Marshal(chainCore{
		Seq:         r.Seq,
		Actor:       r.Actor,
		Action:      string(r.Action),
		SubjectID:   r.SubjectID,
		ObjectID:    r.ObjectID,
		OccurredAt:  r.OccurredAt.UnixNano(),
		PayloadHash: r.PayloadHash,
		Detail:      r.Detail,
	})
	if err != nil {
		return "", fmt.Errorf("encode audit core: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(enc)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// EncodeLine 返回记录在 manifest 中的一行（含结尾换行）。
// 从数据库重放出的记录用同一函数编码，两端逐字节一致。
func EncodeLine(r model.AuditRecord) ([]byte, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode audit line: %w", err)
	}
	return append(raw, '\n'), nil
}

// Detail 把任意值编码为审计 detail；编码失败时返回 nil。
func Detail(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}

var subjectPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidSubject 判断 subject 是否可以安全地作为 manifest 文件名。
func ValidSubject(s string) bool {
	return subjectPattern.MatchString(s)
}
