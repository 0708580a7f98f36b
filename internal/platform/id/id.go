package id

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// New 生成带前缀的可读 ID：prefix + 毫秒时间戳 + 随机后缀。
// 用于案件、导出包、订阅等“人会在日志里看到”的对象。
func New(prefix string) string {
	buf := make([]byte, 6)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("%s_%d_%s", prefix, time.Now().UnixMilli(), hex.EncodeToString(buf))
}

// UUID 返回随机 UUID（v4），证据 ID 与投递 nonce 使用。
func UUID() string {
	return uuid.NewString()
}

// IsUUID 校验字符串是否为合法 UUID。
func IsUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
