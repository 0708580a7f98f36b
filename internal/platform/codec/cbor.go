// Package codec 提供确定性的 CBOR 编码，用于审计记录链式 hash 的输入。
//
// 使用 RFC 8949 §4.2 Core Deterministic Encoding：map key 排序、最短整数编码、
// 不使用不定长结构。同一份逻辑数据永远得到同样的字节，这样链式 hash 才能被复算。
package codec

import (
	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}
}

// Marshal 以确定性 CBOR 编码 v。
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal 解码 CBOR。
func Unmarshal(data []byte, v any) error {
	return cbor.Unmarshal(data, v)
}
