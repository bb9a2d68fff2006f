package intents

import (
	"crypto/sha256"
	"encoding/binary"
)

// NEP-413 域分隔前缀：2^31 + 413，小端序。
// 摘要 = sha256(prefix || borsh(payload))。
const nep413SignPrefix uint32 = 1<<31 + 413

// Nep413Payload 是进入签名摘要的规范化载荷。
type Nep413Payload struct {
	Message   string
	Nonce     [32]byte
	Recipient string
	// CallbackURL 在报价路径恒为空，仍按 Option<string> 参与序列化。
	CallbackURL *string
}

// Digest computes the 32-byte NEP-413 signing digest for the payload.
func Digest(p Nep413Payload) [32]byte {
	h := sha256.New()

	var prefix [4]byte
	binary.LittleEndian.PutUint32(prefix[:], nep413SignPrefix)
	h.Write(prefix[:])

	h.Write(borshString(p.Message))
	h.Write(p.Nonce[:])
	h.Write(borshString(p.Recipient))
	if p.CallbackURL != nil {
		h.Write([]byte{1})
		h.Write(borshString(*p.CallbackURL))
	} else {
		h.Write([]byte{0})
	}

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// borshString 序列化为 u32 小端长度 + 原始字节。
func borshString(s string) []byte {
	out := make([]byte, 4+len(s))
	binary.LittleEndian.PutUint32(out[:4], uint32(len(s)))
	copy(out[4:], s)
	return out
}
