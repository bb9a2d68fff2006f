package intents

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/btcsuite/btcutil/base58"
)

// Signer 是签名端的窄接口，由 chain.Client 实现。
type Signer interface {
	Sign(digest []byte) ([]byte, error)
	PublicKeyString() string
}

const (
	standardNep413 = "nep413"
	wirePrefix     = "nep141:"
)

var wirePrefixRe = regexp.MustCompile(`^nep\d+:`)

// StripWirePrefix removes a leading nepNNN: tag from a wire token id.
func StripWirePrefix(id string) string {
	return wirePrefixRe.ReplaceAllString(id, "")
}

// AddWirePrefix re-adds the wire tag for the signed intent.
func AddWirePrefix(id string) string {
	if wirePrefixRe.MatchString(id) {
		return id
	}
	return wirePrefix + id
}

// NewNonce returns 32 cryptographically random bytes.
func NewNonce() ([32]byte, error) {
	var n [32]byte
	if _, err := rand.Read(n[:]); err != nil {
		return n, fmt.Errorf("generate nonce: %w", err)
	}
	return n, nil
}

// NonceB64 is the display/wire form of a nonce.
func NonceB64(n [32]byte) string {
	return base64.StdEncoding.EncodeToString(n[:])
}

// intentMessage 是 message 字段内承载的 JSON 结构。
type intentMessage struct {
	SignerID string       `json:"signer_id"`
	Deadline string       `json:"deadline"`
	Intents  []tokenDiff  `json:"intents"`
}

type tokenDiff struct {
	Intent string            `json:"intent"`
	Diff   map[string]string `json:"diff"`
}

// TokenDelta 描述一腿的变化量，base unit 整数串，不带符号。
type TokenDelta struct {
	TokenID string // bare id, prefix added here
	Amount  string
}

// BuildMessage 构造 token_diff intent：收到的腿为正、付出的腿为负。
func BuildMessage(signerID string, deadline time.Time, receive, send TokenDelta) (string, error) {
	if receive.Amount == "" || send.Amount == "" {
		return "", fmt.Errorf("both legs must carry an amount")
	}
	msg := intentMessage{
		SignerID: signerID,
		Deadline: deadline.UTC().Format(time.RFC3339),
		Intents: []tokenDiff{{
			Intent: "token_diff",
			Diff: map[string]string{
				AddWirePrefix(receive.TokenID): receive.Amount,
				AddWirePrefix(send.TokenID):    "-" + send.Amount,
			},
		}},
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal intent message: %w", err)
	}
	return string(raw), nil
}

// SignedData 是随 quote_response 发布的签名结构。
type SignedData struct {
	Standard  string  `json:"standard"`
	Payload   Payload `json:"payload"`
	Signature string  `json:"signature"`
	PublicKey string  `json:"public_key"`
}

type Payload struct {
	Message   string `json:"message"`
	Nonce     string `json:"nonce"`
	Recipient string `json:"recipient"`
}

// SignQuote 计算 NEP-413 摘要并签名，返回签名数据与 quote hash。
// quote hash 是 sha256(digest || signature) 的 hex 形式，与结算通知按
// 同一规则寻址。
func SignQuote(signer Signer, message, recipient string, nonce [32]byte) (SignedData, string, error) {
	digest := Digest(Nep413Payload{
		Message:   message,
		Nonce:     nonce,
		Recipient: recipient,
	})
	sig, err := signer.Sign(digest[:])
	if err != nil {
		return SignedData{}, "", fmt.Errorf("sign quote: %w", err)
	}
	signed := SignedData{
		Standard: standardNep413,
		Payload: Payload{
			Message:   message,
			Nonce:     NonceB64(nonce),
			Recipient: recipient,
		},
		Signature: "ed25519:" + base58.Encode(sig),
		PublicKey: signer.PublicKeyString(),
	}
	return signed, QuoteHash(digest, sig), nil
}

// QuoteHash derives the deterministic settlement-addressing hash.
func QuoteHash(digest [32]byte, sig []byte) string {
	h := sha256.New()
	h.Write(digest[:])
	h.Write(sig)
	return hex.EncodeToString(h.Sum(nil))
}
