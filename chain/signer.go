package chain

import (
	"crypto/ed25519"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/base58"
)

const ed25519Prefix = "ed25519:"

// Signer Ed25519 签名器，进程启动时从配置加载一次。
// Sign 是纯 CPU 操作，调用方可以在热路径同步使用。
type Signer struct {
	priv      ed25519.PrivateKey
	pubString string
}

// NewSigner parses a NEAR-style "ed25519:<base58>" private key. The base58
// payload is the 64-byte expanded key (seed ‖ public key).
func NewSigner(encoded string) (*Signer, error) {
	if !strings.HasPrefix(encoded, ed25519Prefix) {
		return nil, fmt.Errorf("private key must start with %q", ed25519Prefix)
	}
	raw := base58.Decode(strings.TrimPrefix(encoded, ed25519Prefix))
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key must decode to %d bytes, got %d", ed25519.PrivateKeySize, len(raw))
	}
	priv := ed25519.PrivateKey(raw)
	pub := priv.Public().(ed25519.PublicKey)
	return &Signer{
		priv:      priv,
		pubString: ed25519Prefix + base58.Encode(pub),
	}, nil
}

// Sign signs a 32-byte digest and returns the 64-byte signature.
func (s *Signer) Sign(digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, fmt.Errorf("digest must be 32 bytes, got %d", len(digest))
	}
	return ed25519.Sign(s.priv, digest), nil
}

// PublicKeyString returns the pre-encoded "ed25519:<base58>" public key.
func (s *Signer) PublicKeyString() string {
	return s.pubString
}

// Verify reports whether sig is a valid signature of digest under this key.
func (s *Signer) Verify(digest, sig []byte) bool {
	return ed25519.Verify(s.priv.Public().(ed25519.PublicKey), digest, sig)
}
