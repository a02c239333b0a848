package signing

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Signer produces Ed25519 signatures for the local node. A hardware
// module can satisfy it as well as an in-memory key.
type Signer interface {
	PublicKey() ed25519.PublicKey
	Sign(message []byte) ([]byte, error)
	Fingerprint() string
}

// KeySigner signs with a private key held in memory
type KeySigner struct {
	private ed25519.PrivateKey
	public  ed25519.PublicKey
}

// NewKeySigner wraps an Ed25519 private key
func NewKeySigner(private ed25519.PrivateKey) (*KeySigner, error) {
	if len(private) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key has %d bytes, want %d", len(private), ed25519.PrivateKeySize)
	}
	return &KeySigner{
		private: private,
		public:  private.Public().(ed25519.PublicKey),
	}, nil
}

func (s *KeySigner) PublicKey() ed25519.PublicKey {
	return s.public
}

func (s *KeySigner) Sign(message []byte) ([]byte, error) {
	return ed25519.Sign(s.private, message), nil
}

func (s *KeySigner) Fingerprint() string {
	return Fingerprint(s.public)
}

// Fingerprint is the node's short public identity: the first 16 hex
// characters of BLAKE3(public key).
func Fingerprint(public ed25519.PublicKey) string {
	sum := blake3.Sum256(public)
	return hex.EncodeToString(sum[:])[:16]
}
