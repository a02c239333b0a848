package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"

	"tangled.org/solarpunk.net/dtnbundle/internal/types"
)

// GenerateKeypair creates a new node keypair
func GenerateKeypair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generating Ed25519 keypair: %w", err)
	}
	return public, private, nil
}

// SaveKeypair writes the keypair into dir (private 0600, public 0644)
func SaveKeypair(dir string, public ed25519.PublicKey, private ed25519.PrivateKey) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating key directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, types.KEY_FILE), private, 0600); err != nil {
		return fmt.Errorf("writing private key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, types.PUBKEY_FILE), public, 0644); err != nil {
		return fmt.Errorf("writing public key: %w", err)
	}
	return nil
}

// LoadKeypair reads the keypair from dir and checks that both halves
// have the expected size and belong together.
func LoadKeypair(dir string) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	privateBytes, err := os.ReadFile(filepath.Join(dir, types.KEY_FILE))
	if err != nil {
		return nil, nil, fmt.Errorf("reading private key: %w", err)
	}
	if len(privateBytes) != ed25519.PrivateKeySize {
		return nil, nil, fmt.Errorf("private key has %d bytes, want %d", len(privateBytes), ed25519.PrivateKeySize)
	}

	publicBytes, err := os.ReadFile(filepath.Join(dir, types.PUBKEY_FILE))
	if err != nil {
		return nil, nil, fmt.Errorf("reading public key: %w", err)
	}
	if len(publicBytes) != ed25519.PublicKeySize {
		return nil, nil, fmt.Errorf("public key has %d bytes, want %d", len(publicBytes), ed25519.PublicKeySize)
	}

	private := ed25519.PrivateKey(privateBytes)
	public := ed25519.PublicKey(publicBytes)
	if !public.Equal(private.Public()) {
		return nil, nil, fmt.Errorf("public key does not match private key")
	}
	return public, private, nil
}

// LoadOrGenerateKeypair loads the node keypair from dir, generating and
// persisting one on first start. A private key file that exists but
// cannot be loaded is an error, never silently replaced.
func LoadOrGenerateKeypair(dir string) (ed25519.PublicKey, ed25519.PrivateKey, bool, error) {
	public, private, err := LoadKeypair(dir)
	if err == nil {
		return public, private, false, nil
	}

	if _, statErr := os.Stat(filepath.Join(dir, types.KEY_FILE)); statErr == nil {
		return nil, nil, false, err
	}

	public, private, err = GenerateKeypair()
	if err != nil {
		return nil, nil, false, err
	}
	if err := SaveKeypair(dir, public, private); err != nil {
		return nil, nil, false, err
	}
	return public, private, true, nil
}

// LoadOrGenerateSigner is LoadOrGenerateKeypair wrapped in a KeySigner
func LoadOrGenerateSigner(dir string) (*KeySigner, bool, error) {
	_, private, generated, err := LoadOrGenerateKeypair(dir)
	if err != nil {
		return nil, false, err
	}
	s, err := NewKeySigner(private)
	if err != nil {
		return nil, false, err
	}
	return s, generated, nil
}
