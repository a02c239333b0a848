// Package signing produces and checks bundle signatures.
//
// A bundle's identity and signature are both derived from the same
// canonical bytes (see Canonical), so any change to a signed field
// breaks both.
package signing

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"tangled.org/solarpunk.net/dtnbundle/dtn"
)

// Sign signs canonical content with a raw private key
func Sign(content []byte, private ed25519.PrivateKey) ([]byte, error) {
	if len(private) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key has %d bytes, want %d", len(private), ed25519.PrivateKeySize)
	}
	return ed25519.Sign(private, content), nil
}

// Verify reports whether b carries a valid signature by its author over
// its own content, and whether its id matches that content. It fails
// closed: malformed input of any kind returns false.
func Verify(b *dtn.Bundle) bool {
	return checkSignature(b) == nil
}

// Check validates b's structure and signature. Errors wrap
// dtn.ErrInvalidBundle or dtn.ErrInvalidSignature.
func Check(b *dtn.Bundle) error {
	if b == nil {
		return fmt.Errorf("%w: nil bundle", dtn.ErrInvalidBundle)
	}
	if err := b.Validate(); err != nil {
		return err
	}
	return checkSignature(b)
}

func checkSignature(b *dtn.Bundle) (err error) {
	defer func() {
		if recover() != nil {
			err = fmt.Errorf("%w: malformed bundle", dtn.ErrInvalidSignature)
		}
	}()

	if b == nil {
		return fmt.Errorf("%w: nil bundle", dtn.ErrInvalidSignature)
	}
	if len(b.AuthorPublicKey) != ed25519.PublicKeySize || len(b.Signature) != ed25519.SignatureSize {
		return fmt.Errorf("%w: bad key or signature length", dtn.ErrInvalidSignature)
	}

	canonical, err := Canonical(b)
	if err != nil {
		return fmt.Errorf("%w: %w", dtn.ErrInvalidSignature, err)
	}
	if ContentID(canonical) != b.BundleID {
		return fmt.Errorf("%w: id does not match content", dtn.ErrInvalidSignature)
	}
	if !ed25519.Verify(ed25519.PublicKey(b.AuthorPublicKey), canonical, b.Signature) {
		return dtn.ErrInvalidSignature
	}
	return nil
}

// Seal fills in the author key, bundle id, signature and size of b
// using signer. Timestamps are truncated to milliseconds first so the
// signed form survives a JSON round trip.
func Seal(b *dtn.Bundle, signer Signer) error {
	b.CreatedAt = dtn.MillisUTC(b.CreatedAt)
	b.ExpiresAt = dtn.MillisUTC(b.ExpiresAt)
	b.AuthorPublicKey = append([]byte(nil), signer.PublicKey()...)

	canonical, err := Canonical(b)
	if err != nil {
		return err
	}

	sig, err := signer.Sign(canonical)
	if err != nil {
		return fmt.Errorf("signing bundle: %w", err)
	}
	b.Signature = sig
	b.BundleID = ContentID(canonical)

	size, err := b.WireSize()
	if err != nil {
		return fmt.Errorf("measuring bundle: %w", err)
	}
	b.SizeBytes = size
	return nil
}

// NewBundle builds and seals an authored bundle from content. A zero
// HopLimit or TTL in content is replaced by the given defaults.
func NewBundle(content dtn.Content, signer Signer, now time.Time, defaultHopLimit uint32, defaultTTL time.Duration) (*dtn.Bundle, error) {
	ttl := content.TTL
	if ttl == 0 {
		ttl = defaultTTL
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("%w: ttl must be positive", dtn.ErrInvalidBundle)
	}

	hopLimit := content.HopLimit
	if hopLimit == 0 {
		hopLimit = defaultHopLimit
	}

	if !content.Priority.Valid() || !content.Audience.Valid() || !content.ReceiptPolicy.Valid() {
		return nil, fmt.Errorf("%w: unknown priority, audience or receipt policy", dtn.ErrInvalidBundle)
	}

	b := &dtn.Bundle{
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
		Priority:      content.Priority,
		Audience:      content.Audience,
		Topic:         content.Topic,
		Tags:          append([]string(nil), content.Tags...),
		PayloadType:   content.PayloadType,
		Payload:       append([]byte(nil), content.Payload...),
		HopLimit:      hopLimit,
		ReceiptPolicy: content.ReceiptPolicy,
	}

	if err := Seal(b, signer); err != nil {
		return nil, err
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return b, nil
}
