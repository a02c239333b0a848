package signing

import (
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
	"tangled.org/solarpunk.net/dtnbundle/dtn"
)

// encMode uses RFC 8949 Core Deterministic Encoding: the same content
// always produces the same bytes on every node.
var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("signing: CBOR encoder initialization failed: " + err.Error())
	}
}

// signedContent is the exact set of fields covered by a bundle signature.
// Integer keys keep the encoding compact; field numbers must never be
// reused.
type signedContent struct {
	CreatedAt       int64    `cbor:"1,keyasint"`
	ExpiresAt       int64    `cbor:"2,keyasint"`
	Priority        int      `cbor:"3,keyasint"`
	Audience        int      `cbor:"4,keyasint"`
	Topic           string   `cbor:"5,keyasint"`
	Tags            []string `cbor:"6,keyasint"`
	PayloadType     string   `cbor:"7,keyasint"`
	Payload         []byte   `cbor:"8,keyasint"`
	HopLimit        uint32   `cbor:"9,keyasint"`
	ReceiptPolicy   int      `cbor:"10,keyasint"`
	AuthorPublicKey []byte   `cbor:"11,keyasint"`
}

// Canonical returns the deterministic serialization of every signed
// field of b. Transport metadata (bundle id, hop count, size, signature)
// is excluded.
func Canonical(b *dtn.Bundle) ([]byte, error) {
	content := signedContent{
		CreatedAt:       b.CreatedAt.UnixMilli(),
		ExpiresAt:       b.ExpiresAt.UnixMilli(),
		Priority:        int(b.Priority),
		Audience:        int(b.Audience),
		Topic:           b.Topic,
		Tags:            b.Tags,
		PayloadType:     b.PayloadType,
		Payload:         b.Payload,
		HopLimit:        b.HopLimit,
		ReceiptPolicy:   int(b.ReceiptPolicy),
		AuthorPublicKey: b.AuthorPublicKey,
	}

	// nil and empty must encode identically after a JSON round trip
	if content.Tags == nil {
		content.Tags = []string{}
	}
	if content.Payload == nil {
		content.Payload = []byte{}
	}
	if content.AuthorPublicKey == nil {
		content.AuthorPublicKey = []byte{}
	}

	data, err := encMode.Marshal(&content)
	if err != nil {
		return nil, fmt.Errorf("encoding canonical form: %w", err)
	}
	return data, nil
}

// ContentID returns the content address of canonical bytes
func ContentID(canonical []byte) string {
	sum := blake3.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// ComputeID returns the bundle id b should carry
func ComputeID(b *dtn.Bundle) (string, error) {
	data, err := Canonical(b)
	if err != nil {
		return "", err
	}
	return ContentID(data), nil
}

// quarantineDomain separates quarantine keys from content ids
const quarantineDomain = "dtnbundle quarantine v1\x00"

// QuarantineKey returns the store key for a copy of b that failed
// verification. It hashes the content together with the signature and
// the claimed id under its own domain, so it never equals the id of a
// genuine bundle and distinct bad copies get distinct keys.
func QuarantineKey(b *dtn.Bundle) (string, error) {
	canonical, err := Canonical(b)
	if err != nil {
		return "", err
	}
	h := blake3.New()
	h.Write([]byte(quarantineDomain))
	h.Write(canonical)
	h.Write(b.Signature)
	h.Write([]byte(b.BundleID))
	return hex.EncodeToString(h.Sum(nil)), nil
}
