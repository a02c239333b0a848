package signing_test

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"tangled.org/solarpunk.net/dtnbundle/dtn"
	"tangled.org/solarpunk.net/dtnbundle/internal/signing"
	"tangled.org/solarpunk.net/dtnbundle/internal/types"
)

var now = time.Date(2026, 5, 4, 10, 30, 0, 123456789, time.UTC)

func newSigner(t *testing.T) *signing.KeySigner {
	t.Helper()
	_, private, err := signing.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair failed: %v", err)
	}
	s, err := signing.NewKeySigner(private)
	if err != nil {
		t.Fatalf("NewKeySigner failed: %v", err)
	}
	return s
}

func sampleContent() dtn.Content {
	return dtn.Content{
		Topic:         "mutual-aid",
		Tags:          []string{"food", "offer"},
		PayloadType:   "offer",
		Payload:       []byte(`{"item":"tomatoes","qty":4}`),
		Priority:      dtn.PriorityNormal,
		Audience:      dtn.AudienceLocal,
		ReceiptPolicy: dtn.ReceiptRequested,
		TTL:           time.Hour,
	}
}

// ====================================================================================
// SIGNATURE ROUND-TRIP TESTS
// ====================================================================================

func TestSignVerifyRoundTrip(t *testing.T) {
	signer := newSigner(t)

	b, err := signing.NewBundle(sampleContent(), signer, now, 8, 24*time.Hour)
	if err != nil {
		t.Fatalf("NewBundle failed: %v", err)
	}

	if !signing.Verify(b) {
		t.Fatal("freshly sealed bundle failed verification")
	}
	if len(b.BundleID) != 64 {
		t.Errorf("BundleID length = %d, want 64 hex chars", len(b.BundleID))
	}
	if b.HopLimit != 8 {
		t.Errorf("HopLimit = %d, want default 8", b.HopLimit)
	}
	if !b.ExpiresAt.Equal(dtn.MillisUTC(now.Add(time.Hour))) {
		t.Errorf("ExpiresAt = %v", b.ExpiresAt)
	}
	if b.SizeBytes <= 0 {
		t.Errorf("SizeBytes = %d, want positive", b.SizeBytes)
	}

	t.Run("SurvivesJSON", func(t *testing.T) {
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("Marshal failed: %v", err)
		}
		var back dtn.Bundle
		if err := json.Unmarshal(data, &back); err != nil {
			t.Fatalf("Unmarshal failed: %v", err)
		}
		if !signing.Verify(&back) {
			t.Error("bundle failed verification after JSON round trip")
		}
		size, _ := back.WireSize()
		if size != b.SizeBytes {
			t.Errorf("recomputed size %d, want %d", size, b.SizeBytes)
		}
	})

	t.Run("TransportMetadataUnsigned", func(t *testing.T) {
		c := b.Clone()
		c.HopCount = 5
		c.SizeBytes = 1
		if !signing.Verify(c) {
			t.Error("changing hop count or size must not break the signature")
		}
	})

	t.Run("RawSign", func(t *testing.T) {
		_, private, _ := signing.GenerateKeypair()
		sig, err := signing.Sign([]byte("content"), private)
		if err != nil {
			t.Fatalf("Sign failed: %v", err)
		}
		if !ed25519.Verify(private.Public().(ed25519.PublicKey), []byte("content"), sig) {
			t.Error("raw signature did not verify")
		}
		if _, err := signing.Sign([]byte("x"), private[:10]); err == nil {
			t.Error("expected error for short private key")
		}
	})
}

func TestTamperDetection(t *testing.T) {
	signer := newSigner(t)
	other := newSigner(t)

	base, err := signing.NewBundle(sampleContent(), signer, now, 8, time.Hour)
	if err != nil {
		t.Fatalf("NewBundle failed: %v", err)
	}

	mutations := map[string]func(b *dtn.Bundle){
		"Payload":       func(b *dtn.Bundle) { b.Payload[0] ^= 0xff },
		"Topic":         func(b *dtn.Bundle) { b.Topic = "other" },
		"Tags":          func(b *dtn.Bundle) { b.Tags = append(b.Tags, "extra") },
		"PayloadType":   func(b *dtn.Bundle) { b.PayloadType = "need" },
		"Priority":      func(b *dtn.Bundle) { b.Priority = dtn.PriorityEmergency },
		"Audience":      func(b *dtn.Bundle) { b.Audience = dtn.AudiencePublic },
		"HopLimit":      func(b *dtn.Bundle) { b.HopLimit = 99 },
		"ExpiresAt":     func(b *dtn.Bundle) { b.ExpiresAt = b.ExpiresAt.Add(time.Hour) },
		"CreatedAt":     func(b *dtn.Bundle) { b.CreatedAt = b.CreatedAt.Add(-time.Hour) },
		"ReceiptPolicy": func(b *dtn.Bundle) { b.ReceiptPolicy = dtn.ReceiptRequired },
		"AuthorKey":     func(b *dtn.Bundle) { b.AuthorPublicKey = other.PublicKey() },
		"Signature":     func(b *dtn.Bundle) { b.Signature[0] ^= 0x01 },
		"BundleID":      func(b *dtn.Bundle) { b.BundleID = strings.Repeat("0", 64) },
	}

	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			b := base.Clone()
			mutate(b)
			if signing.Verify(b) {
				t.Errorf("tampered %s still verifies", name)
			}
		})
	}

	t.Run("ReSignedByOther", func(t *testing.T) {
		// content re-sealed by another key is a different, valid bundle
		b := base.Clone()
		if err := signing.Seal(b, other); err != nil {
			t.Fatalf("Seal failed: %v", err)
		}
		if !signing.Verify(b) {
			t.Error("re-sealed bundle should verify")
		}
		if b.BundleID == base.BundleID {
			t.Error("different author must yield a different id")
		}
	})
}

func TestVerifyFailsClosed(t *testing.T) {
	cases := map[string]*dtn.Bundle{
		"Nil":           nil,
		"Empty":         {},
		"ShortKey":      {AuthorPublicKey: []byte{1, 2, 3}, Signature: make([]byte, ed25519.SignatureSize)},
		"ShortSig":      {AuthorPublicKey: make([]byte, ed25519.PublicKeySize), Signature: []byte{1}},
		"ZeroKeyAndSig": {AuthorPublicKey: make([]byte, ed25519.PublicKeySize), Signature: make([]byte, ed25519.SignatureSize)},
	}
	for name, b := range cases {
		t.Run(name, func(t *testing.T) {
			if signing.Verify(b) {
				t.Error("malformed bundle verified")
			}
		})
	}
}

func TestCheckErrors(t *testing.T) {
	signer := newSigner(t)
	b, _ := signing.NewBundle(sampleContent(), signer, now, 8, time.Hour)

	if err := signing.Check(b); err != nil {
		t.Fatalf("Check on a sealed bundle: %v", err)
	}

	t.Run("BadSignature", func(t *testing.T) {
		c := b.Clone()
		c.Signature[0] ^= 0x01
		if err := signing.Check(c); !errors.Is(err, dtn.ErrInvalidSignature) {
			t.Errorf("err = %v, want ErrInvalidSignature", err)
		}
	})

	t.Run("IDMismatch", func(t *testing.T) {
		c := b.Clone()
		c.Topic = "other"
		if err := signing.Check(c); !errors.Is(err, dtn.ErrInvalidSignature) {
			t.Errorf("err = %v, want ErrInvalidSignature", err)
		}
	})

	t.Run("Structural", func(t *testing.T) {
		c := b.Clone()
		c.HopLimit = 0
		if err := signing.Check(c); !errors.Is(err, dtn.ErrInvalidBundle) {
			t.Errorf("err = %v, want ErrInvalidBundle", err)
		}
		if err := signing.Check(nil); !errors.Is(err, dtn.ErrInvalidBundle) {
			t.Errorf("nil: err = %v, want ErrInvalidBundle", err)
		}
	})
}

func TestQuarantineKey(t *testing.T) {
	signer := newSigner(t)
	b, _ := signing.NewBundle(sampleContent(), signer, now, 8, time.Hour)

	key, err := signing.QuarantineKey(b)
	if err != nil {
		t.Fatalf("QuarantineKey failed: %v", err)
	}
	if key == b.BundleID {
		t.Fatal("quarantine key equals the content id")
	}

	bad := b.Clone()
	bad.Signature[0] ^= 0x01
	badKey, _ := signing.QuarantineKey(bad)
	if badKey == key || badKey == b.BundleID {
		t.Error("signature must change the quarantine key")
	}

	again, _ := signing.QuarantineKey(bad.Clone())
	if again != badKey {
		t.Error("quarantine key not deterministic")
	}
}

func TestCanonicalDeterminism(t *testing.T) {
	signer := newSigner(t)
	b, _ := signing.NewBundle(sampleContent(), signer, now, 8, time.Hour)

	first, err := signing.Canonical(b)
	if err != nil {
		t.Fatalf("Canonical failed: %v", err)
	}
	second, _ := signing.Canonical(b.Clone())
	if !bytes.Equal(first, second) {
		t.Error("canonical form not deterministic")
	}

	t.Run("NilEqualsEmpty", func(t *testing.T) {
		c := b.Clone()
		c.Tags = nil
		d := b.Clone()
		d.Tags = []string{}
		cb, _ := signing.Canonical(c)
		db, _ := signing.Canonical(d)
		if !bytes.Equal(cb, db) {
			t.Error("nil and empty tags encode differently")
		}
	})
}

func TestNewBundleRejects(t *testing.T) {
	signer := newSigner(t)

	t.Run("NegativeTTL", func(t *testing.T) {
		c := sampleContent()
		c.TTL = -time.Second
		if _, err := signing.NewBundle(c, signer, now, 8, time.Hour); err == nil {
			t.Error("expected error for negative ttl")
		}
	})

	t.Run("UnknownPriority", func(t *testing.T) {
		c := sampleContent()
		c.Priority = dtn.Priority(42)
		if _, err := signing.NewBundle(c, signer, now, 8, time.Hour); err == nil {
			t.Error("expected error for unknown priority")
		}
	})
}

// ====================================================================================
// KEYPAIR TESTS
// ====================================================================================

func TestLoadOrGenerateKeypair(t *testing.T) {
	dir := t.TempDir()

	public, _, generated, err := signing.LoadOrGenerateKeypair(dir)
	if err != nil {
		t.Fatalf("first call failed: %v", err)
	}
	if !generated {
		t.Error("first call should generate")
	}

	info, err := os.Stat(filepath.Join(dir, types.KEY_FILE))
	if err != nil {
		t.Fatalf("private key not written: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("private key mode = %o, want 0600", perm)
	}

	again, _, generated, err := signing.LoadOrGenerateKeypair(dir)
	if err != nil {
		t.Fatalf("second call failed: %v", err)
	}
	if generated {
		t.Error("second call should load the existing key")
	}
	if !public.Equal(again) {
		t.Error("reloaded key differs")
	}

	t.Run("CorruptKeyNotReplaced", func(t *testing.T) {
		dir := t.TempDir()
		if err := os.WriteFile(filepath.Join(dir, types.KEY_FILE), []byte("garbage"), 0600); err != nil {
			t.Fatal(err)
		}
		if _, _, _, err := signing.LoadOrGenerateKeypair(dir); err == nil {
			t.Error("expected error for corrupt key file")
		}
	})

	t.Run("Fingerprint", func(t *testing.T) {
		s, _, err := signing.LoadOrGenerateSigner(dir)
		if err != nil {
			t.Fatalf("LoadOrGenerateSigner failed: %v", err)
		}
		fp := s.Fingerprint()
		if len(fp) != 16 {
			t.Errorf("fingerprint %q length = %d, want 16", fp, len(fp))
		}
		if fp != signing.Fingerprint(public) {
			t.Error("fingerprint not stable for the same key")
		}
	})
}
