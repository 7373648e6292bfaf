package vault_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/hazyhaar/inquest/horosafe"
	"github.com/hazyhaar/inquest/vault"
)

func testKey() []byte {
	return bytes.Repeat([]byte("k"), 32)
}

func TestSealOpenRoundTrip(t *testing.T) {
	v, err := vault.New(testKey())
	if err != nil {
		t.Fatal(err)
	}

	secret := []byte("sk-user-api-key-000")
	box, err := v.Seal(secret)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(box, secret) {
		t.Fatal("ciphertext contains plaintext")
	}

	got, err := v.Open(box)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, secret) {
		t.Fatalf("got %q, want %q", got, secret)
	}
}

func TestOpenRejectsTampering(t *testing.T) {
	v, _ := vault.New(testKey())
	box, _ := v.Seal([]byte("secret"))
	box[len(box)-1] ^= 0xff
	if _, err := v.Open(box); err == nil {
		t.Fatal("expected authentication failure")
	}
}

func TestOpenRejectsTruncated(t *testing.T) {
	v, _ := vault.New(testKey())
	if _, err := v.Open([]byte{1, 2, 3}); !errors.Is(err, vault.ErrCiphertextTooShort) {
		t.Fatalf("got %v, want ErrCiphertextTooShort", err)
	}
}

func TestNewRejectsShortKey(t *testing.T) {
	if _, err := vault.New([]byte("short")); !errors.Is(err, horosafe.ErrSecretTooShort) {
		t.Fatalf("got %v, want ErrSecretTooShort", err)
	}
}

func TestFingerprintStable(t *testing.T) {
	a := vault.Fingerprint([]byte("credential-A"))
	b := vault.Fingerprint([]byte("credential-A"))
	c := vault.Fingerprint([]byte("credential-B"))
	if a != b {
		t.Fatal("fingerprint not deterministic")
	}
	if a == c {
		t.Fatal("distinct credentials share a fingerprint")
	}
	if len(a) != 12 {
		t.Fatalf("got len %d, want 12", len(a))
	}
}
