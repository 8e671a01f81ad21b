package crypto

import (
	"bytes"
	"testing"
)

func TestKEMRoundTrip(t *testing.T) {
	pk, sk, err := GenerateKEMKeyPair()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}

	ct, ss1, err := Encapsulate(pk)
	if err != nil {
		t.Fatalf("encapsulate: %v", err)
	}

	if len(ct) != KEMCiphertextSize {
		t.Errorf("ciphertext size: got %d, want %d", len(ct), KEMCiphertextSize)
	}
	if len(ss1) != SharedSecretSize {
		t.Errorf("shared secret size: got %d, want %d", len(ss1), SharedSecretSize)
	}

	ss2, err := Decapsulate(sk, ct)
	if err != nil {
		t.Fatalf("decapsulate: %v", err)
	}

	if !bytes.Equal(ss1, ss2) {
		t.Error("shared secrets differ")
	}
}

func TestKEMPublicKeyEncoding(t *testing.T) {
	pk, _, err := GenerateKEMKeyPair()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}

	b := pk.Bytes()
	if len(b) != KEMPublicKeySize {
		t.Fatalf("public key size: got %d, want %d", len(b), KEMPublicKeySize)
	}

	pk2, err := ParseKEMPublicKey(b)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !bytes.Equal(pk2.Bytes(), b) {
		t.Error("round-tripped public key differs")
	}

	if _, err := ParseKEMPublicKey(b[:100]); err == nil {
		t.Error("truncated key accepted")
	}
}

func TestSignVerify(t *testing.T) {
	key, err := GenerateSigningKey()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}

	msg := []byte("vertex payload under test")
	sig := key.Sign(msg)

	if len(sig) != SignatureSize {
		t.Errorf("signature size: got %d, want %d", len(sig), SignatureSize)
	}

	if !Verify(key.PublicKey(), msg, sig) {
		t.Error("valid signature rejected")
	}

	// Flipped message bit must fail.
	bad := append([]byte(nil), msg...)
	bad[0] ^= 1
	if Verify(key.PublicKey(), bad, sig) {
		t.Error("signature verified over altered message")
	}

	// Corrupted signature must fail.
	badSig := append([]byte(nil), sig...)
	badSig[10] ^= 0xff
	if Verify(key.PublicKey(), msg, badSig) {
		t.Error("corrupted signature verified")
	}

	// Wrong key must fail.
	other, _ := GenerateSigningKey()
	if Verify(other.PublicKey(), msg, sig) {
		t.Error("signature verified under wrong key")
	}
}

func TestSigningKeyEncoding(t *testing.T) {
	key, err := GenerateSigningKey()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}

	b := key.Bytes()
	if len(b) != SigPrivateKeySize {
		t.Fatalf("private key size: got %d, want %d", len(b), SigPrivateKeySize)
	}

	key2, err := ParseSigningKey(b)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	msg := []byte("same key, same signatures verify")
	if !Verify(key.PublicKey(), msg, key2.Sign(msg)) {
		t.Error("signature from parsed key rejected")
	}
	if !bytes.Equal(key2.PublicKey(), key.PublicKey()) {
		t.Error("parsed key has different public half")
	}
}

func TestAEADRoundTrip(t *testing.T) {
	key := DeriveKey("test-aead", []byte("secret material"))
	var nonce [AEADNonceSize]byte
	nonce[0] = 7
	aad := []byte("header")
	pt := []byte("onion layer plaintext")

	ct := Seal(key, nonce, aad, pt)
	if len(ct) != len(pt)+AEADOverhead {
		t.Errorf("ciphertext size: got %d, want %d", len(ct), len(pt)+AEADOverhead)
	}

	got, err := Open(key, nonce, aad, ct)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(got, pt) {
		t.Error("plaintext mismatch")
	}
}

func TestAEADOpenFailuresAreUniform(t *testing.T) {
	key := DeriveKey("test-aead", []byte("k1"))
	wrongKey := DeriveKey("test-aead", []byte("k2"))
	var nonce [AEADNonceSize]byte
	aad := []byte("aad")
	ct := Seal(key, nonce, aad, []byte("payload"))

	cases := map[string]func() ([]byte, error){
		"wrong key": func() ([]byte, error) { return Open(wrongKey, nonce, aad, ct) },
		"wrong aad": func() ([]byte, error) { return Open(key, nonce, []byte("other"), ct) },
		"corrupt ciphertext": func() ([]byte, error) {
			bad := append([]byte(nil), ct...)
			bad[3] ^= 1
			return Open(key, nonce, aad, bad)
		},
		"truncated": func() ([]byte, error) { return Open(key, nonce, aad, ct[:AEADOverhead-1]) },
	}

	for name, fn := range cases {
		pt, err := fn()
		if err != ErrDecrypt {
			t.Errorf("%s: got err %v, want ErrDecrypt", name, err)
		}
		if pt != nil {
			t.Errorf("%s: plaintext leaked on failure", name)
		}
	}
}

func TestDeriveKeyDomainSeparation(t *testing.T) {
	material := []byte("shared secret")
	a := DeriveKey("forward", material)
	b := DeriveKey("backward", material)
	if a == b {
		t.Error("different contexts produced identical keys")
	}
	if a != DeriveKey("forward", material) {
		t.Error("derivation is not deterministic")
	}
}

func TestZeroize(t *testing.T) {
	b := []byte{1, 2, 3, 4}
	Zeroize(b)
	for i, v := range b {
		if v != 0 {
			t.Fatalf("byte %d not cleared", i)
		}
	}
}
