package crypto

import (
	"bytes"
	"testing"
)

func TestKDFDeterminismAndContext(t *testing.T) {
	a1 := KDF("loop:link:v1", []byte("secret"))
	a2 := KDF("loop:link:v1", []byte("secret"))
	if !bytes.Equal(a1, a2) {
		t.Fatalf("KDF not deterministic")
	}
	b := KDF("loop:other:v1", []byte("secret"))
	if bytes.Equal(a1, b) {
		t.Fatalf("expected different keys for different labels")
	}
	if len(a1) != XKeySize {
		t.Fatalf("expected %d byte key, got %d", XKeySize, len(a1))
	}
}

func TestXSealRoundTripAndAAD(t *testing.T) {
	key := KDF("loop:link:v1", []byte("secret"))
	nonce, ct, err := XSeal(key, []byte("hello"), []byte("hdr"))
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	plain, err := XOpen(key, nonce, ct, []byte("hdr"))
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if string(plain) != "hello" {
		t.Fatalf("unexpected plaintext %q", plain)
	}
	if _, err := XOpen(key, nonce, ct, []byte("other")); err == nil {
		t.Fatalf("expected aad mismatch to fail")
	}
	if _, _, err := XSeal([]byte("short"), []byte("x"), nil); err == nil {
		t.Fatalf("expected bad key size error")
	}
}

func TestHashLock(t *testing.T) {
	ch := NewChallenge("open sesame")
	var hl HashLock
	if !hl.Check(ch, "open sesame") {
		t.Fatalf("expected matching solution to pass")
	}
	if hl.Check(ch, "open barley") {
		t.Fatalf("expected wrong solution to fail")
	}
	if hl.Check("zz", "open sesame") {
		t.Fatalf("expected malformed challenge to fail")
	}
	if hl.Check(ch, "") {
		t.Fatalf("expected empty solution to fail")
	}
}
