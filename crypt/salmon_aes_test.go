package crypt

import "testing"

func TestEncryptDecryptBytesWithSecret_RoundTrip(t *testing.T) {
	cases := []string{
		"",
		"a",
		"192.168.1.42:51820",
		string(make([]byte, 4096)),
	}
	for _, plain := range cases {
		enc, err := EncryptBytesWithSecret([]byte(plain), "correct-secret")
		if err != nil {
			t.Fatalf("encrypt %q: %v", plain, err)
		}
		dec, err := DecryptBytesWithSecret(enc, "correct-secret")
		if err != nil {
			t.Fatalf("decrypt %q: %v", plain, err)
		}
		if string(dec) != plain {
			t.Errorf("round trip mismatch: got %q want %q", dec, plain)
		}
	}
}

func TestEncryptBytesWithSecret_DistinctCiphertexts(t *testing.T) {
	plain := []byte("10.0.0.5:4500")
	a, err := EncryptBytesWithSecret(plain, "shared")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	b, err := EncryptBytesWithSecret(plain, "shared")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if string(a) == string(b) {
		t.Error("two encryptions of the same plaintext produced identical ciphertext")
	}
}

func TestDecryptBytesWithSecret_WrongSecretDoesNotRoundTrip(t *testing.T) {
	plain := []byte("peer-address")
	enc, err := EncryptBytesWithSecret(plain, "correct-secret")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	dec, err := DecryptBytesWithSecret(enc, "wrong-secret")
	if err != nil {
		t.Fatalf("decrypt with wrong secret returned error instead of garbage: %v", err)
	}
	if string(dec) == string(plain) {
		t.Error("decrypting with the wrong secret recovered the original plaintext")
	}
}

func TestDecryptBytesWithSecret_ShortCiphertext(t *testing.T) {
	if _, err := DecryptBytesWithSecret([]byte("short"), "secret"); err == nil {
		t.Fatal("expected error for undersized ciphertext")
	}
}
