package crypto

import "testing"

func TestSignAndVerify(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	msg := Hash([]byte("block"))

	sig, err := key.Sign(msg[:])
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if !VerifySignature(msg[:], sig, key.PublicKey()) {
		t.Error("valid signature rejected")
	}

	other := Hash([]byte("other block"))
	if VerifySignature(other[:], sig, key.PublicKey()) {
		t.Error("signature verified against the wrong message")
	}

	key2, _ := GenerateKey()
	if VerifySignature(msg[:], sig, key2.PublicKey()) {
		t.Error("signature verified against the wrong key")
	}
}

func TestSign_RejectsBadHashLength(t *testing.T) {
	key, _ := GenerateKey()
	if _, err := key.Sign([]byte("short")); err == nil {
		t.Error("Sign should reject non-32-byte input")
	}
}

func TestVerifySignature_Garbage(t *testing.T) {
	msg := Hash([]byte("x"))
	if VerifySignature(msg[:], []byte{1, 2, 3}, []byte{4, 5}) {
		t.Error("garbage input should not verify")
	}
}
