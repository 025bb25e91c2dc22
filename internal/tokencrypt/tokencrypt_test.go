package tokencrypt

import "testing"

func TestSealOpenRoundTrip(t *testing.T) {
	keyHex, err := GenerateKeyHex()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	sealer, err := NewSealerFromHex(keyHex)
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}

	sealed, err := sealer.Seal("super-secret-bearer-token")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if sealed == "super-secret-bearer-token" {
		t.Fatal("sealed value must not equal plaintext")
	}

	opened, err := sealer.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if opened != "super-secret-bearer-token" {
		t.Fatalf("got %q, want original plaintext", opened)
	}
}

func TestOpenRejectsTamperedValue(t *testing.T) {
	keyHex, _ := GenerateKeyHex()
	sealer, _ := NewSealerFromHex(keyHex)
	sealed, _ := sealer.Seal("token")

	tampered := sealed[:len(sealed)-4] + "abcd"
	if _, err := sealer.Open(tampered); err == nil {
		t.Fatal("expected tampered ciphertext to fail authentication")
	}
}

func TestOpenRejectsWrongKey(t *testing.T) {
	key1, _ := GenerateKeyHex()
	key2, _ := GenerateKeyHex()
	s1, _ := NewSealerFromHex(key1)
	s2, _ := NewSealerFromHex(key2)

	sealed, _ := s1.Seal("token")
	if _, err := s2.Open(sealed); err == nil {
		t.Fatal("expected wrong key to fail authentication")
	}
}
