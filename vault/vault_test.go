package vault

import (
	"encoding/base64"
	"errors"
	"testing"
)

func TestSecretBoxRoundTrip(t *testing.T) {
	sb := NewSecretBox("hunter2")
	cases := []string{"", "hi", `{"type":"message","content":"hello"}`}
	for i, c := range cases {
		enc, err := sb.Encrypt(c)
		if err != nil {
			t.Fatal(err)
		}
		got, err := sb.Decrypt(enc)
		if err != nil {
			t.Fatalf("testcase %v: %v", i, err)
		}
		if got != c {
			t.Errorf("testcase %v got %q want %q", i, got, c)
		}
	}
}

func TestSecretBoxDeterministicKey(t *testing.T) {
	// The fixed salt makes the key a pure function of the password.
	enc, err := NewSecretBox("pw").Encrypt("payload")
	if err != nil {
		t.Fatal(err)
	}
	got, err := NewSecretBox("pw").Decrypt(enc)
	if err != nil {
		t.Fatal(err)
	}
	if got != "payload" {
		t.Errorf("got %q", got)
	}
}

func TestSecretBoxRejectsTamperAndWrongKey(t *testing.T) {
	sb := NewSecretBox("pw")
	enc, err := sb.Encrypt("payload")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := NewSecretBox("not-pw").Decrypt(enc); !errors.Is(err, ErrDecryptionFailure) {
		t.Errorf("wrong key: got %v", err)
	}

	raw, _ := base64.StdEncoding.DecodeString(enc)
	raw[len(raw)-1] ^= 1
	tampered := base64.StdEncoding.EncodeToString(raw)
	if _, err := sb.Decrypt(tampered); !errors.Is(err, ErrDecryptionFailure) {
		t.Errorf("tampered: got %v", err)
	}

	if _, err := sb.Decrypt("AAAA"); !errors.Is(err, ErrDecryptionFailure) {
		t.Errorf("short: got %v", err)
	}
}

func TestBoxRoundTrip(t *testing.T) {
	alice, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	bob, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}

	a := NewBox(alice)
	if _, err := a.Encrypt("x"); !errors.Is(err, ErrNoPeerKey) {
		t.Fatalf("no peer: got %v", err)
	}
	if err := a.SetPeer(bob.PublicBase64()); err != nil {
		t.Fatal(err)
	}
	b := NewBox(bob)
	if err := b.SetPeer(alice.PublicBase64()); err != nil {
		t.Fatal(err)
	}

	enc, err := a.Encrypt("see you")
	if err != nil {
		t.Fatal(err)
	}
	got, err := b.Decrypt(enc)
	if err != nil {
		t.Fatal(err)
	}
	if got != "see you" {
		t.Errorf("got %q", got)
	}

	// A third party must not open it.
	eve, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	e := NewBox(eve)
	if err := e.SetPeer(alice.PublicBase64()); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Decrypt(enc); !errors.Is(err, ErrDecryptionFailure) {
		t.Errorf("eve: got %v", err)
	}
}

func TestKeyPairBase64(t *testing.T) {
	k, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	got, err := KeyPairFromBase64(k.PrivateBase64(), k.PublicBase64())
	if err != nil {
		t.Fatal(err)
	}
	if *got != *k {
		t.Error("base64 round trip lost key bytes")
	}
	if _, err := KeyPairFromBase64("!!", k.PublicBase64()); err == nil {
		t.Error("bad base64 accepted")
	}
	if _, err := KeyPairFromBase64(base64.StdEncoding.EncodeToString([]byte("short")), k.PublicBase64()); err == nil {
		t.Error("short key accepted")
	}
}

func TestLoadLongTermKeys(t *testing.T) {
	dir := t.TempDir()
	sb := NewSecretBox("pw")

	first, err := LoadLongTermKeys(dir, sb)
	if err != nil {
		t.Fatal(err)
	}
	second, err := LoadLongTermKeys(dir, sb)
	if err != nil {
		t.Fatal(err)
	}
	if *first != *second {
		t.Error("reload under the same password changed the key pair")
	}

	if _, err := LoadLongTermKeys(dir, NewSecretBox("wrong")); err == nil {
		t.Error("wrong password unwrapped the keys")
	}
}
