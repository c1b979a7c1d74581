package secrets

import (
	"strings"
	"testing"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestBox_RoundTrip(t *testing.T) {
	box, err := NewBox(testKey)
	if err != nil {
		t.Fatalf("NewBox() error = %v", err)
	}

	sealed, err := box.Seal("whsec_abc")
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if !strings.HasPrefix(sealed, sealedPrefix) {
		t.Errorf("sealed value %q lacks prefix", sealed)
	}
	if strings.Contains(sealed, "whsec_abc") {
		t.Error("sealed value contains plaintext")
	}

	opened, err := box.Open(sealed)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if opened != "whsec_abc" {
		t.Errorf("Open() = %q, want whsec_abc", opened)
	}
}

func TestBox_PassThrough(t *testing.T) {
	box, err := NewBox("")
	if err != nil {
		t.Fatalf("NewBox() error = %v", err)
	}
	sealed, _ := box.Seal("plain")
	if sealed != "plain" {
		t.Errorf("Seal() = %q, want plain", sealed)
	}

	if _, err := box.Open(sealedPrefix + "AAAA"); err != ErrKeyRequired {
		t.Errorf("Open() error = %v, want ErrKeyRequired", err)
	}
}

func TestBox_PlaintextReadableWithKey(t *testing.T) {
	box, _ := NewBox(testKey)
	opened, err := box.Open("legacy")
	if err != nil || opened != "legacy" {
		t.Errorf("Open(legacy) = %q, %v", opened, err)
	}
}

func TestBox_WrongKey(t *testing.T) {
	a, _ := NewBox(testKey)
	b, _ := NewBox(strings.Repeat("ff", 32))

	sealed, _ := a.Seal("secret")
	if _, err := b.Open(sealed); err == nil {
		t.Error("expected error opening with the wrong key")
	}
}

func TestNewBox_BadKey(t *testing.T) {
	for _, key := range []string{"zz", "abcd"} {
		if _, err := NewBox(key); err == nil {
			t.Errorf("NewBox(%q) expected error", key)
		}
	}
}
