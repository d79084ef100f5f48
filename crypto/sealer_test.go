package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func newKey(t *testing.T) string {
	t.Helper()
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		t.Fatal(err)
	}
	return base64.StdEncoding.EncodeToString(b)
}

func TestNewSealerRejectsBadKeys(t *testing.T) {
	short := base64.StdEncoding.EncodeToString([]byte("too-short"))
	k := newKey(t)
	tests := []struct {
		name string
		spec string
	}{
		{"empty", ""},
		{"not base64", "not-valid-base64!@#$"},
		{"short key", short},
		{"empty id", ":" + k},
		{"duplicate id", "a:" + k + ",a:" + k},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewSealer(tc.spec); err == nil {
				t.Fatalf("NewSealer(%q) succeeded", tc.spec)
			}
		})
	}
}

func TestSealOpen(t *testing.T) {
	s, err := NewSealer(newKey(t))
	if err != nil {
		t.Fatal(err)
	}
	if s.KeyID() != "default" {
		t.Fatalf("KeyID = %q", s.KeyID())
	}
	sealed, err := s.Seal("oauth-secret")
	if err != nil {
		t.Fatal(err)
	}
	if !IsSealed(sealed) || strings.Contains(sealed, "oauth-secret") {
		t.Fatalf("sealed value leaks plaintext: %q", sealed)
	}
	again, _ := s.Seal("oauth-secret")
	if again == sealed {
		t.Fatal("two seals of the same value are identical")
	}
	got, err := s.Open(sealed)
	if err != nil || got != "oauth-secret" {
		t.Fatalf("Open = %q, %v", got, err)
	}
}

func TestEmptyAndPlaintextPassThrough(t *testing.T) {
	s, _ := NewSealer(newKey(t))
	if v, err := s.Seal(""); err != nil || v != "" {
		t.Fatalf("Seal(\"\") = %q, %v", v, err)
	}
	if v, err := s.Open("legacy-plain"); err != nil || v != "legacy-plain" {
		t.Fatalf("Open(plain) = %q, %v", v, err)
	}
	if !s.NeedsReseal("legacy-plain") || s.NeedsReseal("") {
		t.Fatal("NeedsReseal wrong for plaintext/empty")
	}
}

func TestKeyRotation(t *testing.T) {
	oldKey, newK := newKey(t), newKey(t)
	old, _ := NewSealer("k1:" + oldKey)
	sealed, _ := old.Seal("token")

	rotated, err := NewSealer("k2:" + newK + ",k1:" + oldKey)
	if err != nil {
		t.Fatal(err)
	}
	if got, err := rotated.Open(sealed); err != nil || got != "token" {
		t.Fatalf("Open with rotated keys = %q, %v", got, err)
	}
	if !rotated.NeedsReseal(sealed) {
		t.Fatal("value sealed with k1 should need reseal")
	}
	fresh, _ := rotated.Seal("token")
	if rotated.NeedsReseal(fresh) {
		t.Fatal("value sealed with primary should not need reseal")
	}

	onlyNew, _ := NewSealer("k2:" + newK)
	if _, err := onlyNew.Open(sealed); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("err = %v, want ErrUnknownKey", err)
	}
}

func TestOpenRejectsTampering(t *testing.T) {
	k := newKey(t)
	s, _ := NewSealer("a:" + k + ",b:" + k)
	sealed, _ := s.Seal("token")

	relabelled := strings.Replace(sealed, sealedPrefix+"a:", sealedPrefix+"b:", 1)
	if _, err := s.Open(relabelled); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("relabelled err = %v, want ErrCorrupt", err)
	}

	raw, _ := base64.StdEncoding.DecodeString(strings.TrimPrefix(sealed, sealedPrefix+"a:"))
	raw[len(raw)-1] ^= 0xff
	flipped := sealedPrefix + "a:" + base64.StdEncoding.EncodeToString(raw)
	if _, err := s.Open(flipped); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("tampered err = %v, want ErrCorrupt", err)
	}

	for _, bad := range []string{sealedPrefix + "a", sealedPrefix + "a:!!!", sealedPrefix + "a:AAAA"} {
		if _, err := s.Open(bad); !errors.Is(err, ErrCorrupt) {
			t.Fatalf("Open(%q) err = %v, want ErrCorrupt", bad, err)
		}
	}
}
