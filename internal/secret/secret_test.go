package secret

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func roundTrip(t *testing.T, s Sealer) {
	t.Helper()
	ctx := context.Background()
	for _, pw := range []string{"", "tiger", "pässwörd with spaces; and=signs"} {
		sealed, err := s.Seal(ctx, "conn-1", pw)
		if err != nil {
			t.Fatalf("%s seal: %v", s.Name(), err)
		}
		if pw != "" && strings.Contains(sealed, pw) {
			t.Fatalf("%s: sealed value leaks plaintext", s.Name())
		}
		got, err := s.Open(ctx, "conn-1", sealed)
		if err != nil {
			t.Fatalf("%s open: %v", s.Name(), err)
		}
		if got != pw {
			t.Fatalf("%s: expected %q, got %q", s.Name(), pw, got)
		}
	}
}

func TestXORRoundTrip(t *testing.T) {
	roundTrip(t, XOR{})
	if _, err := (XOR{}).Open(context.Background(), "x", "***not base64***"); !errors.Is(err, ErrUnsealed) {
		t.Fatalf("expected ErrUnsealed, got %v", err)
	}
}

func TestKryptografRoundTripAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "bridged.pem")
	s, err := NewKryptograf(path)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	roundTrip(t, s)
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat key file: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("expected 0600 key file, got %o", perm)
	}
	sealed, err := s.Seal(context.Background(), "c", "secret")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	reloaded, err := NewKryptograf(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	got, err := reloaded.Open(context.Background(), "c", sealed)
	if err != nil || got != "secret" {
		t.Fatalf("reloaded open: %q %v", got, err)
	}
	other, err := NewKryptograf(filepath.Join(t.TempDir(), "other.pem"))
	if err != nil {
		t.Fatalf("other: %v", err)
	}
	if _, err := other.Open(context.Background(), "c", sealed); err == nil {
		t.Fatalf("a different key must not open the value")
	}
}

func TestKeyringFileBackend(t *testing.T) {
	s, err := NewKeyring(KeyringOptions{Backends: []string{"file"}, FileDir: t.TempDir(), FilePassword: "test"})
	if err != nil {
		t.Fatalf("open keyring: %v", err)
	}
	roundTrip(t, s)
	ctx := context.Background()
	sealed, err := s.Seal(ctx, "conn-2", "pw")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if err := s.Forget(ctx, "conn-2"); err != nil {
		t.Fatalf("forget: %v", err)
	}
	if _, err := s.Open(ctx, "conn-2", sealed); !errors.Is(err, ErrUnsealed) {
		t.Fatalf("expected ErrUnsealed after forget, got %v", err)
	}
	if err := s.Forget(ctx, "conn-2"); err != nil {
		t.Fatalf("second forget: %v", err)
	}
}

func TestNewByName(t *testing.T) {
	s, err := New("", Options{})
	if err != nil || s.Name() != NameXOR {
		t.Fatalf("default sealer: %v %v", s, err)
	}
	if _, err := New("rot13", Options{}); err == nil {
		t.Fatalf("expected unknown sealer error")
	}
	if _, err := New(NameKryptograf, Options{}); err == nil {
		t.Fatalf("kryptograf without key file must fail")
	}
}
