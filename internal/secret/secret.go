// Package secret seals connection credentials before they are written to a
// durable record, so a later process can re-authenticate on restoration.
package secret

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrUnsealed reports a sealed value that cannot be opened by this sealer.
var ErrUnsealed = errors.New("secret: value cannot be opened")

// Sealer protects a credential keyed by the owning handle id.
type Sealer interface {
	Name() string
	Seal(ctx context.Context, id, plaintext string) (string, error)
	Open(ctx context.Context, id, sealed string) (string, error)
	// Forget drops any state held for id. It is called when the owning record
	// is deleted.
	Forget(ctx context.Context, id string) error
}

// Sealer names.
const (
	NameXOR        = "xor"
	NameKryptograf = "kryptograf"
	NameKeyring    = "keyring"
)

// Options configure New.
type Options struct {
	// KeyFile is the PEM key bundle used by the kryptograf sealer. It is
	// created on first use.
	KeyFile string
	// Keyring configures the keyring sealer.
	Keyring KeyringOptions
}

// New returns the sealer called name.
func New(name string, opts Options) (Sealer, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", NameXOR:
		return XOR{}, nil
	case NameKryptograf:
		return NewKryptograf(opts.KeyFile)
	case NameKeyring:
		return NewKeyring(opts.Keyring)
	default:
		return nil, fmt.Errorf("secret: unknown sealer %q (want xor, kryptograf or keyring)", name)
	}
}
