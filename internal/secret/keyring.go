package secret

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/99designs/keyring"
)

const (
	keyringService = "bridged"
	keyringPrefix  = "keyring:"
)

// KeyringOptions select the OS credential store backend.
type KeyringOptions struct {
	// Backends restricts the backends tried, for example "keychain",
	// "wincred", "secret-service", "pass" or "file". Empty lets keyring pick.
	Backends []string
	// FileDir and FilePassword configure the encrypted file backend.
	FileDir      string
	FilePassword string
}

// Keyring stores each credential in the OS keyring under its handle id and
// records only a reference.
type Keyring struct {
	ring keyring.Keyring
}

// NewKeyring opens the configured keyring.
func NewKeyring(opts KeyringOptions) (*Keyring, error) {
	cfg := keyring.Config{
		ServiceName:   keyringService,
		PassPrefix:    keyringService,
		WinCredPrefix: keyringService,
		FileDir:       opts.FileDir,
	}
	for _, b := range opts.Backends {
		cfg.AllowedBackends = append(cfg.AllowedBackends, keyring.BackendType(strings.TrimSpace(b)))
	}
	if opts.FilePassword != "" {
		cfg.FilePasswordFunc = keyring.FixedStringPrompt(opts.FilePassword)
	}
	ring, err := keyring.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("secret: open keyring: %w", err)
	}
	return &Keyring{ring: ring}, nil
}

func (k *Keyring) Name() string { return NameKeyring }

func itemKey(id string) string { return keyringService + ":" + id }

func (k *Keyring) Seal(_ context.Context, id, plaintext string) (string, error) {
	key := itemKey(id)
	if err := k.ring.Set(keyring.Item{Key: key, Data: []byte(plaintext), Label: "bridged connection " + id}); err != nil {
		return "", fmt.Errorf("secret: keyring set: %w", err)
	}
	return keyringPrefix + key, nil
}

func (k *Keyring) Open(_ context.Context, _ string, sealed string) (string, error) {
	key, ok := strings.CutPrefix(sealed, keyringPrefix)
	if !ok {
		return "", fmt.Errorf("%w: not a keyring reference", ErrUnsealed)
	}
	item, err := k.ring.Get(key)
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return "", fmt.Errorf("%w: keyring entry %s missing", ErrUnsealed, key)
		}
		return "", fmt.Errorf("secret: keyring get: %w", err)
	}
	return string(item.Data), nil
}

func (k *Keyring) Forget(_ context.Context, id string) error {
	err := k.ring.Remove(itemKey(id))
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("secret: keyring remove: %w", err)
	}
	return nil
}
