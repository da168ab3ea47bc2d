package secret

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"pkt.systems/kryptograf"
	"pkt.systems/kryptograf/keymgmt"

	"pkt.systems/bridged/internal/pathutil"
)

const (
	descriptorName    = "bridged-credentials"
	descriptorContext = "bridged:credential:v1"
)

// Kryptograf seals credentials with an AEAD envelope keyed from a PEM bundle
// on disk.
type Kryptograf struct {
	path string

	mu     sync.Mutex
	bundle []byte
}

// NewKryptograf loads the key bundle at path, creating the root key and
// descriptor when missing.
func NewKryptograf(path string) (*Kryptograf, error) {
	if path == "" {
		return nil, fmt.Errorf("secret: kryptograf sealer requires a key file")
	}
	path, err := pathutil.ExpandUserAndEnv(path)
	if err != nil {
		return nil, err
	}
	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("secret: read key file: %w", err)
	}
	var out []byte
	store, err := keymgmt.LoadPEMInto(existing, &out)
	if err != nil {
		return nil, fmt.Errorf("secret: load key bundle: %w", err)
	}
	root, err := store.EnsureRootKey()
	if err != nil {
		return nil, fmt.Errorf("secret: ensure root key: %w", err)
	}
	mat, err := store.EnsureDescriptor(descriptorName, root, []byte(descriptorContext))
	if err != nil {
		return nil, fmt.Errorf("secret: ensure descriptor: %w", err)
	}
	mat.Zero()
	if err := store.Commit(); err != nil {
		return nil, fmt.Errorf("secret: commit key bundle: %w", err)
	}
	if len(out) == 0 {
		out = existing
	}
	if len(out) == 0 {
		if out, err = store.Bytes(); err != nil {
			return nil, fmt.Errorf("secret: serialize key bundle: %w", err)
		}
	}
	if !bytes.Equal(out, existing) {
		if err := writeKeyFile(path, out); err != nil {
			return nil, err
		}
	}
	return &Kryptograf{path: path, bundle: out}, nil
}

func writeKeyFile(path string, data []byte) error {
	if err := pathutil.EnsureParent(path); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".bridged-key-*")
	if err != nil {
		return fmt.Errorf("secret: create key file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("secret: chmod key file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("secret: write key file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("secret: sync key file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("secret: close key file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("secret: install key file: %w", err)
	}
	return nil
}

func (k *Kryptograf) Name() string { return NameKryptograf }

// Path reports the key bundle location.
func (k *Kryptograf) Path() string { return k.path }

func (k *Kryptograf) material() (root keymgmt.RootKey, mat kryptograf.Material, err error) {
	k.mu.Lock()
	bundle := k.bundle
	k.mu.Unlock()
	store, err := keymgmt.LoadPEM(bundle)
	if err != nil {
		err = fmt.Errorf("secret: load key bundle: %w", err)
		return
	}
	root, ok, err := store.RootKey()
	if err != nil || !ok {
		err = fmt.Errorf("secret: root key unavailable: %v", err)
		return
	}
	desc, ok, err := store.Descriptor(descriptorName)
	if err != nil || !ok {
		err = fmt.Errorf("secret: descriptor unavailable: %v", err)
		return
	}
	mat, err = kryptograf.New(root).ReconstructDEK([]byte(descriptorContext), desc)
	if err != nil {
		err = fmt.Errorf("secret: reconstruct key: %w", err)
	}
	return
}

func (k *Kryptograf) Seal(_ context.Context, _ string, plaintext string) (string, error) {
	root, mat, err := k.material()
	if err != nil {
		return "", err
	}
	defer mat.Zero()
	var buf bytes.Buffer
	w, err := kryptograf.New(root).EncryptWriter(&buf, mat)
	if err != nil {
		return "", fmt.Errorf("secret: seal: %w", err)
	}
	if _, err := w.Write([]byte(plaintext)); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("secret: seal write: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("secret: seal close: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func (k *Kryptograf) Open(_ context.Context, _ string, sealed string) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnsealed, err)
	}
	root, mat, err := k.material()
	if err != nil {
		return "", err
	}
	defer mat.Zero()
	r, err := kryptograf.New(root).DecryptReader(bytes.NewReader(ciphertext), mat)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnsealed, err)
	}
	defer r.Close()
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnsealed, err)
	}
	return string(plaintext), nil
}

func (k *Kryptograf) Forget(context.Context, string) error { return nil }
