package secret

import (
	"context"
	"encoding/base64"
	"fmt"
)

var xorKey = []byte("bridged-credential-obfuscation-v1")

// XOR is reversible obfuscation with a fixed key. It keeps credentials out of
// casual view in record files and provides no confidentiality.
type XOR struct{}

func (XOR) Name() string { return NameXOR }

func (XOR) Seal(_ context.Context, _ string, plaintext string) (string, error) {
	return base64.StdEncoding.EncodeToString(xorBytes([]byte(plaintext))), nil
}

func (XOR) Open(_ context.Context, _ string, sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnsealed, err)
	}
	return string(xorBytes(raw)), nil
}

func (XOR) Forget(context.Context, string) error { return nil }

func xorBytes(in []byte) []byte {
	out := make([]byte, len(in))
	for i, b := range in {
		out[i] = b ^ xorKey[i%len(xorKey)]
	}
	return out
}
