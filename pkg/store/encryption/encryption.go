// Package encryption seals store values at rest.
package encryption

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	wrapping "github.com/hashicorp/go-kms-wrapping/v2"
	aead "github.com/hashicorp/go-kms-wrapping/v2/aead"
)

// Record headers, first byte of every stored value.
const (
	headerPlain byte = 0x00
	headerAEAD  byte = 0x01
)

// KeySize is the master key length in bytes.
const KeySize = 32

var ErrInvalidKey = errors.New("invalid master key")

// Cipher seals and opens store values. aad binds a value to its key.
type Cipher interface {
	Seal(ctx context.Context, plaintext, aad []byte) ([]byte, error)
	Open(ctx context.Context, record, aad []byte) ([]byte, error)
	Enabled() bool
}

// Plain stores values unencrypted but still reads AEAD records' headers,
// so it refuses them instead of returning ciphertext.
type Plain struct{}

func (Plain) Enabled() bool { return false }

func (Plain) Seal(_ context.Context, plaintext, _ []byte) ([]byte, error) {
	out := make([]byte, 0, len(plaintext)+1)
	out = append(out, headerPlain)
	return append(out, plaintext...), nil
}

func (Plain) Open(_ context.Context, record, _ []byte) ([]byte, error) {
	return openPlain(record)
}

func openPlain(record []byte) ([]byte, error) {
	if len(record) == 0 {
		return nil, errors.New("empty record")
	}
	switch record[0] {
	case headerPlain:
		return append([]byte(nil), record[1:]...), nil
	case headerAEAD:
		return nil, errors.New("record is encrypted and no master key is configured")
	}
	return nil, fmt.Errorf("unknown record header 0x%02x", record[0])
}

// AEAD seals values with a go-kms-wrapping aead wrapper keyed by a local master key.
type AEAD struct {
	w     *aead.Wrapper
	keyID string
}

// NewAEAD configures a wrapper from a raw 32-byte key.
func NewAEAD(ctx context.Context, key []byte) (*AEAD, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	w := aead.NewWrapper()
	cfg := map[string]string{"key": base64.StdEncoding.EncodeToString(key), "key_id": "local"}
	if _, err := w.SetConfig(ctx, wrapping.WithConfigMap(cfg)); err != nil {
		return nil, fmt.Errorf("wrapper setconfig failed: %w", err)
	}
	keyID, _ := w.KeyId(ctx)
	return &AEAD{w: w, keyID: keyID}, nil
}

func (a *AEAD) Enabled() bool { return a != nil && a.w != nil }

func (a *AEAD) Seal(ctx context.Context, plaintext, aad []byte) ([]byte, error) {
	info, err := a.w.Encrypt(ctx, plaintext, wrapping.WithAad(aad))
	if err != nil {
		return nil, err
	}
	if info == nil || len(info.Ciphertext) == 0 {
		return nil, errors.New("encrypt returned empty")
	}
	out := make([]byte, 0, len(info.Ciphertext)+1)
	out = append(out, headerAEAD)
	return append(out, info.Ciphertext...), nil
}

// Open decrypts AEAD records and passes plain records through, so a store
// written before encryption was enabled stays readable.
func (a *AEAD) Open(ctx context.Context, record, aad []byte) ([]byte, error) {
	if len(record) > 0 && record[0] == headerAEAD {
		info := &wrapping.BlobInfo{Ciphertext: append([]byte(nil), record[1:]...), KeyInfo: &wrapping.KeyInfo{KeyId: a.keyID}}
		return a.w.Decrypt(ctx, info, wrapping.WithAad(aad))
	}
	return openPlain(record)
}

// ValidateKey rejects keys of the wrong size or with no entropy.
func ValidateKey(key []byte) error {
	if len(key) != KeySize {
		return fmt.Errorf("%w: need %d bytes, got %d", ErrInvalidKey, KeySize, len(key))
	}
	same := true
	for _, b := range key[1:] {
		if b != key[0] {
			same = false
			break
		}
	}
	if same {
		return fmt.Errorf("%w: key bytes are all identical", ErrInvalidKey)
	}
	return nil
}

// LoadKey reads a hex master key from keyHex, or from keyFile when keyHex is empty.
func LoadKey(keyHex, keyFile string) ([]byte, error) {
	raw := strings.TrimSpace(keyHex)
	if raw == "" && keyFile != "" {
		b, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, fmt.Errorf("read master key file: %w", err)
		}
		raw = strings.TrimSpace(string(b))
	}
	if raw == "" {
		return nil, fmt.Errorf("%w: no master key provided", ErrInvalidKey)
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return key, ValidateKey(key)
}
