package engine

import (
	"crypto/rand"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"

	"groupsync/pkg/errs"
	"groupsync/pkg/models"
)

const (
	secretSize = 32
	nonceSize  = 24
)

// sealContent encrypts content under the group secret.
// Format: [nonce (24 bytes)][secretbox output]
func sealContent(secret []byte, content models.EncodedContent) ([]byte, error) {
	if len(secret) != secretSize {
		return nil, fmt.Errorf("group secret has %d bytes", len(secret))
	}
	plaintext, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal content: %w", err)
	}
	var key [secretSize]byte
	copy(key[:], secret)
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &key), nil
}

// openContent reverses sealContent. Every failure wraps ErrDecode.
func openContent(secret, sealed []byte) (models.EncodedContent, error) {
	var content models.EncodedContent
	if len(secret) != secretSize {
		return content, fmt.Errorf("group secret has %d bytes: %w", len(secret), errs.ErrDecode)
	}
	if len(sealed) < nonceSize+secretbox.Overhead {
		return content, fmt.Errorf("sealed payload too short: %w", errs.ErrDecode)
	}
	var key [secretSize]byte
	copy(key[:], secret)
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plaintext, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &key)
	if !ok {
		return content, fmt.Errorf("decryption failed: %w", errs.ErrDecode)
	}
	if err := json.Unmarshal(plaintext, &content); err != nil {
		return content, fmt.Errorf("failed to unmarshal content: %v: %w", err, errs.ErrDecode)
	}
	return content, nil
}
