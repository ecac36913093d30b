// Package identity derives the stable identifiers used across groupsync.
package identity

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// InboxID derives an inbox id from an account address and nonce.
func InboxID(address string, nonce uint64) string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte("inbox:"))
	h.Write([]byte(NormalizeAddress(address)))
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], nonce)
	h.Write(n[:])
	return hex.EncodeToString(h.Sum(nil))
}

// NormalizeAddress lowercases and trims an account address.
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// NewInstallationID returns a fresh installation id.
func NewInstallationID() string {
	return uuid.NewString()
}

// GroupID derives a conversation id from its creation parameters.
func GroupID(creatorInboxID string, createdAtNs int64, nonce []byte) string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte("group:"))
	h.Write([]byte(creatorInboxID))
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(createdAtNs))
	h.Write(ts[:])
	h.Write(nonce)
	return hex.EncodeToString(h.Sum(nil))
}

// MessageID derives a message id from where it landed in the log and what it carried.
func MessageID(conversationID string, position uint64, sealed []byte) string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte("message:"))
	h.Write([]byte(conversationID))
	var p [8]byte
	binary.BigEndian.PutUint64(p[:], position)
	h.Write(p[:])
	h.Write(sealed)
	return hex.EncodeToString(h.Sum(nil))
}

// RandomBytes returns n bytes from crypto/rand.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}
