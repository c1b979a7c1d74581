// Package secrets seals webhook signing secrets before they are written to
// the database. Sealed values carry a version prefix so plaintext rows written
// without a key stay readable.
package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
)

const sealedPrefix = "sb1:"

var ErrKeyRequired = errors.New("secrets: sealed value found but no key is configured")

type Box struct {
	key *[32]byte
}

// NewBox returns a Box for the hex encoded 32 byte key. An empty key yields a
// pass-through Box.
func NewBox(hexKey string) (*Box, error) {
	if hexKey == "" {
		return &Box{}, nil
	}
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("secrets: decode key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("secrets: key must be 32 bytes, got %d", len(raw))
	}
	var key [32]byte
	copy(key[:], raw)
	return &Box{key: &key}, nil
}

func (b *Box) Enabled() bool {
	return b != nil && b.key != nil
}

func (b *Box) Seal(plaintext string) (string, error) {
	if !b.Enabled() {
		return plaintext, nil
	}

	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("secrets: nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, b.key)
	return sealedPrefix + base64.RawStdEncoding.EncodeToString(sealed), nil
}

func (b *Box) Open(stored string) (string, error) {
	if !strings.HasPrefix(stored, sealedPrefix) {
		return stored, nil
	}
	if !b.Enabled() {
		return "", ErrKeyRequired
	}

	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(stored, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("secrets: decode: %w", err)
	}
	if len(raw) < 24+secretbox.Overhead {
		return "", errors.New("secrets: sealed value too short")
	}

	var nonce [24]byte
	copy(nonce[:], raw[:24])
	plain, ok := secretbox.Open(nil, raw[24:], &nonce, b.key)
	if !ok {
		return "", errors.New("secrets: authentication failed")
	}
	return string(plain), nil
}
