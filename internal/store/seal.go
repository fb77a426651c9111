package store

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const sealInfo = "chatterbox-relay room key v1"

var ErrKeyUnseal = errors.New("room key cannot be unsealed")

// KeySealer encrypts room keys at rest with XChaCha20-Poly1305. The AEAD key
// is derived from an operator secret with HKDF-SHA256 and the room id is
// bound as associated data, so a sealed key copied to another room fails to
// open.
type KeySealer struct {
	aead cipher.AEAD
}

func NewKeySealer(secret string) (*KeySealer, error) {
	if secret == "" {
		return nil, errors.New("seal secret is empty")
	}
	derived := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(sealInfo)), derived); err != nil {
		return nil, fmt.Errorf("derive seal key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(derived)
	if err != nil {
		return nil, fmt.Errorf("init seal cipher: %w", err)
	}
	return &KeySealer{aead: aead}, nil
}

// Seal returns nonce || ciphertext.
func (s *KeySealer) Seal(roomID string, key []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(key)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("seal nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, key, []byte(roomID)), nil
}

func (s *KeySealer) Open(roomID string, sealed []byte) ([]byte, error) {
	ns := s.aead.NonceSize()
	if len(sealed) < ns+s.aead.Overhead() {
		return nil, ErrKeyUnseal
	}
	key, err := s.aead.Open(nil, sealed[:ns], sealed[ns:], []byte(roomID))
	if err != nil {
		return nil, ErrKeyUnseal
	}
	return key, nil
}
