package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// ErrDecryptFailed signals an authentication-tag mismatch: the stored
// ciphertext was tampered with or encrypted under a different key. This is
// a data-integrity failure, never "not found", and retrying cannot fix it.
var ErrDecryptFailed = errors.New("vault: ciphertext authentication failed")

// AEAD seals and opens credential payloads with AES-256-GCM. Each call to
// EncryptToString draws a fresh random nonce; the nonce, ciphertext and
// authentication tag are stored together as a single base64 string.
type AEAD struct{ aead cipher.AEAD }

func NewAEAD(key []byte) (*AEAD, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("vault: key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	a, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &AEAD{aead: a}, nil
}

func (a *AEAD) EncryptToString(plaintext []byte) (string, error) {
	nonce := make([]byte, a.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	ct := a.aead.Seal(nil, nonce, plaintext, nil)
	buf := append(nonce, ct...)
	return base64.RawStdEncoding.EncodeToString(buf), nil
}

func (a *AEAD) DecryptString(ciphertextB64 string) ([]byte, error) {
	buf, err := base64.RawStdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	ns := a.aead.NonceSize()
	if len(buf) < ns+a.aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryptFailed)
	}
	pt, err := a.aead.Open(nil, buf[:ns], buf[ns:], nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return pt, nil
}
