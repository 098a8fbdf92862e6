package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"io"
)

// KeyVersion tags ciphertext with the master key generation that produced it,
// so a future key rotation can decrypt old rows with the old key.
const KeyVersion = 1

var (
	// ErrInvalidKey is returned when the master key is not 32 bytes.
	ErrInvalidKey = errors.New("crypto: master key must be 32 bytes")
	// ErrDecryptFailed is returned when ciphertext fails authentication,
	// either tampered data or the wrong master key.
	ErrDecryptFailed = errors.New("crypto: decryption failed")
)

// Cipher performs AES-GCM authenticated encryption with an injected master
// key. Construct one per process and pass it where encryption is needed.
type Cipher struct {
	aead cipher.AEAD
}

// New creates a Cipher from a 32-byte master key.
func New(masterKey []byte) (*Cipher, error) {
	if len(masterKey) != 32 {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt encrypts plaintext and returns the ciphertext and a fresh nonce.
func (c *Cipher) Encrypt(plaintext []byte) (ciphertext, nonce []byte, err error) {
	nonce = make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, err
	}
	ciphertext = c.aead.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

// Decrypt decrypts AES-GCM encrypted data. A tampered ciphertext or a wrong
// master key returns ErrDecryptFailed.
func (c *Cipher) Decrypt(ciphertext, nonce []byte) ([]byte, error) {
	if len(nonce) != c.aead.NonceSize() {
		return nil, ErrDecryptFailed
	}
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}
