// Package codec provides the transfer crypto and chunking primitives.
//
// Every file is encrypted as a whole with ChaCha20-Poly1305 before chunking,
// so a tampered or truncated reassembly fails authentication instead of
// yielding wrong bytes. Key material never crosses the hub: peers either
// derive it from an out-of-band shared secret (DeriveKey) or exchange the
// fresh material produced by Encrypt themselves.
package codec

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the symmetric key length in bytes (256 bits).
	KeySize = chacha20poly1305.KeySize
	// NonceSize is the AEAD nonce length in bytes (96 bits).
	NonceSize = chacha20poly1305.NonceSize
	// ChunkSize is the fixed ciphertext slice length sent per file-chunk.
	ChunkSize = 16384
	// Overhead is the size difference between ciphertext and plaintext
	// (the Poly1305 authentication tag).
	Overhead = chacha20poly1305.Overhead
)

const hkdfInfo = "peerlink-file-v1"

// ErrDecryptFailed is returned when the authentication tag does not match:
// tampered or truncated ciphertext, or the wrong key/nonce.
var ErrDecryptFailed = errors.New("codec: authentication failed")

// Encrypt seals plaintext under a freshly generated key and nonce and
// returns all three. No state is retained between calls.
func Encrypt(plaintext []byte) (ciphertext, key, nonce []byte, err error) {
	key = make([]byte, KeySize)
	if _, err = io.ReadFull(rand.Reader, key); err != nil {
		return nil, nil, nil, err
	}
	nonce = make([]byte, NonceSize)
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, nil, err
	}
	ciphertext, err = Seal(plaintext, key, nonce)
	if err != nil {
		return nil, nil, nil, err
	}
	return ciphertext, key, nonce, nil
}

// Seal encrypts plaintext with caller-supplied material.
func Seal(plaintext, key, nonce []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce, plaintext, nil), nil
}

// Decrypt opens ciphertext with the given key and nonce. Returns
// ErrDecryptFailed when authentication fails.
func Decrypt(ciphertext, key, nonce []byte) ([]byte, error) {
	if len(key) != KeySize || len(nonce) != NonceSize {
		return nil, ErrDecryptFailed
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	pt, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return pt, nil
}

// DeriveKey expands a shared secret into a per-file key and nonce, salted by
// the transfer id. Both ends compute the same material from the public
// transfer id without the secret ever crossing the hub.
func DeriveKey(secret []byte, transferID string) (key, nonce []byte, err error) {
	r := hkdf.New(sha256.New, secret, []byte(transferID), []byte(hkdfInfo))
	key = make([]byte, KeySize)
	if _, err = io.ReadFull(r, key); err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, NonceSize)
	if _, err = io.ReadFull(r, nonce); err != nil {
		return nil, nil, err
	}
	return key, nonce, nil
}

// ChunkCount returns ceil(size/ChunkSize).
func ChunkCount(size int) int {
	if size <= 0 {
		return 0
	}
	return (size + ChunkSize - 1) / ChunkSize
}
