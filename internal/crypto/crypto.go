// Package crypto wraps the NaCl box primitives used for the encrypted
// channel between the peripheral and a connected central. It uses X25519
// for key agreement and XSalsa20-Poly1305 for authenticated encryption.
package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/sha3"
)

const (
	// KeySize is the size of X25519 public, secret and shared keys in bytes.
	KeySize = 32

	// NonceSize is the size of box nonces in bytes.
	NonceSize = 24

	// TagSize is the size of the Poly1305 authentication tag appended to
	// every ciphertext.
	TagSize = box.Overhead

	// HashSize is the size of a SHA3-256 digest in bytes.
	HashSize = 32
)

var (
	// ErrDecryptionFailed is returned when a ciphertext fails
	// authentication. Tampered data, a damaged tag and a wrong nonce are
	// deliberately indistinguishable; input too short to hold a tag is
	// reported as ErrCiphertextTooShort instead.
	ErrDecryptionFailed = errors.New("box decryption failed")

	// ErrInvalidPublicKey is returned for a malformed remote public key.
	ErrInvalidPublicKey = errors.New("invalid public key")

	// ErrCiphertextTooShort is returned when a ciphertext cannot even hold
	// the authentication tag.
	ErrCiphertextTooShort = errors.New("ciphertext shorter than authentication tag")
)

// GenerateKeypair generates a new X25519 keypair.
func GenerateKeypair() (publicKey, secretKey [KeySize]byte, err error) {
	pub, sec, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return publicKey, secretKey, fmt.Errorf("generate keypair: %w", err)
	}
	return *pub, *sec, nil
}

// DeriveShared computes the precomputed shared key for (localSecret,
// peerPublic), the crypto_box_beforenm construction (X25519 + HSalsa20).
// An all-zero peer key is rejected before the scalar multiplication.
func DeriveShared(localSecret, peerPublic [KeySize]byte) ([KeySize]byte, error) {
	var shared, zero [KeySize]byte
	if peerPublic == zero {
		return shared, ErrInvalidPublicKey
	}

	// A low-order peer key yields an all-zero X25519 output; HSalsa20 of
	// zero is a fixed, attacker-known value, so refuse it outright.
	if _, err := curve25519.X25519(localSecret[:], peerPublic[:]); err != nil {
		return shared, ErrInvalidPublicKey
	}

	box.Precompute(&shared, &peerPublic, &localSecret)
	return shared, nil
}

// Seal encrypts plaintext to peerPublic using localSecret and the given
// nonce. The result is len(plaintext)+TagSize bytes.
func Seal(plaintext []byte, nonce [NonceSize]byte, peerPublic, localSecret [KeySize]byte) []byte {
	return box.Seal(nil, plaintext, &nonce, &peerPublic, &localSecret)
}

// Open authenticates and decrypts a ciphertext produced by Seal. It
// returns ErrDecryptionFailed on any authentication failure without
// revealing which part of the input was wrong.
func Open(ciphertext []byte, nonce [NonceSize]byte, peerPublic, localSecret [KeySize]byte) ([]byte, error) {
	if len(ciphertext) < TagSize {
		return nil, ErrCiphertextTooShort
	}

	plaintext, ok := box.Open(nil, ciphertext, &nonce, &peerPublic, &localSecret)
	if !ok {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// SealShared encrypts plaintext under a precomputed shared key from
// DeriveShared, avoiding the per-message Diffie-Hellman.
func SealShared(plaintext []byte, nonce [NonceSize]byte, shared [KeySize]byte) []byte {
	return box.SealAfterPrecomputation(nil, plaintext, &nonce, &shared)
}

// OpenShared authenticates and decrypts a ciphertext under a precomputed
// shared key.
func OpenShared(ciphertext []byte, nonce [NonceSize]byte, shared [KeySize]byte) ([]byte, error) {
	if len(ciphertext) < TagSize {
		return nil, ErrCiphertextTooShort
	}

	plaintext, ok := box.OpenAfterPrecomputation(nil, ciphertext, &nonce, &shared)
	if !ok {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// RandomNonce returns a cryptographically random box nonce.
func RandomNonce() ([NonceSize]byte, error) {
	var nonce [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nonce, fmt.Errorf("generate nonce: %w", err)
	}
	return nonce, nil
}

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("generate random bytes: %w", err)
	}
	return b, nil
}

// Hash returns the SHA3-256 digest of data.
func Hash(data []byte) [HashSize]byte {
	return sha3.Sum256(data)
}

// ZeroBytes zeroes out a byte slice to prevent key material from
// lingering in memory.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// ZeroKey zeroes out a key array.
func ZeroKey(k *[KeySize]byte) {
	for i := range k {
		k[i] = 0
	}
}
