package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const sessionKeySize = 32

var x25519Curve = ecdh.X25519()

// GenerateEphemeralKeyPair creates a fresh X25519 keypair for one channel
// establishment. Ephemeral keys are never persisted.
func GenerateEphemeralKeyPair() (*ecdh.PrivateKey, *ecdh.PublicKey, error) {
	privateKey, err := x25519Curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ephemeral X25519 keypair: %w", err)
	}
	return privateKey, privateKey.PublicKey(), nil
}

// ParseX25519PublicKey validates and parses a raw 32-byte X25519 public key.
func ParseX25519PublicKey(raw []byte) (*ecdh.PublicKey, error) {
	publicKey, err := x25519Curve.NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse X25519 public key: %w", err)
	}
	return publicKey, nil
}

// ComputeSharedSecret performs X25519 ECDH between a local private key and a
// peer public key.
func ComputeSharedSecret(privateKey *ecdh.PrivateKey, peerPublicKey *ecdh.PublicKey) ([]byte, error) {
	secret, err := privateKey.ECDH(peerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("compute X25519 shared secret: %w", err)
	}
	return secret, nil
}

// DeriveChannelKey derives the 32-byte AES-256-GCM channel key from an ECDH
// shared secret. The HKDF info binds both device IDs in sorted order plus the
// challenge nonce, so both endpoints derive the same key and a transcript
// from one pairing cannot be replayed against another.
func DeriveChannelKey(sharedSecret []byte, localDeviceID, peerDeviceID string, challengeNonce []byte) ([]byte, error) {
	if len(sharedSecret) == 0 {
		return nil, errors.New("shared secret is required")
	}
	if localDeviceID == "" || peerDeviceID == "" {
		return nil, errors.New("both device IDs are required")
	}

	first, second := localDeviceID, peerDeviceID
	if strings.Compare(first, second) > 0 {
		first, second = second, first
	}

	info := make([]byte, 0, len(first)+len(second)+len(challengeNonce)+16)
	info = append(info, "lightbox-channel|"...)
	info = append(info, first...)
	info = append(info, '|')
	info = append(info, second...)
	info = append(info, '|')
	info = append(info, challengeNonce...)

	reader := hkdf.New(sha256.New, sharedSecret, nil, info)
	key := make([]byte, sessionKeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive channel key: %w", err)
	}
	return key, nil
}

// Seal encrypts a frame payload with AES-256-GCM and returns ciphertext and
// nonce.
func Seal(channelKey, plaintext []byte) (ciphertext, nonce []byte, err error) {
	aead, err := newAEAD(channelKey)
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	return aead.Seal(nil, nonce, plaintext, nil), nonce, nil
}

// Open decrypts an AES-256-GCM sealed payload using the provided nonce.
func Open(channelKey, nonce, ciphertext []byte) ([]byte, error) {
	aead, err := newAEAD(channelKey)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("invalid nonce length: got %d want %d", len(nonce), aead.NonceSize())
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errors.New("decrypt payload: authentication failed")
	}
	return plaintext, nil
}

func newAEAD(channelKey []byte) (cipher.AEAD, error) {
	if len(channelKey) != sessionKeySize {
		return nil, fmt.Errorf("invalid channel key length: got %d want %d", len(channelKey), sessionKeySize)
	}

	block, err := aes.NewCipher(channelKey)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return aead, nil
}
