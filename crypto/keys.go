// Package crypto holds the key management and secure-channel primitives
// used by the transport layer: an on-disk Ed25519 device identity, X25519
// ephemeral agreement, HKDF session-key derivation, and AES-GCM sealing.
package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

const (
	ed25519PrivatePEMType = "ED25519 PRIVATE KEY"
	ed25519PublicPEMType  = "ED25519 PUBLIC KEY"
)

// EnsureDeviceKeyPair loads the device's Ed25519 identity keypair from disk,
// generating and persisting it on first run.
func EnsureDeviceKeyPair(privatePath, publicPath string) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	privateKey, err := loadEd25519PrivateKey(privatePath)
	if err == nil {
		publicKey := privateKey.Public().(ed25519.PublicKey)

		storedPublic, pubErr := loadEd25519PublicKey(publicPath)
		if pubErr != nil || !bytes.Equal(storedPublic, publicKey) {
			if err := saveEd25519PublicKey(publicPath, publicKey); err != nil {
				return nil, nil, err
			}
		}

		return privateKey, publicKey, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, nil, err
	}

	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate device keypair: %w", err)
	}

	if err := saveEd25519PrivateKey(privatePath, privateKey); err != nil {
		return nil, nil, err
	}
	if err := saveEd25519PublicKey(publicPath, publicKey); err != nil {
		return nil, nil, err
	}

	return privateKey, publicKey, nil
}

// Sign signs data with the device identity key.
func Sign(privateKey ed25519.PrivateKey, data []byte) ([]byte, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid Ed25519 private key length: got %d want %d", len(privateKey), ed25519.PrivateKeySize)
	}
	if len(data) == 0 {
		return nil, errors.New("data is required")
	}
	return ed25519.Sign(privateKey, data), nil
}

// Verify verifies an Ed25519 signature over data.
func Verify(publicKey ed25519.PublicKey, data, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(data) == 0 || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(publicKey, data, signature)
}

// KeyFingerprint returns the truncated SHA-256 hex fingerprint of a public key.
func KeyFingerprint(publicKey ed25519.PublicKey) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:16])
}

// FormatFingerprint returns fingerprint text grouped in chunks of 4 uppercase chars.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))
	if clean == "" {
		return ""
	}

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}

		end := i + 4
		if end > len(clean) {
			end = len(clean)
		}
		b.WriteString(clean[i:end])
	}

	return b.String()
}

func loadEd25519PrivateKey(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read Ed25519 private key: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode Ed25519 private PEM: no PEM block")
	}
	if block.Type != ed25519PrivatePEMType {
		return nil, fmt.Errorf("decode Ed25519 private PEM: unexpected type %q", block.Type)
	}
	if len(block.Bytes) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("decode Ed25519 private PEM: invalid key size %d", len(block.Bytes))
	}

	return ed25519.PrivateKey(block.Bytes), nil
}

func loadEd25519PublicKey(path string) (ed25519.PublicKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read Ed25519 public key: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode Ed25519 public PEM: no PEM block")
	}
	if block.Type != ed25519PublicPEMType {
		return nil, fmt.Errorf("decode Ed25519 public PEM: unexpected type %q", block.Type)
	}
	if len(block.Bytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("decode Ed25519 public PEM: invalid key size %d", len(block.Bytes))
	}

	return ed25519.PublicKey(block.Bytes), nil
}

func saveEd25519PrivateKey(path string, key ed25519.PrivateKey) error {
	block := &pem.Block{
		Type:  ed25519PrivatePEMType,
		Bytes: key,
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("write Ed25519 private key: %w", err)
	}
	return nil
}

func saveEd25519PublicKey(path string, key ed25519.PublicKey) error {
	block := &pem.Block{
		Type:  ed25519PublicPEMType,
		Bytes: key,
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o644); err != nil {
		return fmt.Errorf("write Ed25519 public key: %w", err)
	}
	return nil
}
