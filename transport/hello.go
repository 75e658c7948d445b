package transport

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MrGrillet/Light-box-besktop/crypto"
)

// Channel bootstrap message types. These precede all application traffic on a
// fresh TCP link and never reach the session layer.
const (
	helloTypeChallenge = "hello_challenge"
	helloTypeHello     = "hello"
	helloTypeAck       = "hello_ack"
)

const challengeNonceSize = 32

var (
	// ErrInvalidHelloSignature indicates hello signature verification failed.
	ErrInvalidHelloSignature = errors.New("transport: invalid hello signature")
	// ErrChallengeMismatch indicates the hello echoed a different nonce than
	// the one issued on this link.
	ErrChallengeMismatch = errors.New("transport: challenge nonce mismatch")
)

// LocalIdentity contains the local device values required to bootstrap a
// secure channel.
type LocalIdentity struct {
	DeviceID          string
	Platform          string
	Ed25519PrivateKey ed25519.PrivateKey
	Ed25519PublicKey  ed25519.PublicKey
}

func (id LocalIdentity) validate() error {
	if id.DeviceID == "" {
		return errors.New("transport: device ID is required")
	}
	if len(id.Ed25519PrivateKey) != ed25519.PrivateKeySize {
		return errors.New("transport: invalid Ed25519 private key")
	}
	if len(id.Ed25519PublicKey) != ed25519.PublicKeySize {
		return errors.New("transport: invalid Ed25519 public key")
	}
	return nil
}

type helloChallenge struct {
	Type  string `json:"type"`
	Nonce string `json:"nonce"`
}

// helloMessage carries one side's identity and ephemeral key, signed by the
// device identity key. The echoed challenge nonce binds it to this link.
type helloMessage struct {
	Type             string `json:"type"`
	DeviceID         string `json:"device_id"`
	Platform         string `json:"platform"`
	Ed25519PublicKey string `json:"ed25519_public_key"`
	X25519PublicKey  string `json:"x25519_public_key"`
	ChallengeNonce   string `json:"challenge_nonce"`
	Timestamp        int64  `json:"timestamp"`
	Signature        string `json:"signature"`
}

func newHelloChallenge() (helloChallenge, []byte, error) {
	nonce := make([]byte, challengeNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return helloChallenge{}, nil, fmt.Errorf("generate challenge nonce: %w", err)
	}
	return helloChallenge{
		Type:  helloTypeChallenge,
		Nonce: base64.StdEncoding.EncodeToString(nonce),
	}, nonce, nil
}

func buildHello(identity LocalIdentity, ephemeralPublicKey []byte, challengeNonce, msgType string) (helloMessage, error) {
	if err := identity.validate(); err != nil {
		return helloMessage{}, err
	}

	msg := helloMessage{
		Type:             msgType,
		DeviceID:         identity.DeviceID,
		Platform:         identity.Platform,
		Ed25519PublicKey: base64.StdEncoding.EncodeToString(identity.Ed25519PublicKey),
		X25519PublicKey:  base64.StdEncoding.EncodeToString(ephemeralPublicKey),
		ChallengeNonce:   challengeNonce,
		Timestamp:        time.Now().UnixMilli(),
	}

	signable, err := helloSignable(msg)
	if err != nil {
		return helloMessage{}, err
	}
	signature, err := crypto.Sign(identity.Ed25519PrivateKey, signable)
	if err != nil {
		return helloMessage{}, fmt.Errorf("sign hello: %w", err)
	}
	msg.Signature = base64.StdEncoding.EncodeToString(signature)

	return msg, nil
}

// verifyHello checks the signature and challenge binding of a peer hello and
// returns the peer's identity key plus raw X25519 ephemeral key.
func verifyHello(msg helloMessage, wantNonce string) (ed25519.PublicKey, []byte, error) {
	if msg.ChallengeNonce != wantNonce {
		return nil, nil, ErrChallengeMismatch
	}

	publicKeyBytes, err := base64.StdEncoding.DecodeString(msg.Ed25519PublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("decode Ed25519 public key: %w", err)
	}
	if len(publicKeyBytes) != ed25519.PublicKeySize {
		return nil, nil, errors.New("transport: invalid Ed25519 public key length")
	}
	publicKey := ed25519.PublicKey(publicKeyBytes)

	signatureBytes, err := base64.StdEncoding.DecodeString(msg.Signature)
	if err != nil {
		return nil, nil, fmt.Errorf("decode hello signature: %w", err)
	}

	signable, err := helloSignable(msg)
	if err != nil {
		return nil, nil, err
	}
	if !crypto.Verify(publicKey, signable, signatureBytes) {
		return nil, nil, ErrInvalidHelloSignature
	}

	ephemeralKey, err := base64.StdEncoding.DecodeString(msg.X25519PublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("decode X25519 public key: %w", err)
	}

	return publicKey, ephemeralKey, nil
}

func helloSignable(msg helloMessage) ([]byte, error) {
	msg.Signature = ""
	signable, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal hello signable payload: %w", err)
	}
	return signable, nil
}
