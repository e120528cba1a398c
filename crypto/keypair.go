package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// KeyPair is the local node's long-term NaCl crypto_box key pair.
// Only the public half leaves the process; it is advertised to peers and
// hashed into the node's NodeID.
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateKeyPair creates a new random NaCl key pair.
func GenerateKeyPair() (*KeyPair, error) {
	logger := NewLogger("crypto", "GenerateKeyPair")

	publicKey, privateKey, err := box.GenerateKey(rand.Reader)
	if err != nil {
		logger.WithError(err, "box.GenerateKey").Error("Key pair generation failed")
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}

	logger.WithFields(KeyPreview(publicKey[:], "public_key")).Debug("Generated key pair")
	return &KeyPair{
		Public:  *publicKey,
		Private: *privateKey,
	}, nil
}

// FromSecretKey rebuilds a key pair from an existing private key.
func FromSecretKey(secretKey [32]byte) (*KeyPair, error) {
	if isZeroKey(secretKey) {
		return nil, errors.New("invalid secret key: all zeros")
	}

	pub, err := curve25519.X25519(secretKey[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}

	kp := &KeyPair{Private: secretKey}
	copy(kp.Public[:], pub)
	return kp, nil
}

// FromSecretKeyHex rebuilds a key pair from a hex encoded private key.
func FromSecretKeyHex(s string) (*KeyPair, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid secret key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("invalid secret key: %d bytes, want 32", len(raw))
	}

	var secretKey [32]byte
	copy(secretKey[:], raw)
	return FromSecretKey(secretKey)
}

// SecretKeyHex returns the private key as a hexadecimal string.
func (kp *KeyPair) SecretKeyHex() string {
	return hex.EncodeToString(kp.Private[:])
}

// NodeID returns the overlay identifier derived from the public key.
func (kp *KeyPair) NodeID() NodeID {
	return NodeIDFromPublicKey(kp.Public)
}

// PublicKeyHex returns the public key as a hexadecimal string.
func (kp *KeyPair) PublicKeyHex() string {
	return hex.EncodeToString(kp.Public[:])
}

// isZeroKey checks if a key consists of all zeros.
func isZeroKey(key [32]byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}
