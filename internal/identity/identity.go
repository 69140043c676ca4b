// Package identity manages the long-lived key material of this server.
package identity

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/dtroode/notesfed/internal/keycrypto"
	"github.com/dtroode/notesfed/internal/model"
)

// Identity holds the server's signing and escrow key pairs.
// It is created once at startup and passed explicitly to the components that need it.
type Identity struct {
	Domain               string
	SigningPublicKey     ed25519.PublicKey
	SigningPrivateKey    ed25519.PrivateKey
	EncryptionPublicKey  []byte
	EncryptionPrivateKey []byte
}

// fileFormat is the on-disk layout of the identity file. Keys are base64.
type fileFormat struct {
	PublicKey            string `json:"publicKey"`
	PrivateKey           string `json:"privateKey"`
	EncryptionPublicKey  string `json:"encryptionPublicKey,omitempty"`
	EncryptionPrivateKey string `json:"encryptionPrivateKey,omitempty"`
	Domain               string `json:"domain"`
}

// New generates a fresh in-memory identity for domain.
func New(domain string) (*Identity, error) {
	signPub, signPriv, err := keycrypto.GenerateSigningKeyPair()
	if err != nil {
		return nil, err
	}
	encPub, encPriv, err := keycrypto.GenerateEncryptionKeyPair()
	if err != nil {
		return nil, err
	}

	return &Identity{
		Domain:               domain,
		SigningPublicKey:     signPub,
		SigningPrivateKey:    signPriv,
		EncryptionPublicKey:  encPub,
		EncryptionPrivateKey: encPriv,
	}, nil
}

// LoadOrCreate loads the identity stored at path, generating and saving a new one
// when the file does not exist. Files written before escrow keys existed are
// upgraded in place. The configured domain always overrides the stored one.
// The returned bool reports whether the file was written.
func LoadOrCreate(path, domain string) (*Identity, bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		id, err := New(domain)
		if err != nil {
			return nil, false, err
		}
		if err := id.Save(path); err != nil {
			return nil, false, err
		}
		return id, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read identity file: %w", err)
	}

	var stored fileFormat
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, false, fmt.Errorf("failed to parse identity file: %w", err)
	}

	id, err := stored.decode()
	if err != nil {
		return nil, false, err
	}
	id.Domain = domain

	if id.EncryptionPublicKey != nil {
		return id, false, nil
	}

	id.EncryptionPublicKey, id.EncryptionPrivateKey, err = keycrypto.GenerateEncryptionKeyPair()
	if err != nil {
		return nil, false, err
	}
	if err := id.Save(path); err != nil {
		return nil, false, err
	}
	return id, true, nil
}

// Save writes the identity to path, readable by the owner only.
func (i *Identity) Save(path string) error {
	data, err := json.MarshalIndent(fileFormat{
		PublicKey:            keycrypto.Encode(i.SigningPublicKey),
		PrivateKey:           keycrypto.Encode(i.SigningPrivateKey),
		EncryptionPublicKey:  keycrypto.Encode(i.EncryptionPublicKey),
		EncryptionPrivateKey: keycrypto.Encode(i.EncryptionPrivateKey),
		Domain:               i.Domain,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode identity: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write identity file: %w", err)
	}
	return nil
}

// Sign signs message with the server signing key.
func (i *Identity) Sign(message []byte) []byte {
	return keycrypto.Sign(message, i.SigningPrivateKey)
}

// EscrowKey wraps a document key to the server encryption key.
func (i *Identity) EscrowKey(rawKey []byte) ([]byte, error) {
	return keycrypto.EncryptKeyForRecipient(rawKey, i.EncryptionPublicKey)
}

// OpenEscrow recovers a document key previously wrapped to the server encryption key.
func (i *Identity) OpenEscrow(envelope []byte) ([]byte, error) {
	return keycrypto.DecryptKeyForRecipient(envelope, i.EncryptionPrivateKey)
}

// Public returns the description served to peers and clients.
func (i *Identity) Public() model.PeerServer {
	return model.PeerServer{
		Domain:              i.Domain,
		PublicKey:           keycrypto.Encode(i.SigningPublicKey),
		EncryptionPublicKey: keycrypto.Encode(i.EncryptionPublicKey),
	}
}

func (f fileFormat) decode() (*Identity, error) {
	signPub, err := keycrypto.Decode(f.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("invalid signing public key: %w", err)
	}
	if len(signPub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("signing public key has %d bytes, want %d", len(signPub), ed25519.PublicKeySize)
	}

	signPriv, err := keycrypto.Decode(f.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid signing private key: %w", err)
	}
	switch len(signPriv) {
	case ed25519.PrivateKeySize:
	case ed25519.SeedSize:
		signPriv = ed25519.NewKeyFromSeed(signPriv)
	default:
		return nil, fmt.Errorf("signing private key has %d bytes, want %d", len(signPriv), ed25519.PrivateKeySize)
	}

	id := &Identity{
		Domain:            f.Domain,
		SigningPublicKey:  signPub,
		SigningPrivateKey: signPriv,
	}

	if f.EncryptionPublicKey == "" || f.EncryptionPrivateKey == "" {
		return id, nil
	}

	id.EncryptionPublicKey, err = keycrypto.Decode(f.EncryptionPublicKey)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption public key: %w", err)
	}
	id.EncryptionPrivateKey, err = keycrypto.Decode(f.EncryptionPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption private key: %w", err)
	}
	if len(id.EncryptionPublicKey) != keycrypto.KeySize || len(id.EncryptionPrivateKey) != keycrypto.KeySize {
		return nil, fmt.Errorf("encryption keys must be %d bytes", keycrypto.KeySize)
	}

	return id, nil
}
