// Package keycrypto implements the key primitives of the federation protocol:
// Ed25519 signatures, X25519 key agreement and the document key envelope.
//
// An envelope wraps a document key to a recipient X25519 public key:
//
//	ephemeralPub(32) || nonce(24) || XChaCha20-Poly1305(key, nonce, documentKey)
//
// where key = HKDF-SHA256(X25519(ephemeralPriv, recipientPub), info="notes-app-key-encryption").
package keycrypto

import (
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of document keys and X25519 keys.
	KeySize = 32
	// NonceSize is the XChaCha20-Poly1305 nonce size.
	NonceSize = chacha20poly1305.NonceSizeX

	envelopeHeaderSize = curve25519.PointSize + NonceSize
	hkdfInfo           = "notes-app-key-encryption"
)

var (
	ErrInvalidKey        = errors.New("invalid key")
	ErrMalformedEnvelope = errors.New("malformed key envelope")
	ErrDecryptionFailed  = errors.New("decryption failed")
)

// GenerateSigningKeyPair creates a new Ed25519 key pair.
func GenerateSigningKeyPair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	return pub, priv, nil
}

// Sign signs message with an Ed25519 private key.
func Sign(message []byte, priv ed25519.PrivateKey) []byte {
	return ed25519.Sign(priv, message)
}

// Verify reports whether signature is a valid Ed25519 signature of message.
// Malformed keys or signatures yield false.
func Verify(signature, message []byte, pub ed25519.PublicKey) bool {
	if len(pub) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, message, signature)
}

// GenerateEncryptionKeyPair creates a new X25519 key pair.
func GenerateEncryptionKeyPair() (pub, priv []byte, err error) {
	priv = make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return nil, nil, fmt.Errorf("failed to generate encryption key: %w", err)
	}
	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to derive public key: %w", err)
	}
	return pub, priv, nil
}

// GenerateDocumentKey returns a fresh random symmetric document key.
func GenerateDocumentKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate document key: %w", err)
	}
	return key, nil
}

// EncryptKeyForRecipient wraps rawKey so that only the holder of the private
// key matching recipientPub can recover it.
func EncryptKeyForRecipient(rawKey, recipientPub []byte) ([]byte, error) {
	if len(recipientPub) != curve25519.PointSize {
		return nil, fmt.Errorf("%w: recipient public key must be %d bytes", ErrInvalidKey, curve25519.PointSize)
	}

	ephemeralPub, ephemeralPriv, err := GenerateEncryptionKeyPair()
	if err != nil {
		return nil, err
	}

	shared, err := curve25519.X25519(ephemeralPriv, recipientPub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	aead, err := newWrapCipher(shared)
	if err != nil {
		return nil, err
	}

	envelope := make([]byte, envelopeHeaderSize, envelopeHeaderSize+len(rawKey)+aead.Overhead())
	copy(envelope, ephemeralPub)
	nonce := envelope[curve25519.PointSize:envelopeHeaderSize]
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return aead.Seal(envelope, nonce, rawKey, nil), nil
}

// CheckEnvelope reports ErrMalformedEnvelope when envelope is too short to
// hold an ephemeral key and a nonce.
func CheckEnvelope(envelope []byte) error {
	if len(envelope) < envelopeHeaderSize {
		return ErrMalformedEnvelope
	}
	return nil
}

// DecryptKeyForRecipient opens an envelope produced by EncryptKeyForRecipient.
func DecryptKeyForRecipient(envelope, recipientPriv []byte) ([]byte, error) {
	if err := CheckEnvelope(envelope); err != nil {
		return nil, err
	}
	if len(recipientPriv) != curve25519.ScalarSize {
		return nil, fmt.Errorf("%w: recipient private key must be %d bytes", ErrInvalidKey, curve25519.ScalarSize)
	}

	ephemeralPub := envelope[:curve25519.PointSize]
	nonce := envelope[curve25519.PointSize:envelopeHeaderSize]
	ciphertext := envelope[envelopeHeaderSize:]

	shared, err := curve25519.X25519(recipientPriv, ephemeralPub)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	aead, err := newWrapCipher(shared)
	if err != nil {
		return nil, err
	}

	rawKey, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return rawKey, nil
}

// EncryptContent seals plaintext with a document key. The random nonce is prepended.
func EncryptContent(plaintext, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	out := make([]byte, NonceSize, NonceSize+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(out); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return aead.Seal(out, out[:NonceSize], plaintext, nil), nil
}

// DecryptContent opens data produced by EncryptContent.
func DecryptContent(ciphertext, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(ciphertext) < NonceSize+aead.Overhead() {
		return nil, ErrMalformedEnvelope
	}

	plaintext, err := aead.Open(nil, ciphertext[:NonceSize], ciphertext[NonceSize:], nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// Encode returns the standard base64 form used for keys and envelopes on the wire.
func Encode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// Decode parses a base64 key or envelope.
func Decode(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}
	return b, nil
}

func newWrapCipher(shared []byte) (cipher.AEAD, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("failed to derive wrapping key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to init cipher: %w", err)
	}
	return aead, nil
}
