package service

import (
	"context"
	"fmt"

	"github.com/dtroode/notesfed/internal/identity"
	"github.com/dtroode/notesfed/internal/keycrypto"
	"github.com/dtroode/notesfed/internal/logger"
	"github.com/dtroode/notesfed/internal/model"
)

// IdentityFetcher looks up a user's published keys on their home server.
type IdentityFetcher interface {
	FetchUserIdentity(ctx context.Context, handle, requestingDomain string) (model.RemoteIdentity, error)
}

// KeyOutcome tells which delivery path a key resolution took.
type KeyOutcome int

const (
	// OutcomeEnvelopes delivers the key wrapped to each recipient device.
	OutcomeEnvelopes KeyOutcome = iota
	// OutcomeRawKey delivers the plaintext key of an open document.
	OutcomeRawKey
	// OutcomePasswordKey delivers the password-wrapped key; the joiner must know the password.
	OutcomePasswordKey
)

// KeyResolution is the result of brokering a document key.
type KeyResolution struct {
	Outcome              KeyOutcome
	RawKey               []byte
	PasswordEncryptedKey string
	Envelopes            []model.Envelope
}

// Broker hands out document keys escrowed to this server, re-wrapped for the
// joining users, without ever persisting the plaintext key.
type Broker struct {
	identity *identity.Identity
	fetcher  IdentityFetcher
	logger   *logger.Logger
}

// NewBroker creates a Broker.
func NewBroker(id *identity.Identity, fetcher IdentityFetcher, logger *logger.Logger) *Broker {
	return &Broker{identity: id, fetcher: fetcher, logger: logger}
}

// Resolve picks the key delivery path for doc. Users are federated handles on
// requestingDomain; they are only consulted when envelopes must be issued.
func (b *Broker) Resolve(ctx context.Context, doc model.Document, users []string, requestingDomain string) (KeyResolution, error) {
	switch {
	case doc.AccessLevel.IsOpen() && doc.ServerEncryptedKey != "":
		rawKey, err := b.openEscrow(doc)
		if err != nil {
			return KeyResolution{}, err
		}
		return KeyResolution{Outcome: OutcomeRawKey, RawKey: rawKey}, nil

	case doc.AccessLevel == model.AccessPasswordProtected:
		if doc.PasswordEncryptedKey == "" {
			return KeyResolution{}, model.ErrPasswordKeyUnavailable
		}
		return KeyResolution{Outcome: OutcomePasswordKey, PasswordEncryptedKey: doc.PasswordEncryptedKey}, nil

	case doc.ServerEncryptedKey != "":
		rawKey, err := b.openEscrow(doc)
		if err != nil {
			return KeyResolution{}, err
		}
		envelopes := b.issueEnvelopes(ctx, rawKey, users, requestingDomain)
		clear(rawKey)
		if len(envelopes) == 0 {
			return KeyResolution{}, fmt.Errorf("%w: no recipient keys could be resolved", model.ErrKeyUnavailable)
		}
		return KeyResolution{Outcome: OutcomeEnvelopes, Envelopes: envelopes}, nil

	default:
		return KeyResolution{}, model.ErrKeyUnavailable
	}
}

// Issue wraps the escrowed key of doc to every device of the given users.
// Users whose keys cannot be resolved get no envelopes.
func (b *Broker) Issue(ctx context.Context, doc model.Document, users []string, requestingDomain string) ([]model.Envelope, error) {
	if doc.ServerEncryptedKey == "" {
		return nil, model.ErrKeyUnavailable
	}
	rawKey, err := b.openEscrow(doc)
	if err != nil {
		return nil, err
	}
	defer clear(rawKey)

	return b.issueEnvelopes(ctx, rawKey, users, requestingDomain), nil
}

func (b *Broker) openEscrow(doc model.Document) ([]byte, error) {
	envelope, err := keycrypto.Decode(doc.ServerEncryptedKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrKeyUnavailable, err)
	}

	rawKey, err := b.identity.OpenEscrow(envelope)
	if err != nil {
		b.logger.Error("failed to open escrowed document key", "doc_id", doc.ID, "error", err)
		return nil, fmt.Errorf("%w: %v", model.ErrKeyUnavailable, err)
	}
	return rawKey, nil
}

// issueEnvelopes wraps rawKey to the primary key and every device of each user.
// Users whose identity cannot be fetched are skipped.
func (b *Broker) issueEnvelopes(ctx context.Context, rawKey []byte, users []string, requestingDomain string) []model.Envelope {
	var envelopes []model.Envelope

	for _, handle := range users {
		remote, err := b.fetcher.FetchUserIdentity(ctx, handle, requestingDomain)
		if err != nil {
			b.logger.Warn("skipping user without resolvable identity", "handle", handle, "error", err)
			continue
		}

		if remote.PublicKey != "" {
			if env, ok := b.wrap(rawKey, handle, model.PrimaryDeviceID, remote.PublicKey); ok {
				envelopes = append(envelopes, env)
			}
		}
		for _, device := range remote.Devices {
			if env, ok := b.wrap(rawKey, handle, device.DeviceID, device.PublicKey); ok {
				envelopes = append(envelopes, env)
			}
		}
	}

	return envelopes
}

func (b *Broker) wrap(rawKey []byte, handle, deviceID, publicKey string) (model.Envelope, bool) {
	pub, err := keycrypto.Decode(publicKey)
	if err != nil {
		b.logger.Warn("skipping malformed device key", "handle", handle, "device_id", deviceID, "error", err)
		return model.Envelope{}, false
	}

	sealed, err := keycrypto.EncryptKeyForRecipient(rawKey, pub)
	if err != nil {
		b.logger.Warn("failed to wrap document key", "handle", handle, "device_id", deviceID, "error", err)
		return model.Envelope{}, false
	}

	return model.Envelope{
		UserID:       handle,
		DeviceID:     deviceID,
		EncryptedKey: keycrypto.Encode(sealed),
	}, true
}
