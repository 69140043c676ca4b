package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/dtroode/notesfed/internal/federation"
	"github.com/dtroode/notesfed/internal/model"
)

// Directory publishes the keys of local users under their federated handles.
type Directory struct {
	users  model.UserStore
	domain string
}

func NewDirectory(users model.UserStore, domain string) *Directory {
	return &Directory{users: users, domain: domain}
}

// Lookup returns the identity document of a local user. Handles of other
// domains are not served here.
func (d *Directory) Lookup(ctx context.Context, rawHandle string) (model.RemoteIdentity, error) {
	h, err := federation.ParseHandle(rawHandle, d.domain)
	if err != nil {
		return model.RemoteIdentity{}, err
	}
	if h.Domain != d.domain {
		return model.RemoteIdentity{}, fmt.Errorf("%w: %s is not a local handle", model.ErrNotFound, h)
	}

	user, err := d.users.GetByUsername(ctx, h.User)
	if err != nil {
		return model.RemoteIdentity{}, fmt.Errorf("failed to get user: %w", err)
	}
	devices, err := d.users.ListDevices(ctx, user.ID)
	if err != nil {
		return model.RemoteIdentity{}, fmt.Errorf("failed to list devices: %w", err)
	}

	identity := model.RemoteIdentity{
		ID:        user.ID.String(),
		Handle:    h.String(),
		PublicKey: user.PublicKey,
		Devices:   make([]model.RemoteDevice, 0, len(devices)),
	}
	for _, dev := range devices {
		identity.Devices = append(identity.Devices, model.RemoteDevice{DeviceID: dev.DeviceID, PublicKey: dev.PublicKey})
	}
	return identity, nil
}

// HandleOf returns the federated handle of a local user.
func (d *Directory) HandleOf(ctx context.Context, userID uuid.UUID) (string, error) {
	user, err := d.users.GetByID(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("failed to get user: %w", err)
	}
	return federation.Handle{User: user.Username, Domain: d.domain}.String(), nil
}
