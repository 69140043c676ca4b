package model

// PeerServer is the public description served at /.well-known/notes-server.
type PeerServer struct {
	Domain              string `json:"domain"`
	PublicKey           string `json:"publicKey"`
	EncryptionPublicKey string `json:"encryptionPublicKey,omitempty"`
}

// RemoteDevice is a device key published in a user's identity document.
type RemoteDevice struct {
	DeviceID  string `json:"device_id"`
	PublicKey string `json:"public_key"`
}

// RemoteIdentity is the user identity served at /.well-known/notes-identity/{handle}.
type RemoteIdentity struct {
	ID        string         `json:"id"`
	Handle    string         `json:"handle"`
	PublicKey string         `json:"publicKey"`
	Devices   []RemoteDevice `json:"devices"`
}

// Envelope is a document key wrapped to a single user device.
type Envelope struct {
	UserID       string `json:"user_id"`
	DeviceID     string `json:"device_id"`
	EncryptedKey string `json:"encrypted_key"`
}

// JoinRequest asks a host server to admit users of the requesting server to a document.
type JoinRequest struct {
	RequestingServer string   `json:"requesting_server"`
	Users            []string `json:"users"`
}

// JoinResponse carries exactly one of the key delivery outcomes, or AlreadyJoined.
type JoinResponse struct {
	Envelopes            []Envelope  `json:"envelopes,omitempty"`
	Title                string      `json:"title,omitempty"`
	OwnerID              string      `json:"ownerId,omitempty"`
	AccessLevel          AccessLevel `json:"accessLevel,omitempty"`
	RawKey               string      `json:"rawKey,omitempty"`
	PasswordEncryptedKey string      `json:"passwordEncryptedKey,omitempty"`
	AlreadyJoined        bool        `json:"alreadyJoined,omitempty"`
	Snapshot             string      `json:"snapshot,omitempty"`
}
