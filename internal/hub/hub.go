// Package hub defines the hub client capability consumed by device sign-up.
//
// Ownership boundary:
// - device registry contract
// - session open/pull/finalize contract
// - connection string shapes
//
// Implementations live in natshub (JetStream) and memhub (in-process).
package hub

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDeviceExists      = errors.New("hub: device already exists")
	ErrDeviceNotFound    = errors.New("hub: device not found")
	ErrDeviceDisabled    = errors.New("hub: device disabled")
	ErrSessionClosed     = errors.New("hub: session closed")
	ErrAlreadyFinalized  = errors.New("hub: message already finalized")
	ErrForeignMessage    = errors.New("hub: message does not belong to session")
	ErrHostNameRequired  = errors.New("hub: HostName required")
	ErrMalformedConnInfo = errors.New("hub: malformed connection string")
)

type DeviceStatus string

const (
	DeviceEnabled  DeviceStatus = "enabled"
	DeviceDisabled DeviceStatus = "disabled"
)

// Authentication is the symmetric key pair issued to a device.
type Authentication struct {
	PrimaryKey   string `cbor:"1,keyasint" json:"primary_key"`
	SecondaryKey string `cbor:"2,keyasint" json:"secondary_key"`
}

// DeviceRecord is the hub-side registration of one device.
type DeviceRecord struct {
	ID        string         `cbor:"1,keyasint" json:"id"`
	Auth      Authentication `cbor:"2,keyasint" json:"auth"`
	Status    DeviceStatus   `cbor:"3,keyasint" json:"status"`
	CreatedAt time.Time      `cbor:"4,keyasint" json:"created_at"`
}

// Message is one inbound hub-to-device message handle.
type Message interface {
	ID() string
	Payload() []byte
	Properties() map[string]string
}

// Registry creates and fetches device records.
type Registry interface {
	// AddDevice returns ErrDeviceExists when id is already registered.
	AddDevice(ctx context.Context, id string) (DeviceRecord, error)
	GetDevice(ctx context.Context, id string) (DeviceRecord, error)
}

// Connector opens device sessions.
type Connector interface {
	OpenSession(ctx context.Context, info DeviceConnectionInfo) (Session, error)
}

// Session is a live device connection. Pull returns (nil, nil) when no
// message arrived within the session's wait window.
type Session interface {
	Pull() (Message, error)
	Acknowledge(msg Message) error
	Reject(msg Message) error
	Close() error
}

// Sender pushes hub-to-device messages.
type Sender interface {
	SendToDevice(ctx context.Context, id string, payload []byte, props map[string]string) error
}
