package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entry does not exist in the store.
var ErrNotFound = errors.New("not found")

// ConnectionInfo is the cached result of device registration: where to
// connect and which topics the cloud assigned. It is only trusted when its
// DeviceID matches the configured identity.
type ConnectionInfo struct {
	DeviceID    string    `json:"device_id"`
	BrokerHost  string    `json:"broker_host"`
	BrokerPort  int       `json:"broker_port"`
	TopicPrefix string    `json:"topic_prefix"`
	Stage       string    `json:"stage"`
	TopicD2C    string    `json:"topic_d2c"`
	TopicC2D    string    `json:"topic_c2d"`
	ResolvedAt  time.Time `json:"resolved_at"`
}

// ShadowConfig holds the cloud-desired device configuration. The cloud can
// change both fields at runtime through c2d CONFIG messages.
type ShadowConfig struct {
	CounterEnable    bool `json:"counterEnable"`
	LocationInterval int  `json:"locationInterval"` // seconds
}

// Store defines the persistence interface for per-device state.
type Store interface {
	SaveConnection(info *ConnectionInfo) error
	GetConnection(deviceID string) (*ConnectionInfo, error)
	DeleteConnection(deviceID string) error

	SaveShadow(deviceID string, cfg *ShadowConfig) error
	GetShadow(deviceID string) (*ShadowConfig, error)

	Close() error
}
