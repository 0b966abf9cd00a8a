package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"trackersim/internal/cloud"
	"trackersim/internal/store"
)

// Identity is the externally supplied device identity. Immutable for the
// process lifetime.
type Identity struct {
	DeviceID string
	APIKey   string
}

// SessionContext bundles everything the session layer needs to open a
// connection: who the device is, its credentials, and where to connect.
type SessionContext struct {
	Identity Identity
	Bundle   *Bundle
	Conn     *store.ConnectionInfo
}

// Error is a fatal provisioning failure, with the stage that failed.
type Error struct {
	Stage string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provisioning failed at %s: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Directory is the slice of the cloud API the provisioner needs.
type Directory interface {
	Account(ctx context.Context) (*cloud.AccountInfo, error)
	Device(ctx context.Context, deviceID string) (*cloud.DeviceStatus, error)
	Onboard(ctx context.Context, deviceID, certPEM string) error
}

// onboardAttempts bounds the registration retries at this call site; the
// REST client itself never retries.
const onboardAttempts = 3

// Provisioner composes the certificate store, cloud directory, and the
// connection-info cache into a ready-to-connect SessionContext.
type Provisioner struct {
	identity  Identity
	certs     *CertStore
	directory Directory
	cache     store.Store
	logger    *slog.Logger
}

// New creates a Provisioner.
func New(identity Identity, certs *CertStore, directory Directory, cache store.Store, logger *slog.Logger) *Provisioner {
	return &Provisioner{
		identity:  identity,
		certs:     certs,
		directory: directory,
		cache:     cache,
		logger:    logger.With("component", "provision"),
	}
}

// Ensure returns a SessionContext, creating and registering credentials on
// first run and reusing cached state on subsequent runs. Idempotent.
func (p *Provisioner) Ensure(ctx context.Context) (*SessionContext, error) {
	if err := p.certs.EnsureRootCA(ctx); err != nil {
		return nil, &Error{Stage: "root-ca", Err: err}
	}

	bundle, err := p.certs.Load(p.identity.DeviceID)
	switch {
	case errors.Is(err, ErrNoBundle):
		bundle, err = p.certs.Create(p.identity.DeviceID)
		if err != nil {
			return nil, &Error{Stage: "generate", Err: err}
		}
		if err := p.onboard(ctx, bundle); err != nil {
			return nil, &Error{Stage: "onboard", Err: err}
		}
	case err != nil:
		return nil, &Error{Stage: "load", Err: err}
	default:
		p.logger.Info("reusing cached device credentials", "device", p.identity.DeviceID)
	}

	conn, err := p.resolveConnection(ctx)
	if err != nil {
		return nil, &Error{Stage: "resolve", Err: err}
	}

	return &SessionContext{Identity: p.identity, Bundle: bundle, Conn: conn}, nil
}

// InvalidateConnection drops the cached connection info so the next Ensure
// re-resolves it from the cloud. Called after a conflict disconnect.
func (p *Provisioner) InvalidateConnection() error {
	p.logger.Warn("invalidating cached connection info", "device", p.identity.DeviceID)
	return p.cache.DeleteConnection(p.identity.DeviceID)
}

func (p *Provisioner) onboard(ctx context.Context, bundle *Bundle) error {
	var err error
	for attempt := 1; attempt <= onboardAttempts; attempt++ {
		err = p.directory.Onboard(ctx, p.identity.DeviceID, string(bundle.CertPEM))
		if err == nil {
			p.logger.Info("device onboarded", "device", p.identity.DeviceID)
			return nil
		}
		p.logger.Warn("onboarding attempt failed", "attempt", attempt, "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * time.Second):
		}
	}
	return err
}

func (p *Provisioner) resolveConnection(ctx context.Context) (*store.ConnectionInfo, error) {
	cached, err := p.cache.GetConnection(p.identity.DeviceID)
	if err == nil {
		// Only trust a cache entry written for this exact identity.
		if cached.DeviceID == p.identity.DeviceID && cached.TopicD2C != "" && cached.TopicC2D != "" {
			return cached, nil
		}
		p.logger.Warn("cached connection info is stale, re-resolving")
		if err := p.cache.DeleteConnection(p.identity.DeviceID); err != nil {
			return nil, err
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	account, err := p.directory.Account(ctx)
	if err != nil {
		return nil, err
	}

	prefix := strings.TrimRight(account.MQTTTopicPrefix, "/")
	info := &store.ConnectionInfo{
		DeviceID:    p.identity.DeviceID,
		BrokerHost:  account.MQTTEndpoint,
		BrokerPort:  8883,
		TopicPrefix: prefix,
		Stage:       stageOf(prefix),
		ResolvedAt:  time.Now(),
	}
	if info.BrokerHost == "" {
		info.BrokerHost = "mqtt.nrfcloud.com"
	}

	// Prefer the exact topics the cloud assigned in the device shadow; fall
	// back to constructing them from the account prefix.
	if status, err := p.directory.Device(ctx, p.identity.DeviceID); err == nil {
		info.TopicD2C = status.State.Desired.Pairing.Topics.D2C
		info.TopicC2D = status.State.Desired.Pairing.Topics.C2D
	} else {
		p.logger.Warn("device shadow unavailable, constructing topics", "err", err)
	}
	if info.TopicD2C == "" || info.TopicC2D == "" {
		info.TopicD2C = fmt.Sprintf("%s/m/d/%s/d2c", prefix, p.identity.DeviceID)
		info.TopicC2D = fmt.Sprintf("%s/m/d/%s/+/r", prefix, p.identity.DeviceID)
	}

	if err := p.cache.SaveConnection(info); err != nil {
		return nil, err
	}
	p.logger.Info("resolved connection info",
		"broker", info.BrokerHost, "d2c", info.TopicD2C, "c2d", info.TopicC2D)
	return info, nil
}

// stageOf extracts the deployment stage from a topic prefix like
// "prod/team-1234".
func stageOf(prefix string) string {
	if i := strings.IndexByte(prefix, '/'); i > 0 {
		return prefix[:i]
	}
	return prefix
}
