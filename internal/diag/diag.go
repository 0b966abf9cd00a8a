// Package diag implements the connectivity self-test: a short sequence of
// gated checks that exercises the cloud REST API, the MQTT transport, and
// the control topic, reporting each step's outcome. The first failure
// aborts the sequence so the report points at the earliest broken layer.
package diag

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"trackersim/internal/cloud"
	"trackersim/internal/session"
)

// Step names, in execution order.
const (
	StepCloudStatus = "cloud-status"
	StepConnect     = "mqtt-connect"
	StepSubscribe   = "control-subscribe"
)

// defaultHold is how long the MQTT connection is held open during the
// connect step. A takeover or keep-alive problem shows up within seconds.
const defaultHold = 10 * time.Second

// StepResult is the outcome of one diagnostic step.
type StepResult struct {
	Name     string        `json:"name"`
	OK       bool          `json:"ok"`
	Detail   string        `json:"detail,omitempty"`
	Err      string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Directory is the REST surface the first step queries.
type Directory interface {
	Device(ctx context.Context, deviceID string) (*cloud.DeviceStatus, error)
}

// Conn is the transport surface the connect and subscribe steps drive.
type Conn interface {
	Connect(ctx context.Context) error
	SubscribeControl(handler session.MessageHandler) error
	State() session.State
	Disconnect()
}

// Runner executes the diagnostic sequence.
type Runner struct {
	deviceID  string
	directory Directory
	conn      Conn
	hold      time.Duration
	logger    *slog.Logger
}

// NewRunner creates a Runner. hold <= 0 selects the default hold time.
func NewRunner(deviceID string, directory Directory, conn Conn, hold time.Duration, logger *slog.Logger) *Runner {
	if hold <= 0 {
		hold = defaultHold
	}
	return &Runner{
		deviceID:  deviceID,
		directory: directory,
		conn:      conn,
		hold:      hold,
		logger:    logger.With("component", "diag"),
	}
}

// Run executes the steps in order and returns their results. The returned
// error is non-nil when any step failed; results always include every step
// that was attempted.
func (r *Runner) Run(ctx context.Context) ([]StepResult, error) {
	steps := []struct {
		name string
		fn   func(ctx context.Context) (string, error)
	}{
		{StepCloudStatus, r.checkCloudStatus},
		{StepConnect, r.checkConnect},
		{StepSubscribe, r.checkSubscribe},
	}

	var results []StepResult
	for _, step := range steps {
		r.logger.Info("diagnostic step starting", "step", step.name)
		start := time.Now()
		detail, err := step.fn(ctx)
		res := StepResult{
			Name:     step.name,
			OK:       err == nil,
			Detail:   detail,
			Duration: time.Since(start),
		}
		if err != nil {
			res.Err = err.Error()
		}
		results = append(results, res)

		if err != nil {
			r.logger.Error("diagnostic step failed", "step", step.name, "err", err)
			r.conn.Disconnect()
			return results, fmt.Errorf("diagnostic step %s: %w", step.name, err)
		}
		r.logger.Info("diagnostic step passed", "step", step.name, "detail", detail)
	}

	r.conn.Disconnect()
	return results, nil
}

// checkCloudStatus confirms the device is known to the cloud and reports
// which pairing topics the shadow carries.
func (r *Runner) checkCloudStatus(ctx context.Context) (string, error) {
	status, err := r.directory.Device(ctx, r.deviceID)
	if err != nil {
		if cloud.IsStatus(err, 404) {
			return "", fmt.Errorf("device %s is not registered: %w", r.deviceID, err)
		}
		return "", err
	}

	d2c := status.State.Desired.Pairing.Topics.D2C
	if d2c == "" {
		return "registered, shadow carries no pairing topics yet", nil
	}
	return fmt.Sprintf("registered, d2c topic %s", d2c), nil
}

// checkConnect establishes the TLS MQTT connection and holds it open long
// enough for an immediate takeover disconnect to surface.
func (r *Runner) checkConnect(ctx context.Context) (string, error) {
	if err := r.conn.Connect(ctx); err != nil {
		return "", err
	}

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(r.hold):
	}

	if st := r.conn.State(); st != session.StateConnected {
		return "", fmt.Errorf("connection did not survive the %v hold (state %s)", r.hold, st)
	}
	return fmt.Sprintf("connected and stable for %v", r.hold), nil
}

// checkSubscribe subscribes to the control topic over the connection the
// previous step established.
func (r *Runner) checkSubscribe(ctx context.Context) (string, error) {
	err := r.conn.SubscribeControl(func(topic string, payload []byte) {
		r.logger.Info("c2d message during diagnostics", "topic", topic, "bytes", len(payload))
	})
	if err != nil {
		return "", err
	}
	return "control topic subscription accepted", nil
}
