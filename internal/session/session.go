// Package session owns the persistent MQTT connection to the device
// gateway: TLS mutual auth, the connection state machine, keep-alive, and
// the reconnect-with-backoff policy. Reconnection is handled here, not by
// the paho auto-reconnect, so that conflict disconnects can invalidate the
// cached connection info first.
package session

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"trackersim/internal/provision"
	"trackersim/internal/telemetry"
)

// State is the connection state of the session.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDegraded     State = "degraded"
)

// ErrNotConnected is returned by Publish when the session is not in the
// Connected state. Transient: the caller logs and moves on.
var ErrNotConnected = errors.New("session not connected")

// ConnectionError is a fatal transport failure after the bounded retry
// budget is exhausted.
type ConnectionError struct {
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Config tunes the session. Zero values get sensible defaults.
type Config struct {
	KeepAlive      time.Duration // MQTT keep-alive, default 120s
	ConnectTimeout time.Duration // per-attempt connect timeout, default 30s
	BackoffBase    time.Duration // first reconnect delay, default 1s
	BackoffCap     time.Duration // maximum reconnect delay, default 60s
	MaxAttempts    int           // attempts before giving up, default 10
	ConflictWindow time.Duration // a loss this soon after connect is a takeover, default 5s
}

func (c Config) withDefaults() Config {
	if c.KeepAlive <= 0 {
		c.KeepAlive = 120 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 60 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.ConflictWindow <= 0 {
		c.ConflictWindow = 5 * time.Second
	}
	return c
}

// MessageHandler receives inbound c2d messages.
type MessageHandler func(topic string, payload []byte)

// Session manages the device's MQTT connection.
type Session struct {
	sc     *provision.SessionContext
	cfg    Config
	bus    *telemetry.EventBus
	logger *slog.Logger

	// onConflict is called when a disconnect looks like a session takeover
	// or credential conflict, so the caller can invalidate cached routing.
	onConflict func()

	mu          sync.Mutex
	state       State
	client      pahomqtt.Client
	connectedAt time.Time
	stopping    bool
	handler     MessageHandler
	subscribed  bool

	fatal chan error
}

// New creates a Session for the given context. onConflict may be nil.
func New(sc *provision.SessionContext, cfg Config, bus *telemetry.EventBus, onConflict func(), logger *slog.Logger) *Session {
	return &Session{
		sc:         sc,
		cfg:        cfg.withDefaults(),
		bus:        bus,
		onConflict: onConflict,
		logger:     logger.With("component", "session"),
		state:      StateDisconnected,
		fatal:      make(chan error, 1),
	}
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Fatal delivers the terminal error when the reconnect budget is exhausted.
func (s *Session) Fatal() <-chan error {
	return s.fatal
}

// Connect establishes the TLS-authenticated connection, blocking until
// connected or until the bounded attempt budget is spent. Only one
// establishment runs at a time; a concurrent call fails immediately.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateConnected:
		s.mu.Unlock()
		return nil
	case StateConnecting, StateDegraded:
		s.mu.Unlock()
		return fmt.Errorf("connection attempt already in flight (state %s)", s.state)
	}
	s.state = StateConnecting
	s.stopping = false
	s.mu.Unlock()
	s.emitState(StateConnecting)

	tlsCfg, err := tlsConfig(s.sc.Bundle)
	if err != nil {
		s.setState(StateDisconnected)
		return &ConnectionError{Attempts: 0, Err: err}
	}

	conn := s.sc.Conn
	broker := fmt.Sprintf("tls://%s:%d", conn.BrokerHost, conn.BrokerPort)
	opts := pahomqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(s.sc.Identity.DeviceID).
		SetTLSConfig(tlsCfg).
		SetKeepAlive(s.cfg.KeepAlive).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			s.handleConnectionLost(err)
		})

	client := pahomqtt.NewClient(opts)
	s.mu.Lock()
	s.client = client
	s.mu.Unlock()

	s.logger.Info("connecting", "broker", broker, "device", s.sc.Identity.DeviceID)
	if err := s.attemptLoop(ctx, client); err != nil {
		s.setState(StateDisconnected)
		return err
	}

	if !s.completeEstablishment(StateConnecting) {
		// A clean Disconnect or a connection-loss handler took the state
		// while the handshake was in flight; do not resurrect the session.
		if client.IsConnectionOpen() {
			client.Disconnect(250)
		}
		return &ConnectionError{Attempts: 1, Err: errors.New("session state changed during establishment")}
	}
	s.logger.Info("connected", "broker", broker)
	return nil
}

// completeEstablishment transitions to Connected only if the establishing
// path still owns the state. Returns false when a clean Disconnect set
// stopping, or a loss handler moved the state, while the handshake was in
// flight.
func (s *Session) completeEstablishment(owner State) bool {
	s.mu.Lock()
	if s.stopping || s.state != owner {
		s.mu.Unlock()
		return false
	}
	s.state = StateConnected
	s.connectedAt = time.Now()
	s.mu.Unlock()
	s.emitState(StateConnected)
	return true
}

// attemptLoop tries to connect up to MaxAttempts times with bounded
// exponential backoff between attempts.
func (s *Session) attemptLoop(ctx context.Context, client pahomqtt.Client) error {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		token := client.Connect()
		if !token.WaitTimeout(s.cfg.ConnectTimeout) {
			lastErr = fmt.Errorf("connect timeout after %v", s.cfg.ConnectTimeout)
		} else if err := token.Error(); err != nil {
			lastErr = err
		} else {
			return nil
		}

		if attempt == s.cfg.MaxAttempts {
			break
		}
		delay := backoffDelay(s.cfg.BackoffBase, s.cfg.BackoffCap, attempt)
		s.logger.Warn("connect attempt failed", "attempt", attempt, "err", lastErr, "retry_in", delay)
		select {
		case <-ctx.Done():
			return &ConnectionError{Attempts: attempt, Err: ctx.Err()}
		case <-time.After(delay):
		}
	}
	return &ConnectionError{Attempts: s.cfg.MaxAttempts, Err: lastErr}
}

// Publish sends a telemetry message on the d2c topic with QoS 1. Delivery
// confirmation is not awaited at the application layer; the token is
// checked asynchronously for logging only.
func (s *Session) Publish(msg telemetry.Message) error {
	s.mu.Lock()
	client, state := s.client, s.state
	s.mu.Unlock()
	if state != StateConnected || client == nil {
		return ErrNotConnected
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", msg.AppID, err)
	}

	topic := s.sc.Conn.TopicD2C
	token := client.Publish(topic, 1, false, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			s.logger.Warn("publish timeout", "topic", topic, "appId", msg.AppID)
		} else if err := token.Error(); err != nil {
			s.logger.Warn("publish error", "topic", topic, "appId", msg.AppID, "err", err)
		}
	}()

	if s.bus != nil {
		s.bus.Emit(telemetry.Event{Type: telemetry.EventTelemetrySent, Data: msg})
	}
	return nil
}

// SubscribeControl subscribes to the cloud-to-device command topic. The
// handler is retained and re-subscribed after a reconnect.
func (s *Session) SubscribeControl(handler MessageHandler) error {
	s.mu.Lock()
	client, state := s.client, s.state
	s.handler = handler
	s.mu.Unlock()
	if state != StateConnected || client == nil {
		return ErrNotConnected
	}

	if err := s.subscribe(client, handler); err != nil {
		return err
	}
	s.mu.Lock()
	s.subscribed = true
	s.mu.Unlock()
	return nil
}

func (s *Session) subscribe(client pahomqtt.Client, handler MessageHandler) error {
	topic := s.sc.Conn.TopicC2D
	token := client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("subscribe %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	s.logger.Info("subscribed to control topic", "topic", topic)
	return nil
}

// Disconnect performs a clean, user-initiated shutdown: terminal
// Disconnected state, no reconnect.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.stopping = true
	client := s.client
	s.state = StateDisconnected
	s.mu.Unlock()

	if client != nil && client.IsConnectionOpen() {
		client.Disconnect(1000)
	}
	s.emitState(StateDisconnected)
	s.logger.Info("disconnected")
}

// Kick forces the reconnect path. The scheduler calls this when publishes
// keep failing even though the session claims to be connected.
func (s *Session) Kick() {
	s.mu.Lock()
	client := s.client
	connected := s.state == StateConnected
	s.mu.Unlock()
	if !connected {
		return
	}
	s.logger.Warn("kicking session for reconnect")
	if client != nil {
		client.Disconnect(250)
	}
	// paho does not fire the lost handler on a requested disconnect.
	s.handleConnectionLost(errors.New("kicked by scheduler"))
}

func (s *Session) handleConnectionLost(err error) {
	s.mu.Lock()
	if s.stopping || s.state == StateDegraded {
		s.mu.Unlock()
		return
	}
	held := time.Since(s.connectedAt)
	s.state = StateDegraded
	s.mu.Unlock()
	s.emitState(StateDegraded)

	conflict := isConflict(err, held, s.cfg.ConflictWindow)
	s.logger.Warn("connection lost", "err", err, "held", held, "conflict", conflict)
	if conflict && s.onConflict != nil {
		s.onConflict()
	}

	go s.reconnectLoop()
}

// reconnectLoop retries with bounded exponential backoff. The Degraded
// state set by handleConnectionLost acts as the mutex keeping at most one
// loop in flight.
func (s *Session) reconnectLoop() {
	s.mu.Lock()
	client := s.client
	handler := s.handler
	resubscribe := s.subscribed
	s.mu.Unlock()
	if client == nil {
		s.setState(StateDisconnected)
		return
	}

	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		delay := backoffDelay(s.cfg.BackoffBase, s.cfg.BackoffCap, attempt)
		time.Sleep(delay)

		s.mu.Lock()
		if s.stopping {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		token := client.Connect()
		if !token.WaitTimeout(s.cfg.ConnectTimeout) {
			lastErr = fmt.Errorf("connect timeout after %v", s.cfg.ConnectTimeout)
			continue
		}
		if err := token.Error(); err != nil {
			lastErr = err
			s.logger.Warn("reconnect attempt failed", "attempt", attempt, "err", err)
			continue
		}

		// Disconnect may have landed while this attempt was in flight; a
		// clean shutdown is terminal, so drop the fresh connection instead
		// of reviving the session.
		if !s.completeEstablishment(StateDegraded) {
			client.Disconnect(250)
			return
		}
		s.logger.Info("reconnected", "attempt", attempt)

		if resubscribe && handler != nil {
			if err := s.subscribe(client, handler); err != nil {
				s.logger.Error("resubscribe after reconnect", "err", err)
			}
		}
		return
	}

	s.setState(StateDisconnected)
	select {
	case s.fatal <- &ConnectionError{Attempts: s.cfg.MaxAttempts, Err: lastErr}:
	default:
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.emitState(st)
}

func (s *Session) emitState(st State) {
	if s.bus != nil {
		s.bus.Emit(telemetry.Event{Type: telemetry.EventSessionState, Data: string(st)})
	}
}

// backoffDelay returns the bounded exponential delay before the given
// 1-based attempt: base, 2*base, 4*base, ... capped at ceiling.
func backoffDelay(base, ceiling time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	if d > ceiling {
		return ceiling
	}
	return d
}

// isConflict classifies a connection loss as a session takeover or
// credential conflict: the broker dropping us almost immediately after a
// successful connect, or an explicit authorization rejection. An abrupt EOF
// is how the gateway closes the old session when another client connects
// with the same identity.
func isConflict(err error, held, window time.Duration) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) && held < window {
		return true
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "not authorized") || strings.Contains(msg, "bad user name or password") {
		return true
	}
	return strings.Contains(msg, "eof") && held < window
}

// tlsConfig builds the mutual-auth TLS configuration from a credential
// bundle: the device keypair as client identity, the root CA as server
// trust.
func tlsConfig(b *provision.Bundle) (*tls.Config, error) {
	cert, err := tls.X509KeyPair(b.CertPEM, b.KeyPEM)
	if err != nil {
		return nil, fmt.Errorf("load device keypair: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(b.RootCAPEM) {
		return nil, errors.New("root CA PEM contains no certificates")
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}
