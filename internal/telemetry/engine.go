package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"trackersim/internal/route"
	"trackersim/internal/store"
)

// Command is an on-demand trigger consumed by the engine's event loop.
// Keyboard input, the local HTTP API, and internal escalation all feed the
// same queue.
type Command int

const (
	CmdSendLocation Command = iota
	CmdSendTemp
	CmdSendAlert
	CmdSendCount
	CmdShowShadow
	CmdShowRoute
	CmdQuit
)

// Publisher is the slice of the session the engine publishes through.
type Publisher interface {
	Publish(Message) error
	Kick()
}

// EngineConfig tunes the telemetry cadences.
type EngineConfig struct {
	LocationInterval    time.Duration // default 5m
	TemperatureInterval time.Duration // default 5m
	AppVersion          string
	MaxPublishFailures  int // consecutive failures before kicking the session, default 5
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.LocationInterval <= 0 {
		c.LocationInterval = 5 * time.Minute
	}
	if c.TemperatureInterval <= 0 {
		c.TemperatureInterval = 5 * time.Minute
	}
	if c.AppVersion == "" {
		c.AppVersion = "0.0.1"
	}
	if c.MaxPublishFailures <= 0 {
		c.MaxPublishFailures = 5
	}
	return c
}

// Status is a snapshot of the engine for operator display.
type Status struct {
	Counter          int                `json:"counter"`
	Shadow           store.ShadowConfig `json:"shadow"`
	Waypoint         string             `json:"waypoint"`
	Segment          int                `json:"segment"`
	ElapsedSeconds   int64              `json:"elapsed_seconds"`
	LocationInterval int                `json:"location_interval_seconds"`
}

// Engine drives the telemetry cadences: periodic GNSS and TEMP publishes
// plus on-demand triggers, all multiplexed on one event loop. Manual
// triggers never reset the interval timers.
type Engine struct {
	pub      Publisher
	ip       *route.Interpolator
	temps    *TempModel
	bus      *EventBus
	shadows  store.Store
	deviceID string
	cfg      EngineConfig
	logger   *slog.Logger

	cmds      chan Command
	reprogram chan time.Duration
	quit      chan struct{}
	done      chan struct{}
	stopOnce  sync.Once
	quitOnce  sync.Once

	mu          sync.Mutex
	shadow      store.ShadowConfig
	counter     int
	started     time.Time
	consecFails int

	now func() time.Time
}

// NewEngine creates the engine. The shadow config is restored from the
// store if a previous run persisted one.
func NewEngine(pub Publisher, ip *route.Interpolator, temps *TempModel, bus *EventBus,
	shadows store.Store, deviceID string, cfg EngineConfig, logger *slog.Logger) *Engine {

	cfg = cfg.withDefaults()
	e := &Engine{
		pub:       pub,
		ip:        ip,
		temps:     temps,
		bus:       bus,
		shadows:   shadows,
		deviceID:  deviceID,
		cfg:       cfg,
		logger:    logger.With("component", "engine"),
		cmds:      make(chan Command, 16),
		reprogram: make(chan time.Duration, 1),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		now:       time.Now,
		shadow: store.ShadowConfig{
			CounterEnable:    false,
			LocationInterval: int(cfg.LocationInterval / time.Second),
		},
	}

	if shadows != nil {
		if saved, err := shadows.GetShadow(deviceID); err == nil {
			e.shadow = *saved
		} else if !errors.Is(err, store.ErrNotFound) {
			e.logger.Warn("load shadow config", "err", err)
		}
	}
	return e
}

// Start sends the connect-time DEVICE info and startup alert, then runs the
// scheduling loop until Stop or a quit command.
func (e *Engine) Start() {
	e.mu.Lock()
	e.started = e.now()
	shadow := e.shadow
	e.mu.Unlock()

	e.publish(NewDeviceInfo(e.cfg.AppVersion, shadowMap(shadow), e.now()))
	e.publish(NewAlert(1, 0, "Device simulator started", e.now()))

	go e.loop()
}

// Stop terminates the loop. Pending timers are dropped; nothing is flushed.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.done) })
}

// Quit is closed when the engine receives CmdQuit. The runner uses it to
// begin an orderly shutdown.
func (e *Engine) Quit() <-chan struct{} {
	return e.quit
}

// Trigger enqueues an on-demand command. Never blocks; a full queue drops
// the command with a warning.
func (e *Engine) Trigger(cmd Command) {
	select {
	case e.cmds <- cmd:
	default:
		e.logger.Warn("command queue full, dropping", "cmd", cmd)
	}
}

func (e *Engine) loop() {
	e.mu.Lock()
	locInterval := time.Duration(e.shadow.LocationInterval) * time.Second
	e.mu.Unlock()
	if locInterval <= 0 {
		locInterval = e.cfg.LocationInterval
	}

	locTicker := time.NewTicker(locInterval)
	tempTicker := time.NewTicker(e.cfg.TemperatureInterval)
	defer locTicker.Stop()
	defer tempTicker.Stop()

	for {
		select {
		case <-e.done:
			return

		case <-locTicker.C:
			e.sendLocation(e.elapsed())
			if e.counterEnabled() {
				e.sendCount()
			}

		case <-tempTicker.C:
			e.sendTemperature()

		case interval := <-e.reprogram:
			locTicker.Reset(interval)
			e.logger.Info("location interval reprogrammed", "interval", interval)

		case cmd := <-e.cmds:
			switch cmd {
			case CmdSendLocation:
				e.sendLocation(e.elapsed())
			case CmdSendTemp:
				e.sendTemperature()
			case CmdSendAlert:
				e.sendAlert(0, 0, "Button pressed")
			case CmdSendCount:
				e.sendCount()
			case CmdShowShadow:
				e.mu.Lock()
				shadow := e.shadow
				e.mu.Unlock()
				e.logger.Info("shadow config",
					"counterEnable", shadow.CounterEnable,
					"locationInterval", shadow.LocationInterval)
			case CmdShowRoute:
				st := e.Status()
				e.logger.Info("route position",
					"waypoint", st.Waypoint, "segment", st.Segment,
					"interval", st.LocationInterval)
			case CmdQuit:
				e.quitOnce.Do(func() { close(e.quit) })
				return
			}
		}
	}
}

func (e *Engine) elapsed() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now().Sub(e.started)
}

func (e *Engine) counterEnabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.shadow.CounterEnable
}

func (e *Engine) sendLocation(elapsed time.Duration) {
	pos := e.ip.Sample(elapsed)
	if e.publish(NewGNSS(pos.Lat, pos.Lon, pos.AccuracyM, e.now())) {
		wp, _ := e.ip.Nearest(elapsed)
		e.logger.Info("GNSS sent",
			"lat", fmt.Sprintf("%.6f", pos.Lat),
			"lon", fmt.Sprintf("%.6f", pos.Lon),
			"acc", fmt.Sprintf("%.1f", pos.AccuracyM),
			"near", wp.Name)
	}
}

func (e *Engine) sendTemperature() {
	temp := e.temps.At(e.now())
	if e.publish(NewTemp(temp, e.now())) {
		e.logger.Info("TEMP sent", "celsius", fmt.Sprintf("%.1f", temp))
	}
}

func (e *Engine) sendAlert(alertType, value int, description string) {
	if e.publish(NewAlert(alertType, value, description, e.now())) {
		e.logger.Info("ALERT sent", "type", alertType, "description", description)
	}
}

// sendCount publishes the current counter value, then increments. The
// counter only ever grows during a run.
func (e *Engine) sendCount() {
	e.mu.Lock()
	n := e.counter
	e.mu.Unlock()

	if e.publish(NewCount(n, e.now())) {
		e.mu.Lock()
		e.counter++
		e.mu.Unlock()
		e.logger.Info("COUNT sent", "value", n)
	}
}

// publish sends through the session and applies the failure policy: a
// failed publish is logged and the other cadences continue; a run of
// consecutive failures kicks the session onto its reconnect path.
func (e *Engine) publish(msg Message) bool {
	err := e.pub.Publish(msg)
	if err == nil {
		e.mu.Lock()
		e.consecFails = 0
		e.mu.Unlock()
		return true
	}

	e.logger.Warn("publish failed", "appId", msg.AppID, "err", err)
	e.mu.Lock()
	e.consecFails++
	escalate := e.consecFails >= e.cfg.MaxPublishFailures
	if escalate {
		e.consecFails = 0
	}
	e.mu.Unlock()

	if escalate {
		e.logger.Error("repeated publish failures, escalating to reconnect")
		e.pub.Kick()
	}
	return false
}

// HandleC2D processes an inbound cloud-to-device message: CONFIG messages
// update the shadow config, MODEM CMD messages get a canned AT response.
func (e *Engine) HandleC2D(topic string, payload []byte) {
	var msg struct {
		AppID       string          `json:"appId"`
		MessageType string          `json:"messageType"`
		Data        json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		e.logger.Warn("non-JSON c2d message", "topic", topic)
		return
	}
	e.logger.Info("c2d received", "appId", msg.AppID, "messageType", msg.MessageType)
	if e.bus != nil {
		e.bus.Emit(Event{Type: EventC2DReceived, Data: map[string]any{
			"appId": msg.AppID, "messageType": msg.MessageType,
		}})
	}

	switch msg.AppID {
	case AppIDConfig:
		var update struct {
			CounterEnable    *bool `json:"counterEnable"`
			LocationInterval *int  `json:"locationInterval"`
		}
		if err := json.Unmarshal(msg.Data, &update); err != nil {
			e.logger.Warn("invalid CONFIG payload", "err", err)
			return
		}
		e.applyShadowUpdate(update.CounterEnable, update.LocationInterval)

	case AppIDModem:
		if msg.MessageType != "CMD" {
			return
		}
		var cmd string
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			e.logger.Warn("invalid MODEM payload", "err", err)
			return
		}
		response := e.atResponse(cmd)
		e.publish(NewModemResponse(response, e.now()))
		e.logger.Info("AT response", "cmd", cmd, "response", response)
	}
}

func (e *Engine) applyShadowUpdate(counterEnable *bool, locationInterval *int) {
	e.mu.Lock()
	if counterEnable != nil {
		e.shadow.CounterEnable = *counterEnable
	}
	if locationInterval != nil && *locationInterval > 0 {
		e.shadow.LocationInterval = *locationInterval
	}
	shadow := e.shadow
	e.mu.Unlock()

	if locationInterval != nil && *locationInterval > 0 {
		// Reprogram the ticker without restarting the loop.
		select {
		case e.reprogram <- time.Duration(*locationInterval) * time.Second:
		default:
		}
	}

	if e.shadows != nil {
		if err := e.shadows.SaveShadow(e.deviceID, &shadow); err != nil {
			e.logger.Warn("persist shadow config", "err", err)
		}
	}
	if e.bus != nil {
		e.bus.Emit(Event{Type: EventShadowUpdate, Data: shadow})
	}
	e.logger.Info("shadow config updated",
		"counterEnable", shadow.CounterEnable,
		"locationInterval", shadow.LocationInterval)
}

// atResponse answers the AT commands nRF Cloud Terminal sends to devices.
func (e *Engine) atResponse(cmd string) string {
	switch strings.TrimSpace(cmd) {
	case "AT+CGMR":
		return "mfw_nrf91x1_2.0.2"
	case "AT+CGSN":
		return e.deviceID
	case "AT%HWVERSION":
		return "nRF9151 LACA AAA (simulator)"
	case "AT+CIMI":
		return "440100000000000"
	default:
		return "ERROR"
	}
}

// Status returns a snapshot for operator display.
func (e *Engine) Status() Status {
	e.mu.Lock()
	shadow := e.shadow
	counter := e.counter
	started := e.started
	now := e.now()
	e.mu.Unlock()

	var elapsed time.Duration
	if !started.IsZero() {
		elapsed = now.Sub(started)
	}
	wp, seg := e.ip.Nearest(elapsed)
	return Status{
		Counter:          counter,
		Shadow:           shadow,
		Waypoint:         wp.Name,
		Segment:          seg,
		ElapsedSeconds:   int64(elapsed / time.Second),
		LocationInterval: shadow.LocationInterval,
	}
}

// Counter returns the current test counter value.
func (e *Engine) Counter() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counter
}

func shadowMap(s store.ShadowConfig) map[string]any {
	return map[string]any{
		"counterEnable":    s.CounterEnable,
		"locationInterval": s.LocationInterval,
	}
}
