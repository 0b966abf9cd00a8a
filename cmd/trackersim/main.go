package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"trackersim/internal/cloud"
	"trackersim/internal/diag"
	"trackersim/internal/provision"
	"trackersim/internal/route"
	"trackersim/internal/session"
	"trackersim/internal/store"
	"trackersim/internal/telemetry"
	"trackersim/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Device struct {
		ID         string `yaml:"id"`
		AppVersion string `yaml:"app_version"`
	} `yaml:"device"`
	Cloud struct {
		APIKey  string `yaml:"api_key"`
		APIHost string `yaml:"api_host"`
	} `yaml:"cloud"`
	Certs struct {
		Dir string `yaml:"dir"`
	} `yaml:"certs"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Telemetry struct {
		LocationInterval    int     `yaml:"location_interval"`    // seconds
		TemperatureInterval int     `yaml:"temperature_interval"` // seconds
		TempBase            float64 `yaml:"temp_base"`            // °C
		TempVariation       float64 `yaml:"temp_variation"`       // °C
		RouteJitter         float64 `yaml:"route_jitter"`         // meters
	} `yaml:"telemetry"`
	Web struct {
		Enabled        bool     `yaml:"enabled"`
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func (c *Config) validate() error {
	if c.Device.ID == "" {
		return fmt.Errorf("device.id is required")
	}
	if c.Cloud.APIKey == "" {
		return fmt.Errorf("cloud.api_key is required")
	}
	if c.Telemetry.LocationInterval < 0 || c.Telemetry.TemperatureInterval < 0 {
		return fmt.Errorf("telemetry intervals must not be negative")
	}
	return nil
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := flag.String("config", "config.yaml", "path to configuration file")
	runDiag := flag.Bool("diag", false, "run connectivity diagnostics and exit")
	flag.Parse()

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}
	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("trackersim starting", "version", version, "device", cfg.Device.ID)

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	certs, err := provision.NewCertStore(cfg.Certs.Dir, logger)
	if err != nil {
		logger.Error("open cert store", "err", err)
		os.Exit(1)
	}

	directory := cloud.NewClient(cfg.Cloud.APIKey, cfg.Cloud.APIHost, logger)
	identity := provision.Identity{DeviceID: cfg.Device.ID, APIKey: cfg.Cloud.APIKey}
	prov := provision.New(identity, certs, directory, db, logger)

	provCtx, provCancel := context.WithTimeout(context.Background(), 60*time.Second)
	sc, err := prov.Ensure(provCtx)
	provCancel()
	if err != nil {
		logger.Error("provisioning failed", "err", err)
		os.Exit(1)
	}
	logger.Info("provisioned",
		"broker", sc.Conn.BrokerHost,
		"stage", sc.Conn.Stage,
		"d2c", sc.Conn.TopicD2C)

	bus := telemetry.NewEventBus(logger)
	sess := session.New(sc, session.Config{}, bus, func() {
		if err := prov.InvalidateConnection(); err != nil {
			logger.Warn("invalidate cached connection", "err", err)
		}
	}, logger)

	if *runDiag {
		os.Exit(runDiagnostics(cfg.Device.ID, directory, sess, logger))
	}

	interp := route.New(route.TokyoLoop,
		time.Duration(cfg.Telemetry.LocationInterval)*time.Second,
		cfg.Telemetry.RouteJitter)
	temps := telemetry.NewTempModel(cfg.Telemetry.TempBase, cfg.Telemetry.TempVariation)
	engine := telemetry.NewEngine(sess, interp, temps, bus, db, cfg.Device.ID, telemetry.EngineConfig{
		LocationInterval:    time.Duration(cfg.Telemetry.LocationInterval) * time.Second,
		TemperatureInterval: time.Duration(cfg.Telemetry.TemperatureInterval) * time.Second,
		AppVersion:          cfg.Device.AppVersion,
	}, logger)

	connCtx, connCancel := context.WithTimeout(context.Background(), 5*time.Minute)
	err = sess.Connect(connCtx)
	connCancel()
	if err != nil {
		logger.Error("connect failed", "err", err)
		os.Exit(1)
	}
	if err := sess.SubscribeControl(engine.HandleC2D); err != nil {
		logger.Error("subscribe control topic", "err", err)
		sess.Disconnect()
		os.Exit(1)
	}

	engine.Start()

	var webServer *web.Server
	var httpServer *http.Server
	if cfg.Web.Enabled {
		var webOpts []web.ServerOption
		if cfg.Web.APIKey != "" {
			webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
		}
		if len(cfg.Web.AllowedOrigins) > 0 {
			webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
		}
		webOpts = append(webOpts, web.WithVersion(version))

		webServer = web.NewServer(engine, sess, bus, cfg.Device.ID, logger, webOpts...)
		httpServer = &http.Server{
			Addr:         cfg.Web.Listen,
			Handler:      webServer,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		}
		go func() {
			logger.Info("web server starting", "addr", cfg.Web.Listen)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("http server", "err", err)
			}
		}()
	}

	go readCommands(engine, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exit := 0
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig)
	case <-engine.Quit():
		logger.Info("shutting down on operator quit")
	case err := <-sess.Fatal():
		logger.Error("connection lost permanently", "err", err)
		exit = 1
	}
	signal.Stop(sigCh)

	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown", "err", err)
		}
		shutdownCancel()
		webServer.Stop()
	}
	engine.Stop()
	sess.Disconnect()

	logger.Info("goodbye")
	os.Exit(exit)
}

// runDiagnostics executes the connectivity self-test and prints a report.
func runDiagnostics(deviceID string, directory *cloud.Client, sess *session.Session, logger *slog.Logger) int {
	runner := diag.NewRunner(deviceID, directory, sess, 0, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	results, err := runner.Run(ctx)
	for _, res := range results {
		mark := "PASS"
		if !res.OK {
			mark = "FAIL"
		}
		detail := res.Detail
		if res.Err != "" {
			detail = res.Err
		}
		fmt.Printf("[%s] %-18s %-8s %s\n", mark, res.Name, res.Duration.Round(time.Millisecond), detail)
	}
	if err != nil {
		logger.Error("diagnostics failed", "err", err)
		return 1
	}
	logger.Info("diagnostics passed")
	return 0
}

// readCommands maps single-letter stdin commands to engine triggers:
// g=location, t=temperature, a=alert, c=count, s=shadow, i=route, q=quit.
func readCommands(engine *telemetry.Engine, logger *slog.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		switch strings.TrimSpace(strings.ToLower(scanner.Text())) {
		case "g":
			engine.Trigger(telemetry.CmdSendLocation)
		case "t":
			engine.Trigger(telemetry.CmdSendTemp)
		case "a":
			engine.Trigger(telemetry.CmdSendAlert)
		case "c":
			engine.Trigger(telemetry.CmdSendCount)
		case "s":
			engine.Trigger(telemetry.CmdShowShadow)
		case "i":
			engine.Trigger(telemetry.CmdShowRoute)
		case "q":
			engine.Trigger(telemetry.CmdQuit)
			return
		case "":
		default:
			logger.Info("commands: g=gps t=temp a=alert c=count s=shadow i=route q=quit")
		}
	}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Device.AppVersion == "" {
		cfg.Device.AppVersion = version
	}
	if cfg.Certs.Dir == "" {
		cfg.Certs.Dir = "certs"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "trackersim.db"
	}
	if cfg.Telemetry.LocationInterval == 0 {
		cfg.Telemetry.LocationInterval = 300
	}
	if cfg.Telemetry.TemperatureInterval == 0 {
		cfg.Telemetry.TemperatureInterval = 300
	}
	if cfg.Telemetry.TempBase == 0 {
		cfg.Telemetry.TempBase = 20
	}
	if cfg.Telemetry.TempVariation == 0 {
		cfg.Telemetry.TempVariation = 6
	}
	if cfg.Telemetry.RouteJitter == 0 {
		cfg.Telemetry.RouteJitter = 15
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
