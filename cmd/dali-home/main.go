package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"dali-go-home/internal/automation"
	"dali-go-home/internal/bridge"
	"dali-go-home/internal/bus"
	"dali-go-home/internal/dali"
	"dali-go-home/internal/store"
	"dali-go-home/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Bus struct {
		Port string `yaml:"port"`
		Baud int    `yaml:"baud"`
	} `yaml:"bus"`
	Discovery struct {
		OnStart bool `yaml:"on_start"` // run bus discovery at startup
		Reset   bool `yaml:"reset"`    // readdress every device from scratch
	} `yaml:"discovery"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	ScriptsDir string `yaml:"scripts_dir"`
}

func (c *Config) validate() error {
	if c.Bus.Port == "" {
		return fmt.Errorf("bus.port is required")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	return nil
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
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
	logger.Info("dali-go-home starting", "version", version)

	// Open store
	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	// Open the bus transceiver
	tr, err := bus.OpenSerial(cfg.Bus.Port, cfg.Bus.Baud, logger)
	if err != nil {
		logger.Error("open bus", "err", err)
		os.Exit(1)
	}

	driver := dali.New(tr, logger)
	defer driver.Close()

	// Discover devices on the bus
	if cfg.Discovery.OnStart {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		var found int
		if cfg.Discovery.Reset {
			var lights, inputs int
			if lights, err = driver.InitLights(ctx, true); err == nil {
				inputs, err = driver.InitInputs(ctx, true)
			}
			found = lights + inputs
		} else {
			found, err = driver.Init(ctx)
		}
		cancel()
		if err != nil {
			// A full bus is worth a warning, not a shutdown.
			if found > 0 {
				logger.Warn("discovery incomplete", "err", err, "found", found)
			} else {
				logger.Error("discovery", "err", err)
				os.Exit(1)
			}
		}
		logger.Info("discovery complete", "lights", driver.Lights(), "inputs", driver.Inputs())
	}

	// Listen for input-device events
	driver.Attach()

	// Journal every decoded event, independent of the optional MQTT and
	// web surfaces.
	unsubJournal := driver.OnEvent(func(ev dali.Event) {
		if err := db.AppendEvent(store.NewEventRecord(ev)); err != nil {
			logger.Warn("journal event", "err", err)
		}
	})
	defer unsubJournal()

	// Automation engine
	scriptMgr, err := automation.NewManager(cfg.ScriptsDir)
	if err != nil {
		logger.Error("scripts dir", "err", err)
		os.Exit(1)
	}
	auto := automation.NewEngine(driver, scriptMgr, logger)
	if err := auto.Start(); err != nil {
		logger.Error("start automation", "err", err)
		os.Exit(1)
	}

	// Web server
	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webServer := web.NewServer(driver, db, logger, webOpts...)

	httpServer := &http.Server{
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

	// MQTT bridge
	var mqtt *bridge.Bridge
	if cfg.MQTT.Enabled {
		mqtt, err = bridge.NewBridge(driver, db, bridge.Config{
			Broker:      cfg.MQTT.Broker,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
		}, logger)
		if err != nil {
			logger.Error("mqtt bridge", "err", err)
		} else {
			mqtt.Start()
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	auto.Stop()
	if mqtt != nil {
		mqtt.Stop()
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()

	logger.Info("goodbye")
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
	if cfg.Bus.Baud == 0 {
		cfg.Bus.Baud = 19200
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "dali-home.db"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "dali"
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
