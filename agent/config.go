package agent

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Config is the agent's configuration file.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	// CertDir holds the CA cert and the server cert and key, as written by Certs.WriteDir.
	CertDir string `yaml:"cert_dir"`
	Token   string `yaml:"token"`
	// LogLevel is a zap level name, e.g. "debug" or "info".
	LogLevel           string        `yaml:"log_level"`
	HeartbeatTimeout   time.Duration `yaml:"heartbeat_timeout"`
	OnHeartbeatFailure string        `yaml:"on_heartbeat_failure"`
}

// LoadConfig reads a YAML config file. Unknown fields are rejected.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config: %w", err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decoding config %s: %w", path, err)
	}
	return &cfg, nil
}

// Certs reads the server certs from CertDir.
func (c *Config) Certs() (*Certs, error) {
	if c.CertDir == "" {
		return nil, errors.New("cert_dir is required")
	}
	return ReadServerCerts(c.CertDir)
}

// Options converts the config into agent options. Zero values leave the defaults in place.
func (c *Config) Options() ([]Option, error) {
	var opts []Option
	if c.LogLevel != "" {
		level, err := zapcore.ParseLevel(c.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("parsing log level: %w", err)
		}
		zapCfg := zap.NewProductionConfig()
		zapCfg.Level = zap.NewAtomicLevelAt(level)
		logger, err := zapCfg.Build()
		if err != nil {
			return nil, fmt.Errorf("building logger: %w", err)
		}
		opts = append(opts, WithLogger(logger))
	}
	if c.ListenAddr != "" {
		opts = append(opts, WithListenAddr(c.ListenAddr))
	}
	if c.Token != "" {
		opts = append(opts, WithToken(c.Token))
	}
	if c.HeartbeatTimeout != 0 {
		opts = append(opts, WithHeartbeatTimeout(c.HeartbeatTimeout))
	}
	switch c.OnHeartbeatFailure {
	case "", "none":
	case "exit":
		opts = append(opts, WithHeartbeatFailureHandler(HeartbeatFailureExit))
	default:
		return nil, fmt.Errorf("unsupported on_heartbeat_failure %q", c.OnHeartbeatFailure)
	}
	return opts, nil
}
