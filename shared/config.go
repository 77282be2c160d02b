package shared

import (
	"errors"
	"fmt"
	"os"
	"time"

	"dario.cat/mergo"
	"github.com/goccy/go-yaml"
)

type Config struct {
	Identity   string          `yaml:"identity" json:"identity"`
	Signaling  SignalingConfig `yaml:"signaling" json:"signaling"`
	ICEServers []string        `yaml:"ice_servers" json:"ice_servers"`
	Live       LiveConfig      `yaml:"live" json:"live"`
	Log        LogConfig       `yaml:"log" json:"log"`
}

type SignalingConfig struct {
	URL            string `yaml:"url" json:"url"`
	TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeout_seconds"`
}

func (c SignalingConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

type LiveConfig struct {
	Model        string `yaml:"model" json:"model"`
	Instructions string `yaml:"instructions" json:"instructions"`
	Voice        string `yaml:"voice" json:"voice"`
	BlockSize    int    `yaml:"block_size" json:"block_size"`
}

type LogConfig struct {
	File       string `yaml:"file" json:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"`
	Compress   bool   `yaml:"compress" json:"compress"`
}

func DefaultConfig() Config {
	return Config{
		Signaling: SignalingConfig{
			URL:            "http://127.0.0.1:8089",
			TimeoutSeconds: 10,
		},
		ICEServers: []string{
			"stun:stun.l.google.com:19302",
			"stun:stun1.l.google.com:19302",
		},
		Live: LiveConfig{
			Model:        "gemini-2.5-flash-native-audio-preview-09-2025",
			Instructions: "You are Jiam, a helpful AI assistant created by Ibrahim Sorie Kamara. " +
				"Your goal is to have a natural, helpful, and friendly conversation.",
			BlockSize:    4096,
		},
		Log: LogConfig{
			File:       "voicelink/voicelink.log",
			MaxSizeMB:  10,
			MaxBackups: 2,
			MaxAgeDays: 3,
		},
	}
}

// LoadConfig reads a YAML configuration file and fills every unset field from
// DefaultConfig. A missing file is not an error when ignoreNotFound is set.
func LoadConfig(path string, ignoreNotFound bool) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist) && ignoreNotFound:
		case err != nil:
			return Config{}, fmt.Errorf("reading config file %q: %w", path, err)
		default:
			if err := yaml.UnmarshalWithOptions(data, &cfg, yaml.DisallowUnknownField()); err != nil {
				return Config{}, fmt.Errorf("decoding config file %q: %w", path, err)
			}
		}
	}
	if err := mergo.Merge(&cfg, DefaultConfig()); err != nil {
		return Config{}, fmt.Errorf("applying config defaults: %w", err)
	}
	return cfg, nil
}

// Override replaces fields of c with the non-zero fields of o.
func (c *Config) Override(o Config) error {
	if err := mergo.Merge(c, o, mergo.WithOverride); err != nil {
		return fmt.Errorf("merging config overrides: %w", err)
	}
	return nil
}

func (c Config) Validate() error {
	if c.Identity == "" {
		return ErrNoIdentity
	}
	if c.Signaling.URL == "" {
		return errors.New("no signaling URL configured")
	}
	if c.Live.BlockSize <= 0 {
		return fmt.Errorf("live block size must be positive, got %d", c.Live.BlockSize)
	}
	return nil
}
