package dwnstore

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/dwn-go/store/internal/eventstream"
)

// Config carries everything a Store needs at open time. The zero value
// plus a Target is a working configuration.
type Config struct {
	// Target selects the backend, e.g. "mem://" or "badger:///var/lib/dwn".
	Target string `yaml:"target"`
	// MinimumFreeGB refuses to open a disk-backed target with less free
	// space than this. Zero disables the check.
	MinimumFreeGB int `yaml:"minimumFreeGB"`
	// Compress stores blob chunks xz-compressed.
	Compress bool `yaml:"compress"`
	// TaskMaxAttempts is the retry budget per resumable task.
	TaskMaxAttempts int `yaml:"taskMaxAttempts"`
	// StreamBuffer is the per-subscriber event buffer depth.
	StreamBuffer int `yaml:"streamBuffer"`

	Logger *logrus.Logger `yaml:"-"`
}

func (c *Config) applyDefaults() {
	if c.StreamBuffer <= 0 {
		c.StreamBuffer = eventstream.DefaultBuffer
	}
	if c.Logger == nil {
		c.Logger = logrus.New()
	}
}

// LoadConfig reads a YAML config file.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.UnmarshalStrict(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}
