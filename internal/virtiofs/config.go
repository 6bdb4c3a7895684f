package virtiofs

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/virtiofs/internal/fuse"
)

// Duration wraps time.Duration so it reads and writes as "5s" in YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Config tunes the driver.
type Config struct {
	// Tag, when set, must match the tag in the device config space.
	Tag string `yaml:"tag"`

	SlotsPerQueue int `yaml:"slots_per_queue"`
	// SlotSize bounds one request image plus its reply.
	SlotSize int `yaml:"slot_size"`

	RequestTimeout Duration `yaml:"request_timeout"`

	// RetryQueueFull makes typed operations wait for a free slot instead
	// of failing with ErrQueueFull. Retries are paced at RetryRate per
	// second across the driver.
	RetryQueueFull bool    `yaml:"retry_queue_full"`
	RetryRate      float64 `yaml:"retry_rate"`

	// MaxMinor is the highest protocol minor offered in INIT. Minors below
	// 9 select the 7.8 layouts.
	MaxMinor     uint32 `yaml:"max_minor"`
	MaxReadahead uint32 `yaml:"max_readahead"`
	InitFlags    uint32 `yaml:"init_flags"`

	// NotifyBuffers is how many buffers are kept posted on the
	// notification queue.
	NotifyBuffers int `yaml:"notify_buffers"`

	// Default credentials for calls without WithCaller.
	UID uint32 `yaml:"uid"`
	GID uint32 `yaml:"gid"`
	PID uint32 `yaml:"pid"`
}

// DefaultConfig returns the settings used for zero fields.
func DefaultConfig() Config {
	return Config{
		SlotsPerQueue:  8,
		SlotSize:       fuse.InHeaderSize + 64 + 128<<10 + 4096,
		RequestTimeout: Duration(30 * time.Second),
		RetryRate:      1000,
		MaxMinor:       fuse.ABI736.Minor,
		MaxReadahead:   128 << 10,
		InitFlags:      fuse.InitAsyncRead | fuse.InitBigWrites | fuse.InitMaxPages,
		NotifyBuffers:  4,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.SlotsPerQueue == 0 {
		c.SlotsPerQueue = def.SlotsPerQueue
	}
	if c.SlotSize == 0 {
		c.SlotSize = def.SlotSize
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.RetryRate == 0 {
		c.RetryRate = def.RetryRate
	}
	if c.MaxMinor == 0 {
		c.MaxMinor = def.MaxMinor
	}
	if c.MaxReadahead == 0 {
		c.MaxReadahead = def.MaxReadahead
	}
	if c.InitFlags == 0 {
		c.InitFlags = def.InitFlags
	}
	if c.NotifyBuffers == 0 {
		c.NotifyBuffers = def.NotifyBuffers
	}
	return c
}

// Validate reports every unusable setting.
func (c Config) Validate() error {
	var errs []error
	if c.SlotsPerQueue < 0 {
		errs = append(errs, fmt.Errorf("slots_per_queue must be positive, got %d", c.SlotsPerQueue))
	}
	if c.SlotSize != 0 && c.SlotSize < fuse.InHeaderSize+fuse.OutHeaderSize+128 {
		errs = append(errs, fmt.Errorf("slot_size %d cannot hold an INIT exchange", c.SlotSize))
	}
	if c.RequestTimeout < 0 {
		errs = append(errs, errors.New("request_timeout must not be negative"))
	}
	if c.RetryRate < 0 {
		errs = append(errs, errors.New("retry_rate must not be negative"))
	}
	if c.MaxMinor != 0 && (c.MaxMinor < fuse.ABI78.Minor || c.MaxMinor > fuse.ABI736.Minor) {
		errs = append(errs, fmt.Errorf("max_minor %d outside [%d, %d]", c.MaxMinor, fuse.ABI78.Minor, fuse.ABI736.Minor))
	}
	if c.NotifyBuffers < 0 {
		errs = append(errs, errors.New("notify_buffers must not be negative"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("virtio-fs: invalid config: %w", err)
	}
	return nil
}

// LoadConfig reads a YAML config file. Missing fields keep their zero
// value and are defaulted when the driver is created.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("virtio-fs: read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("virtio-fs: parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
