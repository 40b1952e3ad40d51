// Package config loads the artdb configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/artdb/artdb/pkg/logger"
	"github.com/artdb/artdb/pkg/telemetry"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration of an artdb process.
type Config struct {
	Storage   StorageConfig    `yaml:"storage"`
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// StorageConfig configures the data file and the structures built on it.
type StorageConfig struct {
	// DataFile is the path of the single page file. Its directory is created
	// on open.
	DataFile string `yaml:"data_file"`
	// BufferPoolSize is the number of pages the pool keeps resident.
	BufferPoolSize int `yaml:"buffer_pool_size"`
	// BTreeOrder is the maximum number of keys per node for a new file. An
	// existing file keeps the order it was created with.
	BTreeOrder int `yaml:"btree_order"`
	// BackupRateLimit caps backup throughput in bytes per second. Zero means
	// unlimited.
	BackupRateLimit int64 `yaml:"backup_rate_limit"`
}

const (
	DefaultDataFile       = "data/artdb.db"
	DefaultBufferPoolSize = 64
	DefaultBTreeOrder     = 64
)

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Storage: StorageConfig{
			DataFile:       DefaultDataFile,
			BufferPoolSize: DefaultBufferPoolSize,
			BTreeOrder:     DefaultBTreeOrder,
		},
		Logger: logger.Config{
			Level:      "info",
			Format:     "console",
			OutputFile: "stderr",
		},
		Telemetry: telemetry.Config{
			Enabled:          false,
			ServiceName:      "artdb",
			PrometheusPort:   9464,
			TraceSampleRatio: 1.0,
		},
	}
}

// Load reads a YAML file over the defaults. An empty path returns Default().
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("opening config %s: %w", path, err)
	}
	defer f.Close()

	cfg, err := Parse(f)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML from r over the defaults and validates the result.
// Unknown keys are rejected.
func Parse(r io.Reader) (Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("decoding yaml: %w", err)
		}
	}
	return cfg, cfg.Validate()
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.Storage.DataFile == "" {
		errs = append(errs, errors.New("storage.data_file must not be empty"))
	}
	if c.Storage.BufferPoolSize < 1 {
		errs = append(errs, fmt.Errorf("storage.buffer_pool_size must be positive, got %d", c.Storage.BufferPoolSize))
	}
	if c.Storage.BTreeOrder < 3 {
		errs = append(errs, fmt.Errorf("storage.btree_order must be at least 3, got %d", c.Storage.BTreeOrder))
	}
	if c.Storage.BackupRateLimit < 0 {
		errs = append(errs, fmt.Errorf("storage.backup_rate_limit must not be negative, got %d", c.Storage.BackupRateLimit))
	}
	if c.Telemetry.PrometheusPort < 0 || c.Telemetry.PrometheusPort > 65535 {
		errs = append(errs, fmt.Errorf("telemetry.prometheus_port out of range: %d", c.Telemetry.PrometheusPort))
	}
	return errors.Join(errs...)
}
