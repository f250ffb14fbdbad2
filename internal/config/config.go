package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/i5heu/ouroboros-flashkv/pkg/codec"
	"github.com/i5heu/ouroboros-flashkv/pkg/flash"
)

// FileName is looked up in the working directory when no path is given.
const FileName = "flashkv.yaml"

type Config struct {
	Path             string         `yaml:"path"`
	Geometry         flash.Geometry `yaml:"geometry"`
	ChecksumMode     string         `yaml:"checksumMode"`
	MinimumFreeSpace int            `yaml:"minimumFreeSpace"` // in MB
	SyncWrites       bool           `yaml:"syncWrites"`
	LogLevel         string         `yaml:"logLevel"`
	Torture          Torture        `yaml:"torture"`
}

// Torture configures cmd/flashkvTorture.
type Torture struct {
	Devices int   `yaml:"devices"`
	Rounds  int   `yaml:"rounds"`
	Keys    int   `yaml:"keys"`
	Workers int   `yaml:"workers"`
	Seed    int64 `yaml:"seed"`
}

// Load reads path, or FileName when path is empty. A missing file yields
// the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		path = FileName
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Parse(nil)
	}
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	config, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return config, nil
}

// Parse decodes YAML data and fills unset fields with defaults.
func Parse(data []byte) (Config, error) {
	var config Config
	if err := yaml.UnmarshalStrict(data, &config); err != nil {
		return Config{}, err
	}

	if config.Geometry.RegionSize == 0 {
		config.Geometry.RegionSize = 4096
	}
	if config.Geometry.RegionCount == 0 {
		config.Geometry.RegionCount = 64
	}
	if config.ChecksumMode == "" {
		config.ChecksumMode = codec.Independent.String()
	}
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}
	if config.Torture.Devices == 0 {
		config.Torture.Devices = 64
	}
	if config.Torture.Rounds == 0 {
		config.Torture.Rounds = 20
	}
	if config.Torture.Keys == 0 {
		config.Torture.Keys = 32
	}
	if config.Torture.Seed == 0 {
		config.Torture.Seed = 1
	}

	if err := config.Geometry.Validate(); err != nil {
		return Config{}, err
	}
	if _, err := config.Mode(); err != nil {
		return Config{}, err
	}
	if _, err := config.Level(); err != nil {
		return Config{}, err
	}
	return config, nil
}

func (c Config) Mode() (codec.ChecksumMode, error) {
	return codec.ParseChecksumMode(c.ChecksumMode)
}

func (c Config) Level() (logrus.Level, error) {
	return logrus.ParseLevel(c.LogLevel)
}

// Logger returns a logrus logger at the configured level.
func (c Config) Logger() *logrus.Logger {
	log := logrus.New()
	if level, err := c.Level(); err == nil {
		log.SetLevel(level)
	}
	return log
}
