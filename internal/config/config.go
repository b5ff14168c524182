package config

import (
	"bytes"
	"fmt"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Device     DeviceConfig     `yaml:"device"`
	Filesystem FilesystemConfig `yaml:"filesystem"`
	Fuse       FuseConfig       `yaml:"fuse"`
	Database   DatabaseConfig   `yaml:"database"`
}

func MustLoad(configPath string) *Config {
	cfg, err := Load(configPath)
	if err != nil {
		panic(err.Error())
	}
	return cfg
}

// Load reads the YAML file at configPath with ${VAR} references expanded,
// then applies env overrides and defaults.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		return nil, fmt.Errorf("config path is empty")
	}

	// check if file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", configPath)
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read data from config file %s: %w", configPath, err)
	}

	// Enrich with env variables
	data = expandEnvVars(data)

	// Serialize to struct
	var cfg Config
	if err := cleanenv.ParseYAML(bytes.NewReader(data), &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("cannot read config env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Device.Backend {
	case DeviceBackendFile, DeviceBackendMemory, DeviceBackendPostgres:
	default:
		return fmt.Errorf("unknown device backend %q", c.Device.Backend)
	}
	switch c.Device.BlockSize {
	case 1024, 2048, 4096:
	default:
		return fmt.Errorf("unsupported block size %d", c.Device.BlockSize)
	}
	if c.Fuse.Enabled && c.Fuse.Mountpoint == "" {
		return fmt.Errorf("fuse is enabled but no mountpoint is set")
	}
	return nil
}

func expandEnvVars(data []byte) []byte {
	return []byte(os.ExpandEnv(string(data)))
}
