package config

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/docker/go-units"
	coretypes "github.com/projecteru2/core/types"
	"github.com/spf13/viper"
)

// Config holds the vmkit CLI defaults.
type Config struct {
	// DataDir is where specs created by name are placed.
	DataDir string `mapstructure:"data_dir"`

	// DefaultCPUs is the CPU count for new specs.
	DefaultCPUs int `mapstructure:"default_cpus"`

	// DefaultRAM is the guest memory for new specs, e.g. "4GiB".
	DefaultRAM string `mapstructure:"default_ram"`

	// DefaultDiskSize is the size of raw disks created for new specs.
	DefaultDiskSize string `mapstructure:"default_disk_size"`

	// StopTimeout bounds a graceful stop before run falls back to kill.
	StopTimeout time.Duration `mapstructure:"stop_timeout"`

	Log LogConfig `mapstructure:"log"`
}

// LogConfig mirrors eru core's ServerLogConfig with config-file keys.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	UseJSON    bool   `mapstructure:"use_json"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// ServerLog converts to the form log.SetupLog takes.
func (l LogConfig) ServerLog() *coretypes.ServerLogConfig {
	return &coretypes.ServerLogConfig{
		Level:      l.Level,
		UseJSON:    l.UseJSON,
		Filename:   l.Filename,
		MaxSize:    l.MaxSize,
		MaxAge:     l.MaxAge,
		MaxBackups: l.MaxBackups,
	}
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	dataDir := "/tmp/vmkit"
	if paths, err := GetPaths(); err == nil {
		dataDir = paths.DataDir
	}

	return &Config{
		DataDir:         dataDir,
		DefaultCPUs:     min(runtime.NumCPU(), 4),
		DefaultRAM:      "4GiB",
		DefaultDiskSize: "64GiB",
		StopTimeout:     30 * time.Second,
		Log: LogConfig{
			Level:      "info",
			MaxSize:    500,
			MaxAge:     28,
			MaxBackups: 3,
		},
	}
}

// Load reads configuration into v from defaults, an optional config file and
// VMKIT_* environment variables, in increasing priority. Flags bound to v
// before the call win over all of them. An empty cfgFile searches the data
// and config directories for config.yaml; a missing file is not an error.
func Load(v *viper.Viper, cfgFile string) (*Config, error) {
	defaults := DefaultConfig()
	v.SetDefault("data_dir", defaults.DataDir)
	v.SetDefault("default_cpus", defaults.DefaultCPUs)
	v.SetDefault("default_ram", defaults.DefaultRAM)
	v.SetDefault("default_disk_size", defaults.DefaultDiskSize)
	v.SetDefault("stop_timeout", defaults.StopTimeout)
	v.SetDefault("log.level", defaults.Log.Level)
	v.SetDefault("log.use_json", defaults.Log.UseJSON)
	v.SetDefault("log.filename", defaults.Log.Filename)
	v.SetDefault("log.max_size", defaults.Log.MaxSize)
	v.SetDefault("log.max_age", defaults.Log.MaxAge)
	v.SetDefault("log.max_backups", defaults.Log.MaxBackups)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if paths, err := GetPaths(); err == nil {
			v.AddConfigPath(paths.DataDir)
			v.AddConfigPath(paths.ConfigDir)
		}
	}

	// VMKIT_DATA_DIR, VMKIT_LOG_LEVEL, etc.
	v.SetEnvPrefix("VMKIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	conf := &Config{}
	if err := v.Unmarshal(conf); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// Validate checks that every value can be used.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("config: data_dir must be set")
	}
	if c.DefaultCPUs <= 0 {
		return fmt.Errorf("config: default_cpus must be positive, got %d", c.DefaultCPUs)
	}
	if _, err := c.RAMBytes(); err != nil {
		return err
	}
	if _, err := c.DiskSizeBytes(); err != nil {
		return err
	}
	if c.StopTimeout <= 0 {
		return fmt.Errorf("config: stop_timeout must be positive, got %s", c.StopTimeout)
	}
	return nil
}

// RAMBytes parses DefaultRAM.
func (c *Config) RAMBytes() (uint64, error) {
	n, err := ParseSize(c.DefaultRAM)
	if err != nil {
		return 0, fmt.Errorf("config: default_ram: %w", err)
	}
	return uint64(n), nil //nolint:gosec // ParseSize rejects negatives
}

// DiskSizeBytes parses DefaultDiskSize.
func (c *Config) DiskSizeBytes() (int64, error) {
	n, err := ParseSize(c.DefaultDiskSize)
	if err != nil {
		return 0, fmt.Errorf("config: default_disk_size: %w", err)
	}
	return n, nil
}

// ParseSize parses a human size such as "512MiB" or "4G" in binary units.
func ParseSize(s string) (int64, error) {
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("size %q must be positive", s)
	}
	return n, nil
}

// FormatSize renders a byte count the way ParseSize reads it.
func FormatSize(n uint64) string {
	return units.BytesSize(float64(n))
}
