package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the chat server runtime parameters.
type Config struct {
	Host                string         `mapstructure:"host"`
	Port                int            `mapstructure:"port"`
	BufferSize          int            `mapstructure:"buffer_size"`
	MaxFileSize         int            `mapstructure:"max_file_size"`
	EncryptionEnabled   bool           `mapstructure:"encryption_enabled"`
	RSABits             int            `mapstructure:"rsa_bits"`
	IOMethod            string         `mapstructure:"io_method"`
	PollInterval        time.Duration  `mapstructure:"poll_interval"`
	MaxPendingFrames    int            `mapstructure:"max_pending_frames"`
	HistoryLimit        int            `mapstructure:"history_limit"`
	LogLevel            string         `mapstructure:"log_level"`
	ShutdownGracePeriod time.Duration  `mapstructure:"shutdown_grace_period"`
	Database            DatabaseConfig `mapstructure:"database"`
	Admin               AdminConfig    `mapstructure:"admin"`
}

// DatabaseConfig selects the SQL driver and data source.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// AdminConfig configures the optional HTTP admin surface.
type AdminConfig struct {
	Address string `mapstructure:"address"`
	Token   string `mapstructure:"token"`
}

const (
	defaultHost                = "127.0.0.1"
	defaultPort                = 5555
	defaultBufferSize          = 128 * 1024
	defaultMaxFileSize         = 10 * 1024 * 1024
	defaultRSABits             = 2048
	defaultIOMethod            = "auto"
	defaultPollInterval        = 500 * time.Millisecond
	defaultMaxPendingFrames    = 256
	defaultHistoryLimit        = 20
	defaultLogLevel            = "info"
	defaultShutdownGracePeriod = 5 * time.Second
	defaultDatabaseDriver      = "sqlite3"
	defaultDatabaseDSN         = "classchat.db"

	// frameOverhead covers the JSON envelope around a file payload.
	frameOverhead = 64 * 1024
)

// Load reads configuration from the provided file path (if any) and the environment.
// Environment variables are prefixed with CLASSCHAT_ and override file values.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CLASSCHAT")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("host", defaultHost)
	v.SetDefault("port", defaultPort)
	v.SetDefault("buffer_size", defaultBufferSize)
	v.SetDefault("max_file_size", defaultMaxFileSize)
	v.SetDefault("encryption_enabled", true)
	v.SetDefault("rsa_bits", defaultRSABits)
	v.SetDefault("io_method", defaultIOMethod)
	v.SetDefault("poll_interval", defaultPollInterval.String())
	v.SetDefault("max_pending_frames", defaultMaxPendingFrames)
	v.SetDefault("history_limit", defaultHistoryLimit)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("shutdown_grace_period", defaultShutdownGracePeriod.String())
	v.SetDefault("database.driver", defaultDatabaseDriver)
	v.SetDefault("database.dsn", defaultDatabaseDSN)
	v.SetDefault("admin.address", "")
	v.SetDefault("admin.token", "")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	// Viper leaves durations as strings; normalize them here.
	for key, dst := range map[string]*time.Duration{
		"poll_interval":         &cfg.PollInterval,
		"shutdown_grace_period": &cfg.ShutdownGracePeriod,
	} {
		dur, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = dur
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the built-in configuration without consulting files or env.
func Default() Config {
	cfg := Config{EncryptionEnabled: true}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = defaultHost
	}
	if c.Port == 0 {
		c.Port = defaultPort
	}
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = defaultMaxFileSize
	}
	if c.RSABits == 0 {
		c.RSABits = defaultRSABits
	}
	if c.IOMethod == "" {
		c.IOMethod = defaultIOMethod
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.MaxPendingFrames <= 0 {
		c.MaxPendingFrames = defaultMaxPendingFrames
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = defaultHistoryLimit
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	if c.ShutdownGracePeriod <= 0 {
		c.ShutdownGracePeriod = defaultShutdownGracePeriod
	}
	if c.Database.Driver == "" {
		c.Database.Driver = defaultDatabaseDriver
	}
	if c.Database.DSN == "" {
		c.Database.DSN = defaultDatabaseDSN
	}
}

// Validate rejects values the server cannot run with.
func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	switch c.IOMethod {
	case "auto", "epoll", "poll", "select":
	default:
		return fmt.Errorf("unsupported io_method %q", c.IOMethod)
	}
	switch c.Database.Driver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.RSABits < 2048 {
		return fmt.Errorf("rsa_bits must be at least 2048 (got %d)", c.RSABits)
	}
	return nil
}

// Address joins host and port for net.Listen.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// MaxFrameSize bounds a single wire line. It leaves room for a max-size file
// after base64, JSON and a second base64 pass for the encrypted envelope.
func (c Config) MaxFrameSize() int {
	return c.MaxFileSize*2 + frameOverhead
}
