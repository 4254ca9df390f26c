// internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"device-link/internal/model"
	"device-link/internal/protocol"
	"device-link/internal/reconnect"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Security SecurityConfig `mapstructure:"security"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Link     LinkConfig     `mapstructure:"link"`
	App      AppConfig      `mapstructure:"app"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Host         string        `mapstructure:"host"`
	Port         string        `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// SecurityConfig represents HTTP security configuration
type SecurityConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// LinkConfig represents the supervised device connection
type LinkConfig struct {
	SerialNumber      string          `mapstructure:"serial_number"`
	Endpoint          string          `mapstructure:"endpoint"`
	ProbeQuery        string          `mapstructure:"probe_query"`
	InitProbeTimeout  time.Duration   `mapstructure:"init_probe_timeout"`
	ReadyProbeTimeout time.Duration   `mapstructure:"ready_probe_timeout"`
	ReadyTimeout      time.Duration   `mapstructure:"ready_timeout"`
	PollInterval      time.Duration   `mapstructure:"poll_interval"`
	ResolveTimeout    time.Duration   `mapstructure:"resolve_timeout"`
	Transport         TransportConfig `mapstructure:"transport"`
	Initialize        PolicyConfig    `mapstructure:"initialize"`
	Reconnect         PolicyConfig    `mapstructure:"reconnect"`
}

// TransportConfig represents serial line settings
type TransportConfig struct {
	BaudRate     int           `mapstructure:"baud_rate"`
	DataBits     int           `mapstructure:"data_bits"`
	StopBits     int           `mapstructure:"stop_bits"`
	Parity       string        `mapstructure:"parity"`
	FlowControl  string        `mapstructure:"flow_control"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// PolicyConfig represents a reconnect policy ceiling
type PolicyConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Delay       time.Duration `mapstructure:"delay"`
	Settle      time.Duration `mapstructure:"settle"`
	MaxElapsed  time.Duration `mapstructure:"max_elapsed"`
}

// AppConfig represents application metadata
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

// Load loads configuration from file and environment variables.
// An empty configPath searches the working directory and /etc/device-link.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/device-link")
	}

	// Environment variable support
	v.SetEnvPrefix("DEVICE_LINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// Defaults plus environment are a complete configuration
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", "8085")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age", 28)
	v.SetDefault("logging.compress", true)

	// Link defaults
	v.SetDefault("link.serial_number", "")
	v.SetDefault("link.endpoint", "")
	v.SetDefault("link.probe_query", "DEVICE_INFO\n")
	v.SetDefault("link.init_probe_timeout", "5s")
	v.SetDefault("link.ready_probe_timeout", "1s")
	v.SetDefault("link.ready_timeout", "60s")
	v.SetDefault("link.poll_interval", "100ms")
	v.SetDefault("link.resolve_timeout", "2s")

	v.SetDefault("link.transport.baud_rate", 115200)
	v.SetDefault("link.transport.data_bits", 8)
	v.SetDefault("link.transport.stop_bits", 1)
	v.SetDefault("link.transport.parity", "none")
	v.SetDefault("link.transport.flow_control", "none")
	v.SetDefault("link.transport.read_timeout", "5s")
	v.SetDefault("link.transport.write_timeout", "5s")

	v.SetDefault("link.initialize.max_attempts", 100)
	v.SetDefault("link.initialize.delay", "100ms")
	v.SetDefault("link.initialize.settle", "0s")

	v.SetDefault("link.reconnect.max_attempts", 20)
	v.SetDefault("link.reconnect.delay", "500ms")
	v.SetDefault("link.reconnect.settle", "2s")

	// App defaults
	v.SetDefault("app.name", "device-link")
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.environment", "development")
}

// validate validates the configuration
func validate(config *Config) error {
	if config.Server.Enabled && config.Server.Port == "" {
		return fmt.Errorf("server.port is required")
	}

	if config.Link.SerialNumber == "" && config.Link.Endpoint == "" {
		return fmt.Errorf("link.serial_number or link.endpoint is required")
	}

	if err := config.TransportConfig().Validate(); err != nil {
		return fmt.Errorf("link.transport: %w", err)
	}
	if err := config.FastPolicy().Validate(); err != nil {
		return fmt.Errorf("link.initialize: %w", err)
	}
	if err := config.ReconnectPolicy().Validate(); err != nil {
		return fmt.Errorf("link.reconnect: %w", err)
	}

	validEnvs := []string{"development", "staging", "production", "test"}
	if !contains(validEnvs, config.App.Environment) {
		return fmt.Errorf("app.environment must be one of: %v", validEnvs)
	}

	validLevels := []string{"trace", "debug", "info", "warn", "error", "fatal"}
	if !contains(validLevels, config.Logging.Level) {
		return fmt.Errorf("logging.level must be one of: %v", validLevels)
	}

	return nil
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

// TransportConfig returns the line settings as a protocol configuration
func (c *Config) TransportConfig() protocol.TransportConfig {
	t := c.Link.Transport
	return protocol.TransportConfig{
		BaudRate:     t.BaudRate,
		DataBits:     t.DataBits,
		StopBits:     t.StopBits,
		Parity:       protocol.Parity(strings.ToLower(t.Parity)),
		FlowControl:  protocol.FlowControl(strings.ToLower(t.FlowControl)),
		ReadTimeout:  t.ReadTimeout,
		WriteTimeout: t.WriteTimeout,
	}
}

// FastPolicy returns the policy used by Initialize
func (c *Config) FastPolicy() reconnect.Policy {
	return c.Link.Initialize.policy("initialize")
}

// ReconnectPolicy returns the policy used when a write finds the transport closed
func (c *Config) ReconnectPolicy() reconnect.Policy {
	return c.Link.Reconnect.policy("reconnect")
}

func (p PolicyConfig) policy(name string) reconnect.Policy {
	return reconnect.Policy{
		Name:        name,
		MaxAttempts: p.MaxAttempts,
		Delay:       p.Delay,
		Settle:      p.Settle,
		MaxElapsed:  p.MaxElapsed,
	}
}

// Identity returns the configured device identity, if any
func (c *Config) Identity() model.DeviceIdentity {
	return model.DeviceIdentity(strings.TrimSpace(c.Link.SerialNumber))
}

// Endpoint returns the configured initial endpoint, if any
func (c *Config) Endpoint() model.EndpointRef {
	return model.EndpointRef(strings.TrimSpace(c.Link.Endpoint))
}

// GetServerAddr returns the server address
func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%s", c.Server.Host, c.Server.Port)
}

// IsProduction checks if the environment is production
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}
