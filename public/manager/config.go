package manager

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/social-interaction-cloud/sic-go/public/bus"
)

// Config is the manager's startup configuration: a YAML file for the stable
// device description, environment variables for the deployment-specific
// broker location.
type Config struct {
	// DeviceIP overrides the autodetected device address.
	DeviceIP string `yaml:"device_ip"`
	// LogLevel is a level name understood by the log fabric.
	LogLevel string `yaml:"log_level"`
	// Redis locates the broker.
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig mirrors bus.Config in the configuration file.
type RedisConfig struct {
	Host     string `yaml:"host"`
	Password string `yaml:"password"`
	CACert   string `yaml:"ca_cert"`
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Redis: RedisConfig{
			Host:     "127.0.0.1",
			Password: "changemeplease",
		},
	}
}

// LoadConfig reads the configuration from path, or returns defaults when
// path is empty. The environment variables DB_IP, DB_PASS, DB_SSL_CA,
// DEVICE_IP and LOG_LEVEL override the file either way.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	v := viper.New()
	v.AutomaticEnv()
	if s := v.GetString("DB_IP"); s != "" {
		cfg.Redis.Host = s
	}
	if s := v.GetString("DB_PASS"); s != "" {
		cfg.Redis.Password = s
	}
	if s := v.GetString("DB_SSL_CA"); s != "" {
		cfg.Redis.CACert = s
	}
	if s := v.GetString("DEVICE_IP"); s != "" {
		cfg.DeviceIP = s
	}
	if s := v.GetString("LOG_LEVEL"); s != "" {
		cfg.LogLevel = s
	}
	return cfg, nil
}

// BusConfig converts the Redis section for the bus layer.
func (c Config) BusConfig() bus.Config {
	return bus.Config{
		Host:     c.Redis.Host,
		Password: c.Redis.Password,
		CACert:   c.Redis.CACert,
	}
}
