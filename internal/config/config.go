// Package config loads the server configuration from flags, environment
// variables (CLOUDLET_*) and an optional config file.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

type Config struct {
	GRPCAddr    string `mapstructure:"grpc-addr"`
	HTTPAddr    string `mapstructure:"http-addr"`
	MetricsAddr string `mapstructure:"metrics-addr"`
	DBPath      string `mapstructure:"db"`
	Host        string `mapstructure:"host"`

	// NATSURL is optional; without it notifications are dropped.
	NATSURL     string `mapstructure:"nats-url"`
	NATSSubject string `mapstructure:"nats-subject"`

	// OperationTimeout bounds a whole capture or hand-off call.
	OperationTimeout time.Duration `mapstructure:"operation-timeout"`
	StepDelay        time.Duration `mapstructure:"step-delay"`

	Trace          bool   `mapstructure:"trace"`
	LogLevel       string `mapstructure:"log-level"`
	LogDevelopment bool   `mapstructure:"log-development"`
}

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("grpc-addr", ":50051")
	v.SetDefault("http-addr", ":8080")
	v.SetDefault("metrics-addr", ":9090")
	v.SetDefault("db", "./data/badger")
	v.SetDefault("host", "cloudlet-0")
	v.SetDefault("nats-url", "")
	v.SetDefault("nats-subject", "compute.events")
	v.SetDefault("operation-timeout", 30*time.Minute)
	v.SetDefault("step-delay", 500*time.Millisecond)
	v.SetDefault("trace", false)
	v.SetDefault("log-level", "info")
	v.SetDefault("log-development", false)
}

// NewViper returns a viper instance with defaults and environment binding.
// configFile is read when non-empty.
func NewViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix("CLOUDLET")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", configFile)
		}
	}
	return v, nil
}

// Load decodes and validates the configuration held by v.
func Load(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "decode config")
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch {
	case c.GRPCAddr == "" || c.HTTPAddr == "" || c.MetricsAddr == "":
		return errors.New("listen addresses must be set")
	case c.DBPath == "":
		return errors.New("db path required")
	case c.OperationTimeout <= 0:
		return errors.New("operation-timeout must be positive")
	case c.StepDelay < 0:
		return errors.New("step-delay must not be negative")
	}
	return nil
}
