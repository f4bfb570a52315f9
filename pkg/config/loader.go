package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "WEBPUBSUB"

// RegisterFlags adds the command line overrides understood by Load.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "path to a YAML config file (default: ./config.yaml if present)")
	flags.String("address", "", "listen address, overrides server.address")
	flags.String("log-level", "", "log level: debug, info, warn or error")
	flags.String("env-file", ".env", "dotenv file loaded before reading the environment")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.auth.jwtSecret", "default-secret-key-change-me")
	v.SetDefault("server.connectionLimit.maxPerUser", 0)
	v.SetDefault("server.connectionLimit.mode", "reject")
	v.SetDefault("server.shutdownTimeout", "10s")
	v.SetDefault("transport.readTimeout", "0s")
	v.SetDefault("transport.writeTimeout", "10s")
	v.SetDefault("transport.pingInterval", "30s")
	v.SetDefault("transport.sendBuffer", 256)
	v.SetDefault("transport.readLimit", 1<<20)
	v.SetDefault("session.denialPolicy", "reject")
	v.SetDefault("session.groupSenderUserId", false)
	v.SetDefault("session.rateLimit", "")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.maxSizeMB", 10)
	v.SetDefault("logging.maxBackups", 5)
	v.SetDefault("logging.maxAgeDays", 28)
	v.SetDefault("metrics.enabled", true)
}

// Load reads configuration from defaults, an optional YAML file, the
// environment (WEBPUBSUB_SERVER_ADDRESS and so on, after loading a dotenv
// file) and finally the command line. flags may be nil.
func Load(logger *slog.Logger, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	envFile := ".env"
	configFile := ""
	if flags != nil {
		if f := flags.Lookup("env-file"); f != nil {
			envFile = f.Value.String()
		}
		if f := flags.Lookup("config"); f != nil {
			configFile = f.Value.String()
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("load env file %s: %w", envFile, err)
			}
		} else {
			logger.Debug("Loaded env file", slog.String("path", envFile))
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		logger.Warn("Config file not found. ignoring error and relying on defaults/env vars")
	} else {
		logger.Info("Loaded config file", slog.String("path", v.ConfigFileUsed()))
	}

	if flags != nil {
		if err := bindFlags(v, flags); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// bindFlags lets explicitly set flags win over every other source.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	bindings := map[string]string{
		"address":   "server.address",
		"log-level": "logging.level",
	}
	for flag, key := range bindings {
		f := flags.Lookup(flag)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag --%s: %w", flag, err)
		}
	}
	return nil
}
