package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Environment string
	Server      ServerConfig
	Database    DatabaseConfig
}

type ServerConfig struct {
	Port int
}

type DatabaseConfig struct {
	Path      string
	LogTiming bool
}

// Load reads configuration for the API server from the environment.
func Load() (Config, error) {
	return load()
}

// LoadForTool loads config for CLI tools. Tools share the server's database
// settings but never bind a port, so port validation is still applied to keep
// the two entrypoints consistent.
func LoadForTool() (Config, error) {
	return load()
}

func load() (Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("mf_env", "")
	v.SetDefault("app_env", "")
	v.SetDefault("go_env", "")
	v.SetDefault("mf_port", 8080)
	v.SetDefault("mf_central_db_path", "data/metafirst")
	v.SetDefault("mf_db_timing", false)

	env := resolveEnvironment(v)
	port := v.GetInt("mf_port")
	if port <= 0 || port > 65535 {
		return Config{}, fmt.Errorf("invalid MF_PORT: %d", port)
	}

	cfg := Config{
		Environment: env,
		Server:      ServerConfig{Port: port},
		Database: DatabaseConfig{
			Path:      strings.TrimSpace(v.GetString("mf_central_db_path")),
			LogTiming: v.GetBool("mf_db_timing"),
		},
	}

	if cfg.Database.Path == "" {
		cfg.Database.Path = "data/metafirst"
	}

	return cfg, nil
}

func (c Config) IsLocalDevelopment() bool {
	switch strings.ToLower(strings.TrimSpace(c.Environment)) {
	case "", "local", "dev", "development", "test":
		return true
	default:
		return false
	}
}

func resolveEnvironment(v *viper.Viper) string {
	for _, key := range []string{"mf_env", "app_env", "go_env"} {
		value := strings.TrimSpace(v.GetString(key))
		if value != "" {
			return strings.ToLower(value)
		}
	}
	return ""
}
