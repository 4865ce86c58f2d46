package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/danmuck/nlpctl/internal/stubserver"
)

// StubConfig configures the stand-alone stub annotation server.
type StubConfig struct {
	ID          string   `toml:"id"`
	Addr        string   `toml:"addr"`
	ShutdownKey string   `toml:"shutdown_key"`
	CorsOrigins []string `toml:"cors_origins"`
	MaxBodySize int64    `toml:"max_body_size"`
	Username    string   `toml:"username"`
	Password    string   `toml:"password"`
}

func LoadStubConfig(path string) (StubConfig, error) {
	var cfg StubConfig
	if err := loadToml(path, &cfg); err != nil {
		return StubConfig{}, err
	}
	if cfg.ID == "" {
		cfg.ID = "stubserver"
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:9000"
	}
	if err := ValidateStubConfig(cfg); err != nil {
		return StubConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateStubConfig(cfg StubConfig) error {
	if strings.TrimSpace(cfg.ID) == "" {
		return fmt.Errorf("stub config missing id")
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("stub config missing addr")
	}
	if cfg.MaxBodySize < 0 {
		return fmt.Errorf("stub config max_body_size must not be negative")
	}
	return nil
}

// ServerConfig converts the file form into the server's runtime config.
func (c StubConfig) ServerConfig() stubserver.Config {
	return stubserver.Config{
		ID:          c.ID,
		Addr:        c.Addr,
		ShutdownKey: c.ShutdownKey,
		CorsOrigins: c.CorsOrigins,
		MaxBodySize: c.MaxBodySize,
		Username:    c.Username,
		Password:    c.Password,
	}
}
