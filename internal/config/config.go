package config

import (
	"errors"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Port           string        `envconfig:"APP_PORT" default:"8080"`
	DataDir        string        `envconfig:"DATA_DIR" default:"./data"`
	JWTSecret      string        `envconfig:"JWT_SECRET" default:"dev-secret-change-me"`
	Env            string        `envconfig:"APP_ENV" default:"dev"`
	InviteTTL      time.Duration `envconfig:"INVITE_TTL" default:"300s"`
	SweepInterval  time.Duration `envconfig:"SWEEP_INTERVAL" default:"10s"`
	AllowedOrigins string        `envconfig:"ALLOWED_ORIGINS" default:""`
}

// Load 读取环境变量（可选 .env 文件）并填充默认值。
func Load() (Config, error) {
	// .env 不存在不算错误，容器环境通常直接注入变量。
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate 做启动前的健全性检查，生产环境禁止使用默认密钥。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("port must not be empty")
	}
	if cfg.DataDir == "" {
		return errors.New("data dir must not be empty")
	}
	if cfg.Env != "dev" && cfg.JWTSecret == "dev-secret-change-me" {
		return errors.New("default JWT secret is not allowed outside dev")
	}
	if cfg.InviteTTL <= 0 {
		return errors.New("invite ttl must be positive")
	}
	if cfg.SweepInterval <= 0 {
		return errors.New("sweep interval must be positive")
	}
	return nil
}
