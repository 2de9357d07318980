package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Addr     string `envconfig:"ADDR" default:":8080"`
	Env      string `envconfig:"APP_ENV" default:"development"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	DSN       string `envconfig:"DB_DSN" required:"true"`
	RedisAddr string `envconfig:"REDIS_ADDR" default:"localhost:6379"`

	JWTSecret        string        `envconfig:"JWT_SECRET" required:"true"`
	JWTRefreshSecret string        `envconfig:"JWT_REFRESH_SECRET" required:"true"`
	AccessTokenExp   time.Duration `envconfig:"ACCESS_TOKEN_EXP" default:"15m"`
	RefreshTokenExp  time.Duration `envconfig:"REFRESH_TOKEN_EXP" default:"168h"`

	UploadDir      string `envconfig:"UPLOAD_DIR" default:"uploads"`
	MaxUploadBytes int64  `envconfig:"MAX_UPLOAD_BYTES" default:"10485760"`
	SendBuffer     int    `envconfig:"SEND_BUFFER" default:"256"`
}

// Load reads an optional .env file, then the process environment.
func Load() (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	if cfg.SendBuffer <= 0 {
		return nil, fmt.Errorf("config error: SEND_BUFFER must be positive, got %d", cfg.SendBuffer)
	}
	return &cfg, nil
}

func (c *Config) Production() bool {
	return c.Env == "production"
}
