package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	DBFile          string        `envconfig:"VESTNIK_DB" default:"vestnik.db"`
	APIAddr         string        `envconfig:"VESTNIK_API_ADDR" default:":8080"`
	AttachmentsPath string        `envconfig:"VESTNIK_ATTACHMENTS_PATH" default:"attachments"`
	MaxUploadBytes  int64         `envconfig:"VESTNIK_MAX_UPLOAD_BYTES" default:"10485760"`
	SeedDemo        bool          `envconfig:"VESTNIK_SEED_DEMO" default:"true"`
	SummaryTTL      time.Duration `envconfig:"VESTNIK_SUMMARY_TTL" default:"30s"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.DBFile == "" {
		return fmt.Errorf("VESTNIK_DB must not be empty")
	}

	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("VESTNIK_MAX_UPLOAD_BYTES must be greater than 0")
	}

	if c.SummaryTTL <= 0 {
		return fmt.Errorf("VESTNIK_SUMMARY_TTL must be greater than 0")
	}

	return nil
}
