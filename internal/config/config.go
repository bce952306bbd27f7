package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is read from the environment, optionally seeded by a .env file.
type Config struct {
	Port           string        `env:"PORT"               envDefault:"8080"`
	DatabaseURL    string        `env:"DATABASE_URL"       envDefault:"file:raffle.db"`
	AuthToken      string        `env:"TURSO_AUTH_TOKEN"`
	EscrowPath     string        `env:"ESCROW_PATH"        envDefault:"escrow.db"`
	TicketPrice    uint64        `env:"TICKET_PRICE"       envDefault:"1"`
	RoundInterval  time.Duration `env:"ROUND_INTERVAL"     envDefault:"48h"`
	Owner          string        `env:"OWNER_PRINCIPAL,required"`
	Operator       string        `env:"OPERATOR_PRINCIPAL,required"`
	PayoutAddress  string        `env:"PAYOUT_ADDRESS"`
	AdminPrincipal string        `env:"ADMIN_PRINCIPAL"`
	AdminPassword  string        `env:"ADMIN_PASSWORD"`
	TelegramToken  string        `env:"TELEGRAM_TOKEN"`
	AdminChatID    int64         `env:"ADMIN_CHAT_ID"`
	InitDataMaxAge time.Duration `env:"TELEGRAM_AUTH_MAX_AGE" envDefault:"24h"`
	Verbose        bool          `env:"VERBOSE"`
}

// Load reads .env when present and parses the environment.
func Load() (Config, error) {
	_ = godotenv.Load()
	return Parse()
}

// Parse reads the process environment only.
func Parse() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.AdminPrincipal == "" {
		cfg.AdminPrincipal = cfg.Owner
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.TicketPrice == 0 {
		errs = append(errs, errors.New("TICKET_PRICE must be positive"))
	}
	if c.RoundInterval < time.Second {
		errs = append(errs, errors.New("ROUND_INTERVAL must be at least 1s"))
	}
	if c.Owner == "" {
		errs = append(errs, errors.New("OWNER_PRINCIPAL must not be empty"))
	}
	if c.Operator == "" {
		errs = append(errs, errors.New("OPERATOR_PRINCIPAL must not be empty"))
	}
	if c.InitDataMaxAge <= 0 {
		errs = append(errs, errors.New("TELEGRAM_AUTH_MAX_AGE must be positive"))
	}
	if c.AdminChatID != 0 && c.TelegramToken == "" {
		errs = append(errs, errors.New("ADMIN_CHAT_ID needs TELEGRAM_TOKEN"))
	}
	return errors.Join(errs...)
}

// Addr is the listen address.
func (c Config) Addr() string {
	return ":" + c.Port
}
