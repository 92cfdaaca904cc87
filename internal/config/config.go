// Package config loads the configuration from defaults, an optional
// config.yaml and environment variables.
//
// Environment variables are the upper case keys with dots replaced by
// underscores, e.g. LOG_FORMAT, DB_DSN or FEES_PLATFORM_PERCENT.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kindly-giving/backend/internal/fees"
	"github.com/kindly-giving/backend/internal/models"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type ServerConfig struct {
	Port    int    `mapstructure:"port"`
	GinMode string `mapstructure:"gin_mode"`
}

type LogConfig struct {
	Format string `mapstructure:"format"` // "human" or "json". Empty selects by gin mode
	Level  string `mapstructure:"level"`
	File   string `mapstructure:"file"` // Rotated log file, in addition to stdout
}

type DBConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type APIConfig struct {
	URL string `mapstructure:"url"`
}

type CORSConfig struct {
	AllowOrigins string `mapstructure:"allow_origins"` // Space separated
}

type FeesConfig struct {
	PlatformPercent  string `mapstructure:"platform_percent"`
	GSTRate          string `mapstructure:"gst_rate"`
	ProcessorPercent string `mapstructure:"processor_percent"`
	ProcessorFixed   string `mapstructure:"processor_fixed"`
}

type DonationsConfig struct {
	Currency       string        `mapstructure:"currency"`
	MinAmount      string        `mapstructure:"min_amount"`
	MaxAmount      string        `mapstructure:"max_amount"`
	PendingTimeout time.Duration `mapstructure:"pending_timeout"`
}

type RoundUpConfig struct {
	MinTransaction     string   `mapstructure:"min_transaction"`
	MinDonation        string   `mapstructure:"min_donation"`
	SwitchIntervalDays int      `mapstructure:"switch_interval_days"`
	SwitchPolicy       string   `mapstructure:"switch_policy"`
	ExcludedCategories []string `mapstructure:"excluded_categories"`
}

type ProcessorConfig struct {
	BaseURL          string        `mapstructure:"base_url"` // Empty uses the sandbox
	APIKey           string        `mapstructure:"api_key"`
	WebhookSecret    string        `mapstructure:"webhook_secret"`
	WebhookTolerance time.Duration `mapstructure:"webhook_tolerance"`
	Timeout          time.Duration `mapstructure:"timeout"`
}

type AggregatorConfig struct {
	BaseURL string        `mapstructure:"base_url"` // Empty uses the sandbox
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type PayoutsConfig struct {
	MinAmount string `mapstructure:"min_amount"`
}

type JobsConfig struct {
	PendingSweep   time.Duration `mapstructure:"pending_sweep"`
	RoundUpSweep   time.Duration `mapstructure:"roundup_sweep"`
	Recurring      time.Duration `mapstructure:"recurring"`
	BankSync       time.Duration `mapstructure:"bank_sync"`
	PayoutSchedule time.Duration `mapstructure:"payout_schedule"`
}

type Config struct {
	Server      ServerConfig     `mapstructure:"server"`
	Log         LogConfig        `mapstructure:"log"`
	DB          DBConfig         `mapstructure:"db"`
	API         APIConfig        `mapstructure:"api"`
	CORS        CORSConfig       `mapstructure:"cors"`
	EnablePprof bool             `mapstructure:"enable_pprof"`
	Fees        FeesConfig       `mapstructure:"fees"`
	Donations   DonationsConfig  `mapstructure:"donations"`
	RoundUp     RoundUpConfig    `mapstructure:"roundup"`
	Processor   ProcessorConfig  `mapstructure:"processor"`
	Aggregator  AggregatorConfig `mapstructure:"aggregator"`
	Payouts     PayoutsConfig    `mapstructure:"payouts"`
	Jobs        JobsConfig       `mapstructure:"jobs"`
}

// Round-up switch policies.
const (
	SwitchFlush = "flush"
	SwitchCarry = "carry"
)

var DefaultExcludedCategories = []string{
	"transfer*", "atm*", "cash*", "fee*", "interest*", "income*", "salary*", "refund*", "loan*", "tax*", "government*",
}

var ErrInvalid = errors.New("invalid configuration")

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.gin_mode", "release")
	v.SetDefault("log.format", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("db.driver", models.DriverSQLite)
	v.SetDefault("db.dsn", "data/kindly.db")
	v.SetDefault("api.url", "http://localhost:8080")
	v.SetDefault("cors.allow_origins", "")
	v.SetDefault("enable_pprof", false)

	v.SetDefault("fees.platform_percent", fees.DefaultPolicy.PlatformFeePercent.String())
	v.SetDefault("fees.gst_rate", fees.DefaultPolicy.GSTRate.String())
	v.SetDefault("fees.processor_percent", fees.DefaultPolicy.ProcessorFeePercent.String())
	v.SetDefault("fees.processor_fixed", fees.DefaultPolicy.ProcessorFixedFee.String())

	v.SetDefault("donations.currency", "AUD")
	v.SetDefault("donations.min_amount", "1.00")
	v.SetDefault("donations.max_amount", "100000.00")
	v.SetDefault("donations.pending_timeout", 24*time.Hour)

	v.SetDefault("roundup.min_transaction", "1.00")
	v.SetDefault("roundup.min_donation", "1.00")
	v.SetDefault("roundup.switch_interval_days", 30)
	v.SetDefault("roundup.switch_policy", SwitchFlush)
	v.SetDefault("roundup.excluded_categories", DefaultExcludedCategories)

	v.SetDefault("processor.base_url", "")
	v.SetDefault("processor.api_key", "")
	v.SetDefault("processor.webhook_secret", "")
	v.SetDefault("processor.webhook_tolerance", 5*time.Minute)
	v.SetDefault("processor.timeout", 30*time.Second)

	v.SetDefault("aggregator.base_url", "")
	v.SetDefault("aggregator.api_key", "")
	v.SetDefault("aggregator.timeout", 30*time.Second)

	v.SetDefault("payouts.min_amount", "50.00")

	v.SetDefault("jobs.pending_sweep", 15*time.Minute)
	v.SetDefault("jobs.roundup_sweep", time.Hour)
	v.SetDefault("jobs.recurring", time.Hour)
	v.SetDefault("jobs.bank_sync", 6*time.Hour)
	v.SetDefault("jobs.payout_schedule", 24*time.Hour)
}

// Load reads the configuration. If path is empty, config.yaml in the working
// directory is read if it exists.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path == "" {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}

	return &c, nil
}

// Validate checks all values that cannot be checked by type.
func (c *Config) Validate() error {
	switch c.DB.Driver {
	case models.DriverSQLite, models.DriverPostgres:
	default:
		return fmt.Errorf("%w: db.driver must be %s or %s", ErrInvalid, models.DriverSQLite, models.DriverPostgres)
	}

	switch c.RoundUp.SwitchPolicy {
	case SwitchFlush, SwitchCarry:
	default:
		return fmt.Errorf("%w: roundup.switch_policy must be %s or %s", ErrInvalid, SwitchFlush, SwitchCarry)
	}

	cur, err := models.NormalizeCurrency(c.Donations.Currency)
	if err != nil {
		return fmt.Errorf("%w: donations.currency: %w", ErrInvalid, err)
	}
	c.Donations.Currency = cur

	if _, err := c.FeePolicy(); err != nil {
		return err
	}

	for key, value := range map[string]string{
		"donations.min_amount":    c.Donations.MinAmount,
		"donations.max_amount":    c.Donations.MaxAmount,
		"roundup.min_transaction": c.RoundUp.MinTransaction,
		"roundup.min_donation":    c.RoundUp.MinDonation,
		"payouts.min_amount":      c.Payouts.MinAmount,
	} {
		if _, err := parseAmount(key, value); err != nil {
			return err
		}
	}

	if c.RoundUp.SwitchIntervalDays < 0 {
		return fmt.Errorf("%w: roundup.switch_interval_days must not be negative", ErrInvalid)
	}

	return nil
}

// FeePolicy returns the configured fee policy.
func (c *Config) FeePolicy() (fees.Policy, error) {
	var p fees.Policy
	var err error

	if p.PlatformFeePercent, err = parseAmount("fees.platform_percent", c.Fees.PlatformPercent); err != nil {
		return fees.Policy{}, err
	}
	if p.GSTRate, err = parseAmount("fees.gst_rate", c.Fees.GSTRate); err != nil {
		return fees.Policy{}, err
	}
	if p.ProcessorFeePercent, err = parseAmount("fees.processor_percent", c.Fees.ProcessorPercent); err != nil {
		return fees.Policy{}, err
	}
	if p.ProcessorFixedFee, err = parseAmount("fees.processor_fixed", c.Fees.ProcessorFixed); err != nil {
		return fees.Policy{}, err
	}

	if err := p.Validate(); err != nil {
		return fees.Policy{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	return p, nil
}

// Amount returns a decimal setting that was checked by Validate.
func Amount(value string) decimal.Decimal {
	return decimal.RequireFromString(strings.TrimSpace(value))
}

func parseAmount(key, value string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s is not a number: %q", ErrInvalid, key, value)
	}

	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: %s must not be negative", ErrInvalid, key)
	}

	return d, nil
}
