// Package config loads the agent configuration from a YAML file, an optional
// .env file and RXPORTAL_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "RXPORTAL_"

// Feed sources.
const (
	FeedPGNotify = "pgnotify"
	FeedNATS     = "nats"
)

type Config struct {
	DSN        string `yaml:"dsn"`
	DBMaxConns int32  `yaml:"db_max_conns"`
	HTTPAddr   string `yaml:"http_addr"`
	GRPCAddr   string `yaml:"grpc_addr"`
	LogLevel   string `yaml:"log_level"`
	Dev        bool   `yaml:"dev"`

	Location  Location  `yaml:"location"`
	Session   Session   `yaml:"session"`
	Cache     Cache     `yaml:"cache"`
	Feed      Feed      `yaml:"feed"`
	SMS       SMS       `yaml:"sms"`
	Reconcile Reconcile `yaml:"reconcile"`
	Timing    Timing    `yaml:"timing"`

	// ReconcileCron schedules the periodic reconciliation; empty disables it.
	ReconcileCron string `yaml:"reconcile_cron"`
}

type Location struct {
	ID             string `yaml:"id"`
	OutboundNumber string `yaml:"outbound_number"`
}

// Session is the staff session the agent runs under.
type Session struct {
	Token      string `yaml:"token"`
	SigningKey string `yaml:"signing_key"`
}

type Cache struct {
	Dir    string `yaml:"dir"`
	Secret string `yaml:"secret"`
}

type Feed struct {
	Source  string `yaml:"source"`
	Channel string `yaml:"channel"`
	NATS    NATS   `yaml:"nats"`
	// Relay republishes the postgres feed into NATS.
	Relay bool `yaml:"relay"`
}

type NATS struct {
	URL           string        `yaml:"url"`
	Stream        string        `yaml:"stream"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	MaxAge        time.Duration `yaml:"max_age"`
}

type SMS struct {
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Timeout     time.Duration `yaml:"timeout"`
	RPS         float64       `yaml:"rps"`
	Burst       int           `yaml:"burst"`
	PerKeyRPS   float64       `yaml:"per_recipient_rps"`
	PerKeyBurst int           `yaml:"per_recipient_burst"`
	// WebhookKey authenticates inbound SMS callbacks; empty disables the webhook.
	WebhookKey string `yaml:"webhook_key"`
}

// Reconcile tunes the message dedup signature.
type Reconcile struct {
	Granularity     time.Duration `yaml:"granularity"`
	EchoWindow      time.Duration `yaml:"echo_window"`
	PatientCollapse time.Duration `yaml:"patient_collapse"`
}

type Timing struct {
	UpdateDebounce   time.Duration `yaml:"update_debounce"`
	AutoSelectWindow time.Duration `yaml:"auto_select_window"`
	InsertLoadDelay  time.Duration `yaml:"insert_load_delay"`
	RetryDelay       time.Duration `yaml:"retry_delay"`
}

// Default returns a configuration with every optional value filled in.
func Default() *Config {
	return &Config{
		DBMaxConns: 8,
		HTTPAddr:   ":8080",
		GRPCAddr:   "127.0.0.1:9090",
		LogLevel:   "info",
		Feed: Feed{
			Source:  FeedPGNotify,
			Channel: "rxportal_changes",
			NATS: NATS{
				Stream:        "RXPORTAL_CHANGES",
				SubjectPrefix: "rxportal.changes",
				MaxAge:        24 * time.Hour,
			},
		},
		SMS: SMS{Timeout: 10 * time.Second, RPS: 10, Burst: 20, PerKeyRPS: 1, PerKeyBurst: 3},
		Reconcile: Reconcile{
			Granularity:     time.Second,
			EchoWindow:      time.Second,
			PatientCollapse: 3 * time.Second,
		},
		Timing: Timing{
			UpdateDebounce:   100 * time.Millisecond,
			AutoSelectWindow: 5 * time.Second,
			InsertLoadDelay:  500 * time.Millisecond,
			RetryDelay:       time.Second,
		},
		ReconcileCron: "*/5 * * * *",
	}
}

// Load reads path (a missing file is fine), then envFile (a missing file is
// fine), then the environment, and validates the result.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(b, cfg); err != nil {
				return nil, fmt.Errorf("config %s: %w", path, err)
			}
		case !errors.Is(err, os.ErrNotExist):
			return nil, err
		}
	}
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("env file %s: %w", envFile, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	str := map[string]*string{
		"DSN":             &c.DSN,
		"HTTP_ADDR":       &c.HTTPAddr,
		"GRPC_ADDR":       &c.GRPCAddr,
		"LOG_LEVEL":       &c.LogLevel,
		"LOCATION_ID":     &c.Location.ID,
		"OUTBOUND_NUMBER": &c.Location.OutboundNumber,
		"SESSION_TOKEN":   &c.Session.Token,
		"SIGNING_KEY":     &c.Session.SigningKey,
		"CACHE_DIR":       &c.Cache.Dir,
		"CACHE_SECRET":    &c.Cache.Secret,
		"FEED_SOURCE":     &c.Feed.Source,
		"FEED_CHANNEL":    &c.Feed.Channel,
		"NATS_URL":        &c.Feed.NATS.URL,
		"SMS_URL":         &c.SMS.BaseURL,
		"SMS_API_KEY":     &c.SMS.APIKey,
		"SMS_WEBHOOK_KEY": &c.SMS.WebhookKey,
		"RECONCILE_CRON":  &c.ReconcileCron,
	}
	for k, p := range str {
		if v, ok := os.LookupEnv(EnvPrefix + k); ok {
			*p = strings.TrimSpace(v)
		}
	}
	flags := map[string]*bool{"DEV": &c.Dev, "FEED_RELAY": &c.Feed.Relay}
	for k, p := range flags {
		if v, ok := os.LookupEnv(EnvPrefix + k); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, k, err)
			}
			*p = b
		}
	}
	return nil
}

// Validate checks required values and their shape.
func (c *Config) Validate() error {
	var errs []error
	if c.DSN == "" {
		errs = append(errs, errors.New("dsn is required"))
	}
	if c.Session.SigningKey == "" {
		errs = append(errs, errors.New("session.signing_key is required"))
	}
	if c.Session.Token == "" {
		errs = append(errs, errors.New("session.token is required"))
	}
	if c.DBMaxConns < 0 {
		errs = append(errs, errors.New("db_max_conns must not be negative"))
	}
	switch c.Feed.Source {
	case FeedPGNotify:
	case FeedNATS:
		if c.Feed.NATS.URL == "" {
			errs = append(errs, errors.New("feed.nats.url is required for the nats feed"))
		}
	default:
		errs = append(errs, fmt.Errorf("feed.source: unknown source %q", c.Feed.Source))
	}
	if c.Feed.Relay && (c.Feed.Source != FeedPGNotify || c.Feed.NATS.URL == "") {
		errs = append(errs, errors.New("feed.relay needs the pgnotify source and feed.nats.url"))
	}
	if c.Cache.Dir != "" && c.Cache.Secret == "" {
		errs = append(errs, errors.New("cache.secret is required with cache.dir"))
	}
	if c.ReconcileCron != "" && !gronx.IsValid(c.ReconcileCron) {
		errs = append(errs, fmt.Errorf("reconcile_cron: invalid expression %q", c.ReconcileCron))
	}
	if c.Reconcile.Granularity <= 0 {
		errs = append(errs, errors.New("reconcile.granularity must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("validation: %w", errors.Join(errs...))
	}
	return nil
}
