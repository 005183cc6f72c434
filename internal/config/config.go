// Package config loads and validates worker configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. CODESEARCH_SEARCH_MAX_PAGE.
const EnvPrefix = "CODESEARCH"

// Config captures both workers' knobs. Each binary validates the parts it uses.
type Config struct {
	Logging    LoggingConfig    `mapstructure:"logging"`
	Server     ServerConfig     `mapstructure:"server"`
	Runner     RunnerConfig     `mapstructure:"runner"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Search     SearchConfig     `mapstructure:"search"`
	Validation ValidationConfig `mapstructure:"validation"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	GitHub     GitHubConfig     `mapstructure:"github"`
	Mail       MailConfig       `mapstructure:"mail"`
	Notifier   NotifierConfig   `mapstructure:"notifier"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// LoggingConfig toggles zap development features and file output.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb" validate:"min=0"`
	MaxBackups  int    `mapstructure:"max_backups" validate:"min=0"`
}

// TracingConfig controls OpenTelemetry tracing. Spans are exported to Cloud
// Trace only when ProjectID is set.
type TracingConfig struct {
	ProjectID   string  `mapstructure:"project_id"`
	SampleRatio float64 `mapstructure:"sample_ratio" validate:"min=0,max=1"`
}

// ServerConfig controls the ops HTTP server. Port 0 disables it.
type ServerConfig struct {
	Port int `mapstructure:"port" validate:"min=0,max=65535"`
}

// RunnerConfig controls the poll loop.
type RunnerConfig struct {
	ErrorDelay time.Duration `mapstructure:"error_delay" validate:"gt=0"`
}

// StorageConfig holds the connection string of the account hosting the
// queue and table.
type StorageConfig struct {
	ConnectionString string `mapstructure:"connection_string"`
}

// QueueConfig selects the confirmed-exposure queue.
type QueueConfig struct {
	Backend           string        `mapstructure:"backend" validate:"oneof=azure pubsub memory"`
	Name              string        `mapstructure:"name" validate:"required"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout" validate:"min=1s"`
	PubSubProject     string        `mapstructure:"pubsub_project" validate:"required_if=Backend pubsub"`
	PubSubTopic       string        `mapstructure:"pubsub_topic" validate:"required_if=Backend pubsub"`
	PubSubSub         string        `mapstructure:"pubsub_subscription" validate:"required_if=Backend pubsub"`
	PullTimeout       time.Duration `mapstructure:"pull_timeout" validate:"min=0"`
}

// LedgerConfig selects the notified-pairs ledger.
type LedgerConfig struct {
	Backend         string        `mapstructure:"backend" validate:"oneof=azure postgres sqlite memory"`
	Table           string        `mapstructure:"table" validate:"required"`
	DSN             string        `mapstructure:"dsn" validate:"required_if=Backend postgres"`
	Path            string        `mapstructure:"path" validate:"required_if=Backend sqlite"`
	MaxConns        int32         `mapstructure:"max_conns" validate:"min=0"`
	MinConns        int32         `mapstructure:"min_conns" validate:"min=0"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime" validate:"min=0"`
}

// SearchConfig governs the code search scrape.
type SearchConfig struct {
	Term              string            `mapstructure:"term" validate:"required"`
	BaseURL           string            `mapstructure:"base_url" validate:"required,url"`
	MaxPage           int               `mapstructure:"max_page" validate:"min=1"`
	ShortDelay        time.Duration     `mapstructure:"short_delay" validate:"gt=0"`
	LongDelay         time.Duration     `mapstructure:"long_delay" validate:"gt=0"`
	UserAgent         string            `mapstructure:"user_agent" validate:"required"`
	Timeout           time.Duration     `mapstructure:"timeout" validate:"gt=0"`
	Fetcher           string            `mapstructure:"fetcher" validate:"oneof=http headless auto"`
	ResultMarker      string            `mapstructure:"result_marker"`
	PromotionBytes    int               `mapstructure:"promotion_threshold" validate:"min=0"`
	ChromePath        string            `mapstructure:"chrome_path"`
	Headers           map[string]string `mapstructure:"headers"`
	ContainerSelector string            `mapstructure:"container_selector" validate:"required"`
	CodeLineSelector  string            `mapstructure:"code_line_selector" validate:"required"`
	TitleSelector     string            `mapstructure:"title_selector" validate:"required"`
	RPS               float64           `mapstructure:"rps" validate:"min=0"`
	Burst             int               `mapstructure:"burst" validate:"min=0"`
}

// ValidationConfig bounds the live credential check.
type ValidationConfig struct {
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

// ArchiveConfig selects where raw search pages are kept.
type ArchiveConfig struct {
	Backend string `mapstructure:"backend" validate:"oneof=none memory local gcs"`
	Prefix  string `mapstructure:"prefix"`
	Bucket  string `mapstructure:"bucket" validate:"required_if=Backend gcs"`
	Dir     string `mapstructure:"dir" validate:"required_if=Backend local"`
}

// GitHubConfig controls owner lookups.
type GitHubConfig struct {
	Token         string  `mapstructure:"token"`
	BaseURL       string  `mapstructure:"base_url" validate:"omitempty,url"`
	PageSize      int     `mapstructure:"events_page_size" validate:"min=1,max=100"`
	MaxEventPages int     `mapstructure:"max_event_pages" validate:"min=1"`
	RPS           float64 `mapstructure:"rps" validate:"min=0"`
}

// MailConfig selects how notices are delivered.
type MailConfig struct {
	Backend string   `mapstructure:"backend" validate:"oneof=mailgun log"`
	APIKey  string   `mapstructure:"api_key" validate:"required_if=Backend mailgun"`
	Domain  string   `mapstructure:"domain" validate:"required_if=Backend mailgun"`
	From    string   `mapstructure:"from" validate:"omitempty,email"`
	Bcc     []string `mapstructure:"bcc" validate:"required_if=Backend mailgun,dive,email"`
	APIBase string   `mapstructure:"api_base" validate:"omitempty,url"`
}

// NotifierConfig controls notifier pacing.
type NotifierConfig struct {
	IdleDelay time.Duration `mapstructure:"idle_delay" validate:"gt=0"`
}

// LoadEnvFile exports the variables of a dotenv file that are not already
// set. An empty path is a no-op.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindLegacyEnv(v); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("tracing.project_id", "")
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("server.port", 8080)
	v.SetDefault("runner.error_delay", "30s")
	v.SetDefault("storage.connection_string", "")
	v.SetDefault("queue.backend", "azure")
	v.SetDefault("queue.name", "tested-connection-strings")
	v.SetDefault("queue.visibility_timeout", "30s")
	v.SetDefault("queue.pubsub_project", "")
	v.SetDefault("queue.pubsub_topic", "")
	v.SetDefault("queue.pubsub_subscription", "")
	v.SetDefault("queue.pull_timeout", "5s")
	v.SetDefault("ledger.backend", "azure")
	v.SetDefault("ledger.table", "notifiedaccounts")
	v.SetDefault("ledger.dsn", "")
	v.SetDefault("ledger.path", "")
	v.SetDefault("ledger.max_conns", 4)
	v.SetDefault("ledger.min_conns", 0)
	v.SetDefault("ledger.max_conn_lifetime", "30m")
	v.SetDefault("search.term", "DefaultEndpointsProtocol AccountName AccountKey")
	v.SetDefault("search.base_url", "https://github.com/search")
	v.SetDefault("search.max_page", 100)
	v.SetDefault("search.short_delay", "3s")
	v.SetDefault("search.long_delay", "10s")
	v.SetDefault("search.user_agent", "codesearch/1.0 (+https://github.com/JakeFAU/codesearch)")
	v.SetDefault("search.timeout", "30s")
	v.SetDefault("search.fetcher", "http")
	v.SetDefault("search.result_marker", "code-list-item")
	v.SetDefault("search.promotion_threshold", 2048)
	v.SetDefault("search.chrome_path", "")
	v.SetDefault("search.container_selector", "div[class*='code-list-item']")
	v.SetDefault("search.code_line_selector", "td[class*='blob-code']")
	v.SetDefault("search.title_selector", "p[class*='title']")
	v.SetDefault("search.rps", 0)
	v.SetDefault("search.burst", 1)
	v.SetDefault("validation.timeout", "15s")
	v.SetDefault("archive.backend", "none")
	v.SetDefault("archive.prefix", "pages")
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.dir", "")
	v.SetDefault("github.token", "")
	v.SetDefault("github.base_url", "")
	v.SetDefault("github.events_page_size", 30)
	v.SetDefault("github.max_event_pages", 10)
	v.SetDefault("github.rps", 1)
	v.SetDefault("mail.backend", "mailgun")
	v.SetDefault("mail.api_key", "")
	v.SetDefault("mail.domain", "")
	v.SetDefault("mail.from", "")
	v.SetDefault("mail.bcc", []string{})
	v.SetDefault("mail.api_base", "")
	v.SetDefault("notifier.idle_delay", "3s")
}

// bindLegacyEnv maps the variable names earlier deployments used. The
// prefixed key name wins when both are set.
func bindLegacyEnv(v *viper.Viper) error {
	bindings := map[string][]string{
		"storage.connection_string": {"CODESEARCH_STORAGE_CONNECTION_STRING", "CODESEARCH_STORAGE"},
		"github.token":              {"CODESEARCH_GITHUB_TOKEN"},
		"mail.api_key":              {"CODESEARCH_MAIL_API_KEY", "CODESEARCH_MAILGUN_APIKEY"},
		"mail.domain":               {"CODESEARCH_MAIL_DOMAIN", "CODESEARCH_MAILGUN_DOMAIN"},
	}
	for key, envs := range bindings {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return nil
}

// Validate enforces the constraints shared by both workers.
func (c Config) Validate() error {
	return check(c.Logging, c.Server, c.Runner, c.Queue, c.Tracing)
}

// ValidateScraper checks what the scraper needs beyond Validate.
func (c Config) ValidateScraper() error {
	if err := check(c.Search, c.Validation, c.Archive); err != nil {
		return err
	}
	if c.Queue.Backend == "azure" && c.Storage.ConnectionString == "" {
		return errors.New("storage.connection_string is required for the azure queue")
	}
	return nil
}

// ValidateNotifier checks what the notifier needs beyond Validate.
func (c Config) ValidateNotifier() error {
	if err := check(c.Ledger, c.GitHub, c.Mail, c.Notifier); err != nil {
		return err
	}
	if (c.Queue.Backend == "azure" || c.Ledger.Backend == "azure") && c.Storage.ConnectionString == "" {
		return errors.New("storage.connection_string is required for the azure queue or ledger")
	}
	if c.GitHub.Token == "" {
		return errors.New("github.token is required")
	}
	if c.Mail.Backend == "mailgun" && len(c.Mail.Bcc) == 0 {
		return errors.New("mail backend mailgun requires an operator Bcc address")
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func check(sections ...any) error {
	var msgs []string
	for _, section := range sections {
		err := validate.Struct(section)
		if err == nil {
			continue
		}
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("validate config: %w", err)
		}
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
		}
	}
	if len(msgs) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
	}
	return nil
}

// SearchHeaders returns the configured extra request headers.
func (c Config) SearchHeaders() http.Header {
	if len(c.Search.Headers) == 0 {
		return nil
	}
	h := make(http.Header, len(c.Search.Headers))
	for k, v := range c.Search.Headers {
		h.Set(k, v)
	}
	return h
}
