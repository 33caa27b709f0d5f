// Package config loads and validates pricescan configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Server      ServerConfig      `mapstructure:"server"`
	ScrapingBee ScrapingBeeConfig `mapstructure:"scrapingbee"`
	Fetch       FetchConfig       `mapstructure:"fetch"`
	LLM         LLMConfig         `mapstructure:"llm"`
	Input       InputConfig       `mapstructure:"input"`
	Email       EmailConfig       `mapstructure:"email"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Database    DatabaseConfig    `mapstructure:"database"`
	PubSub      PubSubConfig      `mapstructure:"pubsub"`
	Progress    ProgressConfig    `mapstructure:"progress"`
	Serve       ServeConfig       `mapstructure:"serve"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// AppConfig identifies the process.
type AppConfig struct {
	Mode        string `mapstructure:"mode" validate:"oneof=debug test prod"`
	ServiceName string `mapstructure:"service_name" validate:"required"`
	Version     string `mapstructure:"version"`
	// ProjectID enables Cloud Trace export when set.
	ProjectID string `mapstructure:"project_id"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port" validate:"gt=0,lte=65535"`
}

// ScrapingBeeConfig holds proxy credentials.
type ScrapingBeeConfig struct {
	APIKey   string `mapstructure:"api_key"`
	Endpoint string `mapstructure:"endpoint" validate:"omitempty,url"`
	RenderJS bool   `mapstructure:"render_js"`
}

// FetchConfig governs the fetch client and orchestrator.
type FetchConfig struct {
	Concurrency      int           `mapstructure:"concurrency" validate:"gt=0"`
	MaxRetries       int           `mapstructure:"max_retries" validate:"gte=1"`
	BackoffBase      time.Duration `mapstructure:"backoff_base" validate:"gte=0"`
	Timeout          time.Duration `mapstructure:"timeout" validate:"gt=0"`
	PerHostRPS       float64       `mapstructure:"per_host_rps" validate:"gte=0"`
	DebugHTTP        bool          `mapstructure:"debug_http"`
	RenderJSFallback bool          `mapstructure:"render_js_fallback"`
	SnapshotPages    bool          `mapstructure:"snapshot_pages"`
}

// LLMConfig configures the language-model fallback strategy.
type LLMConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	APIKey            string        `mapstructure:"api_key"`
	BaseURL           string        `mapstructure:"base_url" validate:"omitempty,url"`
	Model             string        `mapstructure:"model" validate:"required"`
	MaxExcerptTokens  int           `mapstructure:"max_excerpt_tokens" validate:"gte=0"`
	MaxExcerptChars   int           `mapstructure:"max_excerpt_chars" validate:"gt=0"`
	MaxOutputTokens   int           `mapstructure:"max_output_tokens" validate:"gt=0"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" validate:"gte=0"`
	MaxCallsPerBatch  int           `mapstructure:"max_calls_per_batch" validate:"gte=0"`
	Timeout           time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

// InputConfig selects the product map source.
type InputConfig struct {
	WorkbookPath    string `mapstructure:"workbook_path"`
	SheetID         string `mapstructure:"sheet_id"`
	OutputSheetID   string `mapstructure:"output_sheet_id"`
	CredentialsFile string `mapstructure:"credentials_file"`
	Limit           int    `mapstructure:"limit" validate:"gte=0"`
}

// EmailConfig configures SMTP delivery of the scanned workbook.
type EmailConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	Host     string   `mapstructure:"host"`
	Port     int      `mapstructure:"port" validate:"gte=0,lte=65535"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`
	From     string   `mapstructure:"from" validate:"omitempty,email"`
	To       []string `mapstructure:"to" validate:"dive,email"`
	Subject  string   `mapstructure:"subject"`
}

// StorageConfig selects the blob backend for decision logs and snapshots.
type StorageConfig struct {
	Backend    string             `mapstructure:"backend" validate:"oneof=memory local gcs"`
	Bucket     string             `mapstructure:"bucket"`
	Local      LocalStorageConfig `mapstructure:"local"`
	LogPrefix  string             `mapstructure:"log_prefix"`
	PagePrefix string             `mapstructure:"page_prefix"`
}

// LocalStorageConfig configures the filesystem backend.
type LocalStorageConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// DatabaseConfig controls access to Postgres. An empty DSN disables it.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	RecordsTable    string        `mapstructure:"records_table" validate:"required"`
	MaxConns        int32         `mapstructure:"max_conns" validate:"gte=0"`
	MinConns        int32         `mapstructure:"min_conns" validate:"gte=0"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime" validate:"gte=0"`
}

// PubSubConfig holds the batch summary topic. An empty project disables it.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ProgressConfig tunes the progress hub.
type ProgressConfig struct {
	Enabled       bool                `mapstructure:"enabled"`
	LogEnabled    bool                `mapstructure:"log_enabled"`
	BufferSize    int                 `mapstructure:"buffer_size" validate:"gt=0"`
	Batch         ProgressBatchConfig `mapstructure:"batch"`
	SinkTimeoutMS int                 `mapstructure:"sink_timeout_ms" validate:"gt=0"`
}

// ProgressBatchConfig bounds how many events a sink receives at once.
type ProgressBatchConfig struct {
	MaxEvents int `mapstructure:"max_events" validate:"gt=0"`
	MaxWaitMS int `mapstructure:"max_wait_ms" validate:"gt=0"`
}

// ServeConfig sizes the job queue and worker pool.
type ServeConfig struct {
	JobWorkers int    `mapstructure:"job_workers" validate:"gt=0"`
	QueueDepth int    `mapstructure:"queue_depth" validate:"gt=0"`
	Schedule   string `mapstructure:"schedule"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Option adjusts the Viper instance before unmarshalling.
type Option func(v *viper.Viper) error

// BindFlag lets a command-line flag override key when the flag was set.
func BindFlag(key string, flag *pflag.Flag) Option {
	return func(v *viper.Viper) error {
		if flag == nil {
			return nil
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("bind flag %s: %w", flag.Name, err)
		}
		return nil
	}
}

// Load builds a Config from defaults, an optional file, PRICESCAN_* env vars
// and bound flags, in increasing precedence.
func Load(path string, opts ...Option) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PRICESCAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	for _, opt := range opts {
		if err := opt(v); err != nil {
			return Config{}, err
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
	v.SetDefault("app.mode", "prod")
	v.SetDefault("app.service_name", "pricescan")
	v.SetDefault("app.version", "dev")
	v.SetDefault("app.project_id", "")

	v.SetDefault("server.port", 8080)

	v.SetDefault("scrapingbee.api_key", "")
	v.SetDefault("scrapingbee.endpoint", "https://app.scrapingbee.com/api/v1/")
	v.SetDefault("scrapingbee.render_js", false)

	v.SetDefault("fetch.concurrency", 10)
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("fetch.backoff_base", "1s")
	v.SetDefault("fetch.timeout", "60s")
	v.SetDefault("fetch.per_host_rps", 0)
	v.SetDefault("fetch.debug_http", false)
	v.SetDefault("fetch.render_js_fallback", false)
	v.SetDefault("fetch.snapshot_pages", false)

	v.SetDefault("llm.enabled", false)
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.max_excerpt_tokens", 4000)
	v.SetDefault("llm.max_excerpt_chars", 16000)
	v.SetDefault("llm.max_output_tokens", 256)
	v.SetDefault("llm.requests_per_second", 2)
	v.SetDefault("llm.max_calls_per_batch", 0)
	v.SetDefault("llm.timeout", "30s")

	v.SetDefault("input.workbook_path", "")
	v.SetDefault("input.sheet_id", "")
	v.SetDefault("input.output_sheet_id", "")
	v.SetDefault("input.credentials_file", "")
	v.SetDefault("input.limit", 0)

	v.SetDefault("email.enabled", false)
	v.SetDefault("email.host", "smtp.gmail.com")
	v.SetDefault("email.port", 587)
	v.SetDefault("email.username", "")
	v.SetDefault("email.password", "")
	v.SetDefault("email.from", "")
	v.SetDefault("email.to", []string{})
	v.SetDefault("email.subject", "Retail Selector: Updated Retail Arbitrage Targeting List")

	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.local.base_dir", "data")
	v.SetDefault("storage.log_prefix", "logs")
	v.SetDefault("storage.page_prefix", "pages")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.records_table", "scan_records")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.max_conn_lifetime", "30m")

	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")

	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", false)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.batch.max_events", 100)
	v.SetDefault("progress.batch.max_wait_ms", 500)
	v.SetDefault("progress.sink_timeout_ms", 2000)

	v.SetDefault("serve.job_workers", 2)
	v.SetDefault("serve.queue_depth", 64)
	v.SetDefault("serve.schedule", "")

	v.SetDefault("logging.development", false)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("mapstructure"), ",")
		return name
	})
	return v
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fieldError(verrs[0])
		}
		return fmt.Errorf("validate config: %w", err)
	}
	switch c.Storage.Backend {
	case "gcs":
		if c.Storage.Bucket == "" {
			return errors.New("storage.bucket must be set when storage.backend is gcs")
		}
	case "local":
		if c.Storage.Local.BaseDir == "" {
			return errors.New("storage.local.base_dir must be set when storage.backend is local")
		}
	}
	if c.Email.Enabled {
		if c.Email.Host == "" || c.Email.Port == 0 {
			return errors.New("email.host and email.port must be set when email is enabled")
		}
		if c.Email.From == "" || len(c.Email.To) == 0 {
			return errors.New("email.from and email.to must be set when email is enabled")
		}
	}
	if c.Input.OutputSheetID != "" && c.Input.OutputSheetID == c.Input.SheetID {
		return errors.New("input.output_sheet_id must differ from input.sheet_id")
	}
	if c.Database.MaxConns > 0 && c.Database.MinConns > c.Database.MaxConns {
		return errors.New("database.min_conns must be <= database.max_conns")
	}
	if c.PubSub.ProjectID != "" && c.PubSub.Topic == "" {
		return errors.New("pubsub.topic must be set when pubsub.project_id is set")
	}
	return nil
}

func fieldError(fe validator.FieldError) error {
	// Namespace is "Config.<section>.<key>"; drop the root type.
	_, key, _ := strings.Cut(fe.Namespace(), ".")
	if fe.Param() != "" {
		return fmt.Errorf("%s must satisfy %s=%s", key, fe.Tag(), fe.Param())
	}
	return fmt.Errorf("%s must satisfy %s", key, fe.Tag())
}

// RequireProxy reports whether scanning can reach the proxy.
func (c Config) RequireProxy() error {
	if c.ScrapingBee.APIKey == "" {
		return errors.New("scrapingbee.api_key must be set")
	}
	return nil
}

// LLMEnabled reports whether the language-model fallback should be wired.
func (c Config) LLMEnabled() bool {
	return c.LLM.Enabled && c.LLM.APIKey != ""
}

// SinkTimeout converts progress.sink_timeout_ms.
func (p ProgressConfig) SinkTimeout() time.Duration {
	return time.Duration(p.SinkTimeoutMS) * time.Millisecond
}

// MaxBatchWait converts progress.batch.max_wait_ms.
func (p ProgressConfig) MaxBatchWait() time.Duration {
	return time.Duration(p.Batch.MaxWaitMS) * time.Millisecond
}
