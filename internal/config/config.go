// Package config provides configuration loading and validation for the audit
// service. It uses koanf to merge an optional YAML file with environment
// variables; environment variables win.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Storage drivers accepted in STORAGE_DRIVER.
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
	StorageSQLite   = "sqlite"
)

// Config holds all configuration values for the audit service.
type Config struct {
	// Server settings
	Port int    `koanf:"port"`
	Env  string `koanf:"env"`

	// Storage
	StorageDriver string `koanf:"storage_driver"`
	DatabaseURL   string `koanf:"database_url"`
	SQLitePath    string `koanf:"sqlite_path"`
	RedisURL      string `koanf:"redis_url"`

	// Append retry policy
	AppendMaxAttempts        int  `koanf:"append_max_attempts"`
	AppendBaseDelayMS        int  `koanf:"append_base_delay_ms"`
	AppendMaxDelayMS         int  `koanf:"append_max_delay_ms"`
	AppendLocalSerialization bool `koanf:"append_local_serialization"`

	// Verification and export
	ExportMaxEntries int  `koanf:"export_max_entries"` // 0 means unbounded
	ScanBatchSize    int  `koanf:"scan_batch_size"`
	StrictTaxonomy   bool `koanf:"strict_taxonomy"`
	AnonymizeIP      bool `koanf:"anonymize_ip"`

	// Scheduled chain audit; 0 disables it
	CheckpointInterval time.Duration `koanf:"checkpoint_interval"`

	// Replay window for Idempotency-Key on appends; 0 disables it
	IdempotencyTTL time.Duration `koanf:"idempotency_ttl"`

	// Artifact store (S3 compatible); optional
	ArtifactBucket           string `koanf:"artifact_bucket"`
	ArtifactEndpoint         string `koanf:"artifact_endpoint"`
	ArtifactRegion           string `koanf:"artifact_region"`
	ArtifactAccessKeyID      string `koanf:"artifact_access_key_id"`
	ArtifactSecretAccessKey  string `koanf:"artifact_secret_access_key"`
	ArtifactURLExpiryMinutes int    `koanf:"artifact_url_expiry_minutes"`

	// Tracing
	TracingEnabled    bool    `koanf:"tracing_enabled"`
	TracingExporter   string  `koanf:"tracing_exporter"`
	OTLPEndpoint      string  `koanf:"otlp_endpoint"`
	TracingSampleRate float64 `koanf:"tracing_sample_rate"`
	TracingInsecure   bool    `koanf:"tracing_insecure"`

	// Exposes /debug/pprof; refused in production
	ProfilingEnabled bool `koanf:"profiling_enabled"`

	// HTTP edge
	CORSAllowedOrigins           []string `koanf:"cors_allowed_origins"`
	RateLimitCompliancePerMinute int      `koanf:"rate_limit_compliance_per_minute"`
}

// Configuration validation errors.
var (
	ErrInvalidPort              = errors.New("PORT must be a valid integer between 1 and 65535")
	ErrInvalidNumber            = errors.New("value must be numeric")
	ErrInvalidBool              = errors.New("value must be a boolean")
	ErrInvalidDuration          = errors.New("value must be a duration such as 1h or 15m")
	ErrUnknownStorageDriver     = errors.New("STORAGE_DRIVER must be memory, postgres or sqlite")
	ErrMissingDatabaseURL       = errors.New("DATABASE_URL is required for the postgres storage driver")
	ErrMissingSQLitePath        = errors.New("SQLITE_PATH is required for the sqlite storage driver")
	ErrInvalidAppendAttempts    = errors.New("APPEND_MAX_ATTEMPTS must be at least 1")
	ErrInvalidAppendDelay       = errors.New("APPEND_BASE_DELAY_MS must be > 0 and not exceed APPEND_MAX_DELAY_MS")
	ErrInvalidExportMax         = errors.New("EXPORT_MAX_ENTRIES must not be negative")
	ErrInvalidScanBatchSize     = errors.New("SCAN_BATCH_SIZE must be at least 1")
	ErrInvalidCheckpoint        = errors.New("CHECKPOINT_INTERVAL must not be negative")
	ErrInvalidIdempotencyTTL    = errors.New("IDEMPOTENCY_TTL must not be negative")
	ErrMissingArtifactBucket    = errors.New("ARTIFACT_BUCKET is required")
	ErrMissingArtifactEndpoint  = errors.New("ARTIFACT_ENDPOINT is required")
	ErrMissingArtifactKeyID     = errors.New("ARTIFACT_ACCESS_KEY_ID is required")
	ErrMissingArtifactSecret    = errors.New("ARTIFACT_SECRET_ACCESS_KEY is required")
	ErrInvalidArtifactExpiry    = errors.New("ARTIFACT_URL_EXPIRY_MINUTES must be between 1 and 10080")
	ErrInvalidTracingExporter   = errors.New("TRACING_EXPORTER must be otlp-http or otlp-grpc")
	ErrInvalidTracingSampleRate = errors.New("TRACING_SAMPLE_RATE must be between 0 and 1")
	ErrInvalidRateLimit         = errors.New("RATE_LIMIT_COMPLIANCE_PER_MINUTE must be at least 1")
	ErrProfilingInProduction    = errors.New("PROFILING_ENABLED must not be set in production")
)

// Default values for non-secret configuration.
const (
	DefaultPort                         = 8080
	DefaultEnv                          = "development"
	DefaultStorageDriver                = StorageMemory
	DefaultSQLitePath                   = "auditchain.db"
	DefaultAppendMaxAttempts            = 8
	DefaultAppendBaseDelayMS            = 5
	DefaultAppendMaxDelayMS             = 250
	DefaultAppendLocalSerialization     = true
	DefaultExportMaxEntries             = 100000
	DefaultScanBatchSize                = 500
	DefaultStrictTaxonomy               = true
	DefaultIdempotencyTTL               = 24 * time.Hour
	DefaultArtifactRegion               = "auto"
	DefaultArtifactURLExpiryMinutes     = 15
	DefaultTracingExporter              = "otlp-http"
	DefaultTracingSampleRate            = 0.1
	DefaultRateLimitCompliancePerMinute = 30
)

// loader resolves each key from the environment first, then the file, then
// the default, collecting parse errors instead of stopping at the first.
type loader struct {
	k    *koanf.Koanf
	errs []error
}

// Load reads configuration from environment variables and an optional YAML
// file. It returns the config and every load or validation error found; a
// file that cannot be read is reported alone.
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")
	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}
	l := &loader{k: k}

	cfg := &Config{
		Port:          l.intValue([]string{"AUDITCHAIN_PORT", "PORT"}, "port", DefaultPort),
		Env:           l.stringValue([]string{"AUDITCHAIN_ENV", "ENV"}, "env", DefaultEnv),
		StorageDriver: strings.ToLower(l.stringValue([]string{"STORAGE_DRIVER"}, "storage_driver", DefaultStorageDriver)),
		DatabaseURL:   l.stringValue([]string{"DATABASE_URL"}, "database_url", ""),
		SQLitePath:    l.stringValue([]string{"SQLITE_PATH"}, "sqlite_path", DefaultSQLitePath),
		RedisURL:      l.stringValue([]string{"REDIS_URL"}, "redis_url", ""),

		AppendMaxAttempts:        l.intValue([]string{"APPEND_MAX_ATTEMPTS"}, "append_max_attempts", DefaultAppendMaxAttempts),
		AppendBaseDelayMS:        l.intValue([]string{"APPEND_BASE_DELAY_MS"}, "append_base_delay_ms", DefaultAppendBaseDelayMS),
		AppendMaxDelayMS:         l.intValue([]string{"APPEND_MAX_DELAY_MS"}, "append_max_delay_ms", DefaultAppendMaxDelayMS),
		AppendLocalSerialization: l.boolValue("APPEND_LOCAL_SERIALIZATION", "append_local_serialization", DefaultAppendLocalSerialization),

		ExportMaxEntries: l.intValue([]string{"EXPORT_MAX_ENTRIES"}, "export_max_entries", DefaultExportMaxEntries),
		ScanBatchSize:    l.intValue([]string{"SCAN_BATCH_SIZE"}, "scan_batch_size", DefaultScanBatchSize),
		StrictTaxonomy:   l.boolValue("STRICT_TAXONOMY", "strict_taxonomy", DefaultStrictTaxonomy),
		AnonymizeIP:      l.boolValue("ANONYMIZE_IP", "anonymize_ip", false),

		CheckpointInterval: l.durationValue("CHECKPOINT_INTERVAL", "checkpoint_interval", 0),
		IdempotencyTTL:     l.durationValue("IDEMPOTENCY_TTL", "idempotency_ttl", DefaultIdempotencyTTL),

		ArtifactBucket:           l.stringValue([]string{"ARTIFACT_BUCKET"}, "artifact_bucket", ""),
		ArtifactEndpoint:         l.stringValue([]string{"ARTIFACT_ENDPOINT"}, "artifact_endpoint", ""),
		ArtifactRegion:           l.stringValue([]string{"ARTIFACT_REGION"}, "artifact_region", DefaultArtifactRegion),
		ArtifactAccessKeyID:      l.stringValue([]string{"ARTIFACT_ACCESS_KEY_ID"}, "artifact_access_key_id", ""),
		ArtifactSecretAccessKey:  l.stringValue([]string{"ARTIFACT_SECRET_ACCESS_KEY"}, "artifact_secret_access_key", ""),
		ArtifactURLExpiryMinutes: l.intValue([]string{"ARTIFACT_URL_EXPIRY_MINUTES"}, "artifact_url_expiry_minutes", DefaultArtifactURLExpiryMinutes),

		TracingEnabled:    l.boolValue("TRACING_ENABLED", "tracing_enabled", false),
		TracingExporter:   l.stringValue([]string{"TRACING_EXPORTER"}, "tracing_exporter", DefaultTracingExporter),
		OTLPEndpoint:      l.stringValue([]string{"OTEL_EXPORTER_OTLP_ENDPOINT"}, "otlp_endpoint", ""),
		TracingSampleRate: l.floatValue("TRACING_SAMPLE_RATE", "tracing_sample_rate", DefaultTracingSampleRate),
		TracingInsecure:   l.boolValue("TRACING_INSECURE", "tracing_insecure", false),

		ProfilingEnabled: l.boolValue("PROFILING_ENABLED", "profiling_enabled", false),

		CORSAllowedOrigins:           l.listValue("CORS_ALLOWED_ORIGINS", "cors_allowed_origins"),
		RateLimitCompliancePerMinute: l.intValue([]string{"RATE_LIMIT_COMPLIANCE_PER_MINUTE"}, "rate_limit_compliance_per_minute", DefaultRateLimitCompliancePerMinute),
	}

	return cfg, append(l.errs, cfg.Validate()...)
}

func (l *loader) env(keys []string) (string, string, bool) {
	for _, key := range keys {
		if val := os.Getenv(key); val != "" {
			return key, val, true
		}
	}
	return "", "", false
}

func (l *loader) stringValue(envKeys []string, key, def string) string {
	if _, val, ok := l.env(envKeys); ok {
		return val
	}
	if v := l.k.String(key); v != "" {
		return v
	}
	return def
}

func (l *loader) intValue(envKeys []string, key string, def int) int {
	if name, val, ok := l.env(envKeys); ok {
		i, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			if key == "port" {
				l.errs = append(l.errs, fmt.Errorf("%s=%q: %w", name, val, ErrInvalidPort))
			} else {
				l.errs = append(l.errs, fmt.Errorf("%s=%q: %w", name, val, ErrInvalidNumber))
			}
			return def
		}
		return i
	}
	if l.k.Exists(key) {
		return l.k.Int(key)
	}
	return def
}

func (l *loader) floatValue(envKey, key string, def float64) float64 {
	if val := os.Getenv(envKey); val != "" {
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			l.errs = append(l.errs, fmt.Errorf("%s=%q: %w", envKey, val, ErrInvalidNumber))
			return def
		}
		return f
	}
	if l.k.Exists(key) {
		return l.k.Float64(key)
	}
	return def
}

func (l *loader) boolValue(envKey, key string, def bool) bool {
	if val := os.Getenv(envKey); val != "" {
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
		l.errs = append(l.errs, fmt.Errorf("%s=%q: %w", envKey, val, ErrInvalidBool))
		return def
	}
	if l.k.Exists(key) {
		return l.k.Bool(key)
	}
	return def
}

func (l *loader) durationValue(envKey, key string, def time.Duration) time.Duration {
	if val := os.Getenv(envKey); val != "" {
		d, err := time.ParseDuration(strings.TrimSpace(val))
		if err != nil {
			l.errs = append(l.errs, fmt.Errorf("%s=%q: %w", envKey, val, ErrInvalidDuration))
			return def
		}
		return d
	}
	if l.k.Exists(key) {
		return l.k.Duration(key)
	}
	return def
}

// listValue accepts a comma separated env value or a YAML list.
func (l *loader) listValue(envKey, key string) []string {
	var raw []string
	if val := os.Getenv(envKey); val != "" {
		raw = strings.Split(val, ",")
	} else if l.k.Exists(key) {
		raw = l.k.Strings(key)
	}
	var out []string
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate checks value ranges and required combinations.
// Returns a slice of validation errors (empty if valid).
func (c *Config) Validate() []error {
	var errs []error

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, ErrInvalidPort)
	}

	switch c.StorageDriver {
	case StorageMemory:
	case StoragePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, ErrMissingDatabaseURL)
		}
	case StorageSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, ErrMissingSQLitePath)
		}
	default:
		errs = append(errs, ErrUnknownStorageDriver)
	}

	if c.AppendMaxAttempts < 1 {
		errs = append(errs, ErrInvalidAppendAttempts)
	}
	if c.AppendBaseDelayMS <= 0 || c.AppendMaxDelayMS < c.AppendBaseDelayMS {
		errs = append(errs, ErrInvalidAppendDelay)
	}
	if c.ExportMaxEntries < 0 {
		errs = append(errs, ErrInvalidExportMax)
	}
	if c.ScanBatchSize < 1 {
		errs = append(errs, ErrInvalidScanBatchSize)
	}
	if c.CheckpointInterval < 0 {
		errs = append(errs, ErrInvalidCheckpoint)
	}
	if c.IdempotencyTTL < 0 {
		errs = append(errs, ErrInvalidIdempotencyTTL)
	}

	// The artifact store is optional. Once any credential is set, all are required.
	if c.ArtifactsEnabled() || c.ArtifactAccessKeyID != "" || c.ArtifactSecretAccessKey != "" || c.ArtifactEndpoint != "" {
		if c.ArtifactBucket == "" {
			errs = append(errs, ErrMissingArtifactBucket)
		}
		if c.ArtifactEndpoint == "" {
			errs = append(errs, ErrMissingArtifactEndpoint)
		}
		if c.ArtifactAccessKeyID == "" {
			errs = append(errs, ErrMissingArtifactKeyID)
		}
		if c.ArtifactSecretAccessKey == "" {
			errs = append(errs, ErrMissingArtifactSecret)
		}
	}
	if c.ArtifactURLExpiryMinutes < 1 || c.ArtifactURLExpiryMinutes > 7*24*60 {
		errs = append(errs, ErrInvalidArtifactExpiry)
	}

	if c.TracingEnabled {
		if c.TracingExporter != "otlp-http" && c.TracingExporter != "otlp-grpc" {
			errs = append(errs, ErrInvalidTracingExporter)
		}
		if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
			errs = append(errs, ErrInvalidTracingSampleRate)
		}
	}

	if c.RateLimitCompliancePerMinute < 1 {
		errs = append(errs, ErrInvalidRateLimit)
	}
	if c.ProfilingEnabled && c.IsProduction() {
		errs = append(errs, ErrProfilingInProduction)
	}

	return errs
}

// IsProduction reports whether Env names a production deployment.
func (c *Config) IsProduction() bool {
	switch strings.ToLower(strings.TrimSpace(c.Env)) {
	case "production", "prod":
		return true
	}
	return false
}

// ArtifactsEnabled reports whether an artifact bucket is configured.
func (c *Config) ArtifactsEnabled() bool {
	return c.ArtifactBucket != ""
}

// AppendBaseDelay returns the first retry delay of the appender.
func (c *Config) AppendBaseDelay() time.Duration {
	return time.Duration(c.AppendBaseDelayMS) * time.Millisecond
}

// AppendMaxDelay returns the retry delay cap of the appender.
func (c *Config) AppendMaxDelay() time.Duration {
	return time.Duration(c.AppendMaxDelayMS) * time.Millisecond
}

// ArtifactURLExpiry returns the lifetime of presigned download URLs.
func (c *Config) ArtifactURLExpiry() time.Duration {
	return time.Duration(c.ArtifactURLExpiryMinutes) * time.Minute
}

// LogSummary returns a summary of the configuration suitable for logging.
// Secrets are masked.
func (c *Config) LogSummary() map[string]string {
	return map[string]string{
		"port":                       strconv.Itoa(c.Port),
		"env":                        c.Env,
		"storage_driver":             c.StorageDriver,
		"database_url":               maskDatabaseURL(c.DatabaseURL),
		"sqlite_path":                c.SQLitePath,
		"redis_url":                  maskDatabaseURL(c.RedisURL),
		"append_max_attempts":        strconv.Itoa(c.AppendMaxAttempts),
		"append_local_serialization": strconv.FormatBool(c.AppendLocalSerialization),
		"export_max_entries":         strconv.Itoa(c.ExportMaxEntries),
		"scan_batch_size":            strconv.Itoa(c.ScanBatchSize),
		"strict_taxonomy":            strconv.FormatBool(c.StrictTaxonomy),
		"anonymize_ip":               strconv.FormatBool(c.AnonymizeIP),
		"checkpoint_interval":        c.CheckpointInterval.String(),
		"idempotency_ttl":            c.IdempotencyTTL.String(),
		"artifact_bucket":            c.ArtifactBucket,
		"artifact_endpoint":          c.ArtifactEndpoint,
		"artifact_access_key_id":     maskSecret(c.ArtifactAccessKeyID),
		"artifact_secret_access_key": maskSecret(c.ArtifactSecretAccessKey),
		"tracing_enabled":            strconv.FormatBool(c.TracingEnabled),
		"tracing_exporter":           c.TracingExporter,
		"profiling_enabled":          strconv.FormatBool(c.ProfilingEnabled),
		"cors_allowed_origins":       strings.Join(c.CORSAllowedOrigins, ","),
		"rate_limit_compliance":      strconv.Itoa(c.RateLimitCompliancePerMinute),
	}
}

// maskSecret shows the first 4 characters of secrets of 8 or more
// characters and masks shorter ones entirely.
func maskSecret(s string) string {
	if s == "" {
		return "<not set>"
	}
	if len(s) < 8 {
		return "****"
	}
	return s[:4] + "****"
}

// maskDatabaseURL masks the password of a postgres:// or redis:// URL.
func maskDatabaseURL(s string) string {
	if s == "" {
		return "<not set>"
	}

	schemeEnd := strings.Index(s, "://")
	if schemeEnd == -1 {
		return maskSecret(s)
	}

	rest := s[schemeEnd+3:]
	atIndex := strings.LastIndex(rest, "@")
	if atIndex == -1 {
		return s
	}

	colonIndex := strings.Index(rest[:atIndex], ":")
	if colonIndex == -1 {
		return s
	}

	return s[:schemeEnd+3] + rest[:colonIndex] + ":****" + rest[atIndex:]
}
