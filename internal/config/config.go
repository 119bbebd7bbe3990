// Package config loads pipeline settings from an optional YAML file, a .env
// file and TELEMETRY_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. TELEMETRY_INGESTION_ENABLED.
const EnvPrefix = "TELEMETRY"

// Config holds application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	GRPC      GRPCConfig      `mapstructure:"grpc"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Log       LogConfig       `mapstructure:"log"`
	OTel      OTelConfig      `mapstructure:"otel"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Ingestion IngestionConfig `mapstructure:"ingestion"`
	Freshness FreshnessConfig `mapstructure:"freshness"`
	Export    ExportConfig    `mapstructure:"export"`
}

type AppConfig struct {
	// Environment is stamped on every event row; opaque to the pipeline.
	Environment string `mapstructure:"environment"`
	Version     string `mapstructure:"version"`
	Commit      string `mapstructure:"commit"`
}

type HTTPConfig struct {
	Addr         string        `mapstructure:"addr"`
	MaxBodyBytes int64         `mapstructure:"maxBodyBytes"`
	CORSOrigins  []string      `mapstructure:"corsOrigins"`
	ReadTimeout  time.Duration `mapstructure:"readTimeout"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`
}

type GRPCConfig struct {
	Addr           string        `mapstructure:"addr"`
	HealthInterval time.Duration `mapstructure:"healthInterval"`
}

type DatabaseConfig struct {
	// DSN selects Postgres; empty means in-memory stores.
	DSN         string `mapstructure:"dsn"`
	AutoMigrate bool   `mapstructure:"autoMigrate"`
}

type AuthConfig struct {
	// Secret enables bearer authentication on admin routes.
	Secret string `mapstructure:"secret"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type OTelConfig struct {
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"serviceName"`
}

type RateLimitConfig struct {
	PerSecond float64 `mapstructure:"perSecond"`
	Burst     int     `mapstructure:"burst"`
}

type IngestionConfig struct {
	Enabled                 bool          `mapstructure:"enabled"`
	DefaultScope            string        `mapstructure:"defaultScope"`
	AllowedSources          []string      `mapstructure:"allowedSources"`
	StrictSourceEnforcement bool          `mapstructure:"strictSourceEnforcement"`
	IPHashSalt              string        `mapstructure:"ipHashSalt"`
	Consent                 ConsentConfig `mapstructure:"consent"`
}

type ConsentConfig struct {
	HardBlockWithoutConsent bool          `mapstructure:"hardBlockWithoutConsent"`
	DefaultVersion          string        `mapstructure:"defaultVersion"`
	CacheTTL                time.Duration `mapstructure:"cacheTTL"`
}

type FreshnessConfig struct {
	IngestionThresholdMinutes int `mapstructure:"ingestionThresholdMinutes"`
}

type ExportConfig struct {
	Destination string        `mapstructure:"destination"`
	Prefix      string        `mapstructure:"prefix"`
	BatchSize   int           `mapstructure:"batchSize"`
	Schedule    string        `mapstructure:"schedule"`
	MaxAttempts int           `mapstructure:"maxAttempts"`
	ClaimLease  time.Duration `mapstructure:"claimLease"`
	File        FileExport    `mapstructure:"file"`
	S3          S3Export      `mapstructure:"s3"`
	GCS         GCSExport     `mapstructure:"gcs"`
	Azure       AzureExport   `mapstructure:"azure"`
}

type FileExport struct {
	Dir string `mapstructure:"dir"`
}

type S3Export struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"accessKeyId"`
	SecretAccessKey string `mapstructure:"secretAccessKey"`
	UsePathStyle    bool   `mapstructure:"usePathStyle"`
}

type GCSExport struct {
	Bucket          string `mapstructure:"bucket"`
	CredentialsFile string `mapstructure:"credentialsFile"`
}

type AzureExport struct {
	AccountName string `mapstructure:"accountName"`
	AccountKey  string `mapstructure:"accountKey"`
	Container   string `mapstructure:"container"`
	Endpoint    string `mapstructure:"endpoint"`
}

// Destinations accepted by export.destination.
var destinations = map[string]bool{"file": true, "s3": true, "gcs": true, "azure": true}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.version", "dev")
	v.SetDefault("app.commit", "none")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.maxBodyBytes", 1<<20)
	v.SetDefault("http.corsOrigins", []string{})
	v.SetDefault("http.readTimeout", 10*time.Second)
	v.SetDefault("http.writeTimeout", 15*time.Second)
	v.SetDefault("grpc.addr", ":9090")
	v.SetDefault("grpc.healthInterval", 30*time.Second)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.autoMigrate", false)
	v.SetDefault("auth.secret", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("otel.endpoint", "")
	v.SetDefault("otel.serviceName", "telemetry-pipeline")
	v.SetDefault("ratelimit.perSecond", 50.0)
	v.SetDefault("ratelimit.burst", 100)

	v.SetDefault("ingestion.enabled", true)
	v.SetDefault("ingestion.defaultScope", "product.analytics")
	v.SetDefault("ingestion.allowedSources", []string{})
	v.SetDefault("ingestion.strictSourceEnforcement", false)
	v.SetDefault("ingestion.ipHashSalt", "")
	v.SetDefault("ingestion.consent.hardBlockWithoutConsent", true)
	v.SetDefault("ingestion.consent.defaultVersion", "v1")
	v.SetDefault("ingestion.consent.cacheTTL", time.Duration(0))

	v.SetDefault("freshness.ingestionThresholdMinutes", 15)

	v.SetDefault("export.destination", "file")
	v.SetDefault("export.prefix", "telemetry")
	v.SetDefault("export.batchSize", 500)
	v.SetDefault("export.schedule", "")
	v.SetDefault("export.maxAttempts", 10)
	v.SetDefault("export.claimLease", 10*time.Minute)
	v.SetDefault("export.file.dir", "var/exports")
	v.SetDefault("export.s3.bucket", "")
	v.SetDefault("export.s3.region", "us-east-1")
	v.SetDefault("export.s3.endpoint", "")
	v.SetDefault("export.s3.accessKeyId", "")
	v.SetDefault("export.s3.secretAccessKey", "")
	v.SetDefault("export.s3.usePathStyle", false)
	v.SetDefault("export.gcs.bucket", "")
	v.SetDefault("export.gcs.credentialsFile", "")
	v.SetDefault("export.azure.accountName", "")
	v.SetDefault("export.azure.accountKey", "")
	v.SetDefault("export.azure.container", "")
	v.SetDefault("export.azure.endpoint", "")
}

// Load builds Config. path names a YAML file; when empty TELEMETRY_CONFIG is
// consulted, then ./config.yaml if it exists.
func Load(path string) (*Config, error) {
	// .env is optional (CI, containers).
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	c.Ingestion.AllowedSources = cleanList(c.Ingestion.AllowedSources, true)
	c.HTTP.CORSOrigins = cleanList(c.HTTP.CORSOrigins, false)
	c.Export.Destination = strings.ToLower(strings.TrimSpace(c.Export.Destination))
	c.Export.Schedule = strings.TrimSpace(c.Export.Schedule)
}

// Validate reports settings the pipeline cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Ingestion.DefaultScope) == "" {
		return errors.New("config: ingestion.defaultScope must be set")
	}
	if strings.TrimSpace(c.Ingestion.Consent.DefaultVersion) == "" {
		return errors.New("config: ingestion.consent.defaultVersion must be set")
	}
	if c.Ingestion.Consent.CacheTTL < 0 {
		return errors.New("config: ingestion.consent.cacheTTL must not be negative")
	}
	if c.Freshness.IngestionThresholdMinutes <= 0 {
		return errors.New("config: freshness.ingestionThresholdMinutes must be positive")
	}
	if c.Export.BatchSize <= 0 {
		return errors.New("config: export.batchSize must be positive")
	}
	if c.Export.MaxAttempts < 0 {
		return errors.New("config: export.maxAttempts must not be negative")
	}
	if c.Export.ClaimLease <= 0 {
		return errors.New("config: export.claimLease must be positive")
	}
	if !destinations[c.Export.Destination] {
		return fmt.Errorf("config: unknown export.destination %q", c.Export.Destination)
	}
	switch c.Export.Destination {
	case "s3":
		if c.Export.S3.Bucket == "" {
			return errors.New("config: export.s3.bucket must be set")
		}
	case "gcs":
		if c.Export.GCS.Bucket == "" {
			return errors.New("config: export.gcs.bucket must be set")
		}
	case "azure":
		if c.Export.Azure.AccountName == "" || c.Export.Azure.Container == "" {
			return errors.New("config: export.azure.accountName and export.azure.container must be set")
		}
	}
	return nil
}

func cleanList(in []string, lower bool) []string {
	// Env overrides arrive as a single comma-separated element.
	var out []string
	seen := map[string]bool{}
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			part = strings.TrimSpace(part)
			if lower {
				part = strings.ToLower(part)
			}
			if part == "" || seen[part] {
				continue
			}
			seen[part] = true
			out = append(out, part)
		}
	}
	return out
}
