// Package app assembles the pipeline components from configuration. The API
// server and the operator CLI share it so both see the same stores.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"qazna.org/telemetry/internal/auth"
	"qazna.org/telemetry/internal/config"
	"qazna.org/telemetry/internal/consent"
	"qazna.org/telemetry/internal/events"
	"qazna.org/telemetry/internal/export"
	"qazna.org/telemetry/internal/freshness"
	"qazna.org/telemetry/internal/httpapi"
	"qazna.org/telemetry/internal/ingest"
	"qazna.org/telemetry/internal/migrate"
	"qazna.org/telemetry/internal/obs"
	"qazna.org/telemetry/internal/store/pg"
)

// App holds the wired components.
type App struct {
	Config    *config.Config
	DB        *pg.Store
	Consents  *consent.Resolver
	Events    events.Store
	Freshness *freshness.Monitor
	Gateway   *ingest.Gateway
	Writer    export.Writer
	Batches   export.Ledger
	Batcher   *export.Batcher
	Issuer    *auth.Issuer
}

// Build wires every component. With an empty database DSN the stores are
// in-memory and lost on exit.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg}
	metrics := obs.PipelineMetrics{}

	var (
		ledger     consent.Ledger
		checkpoint freshness.Store
	)
	if cfg.Database.DSN != "" {
		db, err := pg.Open(cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		if err := db.Ping(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ping database: %w", err)
		}
		if cfg.Database.AutoMigrate {
			if err := migrate.NewManager(db.DB(), migrate.Migrations(), nil).Up(ctx); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("apply migrations: %w", err)
			}
		}
		a.DB = db
		ledger = db.Consents(cfg.Ingestion.Consent.DefaultVersion)
		a.Events = db.Events()
		checkpoint = db.Freshness()
		a.Batches = db.Batches()
	} else {
		ledger = consent.NewInMemory(cfg.Ingestion.Consent.DefaultVersion)
		a.Events = events.NewInMemory()
		checkpoint = freshness.NewInMemory()
		a.Batches = export.NewInMemoryLedger()
	}

	a.Consents = consent.NewResolver(ledger, cfg.Ingestion.Consent.CacheTTL)
	a.Freshness = freshness.NewMonitor(checkpoint, freshness.WithRecorder(metrics))
	a.Gateway = ingest.NewGateway(ingest.Options{
		Enabled:                   cfg.Ingestion.Enabled,
		DefaultScope:              cfg.Ingestion.DefaultScope,
		AllowedSources:            cfg.Ingestion.AllowedSources,
		StrictSourceEnforcement:   cfg.Ingestion.StrictSourceEnforcement,
		HardBlockWithoutConsent:   cfg.Ingestion.Consent.HardBlockWithoutConsent,
		FreshnessThresholdMinutes: cfg.Freshness.IngestionThresholdMinutes,
		IPHashSalt:                cfg.Ingestion.IPHashSalt,
		Environment:               cfg.App.Environment,
	}, a.Consents, a.Events, a.Freshness, ingest.WithRecorder(metrics))

	writer, err := NewWriter(ctx, cfg.Export)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Writer = writer
	a.Batcher = export.NewBatcher(a.Events, a.Batches, writer, export.Options{
		BatchSize:                 cfg.Export.BatchSize,
		MaxAttempts:               cfg.Export.MaxAttempts,
		ClaimLease:                cfg.Export.ClaimLease,
		Environment:               cfg.App.Environment,
		FreshnessThresholdMinutes: cfg.Freshness.IngestionThresholdMinutes,
	}, export.WithRecorder(metrics), export.WithFreshness(a.Freshness))

	if cfg.Auth.Secret != "" {
		iss, err := auth.NewIssuer(cfg.Auth.Secret)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.Issuer = iss
	}
	return a, nil
}

// NewWriter builds the warehouse writer named by cfg.Destination.
func NewWriter(ctx context.Context, cfg config.ExportConfig) (export.Writer, error) {
	switch strings.ToLower(cfg.Destination) {
	case "", "file":
		return export.NewFileWriter(cfg.File.Dir, cfg.Prefix), nil
	case "s3":
		return export.NewS3Writer(export.S3Options{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			UsePathStyle:    cfg.S3.UsePathStyle,
			Prefix:          cfg.Prefix,
		})
	case "gcs":
		return export.NewGCSWriter(ctx, cfg.GCS.Bucket, cfg.GCS.CredentialsFile, cfg.Prefix)
	case "azure":
		return export.NewAzureWriter(export.AzureOptions{
			AccountName: cfg.Azure.AccountName,
			AccountKey:  cfg.Azure.AccountKey,
			Container:   cfg.Azure.Container,
			Endpoint:    cfg.Azure.Endpoint,
			Prefix:      cfg.Prefix,
		})
	default:
		return nil, fmt.Errorf("unknown export destination %q", cfg.Destination)
	}
}

// API returns the HTTP surface over the wired components.
func (a *App) API() *httpapi.API {
	deps := httpapi.Deps{
		Gateway:   a.Gateway,
		Consents:  a.Consents,
		Events:    a.Events,
		Freshness: a.Freshness,
		Exporter:  a.Batcher,
		Batches:   a.Batches,
		Issuer:    a.Issuer,
	}
	deps.Ready = a.Ready()
	return httpapi.New(deps, httpapi.Options{
		Version:       a.Config.App.Version,
		CORSOrigins:   a.Config.HTTP.CORSOrigins,
		MaxBodyBytes:  a.Config.HTTP.MaxBodyBytes,
		RateBurst:     a.Config.RateLimit.Burst,
		RatePerSecond: a.Config.RateLimit.PerSecond,
	})
}

// Ready reports whether the backing store is reachable.
func (a *App) Ready() httpapi.ReadyProbe {
	if a.DB == nil {
		return httpapi.ReadyProbe{}
	}
	return httpapi.ReadyProbe{DB: a.DB}
}

// Close releases the database pool and writer resources.
func (a *App) Close() error {
	var errs []error
	if c, ok := a.Writer.(interface{ Close() error }); ok {
		errs = append(errs, c.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}
