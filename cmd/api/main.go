package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"qazna.org/telemetry/internal/app"
	"qazna.org/telemetry/internal/config"
	"qazna.org/telemetry/internal/export"
	"qazna.org/telemetry/internal/healthgrpc"
	"qazna.org/telemetry/internal/obs"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.App.Version == "dev" {
		cfg.App.Version = version
	}
	if cfg.App.Commit == "none" {
		cfg.App.Commit = commit
	}

	obs.Configure(os.Stdout, cfg.Log.Level)
	obs.Init()
	obs.PublishBuildInfo(obs.BuildInfo{
		Version:     cfg.App.Version,
		Commit:      cfg.App.Commit,
		Environment: cfg.App.Environment,
		Destination: cfg.Export.Destination,
	})
	logger := obs.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := obs.SetupTracing(ctx, cfg.OTel.Endpoint, cfg.OTel.ServiceName, cfg.App.Version)
	if err != nil {
		log.Fatalf("setup tracing: %v", err)
	}

	a, err := app.Build(ctx, cfg)
	if err != nil {
		log.Fatalf("build app: %v", err)
	}
	defer a.Close()

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           a.API().Handler(),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	grpcServer := grpc.NewServer()
	health := healthgrpc.New(a.Freshness, a.Ready())
	health.Register(grpcServer)

	var sched *export.Scheduler
	if cfg.Export.Schedule != "" {
		sched, err = export.NewScheduler(a.Batcher, cfg.Export.Schedule, logger)
		if err != nil {
			log.Fatalf("export schedule: %v", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http listening", "addr", srv.Addr, "version", cfg.App.Version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			return err
		}
		logger.Info("grpc listening", "addr", cfg.GRPC.Addr)
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		health.Run(gctx, cfg.GRPC.HealthInterval)
		return nil
	})
	if sched != nil {
		sched.Start()
		logger.Info("export scheduler started", "schedule", cfg.Export.Schedule, "destination", a.Writer.Destination())
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		var errs []error
		if sched != nil {
			errs = append(errs, sched.Stop(shutdownCtx))
		}
		errs = append(errs, srv.Shutdown(shutdownCtx))
		grpcServer.GracefulStop()
		errs = append(errs, shutdownTracing(shutdownCtx))
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("stopped")
}
