package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/arcgate/gateway/config"
	"github.com/arcgate/gateway/internal/admin"
	"github.com/arcgate/gateway/internal/logging"
	"github.com/arcgate/gateway/internal/pipeline"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

// Exit codes: 0 graceful, 1 configuration error, 2 listener bind failure,
// 3 dependency initialization failure.
const (
	exitOK         = 0
	exitConfig     = 1
	exitBind       = 2
	exitDependency = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "configs/gateway.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("arcgate %s (built %s)\n", version, buildTime)
		return exitOK
	}

	loader := config.NewLoader()
	cfg, err := loader.LoadFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		return exitConfig
	}

	if *validateOnly {
		fmt.Println("configuration is valid")
		return exitOK
	}

	logCfg := logging.Config{
		Level:    cfg.Observability.Logging.Level,
		Encoding: cfg.Observability.Logging.Encoding,
	}
	if f := cfg.Observability.Logging.File; f != nil {
		logCfg.Output = f.Path
		logCfg.MaxSize = f.MaxSizeMB
		logCfg.MaxBackups = f.MaxBackups
		logCfg.MaxAge = f.MaxAgeDays
		logCfg.Compress = f.Compress
	}
	logger, closer, err := logging.New(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		return exitDependency
	}
	if closer != nil {
		defer closer.Close()
	}
	logging.SetGlobal(logger)
	defer logger.Sync()

	logger.Info("starting gateway",
		zap.String("version", version),
		zap.String("config_path", *configPath),
		zap.Int("routes", len(cfg.Routes)),
		zap.String("discovery_backend", cfg.Discovery.Backend),
	)

	pl, err := pipeline.New(cfg, logger)
	if err != nil {
		logger.Error("failed to build pipeline", zap.Error(err))
		return exitDependency
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pl.Start(ctx)
	defer pl.Stop()

	dataServer := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           pl.Handler(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}
	if cfg.Server.TLS.Enabled {
		dataServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	var adminServer *http.Server
	if cfg.Admin.Address != "" {
		plane := admin.New(cfg, pl)
		adminServer = &http.Server{Addr: cfg.Admin.Address, Handler: plane.Handler()}
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("data plane listening", zap.String("address", cfg.Server.Address))
		var err error
		if cfg.Server.TLS.Enabled {
			err = dataServer.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			err = dataServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("data plane: %w", err)
		}
	}()

	if adminServer != nil {
		go func() {
			logger.Info("admin plane listening", zap.String("address", cfg.Admin.Address))
			if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("admin plane: %w", err)
			}
		}()
	}

	code := exitOK
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		logger.Error("listener error, shutting down", zap.Error(err))
		code = exitBind
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := dataServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("data plane shutdown error", zap.Error(err))
	}
	if adminServer != nil {
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("admin plane shutdown error", zap.Error(err))
		}
	}

	logger.Info("gateway stopped")
	return code
}
