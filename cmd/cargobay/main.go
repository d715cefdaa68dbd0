// Command cargobay runs the read-only registry proxy described in the
// design: it resolves locally-exposed repository names to upstream
// registries, serves cached blobs, and passes manifests and tag listings
// through unchanged.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cargobay/cargobay/internal/authn"
	"github.com/cargobay/cargobay/internal/cache"
	"github.com/cargobay/cargobay/internal/config"
	"github.com/cargobay/cargobay/internal/handler"
	"github.com/cargobay/cargobay/internal/metrics"
	"github.com/cargobay/cargobay/internal/resolver"
	"github.com/cargobay/cargobay/internal/server"
	"github.com/cargobay/cargobay/internal/upstream"

	"github.com/prometheus/client_golang/prometheus"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "cargobay",
	Short: "Read-only reverse proxy and cache for OCI container registries",
	RunE:  run,
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (default $CONFIG_PATH or ./config.toml)")
	//nolint:errcheck // flag is defined immediately above; Lookup cannot return nil
	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func initConfig() {
	if cfgFile == "" {
		if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
			cfgFile = envPath
		} else {
			cfgFile = "config.toml"
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	logger := newLogger(os.Getenv("RUST_LOG"))

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, err := cache.New(cfg.Cache.Directory,
		cache.WithMaxSize(int64(cfg.Cache.MaxSizeBytes)),
		cache.WithMaxAge(time.Duration(cfg.Cache.MaxAgeSeconds)*time.Second),
		cache.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}

	upstreamClient := upstream.New(cfg.RegistryDescriptors())
	res := resolver.New(cfg.RepoMappings())
	verifier := authn.NewVerifier(cfg.Auth.JWTSecret)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	selfRealm := fmt.Sprintf("http://%s/token", net.JoinHostPort(cfg.Server.BindAddress, strconv.Itoa(int(cfg.Server.Port))))
	h := handler.New(handler.Config{
		Cache:     store,
		Upstream:  upstreamClient,
		Verifier:  verifier,
		Resolver:  res,
		Metrics:   m,
		Logger:    logger,
		SelfRealm: selfRealm,
	})

	httpServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.BindAddress, strconv.Itoa(int(cfg.Server.Port))),
		Handler:           server.New(h, m, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := signalContext()
	defer cancel()

	stopSweep := startPruneSweep(ctx, store, logger)
	defer stopSweep()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// startPruneSweep runs the bounds-enforcement sweep on a fixed interval
// until ctx is canceled, returning a stop function for tests and callers
// that want to tear it down early.
func startPruneSweep(ctx context.Context, store *cache.Store, logger *slog.Logger) func() {
	ctx, cancel := context.WithCancel(ctx)
	ticker := time.NewTicker(5 * time.Minute)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				if _, err := store.Prune(ctx); err != nil {
					logger.Warn("prune sweep failed", "error", err)
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// signalContext returns a context canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}

// newLogger treats RUST_LOG as an opaque hint: the core does not parse its
// crate=level grammar, it only looks for a coarse severity keyword.
func newLogger(rustLog string) *slog.Logger {
	level := slog.LevelInfo
	switch {
	case strings.Contains(rustLog, "trace"), strings.Contains(rustLog, "debug"):
		level = slog.LevelDebug
	case strings.Contains(rustLog, "warn"):
		level = slog.LevelWarn
	case strings.Contains(rustLog, "error"):
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
