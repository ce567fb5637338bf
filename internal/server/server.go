// Package server assembles and runs the licensing backend HTTP server.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/keygate-io/keygate/internal/billing"
	"github.com/keygate-io/keygate/internal/config"
	"github.com/keygate-io/keygate/internal/license"
	"github.com/keygate-io/keygate/internal/licensing"
	"github.com/keygate-io/keygate/internal/logging"
	"github.com/keygate-io/keygate/internal/metrics"
	"github.com/keygate-io/keygate/internal/notify"
	"github.com/keygate-io/keygate/internal/registry"
	"github.com/keygate-io/keygate/internal/signing"
)

// Run starts the licensing backend with graceful shutdown.
func Run(ctx context.Context, version string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "keygate",
	})
	log.Info().Str("version", version).Str("env", cfg.Environment).Msg("Starting Keygate licensing backend")

	reg, err := registry.New(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}
	defer reg.Close()

	signCtx, err := signing.NewFromSeed(cfg.SigningSeed)
	if err != nil {
		if cfg.IsProduction() {
			return fmt.Errorf("init signing context: %w", err)
		}
		signCtx, err = signing.NewEphemeral()
		if err != nil {
			return fmt.Errorf("init ephemeral signing context: %w", err)
		}
	}

	var sender notify.Sender
	if cfg.PostmarkToken != "" {
		sender = notify.NewPostmarkSender(cfg.PostmarkToken)
		log.Info().Msg("Email sender configured (Postmark)")
	} else {
		sender = notify.LogSender{}
		log.Info().Msg("Email sender: log-only (set POSTMARK_SERVER_TOKEN to enable)")
	}

	issuer := license.NewIssuer(reg, signCtx)
	validator := license.NewValidator(reg)
	admin := license.NewAdmin(reg)
	reconciler := billing.NewReconciler(reg, issuer, sender, cfg.EmailFrom)

	mux := http.NewServeMux()
	RegisterRoutes(mux, &Deps{
		Config:     cfg,
		Registry:   reg,
		Issuer:     issuer,
		Validator:  validator,
		Admin:      admin,
		Reconciler: reconciler,
		Version:    version,
	})

	addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go runLicenseStatusMetrics(ctx, reg)

	go func() {
		log.Info().Str("addr", addr).Msg("Licensing backend listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		log.Info().Msg("Context cancelled, shutting down...")
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down...")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	cancel()
	log.Info().Msg("Licensing backend stopped")
	return nil
}

// runLicenseStatusMetrics refreshes the licenses-by-status gauge.
func runLicenseStatusMetrics(ctx context.Context, reg *registry.Registry) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	refresh := func() {
		counts, err := reg.LicenseCountsByStatus()
		if err != nil {
			log.Error().Err(err).Msg("Failed to refresh license status metrics")
			return
		}
		for _, status := range []licensing.LicenseStatus{
			licensing.LicenseActive, licensing.LicenseSuspended,
			licensing.LicenseRevoked, licensing.LicenseExpired,
		} {
			metrics.LicensesByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
		}
	}

	refresh()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresh()
		}
	}
}
