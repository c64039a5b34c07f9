package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/TFMV/scooterguard/pkg/guard/config"
	"github.com/TFMV/scooterguard/pkg/guard/loop"
	"github.com/TFMV/scooterguard/pkg/guard/mockserver"
	"github.com/TFMV/scooterguard/pkg/guard/server"
	"github.com/TFMV/scooterguard/pkg/guard/session"
	"github.com/TFMV/scooterguard/pkg/guard/telemetry"
)

const shutdownTimeout = 5 * time.Second

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:           "scooterguard",
		Short:         "Headless scooter telemetry dashboard with attack simulation",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run a dashboard session against the detection backend",
		RunE:  runSession,
	}

	mockCmd = &cobra.Command{
		Use:   "mock-backend",
		Short: "Serve a stand-in detection backend",
		RunE:  runMockBackend,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file")
	rootCmd.AddCommand(runCmd, mockCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("scooterguard failed")
	}
}

// loadConfig loads the configuration and sets up logging
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if err := config.SetupLogging(&cfg.Logging); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runSession(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics, err := telemetry.NewMetrics(cfg.Metrics)
	if err != nil {
		return err
	}

	l := loop.New()
	s := session.New(cfg, session.WithScheduler(l), session.WithMetrics(metrics))

	loopCtx, cancelLoop := context.WithCancel(context.Background())
	defer cancelLoop()

	var g errgroup.Group
	g.Go(func() error {
		if err := l.Run(loopCtx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	if err := l.Call(ctx, s.Start); err != nil {
		return err
	}

	var admin *server.AdminServer
	if cfg.Admin.Enabled {
		admin = server.StartAdminAPI(cfg.Admin.Addr, server.NewAdminHandler(s, l, metrics.Handler()))
	} else {
		log.Info().Msg("Admin API disabled")
	}

	log.Info().Str("session_id", s.ID().String()).Msg("Dashboard session started successfully")

	// Wait for shutdown signal
	<-ctx.Done()
	log.Info().Msg("Shutdown signal received, stopping session...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := admin.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to stop admin API")
	}
	if err := l.Call(shutdownCtx, s.Stop); err != nil {
		log.Error().Err(err).Msg("Failed to stop session")
	}
	if err := metrics.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to stop metrics")
	}

	cancelLoop()
	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("Session stopped, goodbye!")
	return nil
}

func runMockBackend(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mock := mockserver.New(mockserver.Config{
		SpeedThreshold:   cfg.MockServer.SpeedThreshold,
		CountdownSeconds: cfg.Timing.CountdownSeconds,
		Tick:             cfg.Timing.CountdownTick,
	})
	httpServer := &http.Server{
		Addr:              cfg.MockServer.Addr,
		Handler:           mock.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", httpServer.Addr).Msg("Starting mock detection backend")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := mock.Run(gctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		mock.DisconnectAll()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("Mock backend stopped")
	return nil
}
