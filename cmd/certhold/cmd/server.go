package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/certhold/certhold/api"
	"github.com/certhold/certhold/ca"
	"github.com/certhold/certhold/internal/config"
	"github.com/certhold/certhold/internal/logging"
	"github.com/certhold/certhold/internal/util"
	"github.com/certhold/certhold/storage"
	bboltstorage "github.com/certhold/certhold/storage/bbolt"
	sqlitestorage "github.com/certhold/certhold/storage/sqlite"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the certificate manager server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		logger := logging.NewLogger(cfg.LogLevel)

		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}

		var repo storage.Repository
		switch cfg.Store {
		case config.StoreSQLite:
			store, err := sqlitestorage.NewRepositoryFromFile(filepath.Join(cfg.DataDir, "certhold.sqlite"))
			if err != nil {
				return fmt.Errorf("failed to open sqlite store: %w", err)
			}
			defer store.Close()
			repo = store
		default:
			store, err := bboltstorage.NewRepositoryFromFile(filepath.Join(cfg.DataDir, "certhold.db"), nil)
			if err != nil {
				return fmt.Errorf("failed to open record store: %w", err)
			}
			defer store.Close()
			repo = store
		}

		manager := ca.NewManager(repo, logger, ca.WithKDFProfile(cfg.KDFProfile))
		defer manager.Lock()

		a := api.New(manager, logger)

		r := chi.NewRouter()
		r.Use(api.RequestLogger(logger))
		r.Use(chimiddleware.Recoverer)
		r.Use(api.SecurityHeaders)

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK"))
		})

		r.Mount("/api/v1", a.Router())

		var tlsConfig *tls.Config
		if cfg.TLSCert != "" && cfg.TLSKey != "" {
			cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
			if err != nil {
				return fmt.Errorf("failed to load TLS key pair: %w", err)
			}
			tlsConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
		} else {
			cert, err := util.GenerateSelfSignedCert()
			if err != nil {
				return fmt.Errorf("failed to generate self-signed certificate: %w", err)
			}
			tlsConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
			logger.Info().Msg("using self-signed runtime generated certificate for TLS")
		}

		server := &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           r,
			TLSConfig:         tlsConfig,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			if err := server.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner()
		logger.Info().
			Str("addr", cfg.ListenAddr).
			Str("data_dir", cfg.DataDir).
			Str("store", cfg.Store).
			Msg("server started")

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			logger.Info().Str("signal", sig.String()).Msg("shutting down")
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("shutdown failed: %w", err)
			}
			return <-done
		case err := <-done:
			return err
		}
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}
