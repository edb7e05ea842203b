package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron"
	"github.com/spf13/cobra"

	"github.com/jmcleod/certledger/api"
	"github.com/jmcleod/certledger/notifier"
)

var (
	port           int
	expirySweep    string
	expiryWindow   time.Duration
	disableSweeper bool
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the certificate store server",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()
		c, err := buildCore(cmd.Context(), logger)
		if err != nil {
			return err
		}
		defer c.close()

		a := api.New(c.registry, c.machine, c.ledger, c.history, api.WithLogger(logger))

		r := chi.NewRouter()
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK"))
		})

		r.Mount("/api/v1", a.Router())

		if !disableSweeper {
			sweep := notifier.New(c.registry, c.machine, expiryWindow, nil, logger)
			schedule := cron.New()
			if err := schedule.AddFunc(expirySweep, func() {
				if err := sweep.Run(context.Background()); err != nil {
					logger.Error("expiry sweep failed", "error", err)
				}
			}); err != nil {
				return fmt.Errorf("invalid expiry sweep schedule %q: %w", expirySweep, err)
			}
			schedule.Start()
			defer schedule.Stop()
		}

		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		fmt.Printf("Starting server on port %d (data: %s)...\n", port, dataDir)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			fmt.Printf("\nReceived %s, shutting down...\n", sig)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().IntVarP(&port, "port", "p", 8440, "Port to listen on")
	serverCmd.Flags().StringVar(&expirySweep, "expiry-sweep", "@hourly", "Cron schedule of the expiry-notification sweep")
	serverCmd.Flags().DurationVar(&expiryWindow, "expiry-window", 14*24*time.Hour, "How far ahead the expiry sweep looks")
	serverCmd.Flags().BoolVar(&disableSweeper, "no-expiry-sweep", false, "Disable the expiry-notification sweep")
}
