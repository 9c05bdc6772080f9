package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/shopassist/internal/app"
	"github.com/ent0n29/shopassist/internal/config"
	"github.com/ent0n29/shopassist/internal/observability"
)

func newRunCmd() *cobra.Command {
	var open, audio bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the widget runtime and its control API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			return runServer(cmd.Context(), cfg, open, audio)
		},
	}
	cmd.Flags().BoolVar(&open, "open", false, "open the widget on start")
	cmd.Flags().BoolVar(&audio, "audio", false, "start in audio mode")
	return cmd
}

func runServer(parent context.Context, cfg config.Config, open, audio bool) error {
	if parent == nil {
		parent = context.Background()
	}
	observability.SetupLogger(cfg.LogLevel, cfg.LogFormat)
	if cfg.OTelTracing {
		shutdownTracing := observability.InstallTracing()
		defer func() {
			if err := shutdownTracing(context.Background()); err != nil {
				log.Printf("tracing shutdown failed: %v", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := app.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := res.Cleanup(); err != nil {
			log.Printf("cleanup failed: %v", err)
		}
	}()
	log.Printf("audio backend: %s (%s)", res.Audio.Backend, res.Audio.Detail)
	log.Printf("host origin: %s", res.Hub.Origin())

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: res.API.Router(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return res.Run(gctx) })
	g.Go(func() error {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Printf("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("graceful shutdown failed: %v", err)
			_ = httpServer.Close()
		}
		return nil
	})

	if audio {
		res.Widget.SetAudioMode(true)
	}
	if open {
		res.Widget.Open()
	}

	err = g.Wait()
	log.Printf("shutdown complete")
	return err
}
