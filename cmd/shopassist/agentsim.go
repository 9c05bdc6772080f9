package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ent0n29/shopassist/internal/agentsim"
)

func newAgentsimCmd() *cobra.Command {
	var (
		addr       string
		chunkDelay time.Duration
		words      int
	)
	cmd := &cobra.Command{
		Use:   "agentsim",
		Short: "Serve a scripted agent backend for local development",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if words <= 0 {
				return fmt.Errorf("words must be > 0")
			}
			sim := agentsim.New(agentsim.Config{
				Reply:      wordReply(words),
				ChunkDelay: chunkDelay,
			})
			srv := &http.Server{Addr: addr, Handler: sim.Router()}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()

			log.Printf("agentsim listening on %s", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen error: %w", err)
			}
			log.Printf("agentsim stopped after %d connections", sim.Total())
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8000", "listen address")
	cmd.Flags().DurationVar(&chunkDelay, "chunk-delay", 40*time.Millisecond, "delay between partial text chunks")
	cmd.Flags().IntVar(&words, "words", 3, "words per partial text chunk")
	return cmd
}

// wordReply echoes the utterance back in chunks of n words.
func wordReply(n int) func(string) []string {
	return func(text string) []string {
		fields := strings.Fields("You asked: " + text)
		var out []string
		for i := 0; i < len(fields); i += n {
			end := min(i+n, len(fields))
			chunk := strings.Join(fields[i:end], " ")
			if end < len(fields) {
				chunk += " "
			}
			out = append(out, chunk)
		}
		return out
	}
}
