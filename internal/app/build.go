package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/shopassist/internal/archive"
	"github.com/ent0n29/shopassist/internal/audio"
	"github.com/ent0n29/shopassist/internal/config"
	"github.com/ent0n29/shopassist/internal/hostpage"
	"github.com/ent0n29/shopassist/internal/httpapi"
	"github.com/ent0n29/shopassist/internal/observability"
	"github.com/ent0n29/shopassist/internal/protocol"
	"github.com/ent0n29/shopassist/internal/relay"
	"github.com/ent0n29/shopassist/internal/storefront"
	"github.com/ent0n29/shopassist/internal/widget"
)

// AudioInfo describes the devices the process ended up with.
type AudioInfo struct {
	Backend string
	Detail  string
}

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Widget   *widget.Runtime
	Host     *hostpage.Controller
	Hub      *relay.Hub
	Shop     *storefront.Client
	Player   *audio.Player
	Speaker  audio.Speaker
	Metrics  *observability.Metrics
	Registry *prometheus.Registry
	Audio    AudioInfo

	hostFeed <-chan protocol.RelayMessage

	// Cleanup should be called on shutdown to release external resources (DB, audio devices).
	Cleanup func() error
}

// Build wires the widget runtime, the embedded host page and the control API.
func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(cfg.MetricsNamespace, reg)

	hub, err := relay.NewHub(cfg.HostOrigin, metrics)
	if err != nil {
		return nil, fmt.Errorf("relay hub init failed: %w", err)
	}

	store, err := archive.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("archive store init failed: %w", err)
	}

	mic, speaker, closeDevices, info, err := resolveAudio(cfg.AudioBackend)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	shop := storefront.New(cfg.StorefrontBaseURL, storefront.WithMetrics(metrics))
	player := audio.NewPlayer(audio.PlayerConfig{
		Capacity: cfg.PlaybackSampleRate * cfg.PlaybackBufferSeconds,
		OnOverflow: func(samples int) {
			metrics.PlaybackOverflow.Add(float64(samples))
		},
	})

	rt := widget.New(widget.Config{
		Settings: widget.Settings{
			Greeting:          cfg.Greeting,
			ContinuationDelay: cfg.ContinuationDelay,
			UIGracePeriod:     cfg.UIGracePeriod,
			ResumeIgnore:      cfg.MicResumeIgnore,
			MaxTurnDefer:      cfg.MaxTurnDefer,
		},
		AgentBaseURL: cfg.AgentWSBaseURL,
		CustomerID:   cfg.CustomerID,
		Capture: audio.CaptureConfig{
			TargetRate: cfg.CaptureSampleRate,
			ChunkBytes: cfg.AudioChunkBytes,
			DumpDir:    cfg.AudioDumpDir,
		},
		Microphone: mic,
		Player:     player,
		Relay:      hub,
		Identifier: shop,
		Archive:    store,
		Metrics:    metrics,
	})

	host := hostpage.NewController(shop, rt, cfg.CustomerID)
	feed, unsubscribe, err := hub.Subscribe(hub.Origin())
	if err != nil {
		_ = closeDevices()
		_ = store.Close()
		return nil, fmt.Errorf("host page subscribe failed: %w", err)
	}

	api := httpapi.New(rt, host, hub, metrics, reg)

	cleanup := func() error {
		unsubscribe()
		var errs []error
		if err := closeDevices(); err != nil {
			errs = append(errs, fmt.Errorf("audio devices: %w", err))
		}
		if err := store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("archive store: %w", err))
		}
		return errors.Join(errs...)
	}

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Widget:   rt,
		Host:     host,
		Hub:      hub,
		Shop:     shop,
		Player:   player,
		Speaker:  speaker,
		Metrics:  metrics,
		Registry: reg,
		Audio:    info,
		hostFeed: feed,
		Cleanup:  cleanup,
	}, nil
}

// Run drives the widget loop, the host page and the speaker until ctx ends or
// one of them fails.
func (b *BuildResult) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.Widget.Run(ctx) })
	g.Go(func() error { return b.Host.Run(ctx, b.hostFeed) })
	g.Go(func() error {
		if err := b.Speaker.Run(ctx, b.Player.Render); err != nil {
			return fmt.Errorf("speaker: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// resolveAudio picks capture and playback devices. "auto" falls back to the
// null devices when the system ones cannot be opened.
func resolveAudio(backend string) (audio.Microphone, audio.Speaker, func() error, AudioInfo, error) {
	noop := func() error { return nil }
	switch backend {
	case "null":
		return audio.NullMicrophone{}, audio.NullSpeaker{}, noop, AudioInfo{Backend: "null", Detail: "no devices"}, nil
	case "system":
		mic, spk, closeFn, err := audio.SystemDevices()
		if err != nil {
			return nil, nil, nil, AudioInfo{}, fmt.Errorf("audio devices init failed: %w", err)
		}
		return mic, spk, closeFn, AudioInfo{Backend: "system", Detail: "default input and output"}, nil
	default:
		mic, spk, closeFn, err := audio.SystemDevices()
		if err != nil {
			slog.Warn("system audio unavailable, continuing without devices", "error", err)
			return audio.NullMicrophone{}, audio.NullSpeaker{}, noop, AudioInfo{Backend: "null", Detail: err.Error()}, nil
		}
		return mic, spk, closeFn, AudioInfo{Backend: "system", Detail: "default input and output"}, nil
	}
}
