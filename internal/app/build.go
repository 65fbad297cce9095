package app

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/ent0n29/livegate/internal/config"
	"github.com/ent0n29/livegate/internal/httpapi"
	"github.com/ent0n29/livegate/internal/observability"
	"github.com/ent0n29/livegate/internal/paths"
	"github.com/ent0n29/livegate/internal/relay"
	"github.com/ent0n29/livegate/internal/session"
	"github.com/ent0n29/livegate/internal/upstream"
)

type UpstreamInfo struct {
	Provider     string
	DefaultModel string
	Bindings     int
}

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *session.Manager
	Relay    *relay.Relay
	Metrics  *observability.Metrics
	Upstream UpstreamInfo

	// Cleanup should be called on shutdown.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	dialer, provider, err := resolveDialer(ctx, cfg)
	if err != nil {
		return nil, err
	}
	cfg.UpstreamProvider = provider

	seed, err := paths.ParseBindings(cfg.RelayPaths, cfg.GeminiLiveModel)
	if err != nil {
		return nil, fmt.Errorf("relay paths: %w", err)
	}
	if cfg.RelayPathsFile != "" {
		fromFile, err := paths.LoadFile(cfg.RelayPathsFile, cfg.GeminiLiveModel)
		if err != nil {
			return nil, fmt.Errorf("relay paths file: %w", err)
		}
		seed = mergeBindings(seed, fromFile)
	}
	for i := range seed {
		if seed[i].Voice == "" {
			seed[i].Voice = cfg.GeminiVoice
		}
	}
	table, err := paths.Load(ctx, cfg.DatabaseURL, seed)
	if err != nil {
		return nil, fmt.Errorf("path bindings init failed: %w", err)
	}

	sessions := session.NewManager(cfg.ConnectionIdleTimeout)
	rl := relay.New(dialer, table, sessions, metrics, relay.Options{
		ConnectTimeout:     cfg.RelayUpstreamConnectWait,
		FrameRatePerSecond: cfg.RelayFrameRatePerSecond,
		FrameBurst:         cfg.RelayFrameBurst,
	})

	api := httpapi.New(cfg, sessions, rl, metrics)

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Sessions: sessions,
		Relay:    rl,
		Metrics:  metrics,
		Upstream: UpstreamInfo{
			Provider:     provider,
			DefaultModel: cfg.GeminiLiveModel,
			Bindings:     table.Len(),
		},
		Cleanup: func() error { return nil },
	}, nil
}

// mergeBindings lets file entries replace env entries on the same path.
func mergeBindings(base, override []paths.Binding) []paths.Binding {
	idx := make(map[string]int, len(base))
	out := append([]paths.Binding(nil), base...)
	for i, b := range out {
		idx[b.Path] = i
	}
	for _, b := range override {
		if i, ok := idx[b.Path]; ok {
			out[i] = b
			continue
		}
		idx[b.Path] = len(out)
		out = append(out, b)
	}
	return out
}

func resolveDialer(ctx context.Context, cfg config.Config) (upstream.Dialer, string, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.UpstreamProvider))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "gemini":
		if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
			return nil, "", fmt.Errorf("UPSTREAM_PROVIDER=gemini but GEMINI_API_KEY is not set")
		}
	case "mock":
		log.Printf("upstream provider: mock (echo)")
		return echoDialer(), "mock", nil
	case "auto":
		if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
			log.Printf("upstream provider: mock (no gemini key)")
			return echoDialer(), "mock", nil
		}
	default:
		return nil, "", fmt.Errorf("invalid UPSTREAM_PROVIDER: %q (expected auto|gemini|mock)", cfg.UpstreamProvider)
	}

	d, err := upstream.NewGeminiDialer(ctx, upstream.GeminiConfig{
		APIKey:       cfg.GeminiAPIKey,
		DefaultModel: cfg.GeminiLiveModel,
	})
	if err != nil {
		return nil, "", fmt.Errorf("gemini dialer init failed: %w", err)
	}
	log.Printf("upstream provider: gemini live (%s)", cfg.GeminiLiveModel)
	return d, "gemini", nil
}

// echoDialer reflects client audio back so a local run is audible end to end.
func echoDialer() *upstream.MockDialer {
	d := upstream.NewMockDialer()
	d.Echo = true
	return d
}
