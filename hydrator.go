package edge

import (
	"context"
	"log/slog"

	"github.com/flagedge/flagedge/internal/metrics"
)

// Hydrator is the facade of spec §4.6: a single entry point for registering
// tokens and driving hydration, backed by either a PollingRefresher or a
// StreamingRefresher. Callers depend only on this interface; which
// concrete refresher backs it is chosen once at construction via
// NewPollingHydrator or NewStreamingHydrator; matches the teacher's
// DataSource abstraction (datasource.go), generalized from "one client, one
// data source" to "many tokens, one shared refresher".
type Hydrator interface {
	// RegisterTokenForRefresh registers token with the Refresh Registry and,
	// for a streaming-backed Hydrator, ensures its environment has a live
	// subscription. Idempotent per spec §8.
	RegisterTokenForRefresh(ctx context.Context, token Token) error

	// HydrateNewTokens forces an immediate fetch for every registered token
	// that has never completed a successful check or refresh, rather than
	// waiting for its turn on the refresher's normal schedule.
	HydrateNewTokens(ctx context.Context) error

	// TokensToRefresh returns every registry entry currently due for
	// refresh, exposed for diagnostics and the debug API.
	TokensToRefresh() []TokenRefresh

	// Close releases the Hydrator's background resources.
	Close() error
}

// pollingHydrator is the polling-backed Hydrator variant.
type pollingHydrator struct {
	registry  *Registry
	refresher *PollingRefresher
	started   bool
}

// NewPollingHydrator builds a Hydrator backed by a PollingRefresher.
func NewPollingHydrator(registry *Registry, store *EnvStore, upstream UpstreamClient, clock Clock, cfg *Config, m *metrics.Metrics) Hydrator {
	return &pollingHydrator{
		registry:  registry,
		refresher: NewPollingRefresher(registry, store, upstream, clock, cfg, m),
	}
}

func (h *pollingHydrator) RegisterTokenForRefresh(ctx context.Context, token Token) error {
	h.registry.Register(token, "")
	if !h.started {
		h.started = true
		return h.refresher.Start(ctx)
	}
	return nil
}

func (h *pollingHydrator) HydrateNewTokens(ctx context.Context) error {
	for _, rec := range h.registry.TokensNeverRefreshed() {
		h.refresher.refreshOne(ctx, rec)
	}
	return nil
}

func (h *pollingHydrator) TokensToRefresh() []TokenRefresh {
	return h.registry.TokensDueForRefresh()
}

func (h *pollingHydrator) Close() error {
	if !h.started {
		return nil
	}
	return h.refresher.Close()
}

// streamingHydrator is the streaming-backed Hydrator variant.
type streamingHydrator struct {
	registry  *Registry
	refresher *StreamingRefresher
	logger    *slog.Logger
}

// NewStreamingHydrator builds a Hydrator backed by a StreamingRefresher and
// a DeltaCacheManager for live subscriber fan-out.
func NewStreamingHydrator(registry *Registry, store *EnvStore, deltas *DeltaCacheManager, upstream UpstreamClient, clock Clock, cfg *Config, m *metrics.Metrics) Hydrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &streamingHydrator{
		registry:  registry,
		refresher: NewStreamingRefresher(registry, store, deltas, upstream, clock, cfg, m),
		logger:    logger.With("component", "hydrator"),
	}
}

func (h *streamingHydrator) RegisterTokenForRefresh(ctx context.Context, token Token) error {
	h.registry.Register(token, "")
	h.refresher.EnsureStream(ctx, token)
	return nil
}

func (h *streamingHydrator) HydrateNewTokens(ctx context.Context) error {
	// Streaming hydration happens as a side effect of each environment's
	// unleash-connected event; nothing to force here beyond ensuring every
	// never-refreshed token's environment has a live subscription.
	for _, rec := range h.registry.TokensNeverRefreshed() {
		h.refresher.EnsureStream(ctx, rec.Token)
	}
	return nil
}

func (h *streamingHydrator) TokensToRefresh() []TokenRefresh {
	return h.registry.TokensDueForRefresh()
}

func (h *streamingHydrator) Close() error {
	h.refresher.Close()
	return nil
}
