package edge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/flagedge/flagedge/internal/metrics"
)

// PollingRefresher is the Polling Refresher component of spec §4.4: a
// single background tick, independent of any individual token's
// refresh_interval, that queries the Registry for due tokens and fetches
// each from upstream. Grounded in the teacher's PollDataSource
// (datasource_poll.go): ctx/cancel lifecycle, a ready flag under a
// RWMutex, and a ticker loop that stops cleanly on context cancellation.
type PollingRefresher struct {
	registry *Registry
	store    *EnvStore
	upstream UpstreamClient
	clock    Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics

	tick            time.Duration
	backoffInterval time.Duration

	cancel context.CancelFunc
	ready  bool
	mu     sync.RWMutex
}

// NewPollingRefresher builds a PollingRefresher over registry and store,
// fetching from upstream on cfg's tick/backoff schedule.
func NewPollingRefresher(registry *Registry, store *EnvStore, upstream UpstreamClient, clock Clock, cfg *Config, m *metrics.Metrics) *PollingRefresher {
	if clock == nil {
		clock = realClock()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &PollingRefresher{
		registry:        registry,
		store:           store,
		upstream:        upstream,
		clock:           clock,
		logger:          logger.With("component", "polling refresher"),
		metrics:         m,
		tick:            cfg.PollTick,
		backoffInterval: cfg.BackoffInterval,
	}
}

// Start runs one immediate refresh pass over every due token, then launches
// the background ticking loop.
func (pr *PollingRefresher) Start(ctx context.Context) error {
	pr.logger.InfoContext(ctx, "starting")

	ctx, cancel := context.WithCancel(ctx)
	pr.cancel = cancel

	pr.refreshDue(ctx)

	pr.mu.Lock()
	pr.ready = true
	pr.mu.Unlock()
	go pr.loop(ctx)
	pr.logger.InfoContext(ctx, "started")
	return nil
}

// Close stops the background loop. Safe to call once Start has returned.
func (pr *PollingRefresher) Close() error {
	pr.mu.RLock()
	ready := pr.ready
	pr.mu.RUnlock()
	if !ready {
		return fmt.Errorf("edge: polling refresher is not running")
	}
	pr.logger.Info("closing")
	pr.cancel()
	return nil
}

func (pr *PollingRefresher) loop(ctx context.Context) {
	ticker := time.NewTicker(pr.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			pr.mu.Lock()
			pr.ready = false
			pr.mu.Unlock()
			pr.logger.InfoContext(ctx, "stopped due to context")
			return
		case <-ticker.C:
			pr.refreshDue(ctx)
		}
	}
}

func (pr *PollingRefresher) refreshDue(ctx context.Context) {
	for _, rec := range pr.registry.TokensDueForRefresh() {
		pr.refreshOne(ctx, rec)
	}
}

// refreshOne fetches one token's features and applies the full Polling
// Refresher state table from spec §4.4: Not-Modified, Updated,
// Access-Denied, Not-Found, Retriable, and Other-4xx.
func (pr *PollingRefresher) refreshOne(ctx context.Context, rec TokenRefresh) {
	payload, etag, err := pr.upstream.GetClientFeatures(ctx, rec.Token, rec.Etag)

	switch {
	case errors.Is(err, ErrNotModified):
		pr.registry.SuccessfulCheck(rec.Token, pr.backoffInterval)
		return

	case err == nil:
		merged, engine := pr.store.Merge(rec.Token.Environment, rec.Token, payload)
		pr.registry.SuccessfulRefresh(rec.Token, etag, len(merged.Features), engine.Revision, pr.backoffInterval)
		if pr.metrics != nil {
			pr.metrics.Observe(rec.Token.Environment, projectsLabel(rec.Token), engine.Revision, pr.clock.Now().Unix())
		}
		return
	}

	var accessDenied *AccessDeniedError
	var notFound *NotFoundError
	var retriable *RetriableError
	var otherClient *OtherClientError
	var parseFailure *ParseFailureError

	switch {
	case errors.As(err, &accessDenied):
		pr.logger.WarnContext(ctx, "access denied, removing token", "environment", rec.Token.Environment)
		pr.registry.Remove(rec.Token)
		if !pr.registry.EnvironmentHasEntries(rec.Token.Environment) {
			pr.store.Evict(rec.Token.Environment)
		}
	case errors.As(err, &notFound):
		pr.logger.WarnContext(ctx, "not found upstream, backing off", "environment", rec.Token.Environment)
		pr.registry.Backoff(rec.Token, pr.backoffInterval)
	case errors.As(err, &retriable):
		pr.logger.InfoContext(ctx, "retriable failure, backing off", "error", retriable)
		pr.registry.Backoff(rec.Token, pr.backoffInterval)
	case errors.As(err, &otherClient):
		pr.logger.ErrorContext(ctx, "unexpected client error, no state change", "status", otherClient.StatusCode)
	case errors.As(err, &parseFailure):
		pr.logger.ErrorContext(ctx, "failed to parse upstream response", "error", parseFailure)
		pr.registry.Backoff(rec.Token, pr.backoffInterval)
	default:
		pr.logger.ErrorContext(ctx, "unclassified upstream error, backing off", "error", err)
		pr.registry.Backoff(rec.Token, pr.backoffInterval)
	}
}

// projectsLabel renders a token's project grant as a stable metric label:
// "*" for wildcard, else a sorted comma-joined list.
func projectsLabel(token Token) string {
	if token.IsWildcard() {
		return "*"
	}
	names := make([]string, 0, len(token.Projects))
	for p := range token.Projects {
		names = append(names, p)
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}
