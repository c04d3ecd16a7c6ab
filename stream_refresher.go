package edge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/flagedge/flagedge/internal/metrics"
)

const (
	streamReconnectInitial = 5 * time.Second
	streamReconnectCap     = 30 * time.Second
	streamReconnectFactor  = 2
)

// StreamingRefresher is the Streaming Refresher component of spec §4.5: one
// long-lived upstream subscription per registered backend token, rebuilding
// the Feature/Engine caches from each inbound event and fanning delta events
// out through a DeltaCacheManager. Grounded in the teacher's SseDataSource
// (datasource_sse.go): a ctx/cancel lifecycle plus a reconnect callback, but
// generalized here to one goroutine per environment instead of one per
// client, and to exponential (not fixed) reconnect backoff per spec §4.5.
type StreamingRefresher struct {
	registry *Registry
	store    *EnvStore
	deltas   *DeltaCacheManager
	upstream UpstreamClient
	clock    Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu      sync.Mutex
	cancels map[string]context.CancelFunc // env -> cancel for its stream goroutine
}

// NewStreamingRefresher builds a StreamingRefresher over registry and store,
// publishing delta events through deltas.
func NewStreamingRefresher(registry *Registry, store *EnvStore, deltas *DeltaCacheManager, upstream UpstreamClient, clock Clock, cfg *Config, m *metrics.Metrics) *StreamingRefresher {
	if clock == nil {
		clock = realClock()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamingRefresher{
		registry: registry,
		store:    store,
		deltas:   deltas,
		upstream: upstream,
		clock:    clock,
		logger:   logger.With("component", "streaming refresher"),
		metrics:  m,
		cancels:  make(map[string]context.CancelFunc),
	}
}

// EnsureStream starts a dedicated streaming connection for token's
// environment if one is not already running. Calling it again for an
// environment that already has a live stream is a no-op.
func (sr *StreamingRefresher) EnsureStream(ctx context.Context, token Token) {
	sr.mu.Lock()
	if _, ok := sr.cancels[token.Environment]; ok {
		sr.mu.Unlock()
		return
	}
	streamCtx, cancel := context.WithCancel(ctx)
	sr.cancels[token.Environment] = cancel
	sr.mu.Unlock()

	go sr.run(streamCtx, token)
}

// StopStream cancels env's streaming connection, if any.
func (sr *StreamingRefresher) StopStream(env string) {
	sr.mu.Lock()
	cancel, ok := sr.cancels[env]
	delete(sr.cancels, env)
	sr.mu.Unlock()
	if ok {
		cancel()
	}
}

// Close stops every live streaming connection.
func (sr *StreamingRefresher) Close() {
	sr.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(sr.cancels))
	for env, cancel := range sr.cancels {
		cancels = append(cancels, cancel)
		delete(sr.cancels, env)
	}
	sr.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// run holds one environment's streaming connection open, reconnecting with
// exponential backoff (5s initial, 30s cap, factor 2) whenever the upstream
// channel closes before ctx is done.
func (sr *StreamingRefresher) run(ctx context.Context, token Token) {
	backoff := streamReconnectInitial
	for {
		if ctx.Err() != nil {
			return
		}

		events, err := sr.upstream.OpenStream(ctx, token)
		if err != nil {
			sr.logger.WarnContext(ctx, "failed to open stream, will retry", "environment", token.Environment, "error", err, "delay", backoff)
			if !sr.sleep(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		sr.logger.InfoContext(ctx, "stream connected", "environment", token.Environment)
		backoff = streamReconnectInitial

		for ev := range events {
			sr.handleEvent(ctx, token, ev)
		}

		if ctx.Err() != nil {
			return
		}
		sr.logger.InfoContext(ctx, "stream closed, reconnecting", "environment", token.Environment, "delay", backoff)
		if !sr.sleep(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff)
	}
}

func nextBackoff(d time.Duration) time.Duration {
	next := d * streamReconnectFactor
	if next > streamReconnectCap {
		return streamReconnectCap
	}
	return next
}

func (sr *StreamingRefresher) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// handleEvent applies one inbound DeltaEvent: a Hydration event replaces
// the environment's whole Feature/Engine cache entry (spec §4.5
// unleash-connected / full unleash-updated); every other kind is merged
// into the Delta Cache and mirrored into the Feature/Engine caches as an
// incremental update.
func (sr *StreamingRefresher) handleEvent(ctx context.Context, token Token, ev DeltaEvent) {
	env := token.Environment

	switch ev.Kind {
	case DeltaHydration:
		payload := FeaturePayload{
			Features: ev.Features,
			Segments: ev.Segments,
			Meta:     FeaturePayloadMeta{Revision: ev.EventID},
		}
		sr.applyHydration(ctx, token, payload)

	case DeltaFeatureUpdated:
		if ev.Feature == nil {
			return
		}
		existing, ok := sr.store.Features(env)
		if !ok {
			var resumeOk bool
			existing, resumeOk = sr.resumeFromMissingHydration(ctx, token)
			if !resumeOk {
				return
			}
		}
		merged := existing
		merged.Features = upsertFeature(existing.Features, *ev.Feature)
		merged.Meta = FeaturePayloadMeta{Revision: ev.EventID}
		_, engine := sr.store.Replace(env, merged)
		sr.deltas.Apply(env, ev)
		if sr.metrics != nil {
			sr.metrics.Observe(env, projectsLabel(token), engine.Revision, sr.clock.Now().Unix())
		}

	case DeltaFeatureRemoved:
		existing, ok := sr.store.Features(env)
		if !ok {
			var resumeOk bool
			existing, resumeOk = sr.resumeFromMissingHydration(ctx, token)
			if !resumeOk {
				return
			}
		}
		merged := existing
		merged.Features = removeFeature(existing.Features, ev.Project, ev.Name)
		merged.Meta = FeaturePayloadMeta{Revision: ev.EventID}
		_, engine := sr.store.Replace(env, merged)
		sr.deltas.Apply(env, ev)
		if sr.metrics != nil {
			sr.metrics.Observe(env, projectsLabel(token), engine.Revision, sr.clock.Now().Unix())
		}

	case DeltaSegmentUpdated, DeltaSegmentRemoved:
		sr.deltas.Apply(env, ev)
	}
}

// applyHydration installs payload as env's whole Feature/Engine cache
// entry and resets the Delta Cache's coalesced snapshot to match, used both
// for a genuine "connected"/hydration event and for the full-fetch resume
// triggered by resumeFromMissingHydration.
func (sr *StreamingRefresher) applyHydration(ctx context.Context, token Token, payload FeaturePayload) {
	env := token.Environment
	_, engine := sr.store.Replace(env, payload)
	sr.registry.SuccessfulRefresh(token, "", len(payload.Features), engine.Revision, 0)
	sr.deltas.Hydrate(env, DeltaEvent{
		Kind:     DeltaHydration,
		EventID:  payload.Meta.Revision,
		Features: payload.Features,
		Segments: payload.Segments,
	})
	if sr.metrics != nil {
		sr.metrics.Observe(env, projectsLabel(token), engine.Revision, sr.clock.Now().Unix())
	}
}

// resumeFromMissingHydration handles a delta arriving for an environment
// with no prior hydration snapshot (spec §4.5/§7: "delta without prior
// hydration → request full fetch, then resume"), rather than silently
// merging the delta into an empty base. Returns the freshly fetched payload
// and true on success; on failure the delta is dropped and the cache is
// left empty to be retried on the next event or poll pass.
func (sr *StreamingRefresher) resumeFromMissingHydration(ctx context.Context, token Token) (FeaturePayload, bool) {
	sr.logger.WarnContext(ctx, "delta arrived before hydration, requesting full fetch",
		"environment", token.Environment, "error", &HydrationMissingError{Environment: token.Environment})

	payload, _, err := sr.upstream.GetClientFeatures(ctx, token, "")
	if err != nil {
		sr.logger.ErrorContext(ctx, "full-fetch resume failed", "environment", token.Environment, "error", err)
		return FeaturePayload{}, false
	}
	sr.applyHydration(ctx, token, payload)
	return payload, true
}

func upsertFeature(features []FeatureDescriptor, f FeatureDescriptor) []FeatureDescriptor {
	out := make([]FeatureDescriptor, 0, len(features)+1)
	replaced := false
	for _, existing := range features {
		if existing.Project == f.Project && existing.Name == f.Name {
			out = append(out, f)
			replaced = true
			continue
		}
		out = append(out, existing)
	}
	if !replaced {
		out = append(out, f)
	}
	return out
}

func removeFeature(features []FeatureDescriptor, project, name string) []FeatureDescriptor {
	out := make([]FeatureDescriptor, 0, len(features))
	for _, f := range features {
		if f.Project == project && f.Name == name {
			continue
		}
		out = append(out, f)
	}
	return out
}
