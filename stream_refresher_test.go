package edge

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

type scriptedUpstream struct {
	fakeUpstream
	streams chan (<-chan DeltaEvent)
}

func (s *scriptedUpstream) OpenStream(ctx context.Context, token Token) (<-chan DeltaEvent, error) {
	select {
	case ch := <-s.streams:
		return ch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestStreamingRefresherHydrationReplacesCache(t *testing.T) {
	clock := clockwork.NewFakeClock()
	registry := NewRegistry(clock)
	store := NewEnvStore(nil)
	deltas := NewDeltaCacheManager(8)
	token := mustToken(t, "*:dev.x")
	registry.Register(token, "")

	events := make(chan DeltaEvent, 1)
	upstream := &scriptedUpstream{streams: make(chan (<-chan DeltaEvent), 1)}
	upstream.streams <- events
	events <- DeltaEvent{
		Kind:     DeltaHydration,
		EventID:  3,
		Features: []FeatureDescriptor{feat("p", "f1")},
	}

	cfg, err := buildConfig()
	require.NoError(t, err)
	sr := NewStreamingRefresher(registry, store, deltas, upstream, clock, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sr.EnsureStream(ctx, token)

	require.Eventually(t, func() bool {
		payload, ok := store.Features("dev")
		return ok && len(payload.Features) == 1
	}, time.Second, time.Millisecond)

	sub := deltas.Subscribe("dev", token)
	snap := <-sub.C
	require.Equal(t, DeltaHydration, snap.Kind)
	require.Equal(t, 3, snap.EventID)
}

func TestStreamingRefresherDeltaBeforeHydrationTriggersFullFetch(t *testing.T) {
	clock := clockwork.NewFakeClock()
	registry := NewRegistry(clock)
	store := NewEnvStore(nil)
	deltas := NewDeltaCacheManager(8)
	token := mustToken(t, "*:dev.x")
	registry.Register(token, "")

	var fetchCalls int
	events := make(chan DeltaEvent, 1)
	upstream := &scriptedUpstream{streams: make(chan (<-chan DeltaEvent), 1)}
	upstream.fakeUpstream.featuresFn = func(ctx context.Context, tok Token, etag string) (FeaturePayload, string, error) {
		fetchCalls++
		return FeaturePayload{
			Features: []FeatureDescriptor{feat("p", "f1")},
			Meta:     FeaturePayloadMeta{Revision: 10},
		}, "", nil
	}
	upstream.streams <- events
	updated := feat("p", "f2")
	events <- DeltaEvent{Kind: DeltaFeatureUpdated, EventID: 11, Feature: &updated}

	cfg, err := buildConfig()
	require.NoError(t, err)
	sr := NewStreamingRefresher(registry, store, deltas, upstream, clock, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sr.EnsureStream(ctx, token)

	require.Eventually(t, func() bool {
		payload, ok := store.Features("dev")
		return ok && len(payload.Features) == 2
	}, time.Second, time.Millisecond)

	require.Equal(t, 1, fetchCalls, "a delta with no prior hydration must trigger exactly one full fetch")
}

func TestStreamingRefresherFeatureUpdateMerges(t *testing.T) {
	clock := clockwork.NewFakeClock()
	registry := NewRegistry(clock)
	store := NewEnvStore(nil)
	deltas := NewDeltaCacheManager(8)
	token := mustToken(t, "*:dev.x")
	registry.Register(token, "")
	store.Replace("dev", FeaturePayload{Features: []FeatureDescriptor{feat("p", "f1")}})

	events := make(chan DeltaEvent, 1)
	upstream := &scriptedUpstream{streams: make(chan (<-chan DeltaEvent), 1)}
	upstream.streams <- events
	updated := feat("p", "f2")
	events <- DeltaEvent{Kind: DeltaFeatureUpdated, EventID: 4, Feature: &updated}

	cfg, err := buildConfig()
	require.NoError(t, err)
	sr := NewStreamingRefresher(registry, store, deltas, upstream, clock, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sr.EnsureStream(ctx, token)

	require.Eventually(t, func() bool {
		payload, ok := store.Features("dev")
		return ok && len(payload.Features) == 2
	}, time.Second, time.Millisecond)
}
