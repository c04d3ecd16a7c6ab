package edge

import (
	"sync"

	"github.com/google/uuid"
)

const defaultSubscriberBuffer = 32

// DeltaCache is the per-environment bounded ring of recent DeltaEvents plus
// one coalesced Hydration snapshot (spec §3). Capacity is fixed at
// construction. The snapshot's EventID always equals the highest event id
// applied; events with EventID <= snapshot EventID are redundant and may be
// discarded, so the ring only ever needs to retain events newer than the
// last hydration fold — in practice that means the ring is mostly useful as
// a recent-history/debug trail, since every subscriber bootstraps from the
// snapshot rather than replaying the ring.
type DeltaCache struct {
	mu       sync.Mutex
	capacity int
	ring     []DeltaEvent
	cursor   int
	count    int

	snapshotEventID int
	features        map[engineKey]FeatureDescriptor
	segments        map[int]Segment
}

// NewDeltaCache creates a DeltaCache with the given fixed ring capacity.
func NewDeltaCache(capacity int) *DeltaCache {
	if capacity < 1 {
		capacity = 1
	}
	return &DeltaCache{
		capacity: capacity,
		ring:     make([]DeltaEvent, capacity),
		features: make(map[engineKey]FeatureDescriptor),
		segments: make(map[int]Segment),
	}
}

// Hydrate installs ev (a Hydration event) as the cache's baseline snapshot,
// discarding the ring: it replaces, rather than folds into, prior state.
func (d *DeltaCache) Hydrate(ev DeltaEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.features = make(map[engineKey]FeatureDescriptor, len(ev.Features))
	for _, f := range ev.Features {
		d.features[engineKey{f.Project, f.Name}] = f
	}
	d.segments = make(map[int]Segment, len(ev.Segments))
	for _, s := range ev.Segments {
		d.segments[s.ID] = s
	}
	d.snapshotEventID = ev.EventID
	d.cursor = 0
	d.count = 0
}

// Apply appends ev to the ring and folds it into the coalesced snapshot.
// When multiple deltas arrive in a burst before any subscriber reads, the
// snapshot advances with every call but a subscriber that connects only
// ever sees the latest combined state (spec §4.5 coalescing rule).
func (d *DeltaCache) Apply(ev DeltaEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.ring[d.cursor] = ev
	d.cursor = (d.cursor + 1) % d.capacity
	if d.count < d.capacity {
		d.count++
	}

	switch ev.Kind {
	case DeltaFeatureUpdated:
		if ev.Feature != nil {
			d.features[engineKey{ev.Feature.Project, ev.Feature.Name}] = *ev.Feature
		}
	case DeltaFeatureRemoved:
		delete(d.features, engineKey{ev.Project, ev.Name})
	case DeltaSegmentUpdated:
		if ev.Segment != nil {
			d.segments[ev.Segment.ID] = *ev.Segment
		}
	case DeltaSegmentRemoved:
		delete(d.segments, ev.SegmentID)
	}
	d.snapshotEventID = ev.EventID
}

// Snapshot returns the current coalesced state as a single Hydration event,
// suitable as the first message sent to a newly-connecting subscriber.
func (d *DeltaCache) Snapshot() DeltaEvent {
	d.mu.Lock()
	defer d.mu.Unlock()

	features := make([]FeatureDescriptor, 0, len(d.features))
	for _, f := range d.features {
		features = append(features, f)
	}
	segments := make([]Segment, 0, len(d.segments))
	for _, s := range d.segments {
		segments = append(segments, s)
	}
	return DeltaEvent{
		Kind:     DeltaHydration,
		EventID:  d.snapshotEventID,
		Features: features,
		Segments: segments,
	}
}

// Subscription is a live fan-out target for one environment.
type Subscription struct {
	ID    string
	Env   string
	Token Token
	C     <-chan DeltaEvent

	manager *DeltaCacheManager
	ch      chan DeltaEvent
	mu      sync.Mutex
	closed  bool
}

// Close stops delivery to this subscription and releases it from its
// manager. Safe to call more than once.
func (s *Subscription) Close() {
	s.manager.unsubscribe(s)
}

func (s *Subscription) closeChan() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// DeltaCacheManager is the environment-keyed Delta Cache Manager of spec
// §2/§4.5: it owns one DeltaCache per environment and fans incoming delta
// events out to live subscribers whose token covers that environment and
// whose validation status is still Validated.
type DeltaCacheManager struct {
	mu              sync.RWMutex
	ringCapacity    int
	caches          map[string]*DeltaCache
	subscribers     map[string]map[string]*Subscription // env -> subscription id -> subscription
	subscriberLimit int
}

// NewDeltaCacheManager creates a manager whose per-environment DeltaCache
// rings have the given capacity.
func NewDeltaCacheManager(ringCapacity int) *DeltaCacheManager {
	return &DeltaCacheManager{
		ringCapacity:    ringCapacity,
		caches:          make(map[string]*DeltaCache),
		subscribers:     make(map[string]map[string]*Subscription),
		subscriberLimit: defaultSubscriberBuffer,
	}
}

func (m *DeltaCacheManager) cacheFor(env string) *DeltaCache {
	m.mu.RLock()
	c, ok := m.caches[env]
	m.mu.RUnlock()
	if ok {
		return c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok = m.caches[env]
	if !ok {
		c = NewDeltaCache(m.ringCapacity)
		m.caches[env] = c
	}
	return c
}

// Hydrate installs a full snapshot for env (spec §4.5 unleash-connected /
// full unleash-updated), discarding prior deltas, and broadcasts it to every
// live subscriber of env as the start of their stream.
func (m *DeltaCacheManager) Hydrate(env string, ev DeltaEvent) {
	ev.Kind = DeltaHydration
	m.cacheFor(env).Hydrate(ev)
	m.broadcast(env, ev)
}

// Apply folds a delta event into env's DeltaCache and broadcasts it to
// every live, validated subscriber covering env.
func (m *DeltaCacheManager) Apply(env string, ev DeltaEvent) {
	m.cacheFor(env).Apply(ev)
	m.broadcast(env, ev)
}

// Subscribe registers a new subscriber for env. The first value the
// subscriber reads from the returned Subscription's channel is always
// exactly one Hydration event reflecting every event applied to env so far
// (spec §4.5/§8 delta coalescing), queued before Subscribe returns.
func (m *DeltaCacheManager) Subscribe(env string, token Token) *Subscription {
	sub := &Subscription{
		ID:      uuid.NewString(),
		Env:     env,
		Token:   token,
		manager: m,
		ch:      make(chan DeltaEvent, m.subscriberLimit),
	}
	sub.C = sub.ch

	m.mu.Lock()
	if m.subscribers[env] == nil {
		m.subscribers[env] = make(map[string]*Subscription)
	}
	m.subscribers[env][sub.ID] = sub
	m.mu.Unlock()

	sub.ch <- m.cacheFor(env).Snapshot()
	return sub
}

func (m *DeltaCacheManager) unsubscribe(sub *Subscription) {
	m.mu.Lock()
	if subs, ok := m.subscribers[sub.Env]; ok {
		delete(subs, sub.ID)
	}
	m.mu.Unlock()
	sub.closeChan()
}

// InvalidateToken closes every live subscription registered under a token
// with this secret, as required when a token's validation status turns
// Invalid while connected (spec §4.5).
func (m *DeltaCacheManager) InvalidateToken(secret string) {
	m.mu.RLock()
	var toClose []*Subscription
	for _, subs := range m.subscribers {
		for _, sub := range subs {
			if sub.Token.Secret == secret {
				toClose = append(toClose, sub)
			}
		}
	}
	m.mu.RUnlock()

	for _, sub := range toClose {
		sub.Close()
	}
}

// broadcast enqueues ev on every live subscriber covering env. A subscriber
// whose buffer is full is slow: its oldest queued event is dropped to make
// room, and if it is still full after that its stream is closed rather than
// blocking the publisher (spec §5).
func (m *DeltaCacheManager) broadcast(env string, ev DeltaEvent) {
	m.mu.RLock()
	subs := make([]*Subscription, 0, len(m.subscribers[env]))
	for _, sub := range m.subscribers[env] {
		subs = append(subs, sub)
	}
	m.mu.RUnlock()

	for _, sub := range subs {
		if sub.Token.ValidationStatus != Validated {
			sub.Close()
			continue
		}
		m.enqueue(sub, ev)
	}
}

func (m *DeltaCacheManager) enqueue(sub *Subscription, ev DeltaEvent) {
	select {
	case sub.ch <- ev:
		return
	default:
	}

	// Buffer full: drop the oldest queued event to make room for ev.
	select {
	case <-sub.ch:
	default:
	}
	select {
	case sub.ch <- ev:
	default:
		// Still can't make room (a concurrent reader is draining exactly as
		// fast as we are): close this subscriber rather than block.
		sub.Close()
	}
}

// Shutdown closes every live subscription across every environment,
// releasing resources. This is the dedicated shutdown operation of spec
// §4.5's termination path.
func (m *DeltaCacheManager) Shutdown() {
	m.mu.RLock()
	var all []*Subscription
	for _, subs := range m.subscribers {
		for _, sub := range subs {
			all = append(all, sub)
		}
	}
	m.mu.RUnlock()

	for _, sub := range all {
		sub.Close()
	}
}
