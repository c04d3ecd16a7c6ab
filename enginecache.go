package edge

import (
	"log/slog"
	"sync"
)

// Engine is the compiled evaluator state for one environment, rebuilt from
// a FeaturePayload on every accepted update (spec §3/§4.3). Building it is
// entirely derivable from the FeaturePayload and nothing else; this core
// treats the actual evaluation algorithm as out of scope (spec §1
// Non-goals) and only maintains the index an evaluation engine would need:
// features keyed by (project, name) plus a flat segment index.
type Engine struct {
	Revision int
	byKey    map[engineKey]FeatureDescriptor
	segments map[int]Segment
}

type engineKey struct {
	project string
	name    string
}

// Feature looks up a single compiled feature by project and name.
func (e *Engine) Feature(project, name string) (FeatureDescriptor, bool) {
	if e == nil {
		return FeatureDescriptor{}, false
	}
	f, ok := e.byKey[engineKey{project, name}]
	return f, ok
}

// Segment looks up a single compiled segment by id.
func (e *Engine) Segment(id int) (Segment, bool) {
	if e == nil {
		return Segment{}, false
	}
	s, ok := e.segments[id]
	return s, ok
}

// buildEngine compiles a FeaturePayload into an Engine. Warnings (e.g.
// duplicate (project, name) pairs, which the wire format shouldn't produce
// but which a misbehaving upstream could) are logged, never fatal: spec
// §4.3 requires that compile warnings "are logged but do not abort the
// update."
func buildEngine(logger *slog.Logger, payload FeaturePayload) *Engine {
	e := &Engine{
		Revision: payload.Meta.Revision,
		byKey:    make(map[engineKey]FeatureDescriptor, len(payload.Features)),
		segments: make(map[int]Segment, len(payload.Segments)),
	}
	for _, f := range payload.Features {
		key := engineKey{f.Project, f.Name}
		if _, dup := e.byKey[key]; dup && logger != nil {
			logger.Warn("duplicate feature in payload, keeping last", "project", f.Project, "name", f.Name)
		}
		e.byKey[key] = f
	}
	for _, s := range payload.Segments {
		if _, dup := e.segments[s.ID]; dup && logger != nil {
			logger.Warn("duplicate segment in payload, keeping last", "segment_id", s.ID)
		}
		e.segments[s.ID] = s
	}
	return e
}

// EnvStore is the shared backing store for the Feature Cache and Engine
// Cache components of spec §4.3/§4.4: one per-environment mutex guards both
// the FeaturePayload and the Engine compiled from it, so that the Engine
// Cache invariant in spec §3 ("derivable from Feature Cache and nothing
// else" and "no reader observes an engine older than the feature payload it
// could also see") holds by construction rather than by convention across
// two independently-locked maps.
type EnvStore struct {
	mu      sync.RWMutex
	entries map[string]*storeEntry
	logger  *slog.Logger
}

type storeEntry struct {
	mu      sync.Mutex
	payload FeaturePayload
	engine  *Engine
}

// NewEnvStore creates an empty store. logger may be nil.
func NewEnvStore(logger *slog.Logger) *EnvStore {
	return &EnvStore{entries: make(map[string]*storeEntry), logger: logger}
}

func (s *EnvStore) lockEnv(env string) *storeEntry {
	s.mu.RLock()
	entry, ok := s.entries[env]
	s.mu.RUnlock()
	if ok {
		return entry
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok = s.entries[env]
	if !ok {
		entry = &storeEntry{}
		s.entries[env] = entry
	}
	return entry
}

// Features returns the current Feature Cache payload for env.
func (s *EnvStore) Features(env string) (FeaturePayload, bool) {
	s.mu.RLock()
	entry, ok := s.entries[env]
	s.mu.RUnlock()
	if !ok {
		return FeaturePayload{}, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.engine == nil {
		return FeaturePayload{}, false
	}
	return entry.payload.clone(), true
}

// Engine returns the current Engine Cache entry for env.
func (s *EnvStore) Engine(env string) (*Engine, bool) {
	s.mu.RLock()
	entry, ok := s.entries[env]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.engine, entry.engine != nil
}

// Merge performs the project-scoped merge (spec §4.3) for env under token's
// grant, stores the resulting payload, and rebuilds the Engine Cache entry
// from it — both under the same per-env lock, so a concurrent reader can
// never observe one without the other reflecting at least the same update.
func (s *EnvStore) Merge(env string, token Token, incoming FeaturePayload) (FeaturePayload, *Engine) {
	entry := s.lockEnv(env)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	entry.payload = mergePayload(entry.payload, token, incoming)
	entry.engine = buildEngine(s.logger, entry.payload)
	return entry.payload.clone(), entry.engine
}

// Replace installs incoming as env's entire payload, bypassing the
// project-scoped merge. Used for streaming "full payload" events (spec
// §4.5 unleash-connected / full unleash-updated), which replace the whole
// environment rather than merge a subset of projects.
func (s *EnvStore) Replace(env string, incoming FeaturePayload) (FeaturePayload, *Engine) {
	entry := s.lockEnv(env)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	entry.payload = incoming.clone()
	entry.engine = buildEngine(s.logger, entry.payload)
	return entry.payload.clone(), entry.engine
}

// Evict removes both the Feature Cache and Engine Cache entries for env.
// Called when the last Registry entry for env is removed (spec §3
// lifecycle).
func (s *EnvStore) Evict(env string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, env)
}
