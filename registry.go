package edge

import (
	"sync"
	"time"

	"github.com/flagedge/flagedge/internal/tokenalgebra"
)

// Registry is the thread-safe Refresh Registry of spec §4.2: a keyed
// collection mapping a token secret to its TokenRefresh record. Its keys are
// always exactly the secrets of the current minimal cover over every token
// ever registered.
//
// Grounded in the teacher's repoCache/refreshData locking pattern
// (repository.go): a single RWMutex guarding a map, with mutators replacing
// whole entries rather than mutating in place.
type Registry struct {
	mu     sync.RWMutex
	byKey  map[string]TokenRefresh
	// seen holds every token ever registered, in first-seen order, so that
	// minimal-cover recomputation keeps its tie-break deterministic even
	// after entries have been evicted from byKey.
	seen  []Token
	clock Clock
}

// NewRegistry creates an empty Registry using clock as its time source.
func NewRegistry(clock Clock) *Registry {
	if clock == nil {
		clock = realClock()
	}
	return &Registry{
		byKey: make(map[string]TokenRefresh),
		clock: clock,
	}
}

// Register adds token to the registry. If its secret is already present this
// is a no-op (idempotent registration, spec §8). Otherwise the token is
// appended to the set of ever-seen tokens, the minimal cover is recomputed
// over the union, and the registry's contents are replaced with exactly that
// cover — evicting any previously-registered token now subsumed by a
// broader one (e.g. a new wildcard token evicts every prior token in its
// environment).
func (r *Registry) Register(token Token, etag string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byKey[token.Secret]; ok {
		return
	}

	r.seen = append(r.seen, token)
	cover := tokenalgebra.MinimalCover(r.seen)

	next := make(map[string]TokenRefresh, len(cover))
	for _, t := range cover {
		if existing, ok := r.byKey[t.Secret]; ok {
			next[t.Secret] = existing
			continue
		}
		rec := TokenRefresh{Token: t}
		if t.Secret == token.Secret {
			rec.Etag = etag
		}
		next[t.Secret] = rec
	}
	r.byKey = next
}

// Get returns the current record for secret, if present.
func (r *Registry) Get(secret string) (TokenRefresh, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byKey[secret]
	return rec, ok
}

// Snapshot returns every current record. Iteration order is unspecified
// (snapshot-weak per spec §5): a concurrent Register may or may not be
// reflected.
func (r *Registry) Snapshot() []TokenRefresh {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]TokenRefresh, 0, len(r.byKey))
	for _, rec := range r.byKey {
		out = append(out, rec)
	}
	return out
}

// TokensDueForRefresh returns every entry whose NextRefresh is absent or has
// passed.
func (r *Registry) TokensDueForRefresh() []TokenRefresh {
	now := r.clock.Now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	var due []TokenRefresh
	for _, rec := range r.byKey {
		if rec.due(now) {
			due = append(due, rec)
		}
	}
	return due
}

// TokensNeverRefreshed returns every entry with neither LastRefreshed nor
// LastCheck set.
func (r *Registry) TokensNeverRefreshed() []TokenRefresh {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []TokenRefresh
	for _, rec := range r.byKey {
		if rec.neverRefreshed() {
			out = append(out, rec)
		}
	}
	return out
}

// IsSubsumed reports whether some registry entry in token's environment
// already subsumes it.
func (r *Registry) IsSubsumed(token Token) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.byKey {
		if rec.Token.Environment != token.Environment {
			continue
		}
		if tokenalgebra.Subsumes(rec.Token, token) {
			return true
		}
	}
	return false
}

// EnvironmentHasEntries reports whether any registry entry targets env. Used
// to decide cache eviction cascades: per spec §3, removing the last entry
// for env removes the corresponding Feature and Engine Cache entries too.
func (r *Registry) EnvironmentHasEntries(env string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.byKey {
		if rec.Token.Environment == env {
			return true
		}
	}
	return false
}

// mutate applies f to the current record for secret (if any) and replaces
// it, setting LastCheck := now unconditionally so that concurrent mutators
// racing on the same key linearize safely: no invariant depends on which one
// "wins" the race, since every mutator stamps LastCheck.
func (r *Registry) mutate(secret string, f func(rec *TokenRefresh, now time.Time)) {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byKey[secret]
	if !ok {
		return
	}
	f(&rec, now)
	rec.LastCheck = now
	r.byKey[secret] = rec
}

// Backoff records a transient failure for token: failure count saturates at
// 10, and next_refresh is pushed out to now + interval*(1+failure_count).
func (r *Registry) Backoff(token Token, interval time.Duration) {
	r.mutate(token.Secret, func(rec *TokenRefresh, now time.Time) {
		if rec.FailureCount < maxFailureCount {
			rec.FailureCount++
		}
		rec.NextRefresh = now.Add(interval * time.Duration(1+rec.FailureCount))
	})
}

// SuccessfulCheck records a 304-style confirmation that the cache is still
// current: failure count steps down toward zero, next_refresh rescheduled.
func (r *Registry) SuccessfulCheck(token Token, interval time.Duration) {
	r.mutate(token.Secret, func(rec *TokenRefresh, now time.Time) {
		if rec.FailureCount > 0 {
			rec.FailureCount--
		}
		rec.NextRefresh = now.Add(interval * time.Duration(1+rec.FailureCount))
	})
}

// SuccessfulRefresh records a full successful fetch: as SuccessfulCheck,
// plus LastRefreshed, etag, feature count and revision are updated.
func (r *Registry) SuccessfulRefresh(token Token, etag string, featureCount, revision int, interval time.Duration) {
	r.mutate(token.Secret, func(rec *TokenRefresh, now time.Time) {
		if rec.FailureCount > 0 {
			rec.FailureCount--
		}
		rec.NextRefresh = now.Add(interval * time.Duration(1+rec.FailureCount))
		rec.LastRefreshed = now
		rec.Etag = etag
		rec.FeatureCount = featureCount
		rec.Revision = revision
	})
}

// Remove deletes token's entry by secret. Used on access-denied eviction and
// when a broader token displaces it.
func (r *Registry) Remove(token Token) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byKey, token.Secret)
	for i, t := range r.seen {
		if t.Secret == token.Secret {
			r.seen = append(r.seen[:i], r.seen[i+1:]...)
			break
		}
	}
}
