package edge

import "context"

// Persistence is the optional durability contract of spec §4.7: an
// implementation may back the Refresh Registry and Feature Cache with
// external storage so a restarted instance can resume without a full
// re-hydration pass. The core works with no Persistence configured at all;
// see internal/persistredis for the Redis-backed implementation grounded in
// the teacher's demo Redis cache.
type Persistence interface {
	// LoadTokens returns every previously-persisted token, for re-seeding
	// the Refresh Registry on startup.
	LoadTokens(ctx context.Context) ([]Token, error)

	// LoadFeatures returns the previously-persisted FeaturePayload for env,
	// if any.
	LoadFeatures(ctx context.Context, env string) (FeaturePayload, bool, error)

	// SaveTokens persists the full current set of registered tokens.
	SaveTokens(ctx context.Context, tokens []Token) error

	// SaveFeatures persists env's current FeaturePayload.
	SaveFeatures(ctx context.Context, env string, payload FeaturePayload) error
}

// RestoreRegistry re-seeds registry from every token persistence reports,
// skipping errors for individual environments rather than failing startup
// outright — a restart should degrade to a normal cold hydration, not fail.
func RestoreRegistry(ctx context.Context, registry *Registry, persistence Persistence) error {
	if persistence == nil {
		return nil
	}
	tokens, err := persistence.LoadTokens(ctx)
	if err != nil {
		return err
	}
	for _, tok := range tokens {
		registry.Register(tok, "")
	}
	return nil
}

// RestoreEnvStore re-seeds store's Feature/Engine cache for every
// environment currently present in registry, from whatever Persistence has
// saved. Missing or failed loads are skipped; those environments simply
// start cold and pick up state on the next successful refresh.
func RestoreEnvStore(ctx context.Context, registry *Registry, store *EnvStore, persistence Persistence) {
	if persistence == nil {
		return
	}
	seenEnvs := make(map[string]struct{})
	for _, rec := range registry.Snapshot() {
		env := rec.Token.Environment
		if _, ok := seenEnvs[env]; ok {
			continue
		}
		seenEnvs[env] = struct{}{}

		payload, ok, err := persistence.LoadFeatures(ctx, env)
		if err != nil || !ok {
			continue
		}
		store.Replace(env, payload)
	}
}
