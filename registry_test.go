package edge

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func mustToken(t *testing.T, secret string) Token {
	t.Helper()
	tok, err := ParseToken(secret)
	require.NoError(t, err)
	return tok
}

func TestRegistryWildcardCollapsesProjectTokens(t *testing.T) {
	reg := NewRegistry(clockwork.NewFakeClock())
	reg.Register(mustToken(t, "projecta:dev.x"), "")
	reg.Register(mustToken(t, "projectb:dev.x"), "")
	reg.Register(mustToken(t, "projectc:dev.x"), "")
	reg.Register(mustToken(t, "*:dev.x"), "")

	snap := reg.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, "*:dev.x", snap[0].Token.Secret)
}

func TestRegistryMultiEnvNonInterference(t *testing.T) {
	reg := NewRegistry(clockwork.NewFakeClock())
	reg.Register(mustToken(t, "projecta:dev.x"), "")
	reg.Register(mustToken(t, "*:prod.x"), "")

	require.Len(t, reg.Snapshot(), 2)
}

func TestRegistryIdempotentRegistration(t *testing.T) {
	reg := NewRegistry(clockwork.NewFakeClock())
	tok := mustToken(t, "projecta:dev.x")
	reg.Register(tok, "etag1")
	reg.Register(tok, "etag2")

	rec, ok := reg.Get(tok.Secret)
	require.True(t, ok)
	require.Equal(t, "etag1", rec.Etag)
	require.Len(t, reg.Snapshot(), 1)
}

func TestRegistryIsSubsumed(t *testing.T) {
	reg := NewRegistry(clockwork.NewFakeClock())
	reg.Register(mustToken(t, "*:dev.x"), "")

	require.True(t, reg.IsSubsumed(mustToken(t, "projecta:dev.x")))
	require.False(t, reg.IsSubsumed(mustToken(t, "projecta:prod.x")))
}

func TestRegistryBackoffMonotonicity(t *testing.T) {
	clock := clockwork.NewFakeClock()
	reg := NewRegistry(clock)
	tok := mustToken(t, "projecta:dev.x")
	reg.Register(tok, "")

	interval := 30 * time.Second
	start := clock.Now()

	for k := 1; k <= 12; k++ {
		reg.Backoff(tok, interval)
		rec, ok := reg.Get(tok.Secret)
		require.True(t, ok)
		expectedFailures := k
		if expectedFailures > 10 {
			expectedFailures = 10
		}
		require.Equal(t, expectedFailures, rec.FailureCount)
		require.Equal(t, start.Add(interval*time.Duration(1+expectedFailures)), rec.NextRefresh)
	}

	// A success steps failure count down by one.
	reg.SuccessfulCheck(tok, interval)
	rec, _ := reg.Get(tok.Secret)
	require.Equal(t, 9, rec.FailureCount)
}

func TestRegistryFailureCountSaturates(t *testing.T) {
	clock := clockwork.NewFakeClock()
	reg := NewRegistry(clock)
	tok := mustToken(t, "projecta:dev.x")
	reg.Register(tok, "")

	for i := 0; i < 20; i++ {
		reg.Backoff(tok, time.Second)
	}
	rec, _ := reg.Get(tok.Secret)
	require.Equal(t, 10, rec.FailureCount)

	for i := 0; i < 20; i++ {
		reg.SuccessfulCheck(tok, time.Second)
	}
	rec, _ = reg.Get(tok.Secret)
	require.Equal(t, 0, rec.FailureCount)
}

func TestRegistrySuccessfulRefreshUpdatesMetadata(t *testing.T) {
	clock := clockwork.NewFakeClock()
	reg := NewRegistry(clock)
	tok := mustToken(t, "projecta:dev.x")
	reg.Register(tok, "")

	reg.SuccessfulRefresh(tok, "etag-2", 7, 42, time.Second)
	rec, ok := reg.Get(tok.Secret)
	require.True(t, ok)
	require.Equal(t, "etag-2", rec.Etag)
	require.Equal(t, 7, rec.FeatureCount)
	require.Equal(t, 42, rec.Revision)
	require.False(t, rec.LastRefreshed.IsZero())
	require.False(t, rec.LastCheck.IsZero())
}

func TestRegistryTokensDueForRefresh(t *testing.T) {
	clock := clockwork.NewFakeClock()
	reg := NewRegistry(clock)
	a := mustToken(t, "projecta:dev.x")
	b := mustToken(t, "projectb:dev.x")
	reg.Register(a, "")
	reg.Register(b, "")

	// Neither has a NextRefresh yet: both are due.
	require.Len(t, reg.TokensDueForRefresh(), 2)

	reg.SuccessfulCheck(a, time.Hour)
	due := reg.TokensDueForRefresh()
	require.Len(t, due, 1)
	require.Equal(t, b.Secret, due[0].Token.Secret)
}

func TestRegistryTokensNeverRefreshed(t *testing.T) {
	clock := clockwork.NewFakeClock()
	reg := NewRegistry(clock)
	a := mustToken(t, "projecta:dev.x")
	reg.Register(a, "")
	require.Len(t, reg.TokensNeverRefreshed(), 1)

	reg.SuccessfulCheck(a, time.Hour)
	require.Empty(t, reg.TokensNeverRefreshed())
}

func TestRegistryRemoveCascadesEnvironmentCheck(t *testing.T) {
	clock := clockwork.NewFakeClock()
	reg := NewRegistry(clock)
	tok := mustToken(t, "*:dev.x")
	reg.Register(tok, "")
	require.True(t, reg.EnvironmentHasEntries("dev"))

	reg.Remove(tok)
	require.False(t, reg.EnvironmentHasEntries("dev"))
	require.Empty(t, reg.Snapshot())
}
