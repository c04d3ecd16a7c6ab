package tokenalgebra

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, secret string) Token {
	t.Helper()
	tok, err := Parse(secret)
	require.NoError(t, err)
	return tok
}

func TestParse(t *testing.T) {
	t.Run("wildcard project", func(t *testing.T) {
		tok := mustParse(t, "*:dev.x")
		require.Equal(t, "dev", tok.Environment)
		require.True(t, tok.IsWildcard())
	})
	t.Run("single project", func(t *testing.T) {
		tok := mustParse(t, "projecta:dev.x")
		require.Equal(t, "dev", tok.Environment)
		require.True(t, tok.HasProject("projecta"))
		require.False(t, tok.HasProject("projectb"))
	})
	t.Run("multi-project spec resolved later", func(t *testing.T) {
		tok := mustParse(t, "[]:dev.x")
		require.Empty(t, tok.Projects)
		tok = WithProjects(tok, []string{"projecta", "projectc"})
		require.True(t, tok.HasProject("projecta"))
		require.True(t, tok.HasProject("projectc"))
		require.False(t, tok.HasProject("projectb"))
	})
	t.Run("missing colon", func(t *testing.T) {
		_, err := Parse("dev.x")
		require.Error(t, err)
	})
	t.Run("missing dot", func(t *testing.T) {
		_, err := Parse("projecta:devx")
		require.Error(t, err)
	})
	t.Run("empty hash", func(t *testing.T) {
		_, err := Parse("projecta:dev.")
		require.Error(t, err)
	})
}

func TestSubsumes(t *testing.T) {
	t.Run("wildcard subsumes single project in same env", func(t *testing.T) {
		wild := mustParse(t, "*:dev.x")
		single := mustParse(t, "projecta:dev.x")
		require.True(t, Subsumes(wild, single))
		require.False(t, Subsumes(single, wild))
	})
	t.Run("no subsumption across environments", func(t *testing.T) {
		wild := mustParse(t, "*:dev.x")
		other := mustParse(t, "projecta:prod.x")
		require.False(t, Subsumes(wild, other))
	})
	t.Run("multi-project subsumes its members", func(t *testing.T) {
		multi := WithProjects(mustParse(t, "[]:dev.x"), []string{"projecta", "projectc"})
		a := mustParse(t, "projecta:dev.x")
		b := mustParse(t, "projectb:dev.x")
		require.True(t, Subsumes(multi, a))
		require.False(t, Subsumes(multi, b))
	})
	t.Run("type mismatch never subsumes", func(t *testing.T) {
		wild := WithType(mustParse(t, "*:dev.x"), TypeBackend)
		frontend := WithType(mustParse(t, "projecta:dev.x"), TypeFrontend)
		require.False(t, Subsumes(wild, frontend))
	})
}

func TestMinimalCover(t *testing.T) {
	t.Run("wildcard collapses project tokens", func(t *testing.T) {
		tokens := []Token{
			mustParse(t, "projecta:dev.x"),
			mustParse(t, "projectb:dev.x"),
			mustParse(t, "projectc:dev.x"),
			mustParse(t, "*:dev.x"),
		}
		cover := MinimalCover(tokens)
		require.Len(t, cover, 1)
		require.Equal(t, "*:dev.x", cover[0].Secret)
	})
	t.Run("multi-env non-interference", func(t *testing.T) {
		tokens := []Token{
			mustParse(t, "projecta:dev.x"),
			mustParse(t, "*:prod.x"),
		}
		cover := MinimalCover(tokens)
		require.Len(t, cover, 2)
	})
	t.Run("multi-project overrides singletons", func(t *testing.T) {
		multi := WithProjects(mustParse(t, "[]:dev.x"), []string{"projecta", "projectc"})
		tokens := []Token{
			mustParse(t, "projecta:dev.x"),
			mustParse(t, "projectb:dev.x"),
			mustParse(t, "projectc:dev.x"),
			multi,
		}
		cover := MinimalCover(tokens)
		secrets := make(map[string]bool)
		for _, tok := range cover {
			secrets[tok.Secret] = true
		}
		require.Equal(t, map[string]bool{"[]:dev.x": true, "projectb:dev.x": true}, secrets)
	})
	t.Run("exact duplicates keep first seen", func(t *testing.T) {
		first := mustParse(t, "projecta:dev.x")
		dup, err := Parse("projecta:dev.y")
		require.NoError(t, err)
		cover := MinimalCover([]Token{first, dup})
		require.Len(t, cover, 1)
		require.Equal(t, first.Secret, cover[0].Secret)
	})
	t.Run("idempotent on repeated registration", func(t *testing.T) {
		tok := mustParse(t, "projecta:dev.x")
		cover := MinimalCover([]Token{tok, tok})
		require.Len(t, cover, 1)
	})
}

func TestSameEnvAndBroaderOrEqualProjectAccess(t *testing.T) {
	t.Run("ignores type", func(t *testing.T) {
		backend := WithType(mustParse(t, "*:dev.x"), TypeBackend)
		frontend := WithType(mustParse(t, "projecta:dev.x"), TypeFrontend)
		require.True(t, SameEnvAndBroaderOrEqualProjectAccess(backend, frontend))
	})
}
