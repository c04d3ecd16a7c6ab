package edge

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func feat(project, name string) FeatureDescriptor {
	return FeatureDescriptor{Project: project, Name: name, Enabled: true}
}

func TestMergePayloadArchivalViaEmptyPayload(t *testing.T) {
	existing := FeaturePayload{Features: []FeatureDescriptor{
		feat("dx", "f1"), feat("eg", "f2"),
	}}
	token := mustToken(t, "eg:dev.x")

	result := mergePayload(existing, token, FeaturePayload{})

	names := projectSet(result.Features)
	require.Equal(t, map[string]bool{"dx": true}, names)
}

func TestMergePayloadProjectPreservation(t *testing.T) {
	existing := FeaturePayload{Features: []FeatureDescriptor{
		feat("p", "f1"), feat("r", "f2"),
	}}
	token := mustToken(t, "q:dev.x")

	result := mergePayload(existing, token, FeaturePayload{Features: []FeatureDescriptor{feat("q", "f3")}})

	var sawR bool
	for _, f := range result.Features {
		if f.Project == "r" {
			sawR = true
			require.Equal(t, existing.Features[1], f)
		}
		require.NotEqual(t, "p", f.Project, "project p should have been dropped (archived) along with q's replacement")
	}
	require.True(t, sawR, "project r must be preserved untouched")
}

func TestMergePayloadWildcardReplacesEverything(t *testing.T) {
	existing := FeaturePayload{Features: []FeatureDescriptor{feat("p", "f1"), feat("q", "f2")}}
	token := mustToken(t, "*:dev.x")

	incoming := FeaturePayload{Features: []FeatureDescriptor{feat("p", "f1-new")}}
	result := mergePayload(existing, token, incoming)

	require.Equal(t, incoming.Features, result.Features)
}

func TestMergePayloadMultiProjectToken(t *testing.T) {
	existing := FeaturePayload{Features: []FeatureDescriptor{
		feat("p", "f1"), feat("q", "f2"), feat("r", "f3"),
	}}
	token := WithProjects(mustToken(t, "[]:dev.x"), []string{"p", "q"})

	incoming := FeaturePayload{Features: []FeatureDescriptor{feat("q", "f2-new")}}
	result := mergePayload(existing, token, incoming)

	names := projectSet(result.Features)
	require.Equal(t, map[string]bool{"q": true, "r": true}, names)
}

func projectSet(features []FeatureDescriptor) map[string]bool {
	out := make(map[string]bool)
	for _, f := range features {
		out[f.Project] = true
	}
	return out
}
