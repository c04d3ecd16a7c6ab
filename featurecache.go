package edge

// mergePayload implements the project-scoped merge of spec §4.3.
//
//  1. S = projects token grants (wildcard expands to every project present
//     in incoming ∪ existing).
//  2. E = current payload for env, or empty.
//  3. result = {f in E : f.Project not in S} ∪ incoming.
//  4. Features in S ∩ (projects present in E but absent from incoming) are
//     dropped — this is the mechanism that propagates archival.
//
// Kept as a pure function of its three inputs (no locking, no cache access)
// so the merge semantics in spec §8 ("project preservation") can be tested
// directly, independent of the concurrency wrapper in EnvStore.
func mergePayload(existing FeaturePayload, token Token, incoming FeaturePayload) FeaturePayload {
	granted := grantedProjects(token, existing, incoming)

	result := make([]FeatureDescriptor, 0, len(existing.Features)+len(incoming.Features))
	for _, f := range existing.Features {
		if _, inScope := granted[f.Project]; !inScope {
			result = append(result, f)
		}
	}
	result = append(result, incoming.Features...)

	return FeaturePayload{
		Features: result,
		Segments: incoming.Segments,
		Meta:     incoming.Meta,
	}
}

// grantedProjects expands a token's project grant to a concrete set,
// resolving the wildcard to every project name observed in either payload.
func grantedProjects(token Token, existing, incoming FeaturePayload) map[string]struct{} {
	if !token.IsWildcard() {
		granted := make(map[string]struct{}, len(token.Projects))
		for p := range token.Projects {
			granted[p] = struct{}{}
		}
		return granted
	}
	granted := existing.projects()
	for p := range incoming.projects() {
		granted[p] = struct{}{}
	}
	return granted
}
