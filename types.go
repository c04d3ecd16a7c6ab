// Package edge implements the refresh and hydration core for a feature-flag
// edge cache: token subsumption, per-token backoff, project-scoped feature
// merges, and the polling/streaming delivery substrate built on top of them.
package edge

import (
	"time"

	"github.com/flagedge/flagedge/internal/tokenalgebra"
)

// Token re-exports the pure token-algebra type so callers of this package
// never need to import internal/tokenalgebra directly.
type Token = tokenalgebra.Token

// TokenType re-exports the token type tag.
type TokenType = tokenalgebra.Type

// Token type tag values.
const (
	TokenInvalid  = tokenalgebra.TypeInvalid
	TokenBackend  = tokenalgebra.TypeBackend
	TokenFrontend = tokenalgebra.TypeFrontend
	TokenAdmin    = tokenalgebra.TypeAdmin
)

// ValidationStatus re-exports the token validation status.
type ValidationStatus = tokenalgebra.ValidationStatus

// Validation status values.
const (
	Unknown   = tokenalgebra.Unknown
	Invalid   = tokenalgebra.Invalid
	Validated = tokenalgebra.Validated
	Trusted   = tokenalgebra.Trusted
)

// ParseToken parses a wire-format secret into a Token. See
// tokenalgebra.Parse for the exact grammar.
func ParseToken(secret string) (Token, error) {
	return tokenalgebra.Parse(secret)
}

// WithTokenType returns a copy of tok with its type tag set.
func WithTokenType(tok Token, t TokenType) Token {
	return tokenalgebra.WithType(tok, t)
}

// WithProjects returns a copy of tok with its project set replaced, as the
// validator does once it resolves a "[]" (multi-project) token.
func WithProjects(tok Token, projects []string) Token {
	return tokenalgebra.WithProjects(tok, projects)
}

const maxFailureCount = 10

// TokenRefresh is the per-token bookkeeping record held by the Registry.
type TokenRefresh struct {
	Token         Token
	Etag          string
	NextRefresh   time.Time
	LastRefreshed time.Time
	LastCheck     time.Time
	FailureCount  int
	FeatureCount  int
	Revision      int
}

// due reports whether this record is due for refresh at instant now: either
// it has never been assigned a NextRefresh, or NextRefresh has passed.
func (r TokenRefresh) due(now time.Time) bool {
	return r.NextRefresh.IsZero() || !r.NextRefresh.After(now)
}

// neverRefreshed reports whether this token has never had a successful check
// or a successful refresh.
func (r TokenRefresh) neverRefreshed() bool {
	return r.LastRefreshed.IsZero() && r.LastCheck.IsZero()
}

// FeatureDescriptor is one flag definition within a FeaturePayload. Only the
// Project field is inspected by the merge logic in this core; everything
// else is opaque payload handed to the (out-of-scope) evaluation engine.
type FeatureDescriptor struct {
	Name         string     `json:"name"`
	Project      string     `json:"project"`
	Enabled      bool       `json:"enabled"`
	Strategies   []Strategy `json:"strategies,omitempty"`
	Variants     []Variant  `json:"variants,omitempty"`
	Dependencies []string   `json:"dependencies,omitempty"`
}

// Strategy is an opaque activation strategy attached to a feature. The core
// never interprets its contents.
type Strategy struct {
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Variant is an opaque variant attached to a feature.
type Variant struct {
	Name    string `json:"name"`
	Payload any    `json:"payload,omitempty"`
	Weight  int    `json:"weight,omitempty"`
}

// Segment is an opaque segment definition, passed through untouched.
type Segment struct {
	ID         int            `json:"id"`
	Name       string         `json:"name"`
	Conditions map[string]any `json:"constraints,omitempty"`
}

// FeaturePayloadMeta carries the upstream revision id for a FeaturePayload.
type FeaturePayloadMeta struct {
	Revision int `json:"revision"`
}

// FeaturePayload is an environment-keyed snapshot of flag state. Treated as
// opaque except for each feature's Project field, which the project-scoped
// merge inspects.
type FeaturePayload struct {
	Features []FeatureDescriptor `json:"features"`
	Segments []Segment           `json:"segments"`
	Meta     FeaturePayloadMeta  `json:"meta"`
}

// projects returns the distinct set of project names present in the
// payload's features.
func (p FeaturePayload) projects() map[string]struct{} {
	out := make(map[string]struct{})
	for _, f := range p.Features {
		out[f.Project] = struct{}{}
	}
	return out
}

// clone deep-copies the feature slice so callers can safely mutate a
// returned payload without racing the cache's internal copy.
func (p FeaturePayload) clone() FeaturePayload {
	features := make([]FeatureDescriptor, len(p.Features))
	copy(features, p.Features)
	segments := make([]Segment, len(p.Segments))
	copy(segments, p.Segments)
	return FeaturePayload{Features: features, Segments: segments, Meta: p.Meta}
}

// DeltaEventKind tags the variant of a DeltaEvent.
type DeltaEventKind int

const (
	DeltaHydration DeltaEventKind = iota
	DeltaFeatureUpdated
	DeltaFeatureRemoved
	DeltaSegmentUpdated
	DeltaSegmentRemoved
)

// DeltaEvent is the tagged union of streaming delta payloads. EventID is a
// monotonic integer per environment, assigned by upstream.
type DeltaEvent struct {
	Kind    DeltaEventKind
	EventID int

	// Hydration
	Features []FeatureDescriptor
	Segments []Segment

	// FeatureUpdated
	Feature *FeatureDescriptor

	// FeatureRemoved
	Project string
	Name    string

	// SegmentUpdated
	Segment *Segment

	// SegmentRemoved
	SegmentID int
}
