// Package tokenalgebra implements the pure, I/O-free algebra over edge
// tokens: parsing, equivalence, subsumption and minimal-cover reduction.
package tokenalgebra

import (
	"fmt"
	"strings"
)

// Type is the token type tag.
type Type int

const (
	TypeInvalid Type = iota
	TypeBackend
	TypeFrontend
	TypeAdmin
)

func (t Type) String() string {
	switch t {
	case TypeBackend:
		return "backend"
	case TypeFrontend:
		return "frontend"
	case TypeAdmin:
		return "admin"
	default:
		return "invalid"
	}
}

// ValidationStatus tracks how much the core trusts a token.
type ValidationStatus int

const (
	Unknown ValidationStatus = iota
	Invalid
	Validated
	Trusted
)

// universalProject is the wildcard project spec, granting access to every
// project in an environment.
const universalProject = "*"

// multiProjectSpec marks a token whose project set is resolved later by the
// upstream validator.
const multiProjectSpec = "[]"

// Token is a parsed credential. Two tokens are equal iff their secrets are
// equal.
type Token struct {
	Secret           string
	Environment      string
	Projects         map[string]struct{}
	Type             Type
	ValidationStatus ValidationStatus
}

// ParseError is returned by Parse when a secret does not match the wire
// format `<projectSpec>:<env>.<hash>`.
type ParseError struct {
	Secret string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("tokenalgebra: invalid token secret %q: %s", redact(e.Secret), e.Reason)
}

func redact(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:4] + "..." + secret[len(secret)-4:]
}

// Parse decodes a secret of the form `<projectSpec>:<env>.<hash>` into a
// Token. projectSpec is "*", "[]", or a single project name. The token type
// cannot be determined from the wire format alone here; callers that know the
// type (e.g. from the path the SDK used to present the token) should set it
// with WithType. Tokens default to TypeBackend, matching the most common
// caller (server-side SDKs) and ValidationStatus Unknown.
func Parse(secret string) (Token, error) {
	colon := strings.IndexByte(secret, ':')
	if colon < 0 {
		return Token{}, &ParseError{Secret: secret, Reason: "missing ':' separating project spec from env.hash"}
	}
	projectSpec := secret[:colon]
	rest := secret[colon+1:]
	if projectSpec == "" {
		return Token{}, &ParseError{Secret: secret, Reason: "empty project spec"}
	}

	dot := strings.IndexByte(rest, '.')
	if dot < 0 {
		return Token{}, &ParseError{Secret: secret, Reason: "missing '.' separating env from hash"}
	}
	env := rest[:dot]
	hash := rest[dot+1:]
	if env == "" {
		return Token{}, &ParseError{Secret: secret, Reason: "empty environment"}
	}
	if hash == "" {
		return Token{}, &ParseError{Secret: secret, Reason: "empty hash"}
	}

	tok := Token{
		Secret:           secret,
		Environment:      env,
		Type:             TypeBackend,
		ValidationStatus: Unknown,
	}

	switch projectSpec {
	case universalProject:
		tok.Projects = map[string]struct{}{universalProject: {}}
	case multiProjectSpec:
		// Projects are resolved later by the validator; start empty.
		tok.Projects = map[string]struct{}{}
	default:
		tok.Projects = map[string]struct{}{projectSpec: {}}
	}

	return tok, nil
}

// WithType returns a copy of tok with its type tag set.
func WithType(tok Token, t Type) Token {
	tok.Type = t
	return tok
}

// WithProjects returns a copy of tok with its project set replaced, as done
// by the validator once it resolves a "[]" (multi-project) token.
func WithProjects(tok Token, projects []string) Token {
	tok.Projects = make(map[string]struct{}, len(projects))
	for _, p := range projects {
		tok.Projects[p] = struct{}{}
	}
	return tok
}

// IsWildcard reports whether tok grants access to every project in its
// environment.
func (t Token) IsWildcard() bool {
	_, ok := t.Projects[universalProject]
	return ok
}

// HasProject reports whether tok's project set contains project, accounting
// for the wildcard.
func (t Token) HasProject(project string) bool {
	if t.IsWildcard() {
		return true
	}
	_, ok := t.Projects[project]
	return ok
}

// projectsSupersetOf reports whether a's projects are a superset of b's
// (wildcard on a always satisfies this).
func projectsSupersetOf(a, b Token) bool {
	if a.IsWildcard() {
		return true
	}
	if b.IsWildcard() {
		// b grants access to everything; a can only be a superset if a is
		// also wildcard, handled above.
		return false
	}
	for p := range b.Projects {
		if _, ok := a.Projects[p]; !ok {
			return false
		}
	}
	return true
}

// sameEnvAndBroaderOrEqualProjectAccess reports whether a grants at least as
// much project access as b within the same environment, ignoring type. Used
// to answer "does any client token already cover this frontend token?"
func SameEnvAndBroaderOrEqualProjectAccess(a, b Token) bool {
	return a.Environment == b.Environment && projectsSupersetOf(a, b)
}

// Subsumes reports whether a subsumes b: same type, same environment, and a's
// projects are a superset of (or equal to) b's.
func Subsumes(a, b Token) bool {
	return a.Type == b.Type && SameEnvAndBroaderOrEqualProjectAccess(a, b)
}

// samePartition reports whether a and b have exactly the same (environment,
// projects, type) partition, i.e. identical granted access.
func samePartition(a, b Token) bool {
	if a.Type != b.Type || a.Environment != b.Environment {
		return false
	}
	if len(a.Projects) != len(b.Projects) {
		return false
	}
	for p := range a.Projects {
		if _, ok := b.Projects[p]; !ok {
			return false
		}
	}
	return true
}

// MinimalCover computes the minimal cover of tokens per spec §4.1: first
// deduplicate by (environment, projects, type) keeping the first occurrence,
// then keep every element not strictly subsumed by another surviving
// element. The result preserves first-seen order, which is the only
// determinism callers should rely on.
func MinimalCover(tokens []Token) []Token {
	deduped := make([]Token, 0, len(tokens))
	for _, t := range tokens {
		dup := false
		for _, seen := range deduped {
			if samePartition(seen, t) {
				dup = true
				break
			}
		}
		if !dup {
			deduped = append(deduped, t)
		}
	}

	cover := make([]Token, 0, len(deduped))
	for i, t := range deduped {
		subsumedByOther := false
		for j, other := range deduped {
			if i == j {
				continue
			}
			if Subsumes(other, t) && !samePartition(other, t) {
				subsumedByOther = true
				break
			}
		}
		if !subsumedByOther {
			cover = append(cover, t)
		}
	}
	return cover
}
