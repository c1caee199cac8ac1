package core

import (
	"regexp"
	"strings"
)

// Wildcard is the glob token matching any run of characters in a pattern.
const Wildcard = "*"

// Matcher decides whether a subscription is interested in an event type.
// The three variants (exact, glob, predicate) are evaluated uniformly by
// the dispatcher.
type Matcher interface {
	// Match reports whether the event type is covered by this matcher.
	Match(eventType string) bool

	// Pattern returns the source pattern, or a descriptive name for
	// predicate matchers.
	Pattern() string

	// Exact reports whether the matcher covers exactly one event type.
	// Exact matchers are indexed per type; everything else is scanned.
	Exact() bool
}

// ExactMatcher matches a single event type verbatim.
type ExactMatcher string

func (m ExactMatcher) Match(eventType string) bool { return string(m) == eventType }
func (m ExactMatcher) Pattern() string             { return string(m) }
func (m ExactMatcher) Exact() bool                 { return true }

// GlobMatcher matches event types against a pattern containing the
// wildcard token. The match is anchored to the whole string, so
// "order:*" matches "order:created" but not "orders:created".
type GlobMatcher struct {
	pattern string
	re      *regexp.Regexp
}

// NewGlobMatcher compiles a wildcard pattern into a GlobMatcher.
func NewGlobMatcher(pattern string) GlobMatcher {
	parts := strings.Split(pattern, Wildcard)
	for i, part := range parts {
		parts[i] = regexp.QuoteMeta(part)
	}
	re := regexp.MustCompile("^" + strings.Join(parts, ".*") + "$")
	return GlobMatcher{pattern: pattern, re: re}
}

func (m GlobMatcher) Match(eventType string) bool { return m.re.MatchString(eventType) }
func (m GlobMatcher) Pattern() string             { return m.pattern }
func (m GlobMatcher) Exact() bool                 { return false }

// PredicateMatcher matches event types with an arbitrary predicate.
// It always lives in the scanned (non-indexed) portion of the table.
type PredicateMatcher struct {
	name string
	fn   func(eventType string) bool
}

// NewPredicateMatcher wraps a predicate function as a Matcher.
// The name is used for introspection only.
func NewPredicateMatcher(name string, fn func(eventType string) bool) PredicateMatcher {
	return PredicateMatcher{name: name, fn: fn}
}

func (m PredicateMatcher) Match(eventType string) bool {
	if m.fn == nil {
		return false
	}
	return m.fn(eventType)
}

func (m PredicateMatcher) Pattern() string { return m.name }
func (m PredicateMatcher) Exact() bool     { return false }

// CompileMatcher converts a string pattern into the appropriate matcher:
// patterns containing the wildcard token become glob matchers, everything
// else matches exactly.
func CompileMatcher(pattern string) Matcher {
	if strings.Contains(pattern, Wildcard) {
		return NewGlobMatcher(pattern)
	}
	return ExactMatcher(pattern)
}
