// Package route maps inbound paths to backend services and rewrites them to
// the backend's own path layout.
package route

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"storefront-gateway/internal/transform"
)

// ErrAmbiguousRoute is returned when two rules of equal priority can match
// the same path.
var ErrAmbiguousRoute = errors.New("ambiguous route")

// MatchKind selects how a rule pattern is compared with a path.
type MatchKind int

const (
	// MatchPrefix matches any path starting with the pattern.
	MatchPrefix MatchKind = iota
	// MatchExact matches only the pattern itself.
	MatchExact
)

// RewriteKind selects the path transform applied on a match.
type RewriteKind int

const (
	// RewriteIdentity forwards the path unchanged.
	RewriteIdentity RewriteKind = iota
	// RewriteSubstitute replaces the literal prefix From with To.
	RewriteSubstitute
	// RewriteStrip removes the literal prefix From.
	RewriteStrip
)

// Rewrite is a path transform.
type Rewrite struct {
	Kind RewriteKind
	From string
	To   string
}

// Apply returns the outbound path for p. Paths that do not start with From
// are returned unchanged.
func (r Rewrite) Apply(p string) string {
	switch r.Kind {
	case RewriteSubstitute:
		if strings.HasPrefix(p, r.From) {
			return r.To + p[len(r.From):]
		}
	case RewriteStrip:
		if strings.HasPrefix(p, r.From) {
			rest := p[len(r.From):]
			if rest == "" {
				return "/"
			}
			if rest[0] != '/' {
				rest = "/" + rest
			}
			return rest
		}
	}
	return p
}

// appliesTo reports whether Apply would transform p.
func (r Rewrite) appliesTo(p string) bool {
	return r.Kind == RewriteIdentity || strings.HasPrefix(p, r.From)
}

// Rule routes paths matching Pattern to Backend.
type Rule struct {
	Name     string
	Match    MatchKind
	Pattern  string
	Backend  string
	Rewrite  Rewrite
	Schema   transform.Schema // non-nil selects typed multipart forwarding
	Priority int              // lower runs first
}

func (r *Rule) matches(p string) bool {
	if r.Match == MatchExact {
		return p == r.Pattern
	}
	return strings.HasPrefix(p, r.Pattern)
}

// overlaps reports whether some path could match both rules.
func (r *Rule) overlaps(o *Rule) bool {
	switch {
	case r.Match == MatchExact && o.Match == MatchExact:
		return r.Pattern == o.Pattern
	case r.Match == MatchExact:
		return o.matches(r.Pattern)
	case o.Match == MatchExact:
		return r.matches(o.Pattern)
	default:
		return strings.HasPrefix(r.Pattern, o.Pattern) || strings.HasPrefix(o.Pattern, r.Pattern)
	}
}

// Match is the result of a successful resolution.
type Match struct {
	Rule    *Rule
	Backend string
	BaseURL string
	Path    string // rewritten path
}

// Table is an immutable, ordered set of rules.
type Table struct {
	rules    []*Rule
	backends map[string]string
}

// NewTable validates rules and orders them by priority, then by pattern
// length so the more specific rule wins. backends maps service names to base
// URLs; every rule must reference one of them.
func NewTable(rules []Rule, backends map[string]string) (*Table, error) {
	t := &Table{
		rules:    make([]*Rule, 0, len(rules)),
		backends: make(map[string]string, len(backends)),
	}
	for name, u := range backends {
		t.backends[name] = strings.TrimRight(u, "/")
	}

	for i := range rules {
		r := rules[i]
		if r.Pattern == "" || r.Pattern[0] != '/' {
			return nil, fmt.Errorf("route %q: pattern must start with '/'", r.Name)
		}
		if _, ok := t.backends[r.Backend]; !ok {
			return nil, fmt.Errorf("route %q: unknown backend %q", r.Name, r.Backend)
		}
		for _, prev := range t.rules {
			if prev.Priority == r.Priority && prev.overlaps(&r) {
				return nil, fmt.Errorf("%w: %q and %q share priority %d", ErrAmbiguousRoute, prev.Pattern, r.Pattern, r.Priority)
			}
		}
		t.rules = append(t.rules, &r)
	}

	sort.SliceStable(t.rules, func(i, j int) bool {
		if t.rules[i].Priority != t.rules[j].Priority {
			return t.rules[i].Priority < t.rules[j].Priority
		}
		return len(t.rules[i].Pattern) > len(t.rules[j].Pattern)
	})
	return t, nil
}

// Resolve finds the first rule matching path. Matching ignores the method.
func (t *Table) Resolve(_ string, path string) (Match, bool) {
	for _, r := range t.rules {
		if !r.matches(path) {
			continue
		}
		return Match{
			Rule:    r,
			Backend: r.Backend,
			BaseURL: t.backends[r.Backend],
			Path:    r.Rewrite.Apply(path),
		}, true
	}
	return Match{}, false
}

// ResolveURL matches on the decoded path of u but rewrites its escaped form,
// so encoded delimiters such as %2F and %3F reach the backend as sent. The
// returned Path is escaped.
func (t *Table) ResolveURL(method string, u *url.URL) (Match, bool) {
	m, ok := t.Resolve(method, u.Path)
	if !ok {
		return m, false
	}
	escaped := u.EscapedPath()
	if m.Rule.Rewrite.appliesTo(escaped) {
		m.Path = m.Rule.Rewrite.Apply(escaped)
	} else {
		// The rewrite prefix itself was percent-encoded by the client.
		m.Path = (&url.URL{Path: m.Path}).EscapedPath()
	}
	return m, true
}

// Rules returns the rules in evaluation order.
func (t *Table) Rules() []Rule {
	out := make([]Rule, len(t.rules))
	for i, r := range t.rules {
		out[i] = *r
	}
	return out
}
