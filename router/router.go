// Package router implements the federation core's URI-template route table:
// register a template once under a logical name, match incoming paths back
// to a name plus extracted variables, and build a path from a name plus
// variable values. It is the single source of truth for URL shapes; every
// Context.BuildURL call goes through it.
package router

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrRouteExists is returned by Add when name is already bound.
var ErrRouteExists = errors.New("router: route name already registered")

// ErrTemplateInvalid is returned by Add when template does not start with "/".
var ErrTemplateInvalid = errors.New("router: template must start with /")

type route struct {
	name      string
	template  string
	variables []string
	segments  []segment
	pattern   *regexp.Regexp
	// specificity is the count of literal (non-variable) characters in the
	// template; used to break ties between overlapping templates so the
	// more specific one wins, with insertion order as the final tiebreaker.
	specificity int
}

type segment struct {
	literal  string
	variable string // "" for a literal segment
}

var varRe = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Match is the result of a successful Route call.
type Match struct {
	Name   string
	Values map[string]string
}

// Router holds a fixed-name, fixed-template route table populated once at
// startup. It has no internal locking: the table is written during setup and
// read-only thereafter.
type Router struct {
	byName  map[string]*route
	ordered []*route
}

// New returns an empty Router.
func New() *Router {
	return &Router{byName: make(map[string]*route)}
}

// Add registers template under name and returns the set of variable names
// extracted from it. Fails if name is already bound or template is malformed.
func (r *Router) Add(name, template string) ([]string, error) {
	if !strings.HasPrefix(template, "/") {
		return nil, fmt.Errorf("%w: %q", ErrTemplateInvalid, template)
	}
	if _, exists := r.byName[name]; exists {
		return nil, fmt.Errorf("%w: %q", ErrRouteExists, name)
	}

	segs, vars, pattern, specificity := compile(template)

	rt := &route{
		name:        name,
		template:    template,
		variables:   vars,
		segments:    segs,
		pattern:     pattern,
		specificity: specificity,
	}
	r.byName[name] = rt
	r.ordered = append(r.ordered, rt)

	out := make([]string, len(vars))
	copy(out, vars)
	return out, nil
}

// Has reports whether name is registered.
func (r *Router) Has(name string) bool {
	_, ok := r.byName[name]
	return ok
}

// Route matches pathname against every registered template and returns the
// most specific match (most literal characters), ties broken by insertion
// order (earlier Add wins).
func (r *Router) Route(pathname string) (Match, bool) {
	var best *route
	var bestValues map[string]string

	for _, rt := range r.ordered {
		m := rt.pattern.FindStringSubmatch(pathname)
		if m == nil {
			continue
		}
		values := make(map[string]string, len(rt.variables))
		for i, name := range rt.pattern.SubexpNames() {
			if i == 0 || name == "" {
				continue
			}
			values[name] = m[i]
		}
		if best == nil || rt.specificity > best.specificity {
			best = rt
			bestValues = values
		}
	}

	if best == nil {
		return Match{}, false
	}
	return Match{Name: best.name, Values: bestValues}, true
}

// Build expands the named template with values. Returns false if name is
// unknown or a required variable is missing.
func (r *Router) Build(name string, values map[string]string) (string, bool) {
	rt, ok := r.byName[name]
	if !ok {
		return "", false
	}

	var b strings.Builder
	for _, seg := range rt.segments {
		if seg.variable == "" {
			b.WriteString(seg.literal)
			continue
		}
		v, ok := values[seg.variable]
		if !ok {
			return "", false
		}
		b.WriteString(v)
	}
	return b.String(), true
}

// compile splits a template into literal/variable segments, builds a regexp
// that captures each variable as a named group, and counts literal bytes for
// specificity-based match ordering.
func compile(template string) ([]segment, []string, *regexp.Regexp, int) {
	var segs []segment
	var vars []string
	var patternBuilder strings.Builder
	patternBuilder.WriteByte('^')

	literalLen := 0
	last := 0
	for _, loc := range varRe.FindAllStringSubmatchIndex(template, -1) {
		start, end := loc[0], loc[1]
		name := template[loc[2]:loc[3]]

		literal := template[last:start]
		segs = append(segs, segment{literal: literal})
		patternBuilder.WriteString(regexp.QuoteMeta(literal))
		literalLen += len(literal)

		segs = append(segs, segment{variable: name})
		vars = append(vars, name)
		patternBuilder.WriteString(fmt.Sprintf("(?P<%s>[^/]+)", name))

		last = end
	}
	tail := template[last:]
	segs = append(segs, segment{literal: tail})
	patternBuilder.WriteString(regexp.QuoteMeta(tail))
	literalLen += len(tail)
	patternBuilder.WriteByte('$')

	return segs, vars, regexp.MustCompile(patternBuilder.String()), literalLen
}
