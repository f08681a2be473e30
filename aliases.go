package covdata

import (
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
)

// PathAliases rewrites paths recorded in one environment into their local
// equivalents so measurements taken on different machines or in different
// directories can be combined. Rules are tried in registration order and the
// first match wins; a path matching no rule is returned unchanged.
type PathAliases struct {
	rules    []aliasRule
	relative bool
	fold     bool
}

type aliasRule struct {
	pattern string
	match   *regexp.Regexp
	result  string
	sep     string
}

// AliasOption configures the behavior of a PathAliases.
type AliasOption func(*PathAliases)

// AliasRelative leaves mapped paths exactly as written by the rule instead of
// canonicalizing them, producing relocatable combined output.
func AliasRelative(enabled bool) AliasOption {
	return func(t *PathAliases) {
		t.relative = enabled
	}
}

// AliasCaseSensitive disables the default case folding during matching.
func AliasCaseSensitive(enabled bool) AliasOption {
	return func(t *PathAliases) {
		t.fold = !enabled
	}
}

// NewPathAliases builds an empty rule set.
func NewPathAliases(options ...AliasOption) *PathAliases {
	t := &PathAliases{
		fold: true,
	}

	for _, opt := range options {
		opt(t)
	}

	return t
}

// Add registers a rule mapping any path beginning with the glob pattern onto
// the result directory. The pattern's wildcards may appear anywhere except
// the final path segment; the mapped length would be ambiguous otherwise.
func (t *PathAliases) Add(pattern, result string) error {
	original := pattern

	if len(pattern) > 1 {
		pattern = strings.TrimRight(pattern, `/\`)
	}

	if strings.HasSuffix(pattern, "*") {
		return configErrorf("alias pattern '%s' must not end with wildcards", original)
	}

	// the rule matches an entire leading directory, the boundary separator is
	// part of the match so /home/foo does not claim /home/foobar.
	psep := separator(pattern)
	match, err := globToRegexp(pattern+psep, t.fold)
	if err != nil {
		return configErrorf("alias pattern '%s' is invalid: %s", original, err)
	}

	rsep := separator(result)
	if len(result) > 1 {
		result = strings.TrimRight(result, `/\`)
	}

	t.rules = append(t.rules, aliasRule{
		pattern: original,
		match:   match,
		result:  result + rsep,
		sep:     rsep,
	})

	return nil
}

// Map applies the first matching rule to path, replacing the matched prefix
// and preserving the remainder. Rewriting is best effort, never an error.
func (t *PathAliases) Map(path string) string {
	for _, rule := range t.rules {
		loc := rule.match.FindStringIndex(path)
		if loc == nil {
			continue
		}

		mapped := rule.result + normalizeSeparators(path[loc[1]:], rule.sep)
		if !t.relative {
			mapped = CanonicalFilename(mapped)
		}

		return mapped
	}

	return path
}

// CanonicalFilename returns the absolute, case normalized form of path used
// as a merge key.
func CanonicalFilename(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}

	if runtime.GOOS == "windows" {
		path = strings.ToLower(path)
	}

	return path
}

// separator picks the separator style used by a pattern or replacement,
// defaulting to the portable forward slash.
func separator(s string) string {
	for _, r := range s {
		switch r {
		case '/':
			return "/"
		case '\\':
			return `\`
		}
	}

	return "/"
}

func normalizeSeparators(path, sep string) string {
	if sep == "/" {
		return strings.ReplaceAll(path, `\`, "/")
	}

	return strings.ReplaceAll(path, "/", `\`)
}

// globToRegexp translates a glob into an anchored expression that treats the
// two separator styles interchangeably.
func globToRegexp(pattern string, fold bool) (*regexp.Regexp, error) {
	var b strings.Builder

	if fold {
		b.WriteString("(?i)")
	}
	b.WriteString("^")

	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(`[^/\\]*`)
		case '?':
			b.WriteString(`[^/\\]`)
		case '/', '\\':
			b.WriteString(`[/\\]`)
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}

	return regexp.Compile(b.String())
}
