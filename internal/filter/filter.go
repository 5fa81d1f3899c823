// Package filter strips low-value assembler directives from compiler output.
//
// Clang emits call-frame-information (.cfi_*) and linker-optimization-hint
// (.loh) pseudo-ops on nearly every function. They carry no information for
// someone reading the generated code, so by default each delivered fragment
// has those lines removed. The transform is pure and works on one fragment at
// a time.
package filter

import (
	"regexp"
	"strings"
)

// DefaultPrefixes are the directive names stripped when none are configured.
var DefaultPrefixes = []string{"cfi_", "loh"}

// Filter removes whole lines whose first token is a matching directive.
// A nil *Filter passes text through unchanged.
type Filter struct {
	re *regexp.Regexp
}

// New builds a filter for directives starting with ".<prefix>".
// With no prefixes it returns nil, which is a pass-through filter.
func New(prefixes []string) *Filter {
	quoted := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		p = strings.TrimPrefix(strings.TrimSpace(p), ".")
		if p == "" {
			continue
		}
		quoted = append(quoted, regexp.QuoteMeta(p))
	}
	if len(quoted) == 0 {
		return nil
	}

	// A matched line takes its own terminator with it, so neighbours stay
	// byte-for-byte intact.
	pattern := `(?m)^[ \t]*\.(?:` + strings.Join(quoted, "|") + `)[^\n]*(?:\n|$)`
	return &Filter{re: regexp.MustCompile(pattern)}
}

// Default returns a filter for DefaultPrefixes.
func Default() *Filter {
	return New(DefaultPrefixes)
}

// Apply returns text with matching directive lines removed.
func (f *Filter) Apply(text string) string {
	if f == nil || text == "" {
		return text
	}
	return f.re.ReplaceAllString(text, "")
}
