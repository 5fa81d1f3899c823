package invocation

import (
	"regexp"
	"strings"
)

// In-buffer annotations, usually placed in a comment:
//
//	// compile-asm-skip-warnings
//	// compile-asm-output: -emit-llvm -S
//	// compile-asm-args: -DNDEBUG -fno-exceptions
const (
	MarkerSkipWarnings = "compile-asm-skip-warnings"
	MarkerOutput       = "compile-asm-output:"
	MarkerArgs         = "compile-asm-args:"
)

var (
	skipWarningsRe = regexp.MustCompile(regexp.QuoteMeta(MarkerSkipWarnings))
	outputRe       = regexp.MustCompile(regexp.QuoteMeta(MarkerOutput) + `[ \t]*([^\n]*)`)
	argsRe         = regexp.MustCompile(regexp.QuoteMeta(MarkerArgs) + `[ \t]*([^\n]*)`)
	importRe       = regexp.MustCompile(`(?m)^[ \t]*@import\b`)
)

// Annotations are the compile hints found in a source buffer.
type Annotations struct {
	SkipWarnings bool     // drop compile_warning_flags
	OutputKind   []string // replaces the default -S, nil when absent
	Args         []string // extra per-file arguments, from every args marker
	UsesModules  bool     // the buffer has an @import, add -fmodules
}

// Scan extracts annotations from text.
func Scan(text string) Annotations {
	var a Annotations

	a.SkipWarnings = skipWarningsRe.MatchString(text)
	a.UsesModules = importRe.MatchString(text)

	if m := outputRe.FindStringSubmatch(text); m != nil {
		if fields := strings.Fields(m[1]); len(fields) > 0 {
			a.OutputKind = fields
		}
	}

	for _, m := range argsRe.FindAllStringSubmatch(text, -1) {
		a.Args = append(a.Args, strings.Fields(m[1])...)
	}

	return a
}
