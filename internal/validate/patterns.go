package validate

import (
	"regexp"
	"strings"
)

// patternClass is one deny-list class: a family of syntactic constructs
// associated with sandbox escape or resource abuse.
type patternClass struct {
	name     string
	patterns []*regexp.Regexp
}

// denyList covers the constructs a sandboxed script must never contain.
// Filesystem and network *modules* are also unregisterable imports and
// would already fail stage 2; the entries here catch the global-object
// forms that need no import at all.
var denyList = []patternClass{
	{
		name: "dynamic-evaluation",
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`\beval\s*\(`),
			regexp.MustCompile(`\bnew\s+Function\b`),
			regexp.MustCompile(`\bFunction\s*\(`),
			regexp.MustCompile("\\bset(?:Timeout|Interval)\\s*\\(\\s*['\"`]"),
			regexp.MustCompile(`\bimport\s*\(`), // dynamic import()
		},
	},
	{
		name: "process-control",
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`\bprocess\s*[.\[]`),
			regexp.MustCompile(`\bchild_process\b`),
			regexp.MustCompile(`\bworker_threads\b`),
		},
	},
	{
		name: "filesystem",
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`\b__dirname\b`),
			regexp.MustCompile(`\b__filename\b`),
			regexp.MustCompile(`(?:^|['"/])\.\./`), // parent-directory traversal
		},
	},
	{
		name: "network",
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`\bfetch\s*\(`),
			regexp.MustCompile(`\bXMLHttpRequest\b`),
			regexp.MustCompile(`\bWebSocket\b`),
		},
	},
	{
		name: "introspection",
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`\bglobalThis\b`),
			regexp.MustCompile(`\bReflect\s*[.\[]`),
			regexp.MustCompile(`__proto__`),
			regexp.MustCompile(`\.\s*constructor\s*[.\[(]`),
		},
	},
}

// bannedIdents are the identifiers the fullscan stage looks for in the
// normalized source. Matches require non-identifier characters on both
// sides, so "retrieval" does not trip "eval".
var bannedIdents = []string{
	"eval",
	"Function",
	"child_process",
	"worker_threads",
	"globalThis",
	"XMLHttpRequest",
	"WebSocket",
	"Reflect",
	"__proto__",
	"process",
	"require",
}

// scanPatterns runs the deny-list over the raw source. Returns the class
// name and matched text, or empty strings when clean.
func scanPatterns(source string) (class, match string) {
	for _, pc := range denyList {
		for _, re := range pc.patterns {
			if m := re.FindString(source); m != "" {
				return pc.name, strings.TrimSpace(m)
			}
		}
	}
	return "", ""
}

// scanNormalized strips quotes, backticks, concatenation operators, and
// whitespace from the source, then looks for banned identifiers with
// non-identifier boundaries. This is what catches "ev" + "al" style
// reconstruction: the quotes and plus collapse away and the identifier
// reappears in the normalized text.
//
// "require" in the banned list is not a contradiction with stage 2:
// literal require("x") calls were already resolved there, and this stage
// runs on normalized text where a legitimate require("capabilities/search")
// still matches an import the registry accepted. Only require reached
// through reconstruction — which stage 2 could not see — remains, and any
// reconstructed require is hostile by definition. To keep legitimate
// imports from tripping the scan, spans matched by stage 2's extractors
// are blanked before normalization.
func scanNormalized(source string) string {
	blanked := blankLegitImports(source)
	normalized := normalize(blanked)
	for _, ident := range bannedIdents {
		if containsIdent(normalized, ident) {
			return ident
		}
	}
	return ""
}

// blankLegitImports replaces spans matched by the import extractors with
// spaces, preserving offsets.
func blankLegitImports(source string) string {
	b := []byte(source)
	for _, re := range []*regexp.Regexp{requireRe, importRe} {
		for _, loc := range re.FindAllStringIndex(source, -1) {
			for i := loc[0]; i < loc[1]; i++ {
				b[i] = ' '
			}
		}
	}
	return string(b)
}

// normalize removes the characters used to split identifiers across
// string fragments.
func normalize(source string) string {
	var b strings.Builder
	b.Grow(len(source))
	for _, r := range source {
		switch r {
		case '"', '\'', '`', '+', ' ', '\t', '\n', '\r':
			// dropped
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// containsIdent reports whether ident occurs in s with non-identifier
// characters (or string edges) on both sides.
func containsIdent(s, ident string) bool {
	for from := 0; ; {
		i := strings.Index(s[from:], ident)
		if i < 0 {
			return false
		}
		i += from
		before := i == 0 || !isIdentChar(s[i-1])
		afterIdx := i + len(ident)
		after := afterIdx >= len(s) || !isIdentChar(s[afterIdx])
		if before && after {
			return true
		}
		from = i + 1
	}
}

func isIdentChar(c byte) bool {
	return c == '_' || c == '$' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
