// Package secureeval implements the server-static half of the layered
// Secure-Eval Policy: a pattern scan over caller-supplied source rejecting
// network I/O, dynamic code execution, storage access, prototype-escape,
// window-navigation, and worker/script-loading primitives, plus
// obfuscation heuristics. The extension's dynamic proxy layer is the other
// half and is out of scope here; both must approve before code runs.
package secureeval

import (
	"errors"
	"regexp"
	"strings"
)

// ErrBlockedApi is returned when the source references a disallowed API.
var ErrBlockedApi = errors.New("blocked_api")

// blockedPatterns lists the disallowed identifiers/expressions, grouped by
// the capability they'd grant the page-context code if allowed through.
var blockedPatterns = []struct {
	category string
	re       *regexp.Regexp
}{
	{"network", regexp.MustCompile(`\bfetch\s*\(`)},
	{"network", regexp.MustCompile(`\bXMLHttpRequest\b`)},
	{"network", regexp.MustCompile(`\bWebSocket\b`)},
	{"network", regexp.MustCompile(`\bEventSource\b`)},
	{"network", regexp.MustCompile(`\bsendBeacon\b`)},
	{"network", regexp.MustCompile(`navigator\s*\.\s*sendBeacon\b`)},

	{"dynamic-code", regexp.MustCompile(`\beval\s*\(`)},
	{"dynamic-code", regexp.MustCompile(`\bFunction\s*\(`)},
	{"dynamic-code", regexp.MustCompile(`\bnew\s+Function\b`)},
	{"dynamic-code", regexp.MustCompile(`\bset(?:Timeout|Interval)\s*\(\s*['"` + "`" + `]`)},

	{"storage", regexp.MustCompile(`\blocalStorage\b`)},
	{"storage", regexp.MustCompile(`\bsessionStorage\b`)},
	{"storage", regexp.MustCompile(`\bindexedDB\b`)},
	{"storage", regexp.MustCompile(`document\s*\.\s*cookie\b`)},

	{"prototype-escape", regexp.MustCompile(`\bconstructor\b`)},
	{"prototype-escape", regexp.MustCompile(`__proto__`)},
	{"prototype-escape", regexp.MustCompile(`\bReflect\b`)},
	{"prototype-escape", regexp.MustCompile(`\bProxy\b`)},
	{"prototype-escape", regexp.MustCompile(`\bgetPrototypeOf\b`)},
	{"prototype-escape", regexp.MustCompile(`\bsetPrototypeOf\b`)},
	{"prototype-escape", regexp.MustCompile(`\bdefineProperty\b`)},

	{"window-navigation", regexp.MustCompile(`window\s*\.\s*open\b`)},
	{"window-navigation", regexp.MustCompile(`location\s*\.\s*assign\b`)},
	{"window-navigation", regexp.MustCompile(`location\s*\.\s*replace\b`)},
	{"window-navigation", regexp.MustCompile(`document\s*\.\s*write(?:ln)?\s*\(`)},

	{"worker", regexp.MustCompile(`\bnew\s+Worker\b`)},
	{"worker", regexp.MustCompile(`\bSharedWorker\b`)},
	{"worker", regexp.MustCompile(`\bimportScripts\b`)},
}

// denseBracketIndexing flags obfuscated property access like a["b"]["c"].
var denseBracketIndexing = regexp.MustCompile(`(\[\s*['"][^'"\]]*['"]\s*\]\s*){4,}`)

// massCharCode flags bulk String.fromCharCode obfuscation.
var massCharCode = regexp.MustCompile(`String\s*\.\s*fromCharCode\s*\(([^)]*,){5,}`)

// Violation describes one rejected pattern match.
type Violation struct {
	Category string
	Match    string
}

// Check scans source for blocked APIs and obfuscation heuristics. It
// returns the full set of violations found (possibly empty) and, if any
// exist, ErrBlockedApi; callers surface the category list in the
// structured error's hint.
func Check(source string) ([]Violation, error) {
	var violations []Violation

	for _, bp := range blockedPatterns {
		if loc := bp.re.FindString(source); loc != "" {
			violations = append(violations, Violation{Category: bp.category, Match: strings.TrimSpace(loc)})
		}
	}
	if denseBracketIndexing.MatchString(source) {
		violations = append(violations, Violation{Category: "obfuscation", Match: "dense bracket indexing"})
	}
	if massCharCode.MatchString(source) {
		violations = append(violations, Violation{Category: "obfuscation", Match: "mass String.fromCharCode"})
	}

	if len(violations) > 0 {
		return violations, ErrBlockedApi
	}
	return nil, nil
}
