// Package policy implements the static content policy (spec.md §4.I):
// language detection, a universal denylist, per-language denylists for
// Rust/TypeScript-JavaScript/Python, and a hard-block pass that overrides
// plan authorization entirely.
package policy

import (
	"path/filepath"
	"regexp"
	"strings"
)

// Language is a detected source language.
type Language string

const (
	LangRust       Language = "rust"
	LangTypeScript Language = "typescript"
	LangJavaScript Language = "javascript"
	LangPython     Language = "python"
	LangMarkdown   Language = "markdown"
	LangUnknown    Language = "unknown"
)

var extByLang = map[string]Language{
	".rs": LangRust, ".ts": LangTypeScript, ".tsx": LangTypeScript,
	".js": LangJavaScript, ".jsx": LangJavaScript, ".mjs": LangJavaScript,
	".py": LangPython, ".md": LangMarkdown,
}

// DetectLanguage uses the file extension first, falling back to content
// heuristics when the extension is unknown.
func DetectLanguage(path string, content string) Language {
	if lang, ok := extByLang[strings.ToLower(filepath.Ext(path))]; ok {
		return lang
	}
	switch {
	case strings.Contains(content, "fn ") || strings.Contains(content, "impl ") || strings.Contains(content, "pub fn"):
		return LangRust
	case regexp.MustCompile(`import .+ from`).MatchString(content):
		return LangTypeScript
	case strings.Contains(content, "def ") || strings.Contains(content, "import "):
		return LangPython
	default:
		return LangUnknown
	}
}

// Hit is one denylist match.
type Hit struct {
	Name   string
	Reason string
	Code   string
}

type pattern struct {
	name, reason string
	re           *regexp.Regexp
}

func pat(name, reason, expr string) pattern {
	return pattern{name: name, reason: reason, re: regexp.MustCompile(expr)}
}

var universalPatterns = []pattern{
	pat("todo_marker", "TODO marker left in shipped content", `\bTODO\b`),
	pat("fixme_marker", "FIXME marker left in shipped content", `\bFIXME\b`),
	pat("xxx_marker", "XXX marker left in shipped content", `\bXXX\b`),
	pat("lone_pass", "lone pass statement with no implementation", `(?m)^\s*pass\s*$`),
	pat("empty_catch", "empty catch block swallows errors", `catch\s*\([^)]*\)\s*\{\s*\}`),
	pat("log_only_catch", "catch block only logs and does not handle the error", `catch\s*\([^)]*\)\s*\{\s*(console\.(log|error)|log\.)[^}]*\}`),
	pat("js_noop_catch", "promise catch silently discards the rejection", `\.catch\(\s*\(\)\s*=>\s*\{\s*\}\s*\)`),
	pat("silent_try_catch_return", "try/catch returns silently on failure", `catch[^{]*\{\s*return[^}]*\}`),
	pat("unwrap_or", "unwrap_or masks a failure path", `\bunwrap_or\b`),
	pat("unwrap_or_default", "unwrap_or_default masks a failure path", `\bunwrap_or_default\b`),
	pat("or_else_fallback", "orElse/getOrElse masks a failure path", `\b(orElse|getOrElse)\b`),
	pat("console_log", "console.log left in shipped content", `console\.log\(`),
	pat("assert_false", "assert(false) left in shipped content", `assert\(\s*false\s*\)`),
}

var rustPatterns = []pattern{
	pat("rust_unwrap", "unchecked .unwrap() can panic", `\.unwrap\(\)`),
	pat("rust_expect", "unchecked .expect( can panic", `\.expect\(`),
	pat("rust_panic_macro", "explicit panic! in shipped content", `panic!\(`),
	pat("rust_todo_macro", "todo! macro left unimplemented", `todo!\(`),
	pat("rust_unimplemented_macro", "unimplemented! macro left unimplemented", `unimplemented!\(`),
	pat("rust_unsafe_block", "unsafe block requires explicit review", `unsafe\s*\{`),
	pat("rust_static_mut", "static mut is a data-race hazard", `static mut\b`),
	pat("rust_box_leak", "Box::leak( intentionally leaks memory", `Box::leak\(`),
	pat("rust_allow_attr", "#[allow(...)] suppresses lint diagnostics", `#\[allow\([^)]*\)\]`),
}

var tsJSPatterns = []pattern{
	pat("ts_any", ": any defeats the type system", `:\s*any\b`),
	pat("ts_ignore", "@ts-ignore/@ts-nocheck/@ts-expect-error suppresses type checking", `@ts-(ignore|nocheck|expect-error)`),
	pat("js_math_random", "Math.random() is non-deterministic", `Math\.random\(\)`),
	pat("js_date_now", "Date.now() is non-deterministic", `Date\.now\(\)`),
}

var pythonPatterns = []pattern{
	pat("py_import_random", "import random is non-deterministic", `^\s*import random\b`),
	pat("py_from_random", "from random import is non-deterministic", `^\s*from random import\b`),
	pat("py_import_time", "import time is non-deterministic", `^\s*import time\b`),
	pat("py_time_time", "time.time() is non-deterministic", `time\.time\(\)`),
	pat("py_bare_except", "bare except: swallows all errors", `(?m)^\s*except\s*:\s*$`),
}

var hardBlockPatterns = []pattern{
	pat("bypass_always_allow", "policy-bypass marker 'always allow'", `(?i)always allow`),
	pat("bypass_marker", "policy-bypass marker 'bypass'", `(?i)\bbypass\b`),
	pat("simulate_marker", "simulated-outcome marker SIMULATE", `\bSIMULATE\b`),
	pat("dry_run_marker", "simulated-outcome marker DRY_RUN", `\bDRY_RUN\b`),
	pat("hard_todo", "TODO marker is a hard block", `\bTODO\b`),
	pat("hard_fixme", "FIXME marker is a hard block", `\bFIXME\b`),
	pat("hard_xxx", "XXX marker is a hard block", `\bXXX\b`),
	pat("mock_identifier", "mock data identifier", `\bmock\w*\b`),
	pat("fake_identifier", "fake data identifier", `\bfake\w*\b`),
	pat("dummy_identifier", "dummy data identifier", `\bdummy\w*\b`),
}

func scan(content string, patterns []pattern) []Hit {
	var hits []Hit
	for _, p := range patterns {
		if p.re.MatchString(content) {
			hits = append(hits, Hit{Name: p.name, Reason: p.reason})
		}
	}
	return hits
}

// HardBlockHits runs the hard-block pass, which is never overridable by
// plan authorization (spec.md §4.I, invariant.I5HardBlockOverridesPlan).
func HardBlockHits(content string) []Hit {
	return scan(content, hardBlockPatterns)
}

// UniversalHits runs the universal denylist.
func UniversalHits(content string) []Hit {
	return scan(content, universalPatterns)
}

// LanguageHits runs the per-language denylist for lang. Markdown and
// unknown languages get universal-only (no additional hits here).
func LanguageHits(lang Language, content string) []Hit {
	switch lang {
	case LangRust:
		return scan(content, rustPatterns)
	case LangTypeScript, LangJavaScript:
		return scan(content, tsJSPatterns)
	case LangPython:
		return scan(content, pythonPatterns)
	default:
		return nil
	}
}

// ErrorCodeForLanguage maps a language to its distinct policy violation
// error code.
func ErrorCodeForLanguage(lang Language) string {
	switch lang {
	case LangRust:
		return "RUST_POLICY_VIOLATION"
	case LangTypeScript, LangJavaScript:
		return "TS_POLICY_VIOLATION"
	case LangPython:
		return "PYTHON_POLICY_VIOLATION"
	default:
		return "POLICY_VIOLATION"
	}
}
