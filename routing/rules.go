package routing

import (
	"path/filepath"
	"strings"
)

// Pure rule tables mapping file types and error classes onto the
// workflows that usually handle them. These feed both the hint
// multiplier in scoring and the Suggest* helpers exposed to tooling.

var fileSuggestions = map[string][]string{
	".go":   {"code-review", "test-generation"},
	".py":   {"code-review", "test-generation"},
	".js":   {"code-review", "security-audit"},
	".ts":   {"code-review", "security-audit"},
	".java": {"code-review", "test-generation"},
	".rs":   {"code-review"},
	".c":    {"security-audit", "code-review"},
	".h":    {"security-audit", "code-review"},
	".sql":  {"security-audit"},
	".sh":   {"security-audit"},
	".tf":   {"security-audit", "release-prep"},
	".yaml": {"release-prep"},
	".yml":  {"release-prep"},
	".md":   {"release-prep"},
}

var fileNameSuggestions = map[string][]string{
	"dockerfile":   {"security-audit", "release-prep"},
	"makefile":     {"release-prep"},
	"changelog.md": {"release-prep"},
	"go.mod":       {"release-prep"},
}

// SuggestForFile returns workflows that commonly apply to a file,
// most relevant first. Unknown types return nil.
func SuggestForFile(path string) []string {
	base := strings.ToLower(filepath.Base(path))
	if names, ok := fileNameSuggestions[base]; ok {
		return names
	}
	if strings.HasSuffix(base, "_test.go") || strings.HasPrefix(base, "test_") {
		return []string{"test-generation", "code-review"}
	}
	return fileSuggestions[strings.ToLower(filepath.Ext(base))]
}

var errorSuggestions = map[string][]string{
	"panic":            {"bug-predict", "code-review"},
	"nil_pointer":      {"bug-predict", "code-review"},
	"race":             {"bug-predict", "code-review"},
	"deadlock":         {"bug-predict"},
	"oom":              {"bug-predict"},
	"timeout":          {"bug-predict"},
	"injection":        {"security-audit"},
	"auth":             {"security-audit"},
	"xss":              {"security-audit"},
	"crypto":           {"security-audit"},
	"dependency_vuln":  {"security-audit", "release-prep"},
	"test_failure":     {"test-generation", "bug-predict"},
	"flaky_test":       {"test-generation"},
	"regression":       {"bug-predict", "release-prep"},
	"breaking_change":  {"release-prep", "code-review"},
	"lint":             {"code-review"},
	"compile":          {"code-review"},
}

// SuggestForError returns workflows that triage an error class.
// Classes are matched case-insensitively; unknown classes return nil.
func SuggestForError(errorClass string) []string {
	return errorSuggestions[strings.ToLower(strings.TrimSpace(errorClass))]
}
