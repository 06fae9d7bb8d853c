// Package validator implements the static half of the Validator
// collaborator used by the Task Executor's stage 3 (spec §4.5): syntax,
// style, and security checks over a produced artifact (no type checking
// is done), reported as
// a flat findings list plus a coverage estimate. Stateless per call —
// Validate never reads or mutates process state between invocations.
package validator

import (
	"context"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"sort"
	"strings"

	"github.com/capsulecraft/orchestrator/pkg/corekit"
)

// Level is a finding's severity. Only LevelError counts against
// confidence scoring (spec §4.5 step 3); LevelWarning is informational.
type Level string

const (
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Finding is one validation report entry: {level, message, location}.
type Finding struct {
	Level    Level
	Message  string
	Location Location
}

// Location pinpoints a Finding within an artifact file.
type Location struct {
	Path string
	Line int
}

// Report is validate()'s return value: { findings[], coverage }.
type Report struct {
	Findings []Finding
	Coverage float64
}

// ErrorCount returns how many findings are LevelError.
func (r Report) ErrorCount() int {
	n := 0
	for _, f := range r.Findings {
		if f.Level == LevelError {
			n++
		}
	}
	return n
}

// Validator is the static-validation contract: validate(artifact,
// language) -> { findings[], coverage }.
type Validator interface {
	Validate(ctx context.Context, artifact corekit.Artifact, language string) (Report, error)
}

// securityPhrases flags source lines whose presence is a strong signal of
// an unsafe or destructive operation landing in generated code; matching
// is substring-based and deliberately conservative (a few false positives
// are preferable to missing an obvious one).
var securityPhrases = []string{
	"os.RemoveAll(\"/\")",
	"exec.Command(\"rm\", \"-rf\"",
	"DROP TABLE",
	"eval(",
}

// StaticValidator is the default Validator. It runs go/parser-based
// checks against ".go" files and falls back to language-agnostic
// line-oriented checks (trailing whitespace, TODO markers, security
// phrase scanning) for every other file, so non-Go artifacts still get a
// coverage figure and a findings list instead of being skipped outright.
type StaticValidator struct{}

// New constructs a StaticValidator. There is no configuration: the checks
// it runs are fixed, matching the spec's "stateless per call" contract.
func New() *StaticValidator {
	return &StaticValidator{}
}

func (v *StaticValidator) Validate(ctx context.Context, artifact corekit.Artifact, language string) (Report, error) {
	var findings []Finding
	checked := 0

	paths := artifact.Paths()
	sort.Strings(paths)

	for _, path := range paths {
		select {
		case <-ctx.Done():
			return Report{}, corekit.NewClassifiedError("validator.Validate", corekit.KindCancellation, "", ctx.Err())
		default:
		}

		content := artifact.Files[path]
		if strings.HasSuffix(path, ".go") {
			findings = append(findings, validateGoFile(path, content)...)
		} else {
			findings = append(findings, validateGenericFile(path, content)...)
		}
		checked++
	}

	coverage := estimateCoverage(artifact, language)

	return Report{Findings: findings, Coverage: coverage}, nil
}

func validateGoFile(path string, content []byte) []Finding {
	var findings []Finding

	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, path, content, parser.ParseComments)
	if err != nil {
		return []Finding{{
			Level:    LevelError,
			Message:  fmt.Sprintf("syntax error: %v", err),
			Location: Location{Path: path, Line: 0},
		}}
	}

	if file.Name == nil || file.Name.Name == "" {
		findings = append(findings, Finding{
			Level:    LevelError,
			Message:  "missing package declaration",
			Location: Location{Path: path},
		})
	}

	hasFuncs := false
	ast.Inspect(file, func(n ast.Node) bool {
		switch decl := n.(type) {
		case *ast.FuncDecl:
			hasFuncs = true
			if decl.Name != nil && decl.Name.Name == "" {
				findings = append(findings, Finding{
					Level:    LevelWarning,
					Message:  "function has an empty name",
					Location: Location{Path: path, Line: fset.Position(decl.Pos()).Line},
				})
			}
		case *ast.CallExpr:
			if sel, ok := decl.Fun.(*ast.SelectorExpr); ok {
				if ident, ok := sel.X.(*ast.Ident); ok && ident.Name == "fmt" && sel.Sel.Name == "Println" {
					findings = append(findings, Finding{
						Level:    LevelWarning,
						Message:  "fmt.Println left in generated code; prefer structured logging",
						Location: Location{Path: path, Line: fset.Position(decl.Pos()).Line},
					})
				}
			}
		}
		return true
	})

	if !hasFuncs {
		findings = append(findings, Finding{
			Level:    LevelWarning,
			Message:  "file declares no functions",
			Location: Location{Path: path},
		})
	}

	findings = append(findings, scanLines(path, string(content))...)
	return findings
}

func validateGenericFile(path string, content []byte) []Finding {
	return scanLines(path, string(content))
}

func scanLines(path, content string) []Finding {
	var findings []Finding
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lineNo := i + 1
		if strings.TrimRight(line, " \t") != line {
			findings = append(findings, Finding{
				Level:    LevelWarning,
				Message:  "trailing whitespace",
				Location: Location{Path: path, Line: lineNo},
			})
		}
		for _, phrase := range securityPhrases {
			if strings.Contains(line, phrase) {
				findings = append(findings, Finding{
					Level:    LevelError,
					Message:  fmt.Sprintf("disallowed destructive pattern: %q", phrase),
					Location: Location{Path: path, Line: lineNo},
				})
			}
		}
		if strings.Contains(line, "TODO") {
			findings = append(findings, Finding{
				Level:    LevelWarning,
				Message:  "unresolved TODO in delivered artifact",
				Location: Location{Path: path, Line: lineNo},
			})
		}
	}
	return findings
}

// estimateCoverage is a heuristic stand-in for test-coverage instrumentation:
// it looks for a sibling file under a tests/ prefix or suffixed _test.go
// per source file and reports the ratio. A language with no test files at
// all in the artifact reports zero, which is a legitimate, low-confidence
// answer rather than an error.
func estimateCoverage(artifact corekit.Artifact, language string) float64 {
	sourceCount, testedCount := 0, 0
	for path := range artifact.Files {
		if strings.HasSuffix(path, "_test.go") || strings.HasPrefix(path, "tests/") {
			continue
		}
		if !looksLikeSource(path) {
			continue
		}
		sourceCount++
		if hasTestFor(artifact, path) {
			testedCount++
		}
	}
	if sourceCount == 0 {
		return 0
	}
	return float64(testedCount) / float64(sourceCount)
}

func looksLikeSource(path string) bool {
	for _, ext := range []string{".go", ".py", ".js", ".ts", ".java", ".rb"} {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}
	return false
}

func hasTestFor(artifact corekit.Artifact, sourcePath string) bool {
	base := strings.TrimSuffix(sourcePath, ext(sourcePath))
	candidates := []string{
		base + "_test" + ext(sourcePath),
		"tests/" + sourcePath,
		"test_" + sourcePath,
	}
	for _, c := range candidates {
		if _, ok := artifact.Files[c]; ok {
			return true
		}
	}
	return false
}

func ext(path string) string {
	idx := strings.LastIndex(path, ".")
	if idx < 0 {
		return ""
	}
	return path[idx:]
}
