// Package hap implements the HAPFilter content-moderation contract used by
// the Task Executor's precheck stage (spec §4.5 step 1): a deterministic,
// pure scan of a task's description+inputs, done before any LLM budget is
// spent, so a task that would violate policy fails fast and cheap.
package hap

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Severity is the HAP finding's escalation level.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityBlock
)

func (s Severity) String() string {
	switch s {
	case SeverityNone:
		return "none"
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityBlock:
		return "block"
	default:
		return "unknown"
	}
}

// Result is the HAPFilter's check() output: { severity, categories[],
// confidence }.
type Result struct {
	Severity   Severity
	Categories []string
	Confidence float64
	ContentHash string
}

// Filter is a deterministic, content-hash-keyed keyword/category scanner.
// It does no LLM round-trip: the spec requires check(text) to be pure and
// deterministic per content hash, which a model call cannot guarantee.
type Filter struct {
	categories map[string][]string // category -> trigger phrases (lowercase)
	blockAt    Severity
}

// Config configures category trigger phrases and the block threshold.
type Config struct {
	Categories  map[string][]string
	BlockThreshold Severity
}

func defaultCategories() map[string][]string {
	return map[string][]string{
		"credential_exfiltration": {"dump all secrets", "exfiltrate credentials", "steal api keys", "leak the private key"},
		"destructive_operation":   {"rm -rf /", "drop all tables", "wipe production", "format the disk"},
		"malware":                 {"write a keylogger", "build a ransomware", "create a botnet"},
		"self_harm":               {"how to self harm", "how to hurt myself"},
	}
}

// New constructs a Filter. An empty Config uses the built-in category set
// and blocks at SeverityHigh, so a single category hit is blocked.
func New(cfg Config) *Filter {
	categories := cfg.Categories
	if categories == nil {
		categories = defaultCategories()
	}
	blockAt := cfg.BlockThreshold
	if blockAt == SeverityNone {
		blockAt = SeverityHigh
	}
	lower := make(map[string][]string, len(categories))
	for cat, phrases := range categories {
		lowered := make([]string, len(phrases))
		for i, p := range phrases {
			lowered[i] = strings.ToLower(p)
		}
		lower[cat] = lowered
	}
	return &Filter{categories: lower, blockAt: blockAt}
}

// Check scans text deterministically and returns its HAP severity. The
// same text always produces the same Result — ContentHash lets callers
// verify or cache that guarantee.
func (f *Filter) Check(text string) Result {
	lower := strings.ToLower(text)
	var matched []string
	hits := 0
	for cat, phrases := range f.categories {
		for _, phrase := range phrases {
			if strings.Contains(lower, phrase) {
				matched = append(matched, cat)
				hits++
				break
			}
		}
	}

	severity := severityFor(hits)
	confidence := 0.0
	if hits > 0 {
		confidence = 1.0
	}

	return Result{
		Severity:    severity,
		Categories:  matched,
		Confidence:  confidence,
		ContentHash: hashText(text),
	}
}

func severityFor(hits int) Severity {
	switch {
	case hits == 0:
		return SeverityNone
	case hits == 1:
		return SeverityHigh
	default:
		return SeverityBlock
	}
}

// Blocked reports whether result meets or exceeds the filter's configured
// block threshold.
func (f *Filter) Blocked(r Result) bool {
	return r.Severity >= f.blockAt
}

func hashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
