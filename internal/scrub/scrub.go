// Package scrub redacts personal data from free text.
//
// Rules run in order, so more specific detectors (structured id numbers) must come
// before generic ones (phone numbers) that could otherwise consume part of a match.
package scrub

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Strategy says what happens to a match.
type Strategy string

const (
	// StrategyRedact replaces the match with a fixed placeholder.
	StrategyRedact Strategy = "redact"
	// StrategyMask keeps a readable hint of the match, such as the first letter of an email.
	StrategyMask Strategy = "mask"
	// StrategyDrop removes the match entirely.
	StrategyDrop Strategy = "drop"
)

// Placeholder is the default redaction token.
const Placeholder = "[REDACTED]"

// Rule declares one detector.
type Rule struct {
	Name        string   `yaml:"name"`
	Pattern     string   `yaml:"pattern"`
	Strategy    Strategy `yaml:"strategy"`
	Replacement string   `yaml:"replacement,omitempty"`
}

type compiledRule struct {
	name        string
	expr        *regexp.Regexp
	strategy    Strategy
	replacement string
}

// Scrubber applies an immutable, ordered rule list. It holds no mutable state and
// is safe for concurrent use.
type Scrubber struct {
	rules []compiledRule
}

// DefaultRules returns the builtin detectors in evaluation order.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:     "ssn",
			Pattern:  `\b\d{3}[- ]?\d{2}[- ]?\d{4}\b`,
			Strategy: StrategyRedact,
		},
		{
			Name:     "phone",
			Pattern:  `(?:\+?\d{1,2}[\s.-]?)?(?:\(\d{3}\)|\b\d{3})[\s.-]?\d{3}[\s.-]?\d{4}\b`,
			Strategy: StrategyRedact,
		},
		{
			Name:     "email",
			Pattern:  `(?i)\b[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}\b`,
			Strategy: StrategyMask,
		},
		{
			Name:     "secret",
			Pattern:  `(?i)\b(?:access_token|api[_-]?key|bearer)[:=\s]+[a-z0-9~_\-.]{16,}`,
			Strategy: StrategyDrop,
		},
	}
}

// New compiles rules. An empty list falls back to DefaultRules.
func New(rules []Rule) (*Scrubber, error) {
	if len(rules) == 0 {
		rules = DefaultRules()
	}

	compiled := make([]compiledRule, 0, len(rules))
	for _, rule := range rules {
		name := strings.TrimSpace(rule.Name)
		if name == "" {
			return nil, fmt.Errorf("scrub: rule name is required")
		}
		if strings.TrimSpace(rule.Pattern) == "" {
			return nil, fmt.Errorf("scrub: pattern is required for rule %s", name)
		}
		strategy := rule.Strategy
		if strategy == "" {
			strategy = StrategyRedact
		}
		switch strategy {
		case StrategyRedact, StrategyMask, StrategyDrop:
		default:
			return nil, fmt.Errorf("scrub: unsupported strategy %q for rule %s", strategy, name)
		}
		expr, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("scrub: invalid pattern for rule %s: %w", name, err)
		}
		replacement := rule.Replacement
		if replacement == "" {
			replacement = Placeholder
		}
		compiled = append(compiled, compiledRule{
			name:        name,
			expr:        expr,
			strategy:    strategy,
			replacement: replacement,
		})
	}
	return &Scrubber{rules: compiled}, nil
}

// MustDefault returns a Scrubber with the builtin rules.
func MustDefault() *Scrubber {
	s, err := New(DefaultRules())
	if err != nil {
		panic(err)
	}
	return s
}

// LoadRules reads an ordered rule list from a YAML file of the form
//
//	rules:
//	  - name: student-number
//	    pattern: '\bS\d{7}\b'
//	    strategy: redact
func LoadRules(path string) ([]Rule, error) {
	if path == "" {
		return DefaultRules(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("scrub: read rules: %w", err)
	}
	var doc struct {
		Rules []Rule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("scrub: parse rules: %w", err)
	}
	if len(doc.Rules) == 0 {
		return nil, fmt.Errorf("scrub: %s defines no rules", path)
	}
	return doc.Rules, nil
}

// Scrub returns text with every rule applied in order.
func (s *Scrubber) Scrub(text string) string {
	if text == "" {
		return text
	}
	out := text
	for _, rule := range s.rules {
		switch rule.strategy {
		case StrategyRedact:
			out = rule.expr.ReplaceAllLiteralString(out, rule.replacement)
		case StrategyMask:
			out = rule.expr.ReplaceAllStringFunc(out, mask)
		case StrategyDrop:
			out = rule.expr.ReplaceAllLiteralString(out, "")
		}
	}
	return out
}

// Detect reports whether any rule matches text.
func (s *Scrubber) Detect(text string) bool {
	for _, rule := range s.rules {
		if rule.expr.MatchString(text) {
			return true
		}
	}
	return false
}

// Rules lists the rule names in evaluation order.
func (s *Scrubber) Rules() []string {
	names := make([]string, len(s.rules))
	for i, r := range s.rules {
		names[i] = r.name
	}
	return names
}

// mask keeps the first character of a value (the local part for emails) and
// hides the rest.
func mask(match string) string {
	if at := strings.IndexByte(match, '@'); at > 0 {
		return match[:1] + "***" + match[at:]
	}
	r := []rune(match)
	if len(r) <= 1 {
		return "*"
	}
	return string(r[0]) + strings.Repeat("*", len(r)-1)
}
