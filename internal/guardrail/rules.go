package guardrail

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync/atomic"
	"unicode"

	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	"opsagent/internal/types"
)

//go:embed rules.yaml
var defaultRulesYAML []byte

// maxPatternLength bounds rule regexes loaded from disk.
const maxPatternLength = 512

// Rule is one ordered pattern in a rule list.
type Rule struct {
	ID      string           `yaml:"id"`
	Reason  types.ReasonCode `yaml:"reason"`
	Pattern string           `yaml:"pattern"`

	re *regexp.Regexp
}

// Matches reports whether the rule's pattern occurs in text.
func (r Rule) Matches(text string) bool {
	return r.re != nil && r.re.MatchString(text)
}

// RuleSet is a versioned collection of ordered rule lists shared by the
// input guardrail, output guardrail and policy gate.
type RuleSet struct {
	Version        string                      `yaml:"version"`
	MaxInputChars  int                         `yaml:"max_input_chars"`
	Input          []Rule                      `yaml:"input"`
	Output         []Rule                      `yaml:"output"`
	MutationClaims []Rule                      `yaml:"mutation_claims"`
	Arguments      []Rule                      `yaml:"arguments"`
	Intents        map[types.ToolName][]string `yaml:"intents"`
}

// ParseRules decodes and compiles a rules document.
func ParseRules(data []byte) (*RuleSet, error) {
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("failed to parse rules: %w", err)
	}
	if strings.TrimSpace(rs.Version) == "" {
		return nil, fmt.Errorf("rules: version is required")
	}

	lists := []struct {
		name   string
		rules  []Rule
		reason []types.ReasonCode
	}{
		{"input", rs.Input, []types.ReasonCode{types.ReasonExfiltrationAttempt, types.ReasonOutOfScope}},
		{"output", rs.Output, []types.ReasonCode{types.ReasonSecretLeak}},
		{"mutation_claims", rs.MutationClaims, []types.ReasonCode{types.ReasonUnbackedMutationClaim}},
		{"arguments", rs.Arguments, []types.ReasonCode{types.ReasonExfiltrationInArguments}},
	}
	for _, l := range lists {
		if err := compileList(l.name, l.rules, l.reason); err != nil {
			return nil, err
		}
	}

	for tool := range rs.Intents {
		if !tool.Known() || !tool.IsMutating() {
			return nil, fmt.Errorf("rules: intents declared for non-mutating or unknown tool %q", tool)
		}
	}
	return &rs, nil
}

func compileList(name string, rules []Rule, allowed []types.ReasonCode) error {
	seen := make(map[string]bool, len(rules))
	for i := range rules {
		r := &rules[i]
		if r.ID == "" {
			return fmt.Errorf("rules: %s[%d] has no id", name, i)
		}
		if seen[r.ID] {
			return fmt.Errorf("rules: duplicate id %q in %s", r.ID, name)
		}
		seen[r.ID] = true

		if !reasonAllowed(r.Reason, allowed) {
			return fmt.Errorf("rules: %s has reason %q not valid for %s", r.ID, r.Reason, name)
		}
		if r.Pattern == "" || len(r.Pattern) > maxPatternLength {
			return fmt.Errorf("rules: %s pattern must be 1-%d bytes", r.ID, maxPatternLength)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return fmt.Errorf("rules: %s: %w", r.ID, err)
		}
		r.re = re
	}
	return nil
}

func reasonAllowed(r types.ReasonCode, allowed []types.ReasonCode) bool {
	for _, a := range allowed {
		if r == a {
			return true
		}
	}
	return false
}

// DefaultRules returns the compiled embedded ruleset.
func DefaultRules() *RuleSet {
	rs, err := ParseRules(defaultRulesYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded guardrail rules are invalid: %v", err))
	}
	return rs
}

// LoadRules reads a rules file, or returns the embedded rules when path is empty.
func LoadRules(path string) (*RuleSet, error) {
	if path == "" {
		return DefaultRules(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules: %w", err)
	}
	return ParseRules(data)
}

// FirstMatch returns the first rule in the list matching text.
func FirstMatch(rules []Rule, text string) (Rule, bool) {
	for _, r := range rules {
		if r.Matches(text) {
			return r, true
		}
	}
	return Rule{}, false
}

// HasIntent reports whether text contains one of the tool's intent phrases.
func (rs *RuleSet) HasIntent(tool types.ToolName, text string) bool {
	lower := strings.ToLower(strings.Join(strings.Fields(Normalize(text)), " "))
	for _, phrase := range rs.Intents[tool] {
		if strings.Contains(lower, strings.ToLower(phrase)) {
			return true
		}
	}
	return false
}

// Normalize folds compatibility characters and strips invisible format
// characters so look-alike and zero-width tricks reach the patterns intact.
func Normalize(text string) string {
	folded := norm.NFKC.String(text)
	return strings.Map(func(r rune) rune {
		if unicode.Is(unicode.Cf, r) {
			return -1
		}
		return r
	}, folded)
}

// Holder publishes the active ruleset to concurrent readers.
type Holder struct {
	p atomic.Pointer[RuleSet]
}

// NewHolder returns a holder initialised with rs.
func NewHolder(rs *RuleSet) *Holder {
	h := &Holder{}
	h.p.Store(rs)
	return h
}

// Load returns the active ruleset. It may be nil if none was stored.
func (h *Holder) Load() *RuleSet {
	if h == nil {
		return nil
	}
	return h.p.Load()
}

// Store swaps in a new ruleset.
func (h *Holder) Store(rs *RuleSet) {
	h.p.Store(rs)
}
