// Package authority scores source domains by reputation. Scores come from
// YAML rules: TLD suffixes first, then domain groups, then a default.
package authority

import (
	_ "embed"
	"math"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/iago/research-agent/internal/domain"
	"github.com/iago/research-agent/internal/errors"
)

//go:embed rules.yaml
var defaultRules []byte

const fallbackScore = 0.60

// Scorer rates a bare host name in [0,1].
type Scorer interface {
	Score(host string) float64
}

type Rules struct {
	CredibilityRules struct {
		TLDPatterns []struct {
			Suffix      string  `yaml:"suffix"`
			Score       float64 `yaml:"score"`
			Description string  `yaml:"description"`
		} `yaml:"tld_patterns"`

		DomainGroups []struct {
			Category string   `yaml:"category"`
			Score    float64  `yaml:"score"`
			Domains  []string `yaml:"domains"`
		} `yaml:"domain_groups"`

		DefaultScore float64 `yaml:"default_score"`
	} `yaml:"credibility_rules"`
}

// RuleScorer applies a parsed Rules document.
type RuleScorer struct {
	rules Rules
}

// NewRuleScorer parses YAML rules.
func NewRuleScorer(data []byte) (*RuleScorer, error) {
	var rules Rules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, errors.Wrap(err, "parse authority rules")
	}
	if rules.CredibilityRules.DefaultScore <= 0 {
		rules.CredibilityRules.DefaultScore = fallbackScore
	}
	return &RuleScorer{rules: rules}, nil
}

// Load reads rules from path, or the built-in rules when path is empty.
func Load(path string) (*RuleScorer, error) {
	if strings.TrimSpace(path) == "" {
		return NewRuleScorer(defaultRules)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read authority rules %s", path)
	}
	return NewRuleScorer(data)
}

// Default returns the built-in scorer.
func Default() *RuleScorer {
	scorer, err := NewRuleScorer(defaultRules)
	if err != nil {
		panic(err)
	}
	return scorer
}

func (s *RuleScorer) Score(host string) float64 {
	host = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(host)), "www.")
	if host == "" {
		return s.rules.CredibilityRules.DefaultScore
	}

	for _, pattern := range s.rules.CredibilityRules.TLDPatterns {
		if strings.HasSuffix(host, strings.ToLower(pattern.Suffix)) {
			return pattern.Score
		}
	}
	for _, group := range s.rules.CredibilityRules.DomainGroups {
		for _, known := range group.Domains {
			if domainMatches(host, known) {
				return group.Score
			}
		}
	}
	return s.rules.CredibilityRules.DefaultScore
}

// domainMatches is an exact match or a subdomain of pattern.
func domainMatches(host, pattern string) bool {
	pattern = strings.ToLower(pattern)
	return host == pattern || strings.HasSuffix(host, "."+pattern)
}

// CardAuthority is the mean domain score across the citations, rounded to
// four decimals. A card without citations scores 0.
func CardAuthority(scorer Scorer, citations []domain.Citation) float64 {
	if len(citations) == 0 {
		return 0
	}
	var total float64
	for _, citation := range citations {
		total += scorer.Score(domain.DomainOf(citation.SourceURL))
	}
	return math.Round(total/float64(len(citations))*1e4) / 1e4
}
