package guardian

import "strings"

// RiskLevel orders LOW < MEDIUM < HIGH < CRITICAL.
type RiskLevel int

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
	RiskCritical
)

func (l RiskLevel) String() string {
	switch l {
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "low"
	}
}

// RiskScore is the outcome of analyzing one utterance.
type RiskScore struct {
	Level      RiskLevel `json:"level"`
	Score      float64   `json:"score"`
	Sentiment  float64   `json:"sentiment"`
	Keywords   []string  `json:"keywords,omitempty"`
	Category   string    `json:"category,omitempty"`
	Confidence float64   `json:"confidence"`
	Speaker    string    `json:"speaker"`
}

// Keywords holds the categorized risk keyword sets, checked in severity
// order with first non-empty match winning.
type Keywords struct {
	Critical []string
	High     []string
	Medium   []string
}

// DefaultKeywords returns the built-in keyword sets, used until an agent's
// guardian config row overrides them.
func DefaultKeywords() Keywords {
	return Keywords{
		Critical: []string{
			"lawyer", "sue", "lawsuit", "attorney", "legal action",
			"press charges", "court", "litigation",
			"emergency", "kill", "hurt", "harm", "threat",
			"scam", "fraud", "stolen", "police",
		},
		High: []string{
			"manager", "supervisor", "escalate", "higher up",
			"speak to someone else", "your boss",
			"refund", "cancel", "never again", "worst ever",
			"unacceptable", "ridiculous", "outrageous",
			"stupid", "idiot", "incompetent", "useless",
		},
		Medium: []string{
			"frustrated", "annoyed", "disappointed", "upset",
			"angry", "wasting my time", "unbelievable",
			"not working", "broken", "terrible", "awful",
			"horrible", "disgusting",
		},
	}
}

// riskScoreByLevel maps a matched level to its base score.
var riskScoreByLevel = map[RiskLevel]float64{
	RiskLow:      0.1,
	RiskMedium:   0.4,
	RiskHigh:     0.7,
	RiskCritical: 0.95,
}

var (
	legalKeywords      = makeSet("lawyer", "sue", "lawsuit", "attorney", "legal action", "court", "litigation")
	escalationKeywords = makeSet("manager", "supervisor", "escalate", "higher up", "your boss")
	churnKeywords      = makeSet("refund", "cancel", "never again")
	safetyKeywords     = makeSet("emergency", "kill", "hurt", "harm", "threat")
)

func makeSet(words ...string) map[string]bool {
	s := make(map[string]bool, len(words))
	for _, w := range words {
		s[w] = true
	}
	return s
}

// categorize assigns a fixed category to a matched keyword, falling back on
// level-generic buckets.
func categorize(keyword string, level RiskLevel) string {
	switch {
	case legalKeywords[keyword]:
		return "legal_threat"
	case escalationKeywords[keyword]:
		return "escalation_request"
	case churnKeywords[keyword]:
		return "churn_risk"
	case safetyKeywords[keyword]:
		return "safety_concern"
	case level == RiskCritical:
		return "critical_issue"
	case level == RiskHigh:
		return "high_frustration"
	default:
		return "frustration"
	}
}

// matchKeywords scans text against the keyword sets in severity order. The
// first set with any match decides the level; every matching keyword from
// that set is reported. No match returns (RiskLow, nil, "").
func (k Keywords) matchKeywords(text string) (RiskLevel, []string, string) {
	lower := strings.ToLower(text)

	for _, tier := range []struct {
		level RiskLevel
		words []string
	}{
		{RiskCritical, k.Critical},
		{RiskHigh, k.High},
		{RiskMedium, k.Medium},
	} {
		var matched []string
		category := ""
		for _, w := range tier.words {
			if strings.Contains(lower, w) {
				matched = append(matched, w)
				category = categorize(w, tier.level)
			}
		}
		if len(matched) > 0 {
			return tier.level, matched, category
		}
	}
	return RiskLow, nil, ""
}
