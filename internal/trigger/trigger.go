// Package trigger implements the inbound-text matching engine.
package trigger

import (
	"regexp"
	"strings"

	"instareply/internal/model"
)

// Options controls matching policy.
//
// MatchEmptyAny decides whether a rule of type "any" matches empty or
// whitespace-only input. Source deployments disagreed on this, so it is an
// explicit policy knob rather than a hardcoded behavior; the default (false)
// means empty input never matches anything.
type Options struct {
	MatchEmptyAny bool
}

// FirstMatch returns the first rule whose predicate accepts the input, or
// nil when none matches. Rules must already be filtered to active-only and
// ordered ascending by id; the first match wins, with no scoring or
// multi-match aggregation. Note that an "any" rule shadows every rule after
// it — operators must order and activate rules carefully.
func FirstMatch(input string, rules []model.Rule, opts Options) *model.Rule {
	normalized := strings.TrimSpace(input)
	if normalized == "" && !opts.MatchEmptyAny {
		return nil
	}

	for i := range rules {
		if matches(normalized, rules[i]) {
			return &rules[i]
		}
	}
	return nil
}

func matches(input string, r model.Rule) bool {
	value := strings.TrimSpace(r.Value)
	switch r.Type {
	case model.TriggerAny:
		return true
	case model.TriggerEquals:
		return strings.EqualFold(input, value)
	case model.TriggerContains:
		if value == "" {
			return false
		}
		return strings.Contains(strings.ToLower(input), strings.ToLower(value))
	case model.TriggerRegex:
		re, err := regexp.Compile("(?i)" + value)
		if err != nil {
			// A broken pattern is a non-match, not an abort.
			return false
		}
		return re.MatchString(input)
	}
	return false
}

// ValidateType reports whether t is one of the supported trigger types.
func ValidateType(t model.TriggerType) bool {
	switch t {
	case model.TriggerAny, model.TriggerEquals, model.TriggerContains, model.TriggerRegex:
		return true
	}
	return false
}

// ValidateRegex checks whether a pattern compiles, for admin-side validation
// at rule creation time.
func ValidateRegex(pattern string) error {
	_, err := regexp.Compile("(?i)" + pattern)
	return err
}
