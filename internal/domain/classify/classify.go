// Package classify implements deterministic, first-match rule classification
// of issue events.
package classify

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/okian/buma/internal/domain/model"
)

// MatchMode selects how a rule's patterns are tested.
type MatchMode string

const (
	MatchSubstring MatchMode = "substring"
	MatchRegex     MatchMode = "regex"
)

// Text fields a rule can look at.
const (
	FieldTitle = "title"
	FieldBody  = "body"
)

// Rule maps a predicate over title/body text and labels to a category and
// priority. Weight becomes the confidence of a match.
type Rule struct {
	ID       string
	Category string
	Priority model.Priority
	Weight   float64
	Match    MatchMode
	Patterns []string
	Fields   []string
	Labels   []string
}

type compiledRule struct {
	Rule
	needles []string
	regexps []*regexp.Regexp
	title   bool
	body    bool
	labels  map[string]struct{}
}

// Classifier evaluates an ordered rule list. It holds no mutable state after
// construction and is safe for concurrent use.
type Classifier struct {
	rules      []compiledRule
	categories map[string]struct{}
}

// New compiles rules in order. Rules are validated against the category set
// when WithCategories is given.
func New(rules []Rule, opts ...Option) (*Classifier, error) {
	c := &Classifier{}
	for _, opt := range opts {
		opt(c)
	}

	seen := make(map[string]struct{}, len(rules))
	c.rules = make([]compiledRule, 0, len(rules))
	for i, r := range rules {
		cr, err := c.compile(r)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, r.ID, err)
		}
		if _, dup := seen[r.ID]; dup {
			return nil, fmt.Errorf("rule %d (%s): %w: duplicate id", i, r.ID, ErrInvalidRule)
		}
		seen[r.ID] = struct{}{}
		c.rules = append(c.rules, cr)
	}
	return c, nil
}

func (c *Classifier) compile(r Rule) (compiledRule, error) {
	if strings.TrimSpace(r.ID) == "" {
		return compiledRule{}, fmt.Errorf("%w: empty id", ErrInvalidRule)
	}
	if r.Category == "" || r.Category == model.CategoryUncategorized {
		return compiledRule{}, fmt.Errorf("%w: category %q", ErrInvalidRule, r.Category)
	}
	if c.categories != nil {
		if _, ok := c.categories[r.Category]; !ok {
			return compiledRule{}, fmt.Errorf("%w: category %q not configured", ErrInvalidRule, r.Category)
		}
	}
	if !r.Priority.Valid() {
		return compiledRule{}, fmt.Errorf("%w: priority %d", ErrInvalidRule, int(r.Priority))
	}
	if r.Weight < 0 || r.Weight > 1 {
		return compiledRule{}, fmt.Errorf("%w: weight %v outside [0,1]", ErrInvalidRule, r.Weight)
	}
	if len(r.Patterns) == 0 && len(r.Labels) == 0 {
		return compiledRule{}, fmt.Errorf("%w: no patterns or labels", ErrInvalidRule)
	}

	cr := compiledRule{Rule: r}

	fields := r.Fields
	if len(fields) == 0 {
		fields = []string{FieldTitle, FieldBody}
	}
	for _, f := range fields {
		switch strings.ToLower(f) {
		case FieldTitle:
			cr.title = true
		case FieldBody:
			cr.body = true
		default:
			return compiledRule{}, fmt.Errorf("%w: unknown field %q", ErrInvalidRule, f)
		}
	}

	switch r.Match {
	case MatchSubstring, "":
		cr.Match = MatchSubstring
		for _, p := range r.Patterns {
			cr.needles = append(cr.needles, strings.ToLower(p))
		}
	case MatchRegex:
		for _, p := range r.Patterns {
			re, err := regexp.Compile("(?i)" + p)
			if err != nil {
				return compiledRule{}, fmt.Errorf("%w: pattern %q: %v", ErrInvalidRule, p, err)
			}
			cr.regexps = append(cr.regexps, re)
		}
	default:
		return compiledRule{}, fmt.Errorf("%w: match mode %q", ErrInvalidRule, r.Match)
	}

	if len(r.Labels) > 0 {
		cr.labels = make(map[string]struct{}, len(r.Labels))
		for _, l := range r.Labels {
			cr.labels[strings.ToLower(l)] = struct{}{}
		}
	}
	return cr, nil
}

// Classify returns the classification of the first matching rule, or the
// uncategorized default when none matches.
func (c *Classifier) Classify(ev model.IssueEvent) model.Classification {
	title := strings.ToLower(ev.Title)
	body := strings.ToLower(ev.Body)
	labels := make([]string, len(ev.Labels))
	for i, l := range ev.Labels {
		labels[i] = strings.ToLower(l)
	}

	for i := range c.rules {
		r := &c.rules[i]
		if r.matches(ev.Title, ev.Body, title, body, labels) {
			return model.Classification{
				Category:   r.Category,
				Priority:   r.Priority,
				Confidence: r.Weight,
				RuleIDs:    []string{r.ID},
			}
		}
	}
	return Default()
}

// Default is the classification used when no rule matches.
func Default() model.Classification {
	return model.Classification{
		Category:   model.CategoryUncategorized,
		Priority:   model.PriorityMedium,
		Confidence: 0,
	}
}

// Len returns the number of rules.
func (c *Classifier) Len() int { return len(c.rules) }

func (r *compiledRule) matches(title, body, lowerTitle, lowerBody string, lowerLabels []string) bool {
	if len(r.Patterns) > 0 && !r.textMatches(title, body, lowerTitle, lowerBody) {
		return false
	}
	if r.labels != nil && !r.labelMatches(lowerLabels) {
		return false
	}
	return true
}

func (r *compiledRule) textMatches(title, body, lowerTitle, lowerBody string) bool {
	if r.Match == MatchRegex {
		for _, re := range r.regexps {
			if (r.title && re.MatchString(title)) || (r.body && re.MatchString(body)) {
				return true
			}
		}
		return false
	}
	for _, n := range r.needles {
		if (r.title && strings.Contains(lowerTitle, n)) || (r.body && strings.Contains(lowerBody, n)) {
			return true
		}
	}
	return false
}

func (r *compiledRule) labelMatches(lowerLabels []string) bool {
	for _, l := range lowerLabels {
		if _, ok := r.labels[l]; ok {
			return true
		}
	}
	return false
}
