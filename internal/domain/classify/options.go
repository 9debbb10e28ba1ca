package classify

import "strings"

// Option configures a Classifier.
type Option func(*Classifier)

// WithCategories restricts rules to a closed category set.
func WithCategories(categories []string) Option {
	return func(c *Classifier) {
		if len(categories) == 0 {
			return
		}
		c.categories = make(map[string]struct{}, len(categories))
		for _, cat := range categories {
			c.categories[strings.TrimSpace(cat)] = struct{}{}
		}
	}
}
