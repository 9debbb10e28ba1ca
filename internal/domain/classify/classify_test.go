package classify_test

import (
	"errors"
	"testing"

	"github.com/okian/buma/internal/domain/classify"
	"github.com/okian/buma/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
)

func rules() []classify.Rule {
	return []classify.Rule{
		{
			ID: "auth-crash", Category: "auth", Priority: model.PriorityCritical, Weight: 0.9,
			Match: classify.MatchSubstring, Patterns: []string{"login", "oauth"}, Fields: []string{"title"},
		},
		{
			ID: "ui-label", Category: "ui", Priority: model.PriorityLow, Weight: 0.6,
			Labels: []string{"UI", "css"},
		},
		{
			ID: "perf-regex", Category: "performance", Priority: model.PriorityHigh, Weight: 0.7,
			Match: classify.MatchRegex, Patterns: []string{`\bslow(ness)?\b`, `latency\s+\d+ms`},
		},
		{
			ID: "bug-crash", Category: "bug", Priority: model.PriorityHigh, Weight: 0.5,
			Patterns: []string{"crash"}, Labels: []string{"bug"},
		},
	}
}

func newClassifier() *classify.Classifier {
	c, err := classify.New(rules(), classify.WithCategories([]string{"auth", "ui", "performance", "bug"}))
	So(err, ShouldBeNil)
	return c
}

func TestClassify(t *testing.T) {
	Convey("Given an ordered rule set", t, func() {
		c := newClassifier()

		Convey("When the title matches the first rule", func() {
			cls := c.Classify(model.IssueEvent{Title: "Crash on LOGIN", Labels: []string{"bug"}})

			Convey("Then the first matching rule should win", func() {
				So(cls.Category, ShouldEqual, "auth")
				So(cls.Priority, ShouldEqual, model.PriorityCritical)
				So(cls.Confidence, ShouldEqual, 0.9)
				So(cls.RuleIDs, ShouldResemble, []string{"auth-crash"})
			})
		})

		Convey("When only the body mentions login", func() {
			cls := c.Classify(model.IssueEvent{Title: "Broken", Body: "login fails"})

			Convey("Then a title-only rule should not fire", func() {
				So(cls.Category, ShouldNotEqual, "auth")
			})
		})

		Convey("When a label matches case-insensitively", func() {
			cls := c.Classify(model.IssueEvent{Title: "Button misaligned", Labels: []string{"ui"}})

			Convey("Then the label rule should fire", func() {
				So(cls.Category, ShouldEqual, "ui")
				So(cls.Confidence, ShouldEqual, 0.6)
			})
		})

		Convey("When a regex pattern matches the body", func() {
			cls := c.Classify(model.IssueEvent{Title: "Dashboard", Body: "Observed LATENCY  450ms on load"})

			Convey("Then the regex rule should fire", func() {
				So(cls.Category, ShouldEqual, "performance")
				So(cls.RuleIDs, ShouldResemble, []string{"perf-regex"})
			})
		})

		Convey("When a rule needs both text and label but only text matches", func() {
			cls := c.Classify(model.IssueEvent{Title: "App crash at startup"})

			Convey("Then it should not fire", func() {
				So(cls.Category, ShouldEqual, model.CategoryUncategorized)
			})
		})

		Convey("When a rule needs both text and label and both match", func() {
			cls := c.Classify(model.IssueEvent{Title: "App crash at startup", Labels: []string{"Bug"}})

			Convey("Then it should fire", func() {
				So(cls.Category, ShouldEqual, "bug")
			})
		})

		Convey("When nothing matches", func() {
			cls := c.Classify(model.IssueEvent{Title: "Question about docs"})

			Convey("Then the default classification should be returned", func() {
				So(cls, ShouldResemble, classify.Default())
				So(cls.Priority, ShouldEqual, model.PriorityMedium)
				So(cls.Confidence, ShouldEqual, 0.0)
				So(cls.RuleIDs, ShouldBeEmpty)
			})
		})

		Convey("When classifying the same event twice", func() {
			ev := model.IssueEvent{Title: "Slow page", Body: "very slow", Labels: []string{"css"}}
			first := c.Classify(ev)
			second := c.Classify(ev)

			Convey("Then both results should be identical", func() {
				So(first, ShouldResemble, second)
				So(first.Category, ShouldEqual, "ui")
			})
		})
	})
}

func TestNewValidation(t *testing.T) {
	Convey("Given invalid rules", t, func() {
		base := classify.Rule{ID: "r", Category: "auth", Priority: model.PriorityHigh, Weight: 0.5, Patterns: []string{"x"}}
		cases := map[string]func(*classify.Rule){
			"an empty id":          func(r *classify.Rule) { r.ID = "" },
			"an unknown category":  func(r *classify.Rule) { r.Category = "billing" },
			"no priority":          func(r *classify.Rule) { r.Priority = 0 },
			"a weight above one":   func(r *classify.Rule) { r.Weight = 1.5 },
			"a negative weight":    func(r *classify.Rule) { r.Weight = -0.1 },
			"no conditions":        func(r *classify.Rule) { r.Patterns = nil },
			"a bad regex":          func(r *classify.Rule) { r.Match = classify.MatchRegex; r.Patterns = []string{"("} },
			"an unknown mode":      func(r *classify.Rule) { r.Match = "fuzzy" },
			"an unknown field":     func(r *classify.Rule) { r.Fields = []string{"comments"} },
			"the default category": func(r *classify.Rule) { r.Category = model.CategoryUncategorized },
		}

		for name, mutate := range cases {
			Convey("When a rule has "+name, func() {
				r := base
				mutate(&r)
				_, err := classify.New([]classify.Rule{r}, classify.WithCategories([]string{"auth"}))

				Convey("Then construction should fail with ErrInvalidRule", func() {
					So(errors.Is(err, classify.ErrInvalidRule), ShouldBeTrue)
				})
			})
		}

		Convey("When two rules share an id", func() {
			_, err := classify.New([]classify.Rule{base, base})

			Convey("Then construction should fail", func() {
				So(errors.Is(err, classify.ErrInvalidRule), ShouldBeTrue)
			})
		})

		Convey("When no category set is configured", func() {
			r := base
			r.Category = "anything"
			c, err := classify.New([]classify.Rule{r})

			Convey("Then any category should be accepted", func() {
				So(err, ShouldBeNil)
				So(c.Len(), ShouldEqual, 1)
			})
		})
	})
}
