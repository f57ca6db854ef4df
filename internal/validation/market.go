package validation

import (
	"fmt"
	"strings"
	"time"
)

// Market draft bounds.
const (
	minTitleLen       = 10
	maxTitleLen       = 150
	maxDescriptionLen = 2000
	minOptions        = 2
	maxOptions        = 8
	maxMarketHorizon  = 2 * 365 * 24 * time.Hour
)

// subjectiveTerms trigger a warning: markets phrased around them tend to
// be unresolvable because reasonable people disagree on the outcome.
var subjectiveTerms = []string{
	"best", "worst", "better", "greatest", "prettiest", "funniest",
	"coolest", "most beautiful", "most talented", "overrated",
}

// MarketDraft is the market-creation input validated before the platform
// persists a market.
type MarketDraft struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Options     []string  `json:"options"`
	EndsAt      time.Time `json:"ends_at"`
}

// ValidateMarketDraft checks a market-creation draft. Hard failures
// (lengths, option count, end date) become errors; subjectivity
// heuristics become warnings.
func ValidateMarketDraft(draft MarketDraft) Result {
	var res Result

	title := strings.TrimSpace(draft.Title)
	switch {
	case title == "":
		res.addError("title", CodeMissingField, "Title is required")
	case len(title) < minTitleLen:
		res.addError("title", CodeInvalidField,
			fmt.Sprintf("Title must be at least %d characters", minTitleLen))
	case len(title) > maxTitleLen:
		res.addError("title", CodeInvalidField,
			fmt.Sprintf("Title must be at most %d characters", maxTitleLen))
	}

	if len(draft.Description) > maxDescriptionLen {
		res.addError("description", CodeInvalidField,
			fmt.Sprintf("Description must be at most %d characters", maxDescriptionLen))
	}

	lowerTitle := strings.ToLower(title)
	for _, term := range subjectiveTerms {
		if strings.Contains(lowerTitle, term) {
			res.addWarning("title", CodeInvalidField,
				fmt.Sprintf("Title contains subjective term %q; the market may be hard to resolve objectively", term))
			break
		}
	}

	switch {
	case len(draft.Options) < minOptions:
		res.addError("options", CodeInvalidField,
			fmt.Sprintf("Market needs at least %d options", minOptions))
	case len(draft.Options) > maxOptions:
		res.addError("options", CodeInvalidField,
			fmt.Sprintf("Market allows at most %d options", maxOptions))
	}

	seen := make(map[string]bool, len(draft.Options))
	for i, opt := range draft.Options {
		trimmed := strings.TrimSpace(opt)
		if trimmed == "" {
			res.addError("options", CodeInvalidField,
				fmt.Sprintf("Option %d is empty", i+1))
			continue
		}
		key := strings.ToLower(trimmed)
		if seen[key] {
			res.addError("options", CodeInvalidField,
				fmt.Sprintf("Duplicate option: %q", trimmed))
		}
		seen[key] = true
	}

	now := time.Now().UTC()
	switch {
	case draft.EndsAt.IsZero():
		res.addError("ends_at", CodeMissingField, "End date is required")
	case !draft.EndsAt.After(now):
		res.addError("ends_at", CodeInvalidField, "End date must be in the future")
	case draft.EndsAt.After(now.Add(maxMarketHorizon)):
		res.addError("ends_at", CodeInvalidField, "End date is too far in the future")
	}

	return res.finalize()
}
