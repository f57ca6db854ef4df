package validation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/temisangerrard/kai-ledger/internal/model"
)

var (
	// ErrOptionNotFound is returned when the requested option does not
	// exist on the market, or neither a position nor an option ID was
	// supplied.
	ErrOptionNotFound = errors.New("validation: option not found")

	// ErrOptionAmbiguous is returned when a legacy yes/no position does
	// not map to a unique option of a market with more than two options.
	// Such requests must carry an explicit option ID instead.
	ErrOptionAmbiguous = errors.New("validation: position does not identify a unique option")

	// ErrOptionMismatch is returned when both a position and an option ID
	// are supplied but disagree about which option is meant.
	ErrOptionMismatch = errors.New("validation: position and option_id disagree")
)

// Keyword groups for the legacy heuristic that maps yes/no positions onto
// options of markets with more than two options. Historical data contains
// position-only commitments against such markets, phrased like
// "stay together" vs "break up".
var (
	yesKeywords = []string{"yes", "stay", "together", "remain"}
	noKeywords  = []string{"no", "break", "up", "leave", "split"}
)

// ResolveOption normalizes the dual position/option_id representation to a
// single option, returning the option and the derived legacy position.
//
// Rules:
//   - An explicit option ID always wins; the position (if also given) must
//     agree with the derived one.
//   - For binary markets, "yes" means the first option and "no" the second.
//   - For markets with more than two options, a position-only request is
//     resolved by keyword matching against option text; anything that does
//     not match exactly one option is rejected with ErrOptionAmbiguous
//     rather than guessed.
func ResolveOption(m *model.Market, position model.Position, optionID string) (*model.MarketOption, model.Position, error) {
	if optionID != "" {
		opt := m.Option(optionID)
		if opt == nil {
			return nil, "", fmt.Errorf("%w: option %s on market %s", ErrOptionNotFound, optionID, m.ID)
		}
		derived := derivePosition(m, optionID)
		if position != "" && position != derived {
			return nil, "", fmt.Errorf("%w: position %q, option %s implies %q",
				ErrOptionMismatch, position, optionID, derived)
		}
		return opt, derived, nil
	}

	switch position {
	case model.PositionYes, model.PositionNo:
	case "":
		return nil, "", fmt.Errorf("%w: either position or option_id is required", ErrOptionNotFound)
	default:
		return nil, "", fmt.Errorf("%w: unknown position %q", ErrOptionNotFound, position)
	}

	if m.IsBinary() {
		if position == model.PositionYes {
			return &m.Options[0], position, nil
		}
		return &m.Options[1], position, nil
	}

	keywords := yesKeywords
	if position == model.PositionNo {
		keywords = noKeywords
	}

	var match *model.MarketOption
	for i := range m.Options {
		if !containsKeyword(m.Options[i].Text, keywords) {
			continue
		}
		if match != nil {
			return nil, "", fmt.Errorf("%w: %q matches multiple options on market %s",
				ErrOptionAmbiguous, position, m.ID)
		}
		match = &m.Options[i]
	}
	if match == nil {
		return nil, "", fmt.Errorf("%w: %q matches no option on market %s; supply option_id",
			ErrOptionAmbiguous, position, m.ID)
	}
	return match, position, nil
}

// derivePosition maps an option back onto the legacy binary slot: the
// market's first option reads as "yes", everything else as "no".
func derivePosition(m *model.Market, optionID string) model.Position {
	if len(m.Options) > 0 && m.Options[0].ID == optionID {
		return model.PositionYes
	}
	return model.PositionNo
}

// containsKeyword reports whether any keyword appears as a whole word in
// the option text, case-insensitively. Whole-word matching keeps "no"
// from matching inside "nominee".
func containsKeyword(text string, keywords []string) bool {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	for _, w := range words {
		for _, kw := range keywords {
			if w == kw {
				return true
			}
		}
	}
	return false
}
