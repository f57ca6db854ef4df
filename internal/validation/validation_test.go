package validation_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/temisangerrard/kai-ledger/internal/model"
	"github.com/temisangerrard/kai-ledger/internal/store"
	"github.com/temisangerrard/kai-ledger/internal/validation"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func binaryMarket() *model.Market {
	return &model.Market{
		ID:     "m1",
		Title:  "Will they stay together through the season finale?",
		Status: model.MarketActive,
		EndsAt: time.Now().UTC().Add(48 * time.Hour),
		Options: []model.MarketOption{
			{ID: "opt-yes", Text: "Yes", TotalTokens: d(500)},
			{ID: "opt-no", Text: "No", TotalTokens: d(300)},
		},
	}
}

func relationshipMarket() *model.Market {
	return &model.Market{
		ID:     "m2",
		Title:  "What happens to the couple by the reunion special?",
		Status: model.MarketActive,
		EndsAt: time.Now().UTC().Add(48 * time.Hour),
		Options: []model.MarketOption{
			{ID: "opt-stay", Text: "They stay together"},
			{ID: "opt-split", Text: "They break up"},
			{ID: "opt-pause", Text: "They go on a break but reconcile"},
		},
	}
}

// --- Option resolution ---

func TestResolveOption_BinaryPositions(t *testing.T) {
	m := binaryMarket()

	opt, pos, err := validation.ResolveOption(m, model.PositionYes, "")
	if err != nil {
		t.Fatalf("yes resolution failed: %v", err)
	}
	if opt.ID != "opt-yes" || pos != model.PositionYes {
		t.Errorf("yes resolved to %s/%s", opt.ID, pos)
	}

	opt, pos, err = validation.ResolveOption(m, model.PositionNo, "")
	if err != nil {
		t.Fatalf("no resolution failed: %v", err)
	}
	if opt.ID != "opt-no" || pos != model.PositionNo {
		t.Errorf("no resolved to %s/%s", opt.ID, pos)
	}
}

func TestResolveOption_ExplicitIDDerivesPosition(t *testing.T) {
	m := binaryMarket()

	opt, pos, err := validation.ResolveOption(m, "", "opt-no")
	if err != nil {
		t.Fatalf("resolution failed: %v", err)
	}
	if opt.ID != "opt-no" {
		t.Errorf("option = %s, want opt-no", opt.ID)
	}
	if pos != model.PositionNo {
		t.Errorf("derived position = %s, want no", pos)
	}
}

func TestResolveOption_PositionOptionMismatch(t *testing.T) {
	m := binaryMarket()

	_, _, err := validation.ResolveOption(m, model.PositionYes, "opt-no")
	if !errors.Is(err, validation.ErrOptionMismatch) {
		t.Errorf("err = %v, want ErrOptionMismatch", err)
	}
}

func TestResolveOption_UnknownOption(t *testing.T) {
	m := binaryMarket()

	_, _, err := validation.ResolveOption(m, "", "opt-missing")
	if !errors.Is(err, validation.ErrOptionNotFound) {
		t.Errorf("err = %v, want ErrOptionNotFound", err)
	}
}

func TestResolveOption_NeitherGiven(t *testing.T) {
	m := binaryMarket()

	_, _, err := validation.ResolveOption(m, "", "")
	if !errors.Is(err, validation.ErrOptionNotFound) {
		t.Errorf("err = %v, want ErrOptionNotFound", err)
	}
}

func TestResolveOption_KeywordMatching(t *testing.T) {
	m := relationshipMarket()

	// "yes" maps onto the lone option containing "stay"/"together".
	opt, _, err := validation.ResolveOption(m, model.PositionYes, "")
	if err != nil {
		t.Fatalf("yes keyword resolution failed: %v", err)
	}
	if opt.ID != "opt-stay" {
		t.Errorf("yes resolved to %s, want opt-stay", opt.ID)
	}

	// "no" matches both "break up" and "go on a break": ambiguous, and
	// ambiguity is rejected rather than guessed.
	_, _, err = validation.ResolveOption(m, model.PositionNo, "")
	if !errors.Is(err, validation.ErrOptionAmbiguous) {
		t.Errorf("err = %v, want ErrOptionAmbiguous", err)
	}
}

func TestResolveOption_KeywordNoMatch(t *testing.T) {
	m := &model.Market{
		ID:     "m3",
		Status: model.MarketActive,
		EndsAt: time.Now().UTC().Add(time.Hour),
		Options: []model.MarketOption{
			{ID: "a", Text: "Amara wins"},
			{ID: "b", Text: "Bayo wins"},
			{ID: "c", Text: "Chiamaka wins"},
		},
	}

	_, _, err := validation.ResolveOption(m, model.PositionYes, "")
	if !errors.Is(err, validation.ErrOptionAmbiguous) {
		t.Errorf("err = %v, want ErrOptionAmbiguous", err)
	}
}

func TestResolveOption_WholeWordsOnly(t *testing.T) {
	// "no" must not match inside "nominee".
	m := &model.Market{
		ID:     "m4",
		Status: model.MarketActive,
		EndsAt: time.Now().UTC().Add(time.Hour),
		Options: []model.MarketOption{
			{ID: "a", Text: "The nominee is announced early"},
			{ID: "b", Text: "The ceremony is postponed"},
			{ID: "c", Text: "Neither happens"},
		},
	}

	_, _, err := validation.ResolveOption(m, model.PositionNo, "")
	if !errors.Is(err, validation.ErrOptionAmbiguous) {
		t.Errorf("err = %v, want ErrOptionAmbiguous (no whole-word match)", err)
	}
}

// --- Commitment validation ---

func newValidator(t *testing.T) (*validation.CommitmentValidator, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	v := validation.NewCommitmentValidator(ms, validation.Limits{
		MinTokens: d(1),
		MaxTokens: d(10000),
	})
	return v, ms
}

func seed(t *testing.T, ms *store.MemoryStore, m *model.Market, userID string, available float64) {
	t.Helper()
	if m != nil {
		if err := ms.CreateMarket(context.Background(), m); err != nil {
			t.Fatalf("failed to seed market: %v", err)
		}
	}
	if userID != "" {
		err := ms.ApplyLedgerTx(context.Background(), store.LedgerTx{
			Balance: &model.UserBalance{
				UserID:          userID,
				AvailableTokens: d(available),
				TotalEarned:     d(available),
				Version:         1,
				LastUpdated:     time.Now().UTC(),
			},
		})
		if err != nil {
			t.Fatalf("failed to seed balance: %v", err)
		}
	}
}

func TestValidate_AllChecksPass(t *testing.T) {
	v, ms := newValidator(t)
	seed(t, ms, binaryMarket(), "user1", 1000)

	res := v.Validate(context.Background(), model.CommitmentRequest{
		UserID:         "user1",
		PredictionID:   "m1",
		Position:       model.PositionYes,
		TokensToCommit: d(100),
	})
	if !res.Valid {
		t.Errorf("expected valid, got %v", res.Errors)
	}
}

func TestValidate_CollectsEveryFailure(t *testing.T) {
	v, _ := newValidator(t)

	res := v.Validate(context.Background(), model.CommitmentRequest{
		UserID:         "",
		PredictionID:   "nope",
		TokensToCommit: d(0),
	})
	if res.Valid {
		t.Fatal("expected invalid")
	}

	fields := map[string]bool{}
	for _, fe := range res.Errors {
		fields[fe.Field] = true
	}
	for _, want := range []string{"user_id", "prediction_id", "tokens_to_commit"} {
		if !fields[want] {
			t.Errorf("missing error for %s in %v", want, res.Errors)
		}
	}
}

func TestValidate_MarketNotFoundMessage(t *testing.T) {
	v, ms := newValidator(t)
	seed(t, ms, nil, "user1", 1000)

	res := v.Validate(context.Background(), model.CommitmentRequest{
		UserID:         "user1",
		PredictionID:   "ghost-market",
		Position:       model.PositionYes,
		TokensToCommit: d(100),
	})
	if res.Valid {
		t.Fatal("expected invalid")
	}
	found := false
	for _, fe := range res.Errors {
		if fe.Code == validation.CodeMarketNotFound && strings.Contains(fe.Message, "ghost-market") {
			found = true
		}
	}
	if !found {
		t.Errorf("errors = %v, want market_not_found naming the market", res.Errors)
	}
}

func TestValidate_ClosedMarket(t *testing.T) {
	v, ms := newValidator(t)
	m := binaryMarket()
	m.Status = model.MarketResolved
	seed(t, ms, m, "user1", 1000)

	res := v.Validate(context.Background(), model.CommitmentRequest{
		UserID:         "user1",
		PredictionID:   "m1",
		Position:       model.PositionYes,
		TokensToCommit: d(100),
	})
	if res.Valid {
		t.Fatal("expected invalid for resolved market")
	}
}

func TestValidate_EndedMarket(t *testing.T) {
	v, ms := newValidator(t)
	m := binaryMarket()
	m.EndsAt = time.Now().UTC().Add(-time.Minute)
	seed(t, ms, m, "user1", 1000)

	res := v.Validate(context.Background(), model.CommitmentRequest{
		UserID:         "user1",
		PredictionID:   "m1",
		Position:       model.PositionYes,
		TokensToCommit: d(100),
	})
	if res.Valid {
		t.Fatal("expected invalid for ended market")
	}
}

func TestValidate_AmountChecks(t *testing.T) {
	v, ms := newValidator(t)
	seed(t, ms, binaryMarket(), "user1", 100000)

	cases := []struct {
		name   string
		tokens decimal.Decimal
		valid  bool
	}{
		{"negative", d(-5), false},
		{"zero", d(0), false},
		{"fractional", d(10.5), false},
		{"above max", d(10001), false},
		{"at max", d(10000), true},
		{"at min", d(1), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := v.Validate(context.Background(), model.CommitmentRequest{
				UserID:         "user1",
				PredictionID:   "m1",
				Position:       model.PositionYes,
				TokensToCommit: tc.tokens,
			})
			if res.Valid != tc.valid {
				t.Errorf("valid = %v, want %v (errors %v)", res.Valid, tc.valid, res.Errors)
			}
		})
	}
}

func TestValidate_InsufficientBalanceMessage(t *testing.T) {
	v, ms := newValidator(t)
	seed(t, ms, binaryMarket(), "user1", 50)

	res := v.Validate(context.Background(), model.CommitmentRequest{
		UserID:         "user1",
		PredictionID:   "m1",
		Position:       model.PositionYes,
		TokensToCommit: d(100),
	})
	if res.Valid {
		t.Fatal("expected invalid")
	}
	found := false
	for _, fe := range res.Errors {
		if strings.Contains(fe.Message, "Insufficient balance") &&
			strings.Contains(fe.Message, "50") && strings.Contains(fe.Message, "100") {
			found = true
		}
	}
	if !found {
		t.Errorf("errors = %v, want insufficient balance with both amounts", res.Errors)
	}
}

func TestValidate_MissingBalanceReadsAsZero(t *testing.T) {
	v, ms := newValidator(t)
	seed(t, ms, binaryMarket(), "", 0)

	res := v.Validate(context.Background(), model.CommitmentRequest{
		UserID:         "stranger",
		PredictionID:   "m1",
		Position:       model.PositionYes,
		TokensToCommit: d(1),
	})
	if res.Valid {
		t.Fatal("expected invalid for user with no balance record")
	}
	found := false
	for _, fe := range res.Errors {
		if fe.Code == validation.CodeInsufficientBalance {
			found = true
		}
	}
	if !found {
		t.Errorf("errors = %v, want insufficient_balance", res.Errors)
	}
}

// --- Market drafts ---

func TestValidateMarketDraft(t *testing.T) {
	future := time.Now().UTC().Add(30 * 24 * time.Hour)

	res := validation.ValidateMarketDraft(validation.MarketDraft{
		Title:   "Will the reunion special air before October?",
		Options: []string{"Yes", "No"},
		EndsAt:  future,
	})
	if !res.Valid {
		t.Errorf("expected valid, got %v", res.Errors)
	}

	res = validation.ValidateMarketDraft(validation.MarketDraft{
		Title:   "Too short",
		Options: []string{"Yes"},
		EndsAt:  time.Now().UTC().Add(-time.Hour),
	})
	if res.Valid {
		t.Fatal("expected invalid")
	}
	if len(res.Errors) < 3 {
		t.Errorf("errors = %v, want title, options, and end-date failures", res.Errors)
	}
}

func TestValidateMarketDraft_DuplicateOptions(t *testing.T) {
	res := validation.ValidateMarketDraft(validation.MarketDraft{
		Title:   "Which couple survives the season?",
		Options: []string{"Yes", "yes "},
		EndsAt:  time.Now().UTC().Add(24 * time.Hour),
	})
	if res.Valid {
		t.Fatal("expected invalid for case-insensitive duplicate options")
	}
}

func TestValidateMarketDraft_SubjectiveTitleWarns(t *testing.T) {
	res := validation.ValidateMarketDraft(validation.MarketDraft{
		Title:   "Who is the best dancer on the show this year?",
		Options: []string{"Amara", "Bayo"},
		EndsAt:  time.Now().UTC().Add(24 * time.Hour),
	})
	if !res.Valid {
		t.Errorf("warnings must not affect validity: %v", res.Errors)
	}
	if len(res.Warnings) == 0 {
		t.Error("expected a subjectivity warning")
	}
}

// --- Evidence sanitization ---

func TestValidateEvidence_StripsInvisibles(t *testing.T) {
	in := validation.Evidence{Content: "off​icial statement"}
	out, res := validation.ValidateEvidence(in)
	if !res.Valid {
		t.Fatalf("expected valid, got %v", res.Errors)
	}
	if out.Content != "official statement" {
		t.Errorf("sanitized = %q, want %q", out.Content, "official statement")
	}
}

func TestValidateEvidence_OnlyInvisiblesIsEmpty(t *testing.T) {
	_, res := validation.ValidateEvidence(validation.Evidence{Content: "​‌  ⁠"})
	if res.Valid {
		t.Fatal("content of only invisible characters must fail as empty")
	}
}

func TestValidateEvidence_NFCNormalization(t *testing.T) {
	// e + combining acute composes to the single rune é.
	out, res := validation.ValidateEvidence(validation.Evidence{Content: "café"})
	if !res.Valid {
		t.Fatalf("expected valid, got %v", res.Errors)
	}
	if out.Content != "café" {
		t.Errorf("normalized = %q, want café", out.Content)
	}
}

func TestValidateEvidence_URLScheme(t *testing.T) {
	_, res := validation.ValidateEvidence(validation.Evidence{
		Content: "see link",
		URL:     "javascript:alert(1)",
	})
	if res.Valid {
		t.Fatal("javascript URL must be rejected")
	}

	_, res = validation.ValidateEvidence(validation.Evidence{
		Content: "see link",
		URL:     "https://example.com/article",
	})
	if !res.Valid {
		t.Errorf("https URL rejected: %v", res.Errors)
	}
}

func TestValidateEvidence_FilenameTraversal(t *testing.T) {
	_, res := validation.ValidateEvidence(validation.Evidence{
		Content:  "screenshot",
		Filename: "../../etc/passwd",
	})
	if res.Valid {
		t.Fatal("path traversal filename must be rejected")
	}
}

func TestValidateEvidence_FieldNames(t *testing.T) {
	_, res := validation.ValidateEvidence(validation.Evidence{
		Content: "notes",
		Fields:  map[string]string{"__proto__": "x"},
	})
	if res.Valid {
		t.Fatal("reserved dunder field name must be rejected")
	}

	_, res = validation.ValidateEvidence(validation.Evidence{
		Content: "notes",
		Fields:  map[string]string{"a.b": "x"},
	})
	if res.Valid {
		t.Fatal("dotted field name must be rejected")
	}

	_, res = validation.ValidateEvidence(validation.Evidence{
		Content: "notes",
		Fields:  map[string]string{"source_name": "x"},
	})
	if !res.Valid {
		t.Errorf("plain field name rejected: %v", res.Errors)
	}
}
