// Package reconcile is the audit and repair mechanism for the token
// ledger. It independently recomputes a user's balance from the full
// transaction history plus active commitments, reports drift from the
// stored balance, and can overwrite the stored balance with the
// recomputed one. It is the only component allowed to correct drift; the
// fast transactional path never self-heals.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/temisangerrard/kai-ledger/internal/metrics"
	"github.com/temisangerrard/kai-ledger/internal/model"
	"github.com/temisangerrard/kai-ledger/internal/store"
)

// ErrEmptyUserID is returned before any I/O when the user ID is empty or
// whitespace-only.
var ErrEmptyUserID = errors.New("User ID is required")

// Tolerance is the floating-point allowance for the cross-field
// consistency check. Token amounts are decimals, but fractional amounts
// appear in some historical flows, so comparisons allow this epsilon.
var Tolerance = decimal.NewFromFloat(0.01)

// IntegrityResult is the outcome of the pure structural check on a
// stored balance.
type IntegrityResult struct {
	Valid      bool     `json:"is_valid"`
	Violations []string `json:"violations"`
}

// ValidateIntegrity checks a stored balance for structural violations.
// All applicable violations are collected in a fixed order rather than
// stopping at the first. A nil balance fails closed. Pure computation,
// no I/O; completes in microseconds.
func ValidateIntegrity(b *model.UserBalance) IntegrityResult {
	var res IntegrityResult
	if b == nil {
		res.Violations = append(res.Violations, "Balance record is missing")
		return res
	}

	if b.AvailableTokens.IsNegative() {
		res.Violations = append(res.Violations, "Available tokens cannot be negative")
	}
	if b.CommittedTokens.IsNegative() {
		res.Violations = append(res.Violations, "Committed tokens cannot be negative")
	}
	if b.TotalEarned.IsNegative() {
		res.Violations = append(res.Violations, "Total earned cannot be negative")
	}
	if b.TotalSpent.IsNegative() {
		res.Violations = append(res.Violations, "Total spent cannot be negative")
	}
	if b.Version < 1 {
		res.Violations = append(res.Violations, "Version must be positive")
	}

	// Total holdings must not exceed what the lifetime ledger justifies:
	// available + committed <= (earned - spent) + committed, allowing the
	// epsilon for fractional-amount history.
	total := b.AvailableTokens.Add(b.CommittedTokens)
	justified := b.TotalEarned.Sub(b.TotalSpent).Add(b.CommittedTokens)
	if total.GreaterThan(justified.Add(Tolerance)) {
		res.Violations = append(res.Violations, fmt.Sprintf(
			"Total tokens (%s) exceed earned minus spent (%s)", total, justified))
	}

	res.Valid = len(res.Violations) == 0
	return res
}

// ComputedBalance is a balance recomputed from the transaction history
// and active commitments.
type ComputedBalance struct {
	AvailableTokens decimal.Decimal `json:"available_tokens"`
	CommittedTokens decimal.Decimal `json:"committed_tokens"`
	TotalEarned     decimal.Decimal `json:"total_earned"`
	TotalSpent      decimal.Decimal `json:"total_spent"`
}

// AuditReport is the result of diffing a stored balance against its
// recomputed counterpart.
type AuditReport struct {
	UserID         string             `json:"user_id"`
	Stored         *model.UserBalance `json:"stored"`
	Computed       ComputedBalance    `json:"computed"`
	AvailableDrift decimal.Decimal    `json:"available_drift"` // stored - computed
	CommittedDrift decimal.Decimal    `json:"committed_drift"`
	Consistent     bool               `json:"consistent"`
	Integrity      IntegrityResult    `json:"integrity"`
	CheckedAt      time.Time          `json:"checked_at"`
}

// Summary aggregates a batch reconciliation run.
type Summary struct {
	TotalUsersChecked        int           `json:"total_users_checked"`
	UsersWithInconsistencies int           `json:"users_with_inconsistencies"`
	UsersFixed               int           `json:"users_fixed"`
	Errors                   []string      `json:"errors"`
	ExecutionTime            time.Duration `json:"execution_time"`
}

// Service audits and repairs user balances.
type Service struct {
	store store.Store

	// maxRetries bounds the version-guarded write loop in FixUserBalance.
	maxRetries int
}

// NewService creates a reconciliation service.
func NewService(st store.Store) *Service {
	return &Service{store: st, maxRetries: 3}
}

// AuditUserBalance recomputes the user's expected balance from the
// completed transaction log plus currently active commitments, and diffs
// it against the stored balance. Reads only; never corrects anything.
func (s *Service) AuditUserBalance(ctx context.Context, userID string) (*AuditReport, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrEmptyUserID
	}

	stored, err := s.store.GetBalance(ctx, userID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	computed, err := s.recompute(ctx, userID)
	if err != nil {
		return nil, err
	}

	report := &AuditReport{
		UserID:    userID,
		Stored:    stored,
		Computed:  computed,
		Integrity: ValidateIntegrity(stored),
		CheckedAt: time.Now().UTC(),
	}

	if stored != nil {
		report.AvailableDrift = stored.AvailableTokens.Sub(computed.AvailableTokens)
		report.CommittedDrift = stored.CommittedTokens.Sub(computed.CommittedTokens)
	} else {
		report.AvailableDrift = computed.AvailableTokens.Neg()
		report.CommittedDrift = computed.CommittedTokens.Neg()
	}

	// Consistency is drift against the replay, within tolerance. The
	// structural check rides along for reporting but does not drive
	// repair: a shape the ledger itself reproduces (purchases credit
	// available without touching lifetime earnings) is not drift.
	report.Consistent = report.AvailableDrift.Abs().LessThanOrEqual(Tolerance) &&
		report.CommittedDrift.Abs().LessThanOrEqual(Tolerance)

	outcome := "clean"
	if !report.Consistent {
		outcome = "drift"
		metrics.ReconciliationRuns.WithLabelValues(outcome).Inc()
		slog.Warn("balance drift detected",
			"user", userID,
			"available_drift", report.AvailableDrift.String(),
			"committed_drift", report.CommittedDrift.String(),
			"violations", report.Integrity.Violations,
		)
		return report, nil
	}
	metrics.ReconciliationRuns.WithLabelValues(outcome).Inc()
	return report, nil
}

// FixUserBalance overwrites the stored balance with the recomputed one
// through the same version-guarded write path as ordinary mutations,
// preserving the no-lost-update guarantee even during repair. Calling it
// again immediately is a no-op: the second audit finds no drift.
func (s *Service) FixUserBalance(ctx context.Context, userID string) (*AuditReport, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrEmptyUserID
	}

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		report, err := s.AuditUserBalance(ctx, userID)
		if err != nil {
			return nil, err
		}
		if report.Consistent {
			return report, nil
		}

		fixed := model.UserBalance{
			UserID:          userID,
			AvailableTokens: report.Computed.AvailableTokens,
			CommittedTokens: report.Computed.CommittedTokens,
			TotalEarned:     report.Computed.TotalEarned,
			TotalSpent:      report.Computed.TotalSpent,
			Version:         1,
			LastUpdated:     time.Now().UTC(),
		}
		var expected int64
		if report.Stored != nil {
			fixed.Version = report.Stored.Version + 1
			expected = report.Stored.Version
		}

		err = s.store.ApplyLedgerTx(ctx, store.LedgerTx{
			Balance:         &fixed,
			ExpectedVersion: expected,
		})
		if errors.Is(err, store.ErrVersionConflict) {
			// A live writer moved the balance; re-audit against the new
			// state before overwriting anything.
			continue
		}
		if err != nil {
			return nil, err
		}

		metrics.BalancesFixed.Inc()
		slog.Info("balance overwritten by reconciliation",
			"user", userID,
			"available", fixed.AvailableTokens.String(),
			"committed", fixed.CommittedTokens.String(),
			"version", fixed.Version,
		)

		report.Stored = &fixed
		report.AvailableDrift = decimal.Zero
		report.CommittedDrift = decimal.Zero
		report.Consistent = true
		report.Integrity = ValidateIntegrity(&fixed)
		return report, nil
	}
	return nil, fmt.Errorf("reconcile: balance for user %s kept moving during repair", userID)
}

// ReconcileUsers audits every listed user and fixes those with drift.
// An empty input returns a zeroed summary immediately without error.
func (s *Service) ReconcileUsers(ctx context.Context, userIDs []string) Summary {
	start := time.Now()
	summary := Summary{Errors: []string{}}

	for _, id := range userIDs {
		summary.TotalUsersChecked++

		report, err := s.AuditUserBalance(ctx, id)
		if err != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("audit %s: %v", id, err))
			continue
		}
		if report.Consistent {
			continue
		}

		summary.UsersWithInconsistencies++
		if _, err := s.FixUserBalance(ctx, id); err != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("fix %s: %v", id, err))
			continue
		}
		summary.UsersFixed++
	}

	summary.ExecutionTime = time.Since(start)
	slog.Info("reconciliation batch complete",
		"checked", summary.TotalUsersChecked,
		"inconsistent", summary.UsersWithInconsistencies,
		"fixed", summary.UsersFixed,
		"errors", len(summary.Errors),
		"elapsed", summary.ExecutionTime,
	)
	return summary
}

// recompute replays the completed transaction log and sums active
// commitments: purchases, wins, and refunds add to available; commits
// shift available into committed; losses leave committed without
// returning anything. Committed tokens are taken from the still-active
// commitments rather than the log, so resolved history cannot skew them.
func (s *Service) recompute(ctx context.Context, userID string) (ComputedBalance, error) {
	var cb ComputedBalance
	cb.AvailableTokens = decimal.Zero
	cb.CommittedTokens = decimal.Zero
	cb.TotalEarned = decimal.Zero
	cb.TotalSpent = decimal.Zero

	entries, err := s.store.ListTransactions(ctx, userID)
	if err != nil {
		return cb, err
	}

	for _, e := range entries {
		if e.Status != model.TransactionCompleted {
			continue
		}
		switch e.Type {
		case model.TransactionPurchase, model.TransactionWin, model.TransactionRefund:
			cb.AvailableTokens = cb.AvailableTokens.Add(e.Amount)
		case model.TransactionCommit:
			cb.AvailableTokens = cb.AvailableTokens.Sub(e.Amount)
		case model.TransactionLoss:
			// Forfeited from committed; available untouched.
		}

		if won, ok := e.Metadata[model.MetaTokensWon]; ok {
			if amt, err := decimal.NewFromString(won); err == nil {
				cb.TotalEarned = cb.TotalEarned.Add(amt)
			}
		}
		if usd, ok := e.Metadata[model.MetaAmountUSD]; ok {
			if amt, err := decimal.NewFromString(usd); err == nil {
				cb.TotalSpent = cb.TotalSpent.Add(amt)
			}
		}
	}

	active, err := s.store.ListUserCommitments(ctx, userID, true)
	if err != nil {
		return cb, err
	}
	for _, c := range active {
		cb.CommittedTokens = cb.CommittedTokens.Add(c.TokensCommitted)
	}

	return cb, nil
}
