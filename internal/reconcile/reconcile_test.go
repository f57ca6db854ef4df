package reconcile_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/temisangerrard/kai-ledger/internal/model"
	"github.com/temisangerrard/kai-ledger/internal/reconcile"
	"github.com/temisangerrard/kai-ledger/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func seedBalance(t *testing.T, ms *store.MemoryStore, b model.UserBalance) {
	t.Helper()
	if err := ms.ApplyLedgerTx(context.Background(), store.LedgerTx{Balance: &b}); err != nil {
		t.Fatalf("failed to seed balance: %v", err)
	}
}

func seedEntry(t *testing.T, ms *store.MemoryStore, userID string, typ model.TransactionType, amount float64, meta map[string]string) {
	t.Helper()
	bal, err := ms.GetBalance(context.Background(), userID)
	if err != nil {
		t.Fatalf("failed to load balance for seeding: %v", err)
	}
	next := *bal
	next.Version++
	err = ms.ApplyLedgerTx(context.Background(), store.LedgerTx{
		Balance:         &next,
		ExpectedVersion: bal.Version,
		Transaction: &model.TokenTransaction{
			ID:        userID + "-" + string(typ) + "-" + time.Now().Format("150405.000000"),
			UserID:    userID,
			Type:      typ,
			Amount:    d(amount),
			Metadata:  meta,
			Timestamp: time.Now().UTC(),
			Status:    model.TransactionCompleted,
		},
	})
	if err != nil {
		t.Fatalf("failed to seed ledger entry: %v", err)
	}
}

// --- Structural integrity checks ---

func TestValidateIntegrity_Clean(t *testing.T) {
	res := reconcile.ValidateIntegrity(&model.UserBalance{
		UserID:          "user1",
		AvailableTokens: d(2500),
		CommittedTokens: d(750),
		TotalEarned:     d(3250),
		TotalSpent:      d(0),
		Version:         1,
	})
	if !res.Valid {
		t.Errorf("expected valid, got violations %v", res.Violations)
	}
	if len(res.Violations) != 0 {
		t.Errorf("violations = %v, want none", res.Violations)
	}
}

func TestValidateIntegrity_NegativeAvailable(t *testing.T) {
	res := reconcile.ValidateIntegrity(&model.UserBalance{
		UserID:          "user1",
		AvailableTokens: d(-10),
		CommittedTokens: d(50),
		TotalEarned:     d(200),
		TotalSpent:      d(50),
		Version:         1,
	})
	if res.Valid {
		t.Fatal("expected invalid")
	}

	found := false
	for _, v := range res.Violations {
		if v == "Available tokens cannot be negative" {
			found = true
		}
	}
	if !found {
		t.Errorf("violations = %v, want negative-available violation", res.Violations)
	}
}

func TestValidateIntegrity_CollectsAll(t *testing.T) {
	res := reconcile.ValidateIntegrity(&model.UserBalance{
		UserID:          "user1",
		AvailableTokens: d(-1),
		CommittedTokens: d(-2),
		TotalEarned:     d(-3),
		TotalSpent:      d(-4),
		Version:         0,
	})
	if res.Valid {
		t.Fatal("expected invalid")
	}
	if len(res.Violations) < 5 {
		t.Errorf("violations = %v, want all five negative/version checks", res.Violations)
	}
}

func TestValidateIntegrity_CrossField(t *testing.T) {
	// Holdings exceed what the lifetime ledger justifies.
	res := reconcile.ValidateIntegrity(&model.UserBalance{
		UserID:          "user1",
		AvailableTokens: d(500),
		CommittedTokens: d(0),
		TotalEarned:     d(100),
		TotalSpent:      d(0),
		Version:         1,
	})
	if res.Valid {
		t.Fatal("expected cross-field violation")
	}
	found := false
	for _, v := range res.Violations {
		if strings.HasPrefix(v, "Total tokens") {
			found = true
		}
	}
	if !found {
		t.Errorf("violations = %v, want a Total tokens violation", res.Violations)
	}

	// Drift inside the epsilon passes.
	res = reconcile.ValidateIntegrity(&model.UserBalance{
		UserID:          "user1",
		AvailableTokens: d(100.005),
		CommittedTokens: d(0),
		TotalEarned:     d(100),
		TotalSpent:      d(0),
		Version:         1,
	})
	if !res.Valid {
		t.Errorf("drift within tolerance flagged: %v", res.Violations)
	}
}

func TestValidateIntegrity_NilBalance(t *testing.T) {
	res := reconcile.ValidateIntegrity(nil)
	if res.Valid {
		t.Fatal("nil balance must fail closed")
	}
}

// --- Audit and repair ---

func TestAuditUserBalance_EmptyUserID(t *testing.T) {
	svc := reconcile.NewService(store.NewMemoryStore())

	if _, err := svc.AuditUserBalance(context.Background(), ""); !errors.Is(err, reconcile.ErrEmptyUserID) {
		t.Errorf("err = %v, want ErrEmptyUserID", err)
	}
	if _, err := svc.AuditUserBalance(context.Background(), "   "); !errors.Is(err, reconcile.ErrEmptyUserID) {
		t.Errorf("whitespace-only err = %v, want ErrEmptyUserID", err)
	}
}

func TestAuditUserBalance_CleanReplay(t *testing.T) {
	ms := store.NewMemoryStore()
	svc := reconcile.NewService(ms)
	ctx := context.Background()

	// 500 purchased, 100 committed: stored matches the replay exactly.
	seedBalance(t, ms, model.UserBalance{
		UserID:          "user1",
		AvailableTokens: d(500),
		Version:         1,
		LastUpdated:     time.Now().UTC(),
	})
	seedEntry(t, ms, "user1", model.TransactionPurchase, 500,
		map[string]string{model.MetaAmountUSD: "4.99"})

	// Bring the stored head in line with a 100-token commitment.
	bal, _ := ms.GetBalance(ctx, "user1")
	next := *bal
	next.AvailableTokens = d(400)
	next.CommittedTokens = d(100)
	next.TotalSpent = d(4.99)
	next.Version++
	if err := ms.ApplyLedgerTx(ctx, store.LedgerTx{
		Balance:         &next,
		ExpectedVersion: bal.Version,
		InsertCommitment: &model.PredictionCommitment{
			ID:              "c1",
			UserID:          "user1",
			PredictionID:    "m1",
			TokensCommitted: d(100),
			Status:          model.CommitmentActive,
		},
		Transaction: &model.TokenTransaction{
			ID:        "t-commit",
			UserID:    "user1",
			Type:      model.TransactionCommit,
			Amount:    d(100),
			Timestamp: time.Now().UTC(),
			Status:    model.TransactionCompleted,
		},
	}); err != nil {
		t.Fatalf("failed to seed commitment: %v", err)
	}

	report, err := svc.AuditUserBalance(ctx, "user1")
	if err != nil {
		t.Fatalf("AuditUserBalance failed: %v", err)
	}
	if !report.Consistent {
		t.Errorf("expected consistent, drift %s/%s violations %v",
			report.AvailableDrift, report.CommittedDrift, report.Integrity.Violations)
	}
	if !report.Computed.AvailableTokens.Equal(d(400)) {
		t.Errorf("computed available = %s, want 400", report.Computed.AvailableTokens)
	}
	if !report.Computed.CommittedTokens.Equal(d(100)) {
		t.Errorf("computed committed = %s, want 100", report.Computed.CommittedTokens)
	}
	if !report.Computed.TotalSpent.Equal(d(4.99)) {
		t.Errorf("computed spent = %s, want 4.99", report.Computed.TotalSpent)
	}
}

func TestFixUserBalance_RepairsDriftIdempotently(t *testing.T) {
	ms := store.NewMemoryStore()
	svc := reconcile.NewService(ms)
	ctx := context.Background()

	// Stored head drifted: ledger says 500 purchased, head says 650.
	seedBalance(t, ms, model.UserBalance{
		UserID:          "user1",
		AvailableTokens: d(650),
		Version:         1,
		LastUpdated:     time.Now().UTC(),
	})
	seedEntry(t, ms, "user1", model.TransactionPurchase, 500, nil)

	report, err := svc.FixUserBalance(ctx, "user1")
	if err != nil {
		t.Fatalf("FixUserBalance failed: %v", err)
	}
	if !report.Consistent {
		t.Error("report should be consistent after fix")
	}

	bal, _ := ms.GetBalance(ctx, "user1")
	if !bal.AvailableTokens.Equal(d(500)) {
		t.Errorf("available after fix = %s, want 500", bal.AvailableTokens)
	}
	fixedVersion := bal.Version

	// Second fix finds nothing to do and leaves the version alone.
	if _, err := svc.FixUserBalance(ctx, "user1"); err != nil {
		t.Fatalf("second FixUserBalance failed: %v", err)
	}
	bal, _ = ms.GetBalance(ctx, "user1")
	if bal.Version != fixedVersion {
		t.Errorf("version moved on idempotent fix: %d -> %d", fixedVersion, bal.Version)
	}
}

func TestReconcileUsers_EmptyList(t *testing.T) {
	svc := reconcile.NewService(store.NewMemoryStore())

	summary := svc.ReconcileUsers(context.Background(), nil)
	if summary.TotalUsersChecked != 0 || summary.UsersWithInconsistencies != 0 || summary.UsersFixed != 0 {
		t.Errorf("summary = %+v, want all zero", summary)
	}
	if len(summary.Errors) != 0 {
		t.Errorf("errors = %v, want none", summary.Errors)
	}
	if summary.ExecutionTime < 0 {
		t.Errorf("execution time = %v, want >= 0", summary.ExecutionTime)
	}
}

func TestReconcileUsers_MixedBatch(t *testing.T) {
	ms := store.NewMemoryStore()
	svc := reconcile.NewService(ms)
	ctx := context.Background()

	// clean: head matches ledger.
	seedBalance(t, ms, model.UserBalance{
		UserID: "clean", AvailableTokens: d(200), Version: 1, LastUpdated: time.Now().UTC(),
	})
	seedEntry(t, ms, "clean", model.TransactionPurchase, 200, nil)

	// drifted: head overshoots the ledger.
	seedBalance(t, ms, model.UserBalance{
		UserID: "drifted", AvailableTokens: d(999), Version: 1, LastUpdated: time.Now().UTC(),
	})
	seedEntry(t, ms, "drifted", model.TransactionPurchase, 300, nil)

	summary := svc.ReconcileUsers(ctx, []string{"clean", "drifted", ""})
	if summary.TotalUsersChecked != 3 {
		t.Errorf("checked = %d, want 3", summary.TotalUsersChecked)
	}
	if summary.UsersWithInconsistencies != 1 {
		t.Errorf("inconsistent = %d, want 1", summary.UsersWithInconsistencies)
	}
	if summary.UsersFixed != 1 {
		t.Errorf("fixed = %d, want 1", summary.UsersFixed)
	}
	// The empty ID fails fast and lands in Errors rather than aborting
	// the batch.
	if len(summary.Errors) != 1 {
		t.Errorf("errors = %v, want exactly one", summary.Errors)
	}

	bal, _ := ms.GetBalance(ctx, "drifted")
	if !bal.AvailableTokens.Equal(d(300)) {
		t.Errorf("drifted available after batch = %s, want 300", bal.AvailableTokens)
	}
}
