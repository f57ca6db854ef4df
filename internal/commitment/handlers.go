package commitment

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/temisangerrard/kai-ledger/internal/balance"
	"github.com/temisangerrard/kai-ledger/internal/model"
	"github.com/temisangerrard/kai-ledger/internal/store"
	"github.com/temisangerrard/kai-ledger/internal/validation"
)

// HandleCreateCommitment handles POST /api/v1/commitments
func (s *Service) HandleCreateCommitment(w http.ResponseWriter, r *http.Request) {
	var req model.CommitmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	c, err := s.CreateCommitment(r.Context(), req)
	if err != nil {
		var verr *ValidationError
		switch {
		case errors.As(err, &verr):
			writeValidation(w, verr.Result)
		case errors.Is(err, ErrConcurrentModification):
			writeError(w, err.Error(), http.StatusConflict)
		default:
			writeError(w, "failed to create commitment", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(c)
}

// HandleGetCommitment handles GET /api/v1/commitments/{commitmentID}
func (s *Service) HandleGetCommitment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "commitmentID")

	c, err := s.store.GetCommitment(r.Context(), id)
	if err != nil {
		writeError(w, "commitment not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(c)
}

// HandleListUserCommitments handles GET /api/v1/users/{userID}/commitments
// The optional ?active=true query narrows the list to unresolved stakes.
func (s *Service) HandleListUserCommitments(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	activeOnly := r.URL.Query().Get("active") == "true"

	commitments, err := s.store.ListUserCommitments(r.Context(), userID, activeOnly)
	if err != nil {
		writeError(w, "failed to list commitments", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"user_id":     userID,
		"commitments": commitments,
	})
}

// balanceResponse decorates a stored balance with derived read-side
// figures the UI renders directly.
type balanceResponse struct {
	*model.UserBalance
	TotalBalance     decimal.Decimal `json:"total_balance"`
	NetProfitLoss    decimal.Decimal `json:"net_profit_loss"`
	FormattedBalance string          `json:"formatted_balance"`
}

// HandleGetBalance handles GET /api/v1/users/{userID}/balance
// First contact creates the balance with the signup bonus.
func (s *Service) HandleGetBalance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	bal, err := s.EnsureBalance(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to load balance", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(balanceResponse{
		UserBalance:      bal,
		TotalBalance:     balance.Total(*bal),
		NetProfitLoss:    balance.NetProfitLoss(*bal),
		FormattedBalance: balance.FormatTokens(balance.Total(*bal)),
	})
}

// HandleListTransactions handles GET /api/v1/users/{userID}/transactions
func (s *Service) HandleListTransactions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	entries, err := s.store.ListTransactions(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to list transactions", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"user_id":      userID,
		"transactions": entries,
	})
}

// PurchaseRequest is the body for recording a token purchase.
type PurchaseRequest struct {
	UserID    string          `json:"user_id"`
	Tokens    decimal.Decimal `json:"tokens"`
	AmountUSD decimal.Decimal `json:"amount_usd"`
}

// HandleRecordPurchase handles POST /api/v1/purchases
func (s *Service) HandleRecordPurchase(w http.ResponseWriter, r *http.Request) {
	var req PurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if !req.Tokens.IsPositive() {
		writeError(w, "tokens must be positive", http.StatusBadRequest)
		return
	}
	if req.AmountUSD.IsNegative() {
		writeError(w, "amount_usd cannot be negative", http.StatusBadRequest)
		return
	}

	bal, err := s.RecordPurchase(r.Context(), req.UserID, req.Tokens, req.AmountUSD)
	if err != nil {
		if errors.Is(err, ErrConcurrentModification) {
			writeError(w, err.Error(), http.StatusConflict)
			return
		}
		writeError(w, "failed to record purchase", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(bal)
}

// HandleCreateMarket handles POST /api/v1/markets
func (s *Service) HandleCreateMarket(w http.ResponseWriter, r *http.Request) {
	var draft validation.MarketDraft
	if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res := validation.ValidateMarketDraft(draft)
	if !res.Valid {
		writeValidation(w, res)
		return
	}

	options := make([]model.MarketOption, len(draft.Options))
	for i, text := range draft.Options {
		options[i] = model.MarketOption{
			ID:          uuid.New().String(),
			Text:        text,
			TotalTokens: decimal.Zero,
		}
	}
	market := &model.Market{
		ID:        uuid.New().String(),
		Title:     draft.Title,
		Status:    model.MarketActive,
		EndsAt:    draft.EndsAt,
		Options:   options,
		CreatedAt: time.Now().UTC(),
	}

	if err := s.store.CreateMarket(r.Context(), market); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	slog.Info("market created",
		"id", market.ID,
		"title", market.Title,
		"options", len(market.Options),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(market)
}

// HandleGetMarket handles GET /api/v1/markets/{marketID}
func (s *Service) HandleGetMarket(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	m, err := s.store.GetMarket(r.Context(), marketID)
	if err != nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(m)
}

// HandleListMarkets handles GET /api/v1/markets
func (s *Service) HandleListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.store.ListMarkets(r.Context())
	if err != nil {
		writeError(w, "failed to list markets", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"markets": markets})
}

// ResolveRequest names the winning option of a market being resolved.
type ResolveRequest struct {
	WinningOptionID string `json:"winning_option_id"`
}

// HandleResolveMarket handles POST /api/v1/markets/{marketID}/resolve
func (s *Service) HandleResolveMarket(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.WinningOptionID == "" {
		writeError(w, "winning_option_id is required", http.StatusBadRequest)
		return
	}

	settled, err := s.ResolveMarket(r.Context(), marketID, req.WinningOptionID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, "market not found", http.StatusNotFound)
		case errors.Is(err, ErrMarketNotResolvable):
			writeError(w, err.Error(), http.StatusConflict)
		default:
			writeError(w, "failed to resolve market", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"market_id":           marketID,
		"winning_option_id":   req.WinningOptionID,
		"commitments_settled": settled,
	})
}

// HandleRefundMarket handles POST /api/v1/markets/{marketID}/refund
func (s *Service) HandleRefundMarket(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	refunded, err := s.RefundMarket(r.Context(), marketID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, "market not found", http.StatusNotFound)
		case errors.Is(err, ErrMarketNotResolvable):
			writeError(w, err.Error(), http.StatusConflict)
		default:
			writeError(w, "failed to refund market", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"market_id":            marketID,
		"commitments_refunded": refunded,
	})
}

// HandleValidateEvidence handles POST /api/v1/evidence/validate
// Returns the sanitized evidence alongside the validation result so
// callers can persist the cleaned form.
func (s *Service) HandleValidateEvidence(w http.ResponseWriter, r *http.Request) {
	var ev validation.Evidence
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	sanitized, res := validation.ValidateEvidence(ev)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"evidence":   sanitized,
		"validation": res,
	})
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeValidation writes a 400 carrying the full validation result so
// clients can surface every problem at once.
func writeValidation(w http.ResponseWriter, res validation.Result) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(map[string]any{
		"error":      "validation failed",
		"validation": res,
	})
}
