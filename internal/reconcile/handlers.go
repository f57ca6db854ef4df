package reconcile

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// HandleAuditBalance handles GET /api/v1/admin/balances/{userID}/audit
func (s *Service) HandleAuditBalance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	report, err := s.AuditUserBalance(r.Context(), userID)
	if err != nil {
		if errors.Is(err, ErrEmptyUserID) {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeError(w, "failed to audit balance", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(report)
}

// HandleFixBalance handles POST /api/v1/admin/balances/{userID}/fix
func (s *Service) HandleFixBalance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	report, err := s.FixUserBalance(r.Context(), userID)
	if err != nil {
		if errors.Is(err, ErrEmptyUserID) {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeError(w, "failed to fix balance", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(report)
}

// ReconcileRequest lists the users a batch run should cover.
type ReconcileRequest struct {
	UserIDs []string `json:"user_ids"`
}

// HandleReconcile handles POST /api/v1/admin/reconcile
func (s *Service) HandleReconcile(w http.ResponseWriter, r *http.Request) {
	var req ReconcileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	summary := s.ReconcileUsers(r.Context(), req.UserIDs)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(summary)
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
