// Package validation implements the pre-flight validators for the ledger
// engine: commitment requests, market-creation drafts, and admin-supplied
// evidence. All validators share one result shape and collect every
// applicable problem instead of stopping at the first, so callers can
// surface all issues at once.
package validation

// Error codes shared across validators.
const (
	CodeMarketNotFound      = "market_not_found"
	CodeMarketClosed        = "market_closed"
	CodeOptionNotFound      = "option_not_found"
	CodeOptionAmbiguous     = "option_ambiguous"
	CodeInvalidAmount       = "invalid_amount"
	CodeInsufficientBalance = "insufficient_balance"
	CodeMissingField        = "missing_field"
	CodeInvalidField        = "invalid_field"
	CodeUnsafeContent       = "unsafe_content"
)

// FieldError is one validation problem, tagged with the field it concerns.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Result is the outcome of a validation pass. Valid is true iff Errors is
// empty; Warnings never affect validity.
type Result struct {
	Valid    bool         `json:"is_valid"`
	Errors   []FieldError `json:"errors"`
	Warnings []FieldError `json:"warnings,omitempty"`
}

func (r *Result) addError(field, code, message string) {
	r.Errors = append(r.Errors, FieldError{Field: field, Code: code, Message: message})
}

func (r *Result) addWarning(field, code, message string) {
	r.Warnings = append(r.Warnings, FieldError{Field: field, Code: code, Message: message})
}

// finalize sets Valid from the collected errors and returns the result.
func (r Result) finalize() Result {
	r.Valid = len(r.Errors) == 0
	return r
}
