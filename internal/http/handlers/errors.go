package handlers

// Error codes returned in ErrorResponse.Code. Clients branch on these.
const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeNotFound         = "not_found"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"
	ErrCodeUnavailable      = "unavailable"

	// Domain-specific:
	ErrCodeInvalidSnapshot = "invalid_snapshot_id"
	ErrCodeInvalidCurrency = "invalid_currency"
	ErrCodeTriggerFailed   = "trigger_failed"
	ErrCodeListFailed      = "list_failed"
)
