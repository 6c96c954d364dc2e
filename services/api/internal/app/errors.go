package app

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes returned to clients in the "error" field.
const (
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeForbidden           = "FORBIDDEN"
	CodeRateLimited         = "RATE_LIMIT_EXCEEDED"
	CodeInvalidRequest      = "INVALID_REQUEST"
	CodeMissingFile         = "MISSING_FILE"
	CodeMissingRetailer     = "MISSING_RETAILER"
	CodeInvalidFormat       = "INVALID_FORMAT"
	CodeInvalidPurchaseDate = "INVALID_PURCHASE_DATE"
	CodeInvalidFile         = "INVALID_FILE"
	CodeSecurityScanFailed  = "SECURITY_SCAN_FAILED"
	CodeDuplicateSameUser   = "DUPLICATE_RECEIPT_SAME_USER"
	CodeDuplicate           = "DUPLICATE_RECEIPT"
	CodeStorageError        = "STORAGE_ERROR"
	CodeNotFound            = "NOT_FOUND"
	CodeInvalidTransition   = "INVALID_TRANSITION"
	CodeMissingReason       = "MISSING_REASON"
	CodeInvalidAction       = "INVALID_ACTION"
	CodeInvalidEmail        = "INVALID_EMAIL"
	CodeReceiptRequired     = "RECEIPT_REQUIRED"
	CodeReceiptRejected     = "RECEIPT_REJECTED"
	CodeClaimExists         = "CLAIM_EXISTS"
	CodeInvalidCode         = "INVALID_CODE"
	CodeCodeNotYetValid     = "CODE_NOT_YET_VALID"
	CodeCodeExpired         = "CODE_EXPIRED"
	CodeCodeInactive        = "CODE_INACTIVE"
	CodeCodeExhausted       = "CODE_EXHAUSTED"
	CodeAlreadyRedeemed     = "CODE_ALREADY_REDEEMED"
	CodeInvalidCount        = "INVALID_COUNT"
	CodeInvalidType         = "INVALID_TYPE"
	CodeInvalidRedemptions  = "INVALID_MAX_REDEMPTIONS"
	CodeInvalidValidity     = "INVALID_VALIDITY"
	CodeInvalidStatus       = "INVALID_STATUS"
	CodeUserNotFound        = "USER_NOT_FOUND"
	CodeContentUnavailable  = "CONTENT_UNAVAILABLE"
	CodeInternal            = "INTERNAL_ERROR"
)

// Error is a client-facing failure. Message is safe to return; Err is the
// cause and is only logged.
type Error struct {
	Status  int
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func newError(status int, code, message string) *Error {
	return &Error{Status: status, Code: code, Message: message}
}

func badRequest(code, message string) *Error {
	return newError(http.StatusBadRequest, code, message)
}

func internal(message string, err error) *Error {
	return &Error{Status: http.StatusInternalServerError, Code: CodeInternal, Message: message, Err: err}
}

// AsError reports err as an *Error, converting anything else to a generic
// internal error that keeps the original as its cause.
func AsError(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return internal("Internal server error", err)
}
