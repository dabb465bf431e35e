package workflow

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
)

// ErrorKind is the closed taxonomy of user-actionable commit failures. Every
// kind carries enough structured context for a caller to self-correct without
// re-deriving it from logs.
type ErrorKind string

const (
	ErrKindBatchRequired       ErrorKind = "batch_required"
	ErrKindInsufficientStock   ErrorKind = "insufficient_stock"
	ErrKindDiffNotAllowed      ErrorKind = "diff_not_allowed"
	ErrKindEmptyPickLines      ErrorKind = "empty_pick_lines"
	ErrKindIdempotencyConflict ErrorKind = "idempotency_conflict"
	ErrKindHandoffCodeMismatch ErrorKind = "handoff_code_mismatch"
)

// OpError is a structured, recoverable fulfillment error. Anything else that
// escapes the workflow is treated as an internal error at the gin boundary.
type OpError struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	ItemId    int       `json:"item_id,omitempty"`
	BatchCode *string   `json:"batch_code,omitempty"`

	// insufficient_stock detail
	RequiredQty  *decimal.Decimal `json:"required_qty,omitempty"`
	AvailableQty *decimal.Decimal `json:"available_qty,omitempty"`
	ShortQty     *decimal.Decimal `json:"short_qty,omitempty"`
}

func (e *OpError) Error() string {
	if e.ItemId != 0 {
		return fmt.Sprintf("%s: %s (item_id=%d)", e.Kind, e.Message, e.ItemId)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// HTTPStatus maps the error kind to the status the ops endpoints return.
func (e *OpError) HTTPStatus() int {
	switch e.Kind {
	case ErrKindInsufficientStock, ErrKindIdempotencyConflict, ErrKindHandoffCodeMismatch:
		return http.StatusConflict
	case ErrKindBatchRequired, ErrKindDiffNotAllowed, ErrKindEmptyPickLines:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func NewBatchRequiredError(itemId int) *OpError {
	return &OpError{
		Kind:    ErrKindBatchRequired,
		Message: "shelf-life item requires a batch code",
		ItemId:  itemId,
	}
}

func NewInsufficientStockError(itemId int, batchCode *string, required, available decimal.Decimal) *OpError {
	short := required.Sub(available)
	return &OpError{
		Kind:         ErrKindInsufficientStock,
		Message:      "requested quantity exceeds on-hand stock",
		ItemId:       itemId,
		BatchCode:    batchCode,
		RequiredQty:  &required,
		AvailableQty: &available,
		ShortQty:     &short,
	}
}

func NewIdempotencyConflictError(reference string) *OpError {
	return &OpError{
		Kind:    ErrKindIdempotencyConflict,
		Message: fmt.Sprintf("reference %q was already committed with a different trace id", reference),
	}
}

// AsOpError unwraps an OpError from an error chain.
func AsOpError(err error) (*OpError, bool) {
	var opErr *OpError
	if errors.As(err, &opErr) {
		return opErr, true
	}
	return nil, false
}
