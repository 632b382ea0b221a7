package models

import "errors"

var (
	ErrTierNotFound          = errors.New("ticket tier not found")
	ErrTierInactive          = errors.New("ticket tier is inactive")
	ErrInsufficientInventory = errors.New("insufficient inventory")
	ErrIntegrityViolation    = errors.New("inventory integrity violation")

	ErrHoldNotFound  = errors.New("hold not found")
	ErrHoldNotActive = errors.New("hold is no longer active")
	ErrHoldExpired   = errors.New("hold expired")

	ErrPromoInvalid    = errors.New("promo code invalid")
	ErrPaymentRejected = errors.New("payment rejected")
	ErrOrderNotFound   = errors.New("order not found")

	ErrEventNotFound   = errors.New("event not found")
	ErrEventNotStarted = errors.New("event has not started")
	ErrEventStarted    = errors.New("event has already started")

	ErrTicketNotFound   = errors.New("ticket not found")
	ErrAlreadyUsed      = errors.New("ticket already used")
	ErrWrongStatus      = errors.New("ticket is not in a valid status for this operation")
	ErrTransferNotFound = errors.New("transfer not found")
	ErrTransferExpired  = errors.New("transfer expired")

	ErrForbidden    = errors.New("forbidden")
	ErrInvalidInput = errors.New("invalid input")
)

type Category int

const (
	CategoryInternal Category = iota
	CategoryCapacity
	CategoryStateConflict
	CategoryValidation
	CategoryNotFound
	CategoryForbidden
	CategoryPayment
	CategoryIntegrity
)

func (c Category) String() string {
	switch c {
	case CategoryCapacity:
		return "capacity"
	case CategoryStateConflict:
		return "state_conflict"
	case CategoryValidation:
		return "validation"
	case CategoryNotFound:
		return "not_found"
	case CategoryForbidden:
		return "forbidden"
	case CategoryPayment:
		return "payment"
	case CategoryIntegrity:
		return "integrity"
	default:
		return "internal"
	}
}

var categories = []struct {
	err      error
	category Category
}{
	{ErrInsufficientInventory, CategoryCapacity},
	{ErrHoldExpired, CategoryStateConflict},
	{ErrHoldNotActive, CategoryStateConflict},
	{ErrWrongStatus, CategoryStateConflict},
	{ErrAlreadyUsed, CategoryStateConflict},
	{ErrTransferExpired, CategoryStateConflict},
	{ErrTierInactive, CategoryValidation},
	{ErrEventNotStarted, CategoryValidation},
	{ErrEventStarted, CategoryValidation},
	{ErrPromoInvalid, CategoryValidation},
	{ErrInvalidInput, CategoryValidation},
	{ErrTierNotFound, CategoryNotFound},
	{ErrHoldNotFound, CategoryNotFound},
	{ErrOrderNotFound, CategoryNotFound},
	{ErrEventNotFound, CategoryNotFound},
	{ErrTicketNotFound, CategoryNotFound},
	{ErrTransferNotFound, CategoryNotFound},
	{ErrForbidden, CategoryForbidden},
	{ErrPaymentRejected, CategoryPayment},
	{ErrIntegrityViolation, CategoryIntegrity},
}

// CategoryOf classifies err by the first sentinel it wraps.
func CategoryOf(err error) Category {
	for _, c := range categories {
		if errors.Is(err, c.err) {
			return c.category
		}
	}
	return CategoryInternal
}
