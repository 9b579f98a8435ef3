package ledger

import "errors"

var (
	ErrPaymentNotFound    = errors.New("payment not found")
	ErrDuplicateReference = errors.New("payment provider reference already recorded")
	ErrReferenceConflict  = errors.New("payment already has a different provider reference")
	ErrFailedToSave       = errors.New("failed to save payment")
	ErrFailedToLoad       = errors.New("failed to load payment")
)
