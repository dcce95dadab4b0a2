package jobs

import "errors"

var (
	ErrDuplicateKey      = errors.New("duplicate idempotency key")
	ErrNotFound          = errors.New("not found")
	ErrClaimConflict     = errors.New("job already claimed")
	ErrMerchantSuspended = errors.New("merchant suspended")
	ErrInvalidState      = errors.New("invalid job state for transition")
	ErrInvalidJob        = errors.New("invalid job")
)
