package domain

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrRateLimited      = errors.New("rate limited")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrLockHeld         = errors.New("lock already held")
	ErrOrderRejected    = errors.New("order rejected")
	ErrNoData           = errors.New("no market data")
	ErrMalformedPayload = errors.New("malformed alert payload")
	ErrEngineStopped    = errors.New("engine stopped")
)
