package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrInvalidTransition = errors.New("invalid position state transition")
	ErrMarketBusy        = errors.New("market already under execution")
	ErrRateLimited       = errors.New("rate limited")
	ErrContextDone       = errors.New("context cancelled")
)
