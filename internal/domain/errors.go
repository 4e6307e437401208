package domain

import "errors"

var (
	ErrDecode              = errors.New("decode error")
	ErrNotFound            = errors.New("not found")
	ErrOwnership           = errors.New("caller does not own object")
	ErrInsufficientFee     = errors.New("insufficient fee balance")
	ErrSubmission          = errors.New("submission rejected")
	ErrFinality            = errors.New("transaction failed at execution")
	ErrTimeout             = errors.New("finality wait timed out")
	ErrIllegalAction       = errors.New("action not permitted in current state")
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrDuplicateSubmission = errors.New("identical submission already in flight")
	ErrLockHeld            = errors.New("lock already held")
)
