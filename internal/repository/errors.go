package repository

import "errors"

var (
	// ErrAlreadyProcessed means the operation's idempotency claim or state
	// transition was already applied. Callers treat this as success.
	ErrAlreadyProcessed = errors.New("operation already processed")

	// ErrInsufficientFunds means a debit would drive the balance negative.
	// The debit is rejected outright, never partially applied.
	ErrInsufficientFunds = errors.New("insufficient funds")

	ErrAccountNotFound = errors.New("credit account not found")
	ErrJobNotFound     = errors.New("job not found")
	ErrNoDebitFound    = errors.New("no debit entry for job")
)
