package model

import (
	"fmt"
	"time"
)

// OpKind identifies a side-effecting operation on a job. The pair
// (jobID, OpKind) keys the idempotency claim, so each kind can be applied
// at most once per job no matter how often its event is delivered.
type OpKind string

const (
	OpRoute  OpKind = "route"
	OpDebit  OpKind = "debit"
	OpRefund OpKind = "refund"
)

// LedgerID derives the deterministic ledger entry key for a job operation.
func LedgerID(jobID string, op OpKind) string {
	return fmt.Sprintf("%s#%s", jobID, op)
}

// EntryType distinguishes balance decreases from increases.
type EntryType string

const (
	EntryDebit  EntryType = "debit"
	EntryCredit EntryType = "credit"
)

// LedgerEntry is an immutable record of one credit balance change.
// AmountCents is signed: negative for debits, positive for credits.
type LedgerEntry struct {
	LedgerID    string    `json:"ledgerId"`
	UserID      string    `json:"userId"`
	JobID       string    `json:"jobId"`
	AmountCents int64     `json:"amountCents"`
	Type        EntryType `json:"type"`
	Anomaly     bool      `json:"anomaly,omitempty"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"createdAt"`
}

// CreditAccount holds a user's remaining balance in cents. Automated debits
// may never drive the balance negative; an insufficient debit is rejected
// outright rather than partially applied.
type CreditAccount struct {
	UserID       string    `json:"userId"`
	BalanceCents int64     `json:"balanceCents"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// DeadLetter retains an event that exhausted its retries, for manual replay.
type DeadLetter struct {
	ID         string    `json:"id"`
	Subject    string    `json:"subject"`
	Payload    []byte    `json:"payload"`
	LastError  string    `json:"lastError"`
	Attempts   int       `json:"attempts"`
	ReceivedAt time.Time `json:"receivedAt"`
}
