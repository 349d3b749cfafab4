// Package servicetest provides in-memory fakes of the store and bus
// interfaces with the same conditional-write semantics as the Postgres
// repositories, so pipeline behaviour can be tested without a database.
package servicetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"renderbus/internal/model"
	"renderbus/internal/repository"
)

// Message is one published bus message.
type Message struct {
	Subject string
	Data    []byte
}

// Bus records published messages and can be told to fail per subject.
type Bus struct {
	mu       sync.Mutex
	messages []Message
	failures map[string]error
}

func NewBus() *Bus {
	return &Bus{failures: make(map[string]error)}
}

func (b *Bus) Publish(subject string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err, ok := b.failures[subject]; ok {
		return err
	}
	copied := make([]byte, len(data))
	copy(copied, data)
	b.messages = append(b.messages, Message{Subject: subject, Data: copied})
	return nil
}

// FailSubject makes publishes to the subject return err until healed.
func (b *Bus) FailSubject(subject string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[subject] = err
}

func (b *Bus) HealSubject(subject string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.failures, subject)
}

// Published returns all messages sent to the subject.
func (b *Bus) Published(subject string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Message
	for _, m := range b.messages {
		if m.Subject == subject {
			out = append(out, m)
		}
	}
	return out
}

// JobStore is an in-memory service.JobStore enforcing the same forward-only
// transitions as the Postgres repository.
type JobStore struct {
	mu   sync.Mutex
	jobs map[string]*model.Job

	// Err, when set, is returned by every method.
	Err error
}

func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]*model.Job)}
}

func (s *JobStore) Ensure(ctx context.Context, jobID, userID string, payload []byte, at time.Time) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; ok {
		return nil
	}
	s.jobs[jobID] = &model.Job{
		JobID:       jobID,
		UserID:      userID,
		Status:      model.StatusSubmitted,
		Payload:     payload,
		SubmittedAt: at,
		LastUpdated: at,
	}
	return nil
}

func (s *JobStore) Get(ctx context.Context, jobID string) (*model.Job, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, repository.ErrJobNotFound
	}
	copied := *job
	return &copied, nil
}

func (s *JobStore) MarkRouted(ctx context.Context, jobID, provider, mdl, queue string, at time.Time) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || !model.CanTransition(job.Status, model.StatusRouted) {
		return repository.ErrAlreadyProcessed
	}
	job.Status = model.StatusRouted
	job.Provider = provider
	job.Model = mdl
	job.Queue = queue
	dispatched := at
	job.DispatchedAt = &dispatched
	job.LastUpdated = at
	return nil
}

func (s *JobStore) MarkRejected(ctx context.Context, jobID, reason string, at time.Time) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || !model.CanTransition(job.Status, model.StatusRejected) {
		return repository.ErrAlreadyProcessed
	}
	job.Status = model.StatusRejected
	job.RejectionReason = reason
	job.LastUpdated = at
	return nil
}

func (s *JobStore) MarkReconciled(ctx context.Context, jobID string, at time.Time) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || !model.CanTransition(job.Status, model.StatusReconciled) {
		return repository.ErrAlreadyProcessed
	}
	job.Status = model.StatusReconciled
	job.LastUpdated = at
	return nil
}

func (s *JobStore) StuckSubmitted(ctx context.Context, olderThan time.Time, limit int) ([]model.Job, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Job
	for _, job := range s.jobs {
		if job.Status == model.StatusSubmitted && job.LastUpdated.Before(olderThan) {
			out = append(out, *job)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *JobStore) SettleCandidates(ctx context.Context, olderThan time.Time, limit int) ([]model.Job, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Job
	for _, job := range s.jobs {
		if (job.Status == model.StatusDebited || job.Status == model.StatusRefunded) && job.LastUpdated.Before(olderThan) {
			out = append(out, *job)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// transition applies a credit-side status change, mirroring the transaction
// the real CreditRepo runs alongside the ledger write.
func (s *JobStore) transition(jobID string, to model.JobStatus, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || !model.CanTransition(job.Status, to) {
		return
	}
	job.Status = to
	job.LastUpdated = at
}

// ClaimStore is an in-memory idempotency claim table.
type ClaimStore struct {
	mu     sync.Mutex
	claims map[string]bool

	// Err, when set, makes TryClaim fail closed.
	Err error
}

func NewClaimStore() *ClaimStore {
	return &ClaimStore{claims: make(map[string]bool)}
}

func (s *ClaimStore) TryClaim(ctx context.Context, jobID string, op model.OpKind) (bool, error) {
	if s.Err != nil {
		return false, s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := jobID + "/" + string(op)
	if s.claims[key] {
		return false, nil
	}
	s.claims[key] = true
	return true, nil
}

// CreditStore is an in-memory ledger and account store. When Jobs is set,
// adjustments also move the job status, like the transactional repository.
type CreditStore struct {
	mu       sync.Mutex
	balances map[string]int64
	entries  map[string]model.LedgerEntry

	Jobs *JobStore

	// Err, when set, is returned by adjustment methods.
	Err error
}

func NewCreditStore(jobs *JobStore) *CreditStore {
	return &CreditStore{
		balances: make(map[string]int64),
		entries:  make(map[string]model.LedgerEntry),
		Jobs:     jobs,
	}
}

func (s *CreditStore) CreateAccount(ctx context.Context, userID string, initialCents int64) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.balances[userID]; ok {
		return repository.ErrAlreadyProcessed
	}
	s.balances[userID] = initialCents
	return nil
}

func (s *CreditStore) Balance(ctx context.Context, userID string) (int64, error) {
	if s.Err != nil {
		return 0, s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	balance, ok := s.balances[userID]
	if !ok {
		return 0, repository.ErrAccountNotFound
	}
	return balance, nil
}

func (s *CreditStore) ApplyDebit(ctx context.Context, jobID, userID string, costCents int64, description string, anomaly bool, at time.Time) (int64, error) {
	if s.Err != nil {
		return 0, s.Err
	}
	s.mu.Lock()
	ledgerID := model.LedgerID(jobID, model.OpDebit)
	if _, ok := s.entries[ledgerID]; ok {
		s.mu.Unlock()
		return 0, repository.ErrAlreadyProcessed
	}
	balance, ok := s.balances[userID]
	if !ok {
		s.mu.Unlock()
		return 0, repository.ErrAccountNotFound
	}
	if balance < costCents {
		s.mu.Unlock()
		return 0, repository.ErrInsufficientFunds
	}
	s.balances[userID] = balance - costCents
	s.entries[ledgerID] = model.LedgerEntry{
		LedgerID:    ledgerID,
		UserID:      userID,
		JobID:       jobID,
		AmountCents: -costCents,
		Type:        model.EntryDebit,
		Anomaly:     anomaly,
		Description: description,
		CreatedAt:   at,
	}
	newBalance := s.balances[userID]
	s.mu.Unlock()

	if s.Jobs != nil {
		s.Jobs.transition(jobID, model.StatusDebited, at)
	}
	return newBalance, nil
}

func (s *CreditStore) ApplyRefund(ctx context.Context, jobID string, at time.Time) (int64, error) {
	if s.Err != nil {
		return 0, s.Err
	}
	s.mu.Lock()
	debit, ok := s.entries[model.LedgerID(jobID, model.OpDebit)]
	if !ok {
		s.mu.Unlock()
		return 0, repository.ErrNoDebitFound
	}
	ledgerID := model.LedgerID(jobID, model.OpRefund)
	if _, ok := s.entries[ledgerID]; ok {
		s.mu.Unlock()
		return 0, repository.ErrAlreadyProcessed
	}
	refund := -debit.AmountCents
	if _, ok := s.balances[debit.UserID]; !ok {
		s.mu.Unlock()
		return 0, repository.ErrAccountNotFound
	}
	s.balances[debit.UserID] += refund
	s.entries[ledgerID] = model.LedgerEntry{
		LedgerID:    ledgerID,
		UserID:      debit.UserID,
		JobID:       jobID,
		AmountCents: refund,
		Type:        model.EntryCredit,
		Description: fmt.Sprintf("Refund for failed job %s", jobID),
		CreatedAt:   at,
	}
	newBalance := s.balances[debit.UserID]
	s.mu.Unlock()

	if s.Jobs != nil {
		s.Jobs.transition(jobID, model.StatusRefunded, at)
	}
	return newBalance, nil
}

func (s *CreditStore) Entries(ctx context.Context, userID string, limit int) ([]model.LedgerEntry, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.LedgerEntry
	for _, e := range s.entries {
		if e.UserID == userID {
			out = append(out, e)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// Entry returns the ledger entry with the given id, if present.
func (s *CreditStore) Entry(ledgerID string) (model.LedgerEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[ledgerID]
	return e, ok
}

// EntryCount returns the number of ledger entries for a job.
func (s *CreditStore) EntryCount(jobID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, e := range s.entries {
		if e.JobID == jobID {
			count++
		}
	}
	return count
}

// DeadLetterStore records dead-lettered events.
type DeadLetterStore struct {
	mu      sync.Mutex
	Letters []model.DeadLetter

	// Err, when set, makes Save fail.
	Err error
}

func NewDeadLetterStore() *DeadLetterStore {
	return &DeadLetterStore{}
}

func (s *DeadLetterStore) Save(ctx context.Context, subject string, payload []byte, lastError string, attempts int, at time.Time) (string, error) {
	if s.Err != nil {
		return "", s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := fmt.Sprintf("dl-%d", len(s.Letters)+1)
	s.Letters = append(s.Letters, model.DeadLetter{
		ID:         id,
		Subject:    subject,
		Payload:    payload,
		LastError:  lastError,
		Attempts:   attempts,
		ReceivedAt: at,
	})
	return id, nil
}

func (s *DeadLetterStore) PurgeExpired(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []model.DeadLetter
	var purged int64
	for _, dl := range s.Letters {
		if dl.ReceivedAt.Before(olderThan) {
			purged++
			continue
		}
		kept = append(kept, dl)
	}
	s.Letters = kept
	return purged, nil
}
