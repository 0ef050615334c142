// Package state holds the authoritative status of payment attempts.
//
// Each protected invocation (a task or request id) owns one PaymentState.
// Transitions form a DAG:
//
//	Required → Submitted → Verified → Settled
//	              ↓            ↓
//	            Failed ←-------+
//
// Settled is terminal and idempotent: re-driving settlement on an already
// settled state returns the cached receipt without touching the chain.
package state

import (
	"fmt"
	"sync"
	"time"

	"github.com/machinepay/paygate"
)

// Status is the lifecycle stage of one payment attempt.
type Status string

const (
	// StatusRequired means a requirement was issued and no payment arrived yet.
	StatusRequired Status = "required"

	// StatusSubmitted means the caller submitted a payload, not yet verified.
	StatusSubmitted Status = "submitted"

	// StatusVerified means the facilitator confirmed the payment is valid.
	StatusVerified Status = "verified"

	// StatusSettled means the payment executed on chain. Terminal.
	StatusSettled Status = "settled"

	// StatusFailed means verification or settlement failed. Terminal.
	StatusFailed Status = "failed"
)

// PaymentState is the authoritative record for one payment attempt.
type PaymentState struct {
	// Status is the current lifecycle stage.
	Status Status

	// Requirement is a snapshot of the issued requirement.
	Requirement paygate.PaymentRequirement

	// Payload is a snapshot of the submitted payment, once submitted.
	Payload *paygate.PaymentPayload

	// Receipt is the settlement receipt, once settled.
	Receipt *paygate.SettleResponse

	// ErrorReason records why the attempt failed, once failed.
	ErrorReason string

	// IssuedAt is when the requirement was issued; expiry counts from here.
	IssuedAt time.Time

	// Attempts counts settlement attempts made for this payment.
	Attempts int
}

// Store is a keyed payment state machine. Transitions on a given key are
// serialized: each is checked against the current status and applied as one
// atomic step under the store's lock. The state is destroyed with Delete when
// the owning task's record goes away.
type Store struct {
	mu     sync.Mutex
	states map[string]*PaymentState
	now    func() time.Time
}

// NewStore creates an empty payment state store.
func NewStore() *Store {
	return &Store{
		states: make(map[string]*PaymentState),
		now:    time.Now,
	}
}

// invalidTransition builds the error for an event not reachable from the
// current status. Treated as an internal fault, never shown to callers.
func invalidTransition(key, event string, from Status) error {
	return paygate.NewPaymentError(paygate.ErrCodeInvalidTransition,
		fmt.Sprintf("cannot apply %s to payment %q in status %s", event, key, from),
		paygate.ErrInvalidTransition)
}

// Require issues a requirement for key, creating the state in Required.
// Applying Require to an existing key is invalid: requirements are immutable
// once issued.
func (s *Store) Require(key string, req paygate.PaymentRequirement) (PaymentState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.states[key]; ok {
		return *existing, invalidTransition(key, "Require", existing.Status)
	}

	st := &PaymentState{
		Status:      StatusRequired,
		Requirement: req,
		IssuedAt:    s.now(),
	}
	s.states[key] = st
	return *st, nil
}

// Submit records the caller's payload, moving Required → Submitted.
func (s *Store) Submit(key string, payload *paygate.PaymentPayload) (PaymentState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[key]
	if !ok {
		return PaymentState{}, invalidTransition(key, "Submit", "")
	}
	if st.Status != StatusRequired {
		return *st, invalidTransition(key, "Submit", st.Status)
	}

	snapshot := *payload
	st.Payload = &snapshot
	st.Status = StatusSubmitted
	return *st, nil
}

// Verify marks a submitted payment as verified, Submitted → Verified.
func (s *Store) Verify(key string) (PaymentState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[key]
	if !ok {
		return PaymentState{}, invalidTransition(key, "Verify", "")
	}
	if st.Status != StatusSubmitted {
		return *st, invalidTransition(key, "Verify", st.Status)
	}

	st.Status = StatusVerified
	return *st, nil
}

// VerifyFail records a verification rejection, Submitted → Failed.
func (s *Store) VerifyFail(key, reason string) (PaymentState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[key]
	if !ok {
		return PaymentState{}, invalidTransition(key, "VerifyFail", "")
	}
	if st.Status != StatusSubmitted {
		return *st, invalidTransition(key, "VerifyFail", st.Status)
	}

	st.Status = StatusFailed
	st.ErrorReason = reason
	return *st, nil
}

// Settle records a settlement receipt, Verified → Settled. Settled is
// idempotent: settling an already settled key returns the existing state
// with its cached receipt unchanged.
func (s *Store) Settle(key string, receipt *paygate.SettleResponse) (PaymentState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[key]
	if !ok {
		return PaymentState{}, invalidTransition(key, "Settle", "")
	}
	if st.Status == StatusSettled {
		return *st, nil
	}
	if st.Status != StatusVerified {
		return *st, invalidTransition(key, "Settle", st.Status)
	}

	snapshot := *receipt
	st.Receipt = &snapshot
	st.Status = StatusSettled
	return *st, nil
}

// SettleFail records settlement failure after retries, Verified → Failed.
func (s *Store) SettleFail(key, reason string) (PaymentState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[key]
	if !ok {
		return PaymentState{}, invalidTransition(key, "SettleFail", "")
	}
	if st.Status != StatusVerified {
		return *st, invalidTransition(key, "SettleFail", st.Status)
	}

	st.Status = StatusFailed
	st.ErrorReason = reason
	return *st, nil
}

// AddAttempts adds n to the settlement attempt counter for observability.
func (s *Store) AddAttempts(key string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.states[key]; ok {
		st.Attempts += n
	}
}

// Status returns the current status for key. Pure read, no side effects.
func (s *Store) Status(key string) (Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[key]
	if !ok {
		return "", false
	}
	return st.Status, true
}

// Requirement returns the issued requirement snapshot for key.
func (s *Store) Requirement(key string) (paygate.PaymentRequirement, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[key]
	if !ok {
		return paygate.PaymentRequirement{}, false
	}
	return st.Requirement, true
}

// Payload returns the submitted payload snapshot for key, if any.
func (s *Store) Payload(key string) (*paygate.PaymentPayload, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[key]
	if !ok || st.Payload == nil {
		return nil, false
	}
	snapshot := *st.Payload
	return &snapshot, true
}

// Receipt returns the cached settlement receipt for key, if settled.
func (s *Store) Receipt(key string) (*paygate.SettleResponse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[key]
	if !ok || st.Receipt == nil {
		return nil, false
	}
	snapshot := *st.Receipt
	return &snapshot, true
}

// State returns a copy of the full state record for key.
func (s *Store) State(key string) (PaymentState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[key]
	if !ok {
		return PaymentState{}, false
	}
	return *st, true
}

// Delete removes the state for key. Called when the owning task's record is
// destroyed.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, key)
}
