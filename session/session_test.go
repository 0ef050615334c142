package session

import (
	"context"
	"testing"
	"time"

	"github.com/machinepay/paygate"
)

func testPayload() *paygate.PaymentPayload {
	return &paygate.PaymentPayload{
		X402Version: 2,
		Scheme:      "exact",
		Network:     "eip155:84532",
		Authorization: paygate.ExactAuthorization{
			From:  "0x857b06519E91e3A54538791bDbb0E22373e36b66",
			To:    "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
			Value: "10000",
			Nonce: "0xf374",
		},
	}
}

func TestCreateAndGet(t *testing.T) {
	m := NewManager()
	s := m.Create()

	if s.ID == "" {
		t.Fatal("Create returned empty session ID")
	}
	if s.Status != StatusPending {
		t.Errorf("Status = %q, want %q", s.Status, StatusPending)
	}
	if !s.ExpiresAt.Equal(s.CreatedAt.Add(DefaultTTL)) {
		t.Errorf("ExpiresAt = %v, want CreatedAt + %v", s.ExpiresAt, DefaultTTL)
	}

	got, ok := m.Get(s.ID)
	if !ok {
		t.Fatal("Get returned false for a live session")
	}
	if got.ID != s.ID || got.Status != StatusPending {
		t.Errorf("Get = %+v, want the created session", got)
	}
}

func TestSessionIDsAreDistinct(t *testing.T) {
	m := NewManager()
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		s := m.Create()
		if len(s.ID) != 48 {
			t.Fatalf("session ID length = %d, want 48 hex chars", len(s.ID))
		}
		if seen[s.ID] {
			t.Fatalf("duplicate session ID %q", s.ID)
		}
		seen[s.ID] = true
	}
}

func TestGetMissing(t *testing.T) {
	m := NewManager()
	if _, ok := m.Get("no-such-session"); ok {
		t.Error("Get returned true for an unknown session")
	}
}

func TestExpiredSessionIsNotFound(t *testing.T) {
	now := time.Now()
	m := NewManager(WithTTL(time.Minute))
	m.now = func() time.Time { return now }

	s := m.Create()

	now = now.Add(time.Minute + time.Second)
	if _, ok := m.Get(s.ID); ok {
		t.Error("Get returned true for an expired session")
	}
	// Read-time eviction removed it from the map.
	if m.Len() != 0 {
		t.Errorf("Len = %d after expired read, want 0", m.Len())
	}
}

func TestCompleteSnapshotsPayload(t *testing.T) {
	m := NewManager()
	s := m.Create()

	payload := testPayload()
	if !m.Complete(s.ID, payload) {
		t.Fatal("Complete returned false for a pending session")
	}
	payload.Authorization.Value = "999999"

	got, ok := m.Get(s.ID)
	if !ok {
		t.Fatal("Get returned false after Complete")
	}
	if got.Status != StatusCompleted {
		t.Errorf("Status = %q, want %q", got.Status, StatusCompleted)
	}
	if got.Payload == nil || got.Payload.Authorization.Value != "10000" {
		t.Errorf("Payload.Value = %v, want snapshot 10000", got.Payload)
	}
}

func TestFail(t *testing.T) {
	m := NewManager()
	s := m.Create()

	if !m.Fail(s.ID, "wallet rejected") {
		t.Fatal("Fail returned false for a pending session")
	}
	got, _ := m.Get(s.ID)
	if got.Status != StatusFailed {
		t.Errorf("Status = %q, want %q", got.Status, StatusFailed)
	}
	if got.Error != "wallet rejected" {
		t.Errorf("Error = %q, want %q", got.Error, "wallet rejected")
	}
}

func TestTerminalSessionIsNeverOverwritten(t *testing.T) {
	m := NewManager()
	s := m.Create()

	if !m.Complete(s.ID, testPayload()) {
		t.Fatal("Complete returned false")
	}
	if m.Fail(s.ID, "late failure") {
		t.Error("Fail overwrote a completed session")
	}
	if m.Complete(s.ID, testPayload()) {
		t.Error("Complete succeeded twice")
	}

	got, _ := m.Get(s.ID)
	if got.Status != StatusCompleted || got.Error != "" {
		t.Errorf("session = %+v, want Completed with no error", got)
	}
}

func TestCompleteExpired(t *testing.T) {
	now := time.Now()
	m := NewManager(WithTTL(time.Minute))
	m.now = func() time.Time { return now }

	s := m.Create()
	now = now.Add(2 * time.Minute)

	if m.Complete(s.ID, testPayload()) {
		t.Error("Complete returned true for an expired session")
	}
}

func TestWaitForCompletionObservesWriter(t *testing.T) {
	m := NewManager(WithPollInterval(5 * time.Millisecond))
	s := m.Create()

	go func() {
		time.Sleep(20 * time.Millisecond)
		m.Complete(s.ID, testPayload())
	}()

	got, ok := m.WaitForCompletion(context.Background(), s.ID, 2*time.Second)
	if !ok {
		t.Fatal("WaitForCompletion returned false, want completed session")
	}
	if got.Status != StatusCompleted {
		t.Errorf("Status = %q, want %q", got.Status, StatusCompleted)
	}
	if got.Payload == nil {
		t.Error("Payload is nil after completion")
	}
}

func TestWaitForCompletionTimeout(t *testing.T) {
	m := NewManager(WithPollInterval(5 * time.Millisecond))
	s := m.Create()

	if _, ok := m.WaitForCompletion(context.Background(), s.ID, 30*time.Millisecond); ok {
		t.Error("WaitForCompletion returned true for a session nobody completed")
	}

	// The timed-out wait leaves the session pending for a later poll.
	got, ok := m.Get(s.ID)
	if !ok || got.Status != StatusPending {
		t.Errorf("session after timeout = %+v, %v; want pending, true", got, ok)
	}
}

func TestWaitForCompletionContextCancel(t *testing.T) {
	m := NewManager(WithPollInterval(5 * time.Millisecond))
	s := m.Create()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(15 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	if _, ok := m.WaitForCompletion(ctx, s.ID, 10*time.Second); ok {
		t.Error("WaitForCompletion returned true after context cancel")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("WaitForCompletion took %v after cancel, want prompt return", elapsed)
	}
}

func TestWaitForCompletionVanishedSession(t *testing.T) {
	m := NewManager(WithPollInterval(5 * time.Millisecond))
	if _, ok := m.WaitForCompletion(context.Background(), "no-such-session", time.Second); ok {
		t.Error("WaitForCompletion returned true for a missing session")
	}
}

func TestSweepExpired(t *testing.T) {
	now := time.Now()
	m := NewManager(WithTTL(time.Minute))
	m.now = func() time.Time { return now }

	expired := m.Create()
	now = now.Add(2 * time.Minute)
	live := m.Create()

	removed := m.sweepExpired()
	if removed != 1 {
		t.Errorf("sweepExpired removed %d, want 1", removed)
	}
	if _, ok := m.Get(expired.ID); ok {
		t.Error("expired session survived sweep")
	}
	if _, ok := m.Get(live.ID); !ok {
		t.Error("live session removed by sweep")
	}
}

func TestSweepStartStopIdempotent(t *testing.T) {
	m := NewManager(WithSweepInterval(10 * time.Millisecond))

	m.StopSweep() // stop before start is a no-op
	m.StartSweep()
	m.StartSweep() // second start is a no-op
	m.StopSweep()
	m.StopSweep() // second stop is a no-op

	// Restart after stop works.
	m.StartSweep()
	m.StopSweep()
}

func TestDelete(t *testing.T) {
	m := NewManager()
	s := m.Create()
	m.Delete(s.ID)
	if _, ok := m.Get(s.ID); ok {
		t.Error("Get returned true after Delete")
	}
	m.Delete(s.ID) // deleting twice is fine
}
