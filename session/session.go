// Package session manages out-of-band payment capture sessions.
//
// A session is the handle used when payment capture happens in a separate
// interactive context (e.g., a browser) decoupled from the original request:
// the capture flow writes the session exactly once (Pending → Completed or
// Pending → Failed) while pollers read it from independent request flows.
// Every operation on the shared session map is atomic under one guard.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/machinepay/paygate"
)

// Status is the lifecycle stage of a capture session.
type Status string

const (
	// StatusPending means the capture flow has not finished yet.
	StatusPending Status = "pending"

	// StatusCompleted means capture produced a payment payload. Terminal.
	StatusCompleted Status = "completed"

	// StatusFailed means capture failed. Terminal.
	StatusFailed Status = "failed"
)

// Session is an out-of-band payment capture handle.
// An expired session behaves as "not found" regardless of status; callers
// cannot distinguish "never existed" from "expired".
type Session struct {
	// ID is the opaque, unguessable session identifier.
	ID string `json:"sessionId"`

	// Status is the capture status.
	Status Status `json:"status"`

	// Payload is the captured payment, set only on Completed.
	Payload *paygate.PaymentPayload `json:"payload,omitempty"`

	// Error describes the capture failure, set only on Failed.
	Error string `json:"error,omitempty"`

	// CreatedAt is when the session was created.
	CreatedAt time.Time `json:"createdAt"`

	// ExpiresAt is when the session stops existing for all callers.
	ExpiresAt time.Time `json:"expiresAt"`
}

// Defaults for session lifecycle timing.
const (
	DefaultTTL           = 15 * time.Minute
	DefaultPollInterval  = 250 * time.Millisecond
	DefaultSweepInterval = time.Minute
)

// Manager owns the shared session map. Construct one at process start and
// hand it to every component that needs it; all mutation goes through the
// manager's guard.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	ttl           time.Duration
	pollInterval  time.Duration
	sweepInterval time.Duration
	logger        *slog.Logger
	now           func() time.Time

	sweepMu     sync.Mutex
	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithTTL sets the session lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.ttl = ttl }
}

// WithPollInterval sets the WaitForCompletion poll period.
func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) { m.pollInterval = d }
}

// WithSweepInterval sets the background sweep period.
func WithSweepInterval(d time.Duration) Option {
	return func(m *Manager) { m.sweepInterval = d }
}

// WithLogger sets the manager's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager creates a session manager with a 15 minute default TTL.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		sessions:      make(map[string]*Session),
		ttl:           DefaultTTL,
		pollInterval:  DefaultPollInterval,
		sweepInterval: DefaultSweepInterval,
		logger:        slog.Default(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// newSessionID returns an unguessable identifier.
func newSessionID() string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		panic("session: crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(buf)
}

// Create starts a new Pending session and returns a copy of it.
func (m *Manager) Create() Session {
	now := m.now()
	s := &Session{
		ID:        newSessionID(),
		Status:    StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.logger.Info("payment session created", "sessionId", s.ID, "expiresAt", s.ExpiresAt)
	return *s
}

// Get returns a copy of the session, or false for missing or expired
// sessions. An expired session encountered on read is evicted.
func (m *Manager) Get(id string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(id)
}

// getLocked is Get under an already-held lock.
func (m *Manager) getLocked(id string) (Session, bool) {
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, false
	}
	if m.now().After(s.ExpiresAt) {
		delete(m.sessions, id)
		return Session{}, false
	}
	return *s, true
}

// Complete transitions Pending → Completed with the captured payload.
// Returns false when the session is missing, expired, or no longer Pending;
// a terminal session is never overwritten.
func (m *Manager) Complete(id string, payload *paygate.PaymentPayload) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok || m.now().After(s.ExpiresAt) || s.Status != StatusPending {
		return false
	}

	snapshot := *payload
	s.Payload = &snapshot
	s.Status = StatusCompleted
	return true
}

// Fail transitions Pending → Failed with an error description.
// Returns false when the session is missing, expired, or no longer Pending.
func (m *Manager) Fail(id, errMsg string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok || m.now().After(s.ExpiresAt) || s.Status != StatusPending {
		return false
	}

	s.Error = errMsg
	s.Status = StatusFailed
	return true
}

// Delete removes a session explicitly.
func (m *Manager) Delete(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// Len reports the number of live sessions, expired included until swept.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// WaitForCompletion polls the session until it leaves Pending, the timeout
// elapses, or the session vanishes. No lock is held between polls. A timed
// out wait leaves the session untouched: its writer may still complete it
// later, to be found by a fresh poll or to expire naturally.
func (m *Manager) WaitForCompletion(ctx context.Context, id string, timeout time.Duration) (Session, bool) {
	deadline := m.now().Add(timeout)

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		s, ok := m.Get(id)
		if !ok {
			return Session{}, false
		}
		if s.Status != StatusPending {
			return s, true
		}
		if !m.now().Before(deadline) {
			return Session{}, false
		}

		select {
		case <-ctx.Done():
			return Session{}, false
		case <-ticker.C:
		}
	}
}

// StartSweep launches the background expiry sweep. Calling it on a manager
// whose sweep is already running is a no-op.
func (m *Manager) StartSweep() {
	m.sweepMu.Lock()
	defer m.sweepMu.Unlock()

	if m.sweepCancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.sweepCancel = cancel
	m.sweepDone = make(chan struct{})

	go m.sweepLoop(ctx, m.sweepDone)
}

// StopSweep halts the background sweep and waits for it to exit. Safe to
// call repeatedly and without a prior StartSweep.
func (m *Manager) StopSweep() {
	m.sweepMu.Lock()
	defer m.sweepMu.Unlock()

	if m.sweepCancel == nil {
		return
	}
	m.sweepCancel()
	<-m.sweepDone
	m.sweepCancel = nil
	m.sweepDone = nil
}

func (m *Manager) sweepLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.sweepExpired(); n > 0 {
				m.logger.Debug("swept expired payment sessions", "count", n)
			}
		}
	}
}

// sweepExpired removes sessions past their expiry under the same guard as
// ordinary reads and writes.
func (m *Manager) sweepExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for id, s := range m.sessions {
		if now.After(s.ExpiresAt) {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed
}
