// Package approval implements the optional human-in-the-loop approval
// extension: when at least one delivery channel is configured, the broker
// holds a window kill until a human echoes back a one-time code delivered
// over push notification or Slack.
//
// With no channels configured the broker has no gate and window kills
// execute directly, so clients that never receive approval_required never
// need to send approve_pending.
package approval

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultExpiry bounds how long a human has to approve before the pending
// mutation is discarded.
const DefaultExpiry = 5 * time.Minute

// Channel delivers a one-time code to a human for out-of-band approval.
type Channel interface {
	Notify(ctx context.Context, message string) error
}

type pending struct {
	clientID  string
	secret    string
	counter   uint64
	createdAt time.Time
	expiresAt time.Time
}

// Manager tracks in-flight approval requests and the channels used to
// deliver their codes.
type Manager struct {
	mu       sync.Mutex
	store    *Store
	channels []Channel
	expiry   time.Duration
	logger   *slog.Logger
	pending  map[string]*pending
}

func NewManager(store *Store, expiry time.Duration, logger *slog.Logger, channels ...Channel) *Manager {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:    store,
		channels: channels,
		expiry:   expiry,
		logger:   logger,
		pending:  make(map[string]*pending),
	}
}

// Request mints a new pending approval, delivers its one-time code over
// every configured channel, and returns the approvalId the control socket
// should remember as ControlContext.pendingApprovalId.
func (m *Manager) Request(ctx context.Context, clientID, action string) (string, error) {
	secret, err := generateSecret()
	if err != nil {
		return "", fmt.Errorf("generate approval secret: %w", err)
	}

	approvalID := uuid.New().String()
	code, err := generateCode(secret, 0)
	if err != nil {
		return "", fmt.Errorf("generate approval code: %w", err)
	}

	now := time.Now()
	m.mu.Lock()
	m.pending[approvalID] = &pending{
		clientID:  clientID,
		secret:    secret,
		counter:   0,
		createdAt: now,
		expiresAt: now.Add(m.expiry),
	}
	m.mu.Unlock()

	message := fmt.Sprintf("Approve %q for client %s? Code: %s", action, clientID, code)
	for _, ch := range m.channels {
		if err := ch.Notify(ctx, message); err != nil {
			m.logger.Debug("approval channel notify failed", "err", err)
		}
	}

	if m.store != nil {
		if err := m.store.RecordRequested(ctx, approvalID, clientID, action); err != nil {
			m.logger.Debug("approval audit write failed", "err", err)
		}
	}

	return approvalID, nil
}

// Resolve is the second half of the broker's ApprovalGate: it reports
// whether the supplied code is valid for approvalID, and records the
// outcome in the audit trail. A successful resolution removes the pending
// entry so the code cannot be replayed.
func (m *Manager) Resolve(approvalID, code string) bool {
	m.mu.Lock()
	p, ok := m.pending[approvalID]
	if ok && time.Now().After(p.expiresAt) {
		delete(m.pending, approvalID)
		ok = false
	}
	m.mu.Unlock()
	if !ok {
		return false
	}

	if !validateCode(code, p.secret, p.counter) {
		if m.store != nil {
			_ = m.store.RecordOutcome(context.Background(), approvalID, "rejected")
		}
		return false
	}

	m.mu.Lock()
	delete(m.pending, approvalID)
	m.mu.Unlock()

	if m.store != nil {
		_ = m.store.RecordOutcome(context.Background(), approvalID, "approved")
	}
	return true
}

func generateSecret() (string, error) {
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base32.StdEncoding.EncodeToString(buf), nil
}
