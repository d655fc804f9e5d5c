package approval

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type fakeChannel struct {
	mu       sync.Mutex
	messages []string
	failNext bool
}

func (f *fakeChannel) Notify(ctx context.Context, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return errFakeNotify
	}
	f.messages = append(f.messages, message)
	return nil
}

func (f *fakeChannel) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

const errFakeNotify = fakeErr("channel unavailable")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestManager(expiry time.Duration, ch ...Channel) (*Manager, *fakeChannel) {
	fc := &fakeChannel{}
	chans := append([]Channel{fc}, ch...)
	return NewManager(nil, expiry, discardLogger(), chans...), fc
}

func extractCode(t *testing.T, m *Manager, approvalID string) string {
	t.Helper()
	m.mu.Lock()
	p, ok := m.pending[approvalID]
	m.mu.Unlock()
	if !ok {
		t.Fatalf("approval %s not pending", approvalID)
	}
	code, err := generateCode(p.secret, p.counter)
	if err != nil {
		t.Fatalf("generateCode: %v", err)
	}
	return code
}

func TestRequest_NotifiesChannel(t *testing.T) {
	m, fc := newTestManager(0)
	ctx := context.Background()

	approvalID, err := m.Request(ctx, "client-a", "kill_session")
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if approvalID == "" {
		t.Fatalf("expected non-empty approvalId")
	}
	if fc.count() != 1 {
		t.Fatalf("expected 1 notification, got %d", fc.count())
	}
}

func TestResolve_CorrectCodeSucceeds(t *testing.T) {
	m, _ := newTestManager(time.Minute)
	ctx := context.Background()

	approvalID, err := m.Request(ctx, "client-a", "kill_session")
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	code := extractCode(t, m, approvalID)

	if !m.Resolve(approvalID, code) {
		t.Fatalf("expected Resolve to succeed with correct code")
	}
}

func TestResolve_WrongCodeFails(t *testing.T) {
	m, _ := newTestManager(time.Minute)
	ctx := context.Background()

	approvalID, err := m.Request(ctx, "client-a", "kill_session")
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	if m.Resolve(approvalID, "000000") {
		t.Fatalf("expected Resolve to fail with wrong code")
	}
	// pending entry must survive a wrong attempt
	m.mu.Lock()
	_, stillPending := m.pending[approvalID]
	m.mu.Unlock()
	if !stillPending {
		t.Fatalf("wrong code must not consume the pending approval")
	}
}

func TestResolve_CodeIsSingleUse(t *testing.T) {
	m, _ := newTestManager(time.Minute)
	ctx := context.Background()

	approvalID, err := m.Request(ctx, "client-a", "kill_session")
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	code := extractCode(t, m, approvalID)

	if !m.Resolve(approvalID, code) {
		t.Fatalf("first Resolve should succeed")
	}
	if m.Resolve(approvalID, code) {
		t.Fatalf("replaying the same code must fail")
	}
}

func TestResolve_ExpiredApprovalFails(t *testing.T) {
	m, _ := newTestManager(time.Millisecond)
	ctx := context.Background()

	approvalID, err := m.Request(ctx, "client-a", "kill_session")
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	code := extractCode(t, m, approvalID)

	time.Sleep(5 * time.Millisecond)
	if m.Resolve(approvalID, code) {
		t.Fatalf("expired approval must not resolve")
	}
}

func TestResolve_UnknownApprovalIDFails(t *testing.T) {
	m, _ := newTestManager(time.Minute)
	if m.Resolve("does-not-exist", "123456") {
		t.Fatalf("unknown approvalId must not resolve")
	}
}
