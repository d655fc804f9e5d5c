// Package broker is the hub: it accepts the two WebSocket planes, tracks
// control contexts and their bound data sockets, routes control messages to
// the gateway and runtime, and owns graceful shutdown.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/muxgate/muxgate/internal/auth"
	"github.com/muxgate/muxgate/internal/monitor"
	"github.com/muxgate/muxgate/internal/ptyproc"
	"github.com/muxgate/muxgate/internal/runtime"
	"github.com/muxgate/muxgate/internal/tmux"
)

// Config is the subset of RuntimeConfig the broker needs directly.
type Config struct {
	DefaultSession  string
	ScrollbackLines int
	PollIntervalMs  int
}

// Broker is the connection-and-session hub for one running instance.
type Broker struct {
	gateway tmux.Gateway
	factory ptyproc.Factory
	authSvc *auth.Service
	cfg     Config
	logger  *slog.Logger
	monitor *monitor.Monitor

	mu         sync.Mutex
	contexts   map[string]*ControlContext // by clientID
	reconnects map[string]*ReconnectState

	stopOnce   sync.Once
	stopResult error
	stopped    chan struct{}
	monitorCtx context.CancelFunc

	// approvalGate is wired in via SetApprovalGate. Nil means the extension
	// is not in use and window kills execute directly.
	approvalGate ApprovalGate
}

// ApprovalGate is the optional human-in-the-loop extension: Request pages a
// human with a one-time code for a named action, Resolve checks the code a
// client echoed back. internal/approval's Manager satisfies this.
type ApprovalGate interface {
	Request(ctx context.Context, clientID, action string) (string, error)
	Resolve(approvalID, code string) bool
}

// SetApprovalGate installs the gate. Once set, kill_window is held until a
// human approves it with the out-of-band code.
func (b *Broker) SetApprovalGate(gate ApprovalGate) {
	b.mu.Lock()
	b.approvalGate = gate
	b.mu.Unlock()
}

func (b *Broker) gate() ApprovalGate {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.approvalGate
}

func New(gateway tmux.Gateway, factory ptyproc.Factory, authSvc *auth.Service, cfg Config, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ScrollbackLines <= 0 {
		cfg.ScrollbackLines = 2000
	}
	b := &Broker{
		gateway:    gateway,
		factory:    factory,
		authSvc:    authSvc,
		cfg:        cfg,
		logger:     logger,
		contexts:   make(map[string]*ControlContext),
		reconnects: make(map[string]*ReconnectState),
		stopped:    make(chan struct{}),
	}
	interval := time.Duration(cfg.PollIntervalMs) * time.Millisecond
	b.monitor = monitor.New(gateway, interval, b.broadcastState, b.onMonitorError, logger)
	return b
}

// Run starts the state monitor. It blocks until ctx is cancelled.
func (b *Broker) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.monitorCtx = cancel
	b.mu.Unlock()
	b.monitor.Run(ctx)
}

func (b *Broker) broadcastState(snap monitor.Snapshot) {
	msg := tmuxStateMsg{Type: "tmux_state", State: snap}
	b.mu.Lock()
	ctxs := make([]*ControlContext, 0, len(b.contexts))
	for _, cc := range b.contexts {
		ctxs = append(ctxs, cc)
	}
	b.mu.Unlock()

	for _, cc := range ctxs {
		b.send(context.Background(), cc, msg)
	}
}

func (b *Broker) onMonitorError(err error) {
	b.logger.Warn("state monitor tick failed", "err", err)
}

func (b *Broker) forcePublish(ctx context.Context) {
	if err := b.monitor.ForcePublish(ctx); err != nil {
		b.logger.Debug("force publish failed", "err", err)
	}
}

// HandleControl runs the control-plane state machine for one socket until
// it closes or ctx is cancelled.
func (b *Broker) HandleControl(ctx context.Context, socket Socket) {
	cc := newControlContext(socket)

	for {
		mt, data, err := socket.Read(ctx)
		if err != nil {
			b.teardownControl(ctx, cc)
			return
		}
		if mt != MessageText {
			continue
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			if cc.isAuthenticated() {
				b.send(ctx, cc, errorOutMsg{Type: "error", Message: (&ProtocolError{Detail: err.Error()}).Error()})
			}
			continue
		}

		if !cc.isAuthenticated() {
			if env.Type != "auth" {
				b.send(ctx, cc, authErrorMsg{Type: "auth_error", Reason: (&AuthFailure{Reason: "auth required"}).Error()})
				continue
			}
			if b.handleControlAuth(ctx, cc, data) {
				continue
			}
			continue
		}

		if env.Type == "auth" {
			continue
		}
		b.handleControlMutation(ctx, cc, env.Type, data)
		b.forcePublish(ctx)
	}
}

// handleControlAuth reports whether the socket is now authenticated: true on
// success, false when the message was rejected. The caller always continues
// reading either way.
func (b *Broker) handleControlAuth(ctx context.Context, cc *ControlContext, data []byte) bool {
	var msg authInboundMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		b.send(ctx, cc, authErrorMsg{Type: "auth_error", Reason: "invalid message format"})
		return false
	}

	if err := b.authSvc.Verify(auth.Credentials{Token: msg.Token, Password: msg.Password}); err != nil {
		b.send(ctx, cc, authErrorMsg{Type: "auth_error", Reason: err.Error()})
		return false
	}

	clientID := b.adoptClientID(cc, msg.ClientID)
	cc.mu.Lock()
	cc.authenticated = true
	cc.clientID = clientID
	cc.mu.Unlock()

	b.mu.Lock()
	b.contexts[clientID] = cc
	recon := b.reconnects[clientID]
	b.mu.Unlock()
	if recon != nil {
		cc.mu.Lock()
		cc.baseSession = recon.BaseSession
		cc.mu.Unlock()
	}

	b.send(ctx, cc, authOkMsg{Type: "auth_ok", ClientID: clientID, RequiresPassword: b.authSvc.RequiresPassword()})

	if err := b.ensureAttachedSession(ctx, cc, ""); err != nil {
		b.send(ctx, cc, errorOutMsg{Type: "error", Message: (&InitialAttachFailure{Err: err}).Error()})
	}
	b.forcePublish(ctx)
	return true
}

// adoptClientID evicts any existing authenticated context already holding
// the requested id, or mints a fresh one.
func (b *Broker) adoptClientID(cc *ControlContext, requested string) string {
	id := requested
	if len(id) > 128 {
		id = id[:128]
	}
	if id == "" {
		id = uuid.New().String()
		return id
	}

	b.mu.Lock()
	existing, ok := b.contexts[id]
	b.mu.Unlock()
	if ok && existing != cc {
		existing.socket.Close(CloseReconnected, closeReasonReconnect)
		b.teardownControl(context.Background(), existing)
	}
	return id
}

func (cc *ControlContext) isAuthenticated() bool {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.authenticated
}

// ensureAttachedSession picks where a freshly authenticated client lands:
// a remembered base session if it still exists, the only session if there
// is exactly one, a newly created default session if there are none, or a
// picker when the client has to choose.
func (b *Broker) ensureAttachedSession(ctx context.Context, cc *ControlContext, forceSession string) error {
	if forceSession != "" {
		return b.attachControlToBaseSession(ctx, cc, forceSession)
	}

	sessions, err := b.gateway.ListSessions(ctx)
	if err != nil {
		return err
	}
	var baseSessions []tmux.SessionSummary
	for _, s := range sessions {
		if !isMobileSession(s.Name) {
			baseSessions = append(baseSessions, s)
		}
	}

	cc.mu.Lock()
	remembered := cc.baseSession
	cc.mu.Unlock()
	if remembered != "" {
		for _, s := range baseSessions {
			if s.Name == remembered {
				return b.attachControlToBaseSession(ctx, cc, remembered)
			}
		}
	}

	if len(baseSessions) == 0 {
		if err := b.gateway.CreateSession(ctx, b.cfg.DefaultSession); err != nil {
			return err
		}
		return b.attachControlToBaseSession(ctx, cc, b.cfg.DefaultSession)
	}
	if len(baseSessions) == 1 {
		return b.attachControlToBaseSession(ctx, cc, baseSessions[0].Name)
	}

	b.send(ctx, cc, sessionPickerMsg{Type: "session_picker", Sessions: baseSessions})
	return nil
}

// attachControlToBaseSession binds a control context to base via its own
// grouped mobile session, creating or recreating that session as needed,
// then attaches the runtime and replays any remembered pane selection.
func (b *Broker) attachControlToBaseSession(ctx context.Context, cc *ControlContext, base string) error {
	cc.mu.Lock()
	clientID := cc.clientID
	prevBase := cc.baseSession
	cc.mu.Unlock()

	mobile := mobileSessionName(clientID)

	sessions, err := b.gateway.ListSessions(ctx)
	if err != nil {
		return err
	}
	mobileExists := false
	for _, s := range sessions {
		if s.Name == mobile {
			mobileExists = true
		}
	}

	if mobileExists && prevBase != base {
		if err := b.gateway.KillSession(ctx, mobile); err != nil {
			b.logger.Debug("kill stale mobile session failed", "session", mobile, "err", err)
		}
		mobileExists = false
	}
	if !mobileExists {
		if err := b.gateway.CreateGroupedSession(ctx, mobile, base); err != nil {
			return fmt.Errorf("create grouped session: %w", err)
		}
	}

	cc.mu.Lock()
	cc.baseSession = base
	cc.attachedSession = mobile
	rt := cc.runtime
	created := false
	if rt == nil {
		rt = runtime.New(b.factory, b.logger)
		cc.runtime = rt
		created = true
	}
	cc.mu.Unlock()

	if created {
		rt.OnData(func(data []byte) {
			b.fanOutData(cc, data)
		})
		rt.OnExit(func(err error) {
			b.send(context.Background(), cc, infoOutMsg{Type: "info", Message: (&RuntimeExit{Err: err}).Error()})
		})
	}

	b.mu.Lock()
	recon, ok := b.reconnects[clientID]
	if !ok {
		recon = &ReconnectState{}
		b.reconnects[clientID] = recon
	}
	recon.BaseSession = base
	recon.UpdatedAt = time.Now()
	b.mu.Unlock()

	if err := rt.Attach(mobile); err != nil {
		return fmt.Errorf("attach runtime: %w", err)
	}

	b.restoreReconnectState(ctx, clientID, mobile)

	b.send(ctx, cc, attachedMsg{Type: "attached", Session: mobile})
	return nil
}

// restoreReconnectState best-effort restores pane selection/zoom from a
// prior control socket for the same clientId. Failures are logged and
// ignored; the client never sees an error for a pane that no longer exists.
func (b *Broker) restoreReconnectState(ctx context.Context, clientID, mobile string) {
	b.mu.Lock()
	recon := b.reconnects[clientID]
	b.mu.Unlock()
	if recon == nil || recon.PaneID == "" {
		return
	}

	if err := b.gateway.SelectPane(ctx, recon.PaneID); err != nil {
		b.logger.Debug("reconnect pane restore failed", "paneId", recon.PaneID, "err", err)
		return
	}

	zoomed, err := b.gateway.IsPaneZoomed(ctx, recon.PaneID)
	if err != nil {
		b.logger.Debug("reconnect zoom check failed", "paneId", recon.PaneID, "err", err)
		return
	}
	if zoomed != recon.Zoomed {
		if err := b.gateway.ZoomPane(ctx, recon.PaneID); err != nil {
			b.logger.Debug("reconnect zoom restore failed", "paneId", recon.PaneID, "err", err)
		}
	}
}

// handleControlMutation dispatches one authenticated control message.
func (b *Broker) handleControlMutation(ctx context.Context, cc *ControlContext, msgType string, data []byte) {
	cc.mu.Lock()
	attached := cc.attachedSession
	clientID := cc.clientID
	cc.mu.Unlock()

	needsAttached := map[string]bool{
		"new_window": true, "select_window": true, "kill_window": true,
		"send_compose": true,
	}
	if needsAttached[msgType] && attached == "" {
		b.send(ctx, cc, errorOutMsg{Type: "error", Message: "no attached session"})
		return
	}

	var err error
	switch msgType {
	case "select_session":
		var m selectSessionMsg
		if err = json.Unmarshal(data, &m); err == nil {
			err = b.attachControlToBaseSession(ctx, cc, m.Session)
		}
	case "new_session":
		var m newSessionMsg
		if err = json.Unmarshal(data, &m); err == nil {
			if err = b.gateway.CreateSession(ctx, m.Name); err == nil {
				err = b.attachControlToBaseSession(ctx, cc, m.Name)
			}
		}
	case "new_window":
		err = b.gateway.NewWindow(ctx, attached)
	case "select_window":
		var m selectWindowMsg
		if err = json.Unmarshal(data, &m); err == nil {
			err = b.gateway.SelectWindow(ctx, attached, m.WindowIndex)
		}
	case "kill_window":
		var m killWindowMsg
		if err = json.Unmarshal(data, &m); err == nil {
			if gate := b.gate(); gate != nil {
				b.requestKillWindowApproval(ctx, cc, gate, m)
				return
			}
			err = b.gateway.KillWindow(ctx, attached, m.WindowIndex)
		}
	case "select_pane":
		var m selectPaneMsg
		if err = json.Unmarshal(data, &m); err == nil {
			if err = b.gateway.SelectPane(ctx, m.PaneID); err == nil {
				b.updateReconnectPane(clientID, m.PaneID)
			}
		}
	case "split_pane":
		var m splitPaneMsg
		if err = json.Unmarshal(data, &m); err == nil {
			err = b.gateway.SplitWindow(ctx, m.PaneID, tmux.Orientation(m.Orientation))
		}
	case "kill_pane":
		var m killPaneMsg
		if err = json.Unmarshal(data, &m); err == nil {
			err = b.gateway.KillPane(ctx, m.PaneID)
		}
	case "zoom_pane":
		var m zoomPaneMsg
		if err = json.Unmarshal(data, &m); err == nil {
			if err = b.gateway.ZoomPane(ctx, m.PaneID); err == nil {
				b.flipReconnectZoom(clientID)
			}
		}
	case "capture_scrollback":
		var m captureScrollbackMsg
		if err = json.Unmarshal(data, &m); err == nil {
			lines := m.Lines
			if lines <= 0 {
				lines = b.cfg.ScrollbackLines
			}
			var text string
			text, err = b.gateway.CapturePane(ctx, m.PaneID, lines)
			if err == nil {
				b.send(ctx, cc, scrollbackMsg{Type: "scrollback", PaneID: m.PaneID, Text: text, Lines: lines})
				return
			}
		}
	case "send_compose":
		var m sendComposeMsg
		if err = json.Unmarshal(data, &m); err == nil {
			cc.mu.Lock()
			rt := cc.runtime
			cc.mu.Unlock()
			if rt != nil {
				err = rt.Write([]byte(m.Text + "\r"))
			}
		}
	case "approve_pending":
		var m approvePendingMsg
		if err = json.Unmarshal(data, &m); err == nil {
			err = b.resolveApproval(ctx, cc, m.ApprovalID, m.Code)
		}
	default:
		b.send(ctx, cc, errorOutMsg{Type: "error", Message: "invalid message format"})
		return
	}

	if err != nil {
		b.send(ctx, cc, errorOutMsg{Type: "error", Message: (&GatewayError{Op: msgType, Err: err}).Error()})
	}
}

func (b *Broker) updateReconnectPane(clientID, paneID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.reconnects[clientID]
	if !ok {
		r = &ReconnectState{}
		b.reconnects[clientID] = r
	}
	r.PaneID = paneID
	r.UpdatedAt = time.Now()
}

func (b *Broker) flipReconnectZoom(clientID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.reconnects[clientID]
	if !ok {
		r = &ReconnectState{}
		b.reconnects[clientID] = r
	}
	r.Zoomed = !r.Zoomed
	r.UpdatedAt = time.Now()
}

// requestKillWindowApproval holds a window kill until a human echoes back
// the one-time code delivered out of band. Window kills propagate to the
// base session every other client shares, which is why this is the
// mutation the gate protects.
func (b *Broker) requestKillWindowApproval(ctx context.Context, cc *ControlContext, gate ApprovalGate, m killWindowMsg) {
	cc.mu.Lock()
	clientID := cc.clientID
	cc.mu.Unlock()

	approvalID, err := gate.Request(ctx, clientID, "kill_window")
	if err != nil {
		b.send(ctx, cc, errorOutMsg{Type: "error", Message: (&GatewayError{Op: "kill_window approval", Err: err}).Error()})
		return
	}

	cc.mu.Lock()
	cc.pendingApprovalID = approvalID
	cc.pendingKillWindow = &m
	cc.mu.Unlock()

	b.send(ctx, cc, approvalRequiredMsg{Type: "approval_required", ApprovalID: approvalID, Action: "kill_window"})
}

// resolveApproval executes the held window kill once the human-delivered
// code checks out. A wrong code leaves the pending mutation in place for
// another attempt; the approval package enforces expiry and single use.
func (b *Broker) resolveApproval(ctx context.Context, cc *ControlContext, approvalID, code string) error {
	cc.mu.Lock()
	pendingID := cc.pendingApprovalID
	pendingKill := cc.pendingKillWindow
	attached := cc.attachedSession
	cc.mu.Unlock()

	gate := b.gate()
	if gate == nil || pendingID == "" || pendingID != approvalID {
		return fmt.Errorf("no matching pending approval")
	}
	if !gate.Resolve(approvalID, code) {
		return fmt.Errorf("approval code rejected")
	}

	cc.mu.Lock()
	cc.pendingApprovalID = ""
	cc.pendingKillWindow = nil
	cc.mu.Unlock()

	if pendingKill == nil || attached == "" {
		return nil
	}
	return b.gateway.KillWindow(ctx, attached, pendingKill.WindowIndex)
}

// HandleData runs the data-plane state machine for one socket until it
// closes or ctx is cancelled.
func (b *Broker) HandleData(ctx context.Context, socket Socket) {
	dc := &DataContext{socket: socket}

	for {
		mt, data, err := socket.Read(ctx)
		if err != nil {
			b.teardownData(dc)
			return
		}

		if !dc.authenticated {
			if mt == MessageBinary {
				socket.Close(CloseUnauthorized, "auth required")
				return
			}
			if !b.handleDataAuth(ctx, dc, data) {
				socket.Close(CloseUnauthorized, "unauthorized")
				return
			}
			continue
		}

		if mt == MessageBinary {
			dc.control.runtimeWrite(data)
			continue
		}

		// Ambiguity policy: attempt resize parse; otherwise forward raw bytes.
		var rz resizeMsg
		if looksLikeJSONObject(data) && json.Unmarshal(data, &rz) == nil && rz.Type == "resize" {
			dc.control.runtimeResize(rz.Cols, rz.Rows)
			continue
		}
		dc.control.runtimeWrite(data)
	}
}

func looksLikeJSONObject(data []byte) bool {
	for _, c := range data {
		if c == ' ' || c == '\t' || c == '\n' || c == '\r' {
			continue
		}
		return c == '{'
	}
	return false
}

func (b *Broker) handleDataAuth(ctx context.Context, dc *DataContext, data []byte) bool {
	var msg dataAuthMsg
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type != "auth" || msg.ClientID == "" {
		return false
	}
	if err := b.authSvc.Verify(auth.Credentials{Token: msg.Token, Password: msg.Password}); err != nil {
		return false
	}

	b.mu.Lock()
	cc, ok := b.contexts[msg.ClientID]
	b.mu.Unlock()
	if !ok || !cc.isAuthenticated() {
		return false
	}

	dc.authenticated = true
	dc.clientID = msg.ClientID
	dc.control = cc
	cc.bindData(dc)

	cc.mu.Lock()
	rt := cc.runtime
	cc.mu.Unlock()
	if rt != nil {
		if replay := rt.Scrollback(); len(replay) > 0 {
			if err := dc.socket.Write(ctx, MessageBinary, replay); err != nil {
				b.logger.Debug("scrollback replay failed", "clientId", dc.clientID, "err", err)
			}
		}
	}

	return true
}

func (cc *ControlContext) runtimeWrite(data []byte) {
	cc.mu.Lock()
	rt := cc.runtime
	cc.mu.Unlock()
	if rt != nil {
		_ = rt.Write(data)
	}
}

func (cc *ControlContext) runtimeResize(cols, rows float64) {
	cc.mu.Lock()
	rt := cc.runtime
	cc.mu.Unlock()
	if rt != nil {
		_ = rt.Resize(cols, rows)
	}
}

// fanOutData delivers runtime output strictly to data sockets bound to cc.
func (b *Broker) fanOutData(cc *ControlContext, data []byte) {
	for _, dc := range cc.boundDataSockets() {
		if err := dc.socket.Write(context.Background(), MessageBinary, data); err != nil {
			b.teardownData(dc)
		}
	}
}

func (b *Broker) teardownData(dc *DataContext) {
	if dc.control != nil {
		dc.control.unbindData(dc)
	}
}

// teardownControl closes bound data sockets, shuts down the runtime, kills
// the mobile session, and records ReconnectState.
func (b *Broker) teardownControl(ctx context.Context, cc *ControlContext) {
	cc.mu.Lock()
	if cc.closed {
		cc.mu.Unlock()
		return
	}
	cc.closed = true
	clientID := cc.clientID
	mobile := cc.attachedSession
	base := cc.baseSession
	rt := cc.runtime
	cc.mu.Unlock()

	for _, dc := range cc.boundDataSockets() {
		dc.socket.Close(CloseReconnected, "control session closed")
		b.teardownData(dc)
	}

	if rt != nil {
		if err := rt.Shutdown(); err != nil {
			b.logger.Debug("runtime shutdown failed", "err", (&ShutdownError{Op: "runtime.Shutdown", Err: err}).Error())
		}
	}

	if clientID != "" {
		b.mu.Lock()
		if b.contexts[clientID] == cc {
			delete(b.contexts, clientID)
		}
		recon, ok := b.reconnects[clientID]
		if !ok {
			recon = &ReconnectState{}
			b.reconnects[clientID] = recon
		}
		recon.BaseSession = base
		recon.UpdatedAt = time.Now()
		b.mu.Unlock()
	}

	if mobile != "" {
		if err := b.gateway.KillSession(ctx, mobile); err != nil {
			b.logger.Debug("mobile session kill failed", "err", (&ShutdownError{Op: "killSession", Err: err}).Error())
		}
	}
}

func (b *Broker) send(ctx context.Context, cc *ControlContext, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	cc.mu.Lock()
	socket := cc.socket
	cc.mu.Unlock()
	if err := socket.Write(ctx, MessageText, data); err != nil {
		b.logger.Debug("control send failed", "err", err)
	}
}

// Stop is idempotent and single-flight: a second call awaits the first.
// It stops the monitor, shuts down every ControlContext concurrently, then
// returns.
func (b *Broker) Stop(ctx context.Context) error {
	b.stopOnce.Do(func() {
		b.monitor.Stop()
		b.mu.Lock()
		if b.monitorCtx != nil {
			b.monitorCtx()
		}
		ctxs := make([]*ControlContext, 0, len(b.contexts))
		for _, cc := range b.contexts {
			ctxs = append(ctxs, cc)
		}
		b.mu.Unlock()

		var wg sync.WaitGroup
		for _, cc := range ctxs {
			wg.Add(1)
			go func(cc *ControlContext) {
				defer wg.Done()
				b.teardownControl(ctx, cc)
			}(cc)
		}
		wg.Wait()
		close(b.stopped)
	})
	<-b.stopped
	return b.stopResult
}
