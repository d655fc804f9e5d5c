package broker

import (
	"sync"
	"time"

	"github.com/muxgate/muxgate/internal/runtime"
)

// mobileSessionPrefix names every session the broker itself creates or
// destroys. Only sessions with this prefix are ever targeted by
// killSession/createGroupedSession calls originating from a control context.
const mobileSessionPrefix = "tmux-mobile-client-"

func mobileSessionName(clientID string) string {
	return mobileSessionPrefix + clientID
}

func isMobileSession(name string) bool {
	return len(name) >= len(mobileSessionPrefix) && name[:len(mobileSessionPrefix)] == mobileSessionPrefix
}

// ControlContext is the per-authenticated-control-socket state: one per
// connected browser tab. It owns its runtime, its mobile session, and the
// set of data sockets bound to it.
type ControlContext struct {
	mu sync.Mutex

	socket        Socket
	authenticated bool
	clientID      string

	runtime           *runtime.Runtime
	attachedSession   string
	baseSession       string
	pendingApprovalID string
	pendingKillWindow *killWindowMsg

	dataSockets map[*DataContext]struct{}

	closed bool
}

func newControlContext(socket Socket) *ControlContext {
	return &ControlContext{
		socket:      socket,
		dataSockets: make(map[*DataContext]struct{}),
	}
}

func (cc *ControlContext) bindData(dc *DataContext) {
	cc.mu.Lock()
	cc.dataSockets[dc] = struct{}{}
	cc.mu.Unlock()
}

func (cc *ControlContext) unbindData(dc *DataContext) {
	cc.mu.Lock()
	delete(cc.dataSockets, dc)
	cc.mu.Unlock()
}

func (cc *ControlContext) boundDataSockets() []*DataContext {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	out := make([]*DataContext, 0, len(cc.dataSockets))
	for dc := range cc.dataSockets {
		out = append(out, dc)
	}
	return out
}

// DataContext is the per-data-socket state: raw terminal byte I/O, bound to
// exactly one ControlContext once authenticated.
type DataContext struct {
	socket        Socket
	authenticated bool
	clientID      string
	control       *ControlContext
}

// ReconnectState is keyed by clientId and kept process-local: it survives a
// control socket closing but never a process restart.
type ReconnectState struct {
	BaseSession string
	PaneID      string
	Zoomed      bool
	UpdatedAt   time.Time
}
