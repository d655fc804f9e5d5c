package broker

import (
	"github.com/muxgate/muxgate/internal/monitor"
	"github.com/muxgate/muxgate/internal/tmux"
)

// envelope extracts only the "type" discriminator; every inbound message is
// re-decoded into its specific variant once the type is known.
type envelope struct {
	Type string `json:"type"`
}

// Inbound control-plane variants.
type authInboundMsg struct {
	Type     string `json:"type"`
	Token    string `json:"token"`
	Password string `json:"password"`
	ClientID string `json:"clientId"`
}

type selectSessionMsg struct {
	Session string `json:"session"`
}

type newSessionMsg struct {
	Name string `json:"name"`
}

type newWindowMsg struct {
	Session string `json:"session"`
}

type selectWindowMsg struct {
	WindowIndex int `json:"windowIndex"`
}

type killWindowMsg struct {
	WindowIndex int `json:"windowIndex"`
}

type selectPaneMsg struct {
	PaneID string `json:"paneId"`
}

type splitPaneMsg struct {
	PaneID      string `json:"paneId"`
	Orientation string `json:"orientation"`
}

type killPaneMsg struct {
	PaneID string `json:"paneId"`
}

type zoomPaneMsg struct {
	PaneID string `json:"paneId"`
}

type captureScrollbackMsg struct {
	PaneID string `json:"paneId"`
	Lines  int    `json:"lines"`
}

type sendComposeMsg struct {
	Text string `json:"text"`
}

// approvePendingMsg is additive: without an approval gate configured no
// mutation is ever held, so a client that never receives approval_required
// never needs to send this.
type approvePendingMsg struct {
	ApprovalID string `json:"approvalId"`
	Code       string `json:"code"`
}

// Outbound control-plane variants.
type authOkMsg struct {
	Type             string `json:"type"`
	ClientID         string `json:"clientId"`
	RequiresPassword bool   `json:"requiresPassword"`
}

type authErrorMsg struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

type attachedMsg struct {
	Type    string `json:"type"`
	Session string `json:"session"`
}

type sessionPickerMsg struct {
	Type     string                `json:"type"`
	Sessions []tmux.SessionSummary `json:"sessions"`
}

type tmuxStateMsg struct {
	Type  string           `json:"type"`
	State monitor.Snapshot `json:"state"`
}

type scrollbackMsg struct {
	Type   string `json:"type"`
	PaneID string `json:"paneId"`
	Text   string `json:"text"`
	Lines  int    `json:"lines"`
}

type approvalRequiredMsg struct {
	Type       string `json:"type"`
	ApprovalID string `json:"approvalId"`
	Action     string `json:"action"`
}

type errorOutMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type infoOutMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Data-plane variants.
type dataAuthMsg struct {
	Type     string `json:"type"`
	Token    string `json:"token"`
	Password string `json:"password"`
	ClientID string `json:"clientId"`
}

type resizeMsg struct {
	Type string  `json:"type"`
	Cols float64 `json:"cols"`
	Rows float64 `json:"rows"`
}
