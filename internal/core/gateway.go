package core

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/intercom/internal/domain"
)

// PluginAudioBridge is the gateway-side mixer plugin every group room runs on.
const PluginAudioBridge = "janus.plugin.audiobridge"

// HandleID identifies one plugin handle on the gateway.
type HandleID uint64

// GatewayClient is the control connection to the conferencing gateway.
// Session fails fast with ErrGatewayUnavailable while disconnected; the
// client itself keeps retrying in the background until process shutdown.
type GatewayClient interface {
	Session() (GatewaySession, error)
	Connected() bool

	// Room administration. A room must exist before any handle joins it.
	CreateRoom(ctx context.Context, room domain.RoomID, description string) error
	DestroyRoom(ctx context.Context, room domain.RoomID) error
	ListRooms(ctx context.Context) ([]RoomInfo, error)
}

// GatewaySession attaches plugin handles. Shared read-only across all
// handle operations.
type GatewaySession interface {
	Attach(ctx context.Context, plugin string) (GatewayHandle, error)
}

// GatewayHandle is one gateway-side media session. Exclusively owned by its
// (user, group) key; never used concurrently from two call sites.
type GatewayHandle interface {
	ID() HandleID
	Message(ctx context.Context, body BridgeRequest, jsep *webrtc.SessionDescription) (*BridgeReply, error)
	Trickle(ctx context.Context, candidate *webrtc.ICECandidateInit) error
	Detach(ctx context.Context) error
}

// RoomInfo is the gateway's view of one mixing room.
type RoomInfo struct {
	Room         domain.RoomID `json:"room"`
	Description  string        `json:"description"`
	Participants int           `json:"participants"`
}

// RequestKind is the closed set of plugin requests clients may relay.
// Anything else is rejected at the boundary with ErrUnknownRequest.
type RequestKind string

const (
	ReqJoin      RequestKind = "join"
	ReqConfigure RequestKind = "configure"
	ReqLeave     RequestKind = "leave"
)

func ParseRequestKind(s string) (RequestKind, error) {
	switch k := RequestKind(s); k {
	case ReqJoin, ReqConfigure, ReqLeave:
		return k, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownRequest, s)
	}
}

// BridgeRequest is the plugin message body for join/configure/leave.
type BridgeRequest struct {
	Request   RequestKind   `json:"request"`
	Room      domain.RoomID `json:"room,omitempty"`
	Display   string        `json:"display,omitempty"`
	Muted     *bool         `json:"muted,omitempty"`
	Suspended *bool         `json:"suspended,omitempty"`
}

// BridgeReply carries the plugin response data and, when the gateway
// negotiated media, the session-description answer.
type BridgeReply struct {
	Data json.RawMessage            `json:"data,omitempty"`
	Jsep *webrtc.SessionDescription `json:"jsep,omitempty"`
}

func Bool(v bool) *bool { return &v }
