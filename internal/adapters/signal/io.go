package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/intercom/internal/core"
	"github.com/dkeye/intercom/internal/domain"
)

func (ctl *Controller) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.Cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			// Unblocks readPump so disconnect teardown runs right away.
			c.Close()
			return
		case data, ok := <-c.send:
			if !ok {
				log.Warn().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping error")
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, conn core.ConnID, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("conn", string(conn)).Msg("readPump closing")
		ctl.limiter.Forget(conn)
		ctl.Coord.OnDisconnect(ctx, conn)
		c.Close()
	}()

	c.conn.SetReadLimit(ctl.Cfg.ReadLimit)
	pongWait := ctl.Cfg.PingPeriod + 10*time.Second
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("conn", string(conn)).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Error().Err(err).Str("module", "signal").Str("conn", string(conn)).Msg("readPump read error")
				return
			}
			ctl.handleEvent(ctx, conn, c, data)
		}
	}
}

func (ctl *Controller) handleEvent(ctx context.Context, conn core.ConnID, c *WsSignalConn, data []byte) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		return
	}

	if !ctl.limiter.Allow(conn) {
		log.Warn().Str("module", "signal").Str("conn", string(conn)).Str("type", env.Type).Msg("rate limited, dropped")
		return
	}

	switch env.Type {
	case core.EvJoinProduction:
		ctl.handleJoinProduction(ctx, conn, c, data)
	case core.EvLeaveProduction:
		ctl.handleLeaveProduction(ctx, conn, c, data)
	case core.EvJoinGroup:
		ctl.handleJoinGroup(ctx, conn, c, data)
	case core.EvLeaveGroup:
		ctl.handleLeaveGroup(ctx, conn, c, data)
	case core.EvTalkingStart:
		ctl.handleTalking(ctx, conn, c, data, true)
	case core.EvTalkingStop:
		ctl.handleTalking(ctx, conn, c, data, false)
	case core.EvPublisherChanged:
		ctl.handlePublisherChanged(ctx, conn, c, data)
	case core.EvMuteToggle:
		ctl.handleMuteToggle(ctx, conn, c, data)
	case core.EvCreateHandle:
		ctl.handleCreateHandle(ctx, conn, c, data)
	case core.EvSendMessage:
		ctl.handleRelayMessage(ctx, conn, c, data)
	case core.EvSendTrickle:
		ctl.handleRelayTrickle(ctx, conn, c, data)
	case "ping":
		ctl.sendJSON(c, map[string]string{"type": "pong"})
	default:
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown signal")
		ctl.sendJSON(c, core.ErrorEvent{Type: core.EvError, Error: "unknown event type: " + env.Type})
	}
}

func (ctl *Controller) handleJoinProduction(ctx context.Context, conn core.ConnID, c *WsSignalConn, data []byte) {
	var p struct {
		ProductionID domain.ProductionID `json:"productionId"`
		UserID       domain.UserID       `json:"userId"`
		DisplayName  string              `json:"displayName"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.badPayload(c, core.EvJoinProduction, err)
		return
	}
	ctl.Coord.JoinProduction(ctx, conn, p.ProductionID, p.UserID, p.DisplayName)
}

func (ctl *Controller) handleLeaveProduction(ctx context.Context, conn core.ConnID, c *WsSignalConn, data []byte) {
	var p struct {
		ProductionID domain.ProductionID `json:"productionId"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.badPayload(c, core.EvLeaveProduction, err)
		return
	}
	ctl.Coord.LeaveProduction(ctx, conn, p.ProductionID)
}

func (ctl *Controller) handleJoinGroup(ctx context.Context, conn core.ConnID, c *WsSignalConn, data []byte) {
	var p struct {
		GroupID domain.GroupID `json:"groupId"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.badPayload(c, core.EvJoinGroup, err)
		return
	}
	ctl.Coord.JoinGroup(ctx, conn, p.GroupID)
}

func (ctl *Controller) handleLeaveGroup(ctx context.Context, conn core.ConnID, c *WsSignalConn, data []byte) {
	var p struct {
		GroupID domain.GroupID `json:"groupId"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.badPayload(c, core.EvLeaveGroup, err)
		return
	}
	ctl.Coord.LeaveGroup(ctx, conn, p.GroupID)
}

func (ctl *Controller) handleTalking(ctx context.Context, conn core.ConnID, c *WsSignalConn, data []byte, start bool) {
	var p struct {
		GroupID domain.GroupID `json:"groupId"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.badPayload(c, core.EvTalkingStart, err)
		return
	}
	if start {
		ctl.Coord.TalkingStart(ctx, conn, p.GroupID)
	} else {
		ctl.Coord.TalkingStop(ctx, conn, p.GroupID)
	}
}

func (ctl *Controller) handlePublisherChanged(ctx context.Context, conn core.ConnID, c *WsSignalConn, data []byte) {
	var p struct {
		GroupID domain.GroupID `json:"groupId"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.badPayload(c, core.EvPublisherChanged, err)
		return
	}
	ctl.Coord.ClaimPublisher(ctx, conn, p.GroupID)
}

func (ctl *Controller) handleMuteToggle(ctx context.Context, conn core.ConnID, c *WsSignalConn, data []byte) {
	var p struct {
		GroupID domain.GroupID `json:"groupId"`
		Muted   bool           `json:"muted"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.badPayload(c, core.EvMuteToggle, err)
		return
	}
	ctl.Coord.ToggleMute(ctx, conn, p.GroupID, p.Muted)
}

func (ctl *Controller) handleCreateHandle(ctx context.Context, conn core.ConnID, c *WsSignalConn, data []byte) {
	var p struct {
		Plugin  string         `json:"plugin"`
		GroupID domain.GroupID `json:"groupId"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.badPayload(c, core.EvCreateHandle, err)
		return
	}
	if p.Plugin == "" {
		p.Plugin = core.PluginAudioBridge
	}
	ctl.Coord.CreateHandle(ctx, conn, p.Plugin, p.GroupID)
}

// handleRelayMessage validates the plugin request at the boundary: only the
// closed join/configure/leave set reaches the gateway.
func (ctl *Controller) handleRelayMessage(ctx context.Context, conn core.ConnID, c *WsSignalConn, data []byte) {
	var p struct {
		HandleID core.HandleID `json:"handleId"`
		Message  struct {
			Request   string        `json:"request"`
			Room      domain.RoomID `json:"room"`
			Display   string        `json:"display"`
			Muted     *bool         `json:"muted"`
			Suspended *bool         `json:"suspended"`
		} `json:"message"`
		Jsep *webrtc.SessionDescription `json:"jsep"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.badPayload(c, core.EvSendMessage, err)
		return
	}

	kind, err := core.ParseRequestKind(p.Message.Request)
	if err != nil {
		log.Warn().Str("module", "signal").Str("conn", string(conn)).Str("request", p.Message.Request).Msg("rejected plugin request")
		ctl.sendJSON(c, core.ErrorEvent{Type: core.EvError, Error: err.Error()})
		return
	}

	body := core.BridgeRequest{
		Request:   kind,
		Room:      p.Message.Room,
		Display:   p.Message.Display,
		Muted:     p.Message.Muted,
		Suspended: p.Message.Suspended,
	}
	ctl.Coord.RelayMessage(ctx, conn, p.HandleID, body, p.Jsep)
}

func (ctl *Controller) handleRelayTrickle(ctx context.Context, conn core.ConnID, c *WsSignalConn, data []byte) {
	var p struct {
		HandleID  core.HandleID            `json:"handleId"`
		Candidate *webrtc.ICECandidateInit `json:"candidate"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.badPayload(c, core.EvSendTrickle, err)
		return
	}
	// nil candidate means end-of-candidates.
	ctl.Coord.RelayTrickle(ctx, conn, p.HandleID, p.Candidate)
}

func (ctl *Controller) badPayload(c *WsSignalConn, event string, err error) {
	log.Error().Err(err).Str("module", "signal").Str("type", event).Msg("bad payload")
	ctl.sendJSON(c, core.ErrorEvent{Type: core.EvError, Error: "bad payload for " + event})
}

func (ctl *Controller) sendJSON(c *WsSignalConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	_ = c.TrySend(b)
}
