package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/intercom/internal/core"
	"github.com/dkeye/intercom/internal/domain"
)

// session is the control session plugin handles attach on.
type session struct {
	mgr *Manager
	id  uint64
}

func (s *session) Attach(ctx context.Context, plugin string) (core.GatewayHandle, error) {
	if plugin == "" {
		plugin = core.PluginAudioBridge
	}
	reply, err := s.mgr.rpc(ctx, &wireRequest{
		Janus:     "attach",
		SessionID: s.id,
		Plugin:    plugin,
	})
	if err != nil {
		return nil, fmt.Errorf("attach %s: %w", plugin, err)
	}
	if reply.Data == nil {
		return nil, fmt.Errorf("attach %s: no handle id in reply", plugin)
	}
	log.Debug().Str("module", "gateway").Uint64("handle", reply.Data.ID).Str("plugin", plugin).Msg("handle attached")
	return &handle{sess: s, id: reply.Data.ID}, nil
}

// handle is one gateway-side media session.
type handle struct {
	sess *session
	id   uint64
}

func (h *handle) ID() core.HandleID { return core.HandleID(h.id) }

func (h *handle) Message(ctx context.Context, body core.BridgeRequest, jsep *webrtc.SessionDescription) (*core.BridgeReply, error) {
	return h.message(ctx, body, jsep)
}

func (h *handle) message(ctx context.Context, body any, jsep *webrtc.SessionDescription) (*core.BridgeReply, error) {
	reply, err := h.sess.mgr.rpc(ctx, &wireRequest{
		Janus:     "message",
		SessionID: h.sess.id,
		HandleID:  h.id,
		Body:      body,
		Jsep:      jsep,
	})
	if err != nil {
		return nil, err
	}
	out := &core.BridgeReply{Jsep: reply.Jsep}
	if reply.Plugindata != nil {
		out.Data = reply.Plugindata.Data
	}
	if err := pluginError(out.Data); err != nil {
		return nil, err
	}
	return out, nil
}

func (h *handle) Trickle(ctx context.Context, candidate *webrtc.ICECandidateInit) error {
	tc := &trickleCandidate{Completed: true}
	if candidate != nil {
		tc = &trickleCandidate{
			Candidate:     candidate.Candidate,
			SDPMid:        candidate.SDPMid,
			SDPMLineIndex: candidate.SDPMLineIndex,
		}
	}
	return h.sess.mgr.send(&wireRequest{
		Janus:     "trickle",
		SessionID: h.sess.id,
		HandleID:  h.id,
		Candidate: tc,
	})
}

func (h *handle) Detach(ctx context.Context) error {
	_, err := h.sess.mgr.rpc(ctx, &wireRequest{
		Janus:     "detach",
		SessionID: h.sess.id,
		HandleID:  h.id,
	})
	return err
}

// -------------------------
// Room administration
// -------------------------

// adminRequest covers create/destroy/list, which never come from clients.
type adminRequest struct {
	Request            string        `json:"request"`
	Room               domain.RoomID `json:"room,omitempty"`
	Description        string        `json:"description,omitempty"`
	Secret             string        `json:"secret,omitempty"`
	Record             bool          `json:"record"`
	AudioLevelEvent    bool          `json:"audiolevel_event,omitempty"`
	AudioActivePackets int           `json:"audio_active_packets,omitempty"`
	AudioLevelAverage  int           `json:"audio_level_average,omitempty"`
}

func roomSecret(room domain.RoomID) string {
	return fmt.Sprintf("room-%d-secret", room)
}

// adminHandle attaches a short-lived handle on the current session, runs fn
// and detaches. Room administration does not reuse client handles.
func (m *Manager) adminHandle(ctx context.Context, fn func(h *handle) error) error {
	sess, err := m.Session()
	if err != nil {
		return err
	}
	gh, err := sess.Attach(ctx, core.PluginAudioBridge)
	if err != nil {
		return err
	}
	h := gh.(*handle)
	defer func() {
		if err := h.Detach(context.WithoutCancel(ctx)); err != nil {
			log.Warn().Err(err).Str("module", "gateway").Msg("admin handle detach failed")
		}
	}()
	return fn(h)
}

func (m *Manager) CreateRoom(ctx context.Context, room domain.RoomID, description string) error {
	return m.adminHandle(ctx, func(h *handle) error {
		reply, err := h.message(ctx, adminRequest{
			Request:            "create",
			Room:               room,
			Description:        description,
			Secret:             roomSecret(room),
			AudioLevelEvent:    true,
			AudioActivePackets: 10,
			AudioLevelAverage:  25,
		}, nil)
		if err != nil {
			return fmt.Errorf("create room %d: %w", room, err)
		}
		var data struct {
			AudioBridge string `json:"audiobridge"`
		}
		if err := json.Unmarshal(reply.Data, &data); err != nil || data.AudioBridge != "created" {
			return fmt.Errorf("create room %d: unexpected reply %s", room, reply.Data)
		}
		log.Info().Str("module", "gateway").Int64("room", int64(room)).Str("description", description).Msg("room created")
		return nil
	})
}

func (m *Manager) DestroyRoom(ctx context.Context, room domain.RoomID) error {
	return m.adminHandle(ctx, func(h *handle) error {
		_, err := h.message(ctx, adminRequest{
			Request: "destroy",
			Room:    room,
			Secret:  roomSecret(room),
		}, nil)
		if err != nil {
			return fmt.Errorf("destroy room %d: %w", room, err)
		}
		log.Info().Str("module", "gateway").Int64("room", int64(room)).Msg("room destroyed")
		return nil
	})
}

func (m *Manager) ListRooms(ctx context.Context) ([]core.RoomInfo, error) {
	var out []core.RoomInfo
	err := m.adminHandle(ctx, func(h *handle) error {
		reply, err := h.message(ctx, adminRequest{Request: "list"}, nil)
		if err != nil {
			return fmt.Errorf("list rooms: %w", err)
		}
		var data struct {
			List []struct {
				Room            domain.RoomID `json:"room"`
				Description     string        `json:"description"`
				NumParticipants int           `json:"num_participants"`
			} `json:"list"`
		}
		if err := json.Unmarshal(reply.Data, &data); err != nil {
			return fmt.Errorf("list rooms: %w", err)
		}
		for _, r := range data.List {
			out = append(out, core.RoomInfo{
				Room:         r.Room,
				Description:  r.Description,
				Participants: r.NumParticipants,
			})
		}
		return nil
	})
	return out, err
}
