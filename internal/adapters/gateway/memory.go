package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/intercom/internal/core"
	"github.com/dkeye/intercom/internal/domain"
)

// Memory is an in-process gateway simulator behind the same interfaces as
// Manager. It backs local development (gateway.mock) and the test suites;
// the websocket Manager is the production adapter.
type Memory struct {
	mu      sync.Mutex
	nextID  uint64
	rooms   map[domain.RoomID]*memRoom
	handles map[core.HandleID]*MemoryHandle

	// Test knobs.
	AttachDelay time.Duration
	AttachErr   error

	attaches int
}

type memRoom struct {
	description string
	members     map[core.HandleID]struct{}
}

func NewMemory() *Memory {
	return &Memory{
		rooms:   make(map[domain.RoomID]*memRoom),
		handles: make(map[core.HandleID]*MemoryHandle),
	}
}

func (g *Memory) Connected() bool { return true }

func (g *Memory) Session() (core.GatewaySession, error) { return g, nil }

func (g *Memory) Attach(ctx context.Context, plugin string) (core.GatewayHandle, error) {
	if g.AttachDelay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(g.AttachDelay):
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.attaches++
	if g.AttachErr != nil {
		return nil, g.AttachErr
	}
	g.nextID++
	h := &MemoryHandle{gw: g, id: core.HandleID(g.nextID)}
	g.handles[h.id] = h
	return h, nil
}

// Attaches reports how many attach calls reached the simulator.
func (g *Memory) Attaches() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.attaches
}

func (g *Memory) Handle(id core.HandleID) (*MemoryHandle, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	h, ok := g.handles[id]
	return h, ok
}

func (g *Memory) CreateRoom(ctx context.Context, room domain.RoomID, description string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.rooms[room]; ok {
		return fmt.Errorf("room %d already exists", room)
	}
	g.rooms[room] = &memRoom{description: description, members: make(map[core.HandleID]struct{})}
	log.Debug().Str("module", "gateway.memory").Int64("room", int64(room)).Msg("room created")
	return nil
}

func (g *Memory) DestroyRoom(ctx context.Context, room domain.RoomID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.rooms[room]; !ok {
		return fmt.Errorf("no such room %d", room)
	}
	delete(g.rooms, room)
	return nil
}

func (g *Memory) ListRooms(ctx context.Context) ([]core.RoomInfo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]core.RoomInfo, 0, len(g.rooms))
	for id, r := range g.rooms {
		out = append(out, core.RoomInfo{Room: id, Description: r.description, Participants: len(r.members)})
	}
	return out, nil
}

// MemoryHandle exposes its mixer-side state for assertions.
type MemoryHandle struct {
	gw *Memory
	id core.HandleID

	mu         sync.Mutex
	JoinedRoom domain.RoomID
	Display    string
	Muted      bool
	Suspended  bool
	Left       bool
	Detached   bool

	// MessageErr, when set, fails the next Message call.
	MessageErr error
}

func (h *MemoryHandle) ID() core.HandleID { return h.id }

// MemoryHandleState is a consistent copy of the handle's mixer-side state.
type MemoryHandleState struct {
	JoinedRoom domain.RoomID
	Display    string
	Muted      bool
	Suspended  bool
	Left       bool
	Detached   bool
}

// Snapshot reads the state under the handle lock, safe against concurrent
// gateway calls.
func (h *MemoryHandle) Snapshot() MemoryHandleState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return MemoryHandleState{
		JoinedRoom: h.JoinedRoom,
		Display:    h.Display,
		Muted:      h.Muted,
		Suspended:  h.Suspended,
		Left:       h.Left,
		Detached:   h.Detached,
	}
}

func (h *MemoryHandle) Message(ctx context.Context, body core.BridgeRequest, jsep *webrtc.SessionDescription) (*core.BridgeReply, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.MessageErr != nil {
		err := h.MessageErr
		h.MessageErr = nil
		return nil, err
	}

	switch body.Request {
	case core.ReqJoin:
		h.gw.mu.Lock()
		room, ok := h.gw.rooms[body.Room]
		if ok {
			room.members[h.id] = struct{}{}
		}
		h.gw.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("mixer error 485: no such room %d", body.Room)
		}
		h.JoinedRoom = body.Room
		h.Display = body.Display
		h.Left = false
		if body.Muted != nil {
			h.Muted = *body.Muted
		}
		return &core.BridgeReply{
			Data: mustJSON(map[string]any{"audiobridge": "joined", "room": body.Room, "id": h.id}),
		}, nil

	case core.ReqConfigure:
		if h.JoinedRoom == 0 || h.Left {
			return nil, fmt.Errorf("mixer error 428: not in a room")
		}
		if body.Muted != nil {
			h.Muted = *body.Muted
		}
		if body.Suspended != nil {
			h.Suspended = *body.Suspended
		}
		reply := &core.BridgeReply{
			Data: mustJSON(map[string]any{"audiobridge": "event", "result": "ok"}),
		}
		if jsep != nil {
			// Simulated answer; real session descriptions only exist on
			// the production gateway.
			reply.Jsep = &webrtc.SessionDescription{
				Type: webrtc.SDPTypeAnswer,
				SDP:  fmt.Sprintf("v=0\r\no=mock %d 1 IN IP4 127.0.0.1\r\ns=intercom\r\n", h.id),
			}
		}
		return reply, nil

	case core.ReqLeave:
		h.gw.mu.Lock()
		if room, ok := h.gw.rooms[h.JoinedRoom]; ok {
			delete(room.members, h.id)
		}
		h.gw.mu.Unlock()
		h.Left = true
		return &core.BridgeReply{
			Data: mustJSON(map[string]any{"audiobridge": "left"}),
		}, nil

	default:
		return nil, fmt.Errorf("%w: %q", core.ErrUnknownRequest, body.Request)
	}
}

func (h *MemoryHandle) Trickle(ctx context.Context, candidate *webrtc.ICECandidateInit) error {
	return nil
}

func (h *MemoryHandle) Detach(ctx context.Context) error {
	h.gw.mu.Lock()
	delete(h.gw.handles, h.id)
	h.gw.mu.Unlock()
	h.mu.Lock()
	h.Detached = true
	h.mu.Unlock()
	return nil
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
