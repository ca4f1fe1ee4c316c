package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/intercom/internal/core"
	"github.com/dkeye/intercom/internal/domain"
)

// HandleKey identifies one media session: one user in one group.
type HandleKey struct {
	User  domain.UserID
	Group domain.GroupID
}

// handleEntry is the single-flight cell for a key. Whoever creates it
// performs the attach; everyone else waits on ready.
type handleEntry struct {
	key    HandleKey
	ready  chan struct{}
	handle core.GatewayHandle
	err    error
}

// CleanupResult reports a best-effort teardown of all of a user's handles.
type CleanupResult struct {
	Attempts int
	Errors   []error
}

// Handles maps (user, group) keys to gateway-side media-session handles.
// At most one live handle exists per key; concurrent creation for the same
// key collapses to a single attach.
type Handles struct {
	gw      core.GatewayClient
	timeout time.Duration

	mu    sync.Mutex
	byKey map[HandleKey]*handleEntry
	byID  map[core.HandleID]*handleEntry
}

func NewHandles(gw core.GatewayClient, timeout time.Duration) *Handles {
	return &Handles{
		gw:      gw,
		timeout: timeout,
		byKey:   make(map[HandleKey]*handleEntry),
		byID:    make(map[core.HandleID]*handleEntry),
	}
}

func (r *Handles) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout > 0 {
		return context.WithTimeout(ctx, r.timeout)
	}
	return context.WithCancel(ctx)
}

func mapCallErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return core.ErrGatewayTimeout
	}
	return err
}

// GetOrCreate returns the live handle for key, attaching a new one when
// absent. A second caller arriving before the first attach completes waits
// for the same handle; the attach happens exactly once per key.
func (r *Handles) GetOrCreate(ctx context.Context, key HandleKey, plugin string) (core.GatewayHandle, error) {
	r.mu.Lock()
	if e, ok := r.byKey[key]; ok {
		r.mu.Unlock()
		return r.await(ctx, e)
	}
	e := &handleEntry{key: key, ready: make(chan struct{})}
	r.byKey[key] = e
	r.mu.Unlock()

	sess, err := r.gw.Session()
	if err != nil {
		r.fail(e, err)
		return nil, err
	}

	attachCtx, cancel := r.callCtx(ctx)
	defer cancel()
	h, err := sess.Attach(attachCtx, plugin)
	if err != nil {
		err = mapCallErr(err)
		r.fail(e, err)
		return nil, fmt.Errorf("attach handle for %s/%d: %w", key.User, key.Group, err)
	}

	r.mu.Lock()
	e.handle = h
	r.byID[h.ID()] = e
	r.mu.Unlock()
	close(e.ready)
	log.Debug().Str("module", "app.handles").Str("user", string(key.User)).
		Int64("group", int64(key.Group)).Uint64("handle", uint64(h.ID())).Msg("handle attached")
	return h, nil
}

// fail resolves a pending entry with an error and removes it so the next
// caller retries the attach.
func (r *Handles) fail(e *handleEntry, err error) {
	r.mu.Lock()
	if cur, ok := r.byKey[e.key]; ok && cur == e {
		delete(r.byKey, e.key)
	}
	r.mu.Unlock()
	e.err = err
	close(e.ready)
}

func (r *Handles) await(ctx context.Context, e *handleEntry) (core.GatewayHandle, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.ready:
	}
	if e.err != nil {
		return nil, e.err
	}
	return e.handle, nil
}

// lookup returns the resolved handle for key, or ErrHandleNotFound.
func (r *Handles) lookup(ctx context.Context, key HandleKey) (core.GatewayHandle, error) {
	r.mu.Lock()
	e, ok := r.byKey[key]
	r.mu.Unlock()
	if !ok {
		return nil, core.ErrHandleNotFound
	}
	return r.await(ctx, e)
}

// JoinRoom obtains the key's handle and joins the gateway room.
func (r *Handles) JoinRoom(ctx context.Context, key HandleKey, room domain.RoomID, display string, muted bool) (*core.BridgeReply, error) {
	h, err := r.GetOrCreate(ctx, key, core.PluginAudioBridge)
	if err != nil {
		return nil, err
	}
	callCtx, cancel := r.callCtx(ctx)
	defer cancel()
	reply, err := h.Message(callCtx, core.BridgeRequest{
		Request: core.ReqJoin,
		Room:    room,
		Display: display,
		Muted:   core.Bool(muted),
	}, nil)
	if err != nil {
		return nil, mapCallErr(err)
	}
	return reply, nil
}

// Configure issues a configure on an existing handle. The caller must have
// joined first.
func (r *Handles) Configure(ctx context.Context, key HandleKey, jsep *webrtc.SessionDescription, muted bool) (*core.BridgeReply, error) {
	return r.configure(ctx, key, jsep, core.Bool(muted), nil)
}

// SetMute is a thin configure restricted to the mute flag.
func (r *Handles) SetMute(ctx context.Context, key HandleKey, muted bool) error {
	_, err := r.configure(ctx, key, nil, core.Bool(muted), nil)
	return err
}

// SuspendAudio silences a group locally without leaving it.
func (r *Handles) SuspendAudio(ctx context.Context, key HandleKey) error {
	_, err := r.configure(ctx, key, nil, core.Bool(true), core.Bool(true))
	return err
}

// ResumeAudio lifts a suspension. The caller decides the mute flag; a user
// who is neither talking nor publishing resumes muted.
func (r *Handles) ResumeAudio(ctx context.Context, key HandleKey, muted bool) error {
	_, err := r.configure(ctx, key, nil, core.Bool(muted), core.Bool(false))
	return err
}

func (r *Handles) configure(ctx context.Context, key HandleKey, jsep *webrtc.SessionDescription, muted, suspended *bool) (*core.BridgeReply, error) {
	h, err := r.lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	callCtx, cancel := r.callCtx(ctx)
	defer cancel()
	reply, err := h.Message(callCtx, core.BridgeRequest{
		Request:   core.ReqConfigure,
		Muted:     muted,
		Suspended: suspended,
	}, jsep)
	if err != nil {
		return nil, mapCallErr(err)
	}
	return reply, nil
}

// RelayIceCandidate forwards a trickle candidate; nil signals
// end-of-candidates.
func (r *Handles) RelayIceCandidate(ctx context.Context, key HandleKey, candidate *webrtc.ICECandidateInit) error {
	h, err := r.lookup(ctx, key)
	if err != nil {
		return err
	}
	return h.Trickle(ctx, candidate)
}

// LeaveRoom leaves the gateway room, detaches and forgets the handle.
// A key with no handle is a no-op; a rejoin after this gets a fresh handle.
// Gateway failures are logged, never raised: the registry entry is gone
// either way.
func (r *Handles) LeaveRoom(ctx context.Context, key HandleKey) {
	e := r.take(key)
	if e == nil {
		return
	}
	r.release(ctx, e)
}

func (r *Handles) take(key HandleKey) *handleEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byKey[key]
	if !ok {
		return nil
	}
	delete(r.byKey, key)
	if e.handle != nil {
		delete(r.byID, e.handle.ID())
	}
	return e
}

// release waits out a pending attach, then leaves and detaches best-effort.
func (r *Handles) release(ctx context.Context, e *handleEntry) error {
	h, err := r.await(ctx, e)
	if err != nil {
		return nil // attach never succeeded; nothing on the gateway to tear down
	}
	// byID may still hold the entry if the attach resolved after take.
	r.mu.Lock()
	delete(r.byID, h.ID())
	r.mu.Unlock()

	callCtx, cancel := r.callCtx(ctx)
	defer cancel()
	var firstErr error
	if _, err := h.Message(callCtx, core.BridgeRequest{Request: core.ReqLeave}, nil); err != nil {
		firstErr = fmt.Errorf("leave room for %s/%d: %w", e.key.User, e.key.Group, mapCallErr(err))
		log.Warn().Err(err).Str("module", "app.handles").Str("user", string(e.key.User)).
			Int64("group", int64(e.key.Group)).Msg("leave request failed")
	}
	detachCtx, cancelDetach := r.callCtx(ctx)
	defer cancelDetach()
	if err := h.Detach(detachCtx); err != nil {
		if firstErr == nil {
			firstErr = fmt.Errorf("detach handle for %s/%d: %w", e.key.User, e.key.Group, mapCallErr(err))
		}
		log.Warn().Err(err).Str("module", "app.handles").Str("user", string(e.key.User)).
			Int64("group", int64(e.key.Group)).Msg("detach failed")
	}
	return firstErr
}

// CleanupAll tears down every handle a user holds. Partial failures are
// collected, not raised; all registry entries for the user are gone when
// this returns.
func (r *Handles) CleanupAll(ctx context.Context, user domain.UserID) CleanupResult {
	r.mu.Lock()
	var entries []*handleEntry
	for key, e := range r.byKey {
		if key.User != user {
			continue
		}
		delete(r.byKey, key)
		if e.handle != nil {
			delete(r.byID, e.handle.ID())
		}
		entries = append(entries, e)
	}
	r.mu.Unlock()

	res := CleanupResult{Attempts: len(entries)}
	for _, e := range entries {
		if err := r.release(ctx, e); err != nil {
			res.Errors = append(res.Errors, err)
		}
	}
	if len(entries) > 0 {
		log.Info().Str("module", "app.handles").Str("user", string(user)).
			Int("handles", len(entries)).Int("failures", len(res.Errors)).Msg("cleaned up handles")
	}
	return res
}

// ByID resolves a relayed handle id to its registry entry.
func (r *Handles) ByID(id core.HandleID) (HandleKey, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[id]
	if !ok {
		return HandleKey{}, false
	}
	return e.key, true
}

// Relay dispatches a client-relayed plugin message to the handle's
// operations based on the validated request kind.
func (r *Handles) Relay(ctx context.Context, id core.HandleID, body core.BridgeRequest, jsep *webrtc.SessionDescription) (*core.BridgeReply, error) {
	key, ok := r.ByID(id)
	if !ok {
		return nil, core.ErrHandleNotFound
	}
	switch body.Request {
	case core.ReqJoin:
		muted := true
		if body.Muted != nil {
			muted = *body.Muted
		}
		return r.JoinRoom(ctx, key, body.Room, body.Display, muted)
	case core.ReqConfigure:
		return r.configure(ctx, key, jsep, body.Muted, body.Suspended)
	case core.ReqLeave:
		r.LeaveRoom(ctx, key)
		return &core.BridgeReply{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", core.ErrUnknownRequest, body.Request)
	}
}

// RelayTrickle forwards a trickle candidate by handle id.
func (r *Handles) RelayTrickle(ctx context.Context, id core.HandleID, candidate *webrtc.ICECandidateInit) error {
	key, ok := r.ByID(id)
	if !ok {
		return core.ErrHandleNotFound
	}
	return r.RelayIceCandidate(ctx, key, candidate)
}

// Count reports live or pending handles for a user.
func (r *Handles) Count(user domain.UserID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for key := range r.byKey {
		if key.User == user {
			n++
		}
	}
	return n
}
