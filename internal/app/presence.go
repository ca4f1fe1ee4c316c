// Package app holds the realtime coordination state: presence, session
// handles against the gateway, and room reconciliation.
package app

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/intercom/internal/core"
	"github.com/dkeye/intercom/internal/domain"
)

// Publisher is the exclusive source of a group's shared feed.
type Publisher struct {
	Conn        core.ConnID
	UserID      domain.UserID
	DisplayName string
}

// MemberSnap is a read-only view of one connected member.
type MemberSnap struct {
	Conn   core.ConnID
	Signal core.SignalConnection
	User   *domain.User
}

type connEntry struct {
	signal core.SignalConnection
	user   *domain.User
	cancel context.CancelFunc
}

// Departure is everything RemoveConn tore down, so the router can emit the
// matching notifications after the fact.
type Departure struct {
	User            *domain.User
	Productions     []domain.ProductionID
	Groups          []domain.GroupID
	PublisherGroups []domain.GroupID
}

// Presence owns every membership map exclusively. All mutation goes through
// its mutex; no external actor touches the maps directly.
type Presence struct {
	mu             sync.RWMutex
	conns          map[core.ConnID]*connEntry
	productions    map[domain.ProductionID]map[core.ConnID]*domain.User
	connProduction map[core.ConnID]domain.ProductionID
	groups         map[domain.GroupID]map[core.ConnID]struct{}
	talking        map[core.ConnID]map[domain.GroupID]struct{}
	publishers     map[domain.GroupID]*Publisher
	muted          map[domain.UserID]map[domain.GroupID]struct{}
}

func NewPresence() *Presence {
	return &Presence{
		conns:          make(map[core.ConnID]*connEntry),
		productions:    make(map[domain.ProductionID]map[core.ConnID]*domain.User),
		connProduction: make(map[core.ConnID]domain.ProductionID),
		groups:         make(map[domain.GroupID]map[core.ConnID]struct{}),
		talking:        make(map[core.ConnID]map[domain.GroupID]struct{}),
		publishers:     make(map[domain.GroupID]*Publisher),
		muted:          make(map[domain.UserID]map[domain.GroupID]struct{}),
	}
}

// Bind registers a fresh connection before any identity is known.
func (p *Presence) Bind(conn core.ConnID, sig core.SignalConnection, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conns[conn] = &connEntry{signal: sig, cancel: cancel}
	log.Info().Str("module", "app.presence").Str("conn", string(conn)).Msg("connection bound")
}

// Identify attaches the user identity supplied on the first production join.
func (p *Presence) Identify(conn core.ConnID, user *domain.User) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.conns[conn]; ok {
		e.user = user
	}
}

func (p *Presence) UserOf(conn core.ConnID) (*domain.User, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.conns[conn]
	if !ok || e.user == nil {
		return nil, false
	}
	return e.user, true
}

func (p *Presence) SignalOf(conn core.ConnID) (core.SignalConnection, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.conns[conn]
	if !ok || e.signal == nil {
		return nil, false
	}
	return e.signal, true
}

// JoinProduction records membership. A connection belongs to at most one
// production; joining a second one removes it from the first (last join
// wins) and the previous id is reported so the router can notify it.
func (p *Presence) JoinProduction(conn core.ConnID, pid domain.ProductionID, user *domain.User) (prev domain.ProductionID, moved bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cur, ok := p.connProduction[conn]; ok && cur != pid {
		p.removeFromProductionLocked(conn, cur)
		prev, moved = cur, true
	}

	if p.productions[pid] == nil {
		p.productions[pid] = make(map[core.ConnID]*domain.User)
	}
	p.productions[pid][conn] = user
	p.connProduction[conn] = pid
	log.Info().Str("module", "app.presence").Str("conn", string(conn)).
		Str("user", string(user.ID)).Int64("production", int64(pid)).Msg("joined production")
	return prev, moved
}

func (p *Presence) LeaveProduction(conn core.ConnID, pid domain.ProductionID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if users, ok := p.productions[pid]; !ok {
		return false
	} else if _, ok := users[conn]; !ok {
		return false
	}
	p.removeFromProductionLocked(conn, pid)
	log.Info().Str("module", "app.presence").Str("conn", string(conn)).Int64("production", int64(pid)).Msg("left production")
	return true
}

func (p *Presence) removeFromProductionLocked(conn core.ConnID, pid domain.ProductionID) {
	if users, ok := p.productions[pid]; ok {
		delete(users, conn)
		if len(users) == 0 {
			delete(p.productions, pid)
		}
	}
	if p.connProduction[conn] == pid {
		delete(p.connProduction, conn)
	}
}

// ProductionMembers snapshots every connected member of a production.
func (p *Presence) ProductionMembers(pid domain.ProductionID) []MemberSnap {
	p.mu.RLock()
	defer p.mu.RUnlock()
	users := p.productions[pid]
	out := make([]MemberSnap, 0, len(users))
	for conn, u := range users {
		out = append(out, p.snapLocked(conn, u))
	}
	return out
}

func (p *Presence) snapLocked(conn core.ConnID, u *domain.User) MemberSnap {
	s := MemberSnap{Conn: conn, User: u}
	if e, ok := p.conns[conn]; ok {
		s.Signal = e.signal
		if s.User == nil {
			s.User = e.user
		}
	}
	return s
}

func (p *Presence) JoinGroup(conn core.ConnID, gid domain.GroupID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.groups[gid] == nil {
		p.groups[gid] = make(map[core.ConnID]struct{})
	}
	p.groups[gid][conn] = struct{}{}
	log.Info().Str("module", "app.presence").Str("conn", string(conn)).Int64("group", int64(gid)).Msg("joined group")
}

func (p *Presence) LeaveGroup(conn core.ConnID, gid domain.GroupID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	members, ok := p.groups[gid]
	if !ok {
		return false
	}
	if _, ok := members[conn]; !ok {
		return false
	}
	delete(members, conn)
	if len(members) == 0 {
		delete(p.groups, gid)
	}
	log.Info().Str("module", "app.presence").Str("conn", string(conn)).Int64("group", int64(gid)).Msg("left group")
	return true
}

func (p *Presence) InGroup(conn core.ConnID, gid domain.GroupID) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.groups[gid][conn]
	return ok
}

func (p *Presence) GroupMembers(gid domain.GroupID) []MemberSnap {
	p.mu.RLock()
	defer p.mu.RUnlock()
	members := p.groups[gid]
	out := make([]MemberSnap, 0, len(members))
	for conn := range members {
		out = append(out, p.snapLocked(conn, nil))
	}
	return out
}

// -------------------------
// Talking state
// -------------------------

func (p *Presence) StartTalking(conn core.ConnID, gid domain.GroupID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.talking[conn] == nil {
		p.talking[conn] = make(map[domain.GroupID]struct{})
	}
	p.talking[conn][gid] = struct{}{}
}

func (p *Presence) StopTalking(conn core.ConnID, gid domain.GroupID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.talking[conn], gid)
	if len(p.talking[conn]) == 0 {
		delete(p.talking, conn)
	}
}

func (p *Presence) IsTalking(conn core.ConnID, gid domain.GroupID) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.talking[conn][gid]
	return ok
}

// -------------------------
// Publisher slot
// -------------------------

func (p *Presence) Publisher(gid domain.GroupID) (Publisher, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pub, ok := p.publishers[gid]
	if !ok {
		return Publisher{}, false
	}
	return *pub, true
}

// SetPublisher claims the slot for pub and reports the displaced holder,
// if any. The slot holds at most one publisher at any instant.
func (p *Presence) SetPublisher(gid domain.GroupID, pub Publisher) (prev Publisher, replaced bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.publishers[gid]; ok && cur.Conn != pub.Conn {
		prev, replaced = *cur, true
	}
	p.publishers[gid] = &pub
	log.Info().Str("module", "app.presence").Int64("group", int64(gid)).
		Str("user", string(pub.UserID)).Bool("replaced", replaced).Msg("publisher set")
	return prev, replaced
}

// ClearPublisher vacates the slot only if conn holds it.
func (p *Presence) ClearPublisher(gid domain.GroupID, conn core.ConnID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur, ok := p.publishers[gid]
	if !ok || cur.Conn != conn {
		return false
	}
	delete(p.publishers, gid)
	log.Info().Str("module", "app.presence").Int64("group", int64(gid)).Str("conn", string(conn)).Msg("publisher cleared")
	return true
}

// -------------------------
// Muted groups
// -------------------------

func (p *Presence) SetGroupMuted(user domain.UserID, gid domain.GroupID, muted bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if muted {
		if p.muted[user] == nil {
			p.muted[user] = make(map[domain.GroupID]struct{})
		}
		p.muted[user][gid] = struct{}{}
		return
	}
	delete(p.muted[user], gid)
	if len(p.muted[user]) == 0 {
		delete(p.muted, user)
	}
}

func (p *Presence) IsGroupMuted(user domain.UserID, gid domain.GroupID) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.muted[user][gid]
	return ok
}

// -------------------------
// Disconnection
// -------------------------

// RemoveConn tears down every registry entry for a connection and reports
// what was removed. Map mutation is atomic here; the router emits the
// corresponding notifications afterwards, so no client can observe state
// that has not been applied.
func (p *Presence) RemoveConn(conn core.ConnID) Departure {
	p.mu.Lock()
	defer p.mu.Unlock()

	var dep Departure
	if e, ok := p.conns[conn]; ok {
		dep.User = e.user
		if e.cancel != nil {
			e.cancel()
		}
	}

	for pid, users := range p.productions {
		if _, ok := users[conn]; ok {
			dep.Productions = append(dep.Productions, pid)
			delete(users, conn)
			if len(users) == 0 {
				delete(p.productions, pid)
			}
		}
	}
	delete(p.connProduction, conn)

	for gid, members := range p.groups {
		if _, ok := members[conn]; ok {
			dep.Groups = append(dep.Groups, gid)
			delete(members, conn)
			if len(members) == 0 {
				delete(p.groups, gid)
			}
		}
	}

	for gid, pub := range p.publishers {
		if pub.Conn == conn {
			dep.PublisherGroups = append(dep.PublisherGroups, gid)
			delete(p.publishers, gid)
		}
	}

	delete(p.talking, conn)
	if dep.User != nil {
		delete(p.muted, dep.User.ID)
	}
	delete(p.conns, conn)

	log.Info().Str("module", "app.presence").Str("conn", string(conn)).
		Int("productions", len(dep.Productions)).Int("groups", len(dep.Groups)).Msg("connection removed")
	return dep
}
