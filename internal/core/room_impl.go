package core

import (
	"sort"
	"sync"

	"github.com/dkeye/ClinicCall/internal/domain"
	"github.com/rs/zerolog/log"
)

// roomImpl is a threadsafe in-memory room.
// It never closes adapter-owned resources.
type roomImpl struct {
	room   *domain.Room
	mu     sync.RWMutex
	byConn map[ConnID]RoomMember
}

func NewRoomService(room *domain.Room) RoomService {
	return &roomImpl{
		room:   room,
		byConn: make(map[ConnID]RoomMember),
	}
}

func (r *roomImpl) Room() *domain.Room { return r.room }

func (r *roomImpl) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}

func (r *roomImpl) Has(conn ConnID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byConn[conn]
	return ok
}

func (r *roomImpl) AddMember(m RoomMember) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byConn[m.Conn]; ok {
		return false
	}
	r.byConn[m.Conn] = m
	log.Info().Str("module", "core.room").Str("room", string(r.room.Name)).Str("conn", string(m.Conn)).Str("user", string(m.Meta.User.ID)).Msg("member added")
	return true
}

func (r *roomImpl) RemoveMember(conn ConnID) (RoomMember, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.byConn[conn]
	if !ok {
		return RoomMember{}, false
	}
	delete(r.byConn, conn)
	log.Info().Str("module", "core.room").Str("room", string(r.room.Name)).Str("conn", string(conn)).Msg("member removed")
	return m, true
}

func (r *roomImpl) Rebind(from, to ConnID, signal SignalConnection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.byConn[from]
	if !ok {
		return false
	}
	delete(r.byConn, from)
	m.Conn = to
	m.Signal = signal
	r.byConn[to] = m
	log.Info().Str("module", "core.room").Str("room", string(r.room.Name)).Str("from", string(from)).Str("to", string(to)).Msg("member rebound")
	return true
}

func (r *roomImpl) Members() []RoomMember {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RoomMember, 0, len(r.byConn))
	for _, m := range r.byConn {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Meta.JoinedAt.Before(out[j].Meta.JoinedAt) })
	return out
}

// MembersSnapshot is ordered by join time so clients render a stable list.
func (r *roomImpl) MembersSnapshot() []MemberDTO {
	members := r.Members()
	out := make([]MemberDTO, 0, len(members))
	for _, m := range members {
		out = append(out, MemberDTO{ID: m.Meta.User.ID, Data: m.Meta.User.Data.Clone(), JoinedAt: m.Meta.JoinedAt})
	}
	return out
}
