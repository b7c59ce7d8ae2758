package app

import (
	"sync"
	"time"

	"github.com/dkeye/ClinicCall/internal/core"
	"github.com/dkeye/ClinicCall/internal/domain"
	"github.com/rs/zerolog/log"
)

// Session is one identity's live presence.
type Session struct {
	User         domain.UserID
	Conn         core.ConnID
	Signal       core.SignalConnection
	Data         domain.UserData
	Room         domain.RoomName
	Call         domain.CallID
	RegisteredAt time.Time
}

// Registry is the Session Registry: identity -> live connection handle.
type Registry struct {
	mu     sync.RWMutex
	byUser map[domain.UserID]*Session
	byConn map[core.ConnID]domain.UserID
}

func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[domain.UserID]*Session),
		byConn: make(map[core.ConnID]domain.UserID),
	}
}

// Register binds uid to conn. Any previous registration of uid is replaced
// and returned; its room and call references carry over to the new handle.
func (r *Registry) Register(uid domain.UserID, conn core.ConnID, signal core.SignalConnection, data domain.UserData) (Session, *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var replaced *Session
	next := &Session{User: uid, Conn: conn, Signal: signal, Data: data.Clone(), RegisteredAt: time.Now()}
	if prev, ok := r.byUser[uid]; ok {
		if prev.Conn == conn {
			prev.Signal = signal
			if data != nil {
				prev.Data = data.Clone()
			}
			return *prev, nil
		}
		cp := *prev
		replaced = &cp
		next.Room = prev.Room
		next.Call = prev.Call
		if data == nil {
			next.Data = prev.Data
		}
		delete(r.byConn, prev.Conn)
	}
	r.byUser[uid] = next
	r.byConn[conn] = uid
	log.Info().Str("module", "app.registry").Str("user", string(uid)).Str("conn", string(conn)).Bool("replaced", replaced != nil).Msg("registered")
	return *next, replaced
}

// Resolve returns a copy of the live session for uid.
func (r *Registry) Resolve(uid domain.UserID) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byUser[uid]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// IdentityOf reports the identity currently bound to conn.
func (r *Registry) IdentityOf(conn core.ConnID) (domain.UserID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	uid, ok := r.byConn[conn]
	return uid, ok
}

// Remove drops conn. The identity goes with it only when conn is still its
// current handle, so a stale connection closing late never evicts a newer
// registration. Idempotent.
func (r *Registry) Remove(conn core.ConnID) (domain.UserID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	uid, ok := r.byConn[conn]
	if !ok {
		return "", false
	}
	delete(r.byConn, conn)
	if s, ok := r.byUser[uid]; ok && s.Conn == conn {
		delete(r.byUser, uid)
		log.Info().Str("module", "app.registry").Str("user", string(uid)).Str("conn", string(conn)).Msg("unregistered")
		return uid, true
	}
	return "", false
}

func (r *Registry) SetRoom(uid domain.UserID, room domain.RoomName) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byUser[uid]
	if !ok {
		return false
	}
	s.Room = room
	return true
}

func (r *Registry) SetCall(uid domain.UserID, call domain.CallID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byUser[uid]
	if !ok {
		return false
	}
	s.Call = call
	return true
}

// ClearCall unsets the call reference only if it still points at call.
func (r *Registry) ClearCall(uid domain.UserID, call domain.CallID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.byUser[uid]; ok && s.Call == call {
		s.Call = ""
	}
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

func (r *Registry) Has(uid domain.UserID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byUser[uid]
	return ok
}
