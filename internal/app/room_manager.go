package app

import (
	"sort"
	"sync"
	"time"

	"github.com/dkeye/ClinicCall/internal/core"
	"github.com/dkeye/ClinicCall/internal/domain"
	"github.com/rs/zerolog/log"
)

// LeaveResult describes a membership that was removed.
type LeaveResult struct {
	Room      domain.RoomName
	Member    core.RoomMember
	Remaining []core.RoomMember
}

// JoinResult is everything the caller needs to notify after a join.
type JoinResult struct {
	Room domain.RoomName
	// Left is set when the connection was moved out of another room.
	Left *LeaveResult
	// Snapshot is the membership at the instant of the join, joiner included.
	Snapshot []core.MemberDTO
	// Others are the members to tell about the joiner.
	Others []core.RoomMember
	// Joined is false for a repeated join of the same room.
	Joined bool
}

// RoomDirectory maps ephemeral room names to their members. Rooms are
// created on first join and dropped when the last member leaves.
type RoomDirectory struct {
	mu     sync.RWMutex
	rooms  map[domain.RoomName]core.RoomService
	byConn map[core.ConnID]domain.RoomName
}

func NewRoomDirectory() *RoomDirectory {
	return &RoomDirectory{
		rooms:  make(map[domain.RoomName]core.RoomService),
		byConn: make(map[core.ConnID]domain.RoomName),
	}
}

func (d *RoomDirectory) Join(conn core.ConnID, signal core.SignalConnection, uid domain.UserID, name domain.RoomName, data domain.UserData) JoinResult {
	d.mu.Lock()
	defer d.mu.Unlock()

	res := JoinResult{Room: name}
	if cur, ok := d.byConn[conn]; ok && cur != name {
		res.Left = d.leaveLocked(conn, cur)
	}

	room, ok := d.rooms[name]
	if !ok {
		room = core.NewRoomService(&domain.Room{Name: name})
		d.rooms[name] = room
		log.Info().Str("module", "app.rooms").Str("room", string(name)).Msg("room created")
	}
	res.Joined = room.AddMember(core.RoomMember{
		Conn:   conn,
		Meta:   domain.NewMember(uid, data, time.Now()),
		Signal: signal,
	})
	d.byConn[conn] = name

	res.Snapshot = room.MembersSnapshot()
	if res.Joined {
		for _, m := range room.Members() {
			if m.Conn != conn {
				res.Others = append(res.Others, m)
			}
		}
	}
	return res
}

// Leave removes conn from room. A mismatching room is a no-op.
func (d *RoomDirectory) Leave(conn core.ConnID, name domain.RoomName) (*LeaveResult, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.byConn[conn]; !ok || cur != name {
		return nil, false
	}
	res := d.leaveLocked(conn, name)
	return res, res != nil
}

// LeaveAny removes conn from whatever room it is in.
func (d *RoomDirectory) LeaveAny(conn core.ConnID) (*LeaveResult, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cur, ok := d.byConn[conn]
	if !ok {
		return nil, false
	}
	res := d.leaveLocked(conn, cur)
	return res, res != nil
}

func (d *RoomDirectory) leaveLocked(conn core.ConnID, name domain.RoomName) *LeaveResult {
	delete(d.byConn, conn)
	room, ok := d.rooms[name]
	if !ok {
		return nil
	}
	m, ok := room.RemoveMember(conn)
	if !ok {
		return nil
	}
	res := &LeaveResult{Room: name, Member: m, Remaining: room.Members()}
	if room.MemberCount() == 0 {
		delete(d.rooms, name)
		log.Info().Str("module", "app.rooms").Str("room", string(name)).Msg("room dropped")
	}
	return res
}

// Rebind moves conn's membership to a new connection of the same identity.
func (d *RoomDirectory) Rebind(from, to core.ConnID, signal core.SignalConnection) (domain.RoomName, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	name, ok := d.byConn[from]
	if !ok {
		return "", false
	}
	room, ok := d.rooms[name]
	if !ok || !room.Rebind(from, to, signal) {
		return "", false
	}
	delete(d.byConn, from)
	d.byConn[to] = name
	return name, true
}

func (d *RoomDirectory) RoomOf(conn core.ConnID) (domain.RoomName, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	name, ok := d.byConn[conn]
	return name, ok
}

func (d *RoomDirectory) Members(name domain.RoomName) []core.RoomMember {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if room, ok := d.rooms[name]; ok {
		return room.Members()
	}
	return nil
}

func (d *RoomDirectory) Snapshot(name domain.RoomName) []core.MemberDTO {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if room, ok := d.rooms[name]; ok {
		return room.MembersSnapshot()
	}
	return []core.MemberDTO{}
}

func (d *RoomDirectory) List() []core.RoomInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]core.RoomInfo, 0, len(d.rooms))
	for name, r := range d.rooms {
		out = append(out, core.RoomInfo{Name: name, MemberCount: r.MemberCount()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (d *RoomDirectory) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.rooms)
}
