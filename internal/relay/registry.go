package relay

import (
	"sync"

	"github.com/carewire/telertc/internal/domain"
)

// member is one registered participant connection.
type member struct {
	userID domain.UserID
	role   domain.Role
	conn   *wsConn
}

// Registry tracks which connection serves which participant of which
// session. A user reconnecting replaces their previous connection.
type Registry struct {
	mu       sync.RWMutex
	sessions map[domain.SessionID]map[domain.UserID]*member
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[domain.SessionID]map[domain.UserID]*member)}
}

// Join registers the connection and returns the previously registered
// connection for the same user, if any, so the caller can close it.
func (r *Registry) Join(sid domain.SessionID, uid domain.UserID, role domain.Role, conn *wsConn) *wsConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	peers, ok := r.sessions[sid]
	if !ok {
		peers = make(map[domain.UserID]*member)
		r.sessions[sid] = peers
	}
	var prev *wsConn
	if old, ok := peers[uid]; ok && old.conn != conn {
		prev = old.conn
	}
	peers[uid] = &member{userID: uid, role: role, conn: conn}
	return prev
}

// Leave removes the participant; the session entry goes away with its
// last member. Removal is skipped when a newer connection took over.
func (r *Registry) Leave(sid domain.SessionID, uid domain.UserID, conn *wsConn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	peers, ok := r.sessions[sid]
	if !ok {
		return false
	}
	m, ok := peers[uid]
	if !ok || m.conn != conn {
		return false
	}
	delete(peers, uid)
	if len(peers) == 0 {
		delete(r.sessions, sid)
	}
	return true
}

// Peers returns every member of the session except the excluded user.
func (r *Registry) Peers(sid domain.SessionID, exclude domain.UserID) []*member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*member
	for uid, m := range r.sessions[sid] {
		if uid != exclude {
			out = append(out, m)
		}
	}
	return out
}

// Peer looks up one member by user ID.
func (r *Registry) Peer(sid domain.SessionID, uid domain.UserID) (*member, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.sessions[sid][uid]
	return m, ok
}

// Size reports the participant count of a session.
func (r *Registry) Size(sid domain.SessionID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[sid])
}
