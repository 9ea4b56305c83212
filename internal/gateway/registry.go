package gateway

import (
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyberdeck/telbridge/internal/domain"
)

// registry tracks every live session. It is owned by one Server; there is
// no package-level state.
type registry struct {
	mu       sync.RWMutex
	sessions map[string]*session
	seq      atomic.Uint64
}

func newRegistry() *registry {
	return &registry{sessions: map[string]*session{}}
}

// nextID returns a process-unique session id.
func (r *registry) nextID() string {
	b := make([]byte, 0, 32)
	b = append(b, "tn_"...)
	b = strconv.AppendInt(b, time.Now().UnixNano(), 10)
	b = append(b, '_')
	b = strconv.AppendUint(b, r.seq.Add(1), 10)
	return string(b)
}

func (r *registry) add(sess *session) {
	r.mu.Lock()
	r.sessions[sess.id] = sess
	r.mu.Unlock()
}

// remove deletes id and reports whether it was present.
func (r *registry) remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	return true
}

func (r *registry) get(id string) (*session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	return sess, ok
}

func (r *registry) byChannel(channelID string) []*session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*session
	for _, sess := range r.sessions {
		if sess.channelID == channelID {
			out = append(out, sess)
		}
	}
	return out
}

func (r *registry) countByChannel(channelID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, sess := range r.sessions {
		if sess.channelID == channelID {
			n++
		}
	}
	return n
}

func (r *registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *registry) all() []*session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess)
	}
	return out
}

// snapshot returns the stats view of every live session, oldest first.
func (r *registry) snapshot(now time.Time) []domain.SessionInfo {
	sessions := r.all()
	out := make([]domain.SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.info(now))
	}
	slices.SortFunc(out, func(a, b domain.SessionInfo) int {
		if c := a.StartTime.Compare(b.StartTime); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out
}

// idle returns connected sessions whose last activity is older than
// timeout.
func (r *registry) idle(now time.Time, timeout time.Duration) []*session {
	var out []*session
	for _, sess := range r.all() {
		if sess.currentState() != domain.StateConnected {
			continue
		}
		if now.Sub(sess.lastActivity()) > timeout {
			out = append(out, sess)
		}
	}
	return out
}
