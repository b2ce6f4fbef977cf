package session

import (
	"sync"
	"sync/atomic"
	"time"
)

// Handle is the transport a session exclusively owns. Write must be bounded
// by the implementation's own deadline.
type Handle interface {
	Write(data []byte) error
	Close() error
}

// Info is a read-only snapshot of a session.
type Info struct {
	VisitorID             string    `json:"visitorId"`
	CreatedAt             time.Time `json:"createdAt"`
	LastSeenAt            time.Time `json:"lastSeenAt"`
	LastOperatorMessageID *int64    `json:"lastOperatorMessageId,omitempty"`
}

type session struct {
	id        string
	handle    Handle
	createdAt time.Time

	// writeMu serialises writes; closed is checked on both sides of it so a
	// close racing a write never reaches the handle twice.
	writeMu sync.Mutex
	closed  atomic.Bool

	lastSeen              atomic.Int64 // unix nanos
	lastOperatorMessageID atomic.Int64 // 0 when unset
}

func newSession(id string, handle Handle, now time.Time) *session {
	s := &session{id: id, handle: handle, createdAt: now}
	s.lastSeen.Store(now.UnixNano())
	return s
}

func (s *session) write(data []byte) error {
	if s.closed.Load() {
		return ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed.Load() {
		return ErrNotConnected
	}
	return s.handle.Write(data)
}

// close reports whether this call performed the transition to Closed.
func (s *session) close() (bool, error) {
	if !s.closed.CompareAndSwap(false, true) {
		return false, nil
	}
	return true, s.handle.Close()
}

func (s *session) touch(now time.Time) {
	s.lastSeen.Store(now.UnixNano())
}

func (s *session) info() Info {
	info := Info{
		VisitorID:  s.id,
		CreatedAt:  s.createdAt,
		LastSeenAt: time.Unix(0, s.lastSeen.Load()),
	}
	if id := s.lastOperatorMessageID.Load(); id != 0 {
		info.LastOperatorMessageID = &id
	}
	return info
}
