package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhouzirui/visitor-relay/internal/metrics"
	"github.com/zhouzirui/visitor-relay/internal/model/envelope"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrNotConnected    = errors.New("visitor not connected")
)

// Purger drops state that belongs to a removed visitor.
type Purger interface {
	PurgeVisitor(ctx context.Context, visitorID string) error
}

// Option customises a Registry.
type Option func(*Registry)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithMetrics reports session counts to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// Registry tracks live visitor sessions keyed by visitor id.
type Registry struct {
	logger  *zap.Logger
	purger  Purger
	metrics *metrics.Metrics
	now     func() time.Time

	mu       sync.RWMutex
	sessions map[string]*session
}

// NewRegistry creates an empty registry. purger may be nil.
func NewRegistry(logger *zap.Logger, purger Purger, opts ...Option) *Registry {
	r := &Registry{
		logger:   logger.Named("session.registry"),
		purger:   purger,
		now:      time.Now,
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create mints a visitor id and registers a session owning handle.
func (r *Registry) Create(handle Handle) string {
	now := r.now()

	r.mu.Lock()
	id := uuid.NewString()
	for {
		if _, exists := r.sessions[id]; !exists {
			break
		}
		id = uuid.NewString()
	}
	r.sessions[id] = newSession(id, handle, now)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.SessionOpened()
	}
	r.logger.Info("session created", zap.String("visitor_id", id))
	return id
}

func (r *Registry) lookup(visitorID string) *session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[visitorID]
}

// Touch records inbound activity for visitorID.
func (r *Registry) Touch(visitorID string) error {
	s := r.lookup(visitorID)
	if s == nil || s.closed.Load() {
		r.logger.Debug("touch for unknown session", zap.String("visitor_id", visitorID))
		return ErrSessionNotFound
	}
	s.touch(r.now())
	return nil
}

// Get returns a snapshot of the session, if it is live.
func (r *Registry) Get(visitorID string) (Info, bool) {
	s := r.lookup(visitorID)
	if s == nil || s.closed.Load() {
		return Info{}, false
	}
	return s.info(), true
}

// SetLastOperatorMessage remembers the latest operator-side message id sent
// on behalf of visitorID.
func (r *Registry) SetLastOperatorMessage(visitorID string, operatorMessageID int64) error {
	s := r.lookup(visitorID)
	if s == nil || s.closed.Load() {
		return ErrSessionNotFound
	}
	s.lastOperatorMessageID.Store(operatorMessageID)
	return nil
}

// Send encodes env and writes it to the visitor. A missing or closed session
// yields ErrNotConnected. A failed write is treated as session death: the
// session is removed and the returned error wraps ErrNotConnected.
func (r *Registry) Send(visitorID string, env envelope.Envelope) error {
	s := r.lookup(visitorID)
	if s == nil {
		return ErrNotConnected
	}

	err := s.write(envelope.Encode(env))
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotConnected) {
		return err
	}

	r.logger.Warn("write failed, removing session",
		zap.String("visitor_id", visitorID),
		zap.String("type", string(env.Type())),
		zap.Error(err))
	r.Remove(visitorID)
	return fmt.Errorf("%w: %v", ErrNotConnected, err)
}

// Remove closes the session's handle, forgets it and purges its
// correlations. It reports whether a session was removed.
func (r *Registry) Remove(visitorID string) bool {
	r.mu.Lock()
	s, ok := r.sessions[visitorID]
	if ok {
		delete(r.sessions, visitorID)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	r.finalize(s)
	return true
}

// RemoveIfIdle removes visitorID only if its last activity is still before
// cutoff when checked under the registry lock.
func (r *Registry) RemoveIfIdle(visitorID string, cutoff time.Time) bool {
	r.mu.Lock()
	s, ok := r.sessions[visitorID]
	if !ok || !time.Unix(0, s.lastSeen.Load()).Before(cutoff) {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, visitorID)
	r.mu.Unlock()

	r.finalize(s)
	return true
}

func (r *Registry) finalize(s *session) {
	if _, err := s.close(); err != nil {
		r.logger.Debug("close handle failed",
			zap.String("visitor_id", s.id),
			zap.Error(err))
	}

	if r.purger != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.purger.PurgeVisitor(ctx, s.id); err != nil {
			r.logger.Error("failed to purge correlations",
				zap.String("visitor_id", s.id),
				zap.Error(err))
		}
		cancel()
	}

	if r.metrics != nil {
		r.metrics.SessionClosed()
	}
	r.logger.Info("session removed", zap.String("visitor_id", s.id))
}

// Snapshot returns every live session. The slice is detached from the
// registry and safe to iterate while sessions come and go.
func (r *Registry) Snapshot() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		infos = append(infos, s.info())
	}
	return infos
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Now exposes the registry clock so the sweep compares against the same time
// source that stamps lastSeenAt.
func (r *Registry) Now() time.Time {
	return r.now()
}

// CloseAll removes every session, used on shutdown.
func (r *Registry) CloseAll() {
	for _, info := range r.Snapshot() {
		r.Remove(info.VisitorID)
	}
}
