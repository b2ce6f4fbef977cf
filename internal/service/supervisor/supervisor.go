package supervisor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/visitor-relay/internal/metrics"
	"github.com/zhouzirui/visitor-relay/internal/model/envelope"
	"github.com/zhouzirui/visitor-relay/internal/service/session"
)

// Registry is the part of session.Registry the supervisor drives.
type Registry interface {
	Send(visitorID string, env envelope.Envelope) error
	Remove(visitorID string) bool
	RemoveIfIdle(visitorID string, cutoff time.Time) bool
	Snapshot() []session.Info
	Now() time.Time
}

// Options 心跳与清理参数。
type Options struct {
	HeartbeatInterval   time.Duration
	SweepInterval       time.Duration
	InactivityThreshold time.Duration
}

// DefaultOptions 默认参数。
func DefaultOptions() Options {
	return Options{
		HeartbeatInterval:   30 * time.Second,
		SweepInterval:       5 * time.Minute,
		InactivityThreshold: time.Hour,
	}
}

// Supervisor runs the per-session heartbeat and the global inactivity sweep.
// A missed pong never evicts on its own; staleness is decided only by the
// sweep comparing lastSeenAt against the inactivity threshold.
type Supervisor struct {
	logger   *zap.Logger
	registry Registry
	metrics  *metrics.Metrics
	opts     Options
}

func New(logger *zap.Logger, registry Registry, m *metrics.Metrics, opts Options) *Supervisor {
	defaults := DefaultOptions()
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaults.SweepInterval
	}
	if opts.InactivityThreshold <= 0 {
		opts.InactivityThreshold = defaults.InactivityThreshold
	}
	return &Supervisor{
		logger:   logger.Named("supervisor"),
		registry: registry,
		metrics:  m,
		opts:     opts,
	}
}

// Heartbeat pings visitorID until ctx is cancelled or a ping cannot be
// written. A failed ping removes the session; it is not retried.
func (s *Supervisor) Heartbeat(ctx context.Context, visitorID string) {
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.registry.Send(visitorID, envelope.Ping{}); err != nil {
				s.logger.Info("heartbeat failed, removing session",
					zap.String("visitor_id", visitorID),
					zap.Error(err))
				s.registry.Remove(visitorID)
				return
			}
		}
	}
}

// Run sweeps on every SweepInterval until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()

	s.logger.Info("sweep started",
		zap.Duration("interval", s.opts.SweepInterval),
		zap.Duration("inactivity_threshold", s.opts.InactivityThreshold))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweep stopped")
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep removes every session idle for longer than the inactivity threshold
// and returns how many were evicted.
func (s *Supervisor) Sweep() int {
	cutoff := s.registry.Now().Add(-s.opts.InactivityThreshold)
	evicted := 0

	for _, info := range s.registry.Snapshot() {
		if !info.LastSeenAt.Before(cutoff) {
			continue
		}
		// activity since the snapshot keeps the session
		if s.registry.RemoveIfIdle(info.VisitorID, cutoff) {
			evicted++
			if s.metrics != nil {
				s.metrics.SessionEvicted()
			}
			s.logger.Info("evicted inactive session",
				zap.String("visitor_id", info.VisitorID),
				zap.Time("last_seen_at", info.LastSeenAt))
		}
	}

	if evicted > 0 {
		s.logger.Info("sweep finished", zap.Int("evicted", evicted))
	}
	return evicted
}
