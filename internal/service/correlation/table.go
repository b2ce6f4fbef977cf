package correlation

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/zhouzirui/visitor-relay/internal/config"
)

// Table maps operator-side message ids back to the visitor they were sent for.
type Table interface {
	// Record stores operatorMessageID -> visitorID. Last write wins.
	Record(ctx context.Context, operatorMessageID int64, visitorID string) error
	// Resolve returns the visitor a reply to operatorMessageID belongs to.
	Resolve(ctx context.Context, operatorMessageID int64) (string, bool, error)
	// PurgeVisitor drops every entry that points at visitorID.
	PurgeVisitor(ctx context.Context, visitorID string) error
}

const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// NewTable builds the backend selected in configuration.
func NewTable(logger *zap.Logger, cfg config.CorrelationConfig) (Table, error) {
	logger.Info("initializing correlation table", zap.String("store", cfg.Store))
	switch cfg.Store {
	case "", StoreMemory:
		return NewMemoryTable(), nil
	case StoreRedis:
		return NewRedisTable(logger, cfg.Redis)
	default:
		return nil, fmt.Errorf("unsupported correlation store: %s", cfg.Store)
	}
}
