package correlation

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zhouzirui/visitor-relay/internal/config"
)

func newTestRedisTable(t *testing.T) (*RedisTable, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	table, err := NewRedisTable(zap.NewNop(), config.RedisConfig{
		Addr:   mr.Addr(),
		Prefix: "test:corr",
		TTL:    time.Hour,
	})
	if err != nil {
		mr.Close()
		t.Fatalf("failed to create RedisTable: %v", err)
	}
	t.Cleanup(func() {
		_ = table.Close()
		mr.Close()
	})
	return table, mr
}

func backends(t *testing.T) map[string]Table {
	redisTable, _ := newTestRedisTable(t)
	return map[string]Table{
		"memory": NewMemoryTable(),
		"redis":  redisTable,
	}
}

func TestTable_RecordResolve(t *testing.T) {
	for name, table := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, table.Record(ctx, 42, "visitor-a"))

			got, ok, err := table.Resolve(ctx, 42)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "visitor-a", got)

			_, ok, err = table.Resolve(ctx, 43)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestTable_LastWriteWins(t *testing.T) {
	for name, table := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, table.Record(ctx, 7, "visitor-a"))
			require.NoError(t, table.Record(ctx, 7, "visitor-b"))

			got, ok, err := table.Resolve(ctx, 7)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "visitor-b", got)

			// purging the previous owner must not drop the overwritten entry
			require.NoError(t, table.PurgeVisitor(ctx, "visitor-a"))
			got, ok, err = table.Resolve(ctx, 7)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "visitor-b", got)
		})
	}
}

func TestTable_PurgeVisitorOnlyTouchesOwnEntries(t *testing.T) {
	for name, table := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, table.Record(ctx, 10, "visitor-a"))
			require.NoError(t, table.Record(ctx, 12, "visitor-a"))
			require.NoError(t, table.Record(ctx, 11, "visitor-b"))

			require.NoError(t, table.PurgeVisitor(ctx, "visitor-a"))

			for _, id := range []int64{10, 12} {
				_, ok, err := table.Resolve(ctx, id)
				require.NoError(t, err)
				assert.False(t, ok, "entry %d should be purged", id)
			}

			got, ok, err := table.Resolve(ctx, 11)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "visitor-b", got)

			// unknown visitor is a no-op
			assert.NoError(t, table.PurgeVisitor(ctx, "nobody"))
		})
	}
}

func TestMemoryTable_Len(t *testing.T) {
	table := NewMemoryTable()
	ctx := context.Background()
	require.NoError(t, table.Record(ctx, 1, "a"))
	require.NoError(t, table.Record(ctx, 2, "a"))
	assert.Equal(t, 2, table.Len())

	require.NoError(t, table.PurgeVisitor(ctx, "a"))
	assert.Equal(t, 0, table.Len())
}

func TestRedisTable_KeysCarryTTL(t *testing.T) {
	table, mr := newTestRedisTable(t)
	require.NoError(t, table.Record(context.Background(), 5, "visitor-a"))

	assert.True(t, mr.Exists("test:corr:msg:5"))
	assert.Equal(t, time.Hour, mr.TTL("test:corr:msg:5"))
	assert.Equal(t, time.Hour, mr.TTL("test:corr:visitor:visitor-a"))
}

func TestNewRedisTable_ConnectionError(t *testing.T) {
	table, err := NewRedisTable(zap.NewNop(), config.RedisConfig{Addr: "127.0.0.1:0"})
	assert.Nil(t, table)
	assert.Error(t, err)
}

func TestNewTable_SelectsBackend(t *testing.T) {
	table, err := NewTable(zap.NewNop(), config.CorrelationConfig{Store: StoreMemory})
	require.NoError(t, err)
	assert.IsType(t, &MemoryTable{}, table)

	_, err = NewTable(zap.NewNop(), config.CorrelationConfig{Store: "etcd"})
	assert.Error(t, err)
}
