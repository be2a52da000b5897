package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jidegrand/travelcart/internal/storage"
)

type memCache struct {
	entries map[string]storage.Watch
	getErr  error
	sets    int
}

func (m *memCache) GetWatch(ctx context.Context, id string) (*storage.Watch, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	w, ok := m.entries[id]
	if !ok {
		return nil, nil
	}
	return &w, nil
}

func (m *memCache) SetWatch(ctx context.Context, watch storage.Watch) error {
	m.sets++
	m.entries[watch.ID] = watch
	return nil
}

func (m *memCache) DeleteWatch(ctx context.Context, id string) error {
	delete(m.entries, id)
	return nil
}

func seedStore(t *testing.T) (*storage.MemoryStore, storage.Watch) {
	t.Helper()
	store := storage.NewMemoryStore()
	w, err := store.CreateWatch(context.Background(), storage.Watch{
		Origin:        "JFK",
		Destination:   "LHR",
		DepartureDate: time.Now().AddDate(0, 1, 0),
		TargetPrice:   decimal.NewFromInt(850),
		BaselinePrice: decimal.NewFromInt(1000),
		CurrentPrice:  decimal.NewFromInt(1000),
	}, storage.PriceSample{Price: decimal.NewFromInt(1000)})
	require.NoError(t, err)
	return store, w
}

func TestReadThroughFillsOnMiss(t *testing.T) {
	store, w := seedStore(t)
	mc := &memCache{entries: map[string]storage.Watch{}}
	reader := NewReadThrough(mc, store, zerolog.Nop())

	got, err := reader.GetWatch(context.Background(), w.ID)
	require.NoError(t, err)
	assert.Equal(t, w.ID, got.ID)
	assert.Equal(t, 1, mc.sets)

	// served from cache even after the store forgets it
	require.NoError(t, store.DeleteWatch(context.Background(), w.ID))
	got, err = reader.GetWatch(context.Background(), w.ID)
	require.NoError(t, err)
	assert.Equal(t, w.ID, got.ID)
	assert.Equal(t, 1, mc.sets)
}

func TestReadThroughDegradesOnCacheError(t *testing.T) {
	store, w := seedStore(t)
	mc := &memCache{entries: map[string]storage.Watch{}, getErr: errors.New("redis down")}
	reader := NewReadThrough(mc, store, zerolog.Nop())

	got, err := reader.GetWatch(context.Background(), w.ID)
	require.NoError(t, err)
	assert.True(t, got.TargetPrice.Equal(decimal.NewFromInt(850)))
}

func TestReadThroughNotFound(t *testing.T) {
	store, _ := seedStore(t)
	reader := NewReadThrough(nil, store, zerolog.Nop())

	_, err := reader.GetWatch(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRedisCacheUnreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 200 * time.Millisecond})
	c := NewRedisCacheWithClient(client, time.Minute)
	defer c.Close()

	_, err := c.GetWatch(context.Background(), "w1")
	assert.Error(t, err)
	assert.Equal(t, "cache:watch:w1", watchKey("w1"))
}
