package docstore

import (
	"context"
	"encoding/json"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/mafia/internal/cache"
	"github.com/jason-s-yu/mafia/internal/database"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testStoreContract runs the behaviour every backend shares against two
// connections to the same database.
func testStoreContract(t *testing.T, open func(t *testing.T) Store) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	a, b := open(t), open(t)
	defer b.Close()

	require.True(t, a.Connected(ctx))

	var mu sync.Mutex
	var seen []string
	unsub, err := b.Subscribe(ctx, "c/timer", func(v json.RawMessage) {
		mu.Lock()
		seen = append(seen, string(v))
		mu.Unlock()
	}, nil)
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, a.Update(ctx, "c", map[string]interface{}{
		"timer":       30,
		"players/p1":  map[string]interface{}{"name": "A", "isOnline": true},
		"players/p2":  map[string]interface{}{"name": "B", "isOnline": true},
		"lastUpdated": ServerTimestamp,
	}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0 && seen[len(seen)-1] == "30"
	}, 5*time.Second, 10*time.Millisecond, "subscriber sees the write")

	raw, err := b.Get(ctx, "c/players/p1/name")
	require.NoError(t, err)
	assert.JSONEq(t, `"A"`, string(raw))

	raw, err = b.Get(ctx, "c/lastUpdated")
	require.NoError(t, err)
	stamp, err := strconv.ParseInt(string(raw), 10, 64)
	require.NoError(t, err, "server timestamp resolves to a number")
	assert.Positive(t, stamp)

	require.NoError(t, a.Update(ctx, "c", map[string]interface{}{"players/p2": nil}))
	raw, err = b.Get(ctx, "c/players/p2")
	require.NoError(t, err)
	assert.Nil(t, raw, "nil deletes")

	err = a.Update(ctx, "c", map[string]interface{}{"players": nil, "players/p1/name": "X"})
	assert.ErrorIs(t, err, ErrInvalidPath)
	raw, err = b.Get(ctx, "c/players/p1/name")
	require.NoError(t, err)
	assert.JSONEq(t, `"A"`, string(raw), "a rejected update writes nothing")

	require.NoError(t, a.OnDisconnect(ctx, "c/players/p1", map[string]interface{}{
		"isOnline": false,
		"lastSeen": ServerTimestamp,
	}))
	require.NoError(t, a.Close())
	raw, err = b.Get(ctx, "c/players/p1/isOnline")
	require.NoError(t, err)
	assert.Equal(t, "false", string(raw), "disconnect writes land on close")

	_, err = a.Get(ctx, "c")
	assert.ErrorIs(t, err, ErrClosed)
}

// testSubscribeOrdering subscribes while another connection keeps writing.
// Every subscriber, however its initial read interleaves with the writes,
// must see the counter only move forward and must end on the last value.
func testSubscribeOrdering(t *testing.T, open func(t *testing.T) Store) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	w, r := open(t), open(t)
	defer w.Close()
	defer r.Close()

	const writes = 40
	type sub struct {
		mu   sync.Mutex
		seen []int
	}
	var subs []*sub
	for i := 1; i <= writes; i++ {
		require.NoError(t, w.Set(ctx, "o/n", i))
		if i%5 != 0 {
			continue
		}
		s := &sub{}
		unsub, err := r.Subscribe(ctx, "o/n", func(v json.RawMessage) {
			n, _ := strconv.Atoi(string(v))
			s.mu.Lock()
			s.seen = append(s.seen, n)
			s.mu.Unlock()
		}, nil)
		require.NoError(t, err)
		defer unsub()
		subs = append(subs, s)
	}

	for i, s := range subs {
		require.Eventually(t, func() bool {
			s.mu.Lock()
			defer s.mu.Unlock()
			return len(s.seen) > 0 && s.seen[len(s.seen)-1] == writes
		}, 5*time.Second, 10*time.Millisecond, "subscriber %d ends on the last write", i)
		s.mu.Lock()
		for j := 1; j < len(s.seen); j++ {
			assert.LessOrEqual(t, s.seen[j-1], s.seen[j], "subscriber %d went back in time: %v", i, s.seen)
		}
		s.mu.Unlock()
	}
}

func TestMemoryStoreContract(t *testing.T) {
	mem := NewMemory()
	testStoreContract(t, func(*testing.T) Store { return mem.Connect() })
	testSubscribeOrdering(t, func(*testing.T) Store { return mem.Connect() })
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return logger
}

func TestRedisStoreContract(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	rdb, err := cache.ConnectRedis(context.Background(), cache.Options{Addr: addr, Password: os.Getenv("REDIS_PASSWORD")})
	require.NoError(t, err)
	t.Cleanup(func() { rdb.Close() })

	prefix := "mafia-test-" + uuid.NewString()
	t.Cleanup(func() {
		rdb.Del(context.Background(), cache.DocumentKey(prefix))
	})
	testStoreContract(t, func(*testing.T) Store { return NewRedisStore(rdb, prefix, testLogger()) })
	testSubscribeOrdering(t, func(*testing.T) Store { return NewRedisStore(rdb, prefix, testLogger()) })
}

func TestPostgresStoreContract(t *testing.T) {
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := database.ConnectDB(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	docID := "test_" + uuid.NewString()[:8]
	open := func(t *testing.T) Store {
		s, err := NewPostgresStore(ctx, pool, docID, testLogger())
		require.NoError(t, err)
		return s
	}
	testStoreContract(t, open)
	testSubscribeOrdering(t, open)
}
