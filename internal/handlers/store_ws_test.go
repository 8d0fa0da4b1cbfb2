// internal/handlers/store_ws_test.go
package handlers

import (
	"context"
	"encoding/json"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jason-s-yu/mafia/internal/auth"
	"github.com/jason-s-yu/mafia/internal/docstore"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStoreServer(t *testing.T, signer *auth.Signer) (*docstore.Memory, string) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	mem := docstore.NewMemory()
	backend := mem.Connect()
	srv := httptest.NewServer(StoreWSHandler(logger, backend, signer, nil))
	t.Cleanup(func() {
		srv.Close()
		backend.Close()
	})
	return mem, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url, token string) *docstore.RemoteStore {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rs, err := docstore.DialRemote(ctx, url, token, logger)
	require.NoError(t, err)
	t.Cleanup(func() { rs.Close() })
	return rs
}

func TestStoreServerReadWrite(t *testing.T) {
	_, url := newStoreServer(t, auth.NewSigner("", 0))
	rs := dial(t, url, "")
	ctx := context.Background()

	require.True(t, rs.Connected(ctx))
	require.NoError(t, rs.Update(ctx, "rooms/r", map[string]interface{}{
		"host":           "p1",
		"players/p1":     map[string]interface{}{"name": "A", "isHost": true},
		"isTimerRunning": false,
	}))

	raw, err := rs.Get(ctx, "rooms/r/players/p1/name")
	require.NoError(t, err)
	assert.JSONEq(t, `"A"`, string(raw))

	raw, err = rs.Get(ctx, "rooms/missing")
	require.NoError(t, err)
	assert.Nil(t, raw)

	_, err = rs.Get(ctx, "rooms//bad")
	assert.ErrorIs(t, err, docstore.ErrInvalidPath)
}

func TestStoreServerPushesChanges(t *testing.T) {
	_, url := newStoreServer(t, auth.NewSigner("", 0))
	watcher := dial(t, url, "")
	writer := dial(t, url, "")
	ctx := context.Background()

	var mu sync.Mutex
	var seen []string
	unsub, err := watcher.Subscribe(ctx, "rooms/r/timer", func(v json.RawMessage) {
		mu.Lock()
		seen = append(seen, string(v))
		mu.Unlock()
	}, nil)
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, writer.Set(ctx, "rooms/r/timer", 30))
	require.NoError(t, writer.Set(ctx, "rooms/r/timer", 29))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"", "30", "29"}, seen)
}

func TestStoreServerAppliesDisconnectWrites(t *testing.T) {
	mem, url := newStoreServer(t, auth.NewSigner("", 0))
	mem.Now = func() time.Time { return time.UnixMilli(99) }
	ctx := context.Background()

	client := dial(t, url, "")
	require.NoError(t, client.Set(ctx, "rooms/r/players/p1", map[string]interface{}{"name": "A", "isOnline": true}))
	require.NoError(t, client.OnDisconnect(ctx, "rooms/r/players/p1", map[string]interface{}{
		"isOnline": false,
		"lastSeen": docstore.ServerTimestamp,
	}))
	require.NoError(t, client.Close())

	require.Eventually(t, func() bool {
		raw, err := mem.Snapshot("rooms/r/players/p1/isOnline")
		return err == nil && string(raw) == "false"
	}, 2*time.Second, 10*time.Millisecond)

	raw, err := mem.Snapshot("rooms/r/players/p1/lastSeen")
	require.NoError(t, err)
	assert.Equal(t, "99", string(raw))
}

func TestStoreServerCredentials(t *testing.T) {
	signer := auth.NewSigner("s3cret", time.Hour)
	_, url := newStoreServer(t, signer)
	ctx := context.Background()

	logger := logrus.New()
	_, err := docstore.DialRemote(ctx, url, "garbage", logger)
	assert.ErrorIs(t, err, docstore.ErrPermissionDenied)

	ro, err := signer.CreateToken("viewer", true)
	require.NoError(t, err)
	viewer := dial(t, url, ro)
	_, err = viewer.Get(ctx, "rooms/r")
	assert.NoError(t, err)
	err = viewer.Set(ctx, "rooms/r/host", "x")
	assert.ErrorIs(t, err, docstore.ErrPermissionDenied)

	rw, err := signer.CreateToken("player", false)
	require.NoError(t, err)
	player := dial(t, url, rw)
	assert.NoError(t, player.Set(ctx, "rooms/r/host", "x"))
}

func TestStoreServerClosesOnTokenExpiry(t *testing.T) {
	signer := auth.NewSigner("s3cret", 2*time.Second)
	_, url := newStoreServer(t, signer)
	token, err := signer.CreateToken("player", false)
	require.NoError(t, err)
	rs := dial(t, url, token)

	errs := make(chan error, 1)
	_, err = rs.Subscribe(context.Background(), "rooms/r", func(json.RawMessage) {}, func(err error) { errs <- err })
	require.NoError(t, err)

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, docstore.ErrPermissionDenied)
	case <-time.After(5 * time.Second):
		t.Fatal("connection outlived its token")
	}
}

func TestStoreServerShutdownWaitsForDisconnectWrites(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	mem := docstore.NewMemory()
	backend := mem.Connect()
	defer backend.Close()

	serveCtx, shutdown := context.WithCancel(context.Background())
	defer shutdown()
	sessions := &Sessions{}
	srv := httptest.NewUnstartedServer(StoreWSHandler(logger, backend, auth.NewSigner("", 0), sessions))
	srv.Config.BaseContext = func(net.Listener) context.Context { return serveCtx }
	srv.Start()
	defer srv.Close()

	ctx := context.Background()
	client := dial(t, "ws"+strings.TrimPrefix(srv.URL, "http"), "")
	require.NoError(t, client.Set(ctx, "rooms/r/players/p1", map[string]interface{}{"name": "A", "isOnline": true}))
	require.NoError(t, client.OnDisconnect(ctx, "rooms/r/players/p1", map[string]interface{}{"isOnline": false}))

	busy, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, sessions.Wait(busy), context.DeadlineExceeded, "a live session holds shutdown")

	shutdown()
	waitCtx, cancelWait := context.WithTimeout(ctx, 5*time.Second)
	defer cancelWait()
	require.NoError(t, sessions.Wait(waitCtx))

	raw, err := mem.Snapshot("rooms/r/players/p1/isOnline")
	require.NoError(t, err)
	assert.Equal(t, "false", string(raw), "disconnect writes land before Wait returns")
}
