// internal/game/game_store_test.go
package game

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jason-s-yu/mafia/internal/docstore"
	"github.com/jason-s-yu/mafia/internal/models"
	"github.com/jason-s-yu/mafia/internal/room"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func newStore(t *testing.T, mem *docstore.Memory) (*GameStore, *docstore.MemorySession) {
	t.Helper()
	session := mem.Connect()
	engine := room.NewEngine(session, room.Config{
		RoomID:             "test-room",
		HostRequestTimeout: time.Second,
		ResetDelay:         time.Second,
		MinPlayers:         3,
		OpTimeout:          time.Second,
	}, quietLogger())
	store := NewGameStore(engine, quietLogger())
	require.NoError(t, store.Start(context.Background()))
	t.Cleanup(func() {
		store.Close()
		engine.Close()
		session.Close()
	})
	return store, session
}

// views collects every view pushed to a listener.
type views struct {
	mu  sync.Mutex
	all []View
}

func (v *views) record(view View) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.all = append(v.all, view)
}

func (v *views) snapshot() []View {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]View(nil), v.all...)
}

func eventually(t *testing.T, s *GameStore, cond func(View) bool, msg string) {
	t.Helper()
	require.Eventually(t, func() bool { return cond(s.View()) }, waitFor, 5*time.Millisecond, msg)
}

func TestStartShowsEmptyLobby(t *testing.T) {
	s, _ := newStore(t, docstore.NewMemory())

	eventually(t, s, func(v View) bool { return v.Connected }, "first snapshot")
	v := s.View()
	assert.Equal(t, models.PhaseLobby, v.Phase)
	assert.Empty(t, v.Players)
	assert.Nil(t, v.CurrentPlayer)
	assert.False(t, v.IsHost)
	assert.False(t, v.InProgress)
	assert.Empty(t, v.Error)
}

func TestJoinSetsCurrentPlayer(t *testing.T) {
	mem := docstore.NewMemory()
	ctx := context.Background()
	alice, _ := newStore(t, mem)
	bob, _ := newStore(t, mem)

	require.NoError(t, alice.JoinAsHost(ctx, "Alice"))
	require.NoError(t, bob.JoinAsPlayer(ctx, "Bob"))
	assert.NotEmpty(t, alice.CurrentPlayerID())
	assert.NotEmpty(t, bob.CurrentPlayerID())

	eventually(t, alice, func(v View) bool { return len(v.Players) == 2 }, "alice sees both players")
	v := alice.View()
	require.NotNil(t, v.CurrentPlayer)
	assert.Equal(t, "Alice", v.CurrentPlayer.Name)
	assert.True(t, v.IsHost)
	assert.Equal(t, "Alice", v.Players[0].Name, "players are listed in join order")
	assert.Len(t, v.AlivePlayers, 2)

	eventually(t, bob, func(v View) bool { return v.CurrentPlayer != nil }, "bob sees himself")
	assert.False(t, bob.View().IsHost)
}

func TestFailedIntentSurfacesError(t *testing.T) {
	mem := docstore.NewMemory()
	ctx := context.Background()
	alice, _ := newStore(t, mem)
	require.NoError(t, alice.JoinAsHost(ctx, "Alice"))

	err := alice.StartGame(ctx)
	require.ErrorIs(t, err, room.ErrInsufficientPlayers)
	assert.Equal(t, room.ErrInsufficientPlayers.Error(), alice.View().Error)

	require.NoError(t, alice.UpdateTimer(ctx, 30, false))
	assert.Empty(t, alice.View().Error, "a successful intent clears the error")
}

func TestInProgressSpansCall(t *testing.T) {
	mem := docstore.NewMemory()
	s, _ := newStore(t, mem)
	rec := &views{}
	s.OnChange(rec.record)

	require.NoError(t, s.JoinAsPlayer(context.Background(), "Alice"))

	busy := false
	for _, v := range rec.snapshot() {
		busy = busy || v.InProgress
	}
	assert.True(t, busy, "listeners see the call in flight")
	assert.False(t, s.View().InProgress)
}

func TestGameRoundThroughStores(t *testing.T) {
	mem := docstore.NewMemory()
	ctx := context.Background()
	alice, _ := newStore(t, mem)
	bob, _ := newStore(t, mem)
	carol, _ := newStore(t, mem)

	require.NoError(t, alice.JoinAsHost(ctx, "Alice"))
	require.NoError(t, bob.JoinAsPlayer(ctx, "Bob"))
	require.NoError(t, carol.JoinAsPlayer(ctx, "Carol"))
	require.NoError(t, alice.StartGame(ctx))

	eventually(t, carol, func(v View) bool { return v.Phase == models.PhasePlaying }, "carol sees the game start")
	require.NotNil(t, carol.View().CurrentPlayer)
	assert.NotEmpty(t, carol.View().CurrentPlayer.Role)

	require.NoError(t, alice.EliminatePlayer(ctx, bob.CurrentPlayerID()))
	eventually(t, alice, func(v View) bool { return len(v.EliminatedPlayers) == 1 }, "bob eliminated")
	assert.Len(t, alice.View().AlivePlayers, 2)

	require.NoError(t, alice.EndGame(ctx, "Town"))
	eventually(t, bob, func(v View) bool { return v.Phase == models.PhaseEnded }, "bob sees the end")
	assert.Equal(t, "Town", bob.View().Winner)
	assert.NotZero(t, bob.View().ResetScheduledAt)

	require.NoError(t, alice.ResetGame(ctx))
	eventually(t, bob, func(v View) bool { return v.Phase == models.PhaseLobby }, "back to lobby")
	v := bob.View()
	assert.Len(t, v.AlivePlayers, 3)
	assert.Empty(t, v.EliminatedPlayers)
	assert.Zero(t, v.ResetScheduledAt)
	assert.NotEmpty(t, bob.CurrentPlayerID(), "a new round keeps the local player")
}

func TestHostRequestFlow(t *testing.T) {
	mem := docstore.NewMemory()
	ctx := context.Background()
	alice, _ := newStore(t, mem)
	bob, _ := newStore(t, mem)
	require.NoError(t, alice.JoinAsHost(ctx, "Alice"))

	require.NoError(t, bob.RequestHost(ctx, "Bob"))
	require.NotEmpty(t, bob.CurrentPlayerID(), "requesting before joining joins")
	eventually(t, bob, func(v View) bool { return v.MyPendingRequest != nil }, "bob sees his request")

	eventually(t, alice, func(v View) bool { return len(v.HostRequests) == 1 }, "alice sees the request")
	req := alice.View().HostRequests[0]
	assert.Equal(t, "Bob", req.PlayerName)

	err := bob.RespondToHostRequest(ctx, req.ID, true)
	require.ErrorIs(t, err, room.ErrNotAuthorized)

	require.NoError(t, alice.RespondToHostRequest(ctx, req.ID, true))
	eventually(t, bob, func(v View) bool { return v.IsHost && v.MyPendingRequest == nil }, "bob is host")
	eventually(t, alice, func(v View) bool { return !v.IsHost }, "alice stepped down")
}

func TestLeaveClearsPlayerEvenOnFailure(t *testing.T) {
	mem := docstore.NewMemory()
	ctx := context.Background()
	alice, _ := newStore(t, mem)
	bob, bobSession := newStore(t, mem)
	require.NoError(t, alice.JoinAsHost(ctx, "Alice"))
	require.NoError(t, bob.JoinAsPlayer(ctx, "Bob"))
	bobID := bob.CurrentPlayerID()

	bobSession.DenyWrites(true)
	require.NoError(t, bob.LeaveGame(ctx), "leave failures are swallowed")
	assert.Empty(t, bob.CurrentPlayerID())
	assert.Empty(t, bob.View().Error)

	eventually(t, alice, func(v View) bool { return len(v.Players) == 2 }, "bob is still recorded")
	bobSession.DenyWrites(false)

	carol, _ := newStore(t, mem)
	require.NoError(t, carol.JoinAsPlayer(ctx, "Carol"))
	require.NoError(t, bob.JoinAsPlayer(ctx, "Bob"))
	assert.NotEqual(t, bobID, bob.CurrentPlayerID(), "rejoining creates a new player")

	require.NoError(t, carol.LeaveGame(ctx))
	assert.Empty(t, carol.CurrentPlayerID())
	require.NoError(t, carol.LeaveGame(ctx), "leaving twice is harmless")
}

func TestCompleteResetForgetsPlayer(t *testing.T) {
	mem := docstore.NewMemory()
	ctx := context.Background()
	alice, _ := newStore(t, mem)
	bob, _ := newStore(t, mem)
	require.NoError(t, alice.JoinAsHost(ctx, "Alice"))
	require.NoError(t, bob.JoinAsPlayer(ctx, "Bob"))

	require.NoError(t, bob.CompleteReset(ctx))
	assert.Empty(t, bob.CurrentPlayerID())

	eventually(t, alice, func(v View) bool { return len(v.Players) == 0 }, "room wiped")
	v := alice.View()
	assert.Nil(t, v.CurrentPlayer)
	assert.False(t, v.IsHost)
	assert.Equal(t, models.PhaseLobby, v.Phase)
}

func TestHostLeavingForgetsPlayer(t *testing.T) {
	mem := docstore.NewMemory()
	ctx := context.Background()
	alice, _ := newStore(t, mem)
	bob, _ := newStore(t, mem)
	require.NoError(t, alice.JoinAsHost(ctx, "Alice"))
	require.NoError(t, bob.JoinAsPlayer(ctx, "Bob"))

	eventually(t, bob, func(v View) bool { return v.CurrentPlayer != nil }, "bob sees himself")

	require.NoError(t, alice.LeaveGame(ctx))
	assert.Empty(t, alice.CurrentPlayerID())
	eventually(t, bob, func(v View) bool { return v.CurrentPlayer == nil && len(v.Players) == 0 }, "host leaving wipes the room")
	assert.Empty(t, bob.CurrentPlayerID(), "the wipe drops bob's id too")

	require.NoError(t, bob.RequestHost(ctx, "Bob"))
	eventually(t, bob, func(v View) bool { return v.IsHost && v.CurrentPlayer.Name == "Bob" }, "bob rejoins as host")
}

func TestRequestHostRecoversFromStaleID(t *testing.T) {
	mem := docstore.NewMemory()
	ctx := context.Background()
	session := mem.Connect()
	defer session.Close()
	engine := room.NewEngine(session, room.Config{RoomID: "test-room"}, quietLogger())
	defer engine.Close()
	require.NoError(t, engine.EnsureRoomExists(ctx))

	// not started, so no snapshot tells alice about the wipe
	alice := NewGameStore(engine, quietLogger())
	require.NoError(t, alice.JoinAsHost(ctx, "Alice"))
	stale := alice.CurrentPlayerID()

	otherSession := mem.Connect()
	defer otherSession.Close()
	other := room.NewEngine(otherSession, room.Config{RoomID: "test-room"}, quietLogger())
	defer other.Close()
	require.NoError(t, other.PerformCompleteReset(ctx))
	require.Equal(t, stale, alice.CurrentPlayerID())

	require.NoError(t, alice.RequestHost(ctx, "Alice"))
	id := alice.CurrentPlayerID()
	require.NotEmpty(t, id)
	assert.NotEqual(t, stale, id)
	r, err := engine.Room(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, r.Host)
}

func TestRunCountdown(t *testing.T) {
	mem := docstore.NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	alice, _ := newStore(t, mem)
	bob, _ := newStore(t, mem)
	require.NoError(t, alice.JoinAsHost(ctx, "Alice"))
	require.NoError(t, bob.JoinAsPlayer(ctx, "Bob"))

	go bob.RunCountdown(ctx, 5*time.Millisecond)
	require.NoError(t, alice.UpdateTimer(ctx, 3, true))
	eventually(t, alice, func(v View) bool { return v.IsHost && v.Timer == 3 && v.TimerRunning }, "timer started")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, alice.View().Timer, "only the host counts down")

	go alice.RunCountdown(ctx, 5*time.Millisecond)
	eventually(t, bob, func(v View) bool { return v.Timer == 0 && !v.TimerRunning }, "countdown reaches zero and stops")
}

func TestDroppedConnectionSurfaces(t *testing.T) {
	mem := docstore.NewMemory()
	alice, session := newStore(t, mem)
	require.NoError(t, alice.JoinAsPlayer(context.Background(), "Alice"))
	eventually(t, alice, func(v View) bool { return v.Connected }, "connected")

	session.Drop()
	eventually(t, alice, func(v View) bool { return !v.Connected }, "disconnect noticed")
	assert.NotEmpty(t, alice.View().Error)
}
