package game

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jason-s-yu/mafia/internal/docstore"
	"github.com/jason-s-yu/mafia/internal/models"
	"github.com/jason-s-yu/mafia/internal/room"
	"github.com/sirupsen/logrus"
)

// Engine is the room engine surface the store drives. *room.Engine
// implements it.
type Engine interface {
	EnsureRoomExists(ctx context.Context) error
	Connected(ctx context.Context) bool
	Watch(ctx context.Context, onRoom func(*models.Room), onError func(error)) (docstore.Unsubscribe, error)
	OnCompleteReset(fn func())

	JoinAsHost(ctx context.Context, name string) (string, error)
	JoinAsPlayer(ctx context.Context, name string) (string, error)
	StartGame(ctx context.Context) error
	EliminatePlayer(ctx context.Context, id string) error
	UpdateTimer(ctx context.Context, value int, running bool) error
	EndGame(ctx context.Context, winner string) error
	ResetGame(ctx context.Context) error
	LeaveGame(ctx context.Context, id string) error
	RequestHost(ctx context.Context, playerID, name string) (string, *models.HostRequest, error)
	RespondToHostRequest(ctx context.Context, requestID string, approved bool, actingHostID string) error
	PerformCompleteReset(ctx context.Context) error
}

var _ Engine = (*room.Engine)(nil)

// GameStore is one client's view of the shared room. It caches the latest
// snapshot pushed by the engine, remembers which player is local, and turns
// UI intents into engine calls. It never applies optimistic updates: state
// only changes when the next snapshot arrives.
type GameStore struct {
	engine Engine
	logger *logrus.Logger

	mu              sync.Mutex
	room            *models.Room
	currentPlayerID string
	// playerSeen is set once a snapshot has shown currentPlayerID.
	playerSeen bool
	lastErr         string
	inFlight        int
	connected       bool
	listeners       []func(View)
	unwatch         docstore.Unsubscribe
}

// NewGameStore returns a store driving engine. Call Start to begin syncing.
func NewGameStore(engine Engine, logger *logrus.Logger) *GameStore {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &GameStore{engine: engine, logger: logger}
	engine.OnCompleteReset(s.forgetPlayer)
	return s
}

// Start makes sure the room exists, probes connectivity and subscribes to
// room changes.
func (s *GameStore) Start(ctx context.Context) error {
	return s.run("start", func() error {
		if err := s.engine.EnsureRoomExists(ctx); err != nil {
			return err
		}
		connected := s.engine.Connected(ctx)
		s.mu.Lock()
		s.connected = connected
		s.mu.Unlock()

		unwatch, err := s.engine.Watch(ctx, s.onRoom, s.onWatchError)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.unwatch = unwatch
		s.mu.Unlock()
		return nil
	})
}

// Close stops the room subscription.
func (s *GameStore) Close() {
	s.mu.Lock()
	unwatch := s.unwatch
	s.unwatch = nil
	s.mu.Unlock()
	if unwatch != nil {
		unwatch()
	}
}

// OnChange registers fn to receive the view after every snapshot or state
// change.
func (s *GameStore) OnChange(fn func(View)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// CurrentPlayerID is the id of the local player, empty before joining.
func (s *GameStore) CurrentPlayerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentPlayerID
}

// View derives the current view model.
func (s *GameStore) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

// onRoom caches a snapshot. A local player who has been seen in the room and
// is now missing from it was removed by another client, usually by a wipe,
// so the id is dropped.
func (s *GameStore) onRoom(r *models.Room) {
	s.mu.Lock()
	s.room = r
	s.connected = true
	if id := s.currentPlayerID; id != "" {
		_, present := roomPlayer(r, id)
		switch {
		case present:
			s.playerSeen = true
		case s.playerSeen:
			s.logger.WithField("player", id).Info("local player is no longer in the room")
			s.currentPlayerID = ""
			s.playerSeen = false
		}
	}
	s.mu.Unlock()
	s.notify()
}

func roomPlayer(r *models.Room, id string) (models.Player, bool) {
	if r == nil {
		return models.Player{}, false
	}
	p, ok := r.Players[id]
	return p, ok
}

func (s *GameStore) onWatchError(err error) {
	s.mu.Lock()
	s.connected = false
	s.lastErr = err.Error()
	s.mu.Unlock()
	s.notify()
}

func (s *GameStore) forgetPlayer() {
	s.mu.Lock()
	s.currentPlayerID = ""
	s.playerSeen = false
	s.mu.Unlock()
	s.notify()
}

func (s *GameStore) setPlayer(id string) {
	s.mu.Lock()
	s.currentPlayerID = id
	_, s.playerSeen = roomPlayer(s.room, id)
	s.mu.Unlock()
}

func (s *GameStore) notify() {
	s.mu.Lock()
	v := s.viewLocked()
	listeners := append([]func(View){}, s.listeners...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(v)
	}
}

// run wraps an engine call with the in-progress flag and error surfacing.
func (s *GameStore) run(op string, fn func() error) error {
	s.mu.Lock()
	s.inFlight++
	s.mu.Unlock()
	s.notify()

	err := fn()

	s.mu.Lock()
	s.inFlight--
	if err != nil {
		s.lastErr = err.Error()
	} else {
		s.lastErr = ""
	}
	s.mu.Unlock()
	if err != nil {
		fields := logrus.Fields{"op": op}
		if room.IsTransport(err) {
			fields["transport"] = true
		}
		s.logger.WithFields(fields).Warnf("%v", err)
	}
	s.notify()
	return err
}

// JoinAsHost claims the host seat under name.
func (s *GameStore) JoinAsHost(ctx context.Context, name string) error {
	return s.run("join as host", func() error {
		id, err := s.engine.JoinAsHost(ctx, name)
		if err != nil {
			return err
		}
		s.setPlayer(id)
		return nil
	})
}

// JoinAsPlayer joins as a regular player.
func (s *GameStore) JoinAsPlayer(ctx context.Context, name string) error {
	return s.run("join as player", func() error {
		id, err := s.engine.JoinAsPlayer(ctx, name)
		if err != nil {
			return err
		}
		s.setPlayer(id)
		return nil
	})
}

func (s *GameStore) StartGame(ctx context.Context) error {
	return s.run("start game", func() error { return s.engine.StartGame(ctx) })
}

func (s *GameStore) EliminatePlayer(ctx context.Context, id string) error {
	return s.run("eliminate player", func() error { return s.engine.EliminatePlayer(ctx, id) })
}

func (s *GameStore) UpdateTimer(ctx context.Context, value int, running bool) error {
	return s.run("update timer", func() error { return s.engine.UpdateTimer(ctx, value, running) })
}

func (s *GameStore) EndGame(ctx context.Context, winner string) error {
	return s.run("end game", func() error { return s.engine.EndGame(ctx, winner) })
}

// ResetGame starts another round with the same roster. The local player is
// kept.
func (s *GameStore) ResetGame(ctx context.Context) error {
	return s.run("reset game", func() error { return s.engine.ResetGame(ctx) })
}

// LeaveGame leaves the room. The local player id is dropped whatever the
// outcome; a failed leave is logged and not reported.
func (s *GameStore) LeaveGame(ctx context.Context) error {
	s.mu.Lock()
	id := s.currentPlayerID
	s.currentPlayerID = ""
	s.playerSeen = false
	s.mu.Unlock()
	if id == "" {
		s.notify()
		return nil
	}
	return s.run("leave game", func() error {
		if err := s.engine.LeaveGame(ctx, id); err != nil {
			s.logger.Warnf("leave game for %s failed: %v", id, err)
		}
		return nil
	})
}

// RequestHost asks for the host seat. Before joining, name is used to join
// in the same step.
func (s *GameStore) RequestHost(ctx context.Context, name string) error {
	return s.run("request host", func() error {
		current := s.CurrentPlayerID()
		id, _, err := s.engine.RequestHost(ctx, current, name)
		if current != "" && errors.Is(err, room.ErrPlayerNotFound) {
			// the room was wiped under a stale id; join afresh
			s.forgetPlayer()
			id, _, err = s.engine.RequestHost(ctx, "", name)
		}
		if err != nil {
			return err
		}
		s.setPlayer(id)
		return nil
	})
}

// RespondToHostRequest answers a request as the local player.
func (s *GameStore) RespondToHostRequest(ctx context.Context, requestID string, approved bool) error {
	return s.run("respond to host request", func() error {
		return s.engine.RespondToHostRequest(ctx, requestID, approved, s.CurrentPlayerID())
	})
}

// CompleteReset wipes the room. The local player id is dropped whatever the
// outcome.
func (s *GameStore) CompleteReset(ctx context.Context) error {
	s.mu.Lock()
	s.currentPlayerID = ""
	s.playerSeen = false
	s.mu.Unlock()
	return s.run("complete reset", func() error { return s.engine.PerformCompleteReset(ctx) })
}

// RunCountdown decrements the shared timer once per tick while the local
// player is host and the timer is running, stopping it at zero. It returns
// when ctx is done.
func (s *GameStore) RunCountdown(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		v := s.View()
		if !v.IsHost || !v.TimerRunning {
			continue
		}
		next := v.Timer - 1
		running := next > 0
		if next < 0 {
			next = 0
		}
		if err := s.engine.UpdateTimer(ctx, next, running); err != nil {
			s.logger.Warnf("countdown tick failed: %v", err)
		}
	}
}
