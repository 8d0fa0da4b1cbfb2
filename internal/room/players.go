// internal/room/players.go
package room

import (
	"context"
	"errors"
	"strings"

	"github.com/jason-s-yu/mafia/internal/docstore"
	"github.com/jason-s-yu/mafia/internal/models"
)

// checkJoinable rejects joins while a round is running or the room is being
// torn down.
func checkJoinable(r *models.Room) error {
	if r.RequiresCompleteReset {
		return ErrRoomResetting
	}
	if r.GamePhase != models.PhaseLobby {
		return ErrJoinClosed
	}
	return nil
}

func cleanName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrInvalidName
	}
	return name, nil
}

// JoinAsHost claims the host seat for a new player and returns its id.
func (e *Engine) JoinAsHost(ctx context.Context, name string) (string, error) {
	name, err := cleanName(name)
	if err != nil {
		return "", err
	}
	r, report, err := e.mustLoadReport(ctx, "join as host")
	if err != nil {
		return "", err
	}
	if err := checkJoinable(r); err != nil {
		return "", err
	}
	if r.HasHost() {
		return "", ErrHostTaken
	}

	id := newID()
	fields := map[string]interface{}{
		"host":         id,
		playerPath(id): models.NewPlayer(id, name, true, e.now()),
	}
	for _, stray := range strayHosts(r, report) {
		fields[playerPath(stray)+"/isHost"] = false
	}
	if err := e.write(ctx, "join as host", fields); err != nil {
		return "", err
	}
	e.log().Infof("%s joined as host (%s)", name, id)
	e.trackPresence(ctx, id)
	return id, nil
}

// JoinAsPlayer adds a regular player and returns its id. Duplicate names are
// allowed.
func (e *Engine) JoinAsPlayer(ctx context.Context, name string) (string, error) {
	name, err := cleanName(name)
	if err != nil {
		return "", err
	}
	r, err := e.mustLoad(ctx, "join as player")
	if err != nil {
		return "", err
	}
	if err := checkJoinable(r); err != nil {
		return "", err
	}

	id := newID()
	if err := e.write(ctx, "join as player", map[string]interface{}{
		playerPath(id): models.NewPlayer(id, name, false, e.now()),
	}); err != nil {
		return "", err
	}
	e.log().Infof("%s joined (%s)", name, id)
	e.trackPresence(ctx, id)
	return id, nil
}

// trackPresence registers the disconnect write that marks id offline.
// Failure is logged; the join itself already succeeded.
func (e *Engine) trackPresence(ctx context.Context, id string) {
	err := e.store.OnDisconnect(ctx, e.absPlayer(id), map[string]interface{}{
		"isOnline": false,
		"lastSeen": docstore.ServerTimestamp,
	})
	if err != nil {
		e.log().Warnf("presence tracking for %s not registered: %v", id, err)
		return
	}
	e.mu.Lock()
	e.presence[id] = struct{}{}
	e.mu.Unlock()
}

func (e *Engine) untrackPresence(ctx context.Context, id string) {
	e.mu.Lock()
	_, ok := e.presence[id]
	delete(e.presence, id)
	e.mu.Unlock()
	if !ok {
		return
	}
	if err := e.store.CancelOnDisconnect(ctx, e.absPlayer(id)); err != nil {
		e.log().Debugf("cancel presence for %s: %v", id, err)
	}
}

// EliminatePlayer marks id dead and snapshots it into eliminatedPlayers.
// Repeating the call leaves the same state.
func (e *Engine) EliminatePlayer(ctx context.Context, id string) error {
	r, err := e.mustLoad(ctx, "eliminate player")
	if err != nil {
		return err
	}
	p, ok := r.Players[id]
	if !ok {
		return ErrPlayerNotFound
	}
	p.IsAlive = false
	return e.write(ctx, "eliminate player", map[string]interface{}{
		playerPath(id) + "/isAlive": false,
		eliminatedPath(id):          p,
	})
}

// LeaveGame removes id from the room. The host leaving tears the room down.
// Leaving a room the player is not in is a no-op.
func (e *Engine) LeaveGame(ctx context.Context, id string) error {
	e.untrackPresence(ctx, id)

	r, err := e.mustLoad(ctx, "leave game")
	if errors.Is(err, ErrNoRoomState) {
		return nil
	}
	if err != nil {
		return err
	}

	if r.HasHost() && r.Host == id {
		e.log().Infof("host %s left, resetting room", id)
		if err := e.write(ctx, "leave game", map[string]interface{}{
			"requiresCompleteReset": true,
			"resetScheduledAt":      e.now(),
		}); err != nil {
			return err
		}
		return e.PerformCompleteReset(ctx)
	}

	fields := make(map[string]interface{})
	if _, ok := r.Players[id]; ok {
		fields[playerPath(id)] = nil
	}
	if _, ok := r.EliminatedPlayers[id]; ok {
		fields[eliminatedPath(id)] = nil
	}
	for reqID, req := range r.HostRequests {
		if req.PlayerID == id {
			fields[requestPath(reqID)] = nil
			e.timers.cancel(requestTimerKey(reqID))
		}
	}
	if len(fields) == 0 {
		return nil
	}
	return e.write(ctx, "leave game", fields)
}
