// internal/room/lifecycle.go
package room

import (
	"context"
	"time"

	"github.com/jason-s-yu/mafia/internal/models"
)

// StartGame deals roles to every player in join order and moves the room to
// the playing phase. Pending host requests are dropped.
func (e *Engine) StartGame(ctx context.Context) error {
	r, err := e.mustLoad(ctx, "start game")
	if err != nil {
		return err
	}
	if r.RequiresCompleteReset {
		return ErrRoomResetting
	}
	if r.PlayerCount() < e.cfg.MinPlayers {
		return ErrInsufficientPlayers
	}

	players := r.SortedPlayers()
	roles := dealRoles(players, shuffledDeck(e.shuffle))
	fields := map[string]interface{}{
		"gameStarted":  true,
		"gamePhase":    models.PhasePlaying,
		"hostRequests": nil,
	}
	for id, role := range roles {
		fields[playerPath(id)+"/role"] = role
	}
	if err := e.write(ctx, "start game", fields); err != nil {
		return err
	}
	e.timers.cancelPrefix(requestKeyPrefix)
	e.log().Infof("game started with %d players", len(players))
	return nil
}

// UpdateTimer writes the shared countdown. Negative values are clamped to 0.
func (e *Engine) UpdateTimer(ctx context.Context, value int, running bool) error {
	if value < 0 {
		value = 0
	}
	return e.write(ctx, "update timer", map[string]interface{}{
		"timer":          value,
		"isTimerRunning": running,
	})
}

// EndGame records the winner and schedules the room's complete reset after
// the configured delay.
func (e *Engine) EndGame(ctx context.Context, winner string) error {
	if _, err := e.mustLoad(ctx, "end game"); err != nil {
		return err
	}
	now := e.now()
	resetAt := now + e.cfg.ResetDelay.Milliseconds()
	if err := e.write(ctx, "end game", map[string]interface{}{
		"gamePhase":             models.PhaseEnded,
		"winner":                winner,
		"isTimerRunning":        false,
		"gameEndedAt":           now,
		"requiresCompleteReset": true,
		"resetScheduledAt":      resetAt,
	}); err != nil {
		return err
	}
	e.scheduleReset(resetAt)
	e.log().Infof("game ended, winner %q, reset in %s", winner, time.Duration(resetAt-now)*time.Millisecond)
	return nil
}

// ResetGame starts a new round with the same roster: everyone is revived,
// roles are cleared and the room returns to the lobby. Any scheduled wipe is
// called off.
func (e *Engine) ResetGame(ctx context.Context) error {
	r, err := e.mustLoad(ctx, "reset game")
	if err != nil {
		return err
	}
	fields := map[string]interface{}{
		"gamePhase":             models.PhaseLobby,
		"gameStarted":           false,
		"timer":                 0,
		"isTimerRunning":        false,
		"winner":                nil,
		"eliminatedPlayers":     nil,
		"hostRequests":          nil,
		"requiresCompleteReset": false,
		"resetScheduledAt":      nil,
		"gameEndedAt":           nil,
	}
	for id := range r.Players {
		fields[playerPath(id)+"/isAlive"] = true
		fields[playerPath(id)+"/role"] = nil
	}
	if err := e.write(ctx, "reset game", fields); err != nil {
		return err
	}
	e.timers.cancelAll()
	return nil
}
