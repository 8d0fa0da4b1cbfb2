// internal/room/host.go
package room

import (
	"context"
	"errors"
	"time"

	"github.com/jason-s-yu/mafia/internal/models"
)

// RequestHost asks for the host seat on behalf of playerID. With no host the
// player is promoted at once and the returned request is nil. Otherwise a
// pending request is stored and a local timer will promote the player if
// the host does not answer in time.
//
// An empty playerID joins name as a new player in the same write; the id
// used is always returned.
func (e *Engine) RequestHost(ctx context.Context, playerID, name string) (string, *models.HostRequest, error) {
	const op = "request host"
	r, report, err := e.mustLoadReport(ctx, op)
	if err != nil {
		return "", nil, err
	}
	if r.RequiresCompleteReset {
		return "", nil, ErrRoomResetting
	}

	fields := make(map[string]interface{})
	joined := false
	if playerID == "" {
		if name, err = cleanName(name); err != nil {
			return "", nil, err
		}
		if err := checkJoinable(r); err != nil {
			return "", nil, err
		}
		playerID = newID()
		fields[playerPath(playerID)] = models.NewPlayer(playerID, name, !r.HasHost(), e.now())
		joined = true
	} else {
		p, ok := r.Players[playerID]
		if !ok {
			return "", nil, ErrPlayerNotFound
		}
		if name == "" {
			name = p.Name
		}
	}

	if r.Host == playerID {
		return playerID, nil, nil
	}

	if !r.HasHost() {
		for k, v := range e.promoteToHost(r, report, playerID) {
			if joined && k == playerPath(playerID)+"/isHost" {
				continue
			}
			fields[k] = v
		}
		if err := e.write(ctx, op, fields); err != nil {
			return "", nil, err
		}
		if joined {
			e.trackPresence(ctx, playerID)
		}
		e.log().Infof("%s took the vacant host seat", playerID)
		return playerID, nil, nil
	}

	if _, dup := r.PendingRequestFor(playerID); dup {
		return "", nil, ErrDuplicatePendingRequest
	}

	now := e.now()
	req := models.HostRequest{
		ID:          newID(),
		PlayerID:    playerID,
		PlayerName:  name,
		RequestedAt: now,
		ExpiresAt:   now + e.cfg.HostRequestTimeout.Milliseconds(),
		Status:      models.HostRequestPending,
	}
	fields[requestPath(req.ID)] = req
	if err := e.write(ctx, op, fields); err != nil {
		return "", nil, err
	}
	if joined {
		e.trackPresence(ctx, playerID)
	}
	e.armRequest(req, true)
	e.log().Infof("%s requested host (request %s)", playerID, req.ID)
	return playerID, &req, nil
}

// RespondToHostRequest lets the current host approve or reject a request.
// Approval hands the seat to the requester. The request is deleted either way.
func (e *Engine) RespondToHostRequest(ctx context.Context, requestID string, approved bool, actingHostID string) error {
	const op = "respond to host request"
	r, err := e.mustLoad(ctx, op)
	if err != nil {
		return err
	}
	if !r.HasHost() || actingHostID != r.Host {
		return ErrNotAuthorized
	}
	req, ok := r.HostRequests[requestID]
	if !ok {
		e.timers.cancel(requestTimerKey(requestID))
		return ErrRequestNotFound
	}

	fields := map[string]interface{}{requestPath(requestID): nil}
	if approved {
		if _, present := r.Players[req.PlayerID]; present {
			for k, v := range e.transferHost(r, r.Host, req.PlayerID) {
				fields[k] = v
			}
		} else {
			e.log().Infof("approved request %s but %s already left", requestID, req.PlayerID)
		}
	}
	if err := e.write(ctx, op, fields); err != nil {
		return err
	}
	e.timers.cancel(requestTimerKey(requestID))
	return nil
}

// AutoPromoteToHost carries out an unanswered request. It is a no-op if the
// request is gone or no longer pending; the request is discarded without
// promotion if its player has left or gone offline.
func (e *Engine) AutoPromoteToHost(ctx context.Context, requestID, playerID string) error {
	const op = "auto promote"
	defer e.timers.cancel(requestTimerKey(requestID))

	r, report, err := e.mustLoadReport(ctx, op)
	if err != nil {
		if errors.Is(err, ErrNoRoomState) {
			return nil
		}
		return err
	}
	req, ok := r.HostRequests[requestID]
	if !ok || !req.IsPending() || req.PlayerID != playerID {
		return nil
	}

	fields := map[string]interface{}{requestPath(requestID): nil}
	p, present := r.Players[playerID]
	switch {
	case !present || !p.IsOnline:
		e.log().Infof("discarding host request %s: %s is not online", requestID, playerID)
	case r.HasHost() && r.Host != playerID:
		for k, v := range e.transferHost(r, r.Host, playerID) {
			fields[k] = v
		}
		e.log().Infof("host did not answer, promoting %s", playerID)
	case !r.HasHost():
		for k, v := range e.promoteToHost(r, report, playerID) {
			fields[k] = v
		}
		e.log().Infof("promoting %s to the vacant host seat", playerID)
	}
	return e.write(ctx, op, fields)
}

// armRequest schedules auto-promotion at the request's deadline. When
// replace is false an existing timer for the request is kept.
func (e *Engine) armRequest(req models.HostRequest, replace bool) {
	d := time.Duration(req.ExpiresAt-e.now()) * time.Millisecond
	fire := func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.OpTimeout)
		defer cancel()
		if err := e.AutoPromoteToHost(ctx, req.ID, req.PlayerID); err != nil {
			e.log().Warnf("auto promotion for request %s failed: %v", req.ID, err)
		}
	}
	key := requestTimerKey(req.ID)
	if replace {
		e.timers.arm(key, d, fire)
	} else {
		e.timers.armIfAbsent(key, d, fire)
	}
}

// transferHost returns the fields moving the seat from one player to another.
func (e *Engine) transferHost(r *models.Room, fromID, toID string) map[string]interface{} {
	fields := map[string]interface{}{
		"host":                       toID,
		playerPath(toID) + "/isHost": true,
	}
	if _, ok := r.Players[fromID]; ok && fromID != toID {
		fields[playerPath(fromID)+"/isHost"] = false
	}
	return fields
}

// promoteToHost returns the fields seating id as host of a room without one.
// Stray isHost flags left by an earlier double claim are cleared too.
func (e *Engine) promoteToHost(r *models.Room, report models.DecodeReport, id string) map[string]interface{} {
	fields := map[string]interface{}{
		"host":                     id,
		playerPath(id) + "/isHost": true,
	}
	for _, stray := range strayHosts(r, report) {
		if stray != id {
			fields[playerPath(stray)+"/isHost"] = false
		}
	}
	return fields
}
