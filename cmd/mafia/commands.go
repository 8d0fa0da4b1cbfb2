// cmd/mafia/commands.go
package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jason-s-yu/mafia/internal/game"
	"github.com/jason-s-yu/mafia/internal/models"
)

const usage = `commands:
  host NAME      join and take the host seat
  join NAME      join as a player
  request [NAME] ask to become host (joins first if needed)
  approve WHO    approve a host request (request id or player name)
  reject WHO     reject a host request
  start          deal roles and start the game
  kill WHO       eliminate a player (id prefix or name)
  timer SECS     start the countdown
  stop           pause the countdown
  end WINNER     end the game
  again          play again with the same players
  leave          leave the room
  wipe           reset the room completely
  quit`

// client is the subset of the game store the commands drive.
type client interface {
	View() game.View
	JoinAsHost(ctx context.Context, name string) error
	JoinAsPlayer(ctx context.Context, name string) error
	StartGame(ctx context.Context) error
	EliminatePlayer(ctx context.Context, id string) error
	UpdateTimer(ctx context.Context, value int, running bool) error
	EndGame(ctx context.Context, winner string) error
	ResetGame(ctx context.Context) error
	LeaveGame(ctx context.Context) error
	RequestHost(ctx context.Context, name string) error
	RespondToHostRequest(ctx context.Context, requestID string, approved bool) error
	CompleteReset(ctx context.Context) error
}

var errUsage = errors.New("unknown command, type help")

// execute runs one input line. It reports whether the client should exit.
func execute(ctx context.Context, c client, line string) (bool, error) {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	cmd = strings.ToLower(cmd)
	arg = strings.TrimSpace(arg)
	needArg := func(what string) error {
		if arg == "" {
			return fmt.Errorf("%s: missing %s", cmd, what)
		}
		return nil
	}

	switch cmd {
	case "":
		return false, nil
	case "help", "?":
		fmt.Println(usage)
		return false, nil
	case "quit", "exit":
		return true, nil
	case "host":
		if err := needArg("name"); err != nil {
			return false, err
		}
		return false, c.JoinAsHost(ctx, arg)
	case "join":
		if err := needArg("name"); err != nil {
			return false, err
		}
		return false, c.JoinAsPlayer(ctx, arg)
	case "request":
		return false, c.RequestHost(ctx, arg)
	case "approve", "reject":
		if err := needArg("request"); err != nil {
			return false, err
		}
		req, err := findRequest(c.View(), arg)
		if err != nil {
			return false, err
		}
		return false, c.RespondToHostRequest(ctx, req.ID, cmd == "approve")
	case "start":
		return false, c.StartGame(ctx)
	case "kill":
		if err := needArg("player"); err != nil {
			return false, err
		}
		p, err := findPlayer(c.View(), arg)
		if err != nil {
			return false, err
		}
		return false, c.EliminatePlayer(ctx, p.ID)
	case "timer":
		secs, err := strconv.Atoi(arg)
		if err != nil || secs <= 0 {
			return false, fmt.Errorf("timer: want a positive number of seconds")
		}
		return false, c.UpdateTimer(ctx, secs, true)
	case "stop":
		return false, c.UpdateTimer(ctx, c.View().Timer, false)
	case "end":
		if err := needArg("winner"); err != nil {
			return false, err
		}
		return false, c.EndGame(ctx, arg)
	case "again":
		return false, c.ResetGame(ctx)
	case "leave":
		return false, c.LeaveGame(ctx)
	case "wipe":
		return false, c.CompleteReset(ctx)
	}
	return false, errUsage
}

// findPlayer matches an id prefix or a case-insensitive name.
func findPlayer(v game.View, who string) (models.Player, error) {
	var found []models.Player
	for _, p := range v.Players {
		if strings.HasPrefix(p.ID, who) || strings.EqualFold(p.Name, who) {
			found = append(found, p)
		}
	}
	switch len(found) {
	case 0:
		return models.Player{}, fmt.Errorf("no player matches %q", who)
	case 1:
		return found[0], nil
	}
	return models.Player{}, fmt.Errorf("%q matches %d players", who, len(found))
}

// findRequest matches a request id prefix or the requester's name.
func findRequest(v game.View, who string) (models.HostRequest, error) {
	var found []models.HostRequest
	for _, r := range v.HostRequests {
		if strings.HasPrefix(r.ID, who) || strings.EqualFold(r.PlayerName, who) {
			found = append(found, r)
		}
	}
	switch len(found) {
	case 0:
		return models.HostRequest{}, fmt.Errorf("no host request matches %q", who)
	case 1:
		return found[0], nil
	}
	return models.HostRequest{}, fmt.Errorf("%q matches %d requests", who, len(found))
}
