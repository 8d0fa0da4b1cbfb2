// internal/models/decode.go
package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedRoom is returned when the stored document is not a JSON object.
var ErrMalformedRoom = errors.New("room document is not an object")

// DecodeReport lists everything DecodeRoom had to coerce or drop.
type DecodeReport struct {
	DroppedPlayers    []string
	DroppedEliminated []string
	DroppedRequests   []string
	CoercedFields     []string
}

// Clean reports whether the document decoded without any repair.
func (d DecodeReport) Clean() bool {
	return len(d.DroppedPlayers) == 0 && len(d.DroppedEliminated) == 0 &&
		len(d.DroppedRequests) == 0 && len(d.CoercedFields) == 0
}

// DecodeRoom validates a raw room document and returns a typed Room.
// A nil or JSON-null document decodes to (nil, report, nil), meaning "absent".
//
// Individual fields with the wrong type are reset to their zero value and
// reported, player and request entries that cannot be identified are dropped.
// Only a document that is not an object at all is rejected.
func DecodeRoom(raw json.RawMessage) (*Room, DecodeReport, error) {
	var report DecodeReport
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, report, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, report, fmt.Errorf("%w: %v", ErrMalformedRoom, err)
	}

	room := NewRoom(0)
	scalar := func(key string, dst interface{}) {
		v, ok := fields[key]
		if !ok || bytes.Equal(v, []byte("null")) {
			return
		}
		if err := json.Unmarshal(v, dst); err != nil {
			report.CoercedFields = append(report.CoercedFields, key)
		}
	}

	scalar("host", &room.Host)
	scalar("gameStarted", &room.GameStarted)
	scalar("timer", &room.Timer)
	scalar("isTimerRunning", &room.IsTimerRunning)
	scalar("winner", &room.Winner)
	scalar("requiresCompleteReset", &room.RequiresCompleteReset)
	scalar("resetScheduledAt", &room.ResetScheduledAt)
	scalar("gameEndedAt", &room.GameEndedAt)
	scalar("lastUpdated", &room.LastUpdated)

	var phase string
	scalar("gamePhase", &phase)
	room.GamePhase = GamePhase(phase)
	if !room.GamePhase.Valid() {
		if phase != "" {
			report.CoercedFields = append(report.CoercedFields, "gamePhase")
		}
		room.GamePhase = PhaseLobby
	}
	if room.Timer < 0 {
		room.Timer = 0
		report.CoercedFields = append(report.CoercedFields, "timer")
	}

	room.Players, report.DroppedPlayers = decodePlayers(fields["players"])
	room.EliminatedPlayers, report.DroppedEliminated = decodePlayers(fields["eliminatedPlayers"])
	room.HostRequests, report.DroppedRequests = decodeRequests(fields["hostRequests"])

	normalizeHost(room, &report)
	return room, report, nil
}

func decodePlayers(raw json.RawMessage) (map[string]Player, []string) {
	out := make(map[string]Player)
	entries, ok := decodeObject(raw)
	if !ok {
		return out, nil
	}
	var dropped []string
	for key, v := range entries {
		var p Player
		if err := json.Unmarshal(v, &p); err != nil || p.Name == "" || (p.ID != "" && p.ID != key) {
			// entries without a name are leftovers of a presence write that
			// landed after the player was deleted
			dropped = append(dropped, key)
			continue
		}
		p.ID = key
		out[key] = p
	}
	return out, dropped
}

func decodeRequests(raw json.RawMessage) (map[string]HostRequest, []string) {
	out := make(map[string]HostRequest)
	entries, ok := decodeObject(raw)
	if !ok {
		return out, nil
	}
	var dropped []string
	for key, v := range entries {
		var req HostRequest
		if err := json.Unmarshal(v, &req); err != nil || req.PlayerID == "" {
			dropped = append(dropped, key)
			continue
		}
		switch req.Status {
		case HostRequestPending, HostRequestApproved, HostRequestRejected:
		default:
			dropped = append(dropped, key)
			continue
		}
		req.ID = key
		out[key] = req
	}
	return out, dropped
}

func decodeObject(raw json.RawMessage) (map[string]json.RawMessage, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, false
	}
	var entries map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, false
	}
	return entries, true
}

// normalizeHost keeps Player.IsHost consistent with Room.Host. The document
// can transiently disagree when two clients race for the host seat; readers
// always see the version where room.host is authoritative.
func normalizeHost(room *Room, report *DecodeReport) {
	if room.Host != "" {
		if _, ok := room.Players[room.Host]; !ok {
			room.Host = ""
			report.CoercedFields = append(report.CoercedFields, "host")
		}
	}
	for id, p := range room.Players {
		want := id == room.Host
		if p.IsHost != want {
			p.IsHost = want
			room.Players[id] = p
			report.CoercedFields = append(report.CoercedFields, "players/"+id+"/isHost")
		}
	}
}
