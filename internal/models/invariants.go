package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// CheckInvariants verifies the structural guarantees every reachable room
// state must satisfy. It returns the first violation found.
func CheckInvariants(r *Room) error {
	if r == nil {
		return nil
	}

	hosts := 0
	for id, p := range r.Players {
		if p.IsHost {
			hosts++
			if id != r.Host {
				return fmt.Errorf("player %s has isHost set but room host is %q", id, r.Host)
			}
		}
	}
	if hosts > 1 {
		return fmt.Errorf("%d players have isHost set", hosts)
	}
	if r.Host != "" {
		p, ok := r.Players[r.Host]
		if !ok {
			return fmt.Errorf("host %s is not a player", r.Host)
		}
		if !p.IsHost {
			return fmt.Errorf("host %s does not have isHost set", r.Host)
		}
	}

	pending := make(map[string]string)
	for id, req := range r.HostRequests {
		if !req.IsPending() {
			continue
		}
		if other, ok := pending[req.PlayerID]; ok {
			return fmt.Errorf("player %s has two pending host requests (%s, %s)", req.PlayerID, other, id)
		}
		pending[req.PlayerID] = id
	}
	return nil
}

// CheckDocument runs the host checks of CheckInvariants against the stored
// document as written, before DecodeRoom repairs any isHost flag, and then
// checks the decoded room.
func CheckDocument(raw json.RawMessage) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	var doc struct {
		Host    string `json:"host"`
		Players map[string]struct {
			IsHost interface{} `json:"isHost"`
		} `json:"players"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedRoom, err)
	}

	var flagged []string
	for id, p := range doc.Players {
		if p.IsHost == true {
			flagged = append(flagged, id)
		}
	}
	sort.Strings(flagged)
	if len(flagged) > 1 {
		return fmt.Errorf("stored players %v all have isHost set", flagged)
	}
	for _, id := range flagged {
		if id != doc.Host {
			return fmt.Errorf("stored player %s has isHost set but room host is %q", id, doc.Host)
		}
	}
	if doc.Host != "" {
		p, ok := doc.Players[doc.Host]
		if !ok {
			return fmt.Errorf("stored host %s is not a player", doc.Host)
		}
		if p.IsHost != true {
			return fmt.Errorf("stored host %s does not have isHost set", doc.Host)
		}
	}

	r, _, err := DecodeRoom(raw)
	if err != nil {
		return err
	}
	return CheckInvariants(r)
}
