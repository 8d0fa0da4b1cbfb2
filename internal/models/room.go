// internal/models/room.go
package models

import "sort"

// GamePhase drives which screen every client renders.
type GamePhase string

const (
	PhaseLobby   GamePhase = "lobby"
	PhasePlaying GamePhase = "playing"
	PhaseEnded   GamePhase = "ended"
)

// Valid reports whether p is one of the known phases.
func (p GamePhase) Valid() bool {
	switch p {
	case PhaseLobby, PhasePlaying, PhaseEnded:
		return true
	}
	return false
}

// Room is the single shared document every client reads and writes.
// Nullable fields use their zero value for "absent" and are omitted on write,
// which the document store treats the same as null.
type Room struct {
	Host                  string                 `json:"host,omitempty"`
	Players               map[string]Player      `json:"players,omitempty"`
	EliminatedPlayers     map[string]Player      `json:"eliminatedPlayers,omitempty"`
	GamePhase             GamePhase              `json:"gamePhase"`
	GameStarted           bool                   `json:"gameStarted"`
	Timer                 int                    `json:"timer"`
	IsTimerRunning        bool                   `json:"isTimerRunning"`
	Winner                string                 `json:"winner,omitempty"`
	HostRequests          map[string]HostRequest `json:"hostRequests,omitempty"`
	RequiresCompleteReset bool                   `json:"requiresCompleteReset"`
	ResetScheduledAt      int64                  `json:"resetScheduledAt,omitempty"`
	GameEndedAt           int64                  `json:"gameEndedAt,omitempty"`
	LastUpdated           int64                  `json:"lastUpdated"`
}

// NewRoom returns a freshly initialized, empty lobby.
func NewRoom(now int64) *Room {
	return &Room{
		Players:           make(map[string]Player),
		EliminatedPlayers: make(map[string]Player),
		HostRequests:      make(map[string]HostRequest),
		GamePhase:         PhaseLobby,
		LastUpdated:       now,
	}
}

// PlayerCount returns the number of players currently in the room.
func (r *Room) PlayerCount() int {
	return len(r.Players)
}

// HasHost reports whether the host seat is taken.
func (r *Room) HasHost() bool {
	return r.Host != ""
}

// SortedPlayers returns the players in join order.
func (r *Room) SortedPlayers() []Player {
	out := make([]Player, 0, len(r.Players))
	for _, p := range r.Players {
		out = append(out, p)
	}
	SortPlayers(out)
	return out
}

// SortedEliminated returns the elimination snapshots in join order.
func (r *Room) SortedEliminated() []Player {
	out := make([]Player, 0, len(r.EliminatedPlayers))
	for _, p := range r.EliminatedPlayers {
		out = append(out, p)
	}
	SortPlayers(out)
	return out
}

// SortedRequests returns every stored host request in arrival order.
func (r *Room) SortedRequests() []HostRequest {
	out := make([]HostRequest, 0, len(r.HostRequests))
	for _, req := range r.HostRequests {
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RequestedAt != out[j].RequestedAt {
			return out[i].RequestedAt < out[j].RequestedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// PendingRequests returns pending host requests in arrival order.
func (r *Room) PendingRequests() []HostRequest {
	all := r.SortedRequests()
	out := all[:0]
	for _, req := range all {
		if req.IsPending() {
			out = append(out, req)
		}
	}
	return out
}

// PendingRequestFor returns the pending request owned by playerID, if any.
func (r *Room) PendingRequestFor(playerID string) (HostRequest, bool) {
	for _, req := range r.HostRequests {
		if req.PlayerID == playerID && req.IsPending() {
			return req, true
		}
	}
	return HostRequest{}, false
}

// ExpiredRequests returns the pending requests whose deadline is before now.
func (r *Room) ExpiredRequests(now int64) []HostRequest {
	var out []HostRequest
	for _, req := range r.SortedRequests() {
		if req.Expired(now) {
			out = append(out, req)
		}
	}
	return out
}

// AcceptsMutations is false while the room is waiting to be wiped.
func (r *Room) AcceptsMutations() bool {
	return !r.RequiresCompleteReset
}
