package models

import "sort"

// Role is a secret role dealt at game start.
type Role string

const (
	RoleMafia     Role = "Mafia"
	RoleDetective Role = "Detective"
	RoleDoctor    Role = "Doctor"
	RoleVillager  Role = "Villager"
)

// RoleDeck is the fixed deck that gets shuffled and dealt cyclically.
var RoleDeck = []Role{RoleMafia, RoleDetective, RoleDoctor, RoleVillager}

// Player is a single participant stored under room.players[id].
// The ID doubles as the map key and is never reused within a room generation.
type Player struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Role     Role   `json:"role,omitempty"`
	IsAlive  bool   `json:"isAlive"`
	IsHost   bool   `json:"isHost"`
	IsOnline bool   `json:"isOnline"`
	LastSeen int64  `json:"lastSeen,omitempty"`
	JoinedAt int64  `json:"joinedAt"`
}

// NewPlayer builds a freshly joined, alive and online player.
func NewPlayer(id, name string, isHost bool, now int64) Player {
	return Player{
		ID:       id,
		Name:     name,
		IsAlive:  true,
		IsHost:   isHost,
		IsOnline: true,
		LastSeen: now,
		JoinedAt: now,
	}
}

// SortPlayers orders players by join time, then by id so the order is stable
// when two clients joined within the same millisecond.
func SortPlayers(players []Player) {
	sort.Slice(players, func(i, j int) bool {
		if players[i].JoinedAt != players[j].JoinedAt {
			return players[i].JoinedAt < players[j].JoinedAt
		}
		return players[i].ID < players[j].ID
	})
}
