// internal/game/view.go
package game

import "github.com/jason-s-yu/mafia/internal/models"

// View is the derived, read-only state a UI renders.
type View struct {
	CurrentPlayer     *models.Player
	IsHost            bool
	Players           []models.Player
	AlivePlayers      []models.Player
	EliminatedPlayers []models.Player
	// HostRequests are the pending requests in arrival order.
	HostRequests     []models.HostRequest
	MyPendingRequest *models.HostRequest

	Phase            models.GamePhase
	GameStarted      bool
	Winner           string
	Timer            int
	TimerRunning     bool
	ResetScheduledAt int64

	Error      string
	InProgress bool
	Connected  bool
}

func (s *GameStore) viewLocked() View {
	v := View{
		Phase:      models.PhaseLobby,
		Error:      s.lastErr,
		InProgress: s.inFlight > 0,
		Connected:  s.connected,
	}
	r := s.room
	if r == nil {
		return v
	}

	v.Phase = r.GamePhase
	v.GameStarted = r.GameStarted
	v.Winner = r.Winner
	v.Timer = r.Timer
	v.TimerRunning = r.IsTimerRunning
	v.ResetScheduledAt = r.ResetScheduledAt
	v.Players = r.SortedPlayers()
	v.EliminatedPlayers = r.SortedEliminated()
	v.HostRequests = r.PendingRequests()
	for _, p := range v.Players {
		if p.IsAlive {
			v.AlivePlayers = append(v.AlivePlayers, p)
		}
	}

	if s.currentPlayerID == "" {
		return v
	}
	if p, ok := r.Players[s.currentPlayerID]; ok {
		v.CurrentPlayer = &p
	}
	v.IsHost = r.Host == s.currentPlayerID
	if req, ok := r.PendingRequestFor(s.currentPlayerID); ok {
		v.MyPendingRequest = &req
	}
	return v
}
