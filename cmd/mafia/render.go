// cmd/mafia/render.go
package main

import (
	"fmt"
	"strings"

	"github.com/jason-s-yu/mafia/internal/game"
	"github.com/jason-s-yu/mafia/internal/models"
)

// render draws the view as plain text. Roles are shown to their owner, to the
// host, and to everyone once the game has ended.
func render(v game.View) string {
	var me string
	if v.CurrentPlayer != nil {
		me = v.CurrentPlayer.ID
	}
	var b strings.Builder
	fmt.Fprintf(&b, "\n== %s ==", v.Phase)
	if !v.Connected {
		b.WriteString("  [offline]")
	}
	if v.InProgress {
		b.WriteString("  ...")
	}
	b.WriteString("\n")

	switch v.Phase {
	case models.PhasePlaying:
		state := "paused"
		if v.TimerRunning {
			state = "running"
		}
		fmt.Fprintf(&b, "timer %d:%02d (%s)\n", v.Timer/60, v.Timer%60, state)
	case models.PhaseEnded:
		fmt.Fprintf(&b, "winner: %s\n", v.Winner)
	}

	showAll := v.IsHost || v.Phase == models.PhaseEnded
	for _, p := range v.Players {
		var tags []string
		if p.IsHost {
			tags = append(tags, "host")
		}
		if p.ID == me {
			tags = append(tags, "you")
		}
		if !p.IsAlive {
			tags = append(tags, "dead")
		}
		if !p.IsOnline {
			tags = append(tags, "away")
		}
		if p.Role != "" && (showAll || p.ID == me) {
			tags = append(tags, string(p.Role))
		}
		fmt.Fprintf(&b, "  %-8.8s %s", p.ID, p.Name)
		if len(tags) > 0 {
			fmt.Fprintf(&b, " [%s]", strings.Join(tags, ", "))
		}
		b.WriteString("\n")
	}

	if v.IsHost {
		for _, r := range v.HostRequests {
			fmt.Fprintf(&b, "  host request %-8.8s from %s\n", r.ID, r.PlayerName)
		}
	}
	if v.MyPendingRequest != nil {
		b.WriteString("  your host request is pending\n")
	}
	if v.Error != "" {
		fmt.Fprintf(&b, "error: %s\n", v.Error)
	}
	return b.String()
}
