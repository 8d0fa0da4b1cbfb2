package main

import (
	"context"
	"fmt"
	"testing"

	"github.com/jason-s-yu/mafia/internal/game"
	"github.com/jason-s-yu/mafia/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClient records the intents it receives.
type fakeClient struct {
	view  game.View
	calls []string
}

func (f *fakeClient) record(format string, args ...interface{}) error {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
	return nil
}

func (f *fakeClient) View() game.View { return f.view }
func (f *fakeClient) JoinAsHost(_ context.Context, name string) error {
	return f.record("host %s", name)
}
func (f *fakeClient) JoinAsPlayer(_ context.Context, name string) error {
	return f.record("join %s", name)
}
func (f *fakeClient) StartGame(context.Context) error { return f.record("start") }
func (f *fakeClient) EliminatePlayer(_ context.Context, id string) error {
	return f.record("kill %s", id)
}
func (f *fakeClient) UpdateTimer(_ context.Context, v int, running bool) error {
	return f.record("timer %d %t", v, running)
}
func (f *fakeClient) EndGame(_ context.Context, w string) error { return f.record("end %s", w) }
func (f *fakeClient) ResetGame(context.Context) error           { return f.record("again") }
func (f *fakeClient) LeaveGame(context.Context) error           { return f.record("leave") }
func (f *fakeClient) RequestHost(_ context.Context, name string) error {
	return f.record("request %s", name)
}
func (f *fakeClient) RespondToHostRequest(_ context.Context, id string, ok bool) error {
	return f.record("respond %s %t", id, ok)
}
func (f *fakeClient) CompleteReset(context.Context) error { return f.record("wipe") }

func sampleView() game.View {
	alice := models.Player{ID: "a1b2c3", Name: "Alice", IsAlive: true, IsOnline: true, IsHost: true, Role: models.RoleDoctor}
	bob := models.Player{ID: "b4d5e6", Name: "Bob", IsAlive: true, IsOnline: true, Role: models.RoleMafia}
	ann := models.Player{ID: "a9f8e7", Name: "Ann", IsAlive: false, IsOnline: false, Role: models.RoleVillager}
	return game.View{
		CurrentPlayer: &alice,
		IsHost:        true,
		Players:       []models.Player{alice, bob, ann},
		HostRequests:  []models.HostRequest{{ID: "r77", PlayerID: bob.ID, PlayerName: "Bob", Status: models.HostRequestPending}},
		Phase:         models.PhasePlaying,
		Timer:         95,
		TimerRunning:  true,
		Connected:     true,
	}
}

func TestExecuteMapsCommands(t *testing.T) {
	ctx := context.Background()
	f := &fakeClient{view: sampleView()}

	for _, line := range []string{
		"host Alice", "join  Bob ", "request", "approve bob", "reject r7",
		"start", "kill Bob", "kill a9", "timer 30", "stop", "end Villagers",
		"again", "leave", "wipe", "",
	} {
		quit, err := execute(ctx, f, line)
		require.NoError(t, err, line)
		assert.False(t, quit)
	}
	assert.Equal(t, []string{
		"host Alice", "join Bob", "request ", "respond r77 true", "respond r77 false",
		"start", "kill b4d5e6", "kill a9f8e7", "timer 30 true", "timer 95 false", "end Villagers",
		"again", "leave", "wipe",
	}, f.calls)

	quit, err := execute(ctx, f, "quit")
	assert.NoError(t, err)
	assert.True(t, quit)
}

func TestExecuteRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	f := &fakeClient{view: sampleView()}

	for _, line := range []string{"host", "kill", "kill zzz", "kill a", "timer soon", "timer -3", "approve nobody", "dance"} {
		_, err := execute(ctx, f, line)
		assert.Error(t, err, line)
	}
	assert.Empty(t, f.calls)
}

func TestRenderShowsRolesToHost(t *testing.T) {
	v := sampleView()
	out := render(v)
	assert.Contains(t, out, "== playing ==")
	assert.Contains(t, out, "timer 1:35 (running)")
	assert.Contains(t, out, "Alice [host, you, Doctor]")
	assert.Contains(t, out, "Bob [Mafia]")
	assert.Contains(t, out, "Ann [dead, away, Villager]")
	assert.Contains(t, out, "host request r77")

	bob := v.Players[1]
	v.CurrentPlayer = &bob
	v.IsHost = false
	out = render(v)
	assert.Contains(t, out, "Bob [you, Mafia]")
	assert.NotContains(t, out, "Doctor")
	assert.NotContains(t, out, "host request")
}
