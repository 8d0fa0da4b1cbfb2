// internal/room/engine.go
package room

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/mafia/internal/docstore"
	"github.com/jason-s-yu/mafia/internal/models"
	"github.com/sirupsen/logrus"
)

// Config tunes a room engine.
type Config struct {
	RoomID             string
	HostRequestTimeout time.Duration
	ResetDelay         time.Duration
	MinPlayers         int
	// OpTimeout bounds store calls made from timers, which have no caller
	// context.
	OpTimeout time.Duration
}

// DefaultConfig returns the stock room settings.
func DefaultConfig() Config {
	return Config{
		RoomID:             "illam-gang",
		HostRequestTimeout: 30 * time.Second,
		ResetDelay:         10 * time.Second,
		MinPlayers:         3,
		OpTimeout:          10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RoomID == "" {
		c.RoomID = d.RoomID
	}
	if c.HostRequestTimeout <= 0 {
		c.HostRequestTimeout = d.HostRequestTimeout
	}
	if c.ResetDelay <= 0 {
		c.ResetDelay = d.ResetDelay
	}
	if c.MinPlayers <= 0 {
		c.MinPlayers = d.MinPlayers
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = d.OpTimeout
	}
	return c
}

// Engine mediates every read and write of the shared room document. Each
// mutation is a read followed by one atomic multi-path update; nothing is
// locked across clients, so concurrent writers resolve last-writer-wins per
// field.
//
// An Engine also owns this client's deferred calls: auto-promotion timers for
// pending host requests and the post-game reset timer.
type Engine struct {
	store  docstore.Store
	cfg    Config
	logger *logrus.Logger
	path   string
	timers *timerTable

	// Now is the clock used for every timestamp the engine writes.
	Now func() time.Time

	shuffle shuffleFunc

	mu         sync.Mutex
	presence   map[string]struct{}
	resetHooks []func()
	watchers   map[int]docstore.Unsubscribe
	nextWatch  int
	closed     bool
}

// NewEngine returns an engine for cfg.RoomID on store.
func NewEngine(store docstore.Store, cfg Config, logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	cfg = cfg.withDefaults()
	return &Engine{
		store:    store,
		cfg:      cfg,
		logger:   logger,
		path:     "rooms/" + cfg.RoomID,
		timers:   newTimerTable(),
		Now:      time.Now,
		presence: make(map[string]struct{}),
		watchers: make(map[int]docstore.Unsubscribe),
	}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Path is the store path of the room document.
func (e *Engine) Path() string {
	return e.path
}

func (e *Engine) now() int64 {
	return e.Now().UnixMilli()
}

func (e *Engine) log() *logrus.Entry {
	return e.logger.WithField("room", e.cfg.RoomID)
}

// newID returns a time-ordered id so players and requests sort by creation.
func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func playerPath(id string) string     { return "players/" + id }
func eliminatedPath(id string) string { return "eliminatedPlayers/" + id }
func requestPath(id string) string    { return "hostRequests/" + id }

func (e *Engine) absPlayer(id string) string {
	return e.path + "/" + playerPath(id)
}

// load reads and decodes the room. A missing room yields (nil, report, nil).
func (e *Engine) load(ctx context.Context, op string) (*models.Room, models.DecodeReport, error) {
	raw, err := e.store.Get(ctx, e.path)
	if err != nil {
		return nil, models.DecodeReport{}, transportErr(op, err)
	}
	return e.decode(raw)
}

func (e *Engine) decode(raw json.RawMessage) (*models.Room, models.DecodeReport, error) {
	r, report, err := models.DecodeRoom(raw)
	if err != nil {
		return nil, report, err
	}
	if !report.Clean() {
		e.log().WithFields(logrus.Fields{
			"droppedPlayers":    report.DroppedPlayers,
			"droppedEliminated": report.DroppedEliminated,
			"droppedRequests":   report.DroppedRequests,
			"coerced":           report.CoercedFields,
		}).Debug("room document needed repair")
	}
	return r, report, nil
}

// mustLoad is load for operations that need an existing room.
func (e *Engine) mustLoad(ctx context.Context, op string) (*models.Room, error) {
	r, _, err := e.mustLoadReport(ctx, op)
	return r, err
}

func (e *Engine) mustLoadReport(ctx context.Context, op string) (*models.Room, models.DecodeReport, error) {
	r, report, err := e.load(ctx, op)
	if errors.Is(err, models.ErrMalformedRoom) {
		return nil, report, ErrNoRoomState
	}
	if err != nil {
		return nil, report, err
	}
	if r == nil {
		return nil, report, ErrNoRoomState
	}
	return r, report, nil
}

// strayHosts lists players whose stored isHost flag was set although they are
// not room.host, as seen by the decoder.
func strayHosts(r *models.Room, report models.DecodeReport) []string {
	var out []string
	for _, f := range report.CoercedFields {
		if !strings.HasPrefix(f, "players/") || !strings.HasSuffix(f, "/isHost") {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(f, "players/"), "/isHost")
		if p, ok := r.Players[id]; ok && !p.IsHost {
			out = append(out, id)
		}
	}
	return out
}

// write applies fields to the room in one atomic update, stamping lastUpdated.
func (e *Engine) write(ctx context.Context, op string, fields map[string]interface{}) error {
	fields["lastUpdated"] = e.now()
	return transportErr(op, e.store.Update(ctx, e.path, fields))
}

func freshRoomFields() map[string]interface{} {
	return map[string]interface{}{
		"gamePhase":             models.PhaseLobby,
		"gameStarted":           false,
		"timer":                 0,
		"isTimerRunning":        false,
		"requiresCompleteReset": false,
	}
}

// Room is a point read of the decoded room, nil if it does not exist.
func (e *Engine) Room(ctx context.Context) (*models.Room, error) {
	r, _, err := e.load(ctx, "read room")
	if errors.Is(err, models.ErrMalformedRoom) {
		return nil, nil
	}
	return r, err
}

// Connected tests connectivity to the store.
func (e *Engine) Connected(ctx context.Context) bool {
	return e.store.Connected(ctx)
}

// OnCompleteReset registers fn to run after this client wipes the room.
func (e *Engine) OnCompleteReset(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetHooks = append(e.resetHooks, fn)
}

// EnsureRoomExists creates the room if it is absent, finishes a pending
// teardown, or otherwise garbage-collects expired host requests and records
// the decoder had to drop.
func (e *Engine) EnsureRoomExists(ctx context.Context) error {
	const op = "ensure room"
	r, report, err := e.load(ctx, op)
	if errors.Is(err, models.ErrMalformedRoom) {
		e.log().Warn("room document is malformed, recreating it")
		return e.PerformCompleteReset(ctx)
	}
	if err != nil {
		return err
	}
	if r == nil {
		return e.write(ctx, op, freshRoomFields())
	}
	if r.RequiresCompleteReset {
		return e.PerformCompleteReset(ctx)
	}

	fields := make(map[string]interface{})
	for _, req := range r.ExpiredRequests(e.now()) {
		fields[requestPath(req.ID)] = nil
	}
	for _, id := range report.DroppedPlayers {
		fields[playerPath(id)] = nil
	}
	for _, id := range report.DroppedEliminated {
		fields[eliminatedPath(id)] = nil
	}
	for _, id := range report.DroppedRequests {
		fields[requestPath(id)] = nil
	}
	for _, f := range report.CoercedFields {
		switch {
		case f == "host":
			fields["host"] = nil
		case strings.HasPrefix(f, "players/") && strings.HasSuffix(f, "/isHost"):
			id := strings.TrimSuffix(strings.TrimPrefix(f, "players/"), "/isHost")
			if p, ok := r.Players[id]; ok {
				fields[f] = p.IsHost
			}
		}
	}
	if len(fields) == 0 {
		return nil
	}
	e.log().Infof("purging %d stale entries", len(fields))
	return e.write(ctx, op, fields)
}

// PerformCompleteReset cancels every local timer and overwrites the room with
// a pristine one. Local reset hooks run even if the write fails.
func (e *Engine) PerformCompleteReset(ctx context.Context) error {
	e.timers.cancelAll()

	err := transportErr("complete reset", e.store.Set(ctx, e.path, models.NewRoom(e.now())))
	if err != nil {
		e.log().Warnf("complete reset failed: %v", err)
	} else {
		e.log().Info("room wiped")
	}

	e.mu.Lock()
	ids := make([]string, 0, len(e.presence))
	for id := range e.presence {
		ids = append(ids, id)
	}
	e.presence = make(map[string]struct{})
	hooks := append([]func(){}, e.resetHooks...)
	e.mu.Unlock()

	for _, id := range ids {
		if cerr := e.store.CancelOnDisconnect(ctx, e.absPlayer(id)); cerr != nil {
			e.log().Debugf("cancel presence for %s: %v", id, cerr)
		}
	}
	for _, fn := range hooks {
		fn()
	}
	return err
}

// scheduleReset arms the reset timer to fire at the given epoch millis,
// replacing any reset already armed.
func (e *Engine) scheduleReset(at int64) {
	d := time.Duration(at-e.now()) * time.Millisecond
	e.timers.armAt(resetTimerKey, at, d, func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.OpTimeout)
		defer cancel()
		if err := e.resetIfScheduled(ctx); err != nil {
			e.log().Warnf("scheduled reset failed: %v", err)
		}
	})
}

// resetIfScheduled wipes the room only if it is still marked for teardown
// and its resetScheduledAt has passed. A room that was reset and ended again
// carries a later deadline, which is re-armed instead.
func (e *Engine) resetIfScheduled(ctx context.Context) error {
	r, _, err := e.load(ctx, "scheduled reset")
	if err != nil && !errors.Is(err, models.ErrMalformedRoom) {
		return err
	}
	if r != nil && !r.RequiresCompleteReset {
		return nil
	}
	if r != nil && r.ResetScheduledAt > e.now() {
		e.scheduleReset(r.ResetScheduledAt)
		return nil
	}
	return e.PerformCompleteReset(ctx)
}

// Watch subscribes to the room. onRoom receives every decoded snapshot (nil
// when the room is absent). Every observed pending host request and scheduled
// reset gets a local timer, so any open client can carry them out.
func (e *Engine) Watch(ctx context.Context, onRoom func(*models.Room), onError func(error)) (docstore.Unsubscribe, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, docstore.ErrClosed
	}
	e.nextWatch++
	id := e.nextWatch
	e.mu.Unlock()

	unsub, err := e.store.Subscribe(ctx, e.path, func(raw json.RawMessage) {
		r, _, err := e.decode(raw)
		if err != nil {
			e.log().Warnf("ignoring malformed room snapshot: %v", err)
			r = nil
		}
		e.observe(r)
		if onRoom != nil {
			onRoom(r)
		}
	}, func(err error) {
		e.log().Warnf("room subscription ended: %v", err)
		if onError != nil {
			onError(transportErr("watch room", err))
		}
	})
	if err != nil {
		return nil, transportErr("watch room", err)
	}

	e.mu.Lock()
	e.watchers[id] = unsub
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.watchers, id)
		e.mu.Unlock()
		unsub()
	}, nil
}

// observe re-arms local timers to match the snapshot.
func (e *Engine) observe(r *models.Room) {
	pending := make(map[string]models.HostRequest)
	if r != nil && r.AcceptsMutations() {
		for _, req := range r.PendingRequests() {
			pending[requestTimerKey(req.ID)] = req
		}
	}
	for _, key := range e.timers.keys(requestKeyPrefix) {
		if _, ok := pending[key]; !ok {
			e.timers.cancel(key)
		}
	}
	for _, req := range pending {
		e.armRequest(req, false)
	}

	if r == nil || !r.RequiresCompleteReset {
		e.timers.cancel(resetTimerKey)
		return
	}
	armed, ok := e.timers.deadline(resetTimerKey)
	switch {
	case r.ResetScheduledAt == 0 && !ok:
		e.scheduleReset(e.now())
	case r.ResetScheduledAt != 0 && (!ok || armed != r.ResetScheduledAt):
		e.scheduleReset(r.ResetScheduledAt)
	}
}

// Close cancels every timer and subscription. The store is left open.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	watchers := e.watchers
	e.watchers = make(map[int]docstore.Unsubscribe)
	e.mu.Unlock()

	e.timers.close()
	for _, unsub := range watchers {
		unsub()
	}
}
