// internal/docstore/memory.go
package docstore

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Memory is an in-process document database. Clients talk to it through
// sessions obtained from Connect; each session has its own subscriptions
// and disconnect writes, so several simulated clients can share one tree.
type Memory struct {
	mu     sync.Mutex
	doc    *Document
	feeds  map[uint64]*feed
	nextID uint64

	// Now is the clock used to resolve ServerTimestamp.
	Now func() time.Time
}

// NewMemory returns an empty database.
func NewMemory() *Memory {
	return &Memory{
		doc:   NewDocument(),
		feeds: make(map[uint64]*feed),
		Now:   time.Now,
	}
}

// Connect opens a new client session.
func (m *Memory) Connect() *MemorySession {
	return &MemorySession{
		mem:   m,
		hooks: NewDisconnectWrites(),
		subs:  make(map[uint64]struct{}),
	}
}

// Snapshot returns the JSON encoding of path, bypassing sessions. Tests use
// it to inspect the raw document.
func (m *Memory) Snapshot(path string) (json.RawMessage, error) {
	segs, err := SplitPath(path)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.doc.Raw(segs)
}

func (m *Memory) get(segs []string) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.doc.Raw(segs)
}

func (m *Memory) set(segs []string, value interface{}) error {
	v, err := Normalize(value, m.Now())
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.doc.Set(segs, v); err != nil {
		return err
	}
	m.notifyLocked([][]string{segs})
	return nil
}

func (m *Memory) update(base []string, fields map[string]interface{}) error {
	norm, err := NormalizeFields(fields, m.Now())
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	// apply to a copy so a rejected update leaves nothing behind
	raw, err := m.doc.Bytes()
	if err != nil {
		return err
	}
	next, err := LoadDocument(raw)
	if err != nil {
		return err
	}
	changed, err := next.Update(base, norm)
	if err != nil {
		return err
	}
	m.doc = next
	m.notifyLocked(changed)
	return nil
}

// notifyLocked pushes the new value to every feed whose path overlaps one of
// the changed paths. Values are captured under the lock so each feed sees
// writes in commit order.
func (m *Memory) notifyLocked(changed [][]string) {
	for _, f := range m.feeds {
		for _, c := range changed {
			if Overlaps(f.segs, c) {
				raw, err := m.doc.Raw(f.segs)
				if err != nil {
					f.fail(err)
				} else {
					f.push(raw)
				}
				break
			}
		}
	}
}

func (m *Memory) subscribe(segs []string, onChange func(json.RawMessage), onError func(error)) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, err := m.doc.Raw(segs)
	if err != nil {
		return 0, err
	}
	m.nextID++
	id := m.nextID
	f := newFeed(segs, onChange, onError)
	m.feeds[id] = f
	f.push(raw)
	return id, nil
}

func (m *Memory) unsubscribe(id uint64, reason error) {
	m.mu.Lock()
	f, ok := m.feeds[id]
	delete(m.feeds, id)
	m.mu.Unlock()
	if !ok {
		return
	}
	if reason != nil {
		f.fail(reason)
		return
	}
	f.stop()
}

// MemorySession is one client's connection to a Memory database.
type MemorySession struct {
	mem   *Memory
	hooks *DisconnectWrites

	mu      sync.Mutex
	subs    map[uint64]struct{}
	dropped bool
	closed  bool
	denied  bool
}

var _ Store = (*MemorySession)(nil)

func (s *MemorySession) check(write bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return ErrClosed
	case s.dropped:
		return ErrDisconnected
	case write && s.denied:
		return ErrPermissionDenied
	}
	return nil
}

// DenyWrites makes every subsequent write fail with ErrPermissionDenied,
// simulating an access-control rule rejecting this client.
func (s *MemorySession) DenyWrites(deny bool) {
	s.mu.Lock()
	s.denied = deny
	s.mu.Unlock()
}

func (s *MemorySession) Get(ctx context.Context, path string) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.check(false); err != nil {
		return nil, err
	}
	segs, err := SplitPath(path)
	if err != nil {
		return nil, err
	}
	return s.mem.get(segs)
}

func (s *MemorySession) Set(ctx context.Context, path string, value interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.check(true); err != nil {
		return err
	}
	segs, err := SplitPath(path)
	if err != nil {
		return err
	}
	return s.mem.set(segs, value)
}

func (s *MemorySession) Update(ctx context.Context, path string, fields map[string]interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.check(true); err != nil {
		return err
	}
	segs, err := SplitPath(path)
	if err != nil {
		return err
	}
	return s.mem.update(segs, fields)
}

func (s *MemorySession) Remove(ctx context.Context, path string) error {
	return s.Set(ctx, path, nil)
}

func (s *MemorySession) Subscribe(ctx context.Context, path string, onChange func(json.RawMessage), onError func(error)) (Unsubscribe, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.check(false); err != nil {
		return nil, err
	}
	segs, err := SplitPath(path)
	if err != nil {
		return nil, err
	}
	id, err := s.mem.subscribe(segs, onChange, onError)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.subs[id] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			s.mem.unsubscribe(id, nil)
		})
	}, nil
}

func (s *MemorySession) OnDisconnect(ctx context.Context, path string, fields map[string]interface{}) error {
	if err := s.check(true); err != nil {
		return err
	}
	return s.hooks.Add(path, fields)
}

func (s *MemorySession) CancelOnDisconnect(ctx context.Context, path string) error {
	if err := s.check(false); err != nil {
		return err
	}
	s.hooks.Cancel(path)
	return nil
}

func (s *MemorySession) Connected(ctx context.Context) bool {
	return s.check(false) == nil
}

// Drop simulates an abrupt loss of the connection: the database applies the
// session's disconnect writes and its subscriptions fail with ErrDisconnected.
func (s *MemorySession) Drop() {
	s.shutdown(ErrDisconnected, func() { s.dropped = true })
}

// Close ends the session. Disconnect writes are applied as on a drop.
func (s *MemorySession) Close() error {
	s.shutdown(nil, func() { s.closed = true })
	return nil
}

func (s *MemorySession) shutdown(reason error, mark func()) {
	s.mu.Lock()
	if s.closed || s.dropped {
		s.mu.Unlock()
		return
	}
	mark()
	subs := s.subs
	s.subs = make(map[uint64]struct{})
	s.mu.Unlock()

	for id := range subs {
		s.mem.unsubscribe(id, reason)
	}
	_ = s.hooks.Fire(context.Background(), func(_ context.Context, path string, fields map[string]interface{}) error {
		segs, err := SplitPath(path)
		if err != nil {
			return err
		}
		return s.mem.update(segs, fields)
	})
}
