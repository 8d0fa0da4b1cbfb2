// internal/docstore/redis.go
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/jason-s-yu/mafia/internal/cache"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// maxTxRetries bounds the optimistic WATCH/MULTI loop under contention.
const maxTxRetries = 16

// RedisStore keeps the whole tree as one JSON value under a key. Writes are
// optimistic transactions on that key and announce the written paths on a
// Pub/Sub channel, which drives subscriptions in every connected process.
type RedisStore struct {
	rdb     *redis.Client
	key     string
	channel string
	logger  *logrus.Logger
	hooks   *DisconnectWrites

	// readMu orders the tree reads that fill feeds, so each feed gets
	// values in the order they were read.
	readMu sync.Mutex

	mu     sync.Mutex
	feeds  map[uint64]*feed
	nextID uint64
	pubsub *redis.PubSub
	closed bool
	cancel context.CancelFunc
	ctx    context.Context
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore wraps an already connected client. prefix namespaces the
// document key and change channel.
func NewRedisStore(rdb *redis.Client, prefix string, logger *logrus.Logger) *RedisStore {
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisStore{
		rdb:     rdb,
		key:     cache.DocumentKey(prefix),
		channel: cache.ChangesChannel(prefix),
		logger:  logger,
		hooks:   NewDisconnectWrites(),
		feeds:   make(map[uint64]*feed),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (s *RedisStore) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// classifyRedis maps client errors onto the store's error classes.
func classifyRedis(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrInvalidPath) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	msg := err.Error()
	if strings.HasPrefix(msg, "NOPERM") || strings.HasPrefix(msg, "NOAUTH") || strings.HasPrefix(msg, "WRONGPASS") {
		return fmt.Errorf("redis %s: %w: %v", op, ErrPermissionDenied, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("redis %s: %w: %v", op, ErrDisconnected, err)
	}
	return fmt.Errorf("redis %s: %w", op, err)
}

func (s *RedisStore) load(ctx context.Context, get func(ctx context.Context, key string) *redis.StringCmd) (*Document, error) {
	raw, err := get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return NewDocument(), nil
	}
	if err != nil {
		return nil, err
	}
	return LoadDocument(raw)
}

func (s *RedisStore) Get(ctx context.Context, path string) (json.RawMessage, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	segs, err := SplitPath(path)
	if err != nil {
		return nil, err
	}
	doc, err := s.load(ctx, s.rdb.Get)
	if err != nil {
		return nil, classifyRedis("get", err)
	}
	return doc.Raw(segs)
}

// mutate runs fn against the current tree inside WATCH/MULTI, retrying when
// another writer commits first.
func (s *RedisStore) mutate(ctx context.Context, op string, fn func(doc *Document) ([][]string, error)) error {
	if s.isClosed() {
		return ErrClosed
	}
	txf := func(tx *redis.Tx) error {
		doc, err := s.load(ctx, tx.Get)
		if err != nil {
			return err
		}
		changed, err := fn(doc)
		if err != nil {
			return err
		}
		data, err := doc.Bytes()
		if err != nil {
			return err
		}
		paths := make([]string, len(changed))
		for i, c := range changed {
			paths[i] = JoinPath(c...)
		}
		note, err := json.Marshal(paths)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.key, data, 0)
			pipe.Publish(ctx, s.channel, note)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, s.key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return classifyRedis(op, err)
	}
	return fmt.Errorf("redis %s: too much contention on %s", op, s.key)
}

func (s *RedisStore) Set(ctx context.Context, path string, value interface{}) error {
	segs, err := SplitPath(path)
	if err != nil {
		return err
	}
	v, err := Normalize(value, time.Now())
	if err != nil {
		return err
	}
	return s.mutate(ctx, "set", func(doc *Document) ([][]string, error) {
		return [][]string{segs}, doc.Set(segs, v)
	})
}

func (s *RedisStore) Update(ctx context.Context, path string, fields map[string]interface{}) error {
	segs, err := SplitPath(path)
	if err != nil {
		return err
	}
	norm, err := NormalizeFields(fields, time.Now())
	if err != nil {
		return err
	}
	return s.mutate(ctx, "update", func(doc *Document) ([][]string, error) {
		return doc.Update(segs, norm)
	})
}

func (s *RedisStore) Remove(ctx context.Context, path string) error {
	return s.Set(ctx, path, nil)
}

func (s *RedisStore) Subscribe(ctx context.Context, path string, onChange func(json.RawMessage), onError func(error)) (Unsubscribe, error) {
	segs, err := SplitPath(path)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if s.pubsub == nil {
		s.pubsub = s.rdb.Subscribe(s.ctx, s.channel)
		if _, err := s.pubsub.Receive(ctx); err != nil {
			_ = s.pubsub.Close()
			s.pubsub = nil
			s.mu.Unlock()
			return nil, classifyRedis("subscribe", err)
		}
		go s.listen(s.pubsub)
	}
	s.nextID++
	id := s.nextID
	f := newFeed(segs, onChange, onError)
	s.feeds[id] = f
	s.mu.Unlock()

	s.readMu.Lock()
	raw, err := s.Get(ctx, path)
	if err == nil {
		f.push(raw)
	}
	s.readMu.Unlock()
	if err != nil {
		s.dropFeed(id)
		return nil, err
	}

	return func() { s.dropFeed(id) }, nil
}

func (s *RedisStore) dropFeed(id uint64) {
	s.mu.Lock()
	f, ok := s.feeds[id]
	delete(s.feeds, id)
	s.mu.Unlock()
	if ok {
		f.stop()
	}
}

// listen re-reads the tree for every change announcement and pushes fresh
// values to the feeds whose path was touched.
func (s *RedisStore) listen(ps *redis.PubSub) {
	for msg := range ps.Channel() {
		var paths []string
		if err := json.Unmarshal([]byte(msg.Payload), &paths); err != nil {
			s.logger.Warnf("docstore: ignoring malformed change note on %s: %v", s.channel, err)
			continue
		}
		changed := make([][]string, 0, len(paths))
		for _, p := range paths {
			if segs, err := SplitPath(p); err == nil {
				changed = append(changed, segs)
			}
		}

		s.mu.Lock()
		var targets []*feed
		for _, f := range s.feeds {
			for _, c := range changed {
				if Overlaps(f.segs, c) {
					targets = append(targets, f)
					break
				}
			}
		}
		s.mu.Unlock()
		if len(targets) == 0 {
			continue
		}

		s.readMu.Lock()
		ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
		doc, err := s.load(ctx, s.rdb.Get)
		cancel()
		if err != nil {
			s.readMu.Unlock()
			s.logger.Warnf("docstore: reload after change failed: %v", err)
			continue
		}
		for _, f := range targets {
			raw, err := doc.Raw(f.segs)
			if err != nil {
				f.fail(err)
				continue
			}
			f.push(raw)
		}
		s.readMu.Unlock()
	}

	// the channel closes when the pubsub is closed or the client dies
	s.mu.Lock()
	feeds := s.feeds
	s.feeds = make(map[uint64]*feed)
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	for _, f := range feeds {
		f.fail(ErrDisconnected)
	}
}

func (s *RedisStore) OnDisconnect(ctx context.Context, path string, fields map[string]interface{}) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.hooks.Add(path, fields)
}

func (s *RedisStore) CancelOnDisconnect(ctx context.Context, path string) error {
	s.hooks.Cancel(path)
	return nil
}

func (s *RedisStore) Connected(ctx context.Context) bool {
	if s.isClosed() {
		return false
	}
	return s.rdb.Ping(ctx).Err() == nil
}

// Close applies the disconnect writes, then tears down subscriptions. The
// Redis client itself is owned by the caller.
func (s *RedisStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.hooks.Fire(ctx, s.Update)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	feeds := s.feeds
	s.feeds = make(map[uint64]*feed)
	ps := s.pubsub
	s.mu.Unlock()

	for _, f := range feeds {
		f.stop()
	}
	if ps != nil {
		_ = ps.Close()
	}
	s.cancel()
	return err
}
