// internal/docstore/postgres.go
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jason-s-yu/mafia/internal/database"
	"github.com/sirupsen/logrus"
)

// PostgresStore keeps the tree in one JSONB row. Writes lock the row for the
// length of a transaction and announce written paths with NOTIFY, which a
// dedicated LISTEN connection turns into subscription pushes.
type PostgresStore struct {
	pool    *pgxpool.Pool
	docID   string
	channel string
	logger  *logrus.Logger
	hooks   *DisconnectWrites

	// readMu orders the tree reads that fill feeds, so each feed gets
	// values in the order they were read.
	readMu sync.Mutex

	mu        sync.Mutex
	feeds     map[uint64]*feed
	nextID    uint64
	listening bool
	closed    bool
	ctx       context.Context
	cancel    context.CancelFunc
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore prepares the schema and returns a store for docID.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool, docID string, logger *logrus.Logger) (*PostgresStore, error) {
	if err := database.EnsureSchema(ctx, pool); err != nil {
		return nil, classifyPostgres("schema", err)
	}
	lctx, cancel := context.WithCancel(context.Background())
	return &PostgresStore{
		pool:    pool,
		docID:   docID,
		channel: "docstore_" + docID,
		logger:  logger,
		hooks:   NewDisconnectWrites(),
		feeds:   make(map[uint64]*feed),
		ctx:     lctx,
		cancel:  cancel,
	}, nil
}

func classifyPostgres(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrInvalidPath) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 42501 insufficient_privilege, 28xxx invalid authorization
		if pgErr.Code == "42501" || (len(pgErr.Code) == 5 && pgErr.Code[:2] == "28") {
			return fmt.Errorf("postgres %s: %w: %v", op, ErrPermissionDenied, err)
		}
		return fmt.Errorf("postgres %s: %w", op, err)
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return fmt.Errorf("postgres %s: %w: %v", op, ErrDisconnected, err)
	}
	return fmt.Errorf("postgres %s: %w", op, err)
}

func (s *PostgresStore) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *PostgresStore) load(ctx context.Context) (*Document, error) {
	body, err := database.LoadDocument(ctx, s.pool, s.docID)
	if err != nil {
		return nil, err
	}
	return LoadDocument(body)
}

func (s *PostgresStore) Get(ctx context.Context, path string) (json.RawMessage, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	segs, err := SplitPath(path)
	if err != nil {
		return nil, err
	}
	doc, err := s.load(ctx)
	if err != nil {
		return nil, classifyPostgres("get", err)
	}
	return doc.Raw(segs)
}

func (s *PostgresStore) mutate(ctx context.Context, op string, fn func(doc *Document) ([][]string, error)) error {
	if s.isClosed() {
		return ErrClosed
	}
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		body, err := database.LockDocument(ctx, tx, s.docID)
		if err != nil {
			return err
		}
		doc, err := LoadDocument(body)
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
		return database.SaveDocument(ctx, tx, s.docID, data, s.channel, note)
	})
	return classifyPostgres(op, err)
}

func (s *PostgresStore) Set(ctx context.Context, path string, value interface{}) error {
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

func (s *PostgresStore) Update(ctx context.Context, path string, fields map[string]interface{}) error {
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

func (s *PostgresStore) Remove(ctx context.Context, path string) error {
	return s.Set(ctx, path, nil)
}

func (s *PostgresStore) Subscribe(ctx context.Context, path string, onChange func(json.RawMessage), onError func(error)) (Unsubscribe, error) {
	segs, err := SplitPath(path)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if !s.listening {
		conn, err := s.pool.Acquire(ctx)
		if err != nil {
			s.mu.Unlock()
			return nil, classifyPostgres("listen", err)
		}
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{s.channel}.Sanitize()); err != nil {
			conn.Release()
			s.mu.Unlock()
			return nil, classifyPostgres("listen", err)
		}
		s.listening = true
		go s.listen(conn)
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

func (s *PostgresStore) dropFeed(id uint64) {
	s.mu.Lock()
	f, ok := s.feeds[id]
	delete(s.feeds, id)
	s.mu.Unlock()
	if ok {
		f.stop()
	}
}

func (s *PostgresStore) listen(conn *pgxpool.Conn) {
	defer conn.Release()
	for {
		n, err := conn.Conn().WaitForNotification(s.ctx)
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			feeds := s.feeds
			s.feeds = make(map[uint64]*feed)
			s.listening = false
			s.mu.Unlock()
			if !closed {
				s.logger.Warnf("docstore: LISTEN on %s ended: %v", s.channel, err)
				for _, f := range feeds {
					f.fail(fmt.Errorf("%w: %v", ErrDisconnected, err))
				}
			}
			return
		}

		var paths []string
		if err := json.Unmarshal([]byte(n.Payload), &paths); err != nil {
			s.logger.Warnf("docstore: ignoring malformed notification on %s: %v", s.channel, err)
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
		doc, err := s.load(ctx)
		cancel()
		if err != nil {
			s.readMu.Unlock()
			s.logger.Warnf("docstore: reload after notification failed: %v", err)
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
}

func (s *PostgresStore) OnDisconnect(ctx context.Context, path string, fields map[string]interface{}) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.hooks.Add(path, fields)
}

func (s *PostgresStore) CancelOnDisconnect(ctx context.Context, path string) error {
	s.hooks.Cancel(path)
	return nil
}

func (s *PostgresStore) Connected(ctx context.Context) bool {
	if s.isClosed() {
		return false
	}
	return s.pool.Ping(ctx) == nil
}

// Close applies the disconnect writes and stops the listener. The pool is
// owned by the caller.
func (s *PostgresStore) Close() error {
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
	s.mu.Unlock()

	for _, f := range feeds {
		f.stop()
	}
	s.cancel()
	return err
}
