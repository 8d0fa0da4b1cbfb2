// internal/docstore/remote.go
package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"
)

// RemoteStore is a Store backed by a store server over one WebSocket.
// Disconnect writes are held by the server and applied when this socket
// drops, however it drops.
type RemoteStore struct {
	conn   *websocket.Conn
	logger *logrus.Logger

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan Response
	feeds   map[uint64]*feed
	closed  bool
	err     error

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

var _ Store = (*RemoteStore)(nil)

// DialRemote connects to a store server at url (ws:// or wss://), presenting
// token as the connection credential when it is non-empty.
func DialRemote(ctx context.Context, url, token string, logger *logrus.Logger) (*RemoteStore, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	c, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{Subprotocol},
		HTTPHeader:   header,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("dial %s: %w", url, ErrPermissionDenied)
		}
		return nil, fmt.Errorf("dial %s: %w: %v", url, ErrDisconnected, err)
	}
	if c.Subprotocol() != Subprotocol {
		c.Close(websocket.StatusPolicyViolation, "client must speak the docstore subprotocol")
		return nil, fmt.Errorf("dial %s: server did not accept subprotocol %q", url, Subprotocol)
	}
	c.SetReadLimit(8 << 20)

	rctx, cancel := context.WithCancel(context.Background())
	s := &RemoteStore{
		conn:    c,
		logger:  logger,
		pending: make(map[uint64]chan Response),
		feeds:   make(map[uint64]*feed),
		ctx:     rctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go s.readPump()
	return s, nil
}

// readPump routes results to waiting callers and changes to feeds until the
// socket fails.
func (s *RemoteStore) readPump() {
	defer close(s.done)
	for {
		typ, data, err := s.conn.Read(s.ctx)
		if err != nil {
			s.teardown(closeError(err))
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			s.logger.Warnf("docstore: invalid frame from server: %v", err)
			continue
		}

		switch resp.Type {
		case FrameResult:
			s.mu.Lock()
			ch, ok := s.pending[resp.ID]
			delete(s.pending, resp.ID)
			s.mu.Unlock()
			if ok {
				ch <- resp
			}
		case FrameChange:
			s.mu.Lock()
			f := s.feeds[resp.Sub]
			s.mu.Unlock()
			if f != nil {
				f.push(normalizeNull(resp.Value))
			}
		case FrameError:
			s.mu.Lock()
			f := s.feeds[resp.Sub]
			delete(s.feeds, resp.Sub)
			s.mu.Unlock()
			if f != nil {
				f.fail(codeError(resp.Code, resp.Message))
			}
		default:
			s.logger.Debugf("docstore: ignoring frame type %q", resp.Type)
		}
	}
}

func normalizeNull(v json.RawMessage) json.RawMessage {
	if len(v) == 0 || string(v) == "null" {
		return nil
	}
	return v
}

// teardown fails every waiter and feed once the connection is gone.
func (s *RemoteStore) teardown(reason error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = reason
	}
	pending := s.pending
	s.pending = make(map[uint64]chan Response)
	feeds := s.feeds
	s.feeds = make(map[uint64]*feed)
	closed := s.closed
	s.mu.Unlock()

	for _, ch := range pending {
		ch <- Response{Type: FrameResult, Code: CodeUnavailable, Message: reason.Error()}
	}
	for _, f := range feeds {
		if closed {
			f.stop()
		} else {
			f.fail(reason)
		}
	}
}

// call sends req and waits for its result.
func (s *RemoteStore) call(ctx context.Context, req Request, f *feed) (Response, error) {
	ch := make(chan Response, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Response{}, ErrClosed
	}
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return Response{}, err
	}
	s.nextID++
	req.ID = s.nextID
	s.pending[req.ID] = ch
	if f != nil {
		// registered before sending so the initial change frame is not missed
		s.feeds[req.ID] = f
	}
	s.mu.Unlock()

	forget := func() {
		s.mu.Lock()
		delete(s.pending, req.ID)
		if f != nil {
			delete(s.feeds, req.ID)
		}
		s.mu.Unlock()
	}

	data, err := json.Marshal(req)
	if err != nil {
		forget()
		return Response{}, fmt.Errorf("marshal %s request: %w", req.Op, err)
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = s.conn.Write(writeCtx, websocket.MessageText, data)
	cancel()
	if err != nil {
		forget()
		return Response{}, fmt.Errorf("%s %s: %w: %v", req.Op, req.Path, ErrDisconnected, err)
	}

	select {
	case resp := <-ch:
		if !resp.OK {
			if f != nil {
				forget()
			}
			return resp, codeError(resp.Code, resp.Message)
		}
		return resp, nil
	case <-ctx.Done():
		forget()
		return Response{}, ctx.Err()
	}
}

func (s *RemoteStore) Get(ctx context.Context, path string) (json.RawMessage, error) {
	resp, err := s.call(ctx, Request{Op: OpGet, Path: path}, nil)
	if err != nil {
		return nil, err
	}
	return normalizeNull(resp.Value), nil
}

func (s *RemoteStore) Set(ctx context.Context, path string, value interface{}) error {
	_, err := s.call(ctx, Request{Op: OpSet, Path: path, Value: value}, nil)
	return err
}

func (s *RemoteStore) Update(ctx context.Context, path string, fields map[string]interface{}) error {
	_, err := s.call(ctx, Request{Op: OpUpdate, Path: path, Fields: fields}, nil)
	return err
}

func (s *RemoteStore) Remove(ctx context.Context, path string) error {
	return s.Set(ctx, path, nil)
}

func (s *RemoteStore) Subscribe(ctx context.Context, path string, onChange func(json.RawMessage), onError func(error)) (Unsubscribe, error) {
	segs, err := SplitPath(path)
	if err != nil {
		return nil, err
	}
	f := newFeed(segs, onChange, onError)
	resp, err := s.call(ctx, Request{Op: OpSubscribe, Path: path}, f)
	if err != nil {
		f.stop()
		return nil, err
	}
	sub := resp.ID

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.feeds, sub)
			s.mu.Unlock()
			f.stop()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := s.call(ctx, Request{Op: OpUnsubscribe, Sub: sub}, nil); err != nil {
				s.logger.Debugf("docstore: unsubscribe %d: %v", sub, err)
			}
		})
	}, nil
}

func (s *RemoteStore) OnDisconnect(ctx context.Context, path string, fields map[string]interface{}) error {
	_, err := s.call(ctx, Request{Op: OpOnDisconnect, Path: path, Fields: fields}, nil)
	return err
}

func (s *RemoteStore) CancelOnDisconnect(ctx context.Context, path string) error {
	_, err := s.call(ctx, Request{Op: OpCancelOnDisconnect, Path: path}, nil)
	return err
}

// Connected round-trips a ping to the server.
func (s *RemoteStore) Connected(ctx context.Context) bool {
	_, err := s.call(ctx, Request{Op: OpPing}, nil)
	return err == nil
}

// Close closes the socket normally; the server applies the disconnect writes.
func (s *RemoteStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.conn.Close(websocket.StatusNormalClosure, "client closed")
	s.cancel()
	<-s.done
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		return nil
	}
	return err
}
