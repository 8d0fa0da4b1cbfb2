// internal/handlers/store_ws.go
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/jason-s-yu/mafia/internal/auth"
	"github.com/jason-s-yu/mafia/internal/docstore"
	"github.com/jason-s-yu/mafia/internal/middleware"
	"github.com/sirupsen/logrus"
)

// storeSession is one client connection to the store server. Disconnect
// writes registered by the client live here and are applied to the backend
// when the socket goes away.
type storeSession struct {
	backend  docstore.Store
	logger   *logrus.Entry
	readOnly bool
	hooks    *docstore.DisconnectWrites
	out      chan docstore.Response

	mu   sync.Mutex
	subs map[uint64]docstore.Unsubscribe
}

// Sessions counts live store connections. http.Server.Shutdown does not wait
// for hijacked connections, so a server waits here before closing the backend
// the sessions' disconnect writes go to.
type Sessions struct {
	wg sync.WaitGroup
}

// Wait blocks until every session has finished its cleanup or ctx is done.
func (s *Sessions) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StoreWSHandler serves the docstore protocol against backend. sessions may
// be nil.
func StoreWSHandler(logger *logrus.Logger, backend docstore.Store, signer *auth.Signer, sessions *Sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, err := signer.Authenticate(bearerToken(r))
		if err != nil {
			logger.Warnf("store connection from %s rejected: %v", r.RemoteAddr, err)
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols:   []string{docstore.Subprotocol},
			OriginPatterns: []string{"*"},
		})
		if err != nil {
			logger.Warnf("websocket accept error: %v", err)
			return
		}
		if sessions != nil {
			sessions.wg.Add(1)
			defer sessions.wg.Done()
		}
		defer c.Close(websocket.StatusInternalError, "handler finished")

		if c.Subprotocol() != docstore.Subprotocol {
			c.Close(BadSubprotocolError, "client must speak the docstore subprotocol")
			return
		}
		c.SetReadLimit(8 << 20)

		// The session outlives request cancellation so the close code can be
		// chosen here rather than by the read loop.
		ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
		defer cancel()
		go func() {
			select {
			case <-r.Context().Done():
				c.Close(ServerShutdownError, "server shutting down")
			case <-ctx.Done():
			}
		}()
		if claims.ExpiresAt != nil {
			expiry := time.AfterFunc(time.Until(claims.ExpiresAt.Time), func() {
				c.Close(InvalidAuthTokenError, "token expired")
			})
			defer expiry.Stop()
		}

		sess := &storeSession{
			backend:  backend,
			logger:   logger.WithFields(logrus.Fields{"remote": r.RemoteAddr, "sub": claims.Subject}),
			readOnly: claims.ReadOnly,
			hooks:    docstore.NewDisconnectWrites(),
			out:      make(chan docstore.Response, 64),
			subs:     make(map[uint64]docstore.Unsubscribe),
		}
		middleware.LogWebSocketConnect(logger, r.RemoteAddr, r.URL.Path)

		go sess.writePump(ctx, c)
		err = sess.readPump(ctx, c)
		cancel()
		sess.cleanup()
		middleware.LogWebSocketDisconnect(logger, r.RemoteAddr, r.URL.Path, err)
	}
}

func (s *storeSession) readPump(ctx context.Context, c *websocket.Conn) error {
	for {
		typ, msg, err := c.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				return nil
			}
			return err
		}
		if typ != websocket.MessageText {
			s.logger.Warnf("ignoring non-text frame type %d", typ)
			continue
		}

		var req docstore.Request
		if err := json.Unmarshal(msg, &req); err != nil {
			s.logger.Warnf("invalid json: %v", err)
			s.send(ctx, docstore.Response{Type: docstore.FrameResult, Code: docstore.CodeBadRequest, Message: "invalid JSON format"})
			continue
		}
		s.send(ctx, s.handle(ctx, req))
	}
}

// handle executes one request and builds its result frame.
func (s *storeSession) handle(ctx context.Context, req docstore.Request) docstore.Response {
	resp := docstore.Response{Type: docstore.FrameResult, ID: req.ID}
	fail := func(err error) docstore.Response {
		resp.Code = docstore.ErrorCode(err)
		resp.Message = err.Error()
		if resp.Code == docstore.CodeInternal {
			s.logger.Warnf("%s %s failed: %v", req.Op, req.Path, err)
		}
		return resp
	}

	switch req.Op {
	case docstore.OpSet, docstore.OpUpdate, docstore.OpOnDisconnect:
		if s.readOnly {
			return fail(docstore.ErrPermissionDenied)
		}
	}

	opCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	switch req.Op {
	case docstore.OpPing:
	case docstore.OpGet:
		raw, err := s.backend.Get(opCtx, req.Path)
		if err != nil {
			return fail(err)
		}
		resp.Value = raw
	case docstore.OpSet:
		if err := s.backend.Set(opCtx, req.Path, req.Value); err != nil {
			return fail(err)
		}
	case docstore.OpUpdate:
		if err := s.backend.Update(opCtx, req.Path, req.Fields); err != nil {
			return fail(err)
		}
	case docstore.OpSubscribe:
		sub := req.ID
		unsub, err := s.backend.Subscribe(opCtx, req.Path,
			func(v json.RawMessage) {
				s.send(ctx, docstore.Response{Type: docstore.FrameChange, Sub: sub, Value: v})
			},
			func(err error) {
				s.mu.Lock()
				delete(s.subs, sub)
				s.mu.Unlock()
				s.send(ctx, docstore.Response{Type: docstore.FrameError, Sub: sub, Code: docstore.ErrorCode(err), Message: err.Error()})
			})
		if err != nil {
			return fail(err)
		}
		s.mu.Lock()
		s.subs[sub] = unsub
		s.mu.Unlock()
	case docstore.OpUnsubscribe:
		s.mu.Lock()
		unsub, ok := s.subs[req.Sub]
		delete(s.subs, req.Sub)
		s.mu.Unlock()
		if ok {
			unsub()
		}
	case docstore.OpOnDisconnect:
		if err := s.hooks.Add(req.Path, req.Fields); err != nil {
			return fail(err)
		}
	case docstore.OpCancelOnDisconnect:
		s.hooks.Cancel(req.Path)
	default:
		resp.Code = docstore.CodeBadRequest
		resp.Message = "unknown op " + req.Op
		return resp
	}
	resp.OK = true
	return resp
}

// send queues a frame for the write pump. It blocks rather than dropping so
// a subscriber never misses a change; the connection context bounds it.
func (s *storeSession) send(ctx context.Context, resp docstore.Response) {
	select {
	case s.out <- resp:
	case <-ctx.Done():
	}
}

func (s *storeSession) writePump(ctx context.Context, c *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case resp := <-s.out:
			data, err := json.Marshal(resp)
			if err != nil {
				s.logger.Warnf("failed to marshal outgoing frame: %v", err)
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = c.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					s.logger.Warnf("write failed: %v", err)
				}
				return
			}
		}
	}
}

// cleanup releases the session's subscriptions and applies its disconnect
// writes to the backend.
func (s *storeSession) cleanup() {
	s.mu.Lock()
	subs := s.subs
	s.subs = make(map[uint64]docstore.Unsubscribe)
	s.mu.Unlock()
	for _, unsub := range subs {
		unsub()
	}

	if s.hooks.Len() == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.hooks.Fire(ctx, s.backend.Update); err != nil {
		s.logger.Warnf("applying disconnect writes: %v", err)
	}
}
