// internal/docstore/protocol.go
package docstore

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/coder/websocket"
)

// Subprotocol is the WebSocket subprotocol spoken between RemoteStore and
// the store server.
const Subprotocol = "docstore"

// Close codes the server ends a connection with.
const (
	CloseBadSubprotocol websocket.StatusCode = 3000
	CloseTokenExpired   websocket.StatusCode = 3001
	CloseShutdown       websocket.StatusCode = 3002
)

// Operation names carried in Request.Op.
const (
	OpGet                = "get"
	OpSet                = "set"
	OpUpdate             = "update"
	OpSubscribe          = "subscribe"
	OpUnsubscribe        = "unsubscribe"
	OpOnDisconnect       = "onDisconnect"
	OpCancelOnDisconnect = "cancelOnDisconnect"
	OpPing               = "ping"
)

// Frame types carried in Response.Type.
const (
	FrameResult = "result"
	FrameChange = "change"
	FrameError  = "error"
)

// Error codes carried in Response.Code.
const (
	CodePermissionDenied = "permission_denied"
	CodeInvalidPath      = "invalid_path"
	CodeBadRequest       = "bad_request"
	CodeUnavailable      = "unavailable"
	CodeInternal         = "internal"
)

// Request is a client-to-server frame. For subscribe the request ID becomes
// the subscription ID.
type Request struct {
	ID     uint64                 `json:"id"`
	Op     string                 `json:"op"`
	Path   string                 `json:"path,omitempty"`
	Value  interface{}            `json:"value,omitempty"`
	Fields map[string]interface{} `json:"fields,omitempty"`
	Sub    uint64                 `json:"sub,omitempty"`
}

// Response is a server-to-client frame: the result of a request, a change
// pushed to a subscription, or a subscription error.
type Response struct {
	Type    string          `json:"type"`
	ID      uint64          `json:"id,omitempty"`
	Sub     uint64          `json:"sub,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Code    string          `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`
}

// ErrorCode maps a store error onto its wire code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return CodePermissionDenied
	case errors.Is(err, ErrInvalidPath):
		return CodeInvalidPath
	case errors.Is(err, ErrDisconnected), errors.Is(err, ErrClosed):
		return CodeUnavailable
	}
	return CodeInternal
}

// codeError turns a wire error back into an error matching the store's
// error classes.
func codeError(code, msg string) error {
	switch code {
	case CodePermissionDenied:
		return fmt.Errorf("%w: %s", ErrPermissionDenied, msg)
	case CodeInvalidPath:
		return fmt.Errorf("%w: %s", ErrInvalidPath, msg)
	case CodeUnavailable:
		return fmt.Errorf("%w: %s", ErrDisconnected, msg)
	}
	return fmt.Errorf("store error (%s): %s", code, msg)
}

// closeError classifies the error that ended a connection.
func closeError(err error) error {
	if websocket.CloseStatus(err) == CloseTokenExpired {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	return fmt.Errorf("%w: %v", ErrDisconnected, err)
}
