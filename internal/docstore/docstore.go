// Package docstore is the client-side contract of the realtime document
// store the room protocol runs on, together with its backends.
//
// A store holds one JSON tree addressed by slash-separated paths. Writes are
// last-writer-wins per path, Update applies several relative paths
// atomically, and subscribers are pushed the new value of their path after
// every write that touches it.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrPermissionDenied is returned when the store rejects an operation
	// for access-control reasons.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrDisconnected is returned when the store cannot be reached.
	ErrDisconnected = errors.New("store disconnected")
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("store closed")
	// ErrInvalidPath is returned for malformed paths or conflicting update keys.
	ErrInvalidPath = errors.New("invalid path")
)

// ServerTimestamp is a placeholder value the backend replaces with its own
// clock (epoch milliseconds) when the write is applied.
var ServerTimestamp = map[string]interface{}{".sv": "timestamp"}

// Unsubscribe stops a subscription. It is safe to call more than once.
type Unsubscribe func()

// Store is the capability set the room engine needs from the realtime store.
type Store interface {
	// Get reads the value at path. It returns nil if nothing is stored there.
	Get(ctx context.Context, path string) (json.RawMessage, error)
	// Set overwrites the value at path. A nil value deletes it.
	Set(ctx context.Context, path string, value interface{}) error
	// Update atomically writes every relative path in fields below path.
	// Nil values delete. Either every field is applied or none is.
	Update(ctx context.Context, path string, fields map[string]interface{}) error
	// Remove deletes the value at path.
	Remove(ctx context.Context, path string) error
	// Subscribe calls onChange with the current value at path and again after
	// every write that touches it. onError is called once if the subscription
	// is terminated by the store.
	Subscribe(ctx context.Context, path string, onChange func(json.RawMessage), onError func(error)) (Unsubscribe, error)
	// OnDisconnect registers an update the store applies to path when this
	// client's connection goes away. Repeated calls on the same path merge.
	OnDisconnect(ctx context.Context, path string, fields map[string]interface{}) error
	// CancelOnDisconnect drops the disconnect write registered for path.
	CancelOnDisconnect(ctx context.Context, path string) error
	// Connected tests connectivity to the store.
	Connected(ctx context.Context) bool
	// Close releases the connection and fires any registered disconnect writes.
	Close() error
}
