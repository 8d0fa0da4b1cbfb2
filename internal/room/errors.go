package room

import (
	"errors"
	"fmt"

	"github.com/jason-s-yu/mafia/internal/docstore"
)

// Precondition failures. They are detected before any write is attempted, so
// a room is never partially changed by one of these.
var (
	ErrHostTaken               = errors.New("host position is already taken")
	ErrInsufficientPlayers     = errors.New("not enough players to start the game")
	ErrPlayerNotFound          = errors.New("player not found")
	ErrDuplicatePendingRequest = errors.New("player already has a pending host request")
	ErrNotAuthorized           = errors.New("only the host can respond to host requests")
	ErrNoRoomState             = errors.New("room state is missing")
	ErrRequestNotFound         = errors.New("host request not found")
	ErrJoinClosed              = errors.New("the game has already started")
	ErrRoomResetting           = errors.New("the room is being reset")
	ErrInvalidName             = errors.New("player name must not be empty")
)

var preconditions = []error{
	ErrHostTaken,
	ErrInsufficientPlayers,
	ErrPlayerNotFound,
	ErrDuplicatePendingRequest,
	ErrNotAuthorized,
	ErrNoRoomState,
	ErrRequestNotFound,
	ErrJoinClosed,
	ErrRoomResetting,
	ErrInvalidName,
}

// IsPrecondition reports whether err means "fix your request".
func IsPrecondition(err error) bool {
	for _, p := range preconditions {
		if errors.Is(err, p) {
			return true
		}
	}
	return false
}

// TransportError wraps a failure reported by the store: a permission denial
// or lost connectivity. It means "fix your connection".
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// PermissionDenied reports whether the store rejected the operation for
// access-control reasons.
func (e *TransportError) PermissionDenied() bool {
	return errors.Is(e.Err, docstore.ErrPermissionDenied)
}

// IsTransport reports whether err came from the store rather than from a
// room precondition.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

func transportErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransportError{Op: op, Err: err}
}
