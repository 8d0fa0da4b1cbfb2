// internal/handlers/ws_codes.go
package handlers

import "github.com/jason-s-yu/mafia/internal/docstore"

// Custom WebSocket close codes used by the store server.
const (
	BadSubprotocolError   = docstore.CloseBadSubprotocol // Client connected with an unsupported subprotocol.
	InvalidAuthTokenError = docstore.CloseTokenExpired   // The connection token expired mid-session.
	ServerShutdownError   = docstore.CloseShutdown       // The server is going away; the client should reconnect.
)
