// internal/models/host_request.go
package models

// HostRequestStatus tracks a request's lifecycle. Only pending requests are
// ever stored; approved and rejected requests are deleted.
type HostRequestStatus string

const (
	HostRequestPending  HostRequestStatus = "pending"
	HostRequestApproved HostRequestStatus = "approved"
	HostRequestRejected HostRequestStatus = "rejected"
)

// HostRequest is a time-bounded proposal by a non-host player to take over hosting.
type HostRequest struct {
	ID          string            `json:"id"`
	PlayerID    string            `json:"playerId"`
	PlayerName  string            `json:"playerName"`
	RequestedAt int64             `json:"requestedAt"`
	ExpiresAt   int64             `json:"expiresAt"`
	Status      HostRequestStatus `json:"status"`
}

// IsPending reports whether the request still awaits a response.
func (r HostRequest) IsPending() bool {
	return r.Status == HostRequestPending
}

// Expired reports whether a pending request has passed its deadline.
func (r HostRequest) Expired(now int64) bool {
	return r.IsPending() && now > r.ExpiresAt
}
