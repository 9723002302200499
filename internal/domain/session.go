package domain

// Gateway-assigned identifiers. Zero means "not assigned yet".
type (
	SessionID uint64
	HandleID  uint64
)

// SessionInfo is a read-only view of a gateway session for APIs.
type SessionInfo struct {
	ID      SessionID  `json:"id"`
	Handles []HandleID `json:"handles"`
}
