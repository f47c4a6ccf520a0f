package db

import "time"

// AuditEvent is one privileged action taken through the relay.
type AuditEvent struct {
	ID     string    `json:"id"`
	Ts     time.Time `json:"ts"`
	Action string    `json:"action"`
	PeerID string    `json:"peer_id"`
	Detail string    `json:"detail,omitempty"`
}
