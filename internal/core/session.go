package core

import "time"

// SessionState segue New → OfferSent → AnswerReceived → Negotiating →
// Connected → {Disconnected, Failed} → Closed. Closed é terminal.
type SessionState string

const (
	StateNew            SessionState = "new"
	StateOfferSent      SessionState = "offer_sent"
	StateAnswerReceived SessionState = "answer_received"
	StateNegotiating    SessionState = "negotiating"
	StateConnected      SessionState = "connected"
	StateDisconnected   SessionState = "disconnected"
	StateFailed         SessionState = "failed"
	StateClosed         SessionState = "closed"
)

type Session struct {
	ID          string       `json:"id"`
	CameraID    string       `json:"camera_id"`
	State       SessionState `json:"state"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	ConnectedAt time.Time    `json:"connected_at,omitempty"`
	CloseReason string       `json:"close_reason,omitempty"`
}
