// internal/signaling/messages.go
package signaling

import (
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/sua-org/cam-sentinel/internal/transport"
)

type MessageType string

const (
	TypeOffer     MessageType = "offer"
	TypeAnswer    MessageType = "answer"
	TypeCandidate MessageType = "candidate"
	TypeBye       MessageType = "bye"
)

// Message é o envelope trocado no canal de sinalização.
type Message struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"sessionId"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type OfferPayload struct {
	CameraID  string `json:"cameraId"`
	Kind      string `json:"kind"`
	Address   string `json:"address"`
	Username  string `json:"username,omitempty"`
	Password  string `json:"password,omitempty"`
	PublicKey string `json:"publicKey"`
	Codec     string `json:"codec"`
	FPS       int    `json:"fps,omitempty"`
}

type AnswerPayload struct {
	PublicKey string `json:"publicKey"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
	FPS       int    `json:"fps,omitempty"`
}

// CandidatePayload anuncia um caminho de mídia. URL vazia marca o fim dos candidatos.
type CandidatePayload struct {
	Transport string `json:"transport"`
	URL       string `json:"url"`
	Priority  int    `json:"priority"`
}

type ByePayload struct {
	Reason string `json:"reason,omitempty"`
}

func NewMessage(t MessageType, sessionID string, payload any) (Message, error) {
	msg := Message{Type: t, SessionID: sessionID}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		msg.Payload = b
	}
	return msg, nil
}

func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s without payload", m.Type)
	}
	return json.Unmarshal(m.Payload, v)
}

func (p OfferPayload) Validate() error {
	if p.CameraID == "" {
		return fmt.Errorf("offer without cameraId")
	}
	if p.Kind == "" {
		return fmt.Errorf("offer without kind")
	}
	if _, err := transport.DecodePublicKey(p.PublicKey); err != nil {
		return fmt.Errorf("offer: %w", err)
	}
	return nil
}

func (p AnswerPayload) Validate() error {
	if _, err := transport.DecodePublicKey(p.PublicKey); err != nil {
		return fmt.Errorf("answer: %w", err)
	}
	if p.Width < 0 || p.Height < 0 || p.FPS < 0 {
		return fmt.Errorf("answer: negative dimensions")
	}
	return nil
}

func (p CandidatePayload) End() bool { return p.URL == "" }

func (p CandidatePayload) Validate() error {
	if p.End() {
		return nil
	}
	if p.Transport != "ws" {
		return fmt.Errorf("candidate transport %q not supported", p.Transport)
	}
	u, err := url.Parse(p.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("candidate url %q must be ws:// or wss://", p.URL)
	}
	return nil
}
