// internal/signaling/websocket.go
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sua-org/cam-sentinel/internal/core"
)

// Signaler é a conexão persistente e autenticada de sinalização de uma sessão.
type Signaler interface {
	Send(ctx context.Context, msg Message) error
	// Recv bloqueia até a próxima mensagem ou até a conexão cair.
	Recv() (Message, error)
	Close() error
}

// Dialer abre o canal de sinalização de uma câmera e fornece o cabeçalho
// de autenticação usado também no link de mídia.
type Dialer interface {
	DialSignal(ctx context.Context, cam core.CameraConfig) (Signaler, error)
	MediaHeader(cam core.CameraConfig) (http.Header, error)
}

type Keepalive struct {
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func DefaultKeepalive() Keepalive {
	return Keepalive{
		PingInterval: 10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}

// WSSignaler implementa Signaler sobre gorilla/websocket.
type WSSignaler struct {
	conn *websocket.Conn
	ka   Keepalive

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func NewWSSignaler(conn *websocket.Conn, ka Keepalive) *WSSignaler {
	d := DefaultKeepalive()
	if ka.PingInterval <= 0 {
		ka.PingInterval = d.PingInterval
	}
	if ka.ReadTimeout <= 0 {
		ka.ReadTimeout = d.ReadTimeout
	}
	if ka.WriteTimeout <= 0 {
		ka.WriteTimeout = d.WriteTimeout
	}
	s := &WSSignaler{conn: conn, ka: ka, done: make(chan struct{})}

	extend := func() { _ = conn.SetReadDeadline(time.Now().Add(ka.ReadTimeout)) }
	conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})
	conn.SetPingHandler(func(data string) error {
		extend()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(ka.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	go s.pingLoop()
	return s
}

func (s *WSSignaler) pingLoop() {
	ticker := time.NewTicker(s.ka.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.ka.WriteTimeout)); err != nil {
				return
			}
		}
	}
}

func (s *WSSignaler) Send(ctx context.Context, msg Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	deadline := time.Now().Add(s.ka.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = s.conn.SetWriteDeadline(deadline)
	if err := s.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("%w: send %s: %v", core.ErrConnection, msg.Type, err)
	}
	return nil
}

// Recv devolve ErrProtocolAnomaly para mensagens que não são JSON válido;
// qualquer outro erro significa que a conexão acabou.
func (s *WSSignaler) Recv() (Message, error) {
	_ = s.conn.SetReadDeadline(time.Now().Add(s.ka.ReadTimeout))
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return Message{}, err
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: invalid signaling json: %v", core.ErrProtocolAnomaly, err)
	}
	return msg, nil
}

func (s *WSSignaler) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

// WSDialer disca a URL de sinalização da câmera com bearer JWT.
type WSDialer struct {
	Auth      *TokenAuth
	Dialer    *websocket.Dialer
	Keepalive Keepalive
}

func (d *WSDialer) MediaHeader(cam core.CameraConfig) (http.Header, error) {
	if d.Auth == nil {
		return http.Header{}, nil
	}
	return d.Auth.Header(cam.ID)
}

func (d *WSDialer) DialSignal(ctx context.Context, cam core.CameraConfig) (Signaler, error) {
	header, err := d.MediaHeader(cam)
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}
	dialer := d.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	conn, resp, err := dialer.DialContext(ctx, cam.SignalURL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: signaling %s rejected token", core.ErrConnection, cam.SignalURL)
		}
		return nil, fmt.Errorf("%w: dial signaling %s: %v", core.ErrConnection, cam.SignalURL, err)
	}
	log.Printf("[signaling] canal de sinalização aberto para %s (%s)", cam.ID, cam.SignalURL)
	return NewWSSignaler(conn, d.Keepalive), nil
}
