// internal/transport/sender.go
package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sua-org/cam-sentinel/internal/core"
)

// Sender é o lado answerer (edge) do link de mídia.
type Sender struct {
	conn *websocket.Conn
	keys *Keys

	mu  sync.Mutex
	seq uint64

	closed chan struct{}
}

// Accept espera o hello do offerer e só então libera o envio de quadros.
func Accept(conn *websocket.Conn, keys *Keys, sessionID string, timeout time.Duration) (*Sender, error) {
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	mt, data, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("%w: waiting hello: %v", core.ErrConnection, err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	if mt != websocket.BinaryMessage {
		return nil, fmt.Errorf("%w: hello must be binary", core.ErrProtocolAnomaly)
	}
	if err := keys.VerifyHello(data, sessionID); err != nil {
		return nil, fmt.Errorf("%w: hello: %v", core.ErrTransportFailure, err)
	}
	s := &Sender{conn: conn, keys: keys, closed: make(chan struct{})}
	go s.drain()
	return s, nil
}

// drain mantém a leitura ativa (pings do backend são respondidos aqui) e
// detecta quando o offerer fecha o link.
func (s *Sender) drain() {
	defer close(s.closed)
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Closed fecha quando o offerer encerra o link ou a conexão cai.
func (s *Sender) Closed() <-chan struct{} { return s.closed }

// Send cifra e envia o próximo quadro com seq = último + 1.
func (s *Sender) Send(capturedAt time.Time, env Envelope) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.seq + 1
	if err := s.sendLocked(next, capturedAt, env); err != nil {
		return 0, err
	}
	return next, nil
}

func (s *Sender) sendLocked(seq uint64, capturedAt time.Time, env Envelope) error {
	pkt, err := s.keys.SealPacket(Header{Seq: seq, CapturedAt: capturedAt}, env)
	if err != nil {
		return err
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := s.conn.WriteMessage(websocket.BinaryMessage, pkt); err != nil {
		return fmt.Errorf("%w: write frame: %v", core.ErrConnection, err)
	}
	if seq > s.seq {
		s.seq = seq
	}
	return nil
}

func (s *Sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
		time.Now().Add(time.Second))
	return s.conn.Close()
}
