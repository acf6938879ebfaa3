package transport

import (
	"time"

	"github.com/gorilla/websocket"
)

// sendSeq envia com um seq explícito (pular seqs simula perda).
func (s *Sender) sendSeq(seq uint64, capturedAt time.Time, env Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendLocked(seq, capturedAt, env)
}

// sendRaw escreve bytes arbitrários no link.
func (s *Sender) sendRaw(pkt []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, pkt)
}
