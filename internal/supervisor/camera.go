package supervisor

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/sua-org/cam-sentinel/internal/core"
	"github.com/sua-org/cam-sentinel/internal/transport"
)

// superviseCamera é a tarefa de uma câmera habilitada: negocia, consome a
// mídia, e reconecta com backoff até o ctx ser cancelado.
func (s *Supervisor) superviseCamera(ctx context.Context, w *cameraWorker, cfg core.CameraConfig) {
	id := cfg.ID
	bo := NewBackoff(s.cfg.Backoff)

	for {
		s.setHealth(id, core.HealthConnecting, "")
		link, err := s.neg.Negotiate(ctx, cfg, s.seqBase(w))
		if ctx.Err() != nil {
			if link != nil {
				link.Close("supervisor stopping")
			}
			return
		}

		if err != nil {
			if !core.Retryable(err) {
				log.Printf("[supervisor] câmera %s: erro sem retry, desistindo: %v", id, err)
				s.setHealth(id, core.HealthNotEstablished, err.Error())
				return
			}
			log.Printf("[supervisor] câmera %s: negociação falhou (%s): %v", id, core.Classify(err), err)
			s.setHealth(id, s.downStatus(w), err.Error())
		} else {
			connectedAt := time.Now()
			s.markConnected(w, id, link.SessionID())
			log.Printf("[supervisor] câmera %s online (sessão %s)", id, link.SessionID())

			err = s.consume(ctx, w, id, link)
			if ctx.Err() != nil {
				link.Close("supervisor stopping")
				return
			}
			if bo.Observe(time.Since(connectedAt)) {
				log.Printf("[supervisor] câmera %s: conexão ficou estável, backoff zerado", id)
			}
			reason := "session ended"
			if err != nil {
				reason = err.Error()
			}
			log.Printf("[supervisor] câmera %s offline: %s", id, reason)
			s.setHealth(id, core.HealthOffline, reason)
		}

		delay := bo.Next()
		s.countReconnect(w, id)
		log.Printf("[supervisor] câmera %s: nova tentativa em %s (tentativa %d)", id, delay.Round(time.Millisecond), bo.Attempts())
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// consume lê eventos da sessão até ela cair, o health check falhar ou o
// ctx acabar.
func (s *Supervisor) consume(ctx context.Context, w *cameraWorker, id string, link Link) error {
	events := link.Events()
	probe := time.NewTicker(s.cfg.ProbeInterval)
	defer probe.Stop()
	failures := 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-link.Done():
			return link.Err()

		case ev, ok := <-events:
			if !ok {
				// a sessão ainda vai sinalizar Done
				events = nil
				continue
			}
			s.handleEvent(w, id, ev)

		case <-probe.C:
			pctx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
			err := link.Probe(pctx)
			cancel()
			if err == nil {
				failures = 0
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			log.Printf("[supervisor] câmera %s: health check falhou (%d/%d): %v", id, failures, s.cfg.ProbeFailures, err)
			if failures >= s.cfg.ProbeFailures {
				link.Close("health check failed")
				return fmt.Errorf("%w: %d health checks failed", core.ErrConnection, failures)
			}
		}
	}
}

func (s *Supervisor) handleEvent(w *cameraWorker, id string, ev transport.Event) {
	switch {
	case ev.Frame != nil:
		s.mu.Lock()
		if ev.Frame.Seq > w.lastSeq {
			w.lastSeq = ev.Frame.Seq
		}
		w.src.LastFrameAt = ev.Frame.CapturedAt
		s.mu.Unlock()
		s.metrics.FrameReceived(id)
		s.router.Route(ev.Frame)

	case ev.Gap != nil:
		// o gap nunca faz o último seq voltar
		s.mu.Lock()
		if ev.Gap.To > w.lastSeq {
			w.lastSeq = ev.Gap.To
		}
		s.mu.Unlock()
		s.metrics.FramesLost(id, ev.Gap.Missing())
		log.Printf("[supervisor] câmera %s: %d quadros perdidos (%d..%d)", id, ev.Gap.Missing(), ev.Gap.From, ev.Gap.To)
	}
}

func (s *Supervisor) seqBase(w *cameraWorker) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return w.lastSeq
}

func (s *Supervisor) markConnected(w *cameraWorker, id, sessionID string) {
	s.mu.Lock()
	w.src.SessionID = sessionID
	s.mu.Unlock()
	s.setHealth(id, core.HealthOnline, "")
}

// downStatus: antes da primeira conexão a câmera nunca esteve online.
func (s *Supervisor) downStatus(w *cameraWorker) core.HealthStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w.src.EverConnected {
		return core.HealthOffline
	}
	return core.HealthNotEstablished
}

func (s *Supervisor) countReconnect(w *cameraWorker, id string) {
	s.mu.Lock()
	w.src.Reconnects++
	s.mu.Unlock()
	s.metrics.Reconnect(id)
}
