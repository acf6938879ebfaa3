// internal/edge/session.go
package edge

import (
	"context"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sua-org/cam-sentinel/internal/core"
	"github.com/sua-org/cam-sentinel/internal/drivers"
	"github.com/sua-org/cam-sentinel/internal/signaling"
	"github.com/sua-org/cam-sentinel/internal/transport"
)

type session struct {
	id        string
	cameraID  string
	kind      core.CameraKind
	keys      *transport.Keys
	source    drivers.Source
	fps       int
	sig       signaling.Signaler
	createdAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	mediaUp      atomic.Bool
	frames       atomic.Uint64
	placeholders atomic.Uint64
}

func newSession(id, cameraID string, kind core.CameraKind, keys *transport.Keys, src drivers.Source, fps int, sig signaling.Signaler) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		id:        id,
		cameraID:  cameraID,
		kind:      kind,
		keys:      keys,
		source:    src,
		fps:       fps,
		sig:       sig,
		createdAt: time.Now().UTC(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (s *session) claimMedia() bool { return s.mediaUp.CompareAndSwap(false, true) }
func (s *session) releaseMedia()    { s.mediaUp.Store(false) }

func (s *session) close() {
	s.once.Do(func() {
		s.cancel()
		_ = s.source.Close()
	})
}

func (s *session) info() SessionInfo {
	return SessionInfo{
		ID:           s.id,
		CameraID:     s.cameraID,
		Kind:         string(s.kind),
		CreatedAt:    s.createdAt,
		MediaUp:      s.mediaUp.Load(),
		Frames:       s.frames.Load(),
		Placeholders: s.placeholders.Load(),
	}
}

// stream lê a fonte e envia até a sessão acabar ou o backend fechar o link.
// Com a fonte fora, manda quadros pretos no ritmo do fps; depois de
// reopenAfter leituras falhas seguidas a fonte é reaberta.
func (s *session) stream(snd *transport.Sender, reopenAfter int, reconnectEvery time.Duration) {
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	go func() {
		select {
		case <-snd.Closed():
			cancel()
		case <-ctx.Done():
		}
	}()

	interval := time.Second / time.Duration(s.fps)
	width, height := drivers.DefaultWidth, drivers.DefaultHeight
	var (
		up          bool
		failures    int
		nextConnect time.Time
		black       []byte
	)

	for ctx.Err() == nil {
		if !up && !time.Now().Before(nextConnect) {
			if err := s.source.Connect(ctx); err != nil {
				nextConnect = time.Now().Add(reconnectEvery)
				log.Printf("[edge] sessão %s: fonte indisponível: %v", s.id, err)
			} else {
				up = true
				failures = 0
			}
		}

		if up {
			f, err := s.source.ReadFrame(ctx)
			if err == nil {
				failures = 0
				if f.Width > 0 && f.Height > 0 && (f.Width != width || f.Height != height) {
					width, height = f.Width, f.Height
					black = nil
				}
				if _, err := snd.Send(f.CapturedAt, transport.Envelope{
					Format: transport.FormatJPEG,
					Width:  width,
					Height: height,
					Data:   f.Data,
				}); err != nil {
					log.Printf("[edge] sessão %s: envio falhou: %v", s.id, err)
					return
				}
				s.frames.Add(1)
				continue
			}
			if ctx.Err() != nil {
				return
			}
			failures++
			log.Printf("[edge] sessão %s: leitura falhou (%d/%d): %v", s.id, failures, reopenAfter, err)
			if failures >= reopenAfter {
				log.Printf("[edge] sessão %s: reabrindo fonte", s.id)
				_ = s.source.Close()
				up = false
				failures = 0
			}
		}

		if black == nil {
			black = drivers.BlackFrame(width, height)
		}
		if _, err := snd.Send(time.Now().UTC(), transport.Envelope{
			Format: transport.FormatJPEG,
			Width:  width,
			Height: height,
			Data:   black,
		}); err != nil {
			log.Printf("[edge] sessão %s: envio falhou: %v", s.id, err)
			return
		}
		s.placeholders.Add(1)

		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func sortSessions(list []SessionInfo) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
}
