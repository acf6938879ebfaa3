// internal/edge/agent.go
package edge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"github.com/sua-org/cam-sentinel/internal/core"
	"github.com/sua-org/cam-sentinel/internal/drivers"
	"github.com/sua-org/cam-sentinel/internal/signaling"
	"github.com/sua-org/cam-sentinel/internal/transport"
)

type Config struct {
	// Auth nil desliga a checagem de token (só para desenvolvimento).
	Auth *signaling.TokenAuth
	// MediaURLs são as bases ws(s):// anunciadas como candidatos, em ordem
	// de preferência. Vazio: usa o Host da requisição de sinalização.
	MediaURLs    []string
	FFmpegPath   string
	HelloTimeout time.Duration
	// ReopenAfter leituras falhas seguidas antes de reabrir a fonte.
	ReopenAfter int
	// ReconnectEvery limita as tentativas de Connect enquanto a fonte está fora.
	ReconnectEvery time.Duration
	Keepalive      signaling.Keepalive
}

func (c Config) withDefaults() Config {
	if c.HelloTimeout <= 0 {
		c.HelloTimeout = 5 * time.Second
	}
	if c.ReopenAfter <= 0 {
		c.ReopenAfter = 10
	}
	if c.ReconnectEvery <= 0 {
		c.ReconnectEvery = time.Second
	}
	return c
}

// SessionInfo é o que /sessions devolve.
type SessionInfo struct {
	ID           string    `json:"id"`
	CameraID     string    `json:"camera_id"`
	Kind         string    `json:"kind"`
	CreatedAt    time.Time `json:"created_at"`
	MediaUp      bool      `json:"media_up"`
	Frames       uint64    `json:"frames"`
	Placeholders uint64    `json:"placeholders"`
}

// Agent é o peer que responde ofertas do backend e transmite os quadros da
// câmera local.
type Agent struct {
	cfg      Config
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*session

	newSource func(kind core.CameraKind, opts drivers.Options) (drivers.Source, error)
}

func NewAgent(cfg Config) *Agent {
	return &Agent{
		cfg:       cfg.withDefaults(),
		upgrader:  websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 64 << 10},
		sessions:  make(map[string]*session),
		newSource: drivers.NewSource,
	}
}

func (a *Agent) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/signal", a.handleSignal)
	r.Get("/media/{sessionId}", a.handleMedia)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

func (a *Agent) authenticate(r *http.Request) (string, error) {
	if a.cfg.Auth == nil {
		return "", nil
	}
	return a.cfg.Auth.Authenticate(r)
}

func (a *Agent) handleSignal(w http.ResponseWriter, r *http.Request) {
	subject, err := a.authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[edge] upgrade de sinalização falhou: %v", err)
		return
	}
	sig := signaling.NewWSSignaler(conn, a.cfg.Keepalive)
	bases := a.cfg.MediaURLs
	if len(bases) == 0 {
		scheme := "ws"
		if r.TLS != nil {
			scheme = "wss"
		}
		bases = []string{scheme + "://" + r.Host}
	}
	a.serveSignal(r.Context(), sig, subject, bases)
}

// serveSignal atende um canal de sinalização até ele cair. Sessões criadas
// por este canal morrem junto.
func (a *Agent) serveSignal(ctx context.Context, sig signaling.Signaler, subject string, bases []string) {
	defer sig.Close()
	var owned []string
	defer func() {
		for _, id := range owned {
			a.teardown(id, "signaling closed", false)
		}
	}()

	for {
		msg, err := sig.Recv()
		if err != nil {
			if errors.Is(err, core.ErrProtocolAnomaly) {
				log.Printf("[edge] mensagem inválida ignorada: %v", err)
				continue
			}
			return
		}

		switch msg.Type {
		case signaling.TypeOffer:
			if err := a.handleOffer(ctx, sig, msg, subject, bases); err != nil {
				log.Printf("[edge] oferta %s recusada: %v", msg.SessionID, err)
				bye, _ := signaling.NewMessage(signaling.TypeBye, msg.SessionID, signaling.ByePayload{Reason: err.Error()})
				_ = sig.Send(ctx, bye)
				continue
			}
			owned = append(owned, msg.SessionID)
		case signaling.TypeBye:
			var bye signaling.ByePayload
			_ = msg.Decode(&bye)
			log.Printf("[edge] bye do backend para sessão %s (%s)", msg.SessionID, bye.Reason)
			a.teardown(msg.SessionID, "bye from backend", false)
			owned = lo.Without(owned, msg.SessionID)
		default:
			log.Printf("[edge] tipo %q inesperado na sessão %s", msg.Type, msg.SessionID)
		}
	}
}

func (a *Agent) handleOffer(ctx context.Context, sig signaling.Signaler, msg signaling.Message, subject string, bases []string) error {
	if msg.SessionID == "" {
		return fmt.Errorf("%w: offer without session id", core.ErrProtocolAnomaly)
	}
	var offer signaling.OfferPayload
	if err := msg.Decode(&offer); err != nil {
		return fmt.Errorf("%w: offer: %v", core.ErrProtocolAnomaly, err)
	}
	if err := offer.Validate(); err != nil {
		return fmt.Errorf("%w: %v", core.ErrProtocolAnomaly, err)
	}
	if a.cfg.Auth != nil && subject != offer.CameraID {
		return fmt.Errorf("token subject %q does not match camera %q", subject, offer.CameraID)
	}
	if offer.Codec != "" && offer.Codec != transport.FormatJPEG {
		return fmt.Errorf("codec %q not supported", offer.Codec)
	}

	a.mu.Lock()
	_, dup := a.sessions[msg.SessionID]
	a.mu.Unlock()
	if dup {
		return fmt.Errorf("session %s already exists", msg.SessionID)
	}

	kind, ok := core.ParseCameraKind(offer.Kind)
	if !ok {
		return fmt.Errorf("%w: unknown kind %q", core.ErrConfigInvalid, offer.Kind)
	}
	src, err := a.newSource(kind, drivers.Options{
		Address:     offer.Address,
		Credentials: core.Credentials{Username: offer.Username, Password: offer.Password},
		FPS:         offer.FPS,
		FFmpegPath:  a.cfg.FFmpegPath,
	})
	if err != nil {
		return err
	}

	peer, err := transport.DecodePublicKey(offer.PublicKey)
	if err != nil {
		_ = src.Close()
		return err
	}
	kp, err := transport.NewKeyPair()
	if err != nil {
		_ = src.Close()
		return err
	}
	keys, err := transport.DeriveKeys(kp, peer, msg.SessionID, transport.RoleAnswerer)
	if err != nil {
		_ = src.Close()
		return err
	}

	fps := offer.FPS
	if fps <= 0 {
		fps = drivers.DefaultFPS
	}
	s := newSession(msg.SessionID, offer.CameraID, kind, keys, src, fps, sig)

	a.mu.Lock()
	a.sessions[s.id] = s
	a.mu.Unlock()

	answer, _ := signaling.NewMessage(signaling.TypeAnswer, s.id, signaling.AnswerPayload{
		PublicKey: kp.PublicKey(),
		Width:     drivers.DefaultWidth,
		Height:    drivers.DefaultHeight,
		FPS:       fps,
	})
	if err := sig.Send(ctx, answer); err != nil {
		a.teardown(s.id, "answer failed", false)
		return err
	}

	for i, base := range bases {
		cand, _ := signaling.NewMessage(signaling.TypeCandidate, s.id, signaling.CandidatePayload{
			Transport: "ws",
			URL:       strings.TrimRight(base, "/") + "/media/" + s.id,
			Priority:  len(bases) - i,
		})
		if err := sig.Send(ctx, cand); err != nil {
			a.teardown(s.id, "candidate failed", false)
			return err
		}
	}
	end, _ := signaling.NewMessage(signaling.TypeCandidate, s.id, signaling.CandidatePayload{})
	if err := sig.Send(ctx, end); err != nil {
		a.teardown(s.id, "candidate failed", false)
		return err
	}

	log.Printf("[edge] sessão %s aceita para câmera %s (%s, %d fps)", s.id, s.cameraID, kind, fps)
	return nil
}

func (a *Agent) handleMedia(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionId")
	subject, err := a.authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	a.mu.Lock()
	s, ok := a.sessions[id]
	a.mu.Unlock()
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	if a.cfg.Auth != nil && subject != s.cameraID {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if !s.claimMedia() {
		http.Error(w, "media already attached", http.StatusConflict)
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.releaseMedia()
		log.Printf("[edge] upgrade de mídia falhou (sessão %s): %v", id, err)
		return
	}
	snd, err := transport.Accept(conn, s.keys, s.id, a.cfg.HelloTimeout)
	if err != nil {
		_ = conn.Close()
		s.releaseMedia()
		log.Printf("[edge] hello inválido na sessão %s: %v", id, err)
		return
	}

	log.Printf("[edge] mídia conectada na sessão %s", id)
	s.stream(snd, a.cfg.ReopenAfter, a.cfg.ReconnectEvery)
	_ = snd.Close()

	// link de mídia acabou: a sessão acaba junto e o backend fica sabendo
	a.teardown(id, "media closed", true)
}

// teardown remove a sessão; sendBye avisa o backend pelo canal de sinalização.
func (a *Agent) teardown(id, reason string, sendBye bool) {
	a.mu.Lock()
	s, ok := a.sessions[id]
	delete(a.sessions, id)
	a.mu.Unlock()
	if !ok {
		return
	}
	s.close()
	if sendBye {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		bye, _ := signaling.NewMessage(signaling.TypeBye, id, signaling.ByePayload{Reason: reason})
		_ = s.sig.Send(ctx, bye)
		cancel()
	}
	log.Printf("[edge] sessão %s encerrada: %s", id, reason)
}

// Sessions lista as sessões ativas, ordenadas por criação.
func (a *Agent) Sessions() []SessionInfo {
	a.mu.Lock()
	list := lo.MapToSlice(a.sessions, func(_ string, s *session) SessionInfo { return s.info() })
	a.mu.Unlock()
	sortSessions(list)
	return list
}

// Shutdown manda bye e encerra todas as sessões.
func (a *Agent) Shutdown() {
	a.mu.Lock()
	ids := lo.Keys(a.sessions)
	a.mu.Unlock()
	for _, id := range ids {
		a.teardown(id, "edge shutting down", true)
	}
}
