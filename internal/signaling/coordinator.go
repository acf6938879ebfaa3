// internal/signaling/coordinator.go
package signaling

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sua-org/cam-sentinel/internal/core"
	"github.com/sua-org/cam-sentinel/internal/metrics"
	"github.com/sua-org/cam-sentinel/internal/transport"
)

var (
	// ErrSessionClosed: a sessão foi fechada localmente (disable, unregister,
	// nova negociação para a mesma câmera).
	ErrSessionClosed = errors.New("session closed")
	// ErrClosedByPeer: o outro lado mandou bye.
	ErrClosedByPeer = fmt.Errorf("%w: bye from peer", core.ErrConnection)
)

type Config struct {
	NegotiationTimeout time.Duration
	// janela para juntar candidatos antes de tentar o de maior prioridade
	CandidateGather  time.Duration
	ByeTimeout       time.Duration
	MaxClosedHistory int
	Codec            string
	Media            transport.Config
}

func DefaultConfig() Config {
	return Config{
		NegotiationTimeout: 15 * time.Second,
		CandidateGather:    100 * time.Millisecond,
		ByeTimeout:         time.Second,
		MaxClosedHistory:   128,
		Codec:              transport.FormatJPEG,
		Media:              transport.DefaultConfig(),
	}
}

// Link é a sessão conectada entregue ao supervisor. Done fecha quando a
// sessão deixa de estar Connected, por qualquer motivo.
type Link struct {
	SessionID string
	CameraID  string
	Media     *transport.Session

	done chan struct{}
	once sync.Once
	err  error
}

func newLink(sessionID, cameraID string, media *transport.Session) *Link {
	return &Link{SessionID: sessionID, CameraID: cameraID, Media: media, done: make(chan struct{})}
}

func (l *Link) finish(err error) {
	l.once.Do(func() {
		l.err = err
		close(l.done)
	})
}

func (l *Link) Done() <-chan struct{} { return l.done }

// Err só é válido depois de Done.
func (l *Link) Err() error {
	select {
	case <-l.done:
		return l.err
	default:
		return nil
	}
}

type entry struct {
	sess     core.Session
	signaler Signaler
	media    *transport.Session
	link     *Link
	cancel   context.CancelFunc
	closeErr error
	closed   chan struct{}
}

// Coordinator negocia e mantém o estado de cada sessão.
type Coordinator struct {
	cfg         Config
	dialer      Dialer
	mediaDialer *websocket.Dialer
	metrics     *metrics.Metrics

	enabledMu sync.RWMutex
	enabled   func(cameraID string) bool

	mu       sync.Mutex
	sessions map[string]*entry
	current  map[string]string // cameraID -> sessão mais recente

	anomalies atomic.Uint64
}

func NewCoordinator(dialer Dialer, cfg Config, m *metrics.Metrics) *Coordinator {
	d := DefaultConfig()
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = d.NegotiationTimeout
	}
	if cfg.CandidateGather <= 0 {
		cfg.CandidateGather = d.CandidateGather
	}
	if cfg.ByeTimeout <= 0 {
		cfg.ByeTimeout = d.ByeTimeout
	}
	if cfg.MaxClosedHistory <= 0 {
		cfg.MaxClosedHistory = d.MaxClosedHistory
	}
	if cfg.Codec == "" {
		cfg.Codec = d.Codec
	}
	return &Coordinator{
		cfg:         cfg,
		dialer:      dialer,
		mediaDialer: &websocket.Dialer{HandshakeTimeout: cfg.NegotiationTimeout},
		metrics:     m,
		enabled:     func(string) bool { return true },
		sessions:    make(map[string]*entry),
		current:     make(map[string]string),
	}
}

// SetEnabledFunc é consultado quando o transporte cai: câmera desabilitada
// vai direto para Closed.
func (c *Coordinator) SetEnabledFunc(f func(cameraID string) bool) {
	c.enabledMu.Lock()
	defer c.enabledMu.Unlock()
	c.enabled = f
}

func (c *Coordinator) isEnabled(cameraID string) bool {
	c.enabledMu.RLock()
	defer c.enabledMu.RUnlock()
	return c.enabled(cameraID)
}

// Negotiate cria uma sessão nova para a câmera (fechando a anterior) e só
// retorna quando ela está Connected ou já terminou em Closed.
func (c *Coordinator) Negotiate(ctx context.Context, cam core.CameraConfig, seqBase uint64) (*Link, error) {
	if prior := c.currentSession(cam.ID); prior != "" {
		c.Close(prior, "superseded by new negotiation")
	}

	nctx, cancel := context.WithTimeout(ctx, c.cfg.NegotiationTimeout)
	defer cancel()

	now := time.Now().UTC()
	id := uuid.NewString()
	e := &entry{
		sess: core.Session{
			ID:        id,
			CameraID:  cam.ID,
			State:     core.StateNew,
			CreatedAt: now,
			UpdatedAt: now,
		},
		cancel: cancel,
		closed: make(chan struct{}),
	}

	c.mu.Lock()
	c.sessions[id] = e
	c.current[cam.ID] = id
	c.pruneLocked()
	c.mu.Unlock()

	log.Printf("[signaling] sessão %s criada para câmera %s", id, cam.ID)

	link, err := c.negotiate(nctx, id, cam, seqBase)
	if err != nil {
		if c.stateOf(id) == core.StateClosed {
			return nil, c.closedErr(id)
		}
		c.fail(id, err)
		return nil, err
	}
	return link, nil
}

func (c *Coordinator) negotiate(ctx context.Context, id string, cam core.CameraConfig, seqBase uint64) (*Link, error) {
	creds, err := core.ResolveCredentials(cam.Credentials)
	if err != nil {
		return nil, err
	}

	sig, err := c.dialer.DialSignal(ctx, cam)
	if err != nil {
		return nil, err
	}
	msgs, ok := c.attachSignaler(id, sig)
	if !ok {
		sig.Close()
		return nil, c.closedErr(id)
	}

	kp, err := transport.NewKeyPair()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrTransportFailure, err)
	}
	offer, err := NewMessage(TypeOffer, id, OfferPayload{
		CameraID:  cam.ID,
		Kind:      string(cam.Kind),
		Address:   cam.Address,
		Username:  creds.Username,
		Password:  creds.Password,
		PublicKey: kp.PublicKey(),
		Codec:     c.cfg.Codec,
		FPS:       cam.FPS,
	})
	if err != nil {
		return nil, err
	}
	if err := sig.Send(ctx, offer); err != nil {
		return nil, err
	}
	if !c.transition(id, core.StateOfferSent, "") {
		return nil, c.closedErr(id)
	}

	answer, early, err := c.awaitAnswer(ctx, id, msgs)
	if err != nil {
		return nil, err
	}
	peer, err := transport.DecodePublicKey(answer.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrProtocolAnomaly, err)
	}
	keys, err := transport.DeriveKeys(kp, peer, id, transport.RoleOfferer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrTransportFailure, err)
	}
	if !c.transition(id, core.StateAnswerReceived, "") {
		return nil, c.closedErr(id)
	}
	if !c.transition(id, core.StateNegotiating, "") {
		return nil, c.closedErr(id)
	}

	header, err := c.dialer.MediaHeader(cam)
	if err != nil {
		return nil, fmt.Errorf("%w: media header: %v", core.ErrConnection, err)
	}
	media, err := c.connectCandidates(ctx, id, transport.DialOptions{
		SessionID: id,
		CameraID:  cam.ID,
		Keys:      keys,
		SeqBase:   seqBase,
		Header:    header,
		Dialer:    c.mediaDialer,
		Config:    c.cfg.Media,
	}, msgs, early)
	if err != nil {
		return nil, err
	}

	link := newLink(id, cam.ID, media)
	c.mu.Lock()
	e, ok := c.sessions[id]
	if !ok || e.sess.State == core.StateClosed || c.current[cam.ID] != id {
		c.mu.Unlock()
		media.Close()
		return nil, c.closedErr(id)
	}
	e.media = media
	e.link = link
	c.mu.Unlock()

	if !c.transition(id, core.StateConnected, "") {
		media.Close()
		return nil, c.closedErr(id)
	}

	go c.monitor(id, link, msgs)
	return link, nil
}

func (c *Coordinator) awaitAnswer(ctx context.Context, id string, msgs <-chan Message) (AnswerPayload, []CandidatePayload, error) {
	var early []CandidatePayload
	for {
		select {
		case <-ctx.Done():
			return AnswerPayload{}, nil, fmt.Errorf("%w: waiting answer: %v", core.ErrConnection, ctx.Err())
		case msg, ok := <-msgs:
			if !ok {
				return AnswerPayload{}, nil, c.signalLost(id)
			}
			if msg.SessionID != id {
				c.anomaly(id, "message for foreign session "+msg.SessionID)
				continue
			}
			switch msg.Type {
			case TypeAnswer:
				var ans AnswerPayload
				if err := msg.Decode(&ans); err != nil {
					return AnswerPayload{}, nil, fmt.Errorf("%w: malformed answer: %v", core.ErrProtocolAnomaly, err)
				}
				if err := ans.Validate(); err != nil {
					return AnswerPayload{}, nil, fmt.Errorf("%w: malformed answer: %v", core.ErrProtocolAnomaly, err)
				}
				return ans, early, nil
			case TypeCandidate:
				if cand, ok := c.decodeCandidate(id, msg); ok {
					early = append(early, cand)
				}
			case TypeBye:
				c.handleBye(id)
				return AnswerPayload{}, nil, ErrClosedByPeer
			default:
				c.anomaly(id, fmt.Sprintf("unexpected %q while waiting answer", msg.Type))
			}
		}
	}
}

// connectCandidates tenta os candidatos em ordem de prioridade; o primeiro
// caminho que entrega um quadro autenticado vence.
func (c *Coordinator) connectCandidates(ctx context.Context, id string, opts transport.DialOptions, msgs <-chan Message, early []CandidatePayload) (*transport.Session, error) {
	var (
		pending   []CandidatePayload
		tried     = map[string]bool{}
		lastErr   error
		endSeen   bool
		gathering = true
	)
	for _, cand := range early {
		if cand.End() {
			endSeen = true
			gathering = false
			continue
		}
		pending = append(pending, cand)
	}

	gather := time.NewTimer(c.cfg.CandidateGather)
	defer gather.Stop()

	for {
		if !gathering && len(pending) > 0 {
			sort.SliceStable(pending, func(i, j int) bool { return pending[i].Priority > pending[j].Priority })
			cand := pending[0]
			pending = pending[1:]
			if tried[cand.URL] {
				continue
			}
			tried[cand.URL] = true

			media, err := transport.Dial(ctx, cand.URL, opts)
			if err == nil {
				log.Printf("[signaling] sessão %s conectada via %s (prioridade %d)", id, cand.URL, cand.Priority)
				return media, nil
			}
			lastErr = err
			log.Printf("[signaling] sessão %s: candidato %s falhou: %v", id, cand.URL, err)
			if c.stateOf(id) == core.StateClosed {
				return nil, c.closedErr(id)
			}
			continue
		}
		if !gathering && endSeen && len(pending) == 0 {
			if lastErr == nil {
				lastErr = errors.New("no candidates")
			}
			return nil, fmt.Errorf("%w: all candidates failed: %v", core.ErrConnection, lastErr)
		}

		select {
		case <-ctx.Done():
			if lastErr != nil {
				return nil, fmt.Errorf("%w: negotiation timeout (last: %v)", core.ErrConnection, lastErr)
			}
			return nil, fmt.Errorf("%w: negotiation timeout: %v", core.ErrConnection, ctx.Err())
		case <-gather.C:
			gathering = false
		case msg, ok := <-msgs:
			if !ok {
				msgs = nil
				endSeen = true
				gathering = false
				if len(pending) == 0 {
					return nil, c.signalLost(id)
				}
				continue
			}
			if msg.SessionID != id {
				c.anomaly(id, "message for foreign session "+msg.SessionID)
				continue
			}
			switch msg.Type {
			case TypeCandidate:
				cand, ok := c.decodeCandidate(id, msg)
				if !ok {
					continue
				}
				if cand.End() {
					endSeen = true
					gathering = false
					continue
				}
				pending = append(pending, cand)
			case TypeBye:
				c.handleBye(id)
				return nil, ErrClosedByPeer
			default:
				c.anomaly(id, fmt.Sprintf("unexpected %q while negotiating", msg.Type))
			}
		}
	}
}

func (c *Coordinator) decodeCandidate(id string, msg Message) (CandidatePayload, bool) {
	var cand CandidatePayload
	if err := msg.Decode(&cand); err != nil {
		c.anomaly(id, "malformed candidate: "+err.Error())
		return cand, false
	}
	if err := cand.Validate(); err != nil {
		c.anomaly(id, err.Error())
		return cand, false
	}
	return cand, true
}

// monitor acompanha uma sessão Connected até ela cair ou ser fechada.
func (c *Coordinator) monitor(id string, link *Link, msgs <-chan Message) {
	for {
		select {
		case <-link.Media.Done():
			c.onMediaDone(id, link)
			return
		case msg, ok := <-msgs:
			if !ok {
				msgs = nil
				log.Printf("[signaling] sessão %s: canal de sinalização encerrado (mídia continua)", id)
				continue
			}
			if msg.SessionID != id {
				c.anomaly(id, "message for foreign session "+msg.SessionID)
				continue
			}
			switch msg.Type {
			case TypeBye:
				c.handleBye(id)
			case TypeCandidate:
				// candidato tardio: já existe caminho ativo
			default:
				c.anomaly(id, fmt.Sprintf("unexpected %q on connected session", msg.Type))
			}
		}
	}
}

func (c *Coordinator) onMediaDone(id string, link *Link) {
	cause := link.Media.Err()

	c.mu.Lock()
	var closeErr error
	state := core.StateClosed
	if e, ok := c.sessions[id]; ok {
		state = e.sess.State
		closeErr = e.closeErr
	}
	c.mu.Unlock()

	if state == core.StateClosed {
		if closeErr == nil {
			closeErr = ErrSessionClosed
		}
		link.finish(closeErr)
		return
	}

	if errors.Is(cause, core.ErrTransportFailure) {
		c.fail(id, cause)
		link.finish(cause)
		return
	}

	// perda de transporte
	c.transition(id, core.StateDisconnected, cause.Error())
	if !c.isEnabled(link.CameraID) {
		c.closeSession(id, fmt.Errorf("%w: camera disabled", ErrSessionClosed), true)
	}
	link.finish(cause)
}

func (c *Coordinator) handleBye(id string) {
	if c.stateOf(id) == core.StateClosed {
		c.anomaly(id, "bye on closed session")
		return
	}
	log.Printf("[signaling] sessão %s: bye recebido", id)
	c.closeSession(id, ErrClosedByPeer, false)
}

func (c *Coordinator) signalLost(id string) error {
	if c.stateOf(id) == core.StateClosed {
		return c.closedErr(id)
	}
	return fmt.Errorf("%w: signaling channel closed", core.ErrConnection)
}

// fail leva a sessão para Failed e em seguida para Closed.
func (c *Coordinator) fail(id string, cause error) {
	if c.stateOf(id) == core.StateClosed {
		return
	}
	c.transition(id, core.StateFailed, cause.Error())
	c.closeSession(id, cause, true)
}

// Close força a sessão para Closed. Idempotente.
func (c *Coordinator) Close(sessionID, reason string) {
	c.closeSession(sessionID, fmt.Errorf("%w: %s", ErrSessionClosed, reason), true)
}

// CloseCamera fecha toda sessão não terminal da câmera.
func (c *Coordinator) CloseCamera(cameraID string) {
	c.mu.Lock()
	var ids []string
	for id, e := range c.sessions {
		if e.sess.CameraID == cameraID && e.sess.State != core.StateClosed {
			ids = append(ids, id)
		}
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.Close(id, "camera removed")
	}
}

func (c *Coordinator) closeSession(id string, cause error, sendBye bool) {
	c.mu.Lock()
	e, ok := c.sessions[id]
	if !ok || e.sess.State == core.StateClosed {
		c.mu.Unlock()
		return
	}
	from := e.sess.State
	now := time.Now().UTC()
	e.sess.State = core.StateClosed
	e.sess.UpdatedAt = now
	e.sess.CloseReason = cause.Error()
	e.closeErr = cause
	if c.current[e.sess.CameraID] == id {
		delete(c.current, e.sess.CameraID)
	}
	sig, media, cancel := e.signaler, e.media, e.cancel
	close(e.closed)
	c.pruneLocked()
	c.mu.Unlock()

	log.Printf("[signaling] sessão %s: %s -> closed (%v)", id, from, cause)
	c.metrics.SessionTransition(string(from), string(core.StateClosed))

	if cancel != nil {
		cancel()
	}
	if media != nil {
		media.Close()
	}
	if sig != nil {
		if sendBye {
			if bye, err := NewMessage(TypeBye, id, ByePayload{Reason: cause.Error()}); err == nil {
				ctx, cancelBye := context.WithTimeout(context.Background(), c.cfg.ByeTimeout)
				_ = sig.Send(ctx, bye)
				cancelBye()
			}
		}
		sig.Close()
	}
}

// transition aplica from -> to se a tabela permitir. Evento em sessão
// Closed (ou transição inválida) vira anomalia, nunca erro.
func (c *Coordinator) transition(id string, to core.SessionState, reason string) bool {
	if to == core.StateClosed {
		c.closeSession(id, fmt.Errorf("%w: %s", ErrSessionClosed, reason), true)
		return true
	}

	c.mu.Lock()
	e, ok := c.sessions[id]
	if !ok {
		c.mu.Unlock()
		c.anomaly(id, "event for unknown session")
		return false
	}
	from := e.sess.State
	if !CanTransition(from, to) {
		c.mu.Unlock()
		c.anomaly(id, fmt.Sprintf("invalid transition %s -> %s", from, to))
		return false
	}
	now := time.Now().UTC()
	e.sess.State = to
	e.sess.UpdatedAt = now
	if to == core.StateConnected {
		e.sess.ConnectedAt = now
	}
	if reason != "" {
		e.sess.CloseReason = reason
	}
	c.mu.Unlock()

	if reason != "" {
		log.Printf("[signaling] sessão %s: %s -> %s (%s)", id, from, to, reason)
	} else {
		log.Printf("[signaling] sessão %s: %s -> %s", id, from, to)
	}
	c.metrics.SessionTransition(string(from), string(to))
	return true
}

func (c *Coordinator) anomaly(id, what string) {
	c.anomalies.Add(1)
	c.metrics.ProtocolAnomaly(what)
	log.Printf("[signaling] protocol anomaly (sessão %s): %s", id, what)
}

func (c *Coordinator) attachSignaler(id string, sig Signaler) (<-chan Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.sessions[id]
	if !ok || e.sess.State == core.StateClosed {
		return nil, false
	}
	e.signaler = sig
	return c.pump(id, sig, e.closed), true
}

// pump lê o Signaler numa goroutine própria e entrega no canal devolvido.
func (c *Coordinator) pump(id string, sig Signaler, stop <-chan struct{}) <-chan Message {
	ch := make(chan Message, 16)
	go func() {
		defer close(ch)
		for {
			msg, err := sig.Recv()
			if err != nil {
				if errors.Is(err, core.ErrProtocolAnomaly) {
					c.anomaly(id, err.Error())
					continue
				}
				return
			}
			select {
			case ch <- msg:
			case <-stop:
				return
			}
		}
	}()
	return ch
}

func (c *Coordinator) closedErr(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.sessions[id]; ok && e.closeErr != nil {
		return e.closeErr
	}
	return ErrSessionClosed
}

func (c *Coordinator) currentSession(cameraID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current[cameraID]
}

func (c *Coordinator) stateOf(id string) core.SessionState {
	st, _ := c.State(id)
	return st
}

// State devolve o estado atual da sessão.
func (c *Coordinator) State(sessionID string) (core.SessionState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.sessions[sessionID]
	if !ok {
		return "", false
	}
	return e.sess.State, true
}

func (c *Coordinator) Session(sessionID string) (core.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.sessions[sessionID]
	if !ok {
		return core.Session{}, false
	}
	return e.sess, true
}

// Snapshot devolve cópias de todas as sessões conhecidas, mais antigas primeiro.
func (c *Coordinator) Snapshot() []core.Session {
	c.mu.Lock()
	out := make([]core.Session, 0, len(c.sessions))
	for _, e := range c.sessions {
		out = append(out, e.sess)
	}
	c.mu.Unlock()

	slices.SortFunc(out, func(a, b core.Session) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

func (c *Coordinator) Anomalies() uint64 { return c.anomalies.Load() }

// pruneLocked descarta as sessões Closed mais antigas além do histórico.
func (c *Coordinator) pruneLocked() {
	var closed []*entry
	for _, e := range c.sessions {
		if e.sess.State == core.StateClosed {
			closed = append(closed, e)
		}
	}
	if len(closed) <= c.cfg.MaxClosedHistory {
		return
	}
	slices.SortFunc(closed, func(a, b *entry) int { return a.sess.UpdatedAt.Compare(b.sess.UpdatedAt) })
	for _, e := range closed[:len(closed)-c.cfg.MaxClosedHistory] {
		delete(c.sessions, e.sess.ID)
	}
}
