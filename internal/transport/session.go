// internal/transport/session.go
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sua-org/cam-sentinel/internal/core"
)

// ErrClosed é o motivo registrado quando a sessão foi fechada localmente.
var ErrClosed = errors.New("transport session closed")

type Config struct {
	// falhas de decodificação seguidas antes de declarar TransportFailure
	DecodeFailureThreshold int
	// sem nenhum pacote (ou pong) nesse intervalo, o link é considerado perdido
	ReadTimeout time.Duration
	// tempo máximo entre o dial e o primeiro quadro autenticado
	HandshakeTimeout time.Duration
	EventBuffer      int
	// decodifica o JPEG em image.Image (os modelos locais precisam)
	DecodeImages bool
}

func DefaultConfig() Config {
	return Config{
		DecodeFailureThreshold: 10,
		ReadTimeout:            10 * time.Second,
		HandshakeTimeout:       5 * time.Second,
		EventBuffer:            16,
		DecodeImages:           true,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DecodeFailureThreshold <= 0 {
		c.DecodeFailureThreshold = d.DecodeFailureThreshold
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = d.EventBuffer
	}
	return c
}

// Event carrega um quadro ou um marcador de lacuna, nunca os dois.
type Event struct {
	Frame *core.Frame
	Gap   *core.FrameGap
}

type Stats struct {
	Frames         uint64 `json:"frames"`
	Gaps           uint64 `json:"gaps"`
	Lost           uint64 `json:"lost"`
	DecodeFailures uint64 `json:"decode_failures"`
	Stale          uint64 `json:"stale"`
	Bytes          uint64 `json:"bytes"`
	LastSeq        uint64 `json:"last_seq"`
}

type DialOptions struct {
	SessionID string
	CameraID  string
	Keys      *Keys
	// último seq já entregue para essa câmera; os seqs da sessão nova
	// começam acima dele
	SeqBase uint64
	Header  http.Header
	Dialer  *websocket.Dialer
	Config  Config
}

// Session é o lado backend de um link de mídia cifrado.
type Session struct {
	id       string
	cameraID string
	conn     *websocket.Conn
	keys     *Keys
	cfg      Config
	seqBase  uint64

	events chan Event
	done   chan struct{}

	closeOnce sync.Once
	errMu     sync.Mutex
	err       error

	probeMu sync.Mutex
	pongs   chan struct{}

	// só a goroutine de leitura mexe nesses dois
	lastWire            uint64
	consecutiveFailures int

	lastSeq        atomic.Uint64
	frames         atomic.Uint64
	gaps           atomic.Uint64
	lost           atomic.Uint64
	decodeFailures atomic.Uint64
	stale          atomic.Uint64
	bytes          atomic.Uint64
}

// Dial abre o link de mídia anunciado por um candidato, envia o hello e
// espera o primeiro quadro autenticado. Só devolve a sessão com o caminho vivo.
func Dial(ctx context.Context, url string, opts DialOptions) (*Session, error) {
	if opts.Keys == nil {
		return nil, fmt.Errorf("%w: dial without keys", core.ErrTransportFailure)
	}
	cfg := opts.Config.withDefaults()
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	}

	conn, _, err := dialer.DialContext(ctx, url, opts.Header)
	if err != nil {
		return nil, fmt.Errorf("%w: dial media %s: %v", core.ErrConnection, url, err)
	}

	s := &Session{
		id:       opts.SessionID,
		cameraID: opts.CameraID,
		conn:     conn,
		keys:     opts.Keys,
		cfg:      cfg,
		seqBase:  opts.SeqBase,
		events:   make(chan Event, cfg.EventBuffer),
		done:     make(chan struct{}),
		pongs:    make(chan struct{}, 1),
	}
	s.lastSeq.Store(opts.SeqBase)

	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
		select {
		case s.pongs <- struct{}{}:
		default:
		}
		return nil
	})

	hello, err := s.keys.SealHello(s.id)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: seal hello: %v", core.ErrTransportFailure, err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: send hello: %v", core.ErrConnection, err)
	}

	pending, err := s.awaitFirstFrame(ctx)
	if err != nil {
		conn.Close()
		return nil, err
	}

	go s.readLoop(pending)
	return s, nil
}

func (s *Session) awaitFirstFrame(ctx context.Context) ([]Event, error) {
	deadline := time.Now().Add(s.cfg.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = s.conn.SetReadDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	var pending []Event
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: waiting first frame: %v", core.ErrConnection, err)
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		evs, err := s.process(data)
		if err != nil {
			return nil, err
		}
		pending = append(pending, evs...)
		for _, ev := range evs {
			if ev.Frame != nil {
				return pending, nil
			}
		}
	}
}

func (s *Session) readLoop(pending []Event) {
	defer close(s.events)

	for _, ev := range pending {
		if !s.emit(ev) {
			return
		}
	}

	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("[transport %s] media link lost: %v", s.cameraID, err)
			}
			s.terminate(fmt.Errorf("%w: media link: %v", core.ErrConnection, err))
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		evs, perr := s.process(data)
		for _, ev := range evs {
			if !s.emit(ev) {
				return
			}
		}
		if perr != nil {
			log.Printf("[transport %s] %v", s.cameraID, perr)
			s.terminate(perr)
			return
		}
	}
}

func (s *Session) emit(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// process abre um pacote e devolve os eventos resultantes. Erro só quando o
// limite de falhas seguidas foi atingido.
func (s *Session) process(pkt []byte) ([]Event, error) {
	s.bytes.Add(uint64(len(pkt)))

	h, env, err := s.keys.OpenPacket(pkt)
	if err != nil {
		return nil, s.decodeFailure(err)
	}
	if env.Format == FormatHello {
		return nil, nil
	}
	if h.Seq <= s.lastWire {
		s.stale.Add(1)
		return nil, nil
	}

	frame, err := s.decodeFrame(h, env)
	if err != nil {
		return nil, s.decodeFailure(err)
	}
	s.consecutiveFailures = 0

	var out []Event
	if h.Seq > s.lastWire+1 {
		gap := &core.FrameGap{
			CameraID: s.cameraID,
			From:     s.seqBase + s.lastWire + 1,
			To:       s.seqBase + h.Seq - 1,
			At:       time.Now().UTC(),
		}
		s.gaps.Add(1)
		s.lost.Add(gap.Missing())
		out = append(out, Event{Gap: gap})
	}

	s.lastWire = h.Seq
	s.lastSeq.Store(frame.Seq)
	s.frames.Add(1)
	return append(out, Event{Frame: frame}), nil
}

func (s *Session) decodeFrame(h Header, env Envelope) (*core.Frame, error) {
	if env.Format != FormatJPEG {
		return nil, fmt.Errorf("unsupported frame format %q", env.Format)
	}
	if len(env.Data) == 0 {
		return nil, errors.New("empty frame payload")
	}

	f := &core.Frame{
		CameraID:   s.cameraID,
		Seq:        s.seqBase + h.Seq,
		CapturedAt: h.CapturedAt,
		Format:     env.Format,
		Width:      env.Width,
		Height:     env.Height,
		Data:       env.Data,
	}

	if s.cfg.DecodeImages {
		img, err := jpeg.Decode(bytes.NewReader(env.Data))
		if err != nil {
			return nil, fmt.Errorf("jpeg decode: %w", err)
		}
		f.Image = img
		f.Width, f.Height = img.Bounds().Dx(), img.Bounds().Dy()
	} else if f.Width == 0 || f.Height == 0 {
		cfg, err := jpeg.DecodeConfig(bytes.NewReader(env.Data))
		if err != nil {
			return nil, fmt.Errorf("jpeg header: %w", err)
		}
		f.Width, f.Height = cfg.Width, cfg.Height
	}
	return f, nil
}

func (s *Session) decodeFailure(cause error) error {
	s.decodeFailures.Add(1)
	s.consecutiveFailures++
	if s.consecutiveFailures >= s.cfg.DecodeFailureThreshold {
		return fmt.Errorf("%w: %d consecutive decode failures (last: %v)",
			core.ErrTransportFailure, s.consecutiveFailures, cause)
	}
	return nil
}

func (s *Session) terminate(reason error) {
	s.closeOnce.Do(func() {
		s.errMu.Lock()
		s.err = reason
		s.errMu.Unlock()
		close(s.done)

		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = s.conn.Close()
	})
}

// Close encerra o link localmente. Idempotente.
func (s *Session) Close() error {
	s.terminate(ErrClosed)
	return nil
}

// Probe manda um ping e espera o pong dentro do prazo do ctx.
func (s *Session) Probe(ctx context.Context) error {
	s.probeMu.Lock()
	defer s.probeMu.Unlock()

	select {
	case <-s.pongs:
	default:
	}

	deadline := time.Now().Add(s.cfg.ReadTimeout)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := s.conn.WriteControl(websocket.PingMessage, []byte(s.id), deadline); err != nil {
		return fmt.Errorf("%w: ping: %v", core.ErrConnection, err)
	}

	select {
	case <-s.pongs:
		return nil
	case <-s.done:
		return fmt.Errorf("%w: session ended", core.ErrConnection)
	case <-ctx.Done():
		return fmt.Errorf("%w: probe: %v", core.ErrConnection, ctx.Err())
	}
}

func (s *Session) ID() string            { return s.id }
func (s *Session) CameraID() string      { return s.cameraID }
func (s *Session) Events() <-chan Event  { return s.events }
func (s *Session) Done() <-chan struct{} { return s.done }
func (s *Session) LastSeq() uint64       { return s.lastSeq.Load() }

// Err devolve o motivo do encerramento (nil enquanto a sessão está viva).
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Session) Stats() Stats {
	return Stats{
		Frames:         s.frames.Load(),
		Gaps:           s.gaps.Load(),
		Lost:           s.lost.Load(),
		DecodeFailures: s.decodeFailures.Load(),
		Stale:          s.stale.Load(),
		Bytes:          s.bytes.Load(),
		LastSeq:        s.lastSeq.Load(),
	}
}
