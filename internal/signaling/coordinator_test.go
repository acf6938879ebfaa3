package signaling

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sua-org/cam-sentinel/internal/core"
	"github.com/sua-org/cam-sentinel/internal/transport"
)

// pipe é um canal de sinalização em memória; fechar qualquer ponta fecha os dois.
type pipe struct {
	in     <-chan Message
	out    chan<- Message
	closed chan struct{}
	once   *sync.Once
}

func newPipe() (*pipe, *pipe) {
	a2b := make(chan Message, 32)
	b2a := make(chan Message, 32)
	closed := make(chan struct{})
	once := &sync.Once{}
	return &pipe{in: b2a, out: a2b, closed: closed, once: once},
		&pipe{in: a2b, out: b2a, closed: closed, once: once}
}

func (p *pipe) Send(ctx context.Context, msg Message) error {
	select {
	case <-p.closed:
		return errors.New("pipe closed")
	default:
	}
	select {
	case p.out <- msg:
		return nil
	case <-p.closed:
		return errors.New("pipe closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipe) Recv() (Message, error) {
	select {
	case m := <-p.in:
		return m, nil
	case <-p.closed:
		return Message{}, errors.New("pipe closed")
	}
}

func (p *pipe) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

type pipeDialer struct {
	edges chan *pipe
}

func newPipeDialer() *pipeDialer { return &pipeDialer{edges: make(chan *pipe, 4)} }

func (d *pipeDialer) DialSignal(ctx context.Context, cam core.CameraConfig) (Signaler, error) {
	backend, edge := newPipe()
	d.edges <- edge
	return backend, nil
}

func (d *pipeDialer) MediaHeader(core.CameraConfig) (http.Header, error) { return http.Header{}, nil }

// fakeEdge responde ofertas e serve o link de mídia.
type fakeEdge struct {
	t     *testing.T
	media *httptest.Server

	mu      sync.Mutex
	keys    map[string]*transport.Keys
	frames  int
	stop    chan struct{}
	stopped bool
}

func newFakeEdge(t *testing.T, frames int) *fakeEdge {
	e := &fakeEdge{t: t, keys: map[string]*transport.Keys{}, frames: frames, stop: make(chan struct{})}
	up := websocket.Upgrader{}
	img := image.NewGray(image.Rect(0, 0, 16, 16))
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("jpeg.Encode: %v", err)
	}
	data := buf.Bytes()

	e.media = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sid := strings.TrimPrefix(r.URL.Path, "/media/")
		e.mu.Lock()
		keys := e.keys[sid]
		e.mu.Unlock()
		if keys == nil {
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		snd, err := transport.Accept(conn, keys, sid, 2*time.Second)
		if err != nil {
			conn.Close()
			return
		}
		for i := 0; i < e.frames; i++ {
			if _, err := snd.Send(time.Now(), transport.Envelope{Format: transport.FormatJPEG, Data: data}); err != nil {
				return
			}
		}
		select {
		case <-snd.Closed():
		case <-e.stop:
			snd.Close()
		}
	}))
	t.Cleanup(func() {
		e.dropMedia()
		e.media.Close()
	})
	return e
}

// dropMedia derruba os links de mídia ativos (perda de transporte).
func (e *fakeEdge) dropMedia() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.stopped {
		e.stopped = true
		close(e.stop)
	}
}

func (e *fakeEdge) mediaURL(sid string) string {
	return "ws" + strings.TrimPrefix(e.media.URL, "http") + "/media/" + sid
}

func (e *fakeEdge) readOffer(sig *pipe) (Message, OfferPayload) {
	e.t.Helper()
	msg, err := sig.Recv()
	if err != nil {
		e.t.Errorf("edge Recv: %v", err)
		return Message{}, OfferPayload{}
	}
	var offer OfferPayload
	if err := msg.Decode(&offer); err != nil || msg.Type != TypeOffer {
		e.t.Errorf("expected offer, got %s (%v)", msg.Type, err)
	}
	return msg, offer
}

// answer deriva as chaves do lado edge e responde.
func (e *fakeEdge) answer(sig *pipe, sid string, offer OfferPayload) {
	kp, _ := transport.NewKeyPair()
	peer, err := transport.DecodePublicKey(offer.PublicKey)
	if err != nil {
		e.t.Errorf("offer key: %v", err)
		return
	}
	keys, err := transport.DeriveKeys(kp, peer, sid, transport.RoleAnswerer)
	if err != nil {
		e.t.Errorf("DeriveKeys: %v", err)
		return
	}
	e.mu.Lock()
	e.keys[sid] = keys
	e.mu.Unlock()

	msg, _ := NewMessage(TypeAnswer, sid, AnswerPayload{PublicKey: kp.PublicKey(), Width: 16, Height: 16, FPS: 15})
	sig.Send(context.Background(), msg)
}

func (e *fakeEdge) candidate(sig *pipe, sid, url string, prio int) {
	msg, _ := NewMessage(TypeCandidate, sid, CandidatePayload{Transport: "ws", URL: url, Priority: prio})
	sig.Send(context.Background(), msg)
}

func (e *fakeEdge) endCandidates(sig *pipe, sid string) {
	msg, _ := NewMessage(TypeCandidate, sid, CandidatePayload{})
	sig.Send(context.Background(), msg)
}

// serve atende uma negociação completa, no estilo do agente edge.
func (e *fakeEdge) serve(sig *pipe) string {
	msg, offer := e.readOffer(sig)
	e.answer(sig, msg.SessionID, offer)
	e.candidate(sig, msg.SessionID, e.mediaURL(msg.SessionID), 10)
	e.endCandidates(sig, msg.SessionID)
	return msg.SessionID
}

func testCamera(id string) core.CameraConfig {
	return core.CameraConfig{
		ID:        id,
		Kind:      core.KindSynthetic,
		Address:   "bars",
		SignalURL: "ws://edge.invalid/signal",
		Enabled:   true,
	}
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.NegotiationTimeout = 3 * time.Second
	cfg.CandidateGather = 20 * time.Millisecond
	cfg.Media.HandshakeTimeout = time.Second
	return cfg
}

func TestStateMachineClosedIsTerminal(t *testing.T) {
	all := []core.SessionState{
		core.StateNew, core.StateOfferSent, core.StateAnswerReceived, core.StateNegotiating,
		core.StateConnected, core.StateDisconnected, core.StateFailed, core.StateClosed,
	}
	for _, to := range all {
		if CanTransition(core.StateClosed, to) {
			t.Fatalf("Closed -> %s must not be allowed", to)
		}
	}

	// todo estado alcançável a partir de New consegue chegar em Closed
	reach := map[core.SessionState]bool{core.StateNew: true}
	queue := []core.SessionState{core.StateNew}
	for len(queue) > 0 {
		s := queue[0]
		queue = queue[1:]
		for _, n := range transitions[s] {
			if !reach[n] {
				reach[n] = true
				queue = append(queue, n)
			}
		}
	}
	if !reach[core.StateConnected] {
		t.Fatal("Connected must be reachable from New")
	}
	for s := range reach {
		if s != core.StateClosed && !CanTransition(s, core.StateClosed) && !CanTransition(s, core.StateFailed) {
			t.Fatalf("state %s cannot progress towards Closed", s)
		}
	}
	if !CanTransition(core.StateFailed, core.StateClosed) || !CanTransition(core.StateDisconnected, core.StateClosed) {
		t.Fatal("Failed and Disconnected must lead to Closed")
	}
}

func TestNegotiateConnects(t *testing.T) {
	dialer := newPipeDialer()
	edge := newFakeEdge(t, 3)
	coord := NewCoordinator(dialer, fastConfig(), nil)

	go func() { edge.serve(<-dialer.edges) }()

	link, err := coord.Negotiate(context.Background(), testCamera("cam-1"), 0)
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	defer coord.Close(link.SessionID, "test done")

	if st, _ := coord.State(link.SessionID); st != core.StateConnected {
		t.Fatalf("state = %s, want connected", st)
	}

	for want := uint64(1); want <= 3; want++ {
		select {
		case ev := <-link.Media.Events():
			if ev.Frame == nil || ev.Frame.Seq != want {
				t.Fatalf("unexpected event %+v, want frame %d", ev, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting frame %d", want)
		}
	}
}

func TestMalformedAnswerFailsAndCloses(t *testing.T) {
	dialer := newPipeDialer()
	coord := NewCoordinator(dialer, fastConfig(), nil)

	go func() {
		sig := <-dialer.edges
		msg, _ := sig.Recv()
		bad, _ := NewMessage(TypeAnswer, msg.SessionID, AnswerPayload{PublicKey: "not-a-key"})
		sig.Send(context.Background(), bad)
	}()

	_, err := coord.Negotiate(context.Background(), testCamera("cam-1"), 0)
	if !errors.Is(err, core.ErrProtocolAnomaly) {
		t.Fatalf("Negotiate err = %v, want ErrProtocolAnomaly", err)
	}
	sessions := coord.Snapshot()
	if len(sessions) != 1 || sessions[0].State != core.StateClosed {
		t.Fatalf("expected single closed session, got %+v", sessions)
	}
}

func TestByeWhileNegotiatingCloses(t *testing.T) {
	dialer := newPipeDialer()
	edge := newFakeEdge(t, 0)
	coord := NewCoordinator(dialer, fastConfig(), nil)

	go func() {
		sig := <-dialer.edges
		msg, offer := edge.readOffer(sig)
		edge.answer(sig, msg.SessionID, offer)
		bye, _ := NewMessage(TypeBye, msg.SessionID, ByePayload{Reason: "camera busy"})
		sig.Send(context.Background(), bye)
	}()

	start := time.Now()
	_, err := coord.Negotiate(context.Background(), testCamera("cam-1"), 0)
	if !errors.Is(err, ErrClosedByPeer) {
		t.Fatalf("Negotiate err = %v, want ErrClosedByPeer", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("bye must close immediately, took %s", time.Since(start))
	}
	sessions := coord.Snapshot()
	if len(sessions) != 1 || sessions[0].State != core.StateClosed {
		t.Fatalf("expected closed session, got %+v", sessions)
	}
}

func TestNewNegotiationClosesPrior(t *testing.T) {
	dialer := newPipeDialer()
	edge := newFakeEdge(t, 1)
	coord := NewCoordinator(dialer, fastConfig(), nil)

	go func() {
		for i := 0; i < 2; i++ {
			edge.serve(<-dialer.edges)
		}
	}()

	first, err := coord.Negotiate(context.Background(), testCamera("cam-1"), 0)
	if err != nil {
		t.Fatalf("Negotiate #1: %v", err)
	}
	second, err := coord.Negotiate(context.Background(), testCamera("cam-1"), first.Media.LastSeq())
	if err != nil {
		t.Fatalf("Negotiate #2: %v", err)
	}
	defer coord.Close(second.SessionID, "test done")

	select {
	case <-first.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("first link not finished")
	}
	if !errors.Is(first.Err(), ErrSessionClosed) {
		t.Fatalf("first.Err() = %v, want ErrSessionClosed", first.Err())
	}

	connected := 0
	for _, s := range coord.Snapshot() {
		if s.State == core.StateConnected {
			connected++
		}
	}
	if connected != 1 {
		t.Fatalf("connected sessions = %d, want 1", connected)
	}
	if st, _ := coord.State(first.SessionID); st != core.StateClosed {
		t.Fatalf("first state = %s, want closed", st)
	}
}

func TestTransportLossDisconnectsOrCloses(t *testing.T) {
	for _, enabled := range []bool{true, false} {
		dialer := newPipeDialer()
		edge := newFakeEdge(t, 1)
		coord := NewCoordinator(dialer, fastConfig(), nil)
		coord.SetEnabledFunc(func(string) bool { return enabled })

		go func() { edge.serve(<-dialer.edges) }()

		link, err := coord.Negotiate(context.Background(), testCamera("cam-1"), 0)
		if err != nil {
			t.Fatalf("Negotiate: %v", err)
		}
		edge.dropMedia()

		select {
		case <-link.Done():
		case <-time.After(3 * time.Second):
			t.Fatal("link not finished after transport loss")
		}
		if !errors.Is(link.Err(), core.ErrConnection) {
			t.Fatalf("link.Err() = %v, want ErrConnection", link.Err())
		}

		want := core.StateDisconnected
		if !enabled {
			want = core.StateClosed
		}
		if st, _ := coord.State(link.SessionID); st != want {
			t.Fatalf("enabled=%v: state = %s, want %s", enabled, st, want)
		}
		coord.CloseCamera("cam-1")
		if st, _ := coord.State(link.SessionID); st != core.StateClosed {
			t.Fatalf("CloseCamera must close session, got %s", st)
		}
	}
}

func TestUnknownMessageIsAnomaly(t *testing.T) {
	dialer := newPipeDialer()
	edge := newFakeEdge(t, 1)
	coord := NewCoordinator(dialer, fastConfig(), nil)

	go func() {
		sig := <-dialer.edges
		msg, offer := edge.readOffer(sig)
		sig.Send(context.Background(), Message{Type: "renegotiate", SessionID: msg.SessionID})
		edge.answer(sig, msg.SessionID, offer)
		edge.candidate(sig, msg.SessionID, edge.mediaURL(msg.SessionID), 1)
		edge.endCandidates(sig, msg.SessionID)
	}()

	link, err := coord.Negotiate(context.Background(), testCamera("cam-1"), 0)
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	defer coord.Close(link.SessionID, "test done")
	if coord.Anomalies() != 1 {
		t.Fatalf("anomalies = %d, want 1", coord.Anomalies())
	}
}

func TestCandidatesTriedByPriority(t *testing.T) {
	dialer := newPipeDialer()
	edge := newFakeEdge(t, 1)
	coord := NewCoordinator(dialer, fastConfig(), nil)

	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := "ws" + strings.TrimPrefix(dead.URL, "http") + "/media/x"
	dead.Close()

	go func() {
		sig := <-dialer.edges
		msg, offer := edge.readOffer(sig)
		edge.answer(sig, msg.SessionID, offer)
		edge.candidate(sig, msg.SessionID, edge.mediaURL(msg.SessionID), 1)
		edge.candidate(sig, msg.SessionID, deadURL, 100)
		edge.endCandidates(sig, msg.SessionID)
	}()

	link, err := coord.Negotiate(context.Background(), testCamera("cam-1"), 0)
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	coord.Close(link.SessionID, "test done")

	select {
	case <-link.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("link not finished after Close")
	}
	if st, _ := coord.State(link.SessionID); st != core.StateClosed {
		t.Fatalf("state after Close = %s", st)
	}
	// evento em sessão fechada é no-op
	before := coord.Anomalies()
	if coord.transition(link.SessionID, core.StateConnected, "") {
		t.Fatal("transition from Closed must be refused")
	}
	if coord.Anomalies() != before+1 {
		t.Fatal("event on closed session must count as anomaly")
	}
}

func TestAllCandidatesFail(t *testing.T) {
	dialer := newPipeDialer()
	edge := newFakeEdge(t, 0)
	coord := NewCoordinator(dialer, fastConfig(), nil)

	go func() {
		sig := <-dialer.edges
		msg, offer := edge.readOffer(sig)
		edge.answer(sig, msg.SessionID, offer)
		edge.candidate(sig, msg.SessionID, "ws://127.0.0.1:1/media/x", 1)
		edge.endCandidates(sig, msg.SessionID)
	}()

	_, err := coord.Negotiate(context.Background(), testCamera("cam-1"), 0)
	if !errors.Is(err, core.ErrConnection) {
		t.Fatalf("Negotiate err = %v, want ErrConnection", err)
	}
	if s := coord.Snapshot(); len(s) != 1 || s[0].State != core.StateClosed {
		t.Fatalf("expected closed session, got %+v", s)
	}
}
