package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/sua-org/cam-sentinel/internal/core"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }
func newClock() *fakeClock                   { return &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)} }
func person(score float64) core.Detection    { return core.Detection{Class: "person", Score: score} }
func result(cam string, dets ...core.Detection) core.InferenceResult {
	return core.InferenceResult{CameraID: cam, ModelID: "yolo", Seq: 1, Detections: dets}
}

func TestCooldownSuppressesRepeats(t *testing.T) {
	clock := newClock()
	e := NewEvaluator(8, nil)
	e.now = clock.now
	if err := e.SetRules([]core.AlertRule{{ID: "intrusion", Class: "person", MinScore: 0.5, Cooldown: 30 * time.Second}}); err != nil {
		t.Fatal(err)
	}

	if evs := e.Evaluate(result("cam", person(0.9))); len(evs) != 1 {
		t.Fatalf("first result: %d events", len(evs))
	}
	clock.advance(10 * time.Second)
	if evs := e.Evaluate(result("cam", person(0.8))); len(evs) != 0 {
		t.Fatalf("within cooldown: %d events", len(evs))
	}
	// outra câmera tem cooldown próprio
	if evs := e.Evaluate(result("cam-2", person(0.8))); len(evs) != 1 {
		t.Fatalf("other camera: %d events", len(evs))
	}
	clock.advance(21 * time.Second)
	evs := e.Evaluate(result("cam", person(0.7)))
	if len(evs) != 1 {
		t.Fatalf("after cooldown: %d events", len(evs))
	}
	if evs[0].RuleID != "intrusion" || evs[0].CameraID != "cam" || evs[0].ID == "" || !evs[0].Timestamp.Equal(clock.t) {
		t.Fatalf("event = %+v", evs[0])
	}

	st := e.Stats()
	if st.Matched != 4 || st.Suppressed != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestRuleScopeAndPredicate(t *testing.T) {
	e := NewEvaluator(8, nil)
	rules := []core.AlertRule{
		{ID: "crowd", Class: "person", MinScore: 0.5, MinCount: 3},
		{ID: "gate", Cameras: []string{"gate"}, Models: []string{"yolo"}, Class: "car", MinScore: 0.6},
	}
	if err := e.SetRules(rules); err != nil {
		t.Fatal(err)
	}

	if evs := e.Evaluate(result("lobby", person(0.9), person(0.9), person(0.4))); len(evs) != 0 {
		t.Fatalf("two qualifying persons fired %+v", evs)
	}
	evs := e.Evaluate(result("lobby", person(0.9), person(0.6), person(0.5), core.Detection{Class: "car", Score: 1}))
	if len(evs) != 1 || evs[0].RuleID != "crowd" || len(evs[0].Detections) != 3 {
		t.Fatalf("crowd events = %+v", evs)
	}

	car := core.Detection{Class: "car", Score: 0.7}
	if evs := e.Evaluate(result("lobby", car)); len(evs) != 0 {
		t.Fatalf("gate rule fired outside its camera")
	}
	other := core.InferenceResult{CameraID: "gate", ModelID: "motion", Detections: []core.Detection{car}}
	if evs := e.Evaluate(other); len(evs) != 0 {
		t.Fatalf("gate rule fired for another model")
	}
	if evs := e.Evaluate(result("gate", car)); len(evs) != 1 || evs[0].RuleID != "gate" {
		t.Fatalf("gate events = %+v", evs)
	}
}

func TestSetRulesValidation(t *testing.T) {
	e := NewEvaluator(1, nil)
	bad := [][]core.AlertRule{
		{{ID: "", Class: "person"}},
		{{ID: "a"}},
		{{ID: "a", Class: "x", MinScore: 1.5}},
		{{ID: "a", Class: "x", Cooldown: -time.Second}},
		{{ID: "a", Class: "x"}, {ID: "a", Class: "y"}},
	}
	for i, rules := range bad {
		if err := e.SetRules(rules); !errors.Is(err, core.ErrConfigInvalid) {
			t.Fatalf("case %d: err = %v", i, err)
		}
	}
}

func TestFullDeliveryQueueDropsWithoutBlocking(t *testing.T) {
	e := NewEvaluator(1, nil)
	_ = e.SetRules([]core.AlertRule{{ID: "r", Class: "person"}})

	results := make(chan core.InferenceResult, 3)
	results <- result("a", person(1))
	results <- result("b", person(1))
	results <- result("c", person(1))
	close(results)

	done := make(chan struct{})
	go func() {
		e.Run(context.Background(), results)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("evaluator blocked on full delivery queue")
	}

	st := e.Stats()
	if st.Emitted != 1 || st.Dropped != 2 {
		t.Fatalf("stats = %+v", st)
	}
	ev, ok := <-e.Events()
	if !ok || ev.CameraID != "a" {
		t.Fatalf("queued event = %+v", ev)
	}
	if _, ok := <-e.Events(); ok {
		t.Fatal("events should be closed after Run")
	}
}

type recordingSink struct {
	mu    sync.Mutex
	fails int
	calls int
	got   []core.AlertEvent
}

func (s *recordingSink) Enqueue(ctx context.Context, ev core.AlertEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.fails {
		return errors.New("downstream unavailable")
	}
	s.got = append(s.got, ev)
	return nil
}

func (s *recordingSink) Close() error { return nil }

type memStore struct {
	keys []string
	err  error
}

func (m *memStore) SaveSnapshot(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.keys = append(m.keys, key)
	return "http://minio/alerts/" + key, nil
}

func fastDelivery() DeliveryConfig {
	return DeliveryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestDeliveryRetriesWithBackoff(t *testing.T) {
	sink := &recordingSink{fails: 2}
	store := &memStore{}
	d := NewDelivery(sink, store, fastDelivery(), nil)

	ev := core.AlertEvent{ID: "ev1", RuleID: "r", CameraID: "cam", Timestamp: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), Snapshot: []byte{0xFF, 0xD8}}
	if err := d.Deliver(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	if sink.calls != 3 || len(sink.got) != 1 {
		t.Fatalf("calls = %d got = %d", sink.calls, len(sink.got))
	}
	if got := sink.got[0].SnapshotURL; got != "http://minio/alerts/alerts/cam/2024/05/01/ev1.jpg" {
		t.Fatalf("snapshot url = %q", got)
	}
	if st := d.Stats(); st.Delivered != 1 || st.Retries != 2 || st.Snapshots != 1 {
		t.Fatalf("stats = %+v", st)
	}

	sink = &recordingSink{fails: 10}
	d = NewDelivery(sink, &memStore{err: errors.New("minio down")}, fastDelivery(), nil)
	err := d.Deliver(context.Background(), ev)
	if !errors.Is(err, core.ErrAlertDelivery) || sink.calls != 3 {
		t.Fatalf("err = %v calls = %d", err, sink.calls)
	}
	if st := d.Stats(); st.Failed != 1 || st.Snapshots != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestDeliveryRunDrainsQueue(t *testing.T) {
	sink := &recordingSink{}
	d := NewDelivery(sink, nil, fastDelivery(), nil)
	events := make(chan core.AlertEvent, 2)
	events <- core.AlertEvent{ID: "1"}
	events <- core.AlertEvent{ID: "2"}
	close(events)
	d.Run(context.Background(), events)
	if len(sink.got) != 2 || sink.got[0].ID != "1" || sink.got[1].ID != "2" {
		t.Fatalf("got = %+v", sink.got)
	}
}

type fakePublisher struct {
	topic   string
	payload []byte
	err     error
}

func (p *fakePublisher) Publish(topic string, qos byte, retained bool, payload []byte) error {
	p.topic, p.payload = topic, payload
	return p.err
}

func TestMQTTSink(t *testing.T) {
	pub := &fakePublisher{}
	s := NewMQTTSink(pub, "sentinel/cameras/")
	ev := core.AlertEvent{ID: "e", RuleID: "r", CameraID: "cam-7", Snapshot: []byte("jpeg")}
	if err := s.Enqueue(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	if pub.topic != "sentinel/cameras/cam-7/alerts" {
		t.Fatalf("topic = %q", pub.topic)
	}
	var decoded map[string]any
	if err := json.Unmarshal(pub.payload, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["rule_id"] != "r" || decoded["camera_id"] != "cam-7" || strings.Contains(string(pub.payload), "anBlZw") {
		t.Fatalf("payload = %s", pub.payload)
	}

	pub.err = errors.New("not connected")
	if err := s.Enqueue(context.Background(), ev); !errors.Is(err, core.ErrAlertDelivery) {
		t.Fatalf("err = %v", err)
	}
}

func TestKafkaSink(t *testing.T) {
	producer := mocks.NewSyncProducer(t, sarama.NewConfig())
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var ev core.AlertEvent
		if err := json.Unmarshal(val, &ev); err != nil {
			return err
		}
		if ev.ID != "k1" || ev.CameraID != "cam" {
			return errors.New("unexpected event " + string(val))
		}
		return nil
	})
	producer.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)

	s := NewKafkaSinkWithProducer(producer, "alerts")
	if err := s.Enqueue(context.Background(), core.AlertEvent{ID: "k1", CameraID: "cam"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Enqueue(context.Background(), core.AlertEvent{ID: "k2", CameraID: "cam"}); !errors.Is(err, core.ErrAlertDelivery) {
		t.Fatalf("err = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestFanoutJoinsErrors(t *testing.T) {
	ok := &recordingSink{}
	bad := &recordingSink{fails: 1}
	f := Fanout{ok, bad, LogSink{}}
	err := f.Enqueue(context.Background(), core.AlertEvent{ID: "x"})
	if err == nil || len(ok.got) != 1 {
		t.Fatalf("err = %v ok = %d", err, len(ok.got))
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
}
