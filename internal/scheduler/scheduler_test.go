package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sua-org/cam-sentinel/internal/core"
	"github.com/sua-org/cam-sentinel/internal/models"
)

func frame(cam string, seq uint64) *core.Frame {
	return &core.Frame{CameraID: cam, Seq: seq, CapturedAt: time.Now()}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting %s", what)
}

func statsOf(s *Scheduler, model string) PoolStats {
	for _, st := range s.Stats() {
		if st.Model == model {
			return st
		}
	}
	return PoolStats{}
}

func TestSubmitRejectsUnderOverload(t *testing.T) {
	s := New(256, nil)
	m := models.NewSleep(models.Config{ID: "m", Latency: 50 * time.Millisecond})
	if err := s.Register(m, PoolConfig{Workers: 1, QueueSize: 10}); err != nil {
		t.Fatal(err)
	}

	var accepted, rejected int
	var slowest time.Duration
	for seq := uint64(1); seq <= 100; seq++ {
		start := time.Now()
		a := s.Submit("m", frame("x", seq))
		if d := time.Since(start); d > slowest {
			slowest = d
		}
		if a.Accepted {
			accepted++
		} else {
			if !errors.Is(a.Reason, core.ErrOverloaded) || a.String() != "overloaded" {
				t.Fatalf("rejection reason = %v", a.Reason)
			}
			rejected++
		}
		time.Sleep(time.Millisecond)
	}

	if rejected < 70 || rejected > 95 {
		t.Fatalf("rejected = %d of 100, accepted = %d", rejected, accepted)
	}
	if slowest > 20*time.Millisecond {
		t.Fatalf("Submit blocked for %s", slowest)
	}

	var last uint64
	for i := 0; i < accepted; i++ {
		select {
		case r := <-s.Results():
			if r.Seq <= last {
				t.Fatalf("ordering violation: %d after %d", r.Seq, last)
			}
			last = r.Seq
			if r.ModelID != "m" || r.CameraID != "x" || r.Frame == nil {
				t.Fatalf("unexpected result %+v", r)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timeout waiting result %d/%d", i+1, accepted)
		}
	}

	st := statsOf(s, "m")
	if st.Submitted != 100 || st.Accepted != uint64(accepted) || st.Rejected != uint64(rejected) || st.Completed != uint64(accepted) {
		t.Fatalf("stats = %+v", st)
	}
	if st.AvgLatency < 40*time.Millisecond {
		t.Fatalf("avg latency = %s", st.AvgLatency)
	}
	s.Close()
}

func TestAdmissionWait(t *testing.T) {
	s := New(16, nil)
	defer s.Close()
	_ = s.Register(models.NewSleep(models.Config{ID: "patient", Latency: 30 * time.Millisecond}),
		PoolConfig{Workers: 1, QueueSize: 0, AdmissionWait: 200 * time.Millisecond})
	_ = s.Register(models.NewSleep(models.Config{ID: "hasty", Latency: 300 * time.Millisecond}),
		PoolConfig{Workers: 1, QueueSize: 0, AdmissionWait: 10 * time.Millisecond})

	if a := s.Submit("patient", frame("c", 1)); !a.Accepted {
		t.Fatalf("first patient: %v", a.Reason)
	}
	if a := s.Submit("patient", frame("c", 2)); !a.Accepted {
		t.Fatalf("second patient should wait for the worker: %v", a.Reason)
	}

	if a := s.Submit("hasty", frame("c", 1)); !a.Accepted {
		t.Fatalf("first hasty: %v", a.Reason)
	}
	start := time.Now()
	a := s.Submit("hasty", frame("c", 2))
	if a.Accepted || !errors.Is(a.Reason, core.ErrOverloaded) {
		t.Fatalf("second hasty = %+v", a)
	}
	if d := time.Since(start); d > 150*time.Millisecond {
		t.Fatalf("rejection took %s", d)
	}
}

// flaky falha enquanto broken estiver ligado; conta os Reset.
type flaky struct {
	broken atomic.Bool
	resets atomic.Int32
}

func (f *flaky) ID() string { return "flaky" }

func (f *flaky) Infer(ctx context.Context, fr *core.Frame) (models.Result, error) {
	if f.broken.Load() {
		panic("boom")
	}
	return models.Result{Detections: []core.Detection{{Class: "ok", Score: 1}}}, nil
}

func (f *flaky) Reset() error {
	f.resets.Add(1)
	f.broken.Store(false)
	return nil
}

func TestWorkerRecycledAfterRepeatedFaults(t *testing.T) {
	s := New(16, nil)
	defer s.Close()
	m := &flaky{}
	m.broken.Store(true)
	if err := s.Register(m, PoolConfig{Workers: 1, QueueSize: 8, FaultThreshold: 2}); err != nil {
		t.Fatal(err)
	}

	for seq := uint64(1); seq <= 3; seq++ {
		if a := s.Submit("flaky", frame("c", seq)); !a.Accepted {
			t.Fatalf("submit %d: %v", seq, a.Reason)
		}
	}
	waitFor(t, "recycle", func() bool { return statsOf(s, "flaky").Recycles == 1 })
	if m.resets.Load() != 1 {
		t.Fatalf("resets = %d", m.resets.Load())
	}
	if st := statsOf(s, "flaky"); st.Faults != 3 || st.Completed != 0 {
		t.Fatalf("stats = %+v", st)
	}

	// o worker novo segue atendendo
	if a := s.Submit("flaky", frame("c", 4)); !a.Accepted {
		t.Fatalf("submit after recycle: %v", a.Reason)
	}
	select {
	case r := <-s.Results():
		if r.Seq != 4 || len(r.Detections) != 1 {
			t.Fatalf("result = %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no result after recycle")
	}
}

func TestSingleFaultDoesNotRecycle(t *testing.T) {
	s := New(16, nil)
	defer s.Close()
	_ = s.Register(models.NewSleep(models.Config{ID: "bad", FaultRate: 1}), PoolConfig{Workers: 1, QueueSize: 4, FaultThreshold: 3})
	_ = s.Submit("bad", frame("c", 1))
	waitFor(t, "fault", func() bool { return statsOf(s, "bad").Faults == 1 })
	if st := statsOf(s, "bad"); st.Recycles != 0 {
		t.Fatalf("stats = %+v", st)
	}
	select {
	case r := <-s.Results():
		t.Fatalf("faulty frame produced result %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDiscardRemovedCamera(t *testing.T) {
	s := New(16, nil)
	defer s.Close()
	s.SetDiscarder(func(cameraID string) bool { return cameraID == "gone" })
	_ = s.Register(models.NewSleep(models.Config{ID: "m"}), PoolConfig{Workers: 1, QueueSize: 4})

	_ = s.Submit("m", frame("gone", 1))
	_ = s.Submit("m", frame("kept", 1))

	select {
	case r := <-s.Results():
		if r.CameraID != "kept" {
			t.Fatalf("result for %s", r.CameraID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no result")
	}
	if st := statsOf(s, "m"); st.Discarded != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestSubmitUnknownAndClosed(t *testing.T) {
	s := New(4, nil)
	_ = s.Register(models.NewSleep(models.Config{ID: "m"}), PoolConfig{})
	if err := s.Register(models.NewSleep(models.Config{ID: "m"}), PoolConfig{}); !errors.Is(err, core.ErrConfigInvalid) {
		t.Fatalf("duplicate register err = %v", err)
	}

	a := s.Submit("nope", frame("c", 1))
	if a.Accepted || !errors.Is(a.Reason, ErrUnknownModel) || a.String() != "unknown_model" {
		t.Fatalf("unknown = %+v", a)
	}

	s.Close()
	a = s.Submit("m", frame("c", 1))
	if a.Accepted || !errors.Is(a.Reason, ErrClosed) {
		t.Fatalf("closed = %+v", a)
	}
	if _, ok := <-s.Results(); ok {
		t.Fatal("results should be closed")
	}
	s.Close()
}
