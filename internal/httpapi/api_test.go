package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"

	"github.com/sua-org/cam-sentinel/internal/alerts"
	"github.com/sua-org/cam-sentinel/internal/core"
	"github.com/sua-org/cam-sentinel/internal/router"
)

// memCameras imita o registro do supervisor sem subir sessões.
type memCameras struct {
	mu   sync.Mutex
	cams map[string]core.CameraSource
}

func newMemCameras() *memCameras {
	return &memCameras{cams: make(map[string]core.CameraSource)}
}

func (m *memCameras) RegisterCamera(cfg core.CameraConfig) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cams[cfg.ID]; ok {
		return "", fmt.Errorf("%w: duplicate camera %s", core.ErrConfigInvalid, cfg.ID)
	}
	health := core.HealthConnecting
	if !cfg.Enabled {
		health = core.HealthDisabled
	}
	m.cams[cfg.ID] = core.CameraSource{Config: cfg, Health: health}
	return cfg.ID, nil
}

func (m *memCameras) UpdateCamera(cfg core.CameraConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.cams[cfg.ID]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrUnknownCamera, cfg.ID)
	}
	src.Config = cfg
	m.cams[cfg.ID] = src
	return nil
}

func (m *memCameras) UnregisterCamera(id string) {
	m.mu.Lock()
	delete(m.cams, id)
	m.mu.Unlock()
}

func (m *memCameras) SetEnabled(id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.cams[id]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrUnknownCamera, id)
	}
	src.Config.Enabled = enabled
	if enabled {
		src.Health = core.HealthConnecting
	} else {
		src.Health = core.HealthDisabled
	}
	m.cams[id] = src
	return nil
}

func (m *memCameras) Cameras() []core.CameraSource {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.CameraSource, 0, len(m.cams))
	for _, c := range m.cams {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Config.ID < out[j].Config.ID })
	return out
}

func (m *memCameras) Camera(id string) (core.CameraSource, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cams[id]
	return c, ok
}

type staticModels []string

func (s staticModels) Models() []string { return s }

type staticSessions []core.Session

func (s staticSessions) Snapshot() []core.Session { return append([]core.Session(nil), s...) }

type recordingPersist struct {
	mu       sync.Mutex
	saved    []string
	deleted  []string
	bindings []string
}

func (p *recordingPersist) SaveCamera(_ context.Context, cfg core.CameraConfig) error {
	p.mu.Lock()
	p.saved = append(p.saved, fmt.Sprintf("%s:%v", cfg.ID, cfg.Enabled))
	p.mu.Unlock()
	return nil
}

func (p *recordingPersist) DeleteCamera(_ context.Context, id string) error {
	p.mu.Lock()
	p.deleted = append(p.deleted, id)
	p.mu.Unlock()
	return nil
}

func (p *recordingPersist) SaveBinding(_ context.Context, b core.ModelBinding, bound bool) error {
	p.mu.Lock()
	p.bindings = append(p.bindings, fmt.Sprintf("%s/%s:%v", b.CameraID, b.ModelID, bound))
	p.mu.Unlock()
	return nil
}

type fixture struct {
	srv     *httptest.Server
	cams    *memCameras
	router  *router.Router
	persist *recordingPersist
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		cams:    newMemCameras(),
		router:  router.New(nil, 4, nil),
		persist: &recordingPersist{},
	}
	t.Cleanup(f.router.Close)

	api := New(Deps{
		Cameras:  f.cams,
		Bindings: f.router,
		Models:   staticModels{"motion", "blind"},
		Sessions: staticSessions{
			{ID: "s1", CameraID: "lab", State: core.StateConnected},
			{ID: "s2", CameraID: "dock", State: core.StateClosed},
		},
		Rules:   alerts.NewEvaluator(4, nil),
		Persist: f.persist,
		Stats: map[string]func() any{
			"router": func() any { return f.router.Stats() },
		},
	})
	f.srv = httptest.NewServer(api.Handler())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("%s %s: status %d, want %d", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, want)
	}
}

var labCamera = core.CameraConfig{
	ID:        "lab",
	Kind:      "SYNTHETIC",
	Address:   "moving",
	SignalURL: "ws://edge:8090/signal",
	Enabled:   true,
}

func TestCameraLifecycle(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/v1/cameras", labCamera)
	expectStatus(t, resp, http.StatusCreated)
	created := decodeBody[core.CameraSource](t, resp)
	if created.Config.Kind != core.KindSynthetic || created.Health != core.HealthConnecting {
		t.Fatalf("created = %+v", created)
	}

	expectStatus(t, f.do(t, http.MethodPost, "/api/v1/cameras", labCamera), http.StatusConflict)

	resp = f.do(t, http.MethodGet, "/api/v1/cameras", nil)
	expectStatus(t, resp, http.StatusOK)
	if list := decodeBody[[]core.CameraSource](t, resp); len(list) != 1 || list[0].Config.ID != "lab" {
		t.Fatalf("list = %+v", list)
	}

	updated := labCamera
	updated.Address = "bars"
	resp = f.do(t, http.MethodPut, "/api/v1/cameras/lab", updated)
	expectStatus(t, resp, http.StatusOK)
	if got := decodeBody[core.CameraSource](t, resp); got.Config.Address != "bars" {
		t.Fatalf("update not applied: %+v", got)
	}

	expectStatus(t, f.do(t, http.MethodPost, "/api/v1/cameras/lab/disable", nil), http.StatusNoContent)
	resp = f.do(t, http.MethodGet, "/api/v1/cameras/lab", nil)
	expectStatus(t, resp, http.StatusOK)
	if got := decodeBody[core.CameraSource](t, resp); got.Health != core.HealthDisabled {
		t.Fatalf("health after disable = %s", got.Health)
	}

	expectStatus(t, f.do(t, http.MethodDelete, "/api/v1/cameras/lab", nil), http.StatusNoContent)
	expectStatus(t, f.do(t, http.MethodGet, "/api/v1/cameras/lab", nil), http.StatusNotFound)
	// remover de novo não é erro
	expectStatus(t, f.do(t, http.MethodDelete, "/api/v1/cameras/lab", nil), http.StatusNoContent)

	f.persist.mu.Lock()
	defer f.persist.mu.Unlock()
	if len(f.persist.saved) != 3 || f.persist.saved[2] != "lab:false" {
		t.Fatalf("persisted cameras = %v", f.persist.saved)
	}
	if len(f.persist.deleted) != 2 {
		t.Fatalf("persisted deletes = %v", f.persist.deleted)
	}
}

func TestCameraErrors(t *testing.T) {
	f := newFixture(t)

	bad := labCamera
	bad.SignalURL = "http://edge/signal"
	expectStatus(t, f.do(t, http.MethodPost, "/api/v1/cameras", bad), http.StatusBadRequest)

	resp := f.do(t, http.MethodPost, "/api/v1/cameras", map[string]any{"id": "x", "bogus": 1})
	expectStatus(t, resp, http.StatusBadRequest)
	if e := decodeBody[errorBody](t, resp); e.Error == "" {
		t.Fatalf("error body missing")
	}

	expectStatus(t, f.do(t, http.MethodPut, "/api/v1/cameras/lab", labCamera), http.StatusNotFound)
	expectStatus(t, f.do(t, http.MethodPost, "/api/v1/cameras/ghost/enable", nil), http.StatusNotFound)

	other := labCamera
	other.ID = "dock"
	expectStatus(t, f.do(t, http.MethodPut, "/api/v1/cameras/lab", other), http.StatusBadRequest)
}

func TestBindings(t *testing.T) {
	f := newFixture(t)

	expectStatus(t, f.do(t, http.MethodPut, "/api/v1/cameras/lab/bindings/motion", bindRequest{Priority: 2}), http.StatusOK)
	resp := f.do(t, http.MethodPut, "/api/v1/cameras/lab/bindings/blind", nil)
	expectStatus(t, resp, http.StatusOK)
	got := decodeBody[[]core.ModelBinding](t, resp)
	if len(got) != 2 || got[0].ModelID != "motion" || got[0].Priority != 2 || got[1].ModelID != "blind" {
		t.Fatalf("bindings = %+v", got)
	}

	expectStatus(t, f.do(t, http.MethodPut, "/api/v1/cameras/lab/bindings/faces", nil), http.StatusBadRequest)

	expectStatus(t, f.do(t, http.MethodDelete, "/api/v1/cameras/lab/bindings/motion", nil), http.StatusNoContent)
	resp = f.do(t, http.MethodGet, "/api/v1/bindings", nil)
	expectStatus(t, resp, http.StatusOK)
	if all := decodeBody[[]core.ModelBinding](t, resp); len(all) != 1 || all[0].ModelID != "blind" {
		t.Fatalf("all bindings = %+v", all)
	}

	resp = f.do(t, http.MethodGet, "/api/v1/cameras/nobody/bindings", nil)
	expectStatus(t, resp, http.StatusOK)
	if none := decodeBody[[]core.ModelBinding](t, resp); none == nil || len(none) != 0 {
		t.Fatalf("expected empty list, got %v", none)
	}

	f.persist.mu.Lock()
	defer f.persist.mu.Unlock()
	want := []string{"lab/motion:true", "lab/blind:true", "lab/motion:false"}
	if fmt.Sprint(f.persist.bindings) != fmt.Sprint(want) {
		t.Fatalf("persisted bindings = %v", f.persist.bindings)
	}
}

func TestRulesSessionsAndStats(t *testing.T) {
	f := newFixture(t)

	rules := []core.AlertRule{{ID: "r1", Class: "motion", MinScore: 0.5}}
	resp := f.do(t, http.MethodPut, "/api/v1/rules", rules)
	expectStatus(t, resp, http.StatusOK)
	if got := decodeBody[[]core.AlertRule](t, resp); len(got) != 1 || got[0].ID != "r1" {
		t.Fatalf("rules = %+v", got)
	}
	expectStatus(t, f.do(t, http.MethodPut, "/api/v1/rules", []core.AlertRule{{ID: "r2"}}), http.StatusBadRequest)

	resp = f.do(t, http.MethodGet, "/api/v1/sessions?camera=lab", nil)
	expectStatus(t, resp, http.StatusOK)
	if s := decodeBody[[]core.Session](t, resp); len(s) != 1 || s[0].ID != "s1" {
		t.Fatalf("sessions = %+v", s)
	}

	resp = f.do(t, http.MethodGet, "/api/v1/models", nil)
	expectStatus(t, resp, http.StatusOK)
	if m := decodeBody[[]string](t, resp); len(m) != 2 {
		t.Fatalf("models = %v", m)
	}

	resp = f.do(t, http.MethodGet, "/api/v1/stats", nil)
	expectStatus(t, resp, http.StatusOK)
	stats := decodeBody[map[string]json.RawMessage](t, resp)
	if _, ok := stats["router"]; !ok {
		t.Fatalf("stats = %v", stats)
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	expectStatus(t, f.do(t, http.MethodPost, "/api/v1/cameras", labCamera), http.StatusCreated)

	resp := f.do(t, http.MethodGet, "/healthz", nil)
	expectStatus(t, resp, http.StatusOK)
	body := decodeBody[struct {
		Status  string         `json:"status"`
		Cameras map[string]int `json:"cameras"`
	}](t, resp)
	if body.Status != "ok" || body.Cameras["connecting"] != 1 {
		t.Fatalf("healthz = %+v", body)
	}
}
