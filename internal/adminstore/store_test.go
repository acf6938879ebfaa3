package adminstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/sua-org/cam-sentinel/internal/core"
)

const camerasYAML = `
cameras:
  - id: portaria
    name: Portaria
    kind: rtsp
    address: rtsp://10.0.0.10:554/Streaming/Channels/101
    credentials: env:PORTARIA_CREDS
    signal_url: ws://edge-1:8090/signal
    fps: 5
    enabled: true
    tags:
      site: hq
  - id: lab
    kind: synthetic
    address: moving
    signal_url: ws://edge-2:8090/signal
bindings:
  - camera_id: portaria
    model_id: motion
    priority: 2
`

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cameras.yaml")
	if err := os.WriteFile(path, []byte(camerasYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	f := File{Path: path}

	cams, err := f.LoadCameras(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(cams) != 2 {
		t.Fatalf("cameras = %d", len(cams))
	}
	p := cams[0]
	if p.ID != "portaria" || p.Kind != core.KindRTSP || p.FPS != 5 || !p.Enabled || p.Tags["site"] != "hq" {
		t.Fatalf("unexpected camera: %+v", p)
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("loaded camera should be valid: %v", err)
	}
	if cams[1].Enabled {
		t.Fatalf("enabled should default to false when omitted")
	}

	binds, err := f.LoadBindings(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(binds) != 1 || binds[0] != (core.ModelBinding{CameraID: "portaria", ModelID: "motion", Priority: 2}) {
		t.Fatalf("bindings = %+v", binds)
	}
}

func TestFileStoreErrors(t *testing.T) {
	if _, err := (File{Path: filepath.Join(t.TempDir(), "missing.yaml")}).LoadCameras(context.Background()); err == nil {
		t.Fatalf("missing file should fail")
	}
	path := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(path, []byte("cameras: [oops"), 0o600)
	if _, err := (File{Path: path}).LoadCameras(context.Background()); !errors.Is(err, core.ErrConfigInvalid) {
		t.Fatalf("expected ErrConfigInvalid, got %v", err)
	}
}

func TestMultiFirstSourceWins(t *testing.T) {
	a := Static{
		Cameras:  []core.CameraConfig{{ID: "cam-1", Name: "from-a"}},
		Bindings: []core.ModelBinding{{CameraID: "cam-1", ModelID: "motion", Priority: 1}},
	}
	b := Static{
		Cameras:  []core.CameraConfig{{ID: "cam-1", Name: "from-b"}, {ID: "cam-2"}},
		Bindings: []core.ModelBinding{{CameraID: "cam-1", ModelID: "motion", Priority: 9}, {CameraID: "cam-2", ModelID: "blind"}},
	}
	m := Multi{a, b}

	cams, _ := m.LoadCameras(context.Background())
	if len(cams) != 2 || cams[0].Name != "from-a" || cams[1].ID != "cam-2" {
		t.Fatalf("cameras = %+v", cams)
	}
	binds, _ := m.LoadBindings(context.Background())
	if len(binds) != 2 || binds[0].Priority != 1 {
		t.Fatalf("bindings = %+v", binds)
	}
}

func TestCameraRowConversion(t *testing.T) {
	r := cameraRow{
		ID:          "cam-9",
		Name:        pgtype.Text{String: "Doca", Valid: true},
		Kind:        "ONVIF",
		Address:     "http://10.0.0.9/onvif/snapshot",
		Credentials: pgtype.Text{},
		SignalURL:   "wss://edge/signal",
		FPS:         pgtype.Int4{Int32: 2, Valid: true},
		Enabled:     true,
		Tags:        []byte(`{"zone":"dock"}`),
	}
	cfg, err := r.config()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Kind != core.KindONVIF || cfg.Name != "Doca" || cfg.FPS != 2 || cfg.Credentials != "" || cfg.Tags["zone"] != "dock" {
		t.Fatalf("unexpected config: %+v", cfg)
	}

	r.Tags = []byte(`[1,2]`)
	if _, err := r.config(); !errors.Is(err, core.ErrConfigInvalid) {
		t.Fatalf("bad tags should be ErrConfigInvalid, got %v", err)
	}
	r.Tags = []byte("null")
	if cfg, err := r.config(); err != nil || cfg.Tags != nil {
		t.Fatalf("null tags: %+v %v", cfg.Tags, err)
	}
}
