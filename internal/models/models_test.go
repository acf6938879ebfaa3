package models

import (
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sua-org/cam-sentinel/internal/core"
)

func solid(w, h int, c color.Gray) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = c.Y
	}
	return img
}

func TestLoadRejectsUnknownAndDuplicated(t *testing.T) {
	if _, err := Load([]Config{{ID: "a", Type: "yolo-magic"}}); !errors.Is(err, core.ErrConfigInvalid) {
		t.Fatalf("unknown type err = %v", err)
	}
	if _, err := Load([]Config{{ID: "a", Type: "motion"}, {ID: "a", Type: "sleep"}}); !errors.Is(err, core.ErrConfigInvalid) {
		t.Fatalf("duplicated err = %v", err)
	}
	ms, err := Load([]Config{{ID: "mov", Type: "Motion"}, {ID: "dark", Type: "brightness"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(ms) != 2 || ms[0].ID() != "mov" || ms[1].ID() != "dark" {
		t.Fatalf("models = %v", ms)
	}
	want := []string{"brightness", "http", "motion", "sleep"}
	if got := Types(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("types = %v", got)
	}
}

func TestMotionDetectsChange(t *testing.T) {
	m := NewMotion(Config{ID: "mov"})
	ctx := context.Background()

	bg := solid(320, 240, color.Gray{Y: 40})
	if res, err := m.Infer(ctx, &core.Frame{CameraID: "c1", Image: bg}); err != nil || len(res.Detections) != 0 {
		t.Fatalf("first frame: %+v %v", res, err)
	}
	if res, _ := m.Infer(ctx, &core.Frame{CameraID: "c1", Image: bg}); len(res.Detections) != 0 {
		t.Fatalf("static scene produced %+v", res)
	}

	moved := solid(320, 240, color.Gray{Y: 40})
	// bloco claro no quadrante superior esquerdo
	for y := 0; y < 120; y++ {
		for x := 0; x < 160; x++ {
			moved.SetGray(x, y, color.Gray{Y: 220})
		}
	}
	res, err := m.Infer(ctx, &core.Frame{CameraID: "c1", Image: moved})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Detections) != 1 || res.Detections[0].Class != "motion" {
		t.Fatalf("detections = %+v", res.Detections)
	}
	d := res.Detections[0]
	if d.Score < 0.2 || d.Score > 0.3 {
		t.Fatalf("score = %f, want ~0.25", d.Score)
	}
	if d.Box[0] != 0 || d.Box[1] != 0 || d.Box[2] != 0.5 || d.Box[3] != 0.5 {
		t.Fatalf("box = %v", d.Box)
	}

	// câmeras têm referências separadas
	if res, _ := m.Infer(ctx, &core.Frame{CameraID: "c2", Image: moved}); len(res.Detections) != 0 {
		t.Fatalf("other camera: %+v", res)
	}
	_ = m.Reset()
	if res, _ := m.Infer(ctx, &core.Frame{CameraID: "c1", Image: bg}); len(res.Detections) != 0 {
		t.Fatalf("after reset: %+v", res)
	}
}

func TestBrightnessVideoBlind(t *testing.T) {
	b := NewBrightness(Config{ID: "blind"})
	ctx := context.Background()
	cases := []struct {
		y     uint8
		blind bool
	}{
		{0, true},
		{128, false},
		{250, true},
	}
	for _, c := range cases {
		res, err := b.Infer(ctx, &core.Frame{Image: solid(64, 48, color.Gray{Y: c.y})})
		if err != nil {
			t.Fatal(err)
		}
		if got := len(res.Detections) == 1 && res.Detections[0].Class == ClassVideoBlind; got != c.blind {
			t.Fatalf("luma %d: detections = %+v", c.y, res.Detections)
		}
	}
	if _, err := b.Infer(ctx, &core.Frame{Data: []byte("not a jpeg")}); !errors.Is(err, core.ErrModelError) {
		t.Fatalf("bad jpeg err = %v", err)
	}
}

func TestSleepFaults(t *testing.T) {
	s := NewSleep(Config{ID: "s", FaultRate: 1})
	if _, err := s.Infer(context.Background(), &core.Frame{}); !errors.Is(err, core.ErrModelError) {
		t.Fatalf("err = %v", err)
	}
	s = NewSleep(Config{ID: "s", Latency: time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := s.Infer(ctx, &core.Frame{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
}

func TestHTTPModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/predict" || r.Header.Get("Authorization") != "Bearer tk" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(file)
		if string(data) != "jpegbytes" || r.FormValue("camera_id") != "cam-9" || r.FormValue("seq") != "42" {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`[{"class":"person","score":0.91,"box":[0.1,0.2,0.3,0.4]}]`))
	}))
	defer srv.Close()

	m, err := New(Config{ID: "yolo", Type: "http", Endpoint: srv.URL, Token: "tk"})
	if err != nil {
		t.Fatal(err)
	}
	res, err := m.Infer(context.Background(), &core.Frame{CameraID: "cam-9", Seq: 42, Data: []byte("jpegbytes")})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Detections) != 1 || res.Detections[0].Class != "person" || res.Detections[0].Score != 0.91 {
		t.Fatalf("detections = %+v", res.Detections)
	}

	if _, err := NewHTTP(Config{ID: "x", Endpoint: "ftp://nope"}); !errors.Is(err, core.ErrConfigInvalid) {
		t.Fatalf("endpoint err = %v", err)
	}
}

func TestParseDetections(t *testing.T) {
	dets, err := parseDetections([]byte(`{"detections":[{"class":"car","score":0.5}]}`))
	if err != nil || len(dets) != 1 || dets[0].Class != "car" {
		t.Fatalf("wrapped: %+v %v", dets, err)
	}
	if _, err := parseDetections([]byte(`[{"score":0.5}]`)); err == nil {
		t.Fatal("detection without class accepted")
	}
	if _, err := parseDetections([]byte(`[{"class":"car","box":[1,2]}]`)); err == nil {
		t.Fatal("short box accepted")
	}
	if dets, err := parseDetections(nil); err != nil || dets != nil {
		t.Fatalf("empty body: %v %v", dets, err)
	}
}
