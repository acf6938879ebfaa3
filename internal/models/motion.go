// internal/models/motion.go
package models

import (
	"context"
	"sync"

	"github.com/sua-org/cam-sentinel/internal/core"
)

func init() {
	Register("motion", func(cfg Config) (Model, error) { return NewMotion(cfg), nil })
}

const (
	motionGridW = 64
	motionGridH = 48
)

// Motion compara cada quadro com o anterior da mesma câmera numa grade
// reduzida em tons de cinza.
type Motion struct {
	id        string
	threshold uint8
	minRatio  float64

	mu   sync.Mutex
	prev map[string][]uint8
}

func NewMotion(cfg Config) *Motion {
	th := cfg.Threshold
	if th <= 0 || th > 255 {
		th = 25
	}
	ratio := cfg.MinRatio
	if ratio <= 0 {
		ratio = 0.02
	}
	return &Motion{id: cfg.ID, threshold: uint8(th), minRatio: ratio, prev: map[string][]uint8{}}
}

func (m *Motion) ID() string { return m.id }

func (m *Motion) Infer(ctx context.Context, f *core.Frame) (Result, error) {
	img, err := frameImage(f)
	if err != nil {
		return Result{}, err
	}
	cur := luma(img, motionGridW, motionGridH)

	m.mu.Lock()
	prev := m.prev[f.CameraID]
	m.prev[f.CameraID] = cur
	m.mu.Unlock()

	if prev == nil {
		return Result{}, nil
	}

	changed := 0
	minX, minY, maxX, maxY := motionGridW, motionGridH, -1, -1
	for y := 0; y < motionGridH; y++ {
		for x := 0; x < motionGridW; x++ {
			i := y*motionGridW + x
			d := int(cur[i]) - int(prev[i])
			if d < 0 {
				d = -d
			}
			if d <= int(m.threshold) {
				continue
			}
			changed++
			minX, minY = min(minX, x), min(minY, y)
			maxX, maxY = max(maxX, x), max(maxY, y)
		}
	}

	ratio := float64(changed) / float64(motionGridW*motionGridH)
	if ratio < m.minRatio {
		return Result{}, nil
	}
	return Result{Detections: []core.Detection{{
		Class: "motion",
		Score: ratio,
		Box: []float64{
			float64(minX) / motionGridW,
			float64(minY) / motionGridH,
			float64(maxX+1) / motionGridW,
			float64(maxY+1) / motionGridH,
		},
	}}}, nil
}

// Forget descarta o quadro de referência de uma câmera.
func (m *Motion) Forget(cameraID string) {
	m.mu.Lock()
	delete(m.prev, cameraID)
	m.mu.Unlock()
}

func (m *Motion) Reset() error {
	m.mu.Lock()
	m.prev = map[string][]uint8{}
	m.mu.Unlock()
	return nil
}
