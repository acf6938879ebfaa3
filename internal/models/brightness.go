// internal/models/brightness.go
package models

import (
	"context"

	"github.com/sua-org/cam-sentinel/internal/core"
)

func init() {
	Register("brightness", func(cfg Config) (Model, error) { return NewBrightness(cfg), nil })
}

// ClassVideoBlind: câmera tampada, no escuro ou ofuscada.
const ClassVideoBlind = "video_blind"

// Brightness mede a luminância média do quadro.
type Brightness struct {
	id   string
	dark float64
}

func NewBrightness(cfg Config) *Brightness {
	dark := cfg.Threshold
	if dark <= 0 || dark >= 128 {
		dark = 20
	}
	return &Brightness{id: cfg.ID, dark: dark}
}

func (b *Brightness) ID() string { return b.id }

func (b *Brightness) Infer(ctx context.Context, f *core.Frame) (Result, error) {
	img, err := frameImage(f)
	if err != nil {
		return Result{}, err
	}
	var sum float64
	px := luma(img, 32, 24)
	for _, v := range px {
		sum += float64(v)
	}
	mean := sum / float64(len(px))

	switch {
	case mean < b.dark:
		return Result{Detections: []core.Detection{{Class: ClassVideoBlind, Score: 1 - mean/b.dark}}}, nil
	case mean > 255-b.dark:
		return Result{Detections: []core.Detection{{Class: ClassVideoBlind, Score: (mean - (255 - b.dark)) / b.dark}}}, nil
	}
	return Result{}, nil
}
