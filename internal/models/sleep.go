// internal/models/sleep.go
package models

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/sua-org/cam-sentinel/internal/core"
)

func init() {
	Register("sleep", func(cfg Config) (Model, error) { return NewSleep(cfg), nil })
}

// Sleep simula um modelo com latência fixa e taxa de falha configurável.
// Usado em bancada e nos testes do scheduler.
type Sleep struct {
	id        string
	latency   time.Duration
	faultRate float64
	panics    bool
	class     string
}

func NewSleep(cfg Config) *Sleep {
	return &Sleep{id: cfg.ID, latency: cfg.Latency, faultRate: cfg.FaultRate, panics: cfg.Panic, class: "sleep"}
}

func (s *Sleep) ID() string { return s.id }

func (s *Sleep) Infer(ctx context.Context, f *core.Frame) (Result, error) {
	if s.latency > 0 {
		t := time.NewTimer(s.latency)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return Result{}, ctx.Err()
		}
	}
	if s.faultRate > 0 && rand.Float64() < s.faultRate {
		if s.panics {
			panic(fmt.Sprintf("sleep model %s: injected panic", s.id))
		}
		return Result{}, fmt.Errorf("%w: injected fault", core.ErrModelError)
	}
	return Result{Detections: []core.Detection{{Class: s.class, Score: 1}}}, nil
}
