// internal/alerts/evaluator.go
package alerts

import (
	"context"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/sua-org/cam-sentinel/internal/core"
	"github.com/sua-org/cam-sentinel/internal/metrics"
)

type cooldownKey struct {
	camera string
	rule   string
}

type EvaluatorStats struct {
	Results    uint64 `json:"results"`
	Matched    uint64 `json:"matched"`
	Suppressed uint64 `json:"suppressed"`
	Emitted    uint64 `json:"emitted"`
	Dropped    uint64 `json:"dropped"`
}

// Evaluator aplica as regras a cada resultado de inferência e entrega os
// eventos numa fila limitada. Nunca bloqueia esperando a entrega.
type Evaluator struct {
	mu       sync.RWMutex
	rules    []core.AlertRule
	lastFire map[cooldownKey]time.Time

	out     chan core.AlertEvent
	now     func() time.Time
	tags    func(cameraID string) map[string]string
	metrics *metrics.Metrics

	results    atomic.Uint64
	matched    atomic.Uint64
	suppressed atomic.Uint64
	emitted    atomic.Uint64
	dropped    atomic.Uint64
}

// NewEvaluator cria o avaliador com uma fila de entrega de queueSize eventos.
func NewEvaluator(queueSize int, m *metrics.Metrics) *Evaluator {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Evaluator{
		lastFire: make(map[cooldownKey]time.Time),
		out:      make(chan core.AlertEvent, queueSize),
		now:      time.Now,
		metrics:  m,
	}
}

// SetTags define de onde vêm as tags da câmera copiadas no evento.
func (e *Evaluator) SetTags(f func(cameraID string) map[string]string) {
	e.mu.Lock()
	e.tags = f
	e.mu.Unlock()
}

// SetRules troca o conjunto de regras. Cooldowns de regras que continuam
// existindo são mantidos.
func (e *Evaluator) SetRules(rules []core.AlertRule) error {
	for _, r := range rules {
		if err := ValidateRule(r); err != nil {
			return err
		}
	}
	ids := lo.Map(rules, func(r core.AlertRule, _ int) string { return r.ID })
	if dup := lo.FindDuplicates(ids); len(dup) > 0 {
		return duplicateRuleErr(dup[0])
	}

	e.mu.Lock()
	e.rules = append([]core.AlertRule(nil), rules...)
	for k := range e.lastFire {
		if !lo.Contains(ids, k.rule) {
			delete(e.lastFire, k)
		}
	}
	e.mu.Unlock()
	log.Printf("[alerts] %d regras ativas", len(rules))
	return nil
}

func (e *Evaluator) Rules() []core.AlertRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := append([]core.AlertRule(nil), e.rules...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Events é a fila lida pela entrega.
func (e *Evaluator) Events() <-chan core.AlertEvent { return e.out }

// Run consome os resultados até o canal fechar ou o contexto acabar.
// Fecha Events na saída.
func (e *Evaluator) Run(ctx context.Context, results <-chan core.InferenceResult) {
	defer close(e.out)
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-results:
			if !ok {
				return
			}
			for _, ev := range e.Evaluate(res) {
				e.enqueue(ev)
			}
		}
	}
}

// Evaluate aplica as regras a um resultado e devolve os eventos emitidos,
// já com o cooldown por (câmera, regra) aplicado.
func (e *Evaluator) Evaluate(res core.InferenceResult) []core.AlertEvent {
	e.results.Add(1)
	now := e.now().UTC()

	e.mu.Lock()
	defer e.mu.Unlock()

	var out []core.AlertEvent
	for _, r := range e.rules {
		if !applies(r, res.CameraID, res.ModelID) {
			continue
		}
		hits, ok := match(r, res.Detections)
		if !ok {
			continue
		}
		e.matched.Add(1)

		key := cooldownKey{camera: res.CameraID, rule: r.ID}
		if last, seen := e.lastFire[key]; seen && now.Sub(last) < r.Cooldown {
			e.suppressed.Add(1)
			e.metrics.Alert(r.ID, "suppressed")
			continue
		}
		e.lastFire[key] = now

		ev := core.AlertEvent{
			ID:         uuid.NewString(),
			RuleID:     r.ID,
			CameraID:   res.CameraID,
			ModelID:    res.ModelID,
			Seq:        res.Seq,
			Timestamp:  now,
			CapturedAt: res.CapturedAt,
			Detections: hits,
		}
		if e.tags != nil {
			ev.Tags = e.tags(res.CameraID)
		}
		if res.Frame != nil {
			ev.Snapshot = res.Frame.Data
		}
		out = append(out, ev)
	}
	return out
}

func (e *Evaluator) enqueue(ev core.AlertEvent) {
	select {
	case e.out <- ev:
		e.emitted.Add(1)
		e.metrics.Alert(ev.RuleID, "emitted")
	default:
		e.dropped.Add(1)
		e.metrics.Alert(ev.RuleID, "dropped")
		log.Printf("[alerts] fila de entrega cheia, alerta %s (%s/%s) descartado: %v",
			ev.ID, ev.CameraID, ev.RuleID, core.ErrAlertDelivery)
	}
}

// ForgetCamera limpa os cooldowns da câmera (câmera removida).
func (e *Evaluator) ForgetCamera(cameraID string) {
	e.mu.Lock()
	for k := range e.lastFire {
		if k.camera == cameraID {
			delete(e.lastFire, k)
		}
	}
	e.mu.Unlock()
}

func (e *Evaluator) Stats() EvaluatorStats {
	return EvaluatorStats{
		Results:    e.results.Load(),
		Matched:    e.matched.Load(),
		Suppressed: e.suppressed.Load(),
		Emitted:    e.emitted.Load(),
		Dropped:    e.dropped.Load(),
	}
}
