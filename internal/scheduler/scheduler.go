// internal/scheduler/scheduler.go
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"
	"github.com/sua-org/cam-sentinel/internal/core"
	"github.com/sua-org/cam-sentinel/internal/metrics"
	"github.com/sua-org/cam-sentinel/internal/models"
)

var (
	ErrUnknownModel = errors.New("no pool registered for model")
	ErrClosed       = errors.New("scheduler closed")
)

// PoolConfig dimensiona o pool de um modelo.
type PoolConfig struct {
	Workers   int `yaml:"workers" json:"workers"`
	QueueSize int `yaml:"queue_size" json:"queue_size"`
	// AdmissionWait é quanto Submit pode esperar por uma vaga antes de
	// rejeitar. Zero: rejeita na hora se a fila estiver cheia.
	AdmissionWait time.Duration `yaml:"admission_wait" json:"admission_wait"`
	// FaultThreshold falhas seguidas antes de reciclar o worker.
	FaultThreshold int           `yaml:"fault_threshold" json:"fault_threshold"`
	Timeout        time.Duration `yaml:"timeout" json:"timeout"`
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.QueueSize < 0 {
		c.QueueSize = 0
	}
	if c.FaultThreshold <= 0 {
		c.FaultThreshold = 5
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	return c
}

// Admission é a resposta de Submit.
type Admission struct {
	Accepted bool
	// Reason explica a rejeição (core.ErrOverloaded, ErrUnknownModel, ErrClosed).
	Reason error
}

func (a Admission) String() string {
	if a.Accepted {
		return "accepted"
	}
	switch {
	case errors.Is(a.Reason, core.ErrOverloaded):
		return "overloaded"
	case errors.Is(a.Reason, ErrUnknownModel):
		return "unknown_model"
	case errors.Is(a.Reason, ErrClosed):
		return "closed"
	}
	return "rejected"
}

// Discarder diz se resultados de uma câmera devem ser jogados fora
// (câmera removida enquanto o quadro estava em inferência).
type Discarder func(cameraID string) bool

// PoolStats é o retrato dos contadores de um pool.
type PoolStats struct {
	Model      string        `json:"model"`
	Workers    int           `json:"workers"`
	QueueSize  int           `json:"queue_size"`
	QueueDepth int           `json:"queue_depth"`
	Submitted  uint64        `json:"submitted"`
	Accepted   uint64        `json:"accepted"`
	Rejected   uint64        `json:"rejected"`
	Completed  uint64        `json:"completed"`
	Faults     uint64        `json:"faults"`
	Recycles   uint64        `json:"recycles"`
	Discarded  uint64        `json:"discarded"`
	AvgLatency time.Duration `json:"avg_latency"`
}

type pool struct {
	model models.Model
	cfg   PoolConfig
	queue chan *core.Frame

	submitted atomic.Uint64
	accepted  atomic.Uint64
	rejected  atomic.Uint64
	completed atomic.Uint64
	faults    atomic.Uint64
	recycles  atomic.Uint64
	discarded atomic.Uint64
	latencyNs atomic.Int64
}

// Scheduler mantém um pool de workers de tamanho fixo por modelo.
type Scheduler struct {
	mu     sync.RWMutex
	pools  map[string]*pool
	closed bool

	results chan core.InferenceResult
	stop    chan struct{}
	wg      sync.WaitGroup

	discard atomic.Pointer[Discarder]
	metrics *metrics.Metrics
}

// New cria o scheduler; resultBuffer é a capacidade do canal de resultados.
func New(resultBuffer int, m *metrics.Metrics) *Scheduler {
	if resultBuffer <= 0 {
		resultBuffer = 256
	}
	return &Scheduler{
		pools:   make(map[string]*pool),
		results: make(chan core.InferenceResult, resultBuffer),
		stop:    make(chan struct{}),
		metrics: m,
	}
}

func (s *Scheduler) SetDiscarder(d Discarder) {
	s.discard.Store(&d)
}

// Results é o canal único de resultados, consumido pelo avaliador de alertas.
// Fecha depois de Close.
func (s *Scheduler) Results() <-chan core.InferenceResult { return s.results }

// Register cria o pool do modelo e sobe os workers.
func (s *Scheduler) Register(model models.Model, cfg PoolConfig) error {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	id := model.ID()
	if _, ok := s.pools[id]; ok {
		return fmt.Errorf("%w: model %q already registered", core.ErrConfigInvalid, id)
	}
	p := &pool{model: model, cfg: cfg, queue: make(chan *core.Frame, cfg.QueueSize)}
	s.pools[id] = p
	for i := 0; i < cfg.Workers; i++ {
		s.startWorker(p, i)
	}
	log.Printf("[scheduler] pool %s: %d workers, fila %d, espera %s", id, cfg.Workers, cfg.QueueSize, cfg.AdmissionWait)
	return nil
}

// Models lista os modelos registrados.
func (s *Scheduler) Models() []string {
	s.mu.RLock()
	ids := lo.Keys(s.pools)
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Submit tenta admitir o quadro no pool do modelo. Nunca bloqueia além de
// AdmissionWait.
func (s *Scheduler) Submit(modelID string, f *core.Frame) Admission {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return s.reject(nil, modelID, ErrClosed)
	}
	p, ok := s.pools[modelID]
	if !ok {
		return s.reject(nil, modelID, fmt.Errorf("%w: %s", ErrUnknownModel, modelID))
	}
	p.submitted.Add(1)

	select {
	case p.queue <- f:
		return s.accept(p, modelID)
	default:
	}
	if p.cfg.AdmissionWait > 0 {
		t := time.NewTimer(p.cfg.AdmissionWait)
		defer t.Stop()
		select {
		case p.queue <- f:
			return s.accept(p, modelID)
		case <-t.C:
		case <-s.stop:
		}
	}
	return s.reject(p, modelID, fmt.Errorf("%w: model %s queue full", core.ErrOverloaded, modelID))
}

func (s *Scheduler) accept(p *pool, modelID string) Admission {
	p.accepted.Add(1)
	s.metrics.Submission(modelID, "accepted")
	return Admission{Accepted: true}
}

func (s *Scheduler) reject(p *pool, modelID string, reason error) Admission {
	if p != nil {
		p.rejected.Add(1)
	}
	a := Admission{Reason: reason}
	s.metrics.Submission(modelID, a.String())
	return a
}

func (s *Scheduler) startWorker(p *pool, idx int) {
	s.wg.Add(1)
	go s.worker(p, idx)
}

// worker processa um quadro por vez até o fim. Falhas seguidas acima do
// limite reciclam o worker: Reset no modelo e uma goroutine nova no lugar.
func (s *Scheduler) worker(p *pool, idx int) {
	defer s.wg.Done()
	id := p.model.ID()
	faults := 0

	for f := range p.queue {
		select {
		case <-s.stop:
			continue
		default:
		}

		start := time.Now()
		res, err := s.infer(p, f)
		elapsed := time.Since(start)

		if err != nil {
			faults++
			p.faults.Add(1)
			s.metrics.ModelError(id)
			log.Printf("[scheduler] modelo %s falhou no quadro %s#%d (%d/%d): %v", id, f.CameraID, f.Seq, faults, p.cfg.FaultThreshold, err)
			if faults > p.cfg.FaultThreshold {
				s.recycle(p, idx)
				return
			}
			continue
		}
		faults = 0
		p.completed.Add(1)
		p.latencyNs.Add(int64(elapsed))
		s.metrics.InferenceLatency(id, elapsed)

		if s.discarded(f.CameraID) {
			p.discarded.Add(1)
			continue
		}

		out := core.InferenceResult{
			CameraID:   f.CameraID,
			ModelID:    id,
			Seq:        f.Seq,
			CapturedAt: f.CapturedAt,
			Timestamp:  time.Now().UTC(),
			Latency:    elapsed,
			Detections: res.Detections,
			Frame:      f,
		}
		select {
		case s.results <- out:
		case <-s.stop:
		}
	}
}

func (s *Scheduler) infer(p *pool, f *core.Frame) (res models.Result, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.Timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[scheduler] panic no modelo %s: %v\n%s", p.model.ID(), r, string(debug.Stack()))
			err = fmt.Errorf("%w: panic in model %s: %v", core.ErrModelError, p.model.ID(), r)
		}
	}()
	res, err = p.model.Infer(ctx, f)
	if err != nil && !errors.Is(err, core.ErrModelError) {
		err = fmt.Errorf("%w: %v", core.ErrModelError, err)
	}
	return res, err
}

func (s *Scheduler) recycle(p *pool, idx int) {
	id := p.model.ID()
	p.recycles.Add(1)
	s.metrics.WorkerRecycled(id)
	if r, ok := p.model.(models.Resetter); ok {
		if err := r.Reset(); err != nil {
			log.Printf("[scheduler] reset do modelo %s falhou: %v", id, err)
		}
	}
	log.Printf("[scheduler] worker %d do modelo %s reciclado", idx, id)
	s.startWorker(p, idx)
}

func (s *Scheduler) discarded(cameraID string) bool {
	d := s.discard.Load()
	return d != nil && *d != nil && (*d)(cameraID)
}

// Stats devolve os contadores de todos os pools, por id de modelo.
func (s *Scheduler) Stats() []PoolStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PoolStats, 0, len(s.pools))
	for id, p := range s.pools {
		st := PoolStats{
			Model:      id,
			Workers:    p.cfg.Workers,
			QueueSize:  p.cfg.QueueSize,
			QueueDepth: len(p.queue),
			Submitted:  p.submitted.Load(),
			Accepted:   p.accepted.Load(),
			Rejected:   p.rejected.Load(),
			Completed:  p.completed.Load(),
			Faults:     p.faults.Load(),
			Recycles:   p.recycles.Load(),
			Discarded:  p.discarded.Load(),
		}
		if st.Completed > 0 {
			st.AvgLatency = time.Duration(p.latencyNs.Load() / int64(st.Completed))
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out
}

// Close rejeita novas submissões, descarta o que estiver na fila, espera os
// workers e fecha Results.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.stop)
	for _, p := range s.pools {
		close(p.queue)
	}
	s.mu.Unlock()

	s.wg.Wait()
	close(s.results)
}
