// internal/router/router.go
package router

import (
	"log"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/samber/lo"
	"github.com/sua-org/cam-sentinel/internal/core"
	"github.com/sua-org/cam-sentinel/internal/metrics"
	"github.com/sua-org/cam-sentinel/internal/scheduler"
)

const DefaultQueueSize = 10

// Submitter é o lado do scheduler que o router usa.
type Submitter interface {
	Submit(modelID string, f *core.Frame) scheduler.Admission
}

type QueueStats struct {
	CameraID string `json:"camera_id"`
	ModelID  string `json:"model_id"`
	Depth    int    `json:"depth"`
	Evicted  uint64 `json:"evicted"`
}

type Stats struct {
	Routed   uint64       `json:"routed"`
	Unbound  uint64       `json:"unbound"`
	Evicted  uint64       `json:"evicted"`
	Stale    uint64       `json:"stale"`
	Rejected uint64       `json:"rejected"`
	Purged   uint64       `json:"purged"`
	Queues   []QueueStats `json:"queues"`
}

// Router distribui cada quadro para as filas dos modelos ligados à câmera.
type Router struct {
	sub       Submitter
	queueSize int
	metrics   *metrics.Metrics

	// bindings: câmera -> modelo -> prioridade. Escrita pela configuração,
	// lida em todo quadro.
	bmu      sync.RWMutex
	bindings map[string]map[string]int

	qmu     sync.Mutex
	queues  map[queueKey]*queue
	lastSeq map[string]uint64
	closed  bool
	wg      sync.WaitGroup

	routed   atomic.Uint64
	unbound  atomic.Uint64
	evicted  atomic.Uint64
	stale    atomic.Uint64
	rejected atomic.Uint64
	purged   atomic.Uint64
}

func New(sub Submitter, queueSize int, m *metrics.Metrics) *Router {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Router{
		sub:       sub,
		queueSize: queueSize,
		metrics:   m,
		bindings:  make(map[string]map[string]int),
		queues:    make(map[queueKey]*queue),
		lastSeq:   make(map[string]uint64),
	}
}

// SetBinding liga ou desliga um modelo de uma câmera. Desligar descarta a
// fila correspondente.
func (r *Router) SetBinding(cameraID, modelID string, bound bool, priority int) {
	r.bmu.Lock()
	if bound {
		if r.bindings[cameraID] == nil {
			r.bindings[cameraID] = make(map[string]int)
		}
		r.bindings[cameraID][modelID] = priority
	} else if m := r.bindings[cameraID]; m != nil {
		delete(m, modelID)
		if len(m) == 0 {
			delete(r.bindings, cameraID)
		}
	}
	r.bmu.Unlock()

	if !bound {
		r.dropQueue(queueKey{camera: cameraID, model: modelID})
	}
	log.Printf("[router] binding %s -> %s: %v (prioridade %d)", cameraID, modelID, bound, priority)
}

// Bindings devolve os modelos ligados à câmera, por prioridade (maior
// primeiro) e depois por id.
func (r *Router) Bindings(cameraID string) []core.ModelBinding {
	r.bmu.RLock()
	out := lo.MapToSlice(r.bindings[cameraID], func(model string, prio int) core.ModelBinding {
		return core.ModelBinding{CameraID: cameraID, ModelID: model, Priority: prio}
	})
	r.bmu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ModelID < out[j].ModelID
	})
	return out
}

// AllBindings devolve todos os bindings, por câmera.
func (r *Router) AllBindings() []core.ModelBinding {
	r.bmu.RLock()
	cams := lo.Keys(r.bindings)
	r.bmu.RUnlock()
	sort.Strings(cams)
	var out []core.ModelBinding
	for _, c := range cams {
		out = append(out, r.Bindings(c)...)
	}
	return out
}

// Route entrega o quadro a cada fila ligada. Não bloqueia: fila cheia
// descarta o mais antigo.
func (r *Router) Route(f *core.Frame) {
	if f == nil {
		return
	}
	binds := r.Bindings(f.CameraID)

	r.qmu.Lock()
	if r.closed {
		r.qmu.Unlock()
		return
	}
	if last, ok := r.lastSeq[f.CameraID]; ok && f.Seq <= last {
		r.qmu.Unlock()
		r.stale.Add(1)
		r.metrics.RouterDrop(f.CameraID, "stale")
		log.Printf("[router] quadro %s#%d fora de ordem (último %d), descartado", f.CameraID, f.Seq, last)
		return
	}
	r.lastSeq[f.CameraID] = f.Seq

	if len(binds) == 0 {
		r.qmu.Unlock()
		r.unbound.Add(1)
		r.metrics.RouterDrop(f.CameraID, "unbound")
		return
	}

	for _, b := range binds {
		key := queueKey{camera: f.CameraID, model: b.ModelID}
		q, ok := r.queues[key]
		if !ok {
			q = newQueue(key, r.queueSize)
			r.queues[key] = q
			r.wg.Add(1)
			go r.dispatch(q)
		}
		if old := q.push(f.Clone()); old != nil {
			r.evicted.Add(1)
			r.metrics.RouterDrop(f.CameraID, "evicted")
		}
	}
	r.qmu.Unlock()
	r.routed.Add(1)
}

// dispatch repassa a fila ao scheduler, em ordem.
func (r *Router) dispatch(q *queue) {
	defer r.wg.Done()
	for {
		f, ok := q.pop()
		if !ok {
			select {
			case <-q.notify:
				continue
			case <-q.done:
				return
			}
		}
		select {
		case <-q.done:
			return
		default:
		}
		if a := r.sub.Submit(q.key.model, f); !a.Accepted {
			r.rejected.Add(1)
			r.metrics.RouterDrop(q.key.camera, a.String())
		}
	}
}

func (r *Router) dropQueue(key queueKey) {
	r.qmu.Lock()
	q, ok := r.queues[key]
	delete(r.queues, key)
	r.qmu.Unlock()
	if ok {
		r.purged.Add(uint64(q.close()))
	}
}

// PurgeCamera descarta todas as filas da câmera e esquece o último seq.
func (r *Router) PurgeCamera(cameraID string) {
	r.qmu.Lock()
	var qs []*queue
	for key, q := range r.queues {
		if key.camera == cameraID {
			qs = append(qs, q)
			delete(r.queues, key)
		}
	}
	delete(r.lastSeq, cameraID)
	r.qmu.Unlock()

	n := 0
	for _, q := range qs {
		n += q.close()
	}
	r.purged.Add(uint64(n))
	if n > 0 {
		log.Printf("[router] câmera %s: %d quadros descartados das filas", cameraID, n)
	}
}

// RemoveCamera esquece bindings e filas da câmera.
func (r *Router) RemoveCamera(cameraID string) {
	r.bmu.Lock()
	delete(r.bindings, cameraID)
	r.bmu.Unlock()
	r.PurgeCamera(cameraID)
}

func (r *Router) Stats() Stats {
	r.qmu.Lock()
	qs := lo.Values(r.queues)
	r.qmu.Unlock()

	st := Stats{
		Routed:   r.routed.Load(),
		Unbound:  r.unbound.Load(),
		Evicted:  r.evicted.Load(),
		Stale:    r.stale.Load(),
		Rejected: r.rejected.Load(),
		Purged:   r.purged.Load(),
		Queues: lo.Map(qs, func(q *queue, _ int) QueueStats {
			return QueueStats{CameraID: q.key.camera, ModelID: q.key.model, Depth: q.depth(), Evicted: q.evictions()}
		}),
	}
	sort.Slice(st.Queues, func(i, j int) bool {
		if st.Queues[i].CameraID != st.Queues[j].CameraID {
			return st.Queues[i].CameraID < st.Queues[j].CameraID
		}
		return st.Queues[i].ModelID < st.Queues[j].ModelID
	})
	return st
}

// Close para todos os dispatchers.
func (r *Router) Close() {
	r.qmu.Lock()
	r.closed = true
	qs := lo.Values(r.queues)
	r.queues = make(map[queueKey]*queue)
	r.qmu.Unlock()
	for _, q := range qs {
		q.close()
	}
	r.wg.Wait()
}
