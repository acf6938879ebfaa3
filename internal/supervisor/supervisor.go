// internal/supervisor/supervisor.go
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"maps"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/sua-org/cam-sentinel/internal/core"
	"github.com/sua-org/cam-sentinel/internal/metrics"
	"golang.org/x/sync/errgroup"
)

// FrameRouter é o lado do StreamRouter que o supervisor alimenta.
type FrameRouter interface {
	Route(f *core.Frame)
	PurgeCamera(cameraID string)
	RemoveCamera(cameraID string)
}

// HealthReporter recebe cada mudança de saúde. Não pode bloquear.
type HealthReporter interface {
	ReportHealth(src core.CameraSource)
}

// CameraLoader é a fonte de câmeras usada uma vez na partida.
type CameraLoader interface {
	LoadCameras(ctx context.Context) ([]core.CameraConfig, error)
}

type Config struct {
	Backoff        BackoffConfig `yaml:"backoff" envPrefix:"SUPERVISOR_"`
	ProbeInterval  time.Duration `yaml:"probe_interval" env:"SUPERVISOR_PROBE_INTERVAL"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout" env:"SUPERVISOR_PROBE_TIMEOUT"`
	ProbeFailures  int           `yaml:"probe_failures" env:"SUPERVISOR_PROBE_FAILURES"`
	StatusInterval time.Duration `yaml:"status_interval" env:"SUPERVISOR_STATUS_INTERVAL"`
	RestoreWorkers int           `yaml:"restore_workers" env:"SUPERVISOR_RESTORE_WORKERS"`
}

func DefaultConfig() Config {
	return Config{
		Backoff:        DefaultBackoff(),
		ProbeInterval:  10 * time.Second,
		ProbeTimeout:   3 * time.Second,
		ProbeFailures:  3,
		StatusInterval: 30 * time.Second,
		RestoreWorkers: 8,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	c.Backoff = c.Backoff.withDefaults()
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = d.ProbeInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	if c.ProbeFailures <= 0 {
		c.ProbeFailures = d.ProbeFailures
	}
	if c.RestoreWorkers <= 0 {
		c.RestoreWorkers = d.RestoreWorkers
	}
	return c
}

// Supervisor é o dono do registro de câmeras. Nenhum outro componente
// guarda CameraSource; fora daqui só circulam cópias.
type Supervisor struct {
	cfg     Config
	neg     Negotiator
	router  FrameRouter
	metrics *metrics.Metrics

	hookMu   sync.RWMutex
	reporter HealthReporter
	onRemove []func(cameraID string)

	mu      sync.Mutex
	workers map[string]*cameraWorker
	closed  bool
	wg      sync.WaitGroup

	status *statusPublisher
}

type cameraWorker struct {
	// life serializa start, stop e troca de config desta câmera.
	life sync.Mutex
	// removed: fora do mapa, não pode mais ganhar tarefa (protegido por mu).
	removed bool

	src     core.CameraSource
	lastSeq uint64
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(cfg Config, neg Negotiator, router FrameRouter, m *metrics.Metrics) *Supervisor {
	return &Supervisor{
		cfg:     cfg.withDefaults(),
		neg:     neg,
		router:  router,
		metrics: m,
		workers: make(map[string]*cameraWorker),
	}
}

func (s *Supervisor) SetHealthReporter(r HealthReporter) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.reporter = r
}

// OnRemove registra quem precisa esquecer a câmera quando ela sai do registro.
func (s *Supervisor) OnRemove(f func(cameraID string)) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.onRemove = append(s.onRemove, f)
}

// RegisterCamera valida, guarda e (se habilitada) começa a supervisionar.
// Só ErrConfigInvalid volta para quem chamou.
func (s *Supervisor) RegisterCamera(cfg core.CameraConfig) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	cfg = cloneConfig(cfg)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", errors.New("supervisor closed")
	}
	if _, ok := s.workers[cfg.ID]; ok {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: camera %s already registered", core.ErrConfigInvalid, cfg.ID)
	}
	w := &cameraWorker{src: core.CameraSource{Config: cfg}}
	w.life.Lock()
	defer w.life.Unlock()
	s.workers[cfg.ID] = w
	s.mu.Unlock()

	log.Printf("[supervisor] câmera %s registrada (kind=%s enabled=%v)", cfg.ID, cfg.Kind, cfg.Enabled)
	if cfg.Enabled {
		s.start(w)
	} else {
		s.setHealth(cfg.ID, core.HealthDisabled, "")
	}
	return cfg.ID, nil
}

// UpdateCamera troca a config de uma câmera registrada. Config igual é
// ignorada; config diferente reinicia a supervisão.
func (s *Supervisor) UpdateCamera(cfg core.CameraConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg = cloneConfig(cfg)

	w, ok := s.worker(cfg.ID)
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrUnknownCamera, cfg.ID)
	}
	w.life.Lock()
	defer w.life.Unlock()

	s.mu.Lock()
	if w.removed {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", core.ErrUnknownCamera, cfg.ID)
	}
	if reflect.DeepEqual(w.src.Config, cfg) {
		s.mu.Unlock()
		log.Printf("[supervisor] câmera %s já está com a mesma config, ignorando", cfg.ID)
		return nil
	}
	s.mu.Unlock()

	log.Printf("[supervisor] câmera %s mudou de config, reiniciando", cfg.ID)
	s.stop(w, false)

	s.mu.Lock()
	removed := w.removed
	if !removed {
		w.src.Config = cfg
	}
	s.mu.Unlock()
	if removed {
		return fmt.Errorf("%w: %s", core.ErrUnknownCamera, cfg.ID)
	}

	if cfg.Enabled {
		s.start(w)
	} else {
		s.setHealth(cfg.ID, core.HealthDisabled, "")
	}
	return nil
}

// ApplyCamera registra ou atualiza, usado pelas superfícies administrativas.
func (s *Supervisor) ApplyCamera(cfg core.CameraConfig) error {
	if _, ok := s.Camera(cfg.ID); ok {
		return s.UpdateCamera(cfg)
	}
	_, err := s.RegisterCamera(cfg)
	return err
}

// UnregisterCamera é idempotente: câmera desconhecida não é erro. A câmera
// sai do mapa antes de a tarefa parar, então nada consegue reiniciá-la.
func (s *Supervisor) UnregisterCamera(id string) {
	s.mu.Lock()
	w, ok := s.workers[id]
	if ok {
		delete(s.workers, id)
		w.removed = true
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	w.life.Lock()
	s.stop(w, true)
	w.life.Unlock()

	s.router.RemoveCamera(id)
	s.hookMu.RLock()
	hooks := append([]func(string){}, s.onRemove...)
	s.hookMu.RUnlock()
	for _, f := range hooks {
		f(id)
	}
	log.Printf("[supervisor] câmera %s removida", id)
}

func (s *Supervisor) SetEnabled(id string, enabled bool) error {
	w, ok := s.worker(id)
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrUnknownCamera, id)
	}
	w.life.Lock()
	defer w.life.Unlock()

	s.mu.Lock()
	if w.removed {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", core.ErrUnknownCamera, id)
	}
	if w.src.Config.Enabled == enabled {
		s.mu.Unlock()
		return nil
	}
	w.src.Config.Enabled = enabled
	s.mu.Unlock()

	if enabled {
		log.Printf("[supervisor] câmera %s habilitada", id)
		s.start(w)
		return nil
	}
	log.Printf("[supervisor] câmera %s desabilitada", id)
	s.stop(w, true)
	s.setHealth(id, core.HealthDisabled, "")
	return nil
}

// Enabled é consultado pela sinalização quando o transporte cai.
func (s *Supervisor) Enabled(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[id]
	return ok && w.src.Config.Enabled
}

// Discarded diz se resultados da câmera devem ser jogados fora (câmera
// removida ou desabilitada depois da submissão).
func (s *Supervisor) Discarded(id string) bool {
	return !s.Enabled(id)
}

// Tags devolve as tags configuradas da câmera (cópia).
func (s *Supervisor) Tags(id string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.workers[id]; ok {
		return maps.Clone(w.src.Config.Tags)
	}
	return nil
}

func (s *Supervisor) Camera(id string) (core.CameraSource, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[id]
	if !ok {
		return core.CameraSource{}, false
	}
	return snapshot(w), true
}

// Cameras devolve cópias ordenadas por id.
func (s *Supervisor) Cameras() []core.CameraSource {
	s.mu.Lock()
	out := make([]core.CameraSource, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, snapshot(w))
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Config.ID < out[j].Config.ID })
	return out
}

// Restore carrega as câmeras do plano administrativo. Configs inválidas são
// puladas e devolvidas juntas no erro.
func (s *Supervisor) Restore(ctx context.Context, loader CameraLoader) (int, error) {
	cams, err := loader.LoadCameras(ctx)
	if err != nil {
		return 0, fmt.Errorf("load cameras: %w", err)
	}

	var (
		mu   sync.Mutex
		n    int
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.RestoreWorkers)
	for _, cam := range cams {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			_, err := s.RegisterCamera(cam)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Printf("[supervisor] restore: câmera %q ignorada: %v", cam.ID, err)
				errs = append(errs, err)
				return nil
			}
			n++
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return n, err
	}
	log.Printf("[supervisor] restore: %d de %d câmeras registradas", n, len(cams))
	return n, errors.Join(errs...)
}

// Run bloqueia até o ctx acabar e então derruba todas as câmeras.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.status != nil {
		go s.status.run(ctx)
	}
	<-ctx.Done()
	log.Printf("[supervisor] context canceled, stopping all workers")
	s.Close()
	return nil
}

// Close para todas as tarefas e espera elas terminarem.
func (s *Supervisor) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	ws := make([]*cameraWorker, 0, len(s.workers))
	for _, w := range s.workers {
		ws = append(ws, w)
	}
	s.mu.Unlock()

	for _, w := range ws {
		w.life.Lock()
		s.stop(w, true)
		w.life.Unlock()
	}
	s.wg.Wait()
}

func (s *Supervisor) worker(id string) (*cameraWorker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[id]
	return w, ok
}

// start e stop são chamados com w.life travado.
func (s *Supervisor) start(w *cameraWorker) {
	s.mu.Lock()
	if w.removed || w.cancel != nil || s.closed {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	w.cancel = cancel
	w.done = done
	cfg := cloneConfig(w.src.Config)
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer close(done)
		s.superviseCamera(ctx, w, cfg)
	}()
}

// stop cancela a tarefa da câmera, fecha a sessão e espera a tarefa sair.
// Com purge, as filas do router também são descartadas.
func (s *Supervisor) stop(w *cameraWorker, purge bool) {
	s.mu.Lock()
	id := w.src.Config.ID
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		s.neg.CloseCamera(id)
		<-done
	}
	if purge {
		s.router.PurgeCamera(id)
	}
}

func (s *Supervisor) setHealth(id string, status core.HealthStatus, reason string) {
	s.mu.Lock()
	w, ok := s.workers[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	if w.src.Health == status && w.src.HealthReason == reason {
		s.mu.Unlock()
		return
	}
	w.src.Health = status
	w.src.HealthReason = reason
	w.src.HealthSince = time.Now().UTC()
	if status == core.HealthOnline {
		w.src.EverConnected = true
	}
	if status != core.HealthOnline {
		w.src.SessionID = ""
	}
	snap := snapshot(w)
	s.mu.Unlock()

	s.metrics.HealthChange(id, string(status))
	s.hookMu.RLock()
	r := s.reporter
	s.hookMu.RUnlock()
	if r != nil {
		r.ReportHealth(snap)
	}
}

func snapshot(w *cameraWorker) core.CameraSource {
	src := w.src
	src.Config = cloneConfig(src.Config)
	return src
}

func cloneConfig(cfg core.CameraConfig) core.CameraConfig {
	cfg.Tags = maps.Clone(cfg.Tags)
	return cfg
}
