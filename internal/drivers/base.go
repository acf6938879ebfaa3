// internal/drivers/base.go
package drivers

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/sua-org/cam-sentinel/internal/core"
)

// Source é o conjunto de capacidades comum a todo CameraKind.
type Source interface {
	// Connect abre a fonte; pode ser chamado de novo depois de Close.
	Connect(ctx context.Context) error
	// ReadFrame devolve o próximo quadro JPEG ou erro (timeout, fonte caiu).
	ReadFrame(ctx context.Context) (Frame, error)
	Close() error
}

// Frame é um quadro JPEG lido da câmera, ainda sem número de sequência.
type Frame struct {
	Data       []byte
	Width      int
	Height     int
	CapturedAt time.Time
}

// Options chega do payload da oferta.
type Options struct {
	Address     string
	Credentials core.Credentials
	FPS         int
	Width       int
	Height      int
	FFmpegPath  string
	ReadTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.FPS <= 0 {
		o.FPS = DefaultFPS
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = DefaultReadTimeout
	}
	if o.FFmpegPath == "" {
		o.FFmpegPath = "ffmpeg"
	}
	return o
}

const (
	DefaultFPS         = 15
	DefaultWidth       = 640
	DefaultHeight      = 480
	DefaultReadTimeout = 10 * time.Second
)

type SourceFactory func(opts Options) (Source, error)

var (
	registryMu sync.RWMutex
	registry   = map[core.CameraKind]SourceFactory{}
)

// RegisterSource é chamado no init() de cada variante.
func RegisterSource(kind core.CameraKind, f SourceFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[kind] = f
}

func NewSource(kind core.CameraKind, opts Options) (Source, error) {
	k, ok := core.ParseCameraKind(string(kind))
	if !ok {
		return nil, ErrDriverNotFound
	}
	registryMu.RLock()
	f, ok := registry[k]
	registryMu.RUnlock()
	if !ok {
		return nil, ErrDriverNotFound
	}
	return f(opts.withDefaults())
}

// Kinds lista as variantes registradas, em ordem alfabética.
func Kinds() []core.CameraKind {
	registryMu.RLock()
	kinds := lo.Keys(registry)
	registryMu.RUnlock()
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
