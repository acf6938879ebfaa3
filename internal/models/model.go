// internal/models/model.go
package models

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/sua-org/cam-sentinel/internal/core"
)

// Model é um modelo de visão computacional. Cada pool de workers do
// scheduler é ligado a uma instância.
//
// Infer deve ser seguro para chamadas concorrentes (um pool tem N workers).
type Model interface {
	ID() string
	Infer(ctx context.Context, f *core.Frame) (Result, error)
}

// Resetter é implementado por modelos que têm estado a descartar quando o
// worker é reciclado.
type Resetter interface {
	Reset() error
}

type Result struct {
	Detections []core.Detection
}

// Config descreve um modelo no arquivo de configuração. Trocar de modelo é
// trocar o Type, não o código.
type Config struct {
	ID   string `yaml:"id" json:"id"`
	Type string `yaml:"type" json:"type"`

	// http
	Endpoint string        `yaml:"endpoint" json:"endpoint,omitempty"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout,omitempty"`
	Token    string        `yaml:"token" json:"-"`

	// motion / brightness
	Threshold float64 `yaml:"threshold" json:"threshold,omitempty"`
	MinRatio  float64 `yaml:"min_ratio" json:"min_ratio,omitempty"`

	// sleep
	Latency   time.Duration `yaml:"latency" json:"latency,omitempty"`
	FaultRate float64       `yaml:"fault_rate" json:"fault_rate,omitempty"`
	Panic     bool          `yaml:"panic" json:"panic,omitempty"`
}

type Factory func(cfg Config) (Model, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

func Register(typ string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[strings.ToLower(typ)] = f
}

// Types lista os tipos registrados.
func Types() []string {
	registryMu.RLock()
	types := lo.Keys(registry)
	registryMu.RUnlock()
	sort.Strings(types)
	return types
}

// New cria o modelo a partir da configuração.
func New(cfg Config) (Model, error) {
	if strings.TrimSpace(cfg.ID) == "" {
		return nil, fmt.Errorf("%w: model without id", core.ErrConfigInvalid)
	}
	typ := strings.ToLower(strings.TrimSpace(cfg.Type))
	registryMu.RLock()
	f, ok := registry[typ]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: model %s: unknown type %q", core.ErrConfigInvalid, cfg.ID, cfg.Type)
	}
	m, err := f(cfg)
	if err != nil {
		return nil, fmt.Errorf("model %s: %w", cfg.ID, err)
	}
	return m, nil
}

// Load cria todos os modelos da lista. Ids repetidos ou tipos desconhecidos
// falham o carregamento inteiro.
func Load(cfgs []Config) ([]Model, error) {
	seen := map[string]bool{}
	out := make([]Model, 0, len(cfgs))
	for _, c := range cfgs {
		if seen[c.ID] {
			return nil, fmt.Errorf("%w: duplicated model id %q", core.ErrConfigInvalid, c.ID)
		}
		seen[c.ID] = true
		m, err := New(c)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if len(out) > 0 {
		log.Printf("[models] carregados: %s", strings.Join(lo.Map(out, func(m Model, _ int) string { return m.ID() }), ","))
	} else {
		log.Printf("[models] nenhum modelo configurado")
	}
	return out, nil
}

// frameImage devolve a imagem decodificada do quadro, decodificando o JPEG
// se o transporte não o fez.
func frameImage(f *core.Frame) (image.Image, error) {
	if f == nil {
		return nil, fmt.Errorf("%w: nil frame", core.ErrModelError)
	}
	if f.Image != nil {
		return f.Image, nil
	}
	if len(f.Data) == 0 {
		return nil, fmt.Errorf("%w: empty frame", core.ErrModelError)
	}
	img, err := jpeg.Decode(bytes.NewReader(f.Data))
	if err != nil {
		return nil, fmt.Errorf("%w: decode frame: %v", core.ErrModelError, err)
	}
	return img, nil
}

// luma amostra a imagem numa grade w x h e devolve a luminância (0..255) de
// cada célula.
func luma(img image.Image, w, h int) []uint8 {
	b := img.Bounds()
	out := make([]uint8, w*h)
	for y := 0; y < h; y++ {
		sy := b.Min.Y + (y*b.Dy()+b.Dy()/2)/h
		for x := 0; x < w; x++ {
			sx := b.Min.X + (x*b.Dx()+b.Dx()/2)/w
			r, g, bl, _ := img.At(sx, sy).RGBA()
			// BT.601, valores de 16 bits
			l := (299*r + 587*g + 114*bl) / 1000
			out[y*w+x] = uint8(l >> 8)
		}
	}
	return out
}
