// internal/drivers/synthetic.go
package drivers

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"time"

	"github.com/sua-org/cam-sentinel/internal/core"
)

func init() {
	RegisterSource(core.KindSynthetic, func(opts Options) (Source, error) {
		return NewSynthetic(opts)
	})
}

// Padrões aceitos no Address de uma câmera synthetic.
const (
	PatternBars     = "bars"
	PatternBlack    = "black"
	PatternGradient = "gradient"
	PatternMoving   = "moving"
)

// Synthetic gera quadros de teste. Serve para desenvolvimento e para os
// testes ponta a ponta, sem hardware.
type Synthetic struct {
	opts    Options
	pattern string

	mu        sync.Mutex
	connected bool
	tick      int
	last      time.Time

	// FailAfter > 0 faz ReadFrame falhar depois de N quadros (testes).
	FailAfter int
}

func NewSynthetic(opts Options) (*Synthetic, error) {
	opts = opts.withDefaults()
	pattern := opts.Address
	if pattern == "" {
		pattern = PatternBars
	}
	switch pattern {
	case PatternBars, PatternBlack, PatternGradient, PatternMoving:
	default:
		return nil, fmt.Errorf("%w: unknown synthetic pattern %q", core.ErrConfigInvalid, pattern)
	}
	if opts.Width <= 0 || opts.Height <= 0 {
		opts.Width, opts.Height = DefaultWidth, DefaultHeight
	}
	return &Synthetic{opts: opts, pattern: pattern}, nil
}

func (s *Synthetic) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	return nil
}

func (s *Synthetic) ReadFrame(ctx context.Context) (Frame, error) {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return Frame{}, ErrNotConnected
	}
	if s.FailAfter > 0 && s.tick >= s.FailAfter {
		s.mu.Unlock()
		return Frame{}, fmt.Errorf("%w: synthetic source exhausted", core.ErrConnection)
	}
	wait := time.Until(s.last.Add(time.Second / time.Duration(s.opts.FPS)))
	tick := s.tick
	s.tick++
	s.mu.Unlock()

	if wait > 0 {
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return Frame{}, ctx.Err()
		}
	}

	img := render(s.pattern, s.opts.Width, s.opts.Height, tick)
	data, err := encodeJPEG(img)
	if err != nil {
		return Frame{}, err
	}

	s.mu.Lock()
	s.last = time.Now()
	s.mu.Unlock()

	return Frame{
		Data:       data,
		Width:      s.opts.Width,
		Height:     s.opts.Height,
		CapturedAt: time.Now().UTC(),
	}, nil
}

func (s *Synthetic) Close() error {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	return nil
}

// BlackFrame devolve um JPEG preto, usado como placeholder enquanto a
// câmera está fora.
func BlackFrame(width, height int) []byte {
	if width <= 0 || height <= 0 {
		width, height = DefaultWidth, DefaultHeight
	}
	data, _ := encodeJPEG(render(PatternBlack, width, height, 0))
	return data
}

var barColors = []color.RGBA{
	{255, 255, 255, 255},
	{255, 255, 0, 255},
	{0, 255, 255, 255},
	{0, 255, 0, 255},
	{255, 0, 255, 255},
	{255, 0, 0, 255},
	{0, 0, 255, 255},
	{0, 0, 0, 255},
}

func render(pattern string, w, h, tick int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	switch pattern {
	case PatternBlack:
		for i := 3; i < len(img.Pix); i += 4 {
			img.Pix[i] = 255
		}
	case PatternGradient:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				v := uint8((x + tick) * 255 / w)
				img.SetRGBA(x, y, color.RGBA{v, v, v, 255})
			}
		}
	case PatternMoving:
		// quadrado branco andando sobre fundo preto
		size := h / 4
		ox := (tick * 8) % (w - size + 1)
		oy := (h - size) / 2
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				c := color.RGBA{0, 0, 0, 255}
				if x >= ox && x < ox+size && y >= oy && y < oy+size {
					c = color.RGBA{255, 255, 255, 255}
				}
				img.SetRGBA(x, y, c)
			}
		}
	default:
		bw := w / len(barColors)
		if bw == 0 {
			bw = 1
		}
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				i := x / bw
				if i >= len(barColors) {
					i = len(barColors) - 1
				}
				img.SetRGBA(x, y, barColors[i])
			}
		}
	}
	return img
}

func encodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
