package supervisor

import (
	"math/rand/v2"
	"time"
)

type BackoffConfig struct {
	Base        time.Duration `yaml:"base" env:"BACKOFF_BASE"`
	Multiplier  float64       `yaml:"multiplier" env:"BACKOFF_MULTIPLIER"`
	Jitter      float64       `yaml:"jitter" env:"BACKOFF_JITTER"`
	Max         time.Duration `yaml:"max" env:"BACKOFF_MAX"`
	StableAfter time.Duration `yaml:"stable_after" env:"BACKOFF_STABLE_AFTER"`
}

func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		Base:        500 * time.Millisecond,
		Multiplier:  2,
		Jitter:      0.2,
		Max:         30 * time.Second,
		StableAfter: time.Minute,
	}
}

func (c BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoff()
	if c.Base <= 0 {
		c.Base = d.Base
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	if c.Jitter < 0 || c.Jitter > 1 {
		c.Jitter = d.Jitter
	}
	if c.Max <= 0 {
		c.Max = d.Max
	}
	if c.Max < c.Base {
		c.Max = c.Base
	}
	if c.StableAfter <= 0 {
		c.StableAfter = d.StableAfter
	}
	return c
}

// Backoff gera a sequência de esperas entre tentativas de uma câmera.
// A sequência nunca diminui até o teto; o jitter só empurra para cima e é
// limitado pelo teto. Não é seguro para uso concorrente: cada tarefa de
// câmera tem o seu.
type Backoff struct {
	cfg     BackoffConfig
	attempt int
	prev    time.Duration
	rand    func() float64
}

func NewBackoff(cfg BackoffConfig) *Backoff {
	return &Backoff{cfg: cfg.withDefaults(), rand: rand.Float64}
}

// Next devolve a próxima espera e avança a sequência.
func (b *Backoff) Next() time.Duration {
	base := float64(b.cfg.Base)
	for i := 0; i < b.attempt && base < float64(b.cfg.Max); i++ {
		base *= b.cfg.Multiplier
	}
	if base > float64(b.cfg.Max) {
		base = float64(b.cfg.Max)
	}
	b.attempt++

	d := time.Duration(base * (1 + b.cfg.Jitter*b.rand()))
	if d > b.cfg.Max {
		d = b.cfg.Max
	}
	if d < b.prev {
		d = b.prev
	}
	b.prev = d
	return d
}

// Reset volta para a espera base.
func (b *Backoff) Reset() {
	b.attempt = 0
	b.prev = 0
}

// Observe recebe quanto tempo a última conexão ficou de pé; conexão estável
// zera a sequência.
func (b *Backoff) Observe(uptime time.Duration) bool {
	if uptime >= b.cfg.StableAfter {
		b.Reset()
		return true
	}
	return false
}

func (b *Backoff) Attempts() int { return b.attempt }
