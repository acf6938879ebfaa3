// internal/alerts/delivery.go
package alerts

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/sua-org/cam-sentinel/internal/core"
	"github.com/sua-org/cam-sentinel/internal/metrics"
)

// SnapshotStore guarda o JPEG do alerta e devolve a URL.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

type DeliveryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay" json:"max_delay"`
	Timeout     time.Duration `yaml:"timeout" json:"timeout"`
}

func (c DeliveryConfig) withDefaults() DeliveryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 200 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	return c
}

type DeliveryStats struct {
	Delivered uint64 `json:"delivered"`
	Retries   uint64 `json:"retries"`
	Failed    uint64 `json:"failed"`
	Snapshots uint64 `json:"snapshots"`
}

// Delivery é a task que tira eventos da fila do avaliador e entrega na sink,
// com retry e backoff exponencial.
type Delivery struct {
	sink    Sink
	store   SnapshotStore
	cfg     DeliveryConfig
	metrics *metrics.Metrics

	delivered atomic.Uint64
	retries   atomic.Uint64
	failed    atomic.Uint64
	snapshots atomic.Uint64
}

// NewDelivery: store pode ser nil (sem snapshot).
func NewDelivery(sink Sink, store SnapshotStore, cfg DeliveryConfig, m *metrics.Metrics) *Delivery {
	return &Delivery{sink: sink, store: store, cfg: cfg.withDefaults(), metrics: m}
}

// Run entrega até events fechar ou ctx acabar.
func (d *Delivery) Run(ctx context.Context, events <-chan core.AlertEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := d.Deliver(ctx, ev); err != nil {
				log.Printf("[alerts] alerta %s não entregue: %v", ev.ID, err)
			}
		}
	}
}

// Deliver sobe o snapshot (se houver) e entrega o evento.
func (d *Delivery) Deliver(ctx context.Context, ev core.AlertEvent) error {
	if d.store != nil && len(ev.Snapshot) > 0 && ev.SnapshotURL == "" {
		sctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
		u, err := d.store.SaveSnapshot(sctx, SnapshotKey(ev), ev.Snapshot, "image/jpeg")
		cancel()
		if err != nil {
			// alerta sem imagem ainda é alerta
			log.Printf("[alerts] snapshot do alerta %s falhou: %v", ev.ID, err)
		} else {
			ev.SnapshotURL = u
			d.snapshots.Add(1)
		}
	}

	delay := d.cfg.BaseDelay
	var lastErr error
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		actx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
		err := d.sink.Enqueue(actx, ev)
		cancel()
		if err == nil {
			d.delivered.Add(1)
			d.metrics.Alert(ev.RuleID, "delivered")
			return nil
		}
		lastErr = err
		if attempt == d.cfg.MaxAttempts {
			break
		}
		d.retries.Add(1)
		log.Printf("[alerts] entrega do alerta %s falhou (tentativa %d/%d), nova tentativa em %s: %v",
			ev.ID, attempt, d.cfg.MaxAttempts, delay, err)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			d.failed.Add(1)
			d.metrics.Alert(ev.RuleID, "delivery_failed")
			return fmt.Errorf("%w: %v", core.ErrAlertDelivery, ctx.Err())
		case <-t.C:
		}
		delay *= 2
		if delay > d.cfg.MaxDelay {
			delay = d.cfg.MaxDelay
		}
	}
	d.failed.Add(1)
	d.metrics.Alert(ev.RuleID, "delivery_failed")
	return fmt.Errorf("%w: after %d attempts: %v", core.ErrAlertDelivery, d.cfg.MaxAttempts, lastErr)
}

// SnapshotKey: alerts/<câmera>/<aaaa>/<mm>/<dd>/<evento>.jpg
func SnapshotKey(ev core.AlertEvent) string {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return fmt.Sprintf("alerts/%s/%s/%s.jpg", ev.CameraID, ts.UTC().Format("2006/01/02"), ev.ID)
}

func (d *Delivery) Stats() DeliveryStats {
	return DeliveryStats{
		Delivered: d.delivered.Load(),
		Retries:   d.retries.Load(),
		Failed:    d.failed.Load(),
		Snapshots: d.snapshots.Load(),
	}
}
