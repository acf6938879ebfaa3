// Package health publica as transições de saúde das câmeras sem nunca
// segurar quem reporta.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sua-org/cam-sentinel/internal/core"
)

type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

type Stats struct {
	Reported  uint64 `json:"reported"`
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	Failed    uint64 `json:"failed"`
}

type update struct {
	src  core.CameraSource
	gone bool
	id   string
}

// Reporter guarda as atualizações numa fila limitada; fila cheia descarta a
// atualização nova (o próximo status periódico corrige o estado).
type Reporter struct {
	pub       Publisher
	baseTopic string
	queue     chan update
	now       func() time.Time

	reported  atomic.Uint64
	published atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

func NewReporter(pub Publisher, baseTopic string, queueSize int) *Reporter {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Reporter{
		pub:       pub,
		baseTopic: strings.TrimSuffix(baseTopic, "/"),
		queue:     make(chan update, queueSize),
		now:       time.Now,
	}
}

func (r *Reporter) Topic(cameraID string) string {
	return fmt.Sprintf("%s/%s/status", r.baseTopic, cameraID)
}

func (r *Reporter) ReportHealth(src core.CameraSource) {
	r.reported.Add(1)
	r.offer(update{src: src, id: src.Config.ID})
}

// Forget limpa o status retido da câmera removida.
func (r *Reporter) Forget(cameraID string) {
	r.offer(update{id: cameraID, gone: true})
}

func (r *Reporter) offer(u update) {
	select {
	case r.queue <- u:
	default:
		r.dropped.Add(1)
		log.Printf("[health] fila cheia, descartando status de %s", u.id)
	}
}

// Run publica até o ctx acabar.
func (r *Reporter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-r.queue:
			r.publish(u)
		}
	}
}

func (r *Reporter) publish(u update) {
	topic := r.Topic(u.id)
	var payload []byte
	if !u.gone {
		b, err := json.Marshal(statusPayload(u.src, r.now()))
		if err != nil {
			r.failed.Add(1)
			log.Printf("[health] marshal %s: %v", u.id, err)
			return
		}
		payload = b
	}
	if err := r.pub.Publish(topic, 1, true, payload); err != nil {
		r.failed.Add(1)
		log.Printf("[health] publish %s: %v", topic, err)
		return
	}
	r.published.Add(1)
}

func statusPayload(src core.CameraSource, now time.Time) map[string]interface{} {
	p := map[string]interface{}{
		"camera_id": src.Config.ID,
		"status":    string(src.Health),
		"enabled":   src.Config.Enabled,
		"timestamp": now.UTC().Format(time.RFC3339),
	}
	if src.HealthReason != "" {
		p["status_reason"] = src.HealthReason
	}
	if !src.HealthSince.IsZero() {
		p["status_since"] = src.HealthSince.UTC().Format(time.RFC3339)
	}
	if src.SessionID != "" {
		p["session_id"] = src.SessionID
	}
	if src.EverConnected {
		p["ever_connected"] = true
	}
	return p
}

func (r *Reporter) Stats() Stats {
	return Stats{
		Reported:  r.reported.Load(),
		Published: r.published.Load(),
		Dropped:   r.dropped.Load(),
		Failed:    r.failed.Load(),
	}
}
