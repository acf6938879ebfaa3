package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/sua-org/cam-sentinel/internal/core"
)

// Publisher é o subconjunto do cliente MQTT usado aqui.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// Subscriber é o lado de assinatura do cliente MQTT.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error
}

type statusPublisher struct {
	sup       *Supervisor
	pub       Publisher
	baseTopic string
	interval  time.Duration
	proc      *process.Process
	hostname  string
}

// EnableStatus liga a publicação periódica do status das câmeras e do
// coletor (CPU/memória do processo). Chamar antes de Run.
func (s *Supervisor) EnableStatus(pub Publisher, baseTopic string) {
	if s.cfg.StatusInterval <= 0 || pub == nil {
		return
	}
	var procHandle *process.Process
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		procHandle = p
	}
	hostname, _ := os.Hostname()
	s.status = &statusPublisher{
		sup:       s,
		pub:       pub,
		baseTopic: strings.TrimSuffix(baseTopic, "/"),
		interval:  s.cfg.StatusInterval,
		proc:      procHandle,
		hostname:  hostname,
	}
}

func (p *statusPublisher) run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	log.Printf("[supervisor] status loop iniciado (intervalo=%s)", p.interval)

	for {
		select {
		case <-ctx.Done():
			log.Printf("[supervisor] status loop encerrado (context canceled)")
			return
		case t := <-ticker.C:
			p.publishAll(t)
		}
	}
}

func (p *statusPublisher) publishAll(now time.Time) {
	cams := p.sup.Cameras()
	for _, c := range cams {
		if err := p.publishCamera(c, now); err != nil {
			log.Printf("[status] erro ao publicar status da câmera %s: %v", c.Config.ID, err)
		}
	}
	if err := p.publishCollector(cams, now); err != nil {
		log.Printf("[status] erro ao publicar status do coletor: %v", err)
	}
}

// cameraStatusPayload monta o JSON publicado em <base>/<id>/status.
func cameraStatusPayload(src core.CameraSource, now time.Time) map[string]interface{} {
	payload := map[string]interface{}{
		"camera_id": src.Config.ID,
		"kind":      string(src.Config.Kind),
		"status":    string(src.Health),
		"enabled":   src.Config.Enabled,
		"timestamp": now.UTC().Format(time.RFC3339),
	}
	if src.Config.Name != "" {
		payload["name"] = src.Config.Name
	}
	if !src.HealthSince.IsZero() {
		payload["status_since"] = src.HealthSince.UTC().Format(time.RFC3339)
	}
	if src.HealthReason != "" {
		payload["status_reason"] = src.HealthReason
	}
	if src.SessionID != "" {
		payload["session_id"] = src.SessionID
	}
	if !src.LastFrameAt.IsZero() {
		payload["last_frame_at"] = src.LastFrameAt.UTC().Format(time.RFC3339)
	}
	if src.EverConnected {
		payload["ever_connected"] = true
	}
	if src.Reconnects > 0 {
		payload["reconnects"] = src.Reconnects
	}
	if len(src.Config.Tags) > 0 {
		payload["tags"] = src.Config.Tags
	}
	return payload
}

func (p *statusPublisher) publishCamera(src core.CameraSource, now time.Time) error {
	b, err := json.Marshal(cameraStatusPayload(src, now))
	if err != nil {
		return fmt.Errorf("marshal camera status: %w", err)
	}
	topic := fmt.Sprintf("%s/%s/status", p.baseTopic, src.Config.ID)
	if err := p.pub.Publish(topic, 1, true, b); err != nil {
		return fmt.Errorf("publish camera status to %s: %w", topic, err)
	}
	return nil
}

func (p *statusPublisher) publishCollector(cams []core.CameraSource, now time.Time) error {
	var (
		cpuPercent  float64
		memPercent  float64
		memRSSBytes uint64
	)
	if p.proc != nil {
		if cpu, err := p.proc.CPUPercent(); err == nil {
			cpuPercent = cpu
		}
		if memInfo, err := p.proc.MemoryInfo(); err == nil {
			memRSSBytes = memInfo.RSS
		}
		if memP, err := p.proc.MemoryPercent(); err == nil {
			memPercent = float64(memP)
		}
	}

	byHealth := make(map[string]int)
	for _, c := range cams {
		byHealth[string(c.Health)]++
	}

	payload := map[string]interface{}{
		"collector":        "cam-sentinel",
		"status":           "online",
		"timestamp":        now.UTC().Format(time.RFC3339),
		"hostname":         p.hostname,
		"cameras":          len(cams),
		"cameras_by_state": byHealth,
		"cpu_percent":      cpuPercent,
		"memory_percent":   memPercent,
		"memory_rss_bytes": memRSSBytes,
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal collector status: %w", err)
	}
	topic := p.baseTopic + "/_collector/status"
	if err := p.pub.Publish(topic, 1, true, b); err != nil {
		return fmt.Errorf("publish collector status to %s: %w", topic, err)
	}
	log.Printf("[status] collector online -> %s", topic)
	return nil
}
