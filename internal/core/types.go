// internal/core/types.go
package core

import (
	"image"
	"time"
)

// HealthStatus é o estado de conectividade publicado para cada câmera.
type HealthStatus string

const (
	HealthConnecting     HealthStatus = "connecting"
	HealthOnline         HealthStatus = "online"
	HealthOffline        HealthStatus = "offline"
	HealthNotEstablished HealthStatus = "not_established"
	HealthDisabled       HealthStatus = "disabled"
)

// CameraConfig é o que o plano administrativo entrega para registrar uma câmera.
type CameraConfig struct {
	ID          string            `json:"id" yaml:"id"`
	Name        string            `json:"name,omitempty" yaml:"name"`
	Kind        CameraKind        `json:"kind" yaml:"kind"`
	Address     string            `json:"address" yaml:"address"`
	Credentials string            `json:"credentials,omitempty" yaml:"credentials"`
	SignalURL   string            `json:"signal_url" yaml:"signal_url"`
	FPS         int               `json:"fps,omitempty" yaml:"fps"`
	Enabled     bool              `json:"enabled" yaml:"enabled"`
	Tags        map[string]string `json:"tags,omitempty" yaml:"tags"`
}

// CameraSource é a entrada da câmera no registro do supervisor.
// Fora do supervisor só circulam cópias (snapshots).
type CameraSource struct {
	Config        CameraConfig `json:"config"`
	Health        HealthStatus `json:"health"`
	HealthSince   time.Time    `json:"health_since"`
	HealthReason  string       `json:"health_reason,omitempty"`
	SessionID     string       `json:"session_id,omitempty"`
	EverConnected bool         `json:"ever_connected"`
	Reconnects    int          `json:"reconnects"`
	LastFrameAt   time.Time    `json:"last_frame_at,omitempty"`
}

// Frame é um quadro decodificado. Data e Image são tratados como imutáveis;
// quem precisa reter o quadro além de um salto do pipeline usa Clone.
type Frame struct {
	CameraID   string
	Seq        uint64
	CapturedAt time.Time
	Format     string
	Width      int
	Height     int
	Data       []byte
	Image      image.Image
}

// Clone devolve uma cópia rasa: o cabeçalho é novo, os bytes são compartilhados.
func (f *Frame) Clone() *Frame {
	if f == nil {
		return nil
	}
	c := *f
	return &c
}

// FrameGap sinaliza que os quadros From..To (inclusive) não chegaram.
type FrameGap struct {
	CameraID string
	From     uint64
	To       uint64
	At       time.Time
}

func (g FrameGap) Missing() uint64 {
	if g.To < g.From {
		return 0
	}
	return g.To - g.From + 1
}

type ModelBinding struct {
	CameraID string `json:"camera_id" yaml:"camera_id"`
	ModelID  string `json:"model_id" yaml:"model_id"`
	Priority int    `json:"priority" yaml:"priority"`
}

type Detection struct {
	Class string    `json:"class"`
	Score float64   `json:"score"`
	Box   []float64 `json:"box,omitempty"` // [x1, y1, x2, y2]
}

type InferenceResult struct {
	CameraID   string        `json:"camera_id"`
	ModelID    string        `json:"model_id"`
	Seq        uint64        `json:"seq"`
	CapturedAt time.Time     `json:"captured_at"`
	Timestamp  time.Time     `json:"timestamp"`
	Latency    time.Duration `json:"latency"`
	Detections []Detection   `json:"detections"`

	// quadro de origem, usado só para snapshot do alerta
	Frame *Frame `json:"-"`
}

type AlertRule struct {
	ID       string        `json:"id" yaml:"id"`
	Cameras  []string      `json:"cameras,omitempty" yaml:"cameras"`
	Models   []string      `json:"models,omitempty" yaml:"models"`
	Class    string        `json:"class" yaml:"class"`
	MinScore float64       `json:"min_score" yaml:"min_score"`
	MinCount int           `json:"min_count" yaml:"min_count"`
	Cooldown time.Duration `json:"cooldown" yaml:"cooldown"`
}

type AlertEvent struct {
	ID          string            `json:"id"`
	RuleID      string            `json:"rule_id"`
	CameraID    string            `json:"camera_id"`
	ModelID     string            `json:"model_id"`
	Seq         uint64            `json:"seq"`
	Timestamp   time.Time         `json:"timestamp"`
	CapturedAt  time.Time         `json:"captured_at"`
	Detections  []Detection       `json:"detections"`
	Tags        map[string]string `json:"tags,omitempty"`
	SnapshotURL string            `json:"snapshot_url,omitempty"`

	// bytes JPEG do quadro que disparou o alerta (não vai pro JSON)
	Snapshot []byte `json:"-"`
}
