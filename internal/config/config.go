// Package config junta as seções de configuração dos binários: um YAML
// opcional com sobreposição por variáveis de ambiente.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/samber/lo"
	"github.com/sua-org/cam-sentinel/internal/adminstore"
	"github.com/sua-org/cam-sentinel/internal/alerts"
	"github.com/sua-org/cam-sentinel/internal/core"
	"github.com/sua-org/cam-sentinel/internal/models"
	"github.com/sua-org/cam-sentinel/internal/mqttclient"
	"github.com/sua-org/cam-sentinel/internal/router"
	"github.com/sua-org/cam-sentinel/internal/scheduler"
	"github.com/sua-org/cam-sentinel/internal/signaling"
	"github.com/sua-org/cam-sentinel/internal/storage"
	"github.com/sua-org/cam-sentinel/internal/supervisor"
	"github.com/sua-org/cam-sentinel/internal/transport"
	"gopkg.in/yaml.v3"
)

type Config struct {
	MQTT       mqttclient.Config         `yaml:"mqtt"`
	Minio      storage.Config            `yaml:"minio"`
	Kafka      KafkaConfig               `yaml:"kafka"`
	Postgres   adminstore.PostgresConfig `yaml:"postgres"`
	Signaling  SignalingConfig           `yaml:"signaling"`
	Supervisor supervisor.Config         `yaml:"supervisor"`
	Router     RouterConfig              `yaml:"router"`
	Models     []ModelConfig             `yaml:"models"`
	Alerts     AlertsConfig              `yaml:"alerts"`
	Rules      []core.AlertRule          `yaml:"rules"`

	Cameras     []core.CameraConfig `yaml:"cameras"`
	CamerasFile string              `yaml:"cameras_file" env:"CAMERAS_FILE"`
	Bindings    []core.ModelBinding `yaml:"bindings"`

	HTTP    HTTPConfig    `yaml:"http"`
	Metrics MetricsConfig `yaml:"metrics"`
	Edge    EdgeConfig    `yaml:"edge"`
}

type KafkaConfig struct {
	Brokers    []string `yaml:"brokers" env:"KAFKA_BROKERS" envSeparator:","`
	AlertTopic string   `yaml:"alert_topic" env:"KAFKA_ALERT_TOPIC"`
}

func (c KafkaConfig) Enabled() bool { return len(c.Brokers) > 0 }

type SignalingConfig struct {
	JWTSecret          string        `yaml:"jwt_secret" env:"SIGNALING_JWT_SECRET"`
	JWTIssuer          string        `yaml:"jwt_issuer" env:"SIGNALING_JWT_ISSUER"`
	TokenTTL           time.Duration `yaml:"token_ttl" env:"SIGNALING_TOKEN_TTL"`
	NegotiationTimeout time.Duration `yaml:"negotiation_timeout" env:"SIGNALING_NEGOTIATION_TIMEOUT"`
	CandidateGather    time.Duration `yaml:"candidate_gather" env:"SIGNALING_CANDIDATE_GATHER"`
	MediaReadTimeout   time.Duration `yaml:"media_read_timeout" env:"SIGNALING_MEDIA_READ_TIMEOUT"`
	DecodeFailures     int           `yaml:"decode_failures" env:"SIGNALING_DECODE_FAILURES"`
}

// Auth devolve nil quando não há segredo (modo desenvolvimento).
func (c SignalingConfig) Auth() *signaling.TokenAuth {
	if c.JWTSecret == "" {
		return nil
	}
	return signaling.NewTokenAuth(c.JWTSecret, c.JWTIssuer, c.TokenTTL)
}

func (c SignalingConfig) Coordinator() signaling.Config {
	sc := signaling.DefaultConfig()
	if c.NegotiationTimeout > 0 {
		sc.NegotiationTimeout = c.NegotiationTimeout
	}
	if c.CandidateGather > 0 {
		sc.CandidateGather = c.CandidateGather
	}
	media := transport.DefaultConfig()
	if c.MediaReadTimeout > 0 {
		media.ReadTimeout = c.MediaReadTimeout
	}
	if c.DecodeFailures > 0 {
		media.DecodeFailureThreshold = c.DecodeFailures
	}
	sc.Media = media
	return sc
}

type RouterConfig struct {
	QueueSize int `yaml:"queue_size" env:"ROUTER_QUEUE_SIZE"`
}

// ModelConfig é um modelo e o pool de workers que o atende.
type ModelConfig struct {
	models.Config `yaml:",inline"`
	Pool          scheduler.PoolConfig `yaml:"pool"`
}

type AlertsConfig struct {
	QueueSize    int                   `yaml:"queue_size" env:"ALERTS_QUEUE_SIZE"`
	ResultBuffer int                   `yaml:"result_buffer" env:"ALERTS_RESULT_BUFFER"`
	MQTT         bool                  `yaml:"mqtt" env:"ALERTS_MQTT"`
	Log          bool                  `yaml:"log" env:"ALERTS_LOG"`
	Delivery     alerts.DeliveryConfig `yaml:"delivery"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr" env:"HTTP_ADDR"`
}

type MetricsConfig struct {
	OTLPEndpoint string        `yaml:"otlp_endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName  string        `yaml:"service_name" env:"OTEL_SERVICE_NAME"`
	Interval     time.Duration `yaml:"interval" env:"METRICS_INTERVAL"`
}

// EdgeConfig é usado só pelo cam-edge.
type EdgeConfig struct {
	Addr       string   `yaml:"addr" env:"EDGE_ADDR"`
	MediaURLs  []string `yaml:"media_urls" env:"EDGE_MEDIA_URLS" envSeparator:","`
	FFmpegPath string   `yaml:"ffmpeg_path" env:"EDGE_FFMPEG_PATH"`
}

func Default() *Config {
	return &Config{
		MQTT: mqttclient.Config{
			Port:      1883,
			ClientID:  "cam-sentinel",
			TopicBase: "sentinel/cameras",
		},
		Kafka:      KafkaConfig{AlertTopic: "cam-sentinel.alerts"},
		Signaling:  SignalingConfig{JWTIssuer: "cam-sentinel", TokenTTL: 5 * time.Minute},
		Supervisor: supervisor.DefaultConfig(),
		Router:     RouterConfig{QueueSize: router.DefaultQueueSize},
		Alerts: AlertsConfig{
			QueueSize:    256,
			ResultBuffer: 256,
			MQTT:         true,
			Log:          true,
		},
		HTTP:    HTTPConfig{Addr: ":8080"},
		Metrics: MetricsConfig{ServiceName: "cam-sentinel", Interval: 15 * time.Second},
		Edge:    EdgeConfig{Addr: ":8090", FFmpegPath: "ffmpeg"},
	}
}

// Load lê o YAML (se path não for vazio) sobre os defaults e depois aplica
// as variáveis de ambiente, que têm prioridade.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: parse %s: %v", core.ErrConfigInvalid, path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("%w: env: %v", core.ErrConfigInvalid, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checa o que dá para checar sem subir nada. Câmeras e regras são
// validadas de novo por quem as consome.
func (c *Config) Validate() error {
	var errs []error

	ids := lo.Map(c.Models, func(m ModelConfig, _ int) string { return m.ID })
	if dups := lo.FindDuplicates(ids); len(dups) > 0 {
		errs = append(errs, fmt.Errorf("%w: duplicate model ids %v", core.ErrConfigInvalid, dups))
	}
	for _, m := range c.Models {
		if m.ID == "" || m.Type == "" {
			errs = append(errs, fmt.Errorf("%w: model entries need id and type", core.ErrConfigInvalid))
		}
	}

	camIDs := lo.Map(c.Cameras, func(cc core.CameraConfig, _ int) string { return cc.ID })
	if dups := lo.FindDuplicates(camIDs); len(dups) > 0 {
		errs = append(errs, fmt.Errorf("%w: duplicate camera ids %v", core.ErrConfigInvalid, dups))
	}

	known := lo.SliceToMap(ids, func(id string) (string, bool) { return id, true })
	for _, b := range c.Bindings {
		if !known[b.ModelID] {
			errs = append(errs, fmt.Errorf("%w: binding %s -> %s: unknown model", core.ErrConfigInvalid, b.CameraID, b.ModelID))
		}
	}

	if c.Router.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("%w: router.queue_size must be >= 0", core.ErrConfigInvalid))
	}
	return errors.Join(errs...)
}

// ModelConfigs separa a parte do modelo da parte do pool.
func (c *Config) ModelConfigs() []models.Config {
	return lo.Map(c.Models, func(m ModelConfig, _ int) models.Config { return m.Config })
}

// AdminStore monta a fonte de câmeras da partida. A lista da config vem
// primeiro; o arquivo e o banco completam.
func (c *Config) AdminStore(pg adminstore.Store) adminstore.Store {
	stores := adminstore.Multi{adminstore.Static{Cameras: c.Cameras, Bindings: c.Bindings}}
	if c.CamerasFile != "" {
		stores = append(stores, adminstore.File{Path: c.CamerasFile})
	}
	if pg != nil {
		stores = append(stores, pg)
	}
	return stores
}
