package supervisor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"slices"
	"strconv"
	"strings"

	"github.com/sua-org/cam-sentinel/internal/core"
)

// BindingSetter é o lado de configuração do router.
type BindingSetter interface {
	SetBinding(cameraID, modelID string, bound bool, priority int)
}

// ModelLister informa os modelos registrados no scheduler.
type ModelLister interface {
	Models() []string
}

// MQTTAdmin traduz tópicos administrativos em operações do supervisor:
//
//	<base>/<cameraId>/info               JSON da câmera; vazio ou null remove
//	<base>/<cameraId>/bindings/<modelId> true|false ou {"bound":true,"priority":N}
type MQTTAdmin struct {
	sup       *Supervisor
	bindings  BindingSetter
	models    ModelLister
	baseTopic string
}

// NewMQTTAdmin: com models nil qualquer id de modelo é aceito.
func NewMQTTAdmin(sup *Supervisor, bindings BindingSetter, models ModelLister, baseTopic string) *MQTTAdmin {
	return &MQTTAdmin{
		sup:       sup,
		bindings:  bindings,
		models:    models,
		baseTopic: strings.TrimSuffix(baseTopic, "/"),
	}
}

func (a *MQTTAdmin) Subscribe(sub Subscriber) error {
	infoTopic := a.baseTopic + "/+/info"
	log.Printf("[supervisor] subscribing to info topic: %s", infoTopic)
	if err := sub.Subscribe(infoTopic, 1, a.HandleInfo); err != nil {
		return fmt.Errorf("subscribe error: %w", err)
	}
	bindTopic := a.baseTopic + "/+/bindings/+"
	log.Printf("[supervisor] subscribing to bindings topic: %s", bindTopic)
	if err := sub.Subscribe(bindTopic, 1, a.HandleBinding); err != nil {
		return fmt.Errorf("subscribe bindings error: %w", err)
	}
	return nil
}

// segments devolve o que vem depois do tópico base.
func (a *MQTTAdmin) segments(topic string) ([]string, bool) {
	rest, ok := strings.CutPrefix(topic, a.baseTopic+"/")
	if !ok {
		return nil, false
	}
	return strings.Split(rest, "/"), true
}

func (a *MQTTAdmin) HandleInfo(topic string, payload []byte) {
	parts, ok := a.segments(topic)
	if !ok || len(parts) != 2 || parts[1] != "info" {
		log.Printf("[supervisor] invalid info topic: %s", topic)
		return
	}
	id := parts[0]

	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		log.Printf("[supervisor] camera %s removed via tombstone", id)
		a.sup.UnregisterCamera(id)
		return
	}

	var cfg core.CameraConfig
	if err := json.Unmarshal(trimmed, &cfg); err != nil {
		log.Printf("[supervisor] invalid JSON on %s: %v", topic, err)
		return
	}
	cfg.ID = id
	cfg.Address = strings.TrimSpace(cfg.Address)
	cfg.SignalURL = strings.TrimSpace(cfg.SignalURL)
	if kind, ok := core.ParseCameraKind(string(cfg.Kind)); ok {
		cfg.Kind = kind
	}

	if err := a.sup.ApplyCamera(cfg); err != nil {
		log.Printf("[supervisor] camera %s rejected: %v", id, err)
	}
}

type bindingPayload struct {
	Bound    *bool `json:"bound"`
	Priority int   `json:"priority"`
}

func (a *MQTTAdmin) HandleBinding(topic string, payload []byte) {
	parts, ok := a.segments(topic)
	if !ok || len(parts) != 3 || parts[1] != "bindings" || parts[2] == "" {
		log.Printf("[supervisor] invalid bindings topic: %s", topic)
		return
	}
	camID, modelID := parts[0], parts[2]

	bound, priority, err := parseBinding(payload)
	if err != nil {
		log.Printf("[supervisor] invalid binding payload on %s: %v", topic, err)
		return
	}
	// desligar um modelo desconhecido é inofensivo; ligar não
	if bound && a.models != nil && !slices.Contains(a.models.Models(), modelID) {
		log.Printf("[supervisor] binding %s -> %s rejeitado: modelo desconhecido", camID, modelID)
		return
	}
	a.bindings.SetBinding(camID, modelID, bound, priority)
	log.Printf("[supervisor] binding %s -> %s = %v (prioridade %d)", camID, modelID, bound, priority)
}

func parseBinding(payload []byte) (bool, int, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return false, 0, nil
	}
	if trimmed[0] == '{' {
		var p bindingPayload
		if err := json.Unmarshal(trimmed, &p); err != nil {
			return false, 0, err
		}
		if p.Bound == nil {
			return false, 0, fmt.Errorf("missing \"bound\"")
		}
		return *p.Bound, p.Priority, nil
	}
	b, err := strconv.ParseBool(string(trimmed))
	if err != nil {
		return false, 0, err
	}
	return b, 0, nil
}
