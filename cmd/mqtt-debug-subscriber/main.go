package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/sua-org/cam-sentinel/internal/config"
	"github.com/sua-org/cam-sentinel/internal/core"
	"github.com/sua-org/cam-sentinel/internal/mqttclient"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("CAM_SENTINEL_CONFIG"))
	if err != nil {
		log.Fatalf("configuração inválida: %v", err)
	}
	if !cfg.MQTT.Enabled() {
		log.Fatalf("MQTT_HOST não definido")
	}

	// Só alertas: base/<cameraId>/alerts
	defaultDebugTopic := cfg.MQTT.TopicBase + "/+/alerts"
	subscribeTopic := getenv("MQTT_DEBUG_TOPIC", defaultDebugTopic)
	saveSnapshots := os.Getenv("MQTT_DEBUG_SAVE") != ""

	mcfg := cfg.MQTT
	mcfg.ClientID = mcfg.ClientID + "-debug-subscriber"
	mcfg.WillTopic = ""
	mqttCli, err := mqttclient.NewClient(mcfg)
	if err != nil {
		log.Fatalf("erro ao conectar no MQTT: %v", err)
	}
	defer mqttCli.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := mqttCli.Subscribe(subscribeTopic, 1,
		func(topic string, payload []byte) {
			handleMessage(topic, payload, saveSnapshots)
		},
	); err != nil {
		log.Fatalf("erro ao assinar tópico %s: %v", subscribeTopic, err)
	}
	log.Printf("[debug] subscribed to topic: %s", subscribeTopic)

	<-ctx.Done()
	log.Println("[debug] sinal recebido, encerrando subscriber...")
}

func handleMessage(topic string, payload []byte, save bool) {
	log.Printf("\n[debug] mensagem recebida no tópico: %s", topic)
	log.Printf("[debug] payload bruto (%d bytes)", len(payload))

	var ev core.AlertEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		log.Printf("[debug] erro ao fazer unmarshal do JSON: %v", err)
		log.Printf("[debug] payload como string: %s", string(payload))
		return
	}

	pretty, _ := json.MarshalIndent(ev, "", "  ")
	log.Printf("[debug] JSON decodificado:\n%s", string(pretty))
	log.Printf("[ALERT] ts=%s camera=%s model=%s rule=%s detections=%d",
		ev.Timestamp.Format(time.RFC3339), ev.CameraID, ev.ModelID, ev.RuleID, len(ev.Detections))

	if ev.SnapshotURL == "" {
		log.Printf("[ALERT] sem snapshot.")
		return
	}
	log.Printf("[ALERT] snapshot: %s", ev.SnapshotURL)
	if !save {
		return
	}

	filename, err := download(ev)
	if err != nil {
		log.Printf("[ALERT] erro ao baixar snapshot: %v", err)
		return
	}
	log.Printf("[ALERT] snapshot salvo em: %s", filename)
}

func download(ev core.AlertEvent) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ev.SnapshotURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	filename := fmt.Sprintf("alert_%s_%s", ev.CameraID, path.Base(ev.SnapshotURL))
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return "", err
	}
	return filename, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
