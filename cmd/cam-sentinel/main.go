// cmd/cam-sentinel/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/sua-org/cam-sentinel/internal/adminstore"
	"github.com/sua-org/cam-sentinel/internal/alerts"
	"github.com/sua-org/cam-sentinel/internal/config"
	"github.com/sua-org/cam-sentinel/internal/health"
	"github.com/sua-org/cam-sentinel/internal/httpapi"
	"github.com/sua-org/cam-sentinel/internal/metrics"
	"github.com/sua-org/cam-sentinel/internal/models"
	"github.com/sua-org/cam-sentinel/internal/mqttclient"
	"github.com/sua-org/cam-sentinel/internal/router"
	"github.com/sua-org/cam-sentinel/internal/scheduler"
	"github.com/sua-org/cam-sentinel/internal/signaling"
	"github.com/sua-org/cam-sentinel/internal/storage"
	"github.com/sua-org/cam-sentinel/internal/supervisor"
)

// forgetter é implementado por modelos com estado por câmera (ex.: motion).
type forgetter interface {
	Forget(cameraID string)
}

func main() {
	// Carrega .env na raiz (se não existir, só loga aviso)
	if err := godotenv.Load(); err != nil {
		log.Printf("[main] aviso: não foi possível carregar .env: %v", err)
	} else {
		log.Printf("[main] .env carregado com sucesso")
	}

	configPath := flag.String("config", os.Getenv("CAM_SENTINEL_CONFIG"), "arquivo YAML de configuração")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[main] configuração inválida: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	prov, err := metrics.NewProvider(ctx, cfg.Metrics.OTLPEndpoint, cfg.Metrics.ServiceName, cfg.Metrics.Interval)
	if err != nil {
		log.Fatalf("[main] métricas: %v", err)
	}
	prov.SetGlobal()
	m, err := metrics.New(prov.MeterProvider)
	if err != nil {
		log.Printf("[main] aviso: instrumentos de métrica indisponíveis: %v", err)
		m = nil
	}

	// MQTT é opcional: sem ele não há status, admin por tópico nem sink MQTT.
	var mqttCli *mqttclient.Client
	if cfg.MQTT.Enabled() {
		mqttCli, err = mqttclient.NewClient(cfg.MQTT)
		if err != nil {
			log.Fatalf("erro ao conectar no MQTT: %v", err)
		}
		defer mqttCli.Close()
	}

	// modelos e scheduler
	sched := scheduler.New(cfg.Alerts.ResultBuffer, m)
	mods, err := models.Load(cfg.ModelConfigs())
	if err != nil {
		log.Fatalf("[main] modelos: %v", err)
	}
	var forgetters []forgetter
	for i, mod := range mods {
		if err := sched.Register(mod, cfg.Models[i].Pool); err != nil {
			log.Fatalf("[main] pool %s: %v", mod.ID(), err)
		}
		if f, ok := mod.(forgetter); ok {
			forgetters = append(forgetters, f)
		}
	}
	rt := router.New(sched, cfg.Router.QueueSize, m)

	// sessões
	coord := signaling.NewCoordinator(&signaling.WSDialer{Auth: cfg.Signaling.Auth()}, cfg.Signaling.Coordinator(), m)
	sup := supervisor.New(cfg.Supervisor, supervisor.FromCoordinator(coord), rt, m)
	coord.SetEnabledFunc(sup.Enabled)
	sched.SetDiscarder(sup.Discarded)

	// alertas
	evaluator := alerts.NewEvaluator(cfg.Alerts.QueueSize, m)
	evaluator.SetTags(sup.Tags)
	if err := evaluator.SetRules(cfg.Rules); err != nil {
		log.Fatalf("[main] regras: %v", err)
	}

	var sinks alerts.Fanout
	if mqttCli != nil && cfg.Alerts.MQTT {
		sinks = append(sinks, alerts.NewMQTTSink(mqttCli, cfg.MQTT.TopicBase))
	}
	if cfg.Kafka.Enabled() {
		ks, err := alerts.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.AlertTopic)
		if err != nil {
			log.Printf("[main] aviso: Kafka não inicializado: %v", err)
		} else {
			sinks = append(sinks, ks)
		}
	}
	if cfg.Alerts.Log || len(sinks) == 0 {
		sinks = append(sinks, alerts.LogSink{})
	}
	defer func() {
		if err := sinks.Close(); err != nil {
			log.Printf("[main] fechando sinks: %v", err)
		}
	}()

	// MinIO (opcional; se falhar, alertas saem sem snapshot)
	var snapshots alerts.SnapshotStore
	if cfg.Minio.Enabled() {
		st, err := storage.NewMinioStore(ctx, cfg.Minio)
		if err != nil {
			log.Printf("[main] aviso: MinIO não inicializado: %v", err)
		} else {
			snapshots = st
		}
	}
	delivery := alerts.NewDelivery(sinks, snapshots, cfg.Alerts.Delivery, m)

	// status e admin por MQTT
	var reporter *health.Reporter
	if mqttCli != nil {
		reporter = health.NewReporter(mqttCli, cfg.MQTT.TopicBase, 0)
		sup.SetHealthReporter(reporter)
		sup.EnableStatus(mqttCli, cfg.MQTT.TopicBase)
	}
	sup.OnRemove(func(id string) {
		evaluator.ForgetCamera(id)
		for _, f := range forgetters {
			f.Forget(id)
		}
		if reporter != nil {
			reporter.Forget(id)
		}
	})

	// plano administrativo: config, arquivo e Postgres
	store := cfg.AdminStore(nil)
	var persist httpapi.Persister
	if cfg.Postgres.Enabled() {
		pg, err := adminstore.NewPostgres(ctx, cfg.Postgres)
		if err != nil {
			log.Printf("[main] aviso: Postgres não inicializado: %v", err)
		} else {
			defer pg.Close()
			store = cfg.AdminStore(pg)
			persist = pg
		}
	}
	restore(ctx, store, sup, rt, sched.Models())

	if mqttCli != nil {
		admin := supervisor.NewMQTTAdmin(sup, rt, sched, cfg.MQTT.TopicBase)
		if err := admin.Subscribe(mqttCli); err != nil {
			log.Printf("[main] aviso: admin MQTT indisponível: %v", err)
		}
	}

	stats := map[string]func() any{
		"router":    func() any { return rt.Stats() },
		"scheduler": func() any { return sched.Stats() },
		"alerts":    func() any { return evaluator.Stats() },
		"delivery":  func() any { return delivery.Stats() },
		"signaling": func() any {
			return map[string]any{"sessions": len(coord.Snapshot()), "anomalies": coord.Anomalies()}
		},
	}
	if reporter != nil {
		stats["health"] = func() any { return reporter.Stats() }
	}
	api := httpapi.New(httpapi.Deps{
		Cameras:  sup,
		Bindings: rt,
		Models:   sched,
		Sessions: coord,
		Rules:    evaluator,
		Persist:  persist,
		Stats:    stats,
	})
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sup.Run(gctx) })
	g.Go(func() error {
		evaluator.Run(gctx, sched.Results())
		return nil
	})
	g.Go(func() error {
		delivery.Run(gctx, evaluator.Events())
		return nil
	})
	if reporter != nil {
		g.Go(func() error {
			reporter.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		log.Printf("[main] API HTTP em %s", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Printf("[main] encerrando com erro: %v", err)
	}
	log.Println("[main] encerrando...")

	rt.Close()
	sched.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = prov.Shutdown(shutdownCtx)
}

// restore aplica os bindings e registra as câmeras guardadas. Falhas
// individuais só geram log.
func restore(ctx context.Context, store adminstore.Store, sup *supervisor.Supervisor, rt *router.Router, known []string) {
	bindings, err := store.LoadBindings(ctx)
	if err != nil {
		log.Printf("[main] aviso: bindings não carregados: %v", err)
	}
	isKnown := make(map[string]bool, len(known))
	for _, id := range known {
		isKnown[id] = true
	}
	for _, b := range bindings {
		if !isKnown[b.ModelID] {
			log.Printf("[main] binding %s -> %s ignorado: modelo desconhecido", b.CameraID, b.ModelID)
			continue
		}
		rt.SetBinding(b.CameraID, b.ModelID, true, b.Priority)
	}

	n, err := sup.Restore(ctx, store)
	if err != nil {
		log.Printf("[main] aviso: restore parcial: %v", err)
	}
	log.Printf("[main] %d câmeras restauradas, %d bindings", n, len(bindings))
}
