// cmd/cam-edge/main.go
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

	"github.com/sua-org/cam-sentinel/internal/config"
	"github.com/sua-org/cam-sentinel/internal/edge"
)

// cam-edge roda perto das câmeras: atende a sinalização do backend e
// transmite os quadros pelo canal de mídia cifrado.
func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("[main] aviso: não foi possível carregar .env: %v", err)
	}

	configPath := flag.String("config", os.Getenv("CAM_SENTINEL_CONFIG"), "arquivo YAML de configuração")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[main] configuração inválida: %v", err)
	}

	if cfg.Signaling.JWTSecret == "" {
		log.Printf("[main] aviso: SIGNALING_JWT_SECRET vazio, sinalização sem autenticação")
	}
	agent := edge.NewAgent(edge.Config{
		Auth:       cfg.Signaling.Auth(),
		MediaURLs:  cfg.Edge.MediaURLs,
		FFmpegPath: cfg.Edge.FFmpegPath,
	})

	srv := &http.Server{
		Addr:              cfg.Edge.Addr,
		Handler:           agent.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("[main] edge ouvindo em %s", cfg.Edge.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("[main] http: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("[main] sinal recebido, encerrando...")

	agent.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] shutdown http: %v", err)
	}
}
