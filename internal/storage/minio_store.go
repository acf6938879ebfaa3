// internal/storage/minio_store.go
package storage

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config do bucket de snapshots de alerta.
type Config struct {
	Endpoint      string `yaml:"endpoint" env:"MINIO_ENDPOINT"`
	AccessKey     string `yaml:"access_key" env:"MINIO_ACCESS_KEY"`
	SecretKey     string `yaml:"secret_key" env:"MINIO_SECRET_KEY"`
	Bucket        string `yaml:"bucket" env:"MINIO_BUCKET"`
	UseSSL        bool   `yaml:"use_ssl" env:"MINIO_USE_SSL"`
	PublicBaseURL string `yaml:"public_base_url" env:"MINIO_PUBLIC_BASE_URL"`
}

// Enabled: sem endpoint não há armazenamento de snapshots.
func (c Config) Enabled() bool { return strings.TrimSpace(c.Endpoint) != "" }

type MinioStore struct {
	client  *minio.Client
	bucket  string
	baseURL *url.URL
	useSSL  bool
}

// NewMinioStore conecta e cria o bucket se ele não existir.
func NewMinioStore(ctx context.Context, cfg Config) (*MinioStore, error) {
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("MINIO_ACCESS_KEY / MINIO_SECRET_KEY não configurados")
	}
	if cfg.Bucket == "" {
		cfg.Bucket = "cam-sentinel-alerts"
	}

	cli, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("erro criando cliente MinIO: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	exists, err := cli.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("erro verificando bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := cli.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("erro criando bucket %s: %w", cfg.Bucket, err)
		}
	}

	var u *url.URL
	if cfg.PublicBaseURL != "" {
		u, err = url.Parse(cfg.PublicBaseURL)
		if err != nil {
			return nil, fmt.Errorf("MINIO_PUBLIC_BASE_URL inválida: %w", err)
		}
	}

	log.Printf("[minio] conectado ao endpoint %s, bucket=%s", cfg.Endpoint, cfg.Bucket)
	return &MinioStore{client: cli, bucket: cfg.Bucket, baseURL: u, useSSL: cfg.UseSSL}, nil
}

// SaveSnapshot grava o objeto e devolve a URL pública (ou a do endpoint S3).
func (s *MinioStore) SaveSnapshot(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if contentType == "" {
		contentType = "image/jpeg"
	}
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("erro ao enviar objeto pro MinIO: %w", err)
	}
	scheme := "http"
	if s.useSSL {
		scheme = "https"
	}
	return objectURL(s.baseURL, scheme, s.client.EndpointURL().Host, s.bucket, key), nil
}

// objectURL monta a URL do objeto: base pública se configurada, senão
// <scheme>://<host>/<bucket>/<key>.
func objectURL(base *url.URL, scheme, host, bucket, key string) string {
	if base != nil {
		u := *base
		u.Path = strings.TrimSuffix(u.Path, "/") + "/" + key
		return u.String()
	}
	return fmt.Sprintf("%s://%s/%s/%s", scheme, host, bucket, key)
}
