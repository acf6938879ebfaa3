package adminstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sua-org/cam-sentinel/internal/core"
)

type PostgresConfig struct {
	DSN string `yaml:"dsn" env:"POSTGRES_DSN"`
	// cria as tabelas se não existirem
	EnsureSchema bool `yaml:"ensure_schema" env:"POSTGRES_ENSURE_SCHEMA"`
}

func (c PostgresConfig) Enabled() bool { return c.DSN != "" }

const schema = `
CREATE TABLE IF NOT EXISTS cameras (
    id          TEXT PRIMARY KEY,
    name        TEXT,
    kind        TEXT NOT NULL,
    address     TEXT NOT NULL,
    credentials TEXT,
    signal_url  TEXT NOT NULL,
    fps         INTEGER,
    enabled     BOOLEAN NOT NULL DEFAULT TRUE,
    tags        JSONB
);
CREATE TABLE IF NOT EXISTS camera_bindings (
    camera_id TEXT NOT NULL REFERENCES cameras(id) ON DELETE CASCADE,
    model_id  TEXT NOT NULL,
    priority  INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (camera_id, model_id)
);`

// Postgres lê câmeras e bindings de um banco administrado por fora.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	if cfg.EnsureSchema {
		if _, err := pool.Exec(ctx, schema); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
	}
	log.Printf("[adminstore] postgres conectado")
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() { p.pool.Close() }

type cameraRow struct {
	ID          string
	Name        pgtype.Text
	Kind        string
	Address     string
	Credentials pgtype.Text
	SignalURL   string
	FPS         pgtype.Int4
	Enabled     bool
	Tags        []byte
}

func (r cameraRow) config() (core.CameraConfig, error) {
	cfg := core.CameraConfig{
		ID:        r.ID,
		Name:      r.Name.String,
		Kind:      core.CameraKind(r.Kind),
		Address:   r.Address,
		SignalURL: r.SignalURL,
		Enabled:   r.Enabled,
	}
	if k, ok := core.ParseCameraKind(r.Kind); ok {
		cfg.Kind = k
	}
	if r.Credentials.Valid {
		cfg.Credentials = r.Credentials.String
	}
	if r.FPS.Valid {
		cfg.FPS = int(r.FPS.Int32)
	}
	if len(r.Tags) > 0 && string(r.Tags) != "null" {
		if err := json.Unmarshal(r.Tags, &cfg.Tags); err != nil {
			return cfg, fmt.Errorf("%w: camera %s: tags: %v", core.ErrConfigInvalid, r.ID, err)
		}
	}
	return cfg, nil
}

// LoadCameras devolve todas as câmeras, ordenadas por id. Linha com tags
// inválidas é pulada com log; o supervisor valida o resto no registro.
func (p *Postgres) LoadCameras(ctx context.Context) ([]core.CameraConfig, error) {
	rows, err := p.pool.Query(ctx, `
        SELECT id, name, kind, address, credentials, signal_url, fps, enabled, tags
        FROM cameras
        ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query cameras: %w", err)
	}
	defer rows.Close()

	var out []core.CameraConfig
	for rows.Next() {
		var r cameraRow
		if err := rows.Scan(&r.ID, &r.Name, &r.Kind, &r.Address, &r.Credentials, &r.SignalURL, &r.FPS, &r.Enabled, &r.Tags); err != nil {
			return nil, fmt.Errorf("failed to scan camera row: %w", err)
		}
		cfg, err := r.config()
		if err != nil {
			log.Printf("[adminstore] %v", err)
			continue
		}
		out = append(out, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating camera rows: %w", err)
	}
	return out, nil
}

func (p *Postgres) LoadBindings(ctx context.Context) ([]core.ModelBinding, error) {
	rows, err := p.pool.Query(ctx, `
        SELECT camera_id, model_id, priority
        FROM camera_bindings
        ORDER BY camera_id ASC, priority DESC, model_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query bindings: %w", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowToStructByPos[core.ModelBinding])
	if err != nil {
		return nil, fmt.Errorf("failed to collect bindings: %w", err)
	}
	return out, nil
}

// SaveCamera grava (upsert) a câmera; usado pela API HTTP para persistir
// mudanças feitas em tempo de execução.
func (p *Postgres) SaveCamera(ctx context.Context, cfg core.CameraConfig) error {
	var tags []byte
	if len(cfg.Tags) > 0 {
		b, err := json.Marshal(cfg.Tags)
		if err != nil {
			return fmt.Errorf("marshal tags: %w", err)
		}
		tags = b
	}
	_, err := p.pool.Exec(ctx, `
        INSERT INTO cameras (id, name, kind, address, credentials, signal_url, fps, enabled, tags)
        VALUES ($1, NULLIF($2, ''), $3, $4, NULLIF($5, ''), $6, $7, $8, $9)
        ON CONFLICT (id) DO UPDATE SET
            name = EXCLUDED.name, kind = EXCLUDED.kind, address = EXCLUDED.address,
            credentials = EXCLUDED.credentials, signal_url = EXCLUDED.signal_url,
            fps = EXCLUDED.fps, enabled = EXCLUDED.enabled, tags = EXCLUDED.tags`,
		cfg.ID, cfg.Name, string(cfg.Kind), cfg.Address, cfg.Credentials, cfg.SignalURL, cfg.FPS, cfg.Enabled, tags)
	if err != nil {
		return fmt.Errorf("failed to save camera %s: %w", cfg.ID, err)
	}
	return nil
}

func (p *Postgres) DeleteCamera(ctx context.Context, id string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM cameras WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete camera %s: %w", id, err)
	}
	return nil
}

func (p *Postgres) SaveBinding(ctx context.Context, b core.ModelBinding, bound bool) error {
	var err error
	if bound {
		_, err = p.pool.Exec(ctx, `
            INSERT INTO camera_bindings (camera_id, model_id, priority) VALUES ($1, $2, $3)
            ON CONFLICT (camera_id, model_id) DO UPDATE SET priority = EXCLUDED.priority`,
			b.CameraID, b.ModelID, b.Priority)
	} else {
		_, err = p.pool.Exec(ctx, `DELETE FROM camera_bindings WHERE camera_id = $1 AND model_id = $2`, b.CameraID, b.ModelID)
	}
	if err != nil {
		return fmt.Errorf("failed to save binding %s/%s: %w", b.CameraID, b.ModelID, err)
	}
	return nil
}
