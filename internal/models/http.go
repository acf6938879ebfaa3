// internal/models/http.go
package models

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sua-org/cam-sentinel/internal/core"
)

func init() {
	Register("http", func(cfg Config) (Model, error) { return NewHTTP(cfg) })
}

// HTTP envia o JPEG do quadro para um serviço de inferência remoto
// (POST multipart em /predict) e lê as detecções da resposta.
type HTTP struct {
	id       string
	endpoint string
	token    string
	client   *http.Client
}

func NewHTTP(cfg Config) (*HTTP, error) {
	u, err := url.Parse(strings.TrimSpace(cfg.Endpoint))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: http model endpoint %q", core.ErrConfigInvalid, cfg.Endpoint)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/predict"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTP{
		id:       cfg.ID,
		endpoint: u.String(),
		token:    cfg.Token,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

func (h *HTTP) ID() string { return h.id }

type predictResponse struct {
	Detections []core.Detection `json:"detections"`
}

func (h *HTTP) Infer(ctx context.Context, f *core.Frame) (Result, error) {
	if f == nil || len(f.Data) == 0 {
		return Result{}, fmt.Errorf("%w: frame without jpeg data", core.ErrModelError)
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	fw, err := writer.CreateFormFile("file", fmt.Sprintf("%s-%d.jpg", f.CameraID, f.Seq))
	if err != nil {
		return Result{}, fmt.Errorf("erro ao criar part file: %w", err)
	}
	if _, err := fw.Write(f.Data); err != nil {
		return Result{}, fmt.Errorf("erro ao escrever frame: %w", err)
	}
	_ = writer.WriteField("camera_id", f.CameraID)
	_ = writer.WriteField("seq", strconv.FormatUint(f.Seq, 10))
	_ = writer.WriteField("captured_at", f.CapturedAt.UTC().Format(time.RFC3339Nano))
	if err := writer.Close(); err != nil {
		return Result{}, fmt.Errorf("erro ao fechar multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, &buf)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Accept", "application/json")
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("%w: predict: %v", core.ErrModelError, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Result{}, fmt.Errorf("%w: predict body: %v", core.ErrModelError, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, fmt.Errorf("%w: predict status %d: %s", core.ErrModelError, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	dets, err := parseDetections(body)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", core.ErrModelError, err)
	}
	return Result{Detections: dets}, nil
}

// parseDetections aceita tanto a lista pura quanto {"detections": [...]}.
func parseDetections(body []byte) ([]core.Detection, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, nil
	}
	var dets []core.Detection
	if body[0] == '[' {
		if err := json.Unmarshal(body, &dets); err != nil {
			return nil, fmt.Errorf("decode predict response: %w", err)
		}
	} else {
		var wrapped predictResponse
		if err := json.Unmarshal(body, &wrapped); err != nil {
			return nil, fmt.Errorf("decode predict response: %w", err)
		}
		dets = wrapped.Detections
	}
	for i, d := range dets {
		if d.Class == "" {
			return nil, fmt.Errorf("detection %d without class", i)
		}
		if d.Box != nil && len(d.Box) != 4 {
			return nil, fmt.Errorf("detection %d: box must have 4 values", i)
		}
	}
	return dets, nil
}
