// internal/httpapi/api.go
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"slices"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sua-org/cam-sentinel/internal/core"
)

type CameraAdmin interface {
	RegisterCamera(cfg core.CameraConfig) (string, error)
	UpdateCamera(cfg core.CameraConfig) error
	UnregisterCamera(id string)
	SetEnabled(id string, enabled bool) error
	Cameras() []core.CameraSource
	Camera(id string) (core.CameraSource, bool)
}

type BindingAdmin interface {
	SetBinding(cameraID, modelID string, bound bool, priority int)
	Bindings(cameraID string) []core.ModelBinding
	AllBindings() []core.ModelBinding
}

type ModelLister interface {
	Models() []string
}

type SessionLister interface {
	Snapshot() []core.Session
}

type RuleAdmin interface {
	Rules() []core.AlertRule
	SetRules(rules []core.AlertRule) error
}

// Persister grava as mudanças feitas pela API (opcional).
type Persister interface {
	SaveCamera(ctx context.Context, cfg core.CameraConfig) error
	DeleteCamera(ctx context.Context, id string) error
	SaveBinding(ctx context.Context, b core.ModelBinding, bound bool) error
}

type Deps struct {
	Cameras  CameraAdmin
	Bindings BindingAdmin
	Models   ModelLister
	Sessions SessionLister
	Rules    RuleAdmin
	Persist  Persister
	// Stats: nome -> fotografia das estatísticas do componente
	Stats map[string]func() any
}

type API struct {
	d Deps
}

func New(d Deps) *API {
	return &API{d: d}
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", a.health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/cameras", func(r chi.Router) {
			r.Get("/", a.listCameras)
			r.Post("/", a.createCamera)
			r.Get("/{cameraId}", a.getCamera)
			r.Put("/{cameraId}", a.updateCamera)
			r.Delete("/{cameraId}", a.deleteCamera)
			r.Post("/{cameraId}/enable", a.enableCamera(true))
			r.Post("/{cameraId}/disable", a.enableCamera(false))
			r.Get("/{cameraId}/bindings", a.listBindings)
			r.Put("/{cameraId}/bindings/{modelId}", a.bind)
			r.Delete("/{cameraId}/bindings/{modelId}", a.unbind)
		})
		r.Get("/bindings", a.allBindings)
		r.Get("/models", a.listModels)
		r.Get("/sessions", a.listSessions)
		r.Get("/rules", a.listRules)
		r.Put("/rules", a.replaceRules)
		r.Get("/stats", a.stats)
	})
	return r
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[http] encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// statusFor mapeia a taxonomia de erros para HTTP.
func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrConfigInvalid):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrUnknownCamera):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if a.d.Cameras != nil {
		counts := make(map[string]int)
		for _, c := range a.d.Cameras.Cameras() {
			counts[string(c.Health)]++
		}
		body["cameras"] = counts
	}
	writeJSON(w, http.StatusOK, body)
}

func (a *API) listCameras(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.d.Cameras.Cameras())
}

func (a *API) getCamera(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "cameraId")
	c, ok := a.d.Cameras.Camera(id)
	if !ok {
		writeError(w, http.StatusNotFound, "camera not found")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *API) createCamera(w http.ResponseWriter, r *http.Request) {
	var cfg core.CameraConfig
	if err := decode(r, &cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request payload: "+err.Error())
		return
	}
	if k, ok := core.ParseCameraKind(string(cfg.Kind)); ok {
		cfg.Kind = k
	}
	if _, ok := a.d.Cameras.Camera(cfg.ID); ok {
		writeError(w, http.StatusConflict, "camera already registered")
		return
	}
	id, err := a.d.Cameras.RegisterCamera(cfg)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	a.persistCamera(r.Context(), cfg)
	log.Printf("[http] câmera %s registrada", id)
	c, _ := a.d.Cameras.Camera(id)
	writeJSON(w, http.StatusCreated, c)
}

func (a *API) updateCamera(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "cameraId")
	var cfg core.CameraConfig
	if err := decode(r, &cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request payload: "+err.Error())
		return
	}
	if cfg.ID == "" {
		cfg.ID = id
	}
	if cfg.ID != id {
		writeError(w, http.StatusBadRequest, "camera id is immutable")
		return
	}
	if k, ok := core.ParseCameraKind(string(cfg.Kind)); ok {
		cfg.Kind = k
	}
	if err := a.d.Cameras.UpdateCamera(cfg); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	a.persistCamera(r.Context(), cfg)
	c, _ := a.d.Cameras.Camera(id)
	writeJSON(w, http.StatusOK, c)
}

func (a *API) deleteCamera(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "cameraId")
	a.d.Cameras.UnregisterCamera(id)
	if a.d.Persist != nil {
		if err := a.d.Persist.DeleteCamera(r.Context(), id); err != nil {
			log.Printf("[http] persist delete %s: %v", id, err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) enableCamera(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "cameraId")
		if err := a.d.Cameras.SetEnabled(id, enabled); err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		if c, ok := a.d.Cameras.Camera(id); ok {
			a.persistCamera(r.Context(), c.Config)
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (a *API) persistCamera(ctx context.Context, cfg core.CameraConfig) {
	if a.d.Persist == nil {
		return
	}
	if err := a.d.Persist.SaveCamera(ctx, cfg); err != nil {
		log.Printf("[http] persist camera %s: %v", cfg.ID, err)
	}
}

func (a *API) listBindings(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "cameraId")
	writeJSON(w, http.StatusOK, nonNil(a.d.Bindings.Bindings(id)))
}

func (a *API) allBindings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, nonNil(a.d.Bindings.AllBindings()))
}

type bindRequest struct {
	Priority int `json:"priority"`
}

func (a *API) bind(w http.ResponseWriter, r *http.Request) {
	camID := chi.URLParam(r, "cameraId")
	modelID := chi.URLParam(r, "modelId")

	var req bindRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request payload: "+err.Error())
			return
		}
	}
	if err := core.ValidateCameraID(camID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if a.d.Models != nil && !slices.Contains(a.d.Models.Models(), modelID) {
		writeError(w, http.StatusBadRequest, "unknown model "+modelID)
		return
	}
	a.d.Bindings.SetBinding(camID, modelID, true, req.Priority)
	a.persistBinding(r.Context(), core.ModelBinding{CameraID: camID, ModelID: modelID, Priority: req.Priority}, true)
	writeJSON(w, http.StatusOK, nonNil(a.d.Bindings.Bindings(camID)))
}

func (a *API) unbind(w http.ResponseWriter, r *http.Request) {
	camID := chi.URLParam(r, "cameraId")
	modelID := chi.URLParam(r, "modelId")
	a.d.Bindings.SetBinding(camID, modelID, false, 0)
	a.persistBinding(r.Context(), core.ModelBinding{CameraID: camID, ModelID: modelID}, false)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) persistBinding(ctx context.Context, b core.ModelBinding, bound bool) {
	if a.d.Persist == nil {
		return
	}
	if err := a.d.Persist.SaveBinding(ctx, b, bound); err != nil {
		log.Printf("[http] persist binding %s/%s: %v", b.CameraID, b.ModelID, err)
	}
}

func (a *API) listModels(w http.ResponseWriter, r *http.Request) {
	if a.d.Models == nil {
		writeJSON(w, http.StatusOK, []string{})
		return
	}
	writeJSON(w, http.StatusOK, nonNil(a.d.Models.Models()))
}

func (a *API) listSessions(w http.ResponseWriter, r *http.Request) {
	if a.d.Sessions == nil {
		writeJSON(w, http.StatusOK, []core.Session{})
		return
	}
	sessions := a.d.Sessions.Snapshot()
	if cam := r.URL.Query().Get("camera"); cam != "" {
		sessions = slices.DeleteFunc(sessions, func(s core.Session) bool { return s.CameraID != cam })
	}
	writeJSON(w, http.StatusOK, nonNil(sessions))
}

func (a *API) listRules(w http.ResponseWriter, r *http.Request) {
	if a.d.Rules == nil {
		writeJSON(w, http.StatusOK, []core.AlertRule{})
		return
	}
	writeJSON(w, http.StatusOK, nonNil(a.d.Rules.Rules()))
}

func (a *API) replaceRules(w http.ResponseWriter, r *http.Request) {
	if a.d.Rules == nil {
		writeError(w, http.StatusNotImplemented, "rules not configurable")
		return
	}
	var rules []core.AlertRule
	if err := decode(r, &rules); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request payload: "+err.Error())
		return
	}
	if err := a.d.Rules.SetRules(rules); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, nonNil(a.d.Rules.Rules()))
}

func (a *API) stats(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(a.d.Stats))
	for name := range a.d.Stats {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make(map[string]any, len(names))
	for _, name := range names {
		out[name] = a.d.Stats[name]()
	}
	writeJSON(w, http.StatusOK, out)
}

// nonNil faz lista vazia sair como [] e não null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
