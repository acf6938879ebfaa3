// Package adminstore é de onde as câmeras e bindings vêm na partida do
// processo: lista estática da config, arquivo YAML ou Postgres.
package adminstore

import (
	"context"
	"fmt"
	"os"
	"slices"

	"github.com/sua-org/cam-sentinel/internal/core"
	"gopkg.in/yaml.v3"
)

// Store é o plano administrativo visto pelo core.
type Store interface {
	LoadCameras(ctx context.Context) ([]core.CameraConfig, error)
	LoadBindings(ctx context.Context) ([]core.ModelBinding, error)
}

// Static devolve as listas que vieram da config.
type Static struct {
	Cameras  []core.CameraConfig
	Bindings []core.ModelBinding
}

func (s Static) LoadCameras(ctx context.Context) ([]core.CameraConfig, error) {
	return slices.Clone(s.Cameras), nil
}

func (s Static) LoadBindings(ctx context.Context) ([]core.ModelBinding, error) {
	return slices.Clone(s.Bindings), nil
}

type fileContents struct {
	Cameras  []core.CameraConfig `yaml:"cameras"`
	Bindings []core.ModelBinding `yaml:"bindings"`
}

// File lê um YAML com as chaves cameras e bindings a cada chamada.
type File struct {
	Path string
}

func (f File) read() (fileContents, error) {
	var fc fileContents
	b, err := os.ReadFile(f.Path)
	if err != nil {
		return fc, fmt.Errorf("read %s: %w", f.Path, err)
	}
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return fc, fmt.Errorf("%w: parse %s: %v", core.ErrConfigInvalid, f.Path, err)
	}
	return fc, nil
}

func (f File) LoadCameras(ctx context.Context) ([]core.CameraConfig, error) {
	fc, err := f.read()
	return fc.Cameras, err
}

func (f File) LoadBindings(ctx context.Context) ([]core.ModelBinding, error) {
	fc, err := f.read()
	return fc.Bindings, err
}

// Multi junta várias fontes. Câmera repetida: vale a primeira fonte.
type Multi []Store

func (m Multi) LoadCameras(ctx context.Context) ([]core.CameraConfig, error) {
	seen := make(map[string]bool)
	var out []core.CameraConfig
	for _, s := range m {
		cams, err := s.LoadCameras(ctx)
		if err != nil {
			return nil, err
		}
		for _, c := range cams {
			if seen[c.ID] {
				continue
			}
			seen[c.ID] = true
			out = append(out, c)
		}
	}
	return out, nil
}

func (m Multi) LoadBindings(ctx context.Context) ([]core.ModelBinding, error) {
	type key struct{ cam, model string }
	seen := make(map[key]bool)
	var out []core.ModelBinding
	for _, s := range m {
		bs, err := s.LoadBindings(ctx)
		if err != nil {
			return nil, err
		}
		for _, b := range bs {
			k := key{b.CameraID, b.ModelID}
			if seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, b)
		}
	}
	return out, nil
}
