package engine

import (
	"errors"
	"fmt"

	"github.com/hed1ad/threatguard/pkg/anomaly"
	"github.com/hed1ad/threatguard/pkg/classifier"
	"github.com/hed1ad/threatguard/pkg/modelstore"
)

// ModelStore holds serialized models by name.
type ModelStore interface {
	Put(name string, blob []byte) (modelstore.Meta, error)
	Get(name string) ([]byte, modelstore.Meta, error)
}

var _ ModelStore = (*modelstore.Store)(nil)

type persistable interface {
	Trained() bool
	Save() ([]byte, error)
	Load([]byte) error
}

func (e *Engine) models() map[string]persistable {
	return map[string]persistable{
		anomaly.ModelName:    e.anomaly,
		classifier.ModelName: e.classifier,
	}
}

// SaveModels writes every trained model to store and returns the names
// written. Untrained models are skipped.
func (e *Engine) SaveModels(store ModelStore) ([]string, error) {
	var saved []string
	for _, name := range []string{anomaly.ModelName, classifier.ModelName} {
		m := e.models()[name]
		if !m.Trained() {
			continue
		}
		blob, err := m.Save()
		if err != nil {
			return saved, err
		}
		meta, err := store.Put(name, blob)
		if err != nil {
			return saved, err
		}
		saved = append(saved, name)
		e.logger.Info().Str("model", name).Uint64("version", meta.Version).Int("bytes", meta.Size).Msg("model saved")
	}
	return saved, nil
}

// LoadModels restores every model found in store and returns the names
// loaded. Models absent from the store stay as they are.
func (e *Engine) LoadModels(store ModelStore) ([]string, error) {
	var loaded []string
	for _, name := range []string{anomaly.ModelName, classifier.ModelName} {
		blob, meta, err := store.Get(name)
		if errors.Is(err, modelstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return loaded, err
		}
		if err := e.models()[name].Load(blob); err != nil {
			return loaded, fmt.Errorf("restore %s: %w", name, err)
		}
		e.metrics.SetModelTrained(name, true)
		loaded = append(loaded, name)
		e.logger.Info().Str("model", name).Uint64("version", meta.Version).Msg("model restored")
	}
	return loaded, nil
}
