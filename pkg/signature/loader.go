package signature

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/hed1ad/threatguard/pkg/threat"
)

// Loader loads signatures from a source (filesystem, API, database).
type Loader interface {
	Load() ([]threat.Signature, error)
}

// FileLoader loads signatures from a JSON or YAML file holding a list of
// {type, pattern, risk_score} objects. The format follows the extension;
// anything other than .yaml/.yml is read as JSON.
type FileLoader struct {
	path string
}

// NewFileLoader constructs a loader for the given file path.
func NewFileLoader(path string) *FileLoader {
	return &FileLoader{path: path}
}

// Path returns the file the loader reads.
func (f *FileLoader) Path() string { return f.path }

// Load reads and parses the signature file.
func (f *FileLoader) Load() ([]threat.Signature, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("read signatures: %w", err)
	}
	return Parse(data, filepath.Ext(f.path))
}

// LoadFile reads the signature file at path.
func LoadFile(path string) ([]threat.Signature, error) {
	return NewFileLoader(path).Load()
}

// Parse decodes a signature list; ext selects YAML for ".yaml"/".yml".
func Parse(data []byte, ext string) ([]threat.Signature, error) {
	var sigs []threat.Signature
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &sigs); err != nil {
			return nil, fmt.Errorf("parse signatures: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &sigs); err != nil {
			return nil, fmt.Errorf("parse signatures: %w", err)
		}
	}
	return sigs, nil
}

// Updater receives signatures discovered by Watch.
type Updater interface {
	UpdateSignatures(sigs []threat.Signature) error
}

// Watch loads the file once, then re-reads it whenever it is written or
// replaced, forwarding its contents to u. Signatures already held are
// skipped by the store, so a rewritten file only contributes new entries.
// Watch blocks until ctx is done.
func Watch(ctx context.Context, loader *FileLoader, u Updater, logger zerolog.Logger) error {
	logger = logger.With().Str("component", "signature_watcher").Str("path", loader.Path()).Logger()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so editors that replace the file are still seen.
	if err := watcher.Add(filepath.Dir(loader.Path())); err != nil {
		return fmt.Errorf("watch %s: %w", loader.Path(), err)
	}

	reload := func() {
		sigs, err := loader.Load()
		if err != nil {
			logger.Warn().Err(err).Msg("signature reload failed")
			return
		}
		if err := u.UpdateSignatures(sigs); err != nil {
			logger.Warn().Err(err).Msg("signature file rejected")
			return
		}
		logger.Info().Int("signatures", len(sigs)).Msg("signature file applied")
	}
	reload()

	target := filepath.Clean(loader.Path())
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				reload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Msg("watcher error")
		}
	}
}
