package snapshot

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-go-golems/glazed/pkg/helpers/templating"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const DefaultAutosaveFormat = "{{.Year}}/{{.Month}}/{{.Day}}/{{.Time.Format \"150405\"}}-snapshot.json"

// FileStore persists snapshot documents on disk. Autosave paths are rendered
// from a template so snapshots can be bucketed by date.
type FileStore struct {
	dir    string
	format string
}

type FileStoreOption func(*FileStore)

func WithAutosaveFormat(format string) FileStoreOption {
	return func(fs *FileStore) {
		fs.format = format
	}
}

func NewFileStore(dir string, options ...FileStoreOption) *FileStore {
	ret := &FileStore{
		dir:    dir,
		format: DefaultAutosaveFormat,
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

// Autosave writes the document under the store's directory at a templated
// path and returns the full path written.
func (fs *FileStore) Autosave(doc *Document) (string, error) {
	now := doc.SavedAt
	if now.IsZero() {
		now = time.Now()
	}
	data := map[string]interface{}{
		"Year":  now.Format("2006"),
		"Month": now.Format("01"),
		"Day":   now.Format("02"),
		"Time":  now,
	}

	tmpl, err := templating.CreateTemplate("autosave").Parse(fs.format)
	if err != nil {
		return "", errors.Wrap(err, "could not parse autosave path template")
	}

	var pathBuffer strings.Builder
	if err := tmpl.Execute(&pathBuffer, data); err != nil {
		return "", errors.Wrap(err, "could not render autosave path")
	}

	fullPath := filepath.Join(fs.dir, pathBuffer.String())
	if err := WriteFile(doc, fullPath); err != nil {
		return "", err
	}

	log.Debug().Str("path", fullPath).Msg("autosaved snapshot")
	return fullPath, nil
}

// WriteFile persists the document at the given path, creating parent
// directories as needed. A .yaml or .yml extension selects YAML, everything
// else is indented JSON.
func WriteFile(doc *Document, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, "could not create snapshot directory")
	}

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "could not create snapshot file")
	}
	defer func(f *os.File) {
		_ = f.Close()
	}(f)

	if isYAMLPath(path) {
		// round-trip through JSON so the YAML keys match the JSON layout
		var generic interface{}
		jsonBytes, err := json.Marshal(doc)
		if err != nil {
			return errors.Wrap(err, "could not encode snapshot")
		}
		if err := json.Unmarshal(jsonBytes, &generic); err != nil {
			return errors.Wrap(err, "could not encode snapshot")
		}
		encoder := yaml.NewEncoder(f)
		defer func() {
			_ = encoder.Close()
		}()
		return errors.Wrap(encoder.Encode(generic), "could not write snapshot")
	}

	encoder := json.NewEncoder(f)
	encoder.SetIndent("", "  ")
	return errors.Wrap(encoder.Encode(doc), "could not write snapshot")
}

// LoadFile reads a document from disk. The format is picked by extension,
// matching WriteFile. Decode failures surface as ErrSnapshotCorrupt.
func LoadFile(path string) (*Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "could not read snapshot file")
	}

	if isYAMLPath(path) {
		var generic interface{}
		if err := yaml.Unmarshal(raw, &generic); err != nil {
			return nil, errors.Wrapf(ErrSnapshotCorrupt, "invalid YAML: %v", err)
		}
		raw, err = json.Marshal(generic)
		if err != nil {
			return nil, errors.Wrapf(ErrSnapshotCorrupt, "invalid YAML structure: %v", err)
		}
	}

	doc := &Document{}
	if err := json.Unmarshal(raw, doc); err != nil {
		return nil, errors.Wrapf(ErrSnapshotCorrupt, "invalid JSON: %v", err)
	}
	return doc, nil
}

func isYAMLPath(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
