// Package models discovers local gguf model files and resolves which one an
// inference session should use.
package models

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// DefaultModel is used whenever no explicit model is configured and the
// catalog does not contain a better candidate.
const DefaultModel = "LFM-1.2B-INT8.gguf"

const modelExtension = ".gguf"

// ModelFile is one discovered model on disk.
type ModelFile struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// List scans a directory (non-recursively) for gguf files, sorted by name.
func List(dir string) ([]ModelFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read models directory %s", dir)
	}

	var ret []ModelFile
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), modelExtension) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			log.Warn().Str("file", entry.Name()).Err(err).Msg("skipping unreadable model file")
			continue
		}
		ret = append(ret, ModelFile{
			Name: entry.Name(),
			Path: filepath.Join(dir, entry.Name()),
			Size: info.Size(),
		})
	}

	sort.Slice(ret, func(i, j int) bool {
		return ret[i].Name < ret[j].Name
	})

	log.Debug().Str("dir", dir).Int("model_count", len(ret)).Msg("scanned models directory")
	return ret, nil
}

// ResolveDefault picks the model to use: the configured name if it is present
// in the catalog, otherwise DefaultModel if present, otherwise the first
// catalog entry. An empty catalog falls back to the configured name or
// DefaultModel so the server can still resolve it on its side.
func ResolveDefault(catalog []ModelFile, configured string) string {
	if configured != "" {
		for _, m := range catalog {
			if m.Name == configured {
				return m.Name
			}
		}
		log.Warn().Str("model", configured).Msg("configured model not found in catalog")
	}

	for _, m := range catalog {
		if m.Name == DefaultModel {
			return m.Name
		}
	}
	if len(catalog) > 0 {
		return catalog[0].Name
	}
	if configured != "" {
		return configured
	}
	return DefaultModel
}
