package bridge

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/quillui/bridge/pkg/log"
)

// FileSchemaProvider serves model schemas from a directory of TOML files,
// one model per file (users.toml -> model "users"). It backs the standalone
// dev server; the host framework supplies its own provider in production.
//
// Files are re-read on every introspect call. The schema cache in front of
// the provider keeps that cheap.
type FileSchemaProvider struct {
	dir    string
	logger *log.Logger
}

// NewFileSchemaProvider validates that dir exists and returns a provider
// over it.
func NewFileSchemaProvider(dir string) (*FileSchemaProvider, error) {
	fi, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("schema directory %s: %w", dir, err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("schema directory %s is not a directory", dir)
	}
	return &FileSchemaProvider{dir: dir, logger: log.ForComponent("bridge")}, nil
}

// ListModels returns the model names found in the directory, sorted.
func (p *FileSchemaProvider) ListModels() []string {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		p.logger.Warnf("reading schema directory %s: %v", p.dir, err)
		return nil
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".toml") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".toml"))
	}
	sort.Strings(names)
	return names
}

// IntrospectModel loads one model's schema. A missing file means an unknown
// model and returns a nil body with no error.
func (p *FileSchemaProvider) IntrospectModel(name string) (map[string]any, error) {
	if name != filepath.Base(name) || strings.ContainsAny(name, "/\\") {
		return nil, fmt.Errorf("invalid model name %q", name)
	}

	data, err := os.ReadFile(filepath.Join(p.dir, name+".toml"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading schema for %s: %w", name, err)
	}

	var schema map[string]any
	if err := toml.Unmarshal(data, &schema); err != nil {
		return nil, fmt.Errorf("parsing schema for %s: %w", name, err)
	}
	return schema, nil
}
