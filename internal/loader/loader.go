// Package loader reads imposter definitions from a config file. Files are
// rendered as templates first, then parsed as JSON or, for .yaml and .yml
// files, as YAML.
package loader

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/comfortablynumb/pmp-imposter/internal/models"
	"github.com/comfortablynumb/pmp-imposter/internal/observability"
	"github.com/comfortablynumb/pmp-imposter/internal/template"
)

// ConfigFile is the document shape of a config file
type ConfigFile struct {
	Imposters []*models.Imposter `json:"imposters"`
}

// Loader loads imposters from one config file
type Loader struct {
	path      string
	renderer  *template.Renderer
	noParse   bool
	logger    *zap.Logger
	mu        sync.RWMutex
	imposters []*models.Imposter
}

// Option configures a Loader
type Option func(*Loader)

// WithoutTemplates reads the file verbatim instead of rendering it
func WithoutTemplates() Option {
	return func(l *Loader) {
		l.noParse = true
	}
}

// NewLoader creates a loader for the config file at path. data is exposed
// to the file's template.
func NewLoader(path string, data map[string]interface{}, opts ...Option) *Loader {
	l := &Loader{
		path:     path,
		renderer: template.NewRenderer(filepath.Dir(path), data),
		logger:   observability.Named("loader"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Path returns the config file path
func (l *Loader) Path() string {
	return l.path
}

// Load renders and parses the config file, replacing the loaded imposters
// only when the whole file is valid
func (l *Loader) Load() ([]*models.Imposter, error) {
	content, err := l.read()
	if err != nil {
		return nil, err
	}

	imposters, err := Parse(content, isYAMLFile(l.path))
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", l.path, err)
	}

	l.mu.Lock()
	l.imposters = imposters
	l.mu.Unlock()

	l.logger.Info("Loaded config file", zap.String("path", l.path), zap.Int("imposters", len(imposters)))
	return cloneAll(imposters), nil
}

func (l *Loader) read() ([]byte, error) {
	if l.noParse {
		content, err := os.ReadFile(l.path)
		if err != nil {
			return nil, fmt.Errorf("failed to read file: %w", err)
		}
		return content, nil
	}

	rendered, err := l.renderer.RenderFile(l.path)
	if err != nil {
		return nil, err
	}
	return []byte(rendered), nil
}

// GetImposters returns a copy of the last loaded imposters
func (l *Loader) GetImposters() []*models.Imposter {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return cloneAll(l.imposters)
}

// Parse decodes a config document. It accepts {"imposters": [...]}, a bare
// array of imposters, or a single imposter object.
func Parse(data []byte, isYAML bool) ([]*models.Imposter, error) {
	if isYAML {
		converted, err := yamlToJSON(data)
		if err != nil {
			return nil, err
		}
		data = converted
	}

	trimmed := strings.TrimSpace(string(data))
	switch {
	case trimmed == "":
		return nil, nil
	case strings.HasPrefix(trimmed, "["):
		var imposters []*models.Imposter
		if err := json.Unmarshal(data, &imposters); err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
		return imposters, nil
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if _, ok := top["imposters"]; !ok {
		var imposter models.Imposter
		if err := json.Unmarshal(data, &imposter); err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
		return []*models.Imposter{&imposter}, nil
	}

	var file ConfigFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	return file.Imposters, nil
}

// yamlToJSON re-encodes a YAML document as JSON so imposters decode through
// their JSON methods
func yamlToJSON(data []byte) ([]byte, error) {
	var document interface{}
	if err := yaml.Unmarshal(data, &document); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	if document == nil {
		return nil, nil
	}

	return json.Marshal(normalize(document))
}

// normalize turns non string keyed maps into string keyed ones
func normalize(value interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		for key, item := range v {
			v[key] = normalize(item)
		}
		return v
	case map[interface{}]interface{}:
		result := make(map[string]interface{}, len(v))
		for key, item := range v {
			result[fmt.Sprint(key)] = normalize(item)
		}
		return result
	case []interface{}:
		for i, item := range v {
			v[i] = normalize(item)
		}
		return v
	default:
		return v
	}
}

func cloneAll(imposters []*models.Imposter) []*models.Imposter {
	clones := make([]*models.Imposter, len(imposters))
	for i, imposter := range imposters {
		clones[i] = imposter.Clone()
	}
	return clones
}

// isYAMLFile checks if a file has a YAML extension
func isYAMLFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
