// Package recorder turns imposters, including the responses they captured
// from proxies, back into config files that can be loaded later.
package recorder

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/comfortablynumb/pmp-imposter/internal/loader"
	"github.com/comfortablynumb/pmp-imposter/internal/models"
)

// Options controls what is exported
type Options struct {
	// RemoveProxies drops proxy directives so only captured responses remain
	RemoveProxies bool
	// KeepRequests keeps recorded requests in the output
	KeepRequests  bool
}

// Export converts imposters into a config file document. Match history is
// never exported.
func Export(imposters []*models.Imposter, opts Options) loader.ConfigFile {
	exported := make([]*models.Imposter, 0, len(imposters))
	for _, imposter := range imposters {
		clone := imposter.Clone()
		if !opts.KeepRequests {
			clone.Requests = nil
		}

		stubs := make([]models.Stub, 0, len(clone.Stubs))
		for _, stub := range clone.Stubs {
			stub.Matches = nil
			if opts.RemoveProxies {
				stub.Responses = withoutProxies(stub.Responses)
				if len(stub.Responses) == 0 {
					continue
				}
			}
			stubs = append(stubs, stub)
		}
		clone.Stubs = stubs
		exported = append(exported, clone)
	}
	return loader.ConfigFile{Imposters: exported}
}

// withoutProxies keeps every directive that answers without a network call
func withoutProxies(responses []models.ResponseDirective) []models.ResponseDirective {
	kept := make([]models.ResponseDirective, 0, len(responses))
	for _, response := range responses {
		switch response.Kind() {
		case models.KindProxy, models.KindProxyOnce:
			continue
		}
		kept = append(kept, response)
	}
	return kept
}

// Marshal encodes a config file as YAML or indented JSON
func Marshal(file loader.ConfigFile, asYAML bool) ([]byte, error) {
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode imposters: %w", err)
	}
	if !asYAML {
		return append(data, '\n'), nil
	}

	// Round trip through JSON so imposter config stays flattened
	var document interface{}
	if err := json.Unmarshal(data, &document); err != nil {
		return nil, fmt.Errorf("failed to encode imposters: %w", err)
	}
	return yaml.Marshal(document)
}

// Save writes imposters to path, as YAML when the extension asks for it
func Save(path string, imposters []*models.Imposter, opts Options) error {
	ext := strings.ToLower(filepath.Ext(path))
	data, err := Marshal(Export(imposters, opts), ext == ".yaml" || ext == ".yml")
	if err != nil {
		return err
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
