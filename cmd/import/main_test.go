package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "imposters.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestImportFile(t *testing.T) {
	dataDir := t.TempDir()
	opts := &importOptions{
		configFile: writeConfig(t, `{"imposters": [
			{"protocol": "http", "port": 4545, "stubs": [{"responses": [{"is": {"body": "a"}}]}]},
			{"protocol": "http", "port": 4546}
		]}`),
		dataDir: dataDir,
	}

	count, err := importFile(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	assert.FileExists(t, filepath.Join(dataDir, "4545", "imposter.json"))
	assert.FileExists(t, filepath.Join(dataDir, "4546", "imposter.json"))
}

func TestImportFileReplace(t *testing.T) {
	dataDir := t.TempDir()
	first := &importOptions{configFile: writeConfig(t, `{"imposters": [{"protocol": "http", "port": 4545}]}`), dataDir: dataDir}
	_, err := importFile(context.Background(), first)
	require.NoError(t, err)

	second := &importOptions{configFile: writeConfig(t, `{"imposters": [{"protocol": "http", "port": 5000}]}`), dataDir: dataDir, replace: true}
	_, err = importFile(context.Background(), second)
	require.NoError(t, err)

	assert.NoDirExists(t, filepath.Join(dataDir, "4545"))
	assert.FileExists(t, filepath.Join(dataDir, "5000", "imposter.json"))
}

func TestImportFileErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"no port", `{"imposters": [{"protocol": "http"}]}`},
		{"invalid stub", `{"imposters": [{"protocol": "http", "port": 4545, "stubs": [{"responses": [{}]}]}]}`},
		{"injection not allowed", `{"imposters": [{"protocol": "http", "port": 4545, "stubs": [{"responses": [{"inject": "function () { return {}; }"}]}]}]}`},
		{"bad json", `{"imposters": [`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dataDir := t.TempDir()
			_, err := importFile(context.Background(), &importOptions{configFile: writeConfig(t, tt.content), dataDir: dataDir})
			require.Error(t, err)

			entries, err := os.ReadDir(dataDir)
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}
