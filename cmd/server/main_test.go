package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comfortablynumb/pmp-imposter/internal/loader"
	"github.com/comfortablynumb/pmp-imposter/internal/models"
	"github.com/comfortablynumb/pmp-imposter/internal/repository/filesystem"
)

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfigLayers(t *testing.T) {
	configPath := writeTempFile(t, "imposterd.yaml", "datadir: /from/file\nlogLevel: warn\nmetricsPort: 9100\n")
	t.Setenv("IMPOSTER_LOG_LEVEL", "error")
	t.Setenv("IMPOSTER_METRICS_PORT", "9200")

	opts := &options{configPath: configPath}
	start := newStartCommand(opts)
	require.NoError(t, start.Flags().Parse([]string{"--metrics-port", "9300", "--proxy-timeout", "5s"}))

	cfg, err := loadConfig(start, opts)
	require.NoError(t, err)

	assert.Equal(t, "/from/file", cfg.DataDir)
	assert.Equal(t, "error", cfg.LogLevel)
	assert.Equal(t, 9300, cfg.MetricsPort)
	assert.Equal(t, 5*time.Second, cfg.Proxy.Timeout)
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	t.Setenv("IMPOSTER_LOG_LEVEL", "chatty")

	opts := &options{}
	_, err := loadConfig(newStartCommand(opts), opts)
	assert.Error(t, err)
}

func TestValidateCommand(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr bool
	}{
		{
			name:    "valid",
			content: `{"imposters": [{"protocol": "http", "port": 4545, "name": "ok", "stubs": [{"responses": [{"is": {"body": "ok"}}]}]}]}`,
		},
		{
			name:    "invalid predicate",
			content: `{"imposters": [{"protocol": "http", "port": 4545, "stubs": [{"predicates": {"path": {"bogus": "/"}}, "responses": [{"is": {}}]}]}]}`,
			wantErr: true,
		},
		{
			name:    "injection not allowed",
			content: `{"imposters": [{"protocol": "http", "port": 4545, "stubs": [{"responses": [{"inject": "function () { return {}; }"}]}]}]}`,
			wantErr: true,
		},
		{
			name:    "unknown protocol",
			content: `{"imposters": [{"protocol": "smtp", "port": 2525}]}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeTempFile(t, "imposters.json", tt.content)

			root := newRootCommand()
			root.SetArgs([]string{"validate", path})
			err := root.Execute()

			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateCommandAllowInjection(t *testing.T) {
	path := writeTempFile(t, "imposters.json", `{"imposters": [{"protocol": "http", "port": 4545, "name": "js", "stubs": [{"responses": [{"inject": "function (request) { return { body: request.path }; }"}]}]}]}`)

	root := newRootCommand()
	root.SetArgs([]string{"validate", "--allowInjection", path})
	assert.NoError(t, root.Execute())
}

func TestValidateCommandRequiresFile(t *testing.T) {
	root := newRootCommand()
	root.SetArgs([]string{"validate"})
	assert.Error(t, root.Execute())
}

func TestSaveCommand(t *testing.T) {
	dataDir := t.TempDir()
	repo := filesystem.New(dataDir)
	elapsed := int64(3)
	require.NoError(t, repo.Add(context.Background(), &models.Imposter{
		Protocol: "http",
		Port:     4545,
		Name:     "captured",
		Stubs: []models.Stub{{
			Responses: []models.ResponseDirective{
				{Is: &models.Response{StatusCode: 201, Body: "saved", ProxyResponseTime: &elapsed}},
				{Proxy: &models.ProxyConfig{To: "http://downstream"}},
			},
		}},
	}, nil))

	saveFile := filepath.Join(t.TempDir(), "saved.yaml")
	root := newRootCommand()
	root.SetArgs([]string{"save", "--datadir", dataDir, "--savefile", saveFile, "--removeProxies"})
	require.NoError(t, root.Execute())

	imposters, err := loader.NewLoader(saveFile, nil, loader.WithoutTemplates()).Load()
	require.NoError(t, err)
	require.Len(t, imposters, 1)
	assert.Equal(t, "captured", imposters[0].Name)
	require.Len(t, imposters[0].Stubs, 1)
	require.Len(t, imposters[0].Stubs[0].Responses, 1)
	assert.Equal(t, 201, imposters[0].Stubs[0].Responses[0].Is.StatusCode)
}

func TestSaveCommandRequiresDataDir(t *testing.T) {
	t.Setenv("IMPOSTER_DATADIR", "")
	root := newRootCommand()
	root.SetArgs([]string{"save", "--savefile", filepath.Join(t.TempDir(), "out.json")})
	assert.Error(t, root.Execute())
}
