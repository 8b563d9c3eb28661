package loader

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestLoaderLoadJSON(t *testing.T) {
	path := writeConfig(t, "imposters.json", `{
  "imposters": [
    {
      "protocol": "http",
      "port": 4545,
      "name": "orders",
      "stubs": [
        {
          "predicates": {"path": {"is": "/orders"}},
          "responses": [{"is": {"statusCode": 201, "body": "created"}, "repeat": 2}]
        }
      ]
    },
    {"protocol": "https", "port": 4546, "key": "k", "cert": "c"}
  ]
}`)

	imposters, err := NewLoader(path, nil).Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(imposters) != 2 {
		t.Fatalf("Expected 2 imposters, got %d", len(imposters))
	}

	orders := imposters[0]
	if orders.Protocol != "http" || orders.Port != 4545 || orders.Name != "orders" {
		t.Errorf("Unexpected header: %+v", orders)
	}
	if len(orders.Stubs) != 1 || len(orders.Stubs[0].Responses) != 1 {
		t.Fatalf("Expected one stub with one response, got %+v", orders.Stubs)
	}
	response := orders.Stubs[0].Responses[0]
	if response.Is.StatusCode != 201 || response.Is.Body != "created" || response.Repeat != 2 {
		t.Errorf("Unexpected response: %+v", response)
	}

	secure := imposters[1]
	if secure.Config["key"] != "k" || secure.Config["cert"] != "c" {
		t.Errorf("Expected protocol config to be kept, got %v", secure.Config)
	}
}

func TestLoaderLoadYAML(t *testing.T) {
	path := writeConfig(t, "imposters.yaml", `
imposters:
  - protocol: http
    port: 4545
    recordRequests: true
    stubs:
      - predicates:
          headers:
            X-Tenant:
              equals: acme
        responses:
          - is:
              statusCode: 200
              headers:
                Content-Type: application/json
              body:
                ok: true
`)

	imposters, err := NewLoader(path, nil).Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(imposters) != 1 {
		t.Fatalf("Expected 1 imposter, got %d", len(imposters))
	}

	imposter := imposters[0]
	if !imposter.RecordRequests {
		t.Error("Expected recordRequests to be true")
	}
	headers, ok := imposter.Stubs[0].Predicates["headers"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected header predicates, got %T", imposter.Stubs[0].Predicates["headers"])
	}
	if _, ok := headers["X-Tenant"]; !ok {
		t.Errorf("Expected X-Tenant predicate, got %v", headers)
	}
	body, ok := imposter.Stubs[0].Responses[0].Is.Body.(map[string]interface{})
	if !ok || body["ok"] != true {
		t.Errorf("Expected object body, got %v", imposter.Stubs[0].Responses[0].Is.Body)
	}
}

func TestLoaderTemplates(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "stub.json"), []byte(`{"responses": [{"is": {"body": "included"}}]}`), 0o644); err != nil {
		t.Fatalf("Failed to write include: %v", err)
	}
	path := filepath.Join(dir, "imposters.json")
	content := `{"imposters": [{"protocol": "http", "port": {{ .port }}, "stubs": [{{ include "stub.json" }}]}]}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	imposters, err := NewLoader(path, map[string]interface{}{"port": 5555}).Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if imposters[0].Port != 5555 {
		t.Errorf("Expected port 5555, got %d", imposters[0].Port)
	}
	if imposters[0].Stubs[0].Responses[0].Is.Body != "included" {
		t.Errorf("Expected included stub, got %+v", imposters[0].Stubs[0])
	}
}

func TestParseShapes(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		yaml    bool
		want    int
		wantErr bool
	}{
		{name: "wrapped", data: `{"imposters": [{"protocol": "http"}, {"protocol": "http"}]}`, want: 2},
		{name: "array", data: `[{"protocol": "http"}]`, want: 1},
		{name: "single", data: `{"protocol": "http", "port": 3000}`, want: 1},
		{name: "empty", data: "  ", want: 0},
		{name: "empty yaml", data: "", yaml: true, want: 0},
		{name: "yaml array", data: "- protocol: http\n- protocol: http\n", yaml: true, want: 2},
		{name: "invalid json", data: `{"imposters": [`, wantErr: true},
		{name: "invalid yaml", data: "imposters: [", yaml: true, wantErr: true},
		{name: "wrong type", data: `{"imposters": {"protocol": "http"}}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			imposters, err := Parse([]byte(tt.data), tt.yaml)
			if tt.wantErr {
				if err == nil {
					t.Error("Expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			if len(imposters) != tt.want {
				t.Errorf("Expected %d imposters, got %d", tt.want, len(imposters))
			}
		})
	}
}

func TestLoaderKeepsLastGoodConfig(t *testing.T) {
	path := writeConfig(t, "imposters.json", `{"imposters": [{"protocol": "http", "port": 4545}]}`)
	l := NewLoader(path, nil)

	if _, err := l.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if err := os.WriteFile(path, []byte(`{"imposters": [`), 0o644); err != nil {
		t.Fatalf("Failed to rewrite config: %v", err)
	}
	if _, err := l.Load(); err == nil {
		t.Fatal("Expected parse error")
	}

	imposters := l.GetImposters()
	if len(imposters) != 1 || imposters[0].Port != 4545 {
		t.Errorf("Expected last good config to be kept, got %+v", imposters)
	}
}

func TestLoaderMissingFile(t *testing.T) {
	if _, err := NewLoader(filepath.Join(t.TempDir(), "missing.json"), nil).Load(); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestLoaderReturnsCopies(t *testing.T) {
	path := writeConfig(t, "imposters.json", `{"imposters": [{"protocol": "http", "port": 4545}]}`)
	l := NewLoader(path, nil)

	imposters, err := l.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	imposters[0].Port = 1

	if got := l.GetImposters()[0].Port; got != 4545 {
		t.Errorf("Expected loader state to be unaffected, got port %d", got)
	}
}

func TestLoaderWithoutTemplates(t *testing.T) {
	path := writeConfig(t, "imposters.json", `{"imposters": [{"protocol": "http", "stubs": [{"responses": [{"is": {"body": "{{ .name }}"}}]}]}]}`)

	imposters, err := NewLoader(path, nil, WithoutTemplates()).Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := imposters[0].Stubs[0].Responses[0].Is.Body; got != "{{ .name }}" {
		t.Errorf("Expected body to be left verbatim, got %v", got)
	}
}
