// Package template renders imposter config files before they are parsed.
// Files may pull in other files with include, embed a file as a JSON string
// with stringify, and read the environment.
package template

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/google/uuid"
)

// maxIncludeDepth bounds nested includes so include cycles fail
const maxIncludeDepth = 16

// Renderer renders config templates relative to a base directory
type Renderer struct {
	baseDir string
	data    map[string]interface{}
}

// NewRenderer creates a renderer resolving includes against baseDir. data is
// exposed to templates as the dot value.
func NewRenderer(baseDir string, data map[string]interface{}) *Renderer {
	if data == nil {
		data = make(map[string]interface{})
	}
	return &Renderer{baseDir: baseDir, data: data}
}

// RenderFile renders the file at path
func (r *Renderer) RenderFile(path string) (string, error) {
	return r.renderFile(path, 0)
}

// Render renders a template string
func (r *Renderer) Render(name, source string) (string, error) {
	return r.render(name, source, 0)
}

func (r *Renderer) renderFile(path string, depth int) (string, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(r.baseDir, path)
	}
	source, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read template %s: %w", path, err)
	}
	return r.render(path, string(source), depth)
}

func (r *Renderer) render(name, source string, depth int) (string, error) {
	if depth > maxIncludeDepth {
		return "", fmt.Errorf("includes nested deeper than %d levels in %s", maxIncludeDepth, name)
	}

	tmpl, err := template.New(filepath.Base(name)).Option("missingkey=zero").Funcs(r.funcMap(depth)).Parse(source)
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, r.data); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}

	return buf.String(), nil
}

func (r *Renderer) funcMap(depth int) template.FuncMap {
	return template.FuncMap{
		// File helpers
		"include": func(path string) (string, error) {
			return r.renderFile(path, depth+1)
		},
		"stringify": func(path string) (string, error) {
			content, err := r.renderFile(path, depth+1)
			if err != nil {
				return "", err
			}
			return quote(content)
		},
		"quote": quote,

		// Environment
		"env": os.Getenv,
		"envOr": func(key, fallback string) string {
			if value, ok := os.LookupEnv(key); ok {
				return value
			}
			return fallback
		},

		// Generators
		"uuid":         func() string { return uuid.NewString() },
		"randomString": randomString,
		"randomInt":    randomInt,

		// Time
		"now":       time.Now,
		"timestamp": func() int64 { return time.Now().Unix() },

		// String utilities
		"upper": strings.ToUpper,
		"lower": strings.ToLower,
	}
}

// quote encodes a value as a JSON string literal
func quote(value string) (string, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func randomString(length int) string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, length)
	for i := range b {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		b[i] = charset[n.Int64()]
	}
	return string(b)
}

func randomInt(min, max int) int {
	if min >= max {
		return min
	}
	n, _ := rand.Int(rand.Reader, big.NewInt(int64(max-min+1)))
	return int(n.Int64()) + min
}
