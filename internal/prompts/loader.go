// Package prompts provides a loader for externalized LLM prompt templates.
// Prompts are stored as JSON files and embedded at compile time; each Library
// owns its own parse cache so callers control its lifetime.
package prompts

import (
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"sync"
)

//go:embed *.json
var promptFiles embed.FS

// DeepDive is the prompt file used by the stage-3 consumer
const DeepDive = "deep_dive.json"

// Prompt keys in DeepDive
const (
	QuestionSystem = "question-system"
	QuestionUser   = "question-user"
	SummarySystem  = "summary-system"
	SummaryUser    = "summary-user"
)

// Library loads prompt files from a filesystem and caches the parsed result
type Library struct {
	fsys  fs.FS
	mu    sync.RWMutex
	files map[string]map[string]string
}

// NewLibrary returns a library over the embedded prompt files
func NewLibrary() *Library {
	return NewLibraryFS(promptFiles)
}

// NewLibraryFS returns a library over fsys
func NewLibraryFS(fsys fs.FS) *Library {
	return &Library{fsys: fsys, files: make(map[string]map[string]string)}
}

// Get retrieves a prompt by filename and key.
// The filename should not include the path (e.g., "deep_dive.json").
func (l *Library) Get(filename, key string) (string, error) {
	prompts, err := l.loadFile(filename)
	if err != nil {
		return "", err
	}

	prompt, exists := prompts[key]
	if !exists {
		return "", fmt.Errorf("prompt key %q not found in %s", key, filename)
	}

	return prompt, nil
}

// MustGet retrieves a prompt by filename and key, panicking if not found.
// Use this for prompts that are required at initialization time.
func (l *Library) MustGet(filename, key string) string {
	prompt, err := l.Get(filename, key)
	if err != nil {
		panic(fmt.Sprintf("failed to load prompt: %v", err))
	}
	return prompt
}

// List returns all prompt keys in a file, sorted.
func (l *Library) List(filename string) ([]string, error) {
	prompts, err := l.loadFile(filename)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(prompts))
	for key := range prompts {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// Render looks up a prompt and fills its placeholders
func (l *Library) Render(filename, key string, data map[string]string) (string, error) {
	tmpl, err := l.Get(filename, key)
	if err != nil {
		return "", err
	}
	return Format(tmpl, data), nil
}

// Format replaces template placeholders in the form {{.Key}} with values from data.
func Format(template string, data map[string]string) string {
	result := template
	for key, value := range data {
		placeholder := fmt.Sprintf("{{.%s}}", key)
		result = strings.ReplaceAll(result, placeholder, value)
	}
	return result
}

func (l *Library) loadFile(filename string) (map[string]string, error) {
	l.mu.RLock()
	if prompts, exists := l.files[filename]; exists {
		l.mu.RUnlock()
		return prompts, nil
	}
	l.mu.RUnlock()

	data, err := fs.ReadFile(l.fsys, filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read prompt file %s: %w", filename, err)
	}

	var prompts map[string]string
	if err := json.Unmarshal(data, &prompts); err != nil {
		return nil, fmt.Errorf("failed to parse prompt file %s: %w", filename, err)
	}

	l.mu.Lock()
	l.files[filename] = prompts
	l.mu.Unlock()

	return prompts, nil
}
