// Package pipeline loads pipeline definitions from disk, identifies them
// for cycle detection and validates them before execution.
package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	perrors "github.com/meow-stack/pipenest/internal/errors"
	"github.com/meow-stack/pipenest/internal/types"
)

// Extensions recognised as pipeline files, in lookup order.
var Extensions = []string{".yaml", ".yml", ".json", ".toml"}

// Loader reads pipeline files and caches them by absolute path.
type Loader struct {
	// BaseDir is searched when a reference does not resolve next to the
	// referencing file. Usually the configured pipeline_dir.
	BaseDir string

	mu    sync.Mutex
	cache map[string]*types.PipelineDefinition
}

// NewLoader creates a loader rooted at baseDir.
func NewLoader(baseDir string) *Loader {
	return &Loader{
		BaseDir: baseDir,
		cache:   make(map[string]*types.PipelineDefinition),
	}
}

// Resolve finds the file ref points to. Relative references are tried
// against the directory of fromFile first, then BaseDir, then the working
// directory. A reference without an extension also tries Extensions.
func (l *Loader) Resolve(ref, fromFile string) (string, error) {
	if ref == "" {
		return "", perrors.ConfigMissingField("pipeline_file")
	}

	var candidates []string
	if filepath.IsAbs(ref) {
		candidates = append(candidates, ref)
	} else {
		if fromFile != "" {
			candidates = append(candidates, filepath.Join(filepath.Dir(fromFile), ref))
		}
		if l.BaseDir != "" {
			candidates = append(candidates, filepath.Join(l.BaseDir, ref))
		}
		candidates = append(candidates, ref)
	}

	for _, c := range candidates {
		if path, ok := existing(c); ok {
			abs, err := filepath.Abs(path)
			if err != nil {
				return "", fmt.Errorf("resolving %s: %w", path, err)
			}
			return abs, nil
		}
	}
	return "", perrors.IOFileNotFound(ref).WithDetail("searched", candidates)
}

func existing(path string) (string, bool) {
	if info, err := os.Stat(path); err == nil && !info.IsDir() {
		return path, true
	}
	if filepath.Ext(path) != "" {
		return "", false
	}
	for _, ext := range Extensions {
		if info, err := os.Stat(path + ext); err == nil && !info.IsDir() {
			return path + ext, true
		}
	}
	return "", false
}

// Load resolves ref relative to fromFile and loads it.
func (l *Loader) Load(ref, fromFile string) (*types.PipelineDefinition, error) {
	path, err := l.Resolve(ref, fromFile)
	if err != nil {
		return nil, err
	}
	return l.LoadFile(path)
}

// LoadFile loads a pipeline file. Results are cached by absolute path and
// must not be mutated.
func (l *Loader) LoadFile(path string) (*types.PipelineDefinition, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", path, err)
	}

	l.mu.Lock()
	if def, ok := l.cache[abs]; ok {
		l.mu.Unlock()
		return def, nil
	}
	l.mu.Unlock()

	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, perrors.IOFileNotFound(abs)
		}
		return nil, perrors.IOReadError(abs, err)
	}

	def, err := Parse(data, filepath.Ext(abs))
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", abs, err)
	}
	def.Source = abs
	if def.Name == "" {
		def.Name = strings.TrimSuffix(filepath.Base(abs), filepath.Ext(abs))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if cached, ok := l.cache[abs]; ok {
		return cached, nil
	}
	l.cache[abs] = def
	return def, nil
}

// Parse decodes a definition. ext selects the format: ".toml" uses TOML,
// anything else YAML (which also reads JSON).
func Parse(data []byte, ext string) (*types.PipelineDefinition, error) {
	raw := make(map[string]any)

	switch strings.ToLower(ext) {
	case ".toml":
		if _, err := toml.Decode(string(data), &raw); err != nil {
			return nil, perrors.Wrap(perrors.CodeConfigInvalidValue, "invalid TOML", err)
		}
	default:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, perrors.Wrap(perrors.CodeConfigInvalidValue, "invalid YAML", err)
		}
	}

	def, err := types.DefinitionFromMap(raw)
	if err != nil {
		return nil, perrors.Wrap(perrors.CodeConfigInvalidValue, "invalid pipeline definition", err)
	}
	return def, nil
}

// Identity returns the value used to detect circular references:
// "file:<abs path>" for file-backed definitions, otherwise a structural
// hash of the definition.
func Identity(def *types.PipelineDefinition) string {
	if def.Source != "" {
		return "file:" + def.Source
	}

	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Sprintf("inline:%s#%p", def.Name, def)
	}
	sum := sha256.Sum256(data)
	return "inline:" + def.Name + "#" + hex.EncodeToString(sum[:])[:16]
}
