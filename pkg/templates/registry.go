package templates

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/calibern/screenmatch/internal/cv"
)

// Definition is a named template with per-template matching defaults
type Definition struct {
	Name      string
	Key       string // store key (path relative to the store's base directory)
	Threshold float64
	Region    *cv.Region
	Scale     float64
}

// definitionYAML is the on-disk shape of a template definition
type definitionYAML struct {
	Name      string     `yaml:"name"`
	Path      string     `yaml:"path"`
	Threshold float64    `yaml:"threshold"`
	Region    *regionDef `yaml:"region,omitempty"`
	Scale     float64    `yaml:"scale,omitempty"`
}

type regionDef struct {
	X1 int `yaml:"x1"`
	Y1 int `yaml:"y1"`
	X2 int `yaml:"x2"`
	Y2 int `yaml:"y2"`
}

type registryFile struct {
	Templates []definitionYAML `yaml:"templates"`
}

// Registry manages named template definitions loaded from YAML files
type Registry struct {
	mu          sync.RWMutex
	definitions map[string]Definition
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		definitions: make(map[string]Definition),
	}
}

// LoadFromFile loads template definitions from a YAML file
func (r *Registry) LoadFromFile(filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read template file %s: %w", filePath, err)
	}

	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to unmarshal template YAML: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for i, def := range file.Templates {
		if def.Name == "" {
			return fmt.Errorf("template %d: name cannot be empty", i+1)
		}
		if def.Path == "" {
			return fmt.Errorf("template %d (%s): path cannot be empty", i+1, def.Name)
		}

		definition := Definition{
			Name:      def.Name,
			Key:       def.Path,
			Threshold: def.Threshold,
			Scale:     def.Scale,
		}
		if def.Region != nil {
			region := cv.NewRegion(def.Region.X1, def.Region.Y1, def.Region.X2, def.Region.Y2)
			definition.Region = &region
		}
		if definition.Threshold == 0 {
			definition.Threshold = 0.8
		}

		r.definitions[def.Name] = definition
	}

	return nil
}

// LoadFromDirectory loads all YAML files from a directory
func (r *Registry) LoadFromDirectory(dirPath string) error {
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return fmt.Errorf("failed to read template directory %s: %w", dirPath, err)
	}

	var loadErrors []error
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		if err := r.LoadFromFile(filepath.Join(dirPath, entry.Name())); err != nil {
			loadErrors = append(loadErrors, fmt.Errorf("file %s: %w", entry.Name(), err))
		}
	}

	if len(loadErrors) > 0 {
		return fmt.Errorf("failed to load %d template files (first error): %w", len(loadErrors), loadErrors[0])
	}
	return nil
}

// Get retrieves a definition by name
func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.definitions[name]
	return def, ok
}

// GetOrDefault retrieves a definition, falling back to one that uses the
// name as the store key with the given threshold
func (r *Registry) GetOrDefault(name string, defaultThreshold float64) Definition {
	if def, ok := r.Get(name); ok {
		return def
	}
	return Definition{
		Name:      name,
		Key:       name,
		Threshold: defaultThreshold,
	}
}

// Register adds a definition programmatically
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("template name cannot be empty")
	}
	if def.Key == "" {
		def.Key = def.Name
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.definitions[def.Name] = def
	return nil
}

// Has checks if a definition exists
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.definitions[name]
	return ok
}

// List returns all defined names
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.definitions))
	for name := range r.definitions {
		names = append(names, name)
	}
	return names
}

// Count returns the number of definitions
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.definitions)
}

// Remove deletes a definition by name
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.definitions[name]; ok {
		delete(r.definitions, name)
		return true
	}
	return false
}
