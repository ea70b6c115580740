package agents

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed default_catalog.yaml
var defaultCatalog []byte

// Catalog is the on-disk list of agent definitions.
type Catalog struct {
	Agents []Definition `yaml:"agents"`
}

// DefaultCatalog returns the built-in agents.
func DefaultCatalog() (*Catalog, error) {
	return ParseCatalog(defaultCatalog)
}

// LoadCatalog reads a catalog file. An empty path yields the built-ins.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agent catalog: %w", err)
	}
	return ParseCatalog(data)
}

func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse agent catalog: %w", err)
	}
	seen := make(map[string]bool, len(c.Agents))
	for i, d := range c.Agents {
		if d.ID == "" {
			return nil, fmt.Errorf("%w: catalog entry %d has no id", ErrInvalidAgent, i)
		}
		if seen[d.ID] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateAgent, d.ID)
		}
		seen[d.ID] = true
		if d.Role == "" {
			c.Agents[i].Role = RoleSpecialist
		}
	}
	return &c, nil
}

// Find returns the definition with id.
func (c *Catalog) Find(id string) (Definition, bool) {
	for _, d := range c.Agents {
		if d.ID == id {
			return d, true
		}
	}
	return Definition{}, false
}

// HandlerFactory builds the handler for a definition.
type HandlerFactory func(def Definition) Handler

// RegisterAll registers every catalog entry with the handler the factory builds.
func (r *Registry) RegisterAll(c *Catalog, factory HandlerFactory) error {
	for _, def := range c.Agents {
		if err := r.Register(def, factory(def)); err != nil {
			return err
		}
	}
	return nil
}
