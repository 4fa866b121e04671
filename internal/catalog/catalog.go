// Package catalog is the static registry of every supported model.
package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/Daggahh/flow3.chat/internal/domain"
	"gopkg.in/yaml.v3"
)

//go:embed models.yaml
var embeddedModels []byte

type Capability string

const (
	CapChat               Capability = "chat"
	CapCodeCompletion     Capability = "code_completion"
	CapImageUnderstanding Capability = "image_understanding"
	CapFunctionCalling    Capability = "function_calling"
	CapWebSearch          Capability = "web_search"
	CapDocumentAnalysis   Capability = "document_analysis"
	CapJSONMode           Capability = "json_mode"
	CapStreaming          Capability = "streaming"
	CapVision             Capability = "vision"
	CapToolUse            Capability = "tool_use"
	CapReasoning          Capability = "reasoning"
	CapMultimodal         Capability = "multimodal"
	CapFileUpload         Capability = "file_upload"
)

// Model describes one language model. Values are copies; the catalog itself is immutable.
type Model struct {
	ID              string            `yaml:"id" json:"id"`
	Name            string            `yaml:"name" json:"name"`
	Provider        domain.ProviderID `yaml:"provider" json:"provider"`
	ContextWindow   int               `yaml:"context_window" json:"contextWindow"`
	CostPer1kTokens float64           `yaml:"cost_per_1k_tokens" json:"costPer1kTokens"`
	Capabilities    []Capability      `yaml:"capabilities" json:"capabilities"`
	FreeTier        bool              `yaml:"free_tier" json:"freeTier,omitempty"`
}

func (m Model) Has(c Capability) bool {
	for _, have := range m.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// SupportsTools reports whether the model may be offered tool definitions.
func (m Model) SupportsTools() bool {
	return m.Has(CapToolUse) || m.Has(CapFunctionCalling)
}

type ImageModel struct {
	ID          string            `yaml:"id" json:"id"`
	Name        string            `yaml:"name" json:"name"`
	Provider    domain.ProviderID `yaml:"provider" json:"provider"`
	VendorModel string            `yaml:"vendor_model" json:"vendorModel"`
}

type file struct {
	Models      []Model      `yaml:"models"`
	ImageModels []ImageModel `yaml:"image_models"`
}

type Catalog struct {
	models      map[string]Model
	order       []string
	imageModels map[string]ImageModel
}

var (
	defaultOnce    sync.Once
	defaultCatalog *Catalog
)

// Default returns the catalog compiled into the binary.
func Default() *Catalog {
	defaultOnce.Do(func() {
		c, err := Parse(embeddedModels)
		if err != nil {
			panic(fmt.Sprintf("catalog: embedded models.yaml is invalid: %v", err))
		}
		defaultCatalog = c
	})
	return defaultCatalog
}

// Load reads a catalog from path, or returns Default when path is empty.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}

	c := &Catalog{
		models:      make(map[string]Model, len(f.Models)),
		imageModels: make(map[string]ImageModel, len(f.ImageModels)),
	}

	for _, m := range f.Models {
		if m.ID == "" {
			return nil, fmt.Errorf("model without id")
		}
		if _, ok := domain.ParseProviderID(string(m.Provider)); !ok {
			return nil, fmt.Errorf("model %s: unknown provider %q", m.ID, m.Provider)
		}
		if _, dup := c.models[m.ID]; dup {
			return nil, fmt.Errorf("duplicate model id %s", m.ID)
		}
		c.models[m.ID] = m
		c.order = append(c.order, m.ID)
	}

	for _, im := range f.ImageModels {
		if _, ok := domain.ParseProviderID(string(im.Provider)); !ok {
			return nil, fmt.Errorf("image model %s: unknown provider %q", im.ID, im.Provider)
		}
		c.imageModels[im.ID] = im
	}

	return c, nil
}

func (c *Catalog) Lookup(id string) (Model, bool) {
	m, ok := c.models[id]
	if !ok {
		return Model{}, false
	}
	m.Capabilities = append([]Capability(nil), m.Capabilities...)
	return m, true
}

func (c *Catalog) LookupImage(id string) (ImageModel, bool) {
	m, ok := c.imageModels[id]
	return m, ok
}

// All returns every model in declaration order.
func (c *Catalog) All() []Model {
	out := make([]Model, 0, len(c.order))
	for _, id := range c.order {
		m, _ := c.Lookup(id)
		out = append(out, m)
	}
	return out
}

func (c *Catalog) ByProvider(p domain.ProviderID) []Model {
	var out []Model
	for _, m := range c.All() {
		if m.Provider == p {
			out = append(out, m)
		}
	}
	return out
}

// IsFreeTier reports whether id may be served with the process default key
// to callers who have not stored their own.
func (c *Catalog) IsFreeTier(id string) bool {
	return c.models[id].FreeTier
}

func (c *Catalog) IDs() []string {
	ids := append([]string(nil), c.order...)
	sort.Strings(ids)
	return ids
}
