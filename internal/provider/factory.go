package provider

import (
	"context"
	"fmt"
	"net/http"

	"github.com/Daggahh/flow3.chat/internal/catalog"
	"github.com/Daggahh/flow3.chat/internal/circuitbreaker"
	"github.com/Daggahh/flow3.chat/internal/domain"
)

// Constructor builds an adapter for one vendor. baseURL is empty unless
// overridden.
type Constructor func(apiKey, baseURL string, client *http.Client) Adapter

type FactoryConfig struct {
	Catalog      *catalog.Catalog
	Constructors map[domain.ProviderID]Constructor
	DefaultKeys  map[domain.ProviderID]string
	BaseURLs     map[domain.ProviderID]string
	Client       *http.Client
	Breakers     *circuitbreaker.Manager
}

// Factory is created once per process. It holds no adapter instances.
type Factory struct {
	cfg FactoryConfig
}

func NewFactory(cfg FactoryConfig) *Factory {
	if cfg.Catalog == nil {
		cfg.Catalog = catalog.Default()
	}
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}
	return &Factory{cfg: cfg}
}

func (f *Factory) Catalog() *catalog.Catalog { return f.cfg.Catalog }

// HasDefaultKey reports whether the process carries a key for p.
func (f *Factory) HasDefaultKey(p domain.ProviderID) bool {
	return f.cfg.DefaultKeys[p] != ""
}

// NewAdapter builds an adapter for p with apiKey, bypassing the circuit breaker.
func (f *Factory) NewAdapter(p domain.ProviderID, apiKey string) (Adapter, error) {
	ctor, ok := f.cfg.Constructors[p]
	if !ok {
		return nil, fmt.Errorf("%w: no adapter for provider %q", domain.ErrConfiguration, p)
	}
	return ctor(apiKey, f.cfg.BaseURLs[p], f.cfg.Client), nil
}

// BuildProvider binds the caller's decrypted keys for one request.
func (f *Factory) BuildProvider(keys map[domain.ProviderID]string) *Provider {
	return &Provider{factory: f, keys: keys}
}

type Provider struct {
	factory *Factory
	keys    map[domain.ProviderID]string
}

// HasKey reports whether the caller supplied their own key for p.
func (p *Provider) HasKey(id domain.ProviderID) bool {
	return p.keys[id] != ""
}

func (p *Provider) adapterFor(id domain.ProviderID) (Adapter, error) {
	key := p.keys[id]
	if key == "" {
		key = p.factory.cfg.DefaultKeys[id]
	}
	if key == "" {
		return nil, fmt.Errorf("%w: no API key for provider %q", domain.ErrConfiguration, id)
	}
	a, err := p.factory.NewAdapter(id, key)
	if err != nil {
		return nil, err
	}
	if p.factory.cfg.Breakers != nil {
		a = &breakerAdapter{Adapter: a, breaker: p.factory.cfg.Breakers.Get(id)}
	}
	return a, nil
}

// LanguageModel resolves modelID exactly. It never substitutes another model.
func (p *Provider) LanguageModel(modelID string) (LanguageModel, error) {
	m, ok := p.factory.cfg.Catalog.Lookup(modelID)
	if !ok {
		return LanguageModel{}, fmt.Errorf("%w: unknown model %q", domain.ErrConfiguration, modelID)
	}
	a, err := p.adapterFor(m.Provider)
	if err != nil {
		return LanguageModel{}, err
	}
	return LanguageModel{adapter: a, model: m}, nil
}

func (p *Provider) ImageModel(modelID string) (ImageModel, error) {
	m, ok := p.factory.cfg.Catalog.LookupImage(modelID)
	if !ok {
		return ImageModel{}, fmt.Errorf("%w: unknown image model %q", domain.ErrConfiguration, modelID)
	}
	a, err := p.adapterFor(m.Provider)
	if err != nil {
		return ImageModel{}, err
	}
	gen, ok := unwrapAdapter(a).(ImageGenerator)
	if !ok {
		return ImageModel{}, fmt.Errorf("%w: provider %q cannot generate images", domain.ErrConfiguration, m.Provider)
	}
	return ImageModel{gen: gen, model: m}, nil
}

// LanguageModel is an adapter bound to one catalog model.
type LanguageModel struct {
	adapter Adapter
	model   catalog.Model
}

func (m LanguageModel) ID() string                  { return m.model.ID }
func (m LanguageModel) Provider() domain.ProviderID { return m.model.Provider }
func (m LanguageModel) Model() catalog.Model        { return m.model }

func (m LanguageModel) Stream(ctx context.Context, messages []domain.Message, opts Options) (<-chan domain.DeltaEvent, <-chan error) {
	return m.adapter.GenerateCompletion(ctx, messages, m.model.ID, opts)
}

func (m LanguageModel) EstimateTokens(messages []domain.Message) int {
	return m.adapter.EstimateTokens(messages)
}

// NewLanguageModel binds an adapter directly. Used where no factory is involved.
func NewLanguageModel(a Adapter, m catalog.Model) LanguageModel {
	return LanguageModel{adapter: a, model: m}
}

type ImageModel struct {
	gen   ImageGenerator
	model catalog.ImageModel
}

func (m ImageModel) ID() string { return m.model.ID }

// Generate returns a base64 encoded PNG for prompt.
func (m ImageModel) Generate(ctx context.Context, prompt string) (string, error) {
	return m.gen.GenerateImage(ctx, prompt, m.model.VendorModel)
}

func NewImageModel(gen ImageGenerator, m catalog.ImageModel) ImageModel {
	return ImageModel{gen: gen, model: m}
}
