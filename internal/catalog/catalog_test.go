package catalog

import (
	"testing"

	"github.com/Daggahh/flow3.chat/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_CoversEveryProvider(t *testing.T) {
	c := Default()

	for _, p := range domain.AllProviders {
		assert.NotEmpty(t, c.ByProvider(p), "provider %s has no models", p)
	}
}

func TestDefault_Lookup(t *testing.T) {
	c := Default()

	m, ok := c.Lookup("claude-3-haiku-20240307")
	require.True(t, ok)
	assert.Equal(t, domain.ProviderAnthropic, m.Provider)
	assert.Equal(t, 200000, m.ContextWindow)
	assert.InDelta(t, 0.0003, m.CostPer1kTokens, 1e-9)
	assert.True(t, m.SupportsTools())

	_, ok = c.Lookup("gpt-9-ultra")
	assert.False(t, ok)
}

func TestDefault_FreeTierIsGoogleOnly(t *testing.T) {
	c := Default()

	assert.True(t, c.IsFreeTier("gemini-1.5-pro"))
	assert.True(t, c.IsFreeTier("gemini-2.5-flash"))
	assert.False(t, c.IsFreeTier("gpt-4o"))
	assert.False(t, c.IsFreeTier("unknown"))

	for _, m := range c.All() {
		if m.FreeTier {
			assert.Equal(t, domain.ProviderGoogle, m.Provider, m.ID)
		}
	}
}

func TestCatalog_LookupReturnsCopy(t *testing.T) {
	c := Default()

	m, _ := c.Lookup("gpt-4o")
	m.Capabilities[0] = "mutated"

	again, _ := c.Lookup("gpt-4o")
	assert.NotEqual(t, Capability("mutated"), again.Capabilities[0])
}

func TestDefault_ImageModel(t *testing.T) {
	im, ok := Default().LookupImage("image-model")
	require.True(t, ok)
	assert.Equal(t, "dall-e-3", im.VendorModel)
	assert.Equal(t, domain.ProviderOpenAI, im.Provider)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown provider", "models:\n  - id: x\n    provider: acme\n"},
		{"missing id", "models:\n  - provider: openai\n"},
		{"duplicate", "models:\n  - id: a\n    provider: openai\n  - id: a\n    provider: openai\n"},
		{"bad yaml", "models: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestAll_PreservesOrder(t *testing.T) {
	c, err := Parse([]byte("models:\n  - id: b\n    provider: openai\n  - id: a\n    provider: google\n"))
	require.NoError(t, err)

	all := c.All()
	require.Len(t, all, 2)
	assert.Equal(t, "b", all[0].ID)
	assert.Equal(t, []string{"a", "b"}, c.IDs())
}
