package inferbill_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	ib "github.com/ineyio/inferbill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalConfig = `
server:
  jwt_secret: s3cret
providers:
  - name: openai
    kind: openaicompat
    base_url: https://api.openai.com/v1
    auth:
      api_key: ${TEST_INFERBILL_KEY}
models:
  - id: gpt-4o-mini
    provider: openai
    input_price: 0.00000015
    output_price: 0.0000006
`

func TestParseConfig_Defaults(t *testing.T) {
	t.Setenv("TEST_INFERBILL_KEY", "sk-env")

	cfg, err := ib.ParseConfig([]byte(minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "USD", cfg.Billing.Currency)
	assert.True(t, cfg.FeeDecimal().Equal(dec("0.02")))
	assert.Equal(t, int32(2), cfg.PrecisionPlaces())
	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
	assert.Equal(t, 15*time.Second, cfg.RateLimit.RetryAfter)
	assert.Equal(t, map[string]int{ib.ActionConfirm: 10}, cfg.RateLimit.Actions)
	assert.Equal(t, time.Minute, cfg.Idempotency.Bucket)
	assert.Equal(t, ib.DefaultBreakerConfig(), cfg.Breaker.BreakerConfig())
	assert.Equal(t, 15*time.Second, cfg.Orchestrator.AttemptTimeout)
	assert.Equal(t, 2, cfg.Orchestrator.MaxAttempts)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, "@every 10m", cfg.Sweep.Schedule)
	assert.Equal(t, "inferbill.audit", cfg.Audit.Kafka.Topic)

	assert.Equal(t, "sk-env", cfg.Providers[0].Auth.APIKey)
}

func TestParseConfig_ExplicitZeroFee(t *testing.T) {
	cfg, err := ib.ParseConfig([]byte(minimalConfig + "billing:\n  fee: 0\n"))
	require.NoError(t, err)
	assert.True(t, cfg.FeeDecimal().IsZero())
}

func TestParseConfig_ExplicitZeroPrecision(t *testing.T) {
	cfg, err := ib.ParseConfig([]byte(minimalConfig + "billing:\n  precision: 0\n"))
	require.NoError(t, err)
	assert.Equal(t, int32(0), cfg.PrecisionPlaces())

	_, err = ib.ParseConfig([]byte(minimalConfig + "billing:\n  precision: -1\n"))
	assert.Error(t, err)
}

func TestConfig_Catalog(t *testing.T) {
	cfg, err := ib.ParseConfig([]byte(minimalConfig))
	require.NoError(t, err)

	cat, err := cfg.Catalog()
	require.NoError(t, err)
	info, ok := cat.Lookup("gpt-4o-mini")
	require.True(t, ok)
	assert.Equal(t, "openai", info.Provider)
	assert.Equal(t, "gpt-4o-mini", info.UpstreamModel)
	assert.True(t, info.Allows(ib.TransportSync))
	assert.False(t, info.Allows(ib.TransportStream))
	assert.True(t, info.InputPrice.Equal(dec("0.00000015")))
}

func TestParseConfig_Validation(t *testing.T) {
	provider := `
providers:
  - name: p
    kind: mock
`
	model := `
models:
  - id: m
    provider: p
`
	secret := `
server:
  jwt_secret: x
`
	tests := []struct {
		name string
		yaml string
	}{
		{"no providers", secret + model},
		{"no models", secret + provider},
		{"no secret", provider + model},
		{"bad kind", secret + model + "\nproviders:\n  - name: p\n    kind: smtp\n"},
		{"openai without url", secret + model + "\nproviders:\n  - name: p\n    kind: openaicompat\n"},
		{"unknown model provider", secret + provider + "\nmodels:\n  - id: m\n    provider: q\n"},
		{"duplicate model", secret + provider + "\nmodels:\n  - id: m\n    provider: p\n  - id: m\n    provider: p\n"},
		{"bad transport", secret + provider + "\nmodels:\n  - id: m\n    provider: p\n    transports: [carrier-pigeon]\n"},
		{"negative fee", secret + provider + model + "\nbilling:\n  fee: -0.1\n"},
		{"negative limit", secret + provider + model + "\nrate_limit:\n  actions:\n    confirm: -1\n"},
		{"bad driver", secret + provider + model + "\nstorage:\n  driver: sqlite\n"},
		{"postgres without dsn", secret + provider + model + "\nstorage:\n  driver: postgres\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ib.ParseConfig([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inferbill.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalConfig), 0o600))

	cfg, err := ib.LoadConfig(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Models, 1)

	_, err = ib.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
