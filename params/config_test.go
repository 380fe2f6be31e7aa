package params

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadFromEnvPrecedence(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("KEEPER_MATCH_MODE=continuous\nAPI_LISTEN_ADDR=:9000\n"), 0o644))

	t.Setenv("API_LISTEN_ADDR", ":7000")
	t.Setenv("KEEPER_INTERVAL", "250ms")
	t.Setenv("EVENTS_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("BOOK_FEE_BPS", "50")

	cfg, err := LoadFromEnv(envFile)
	require.NoError(t, err)
	t.Cleanup(func() { os.Unsetenv("KEEPER_MATCH_MODE") }) // godotenv sets it process-wide

	assert.Equal(t, "continuous", cfg.Keeper.MatchMode) // from .env
	assert.Equal(t, ":7000", cfg.API.ListenAddr)        // env beats .env
	assert.Equal(t, 250*time.Millisecond, cfg.Keeper.Interval)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Events.KafkaBrokers)
	assert.Equal(t, uint16(50), cfg.Book.FeeBps)
	assert.Equal(t, "data/shadowswap", cfg.Engine.DataDir) // default kept
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"mode", func(c *Config) { c.Keeper.MatchMode = "greedy" }},
		{"fee", func(c *Config) { c.Book.FeeBps = 10_001 }},
		{"decimals", func(c *Config) { c.Book.BaseDecimals = 20 }},
		{"payload", func(c *Config) { c.Engine.MaxCipherPayload = 0 }},
		{"interval", func(c *Config) { c.Keeper.Interval = 0 }},
		{"read-only keeper", func(c *Config) { c.Engine.ReadOnly = true }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestReadOnlyNeedsPassiveNode(t *testing.T) {
	cfg := Default()
	cfg.Engine.ReadOnly = true
	cfg.Keeper.Enabled = false
	require.NoError(t, cfg.Validate())

	cfg.Node.BootstrapBook = true
	assert.Error(t, cfg.Validate())
}
