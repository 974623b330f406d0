package config

import (
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func validConfig() Config {
	return Config{
		Storage:             "memory",
		DBMaxOpen:           10,
		DBMaxIdle:           5,
		Liquidity:           1000,
		Proposals:           []string{"alpha", "beta", "gamma"},
		OutcomesPerProposal: 2,
		CollapseRule:        "weighted_composite",
		CollapseTime:        500,
		ExpiryTime:          1000,
		Deposit:             900,
		Traders:             10,
		Trades:              200,
		Seed:                42,
	}
}

func TestConfigValidation(t *testing.T) {
	v := validator.New()

	require.NoError(t, v.Struct(validConfig()))

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown storage", func(c *Config) { c.Storage = "redis" }},
		{"postgres without conn str", func(c *Config) { c.Storage = "postgres"; c.DBConnStr = "" }},
		{"zero liquidity", func(c *Config) { c.Liquidity = 0 }},
		{"single proposal", func(c *Config) { c.Proposals = []string{"alpha"} }},
		{"empty proposal name", func(c *Config) { c.Proposals = []string{"alpha", ""} }},
		{"too few outcomes", func(c *Config) { c.OutcomesPerProposal = 1 }},
		{"unknown collapse rule", func(c *Config) { c.CollapseRule = "coin_flip" }},
		{"expiry before collapse", func(c *Config) { c.ExpiryTime = 400 }},
		{"zero deposit", func(c *Config) { c.Deposit = 0 }},
		{"no traders", func(c *Config) { c.Traders = 0 }},
		{"negative volatility threshold", func(c *Config) { c.VolatilityThreshold = -0.1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			assert.Error(t, v.Struct(cfg))
		})
	}
}

func TestConfigYAML(t *testing.T) {
	raw := `
storage: "postgres"
db_conn_str: "postgres://localhost:5432/quantum?sslmode=disable"
db_max_open: 10
db_max_idle: 5
liquidity: 1000.0
proposals: ["alpha", "beta"]
outcomes_per_proposal: 2
collapse_rule: "max_volume"
collapse_time: 500
expiry_time: 1000
deposit: 900.0
traders: 4
trades: 50
seed: 7
volatility_threshold: 0.05
volatility_window: 20
`
	var cfg Config
	require.NoError(t, yaml.Unmarshal([]byte(raw), &cfg))

	assert.Equal(t, "postgres", cfg.Storage)
	assert.Equal(t, []string{"alpha", "beta"}, cfg.Proposals)
	assert.Equal(t, "max_volume", cfg.CollapseRule)
	assert.Equal(t, uint64(500), cfg.CollapseTime)
	assert.Equal(t, 0.05, cfg.VolatilityThreshold)

	require.NoError(t, validator.New().Struct(cfg))
}
