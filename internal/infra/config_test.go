package infra

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfigFrom(writeConfig(t, "logger:\n  level: debug\n"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "IUSD", cfg.Ledger.Asset)
	assert.Equal(t, "escrow-holding", cfg.Ledger.HoldingAccount)
	assert.Equal(t, 8, cfg.Gate.MaxBudgetDepth)
	assert.Equal(t, 2*time.Second, cfg.Gate.LockTimeout)
	assert.Equal(t, uint(3), cfg.Gate.RetryAttempts)
	assert.Equal(t, 30*time.Second, cfg.Escrow.SweepInterval)
	assert.Equal(t, 1000, cfg.Journal.BufferSize)
	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Empty(t, cfg.Keys.MasterSeed)
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	path := writeConfig(t, `
ledger:
  asset: EUR
  decimals: 2
gate:
  lock_timeout: 500ms
  max_budget_depth: 4
issuer:
  id: central
  reserve_cap: 1000000
kafka:
  brokers: ["k1:9092", "k2:9092"]
`)
	t.Setenv("GATE_MAX_BUDGET_DEPTH", "6")
	t.Setenv("KEYS_MASTER_SEED", strings.Repeat("ab", 32))

	cfg, err := LoadConfigFrom(path)
	require.NoError(t, err)

	assert.Equal(t, "EUR", cfg.Ledger.Asset)
	assert.Equal(t, 500*time.Millisecond, cfg.Gate.LockTimeout)
	assert.Equal(t, 6, cfg.Gate.MaxBudgetDepth, "ENV overrides file")
	assert.Equal(t, "central", cfg.Issuer.ID)
	assert.Equal(t, uint64(1000000), cfg.Issuer.ReserveCap)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	require.Len(t, cfg.Keys.MasterSeed, 32)
	assert.Equal(t, byte(0xab), cfg.Keys.MasterSeed[0])
}

func TestLoadConfig_Invalid(t *testing.T) {
	cases := []struct {
		name string
		body string
		env  map[string]string
	}{
		{name: "bad seed hex", env: map[string]string{"KEYS_MASTER_SEED": "zz"}},
		{name: "short seed", env: map[string]string{"KEYS_MASTER_SEED": "abcd"}},
		{name: "zero depth", body: "gate:\n  max_budget_depth: 0\n"},
		{name: "auth without key", body: "auth:\n  enabled: true\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := LoadConfigFrom(writeConfig(t, tc.body+"logger:\n  level: info\n"))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig_MissingExplicitFile(t *testing.T) {
	_, err := LoadConfigFrom(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadKeyResource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pub.pem")
	require.NoError(t, os.WriteFile(path, []byte("from-file"), 0o600))

	assert.Equal(t, []byte("from-file"), loadKeyResource(path, "AGENTBANK_TEST_KEY"))

	t.Setenv("AGENTBANK_TEST_KEY", "from-env")
	assert.Equal(t, []byte("from-env"), loadKeyResource(path, "AGENTBANK_TEST_KEY"))

	assert.Nil(t, loadKeyResource("", "AGENTBANK_TEST_KEY_MISSING"))
}

func TestNewLogger(t *testing.T) {
	l, err := NewLogger(LoggerConfig{Level: "warn", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, l)

	_, err = NewLogger(LoggerConfig{Level: "loud"})
	assert.Error(t, err)
	_, err = NewLogger(LoggerConfig{Level: "info", Format: "xml"})
	assert.Error(t, err)
}
