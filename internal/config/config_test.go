package config

import (
	"os"
	"path/filepath"
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

func TestLoad_DefaultsAndProfile(t *testing.T) {
	path := writeConfig(t, `
environment:
  mode: paper
symbols: [RELIANCE, TCS]
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ProfileBalanced, cfg.Environment.Profile)
	assert.Equal(t, 1_000_000.0, cfg.Capital.Initial)
	assert.Equal(t, 25, cfg.Risk.MaxPositions)
	assert.InDelta(t, 0.45, cfg.Signals.MinConfidenceEntry, 1e-9)
	assert.InDelta(t, 0.25, cfg.Signals.MinConfidenceExit, 1e-9)
	assert.Equal(t, 30*time.Second, cfg.CheckInterval())
	assert.Equal(t, 5*time.Minute, cfg.OffHoursInterval())
	assert.Equal(t, 15*time.Minute, cfg.NormalCooldown())
	assert.Equal(t, 30*time.Minute, cfg.StopLossCooldown())
	assert.True(t, cfg.TrendFilterEnabled())
	assert.True(t, cfg.IsPaperTrading())
	assert.Equal(t, 45*time.Second, cfg.CacheTTL())
}

func TestLoad_AggressiveProfileDisablesTrendFilter(t *testing.T) {
	path := writeConfig(t, `
environment:
  mode: paper
  profile: aggressive
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.InDelta(t, 0.35, cfg.Signals.MinConfidenceEntry, 1e-9)
	assert.False(t, cfg.TrendFilterEnabled())
}

func TestLoad_ConservativeProfile(t *testing.T) {
	path := writeConfig(t, `
environment:
  mode: paper
  profile: conservative
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.InDelta(t, 0.55, cfg.Signals.MinConfidenceEntry, 1e-9)
	assert.True(t, cfg.TrendFilterEnabled())
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("DALAL_SINK", "http://dash.local:9000")
	path := writeConfig(t, `
environment:
  mode: paper
telemetry:
  enabled: true
  base_url: ${DALAL_SINK}
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://dash.local:9000", cfg.Telemetry.BaseURL)
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{
			name: "bad mode",
			body: "environment:\n  mode: demo\n",
		},
		{
			name: "entry confidence below exit",
			body: "environment:\n  mode: paper\nsignals:\n  min_confidence_entry: 0.2\n  min_confidence_exit: 0.25\n",
		},
		{
			name: "bad cooldown duration",
			body: "environment:\n  mode: paper\ncooldowns:\n  normal: fifteen\n",
		},
		{
			name: "telemetry enabled without url",
			body: "environment:\n  mode: paper\ntelemetry:\n  enabled: true\n",
		},
		{
			name: "invalid symbol",
			body: "environment:\n  mode: paper\nsymbols: [x]\n",
		},
		{
			name: "unknown field",
			body: "environment:\n  mode: paper\nunknown_section:\n  a: 1\n",
		},
		{
			name: "live mode without broker url",
			body: "environment:\n  mode: live\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3, cfg.RateLimit.MaxPerSecond)
	assert.Equal(t, 60, cfg.RateLimit.MaxPerMinute)
	assert.Equal(t, time.Minute, cfg.CircuitResetTimeout())
}
