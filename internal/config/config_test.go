package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envOf(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestFromEnv_Defaults(t *testing.T) {
	cfg, err := FromEnv(envOf(nil))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "postgres", cfg.StoreDriver)
	assert.Equal(t, time.Second, cfg.StreamPollInterval)
	assert.Equal(t, time.Hour, cfg.StreamMaxDuration)
	assert.True(t, cfg.ProMonthlyCredits.Equal(decimal.NewFromInt(500)))
	require.Len(t, cfg.Scanners, 4)
	assert.Equal(t, "secret_scanner", cfg.Scanners[0].ID)
	assert.Equal(t, "http://secret-scanner-service:8000", cfg.Scanners[0].BaseURL)
	assert.Equal(t, "legacy", cfg.Scanners[0].Dialect)
	assert.True(t, cfg.Scanners[0].Rate.Equal(decimal.RequireFromString("0.001")))
}

func TestFromEnv_ScannersAndRates(t *testing.T) {
	cfg, err := FromEnv(envOf(map[string]string{
		"SCANNER_HOSTS": "sast=http://sast:9000/|canonical, secret=http://secret:9000",
		"SCANNER_RATES": "sast=0.005",
		"STORE_DRIVER":  "memory",
	}))
	require.NoError(t, err)

	require.Len(t, cfg.Scanners, 2)
	assert.Equal(t, "sast", cfg.Scanners[0].ID)
	assert.Equal(t, "http://sast:9000", cfg.Scanners[0].BaseURL)
	assert.Equal(t, "canonical", cfg.Scanners[0].Dialect)
	assert.True(t, cfg.Scanners[0].Rate.Equal(decimal.RequireFromString("0.005")))
	assert.True(t, cfg.Scanners[1].Rate.Equal(decimal.RequireFromString("0.001")))
}

func TestFromEnv_Invalid(t *testing.T) {
	t.Run("UnknownDriver", func(t *testing.T) {
		_, err := FromEnv(envOf(map[string]string{"STORE_DRIVER": "mongo"}))
		assert.Error(t, err)
	})
	t.Run("BadScannerEntry", func(t *testing.T) {
		_, err := FromEnv(envOf(map[string]string{"SCANNER_HOSTS": "broken"}))
		assert.Error(t, err)
	})
	t.Run("NegativeRate", func(t *testing.T) {
		_, err := FromEnv(envOf(map[string]string{"SCANNER_RATES": "a=-1"}))
		assert.Error(t, err)
	})
	t.Run("BadDuration", func(t *testing.T) {
		_, err := FromEnv(envOf(map[string]string{"STREAM_POLL_INTERVAL": "soon"}))
		assert.Error(t, err)
	})
}
