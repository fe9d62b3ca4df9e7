package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sampleCfg struct {
	Name string `mapstructure:"name"`
	HTTP struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"http"`
	Deposit struct {
		TTLMinutes int `mapstructure:"ttl_minutes"`
	} `mapstructure:"deposit"`
}

func writeConfig(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".yaml"), []byte(body), 0644))
}

func TestLoad_FileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "order-service", `
name: order-service
http:
  addr: ":8080"
deposit:
  ttl_minutes: 30
`)
	t.Setenv("ORDER_SERVICE_HTTP_ADDR", ":9999")

	var cfg sampleCfg
	v, err := Load("order-service", &cfg, dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "order-service.yaml"), v.ConfigFileUsed())

	assert.Equal(t, "order-service", cfg.Name)
	assert.Equal(t, ":9999", cfg.HTTP.Addr, "env must override the file value")
	assert.Equal(t, 30, cfg.Deposit.TTLMinutes)
}

func TestLoad_MissingFile(t *testing.T) {
	var cfg sampleCfg
	_, err := Load("does-not-exist", &cfg, t.TempDir())
	assert.Error(t, err)
}

func TestEnvPrefix(t *testing.T) {
	assert.Equal(t, "ORDER_SERVICE", envPrefix("order-service"))
	assert.Equal(t, "FUNDS", envPrefix("funds"))
}
