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
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_FileAndDefaults(t *testing.T) {
	path := writeConfig(t, `
api:
  port: "9090"
auth:
  jwt_secret: from-file
quotes:
  provider: static
  prices:
    ABC: "20.5"
valuation:
  policy: zero
`)
	conf, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", conf.API.Port)
	assert.Equal(t, "development", conf.API.Environment)
	assert.Equal(t, "from-file", conf.Auth.JWTSecret)
	assert.Equal(t, 24*time.Hour, conf.Auth.TokenTTL)
	assert.Equal(t, 5*time.Second, conf.Quotes.Timeout)
	assert.Equal(t, "20.5", conf.Quotes.Prices["abc"])
	assert.Equal(t, "zero", conf.Valuation.Policy)
	assert.Equal(t, 8, conf.Valuation.Concurrency)
	assert.Empty(t, conf.Postgres.URL)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "auth:\n  jwt_secret: from-file\n")
	t.Setenv("PAPERTRADE_AUTH_JWT_SECRET", "from-env")
	t.Setenv("PAPERTRADE_POSTGRES_URL", "postgres://localhost/papertrade")
	t.Setenv("PAPERTRADE_QUOTES_TIMEOUT", "2s")

	conf, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", conf.Auth.JWTSecret)
	assert.Equal(t, "postgres://localhost/papertrade", conf.Postgres.URL)
	assert.Equal(t, 2*time.Second, conf.Quotes.Timeout)
}

func TestLoad_MissingFile(t *testing.T) {
	t.Setenv("PAPERTRADE_AUTH_JWT_SECRET", "from-env")
	conf, err := Load(filepath.Join(t.TempDir(), "absent.yml"))
	require.NoError(t, err)
	assert.Equal(t, "8080", conf.API.Port)
}

func TestLoad_RequiresSecret(t *testing.T) {
	_, err := Load(writeConfig(t, "api:\n  port: \"1\"\n"))
	assert.Error(t, err)
}
