package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "5000", cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 60*time.Second, cfg.LLM.CallTimeout)
	assert.Equal(t, 10*time.Minute, cfg.Cache.ArticlesTTL)
	assert.Equal(t, []string{"*"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "local@localhost", cfg.MCP.User, "mcp user falls back to the local user")
	assert.False(t, cfg.Auth.OAuthEnabled())
}

func TestLoadEnvironment(t *testing.T) {
	t.Chdir(t.TempDir())

	t.Run("prefixed variables", func(t *testing.T) {
		t.Setenv("SKYTH_SERVER_PORT", "8080")
		t.Setenv("SKYTH_STORE_DRIVER", "duckdb")
		t.Setenv("SKYTH_LLM_ROUTER_TIMEOUT", "3s")

		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, "8080", cfg.Server.Port)
		assert.Equal(t, "duckdb", cfg.Store.Driver)
		assert.Equal(t, 3*time.Second, cfg.LLM.RouterTimeout)
	})

	t.Run("legacy variables", func(t *testing.T) {
		t.Setenv("GEMINI_API_KEY", "legacy-key")
		t.Setenv("PORT", "9000")
		t.Setenv("DATABASE", "legacy.db")
		t.Setenv("REASONING_MODEL", "big-model")

		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, "legacy-key", cfg.LLM.APIKey)
		assert.Equal(t, "9000", cfg.Server.Port)
		assert.Equal(t, "legacy.db", cfg.Store.Path)
		assert.Equal(t, "big-model", cfg.LLM.Models.Reasoning)
	})

	t.Run("dotenv file", func(t *testing.T) {
		require.NoError(t, os.WriteFile(".env", []byte("SKYTH_AUTH_LOCAL_USER=dotenv@example.com\n"), 0644))
		t.Cleanup(func() { os.Unsetenv("SKYTH_AUTH_LOCAL_USER") })

		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, "dotenv@example.com", cfg.Auth.LocalUser)
	})
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "custom.yaml")

	content := `
store:
  driver: duckdb
  path: data/memory.duckdb
llm:
  call_timeout: 5s
cache:
  size: 32
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "duckdb", cfg.Store.Driver)
	assert.Equal(t, "data/memory.duckdb", cfg.Store.Path)
	assert.Equal(t, 5*time.Second, cfg.LLM.CallTimeout)
	assert.Equal(t, 32, cfg.Cache.Size)
	assert.Equal(t, "5000", cfg.Server.Port, "unset keys keep defaults")
}

func TestWriteDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "conf", "skyth.yaml")

	require.NoError(t, WriteDefaults(path))

	cfg, err := Load(path)
	require.NoError(t, err)

	want := Default()
	assert.Equal(t, want.Server, cfg.Server)
	assert.Equal(t, want.LLM, cfg.LLM)
	assert.Equal(t, want.Cache, cfg.Cache)
	assert.Equal(t, want.Collab, cfg.Collab)
	assert.Equal(t, want.TTS.Voices, cfg.TTS.Voices)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"non-numeric port", func(c *Config) { c.Server.Port = "http" }, true},
		{"unknown driver", func(c *Config) { c.Store.Driver = "postgres" }, true},
		{"zero timeout", func(c *Config) { c.LLM.CallTimeout = 0 }, true},
		{"oauth without secret", func(c *Config) {
			c.Auth.Google = GoogleConfig{ClientID: "id", ClientSecret: "secret"}
		}, true},
		{"oauth with secret", func(c *Config) {
			c.Auth.Google = GoogleConfig{ClientID: "id", ClientSecret: "secret"}
			c.Auth.SessionSecret = "s3cret"
		}, false},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
