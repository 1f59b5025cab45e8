package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
}

func TestLoadFrom_AppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
db:
  host: localhost
  port: 5432
`)

	cfg, err := LoadFrom("local", dir)
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.DB.Host)
	assert.Equal(t, 1, cfg.Worker.Concurrency)
	assert.Equal(t, 2*time.Second, cfg.Worker.IdleDelay)
	assert.Equal(t, 60*time.Second, cfg.Worker.MaxIdleDelay)
	assert.Equal(t, 5*time.Second, cfg.Worker.ErrorDelay)
	assert.Equal(t, "pattern", cfg.Redactor.Mode)
	assert.Equal(t, "@every 5m", cfg.Monitor.Schedule)
	assert.Equal(t, 15*time.Minute, cfg.Monitor.StuckAfter)
	assert.True(t, cfg.Outbox.Enabled)
	assert.Equal(t, ":8080", cfg.Server.Addr())
}

func TestLoadFrom_EnvironmentFileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
worker:
  concurrency: 2
  idle_delay: 1s
llm:
  classify_model: llama3
  api_key: ${MAILTRIAGE_TEST_LLM_KEY}
outbox:
  enabled: true
`)
	writeFile(t, dir, "staging.yaml", `
worker:
  max_idle_delay: 10s
outbox:
  enabled: false
`)
	t.Setenv("MAILTRIAGE_TEST_LLM_KEY", "sk-from-env")
	t.Setenv("WORKER_CONCURRENCY", "6")
	t.Setenv("LLM_BASE_URL", "http://ollama:11434/v1")

	cfg, err := LoadFrom("staging", dir)
	require.NoError(t, err)

	assert.Equal(t, 6, cfg.Worker.Concurrency)
	assert.Equal(t, time.Second, cfg.Worker.IdleDelay)
	assert.Equal(t, 10*time.Second, cfg.Worker.MaxIdleDelay)
	assert.False(t, cfg.Outbox.Enabled)
	assert.Equal(t, "sk-from-env", cfg.LLM.APIKey)
	assert.Equal(t, "http://ollama:11434/v1", cfg.LLM.BaseURL)
	assert.Equal(t, "llama3", cfg.LLM.ClassifyModel)
}

func TestLoadFrom_Validation(t *testing.T) {
	cases := map[string]string{
		"zero concurrency": `
worker:
  concurrency: 0
`,
		"idle above max": `
worker:
  idle_delay: 2m
  max_idle_delay: 1m
`,
		"unknown redactor": `
redactor:
  mode: magic
`,
		"presidio without urls": `
redactor:
  mode: presidio
`,
	}
	for name, base := range cases {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			writeFile(t, dir, "base.yaml", base)
			_, err := LoadFrom("local", dir)
			assert.Error(t, err)
		})
	}
}

func TestLoadFrom_MissingBase(t *testing.T) {
	_, err := LoadFrom("local", t.TempDir())
	assert.Error(t, err)
}

func TestRepositoryConfigFilesLoad(t *testing.T) {
	for _, env := range []string{"local", "production"} {
		t.Run(env, func(t *testing.T) {
			t.Setenv("REDACTOR_MODE", "pattern")
			_, err := LoadFrom(env, filepath.Join("..", "..", "config"))
			require.NoError(t, err)
		})
	}
}
