package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv blanks every variable the loader reads so host environment
// doesn't leak into assertions.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"LISTEN_ADDR", "CORS_ORIGINS", "SANDBOX_PROVIDER", "RUNNER_IMAGE", "DATASETS_DIR",
		"RUN_TIMEOUT_SECONDS", "MAX_ROWS", "MAX_OUTPUT_BYTES", "ENABLE_PYTHON_EXECUTION",
		"THREAD_HISTORY_WINDOW", "MAX_CONCURRENT_RUNS", "AGENT_MAX_TOOL_CALLS",
		"CAPSULE_STORE_PATH", "LLM_PROVIDER", "LLM_MODEL",
		"CAPSULE_RETENTION_DAYS", "CAPSULE_REAPER_SCHEDULE", "SIFT_CONFIG", "SIFT_API_KEY",
	} {
		t.Setenv(key, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("RUNNER_IMAGE", "sift-runner:1.0")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "local", cfg.SandboxProvider)
	assert.Equal(t, 30, cfg.RunTimeoutSeconds)
	assert.Equal(t, 1000, cfg.MaxRows)
	assert.Equal(t, 10, cfg.ThreadHistoryWindow)
	assert.Equal(t, 4, cfg.MaxConcurrentRuns)
	assert.Equal(t, 6, cfg.AgentMaxToolCalls)
	assert.Equal(t, "auto", cfg.LLMProvider)
	assert.Equal(t, "0 3 * * *", cfg.CapsuleReaperSchedule)
	assert.False(t, cfg.EnablePythonExecution)
}

func TestLoad_YamlOverlay(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "sift.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
runner_image: sift-runner:2.1
sandbox_provider: remote
max_rows: 500
enable_python_execution: true
remote:
  url: http://sandbox.internal:8800
  token: from-file
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "remote", cfg.SandboxProvider)
	assert.Equal(t, "sift-runner:2.1", cfg.RunnerImage)
	assert.Equal(t, 500, cfg.MaxRows)
	assert.True(t, cfg.EnablePythonExecution)
	assert.Equal(t, "http://sandbox.internal:8800", cfg.Remote.URL)
}

func TestLoad_EnvWinsOverYaml(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "sift.yaml")
	require.NoError(t, os.WriteFile(path, []byte("runner_image: from-file\nmax_rows: 500\n"), 0o644))

	t.Setenv("RUNNER_IMAGE", "from-env")
	t.Setenv("MAX_ROWS", "250")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.RunnerImage)
	assert.Equal(t, 250, cfg.MaxRows)
}

func TestLoad_EnvTypes(t *testing.T) {
	clearEnv(t)
	t.Setenv("RUNNER_IMAGE", "img")
	t.Setenv("ENABLE_PYTHON_EXECUTION", "true")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("REMOTE_SANDBOX_CPUS", "1.5")
	t.Setenv("CAPSULE_STORE_PATH", "postgres://sift:sift@db:5432/sift")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.EnablePythonExecution)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.Equal(t, 1.5, cfg.Remote.CPUs)
	assert.Equal(t, "postgres://sift:sift@db:5432/sift", cfg.CapsuleStorePath)
}

func TestValidate_CollectsAllProblems(t *testing.T) {
	clearEnv(t)
	t.Setenv("SANDBOX_PROVIDER", "firecracker")
	t.Setenv("LLM_PROVIDER", "bard")
	t.Setenv("CAPSULE_STORE_PATH", "/var/lib/sift/capsules.db")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SANDBOX_PROVIDER")
	assert.Contains(t, err.Error(), "LLM_PROVIDER")
	assert.Contains(t, err.Error(), "CAPSULE_STORE_PATH")
	assert.Contains(t, err.Error(), "RUNNER_IMAGE")
}

func TestValidate_ProviderRequirements(t *testing.T) {
	clearEnv(t)
	t.Setenv("SANDBOX_PROVIDER", "remote")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REMOTE_SANDBOX_URL")

	t.Setenv("SANDBOX_PROVIDER", "cluster")
	t.Setenv("RUNNER_IMAGE", "img")
	_, err = Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CLUSTER_DATASETS_PVC")
}

func TestResolvePath_EnvWins(t *testing.T) {
	clearEnv(t)
	t.Setenv("SIFT_CONFIG", "/etc/sift/sift.yaml")
	assert.Equal(t, "/etc/sift/sift.yaml", ResolvePath())
}
