// Package config loads siftd settings from the environment, with an
// optional sift.yaml overlay for deployment profiles. Environment
// variables always win over file values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Settings is the full runtime configuration of siftd.
type Settings struct {
	ListenAddr  string   `yaml:"listen_addr"`
	CORSOrigins []string `yaml:"cors_origins"`

	// APIKey enables static bearer-key auth on the API when set. Empty
	// leaves the API open (local development).
	APIKey string `yaml:"api_key"`

	SandboxProvider       string `yaml:"sandbox_provider"`
	RunnerImage           string `yaml:"runner_image"`
	DatasetsDir           string `yaml:"datasets_dir"`
	RunTimeoutSeconds     int    `yaml:"run_timeout_seconds"`
	MaxRows               int    `yaml:"max_rows"`
	MaxOutputBytes        int    `yaml:"max_output_bytes"`
	EnablePythonExecution bool   `yaml:"enable_python_execution"`
	ThreadHistoryWindow   int    `yaml:"thread_history_window"`
	MaxConcurrentRuns     int    `yaml:"max_concurrent_runs"`
	AgentMaxToolCalls     int    `yaml:"agent_max_tool_calls"`

	// CapsuleStorePath is a postgres:// DSN. Empty selects the
	// in-memory store (capsules are lost on restart).
	CapsuleStorePath string `yaml:"capsule_store_path"`

	// LLMProvider is auto, anthropic, or openai. Credentials come from
	// the provider's own environment variable.
	LLMProvider string `yaml:"llm_provider"`
	LLMModel    string `yaml:"llm_model"`

	CapsuleRetentionDays  int    `yaml:"capsule_retention_days"`
	CapsuleReaperSchedule string `yaml:"capsule_reaper_schedule"`

	Remote  RemoteSettings  `yaml:"remote"`
	Cluster ClusterSettings `yaml:"cluster"`
	S3      S3Settings      `yaml:"s3"`
}

// RemoteSettings configures the remote-sandbox backend.
type RemoteSettings struct {
	URL         string  `yaml:"url"`
	Token       string  `yaml:"token"`
	Namespace   string  `yaml:"namespace"`
	MemoryMB    int     `yaml:"memory_mb"`
	CPUs        float64 `yaml:"cpus"`
	CLIFallback bool    `yaml:"cli_fallback"`
}

// ClusterSettings configures the cluster-job backend.
type ClusterSettings struct {
	Namespace       string `yaml:"namespace"`
	ServiceAccount  string `yaml:"service_account"`
	CPULimit        string `yaml:"cpu_limit"`
	MemoryLimit     string `yaml:"memory_limit"`
	DatasetsPVC     string `yaml:"datasets_pvc"`
	JobTTLSeconds   int    `yaml:"job_ttl_seconds"`
	PollIntervalMS  int    `yaml:"poll_interval_ms"`
	ImagePullPolicy string `yaml:"image_pull_policy"`
}

// S3Settings configures the optional dataset mirror sync at startup.
type S3Settings struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// Defaults returns the baseline configuration.
func Defaults() *Settings {
	return &Settings{
		ListenAddr:            ":8080",
		SandboxProvider:       "local",
		DatasetsDir:           "./datasets",
		RunTimeoutSeconds:     30,
		MaxRows:               1000,
		MaxOutputBytes:        1 << 20,
		ThreadHistoryWindow:   10,
		MaxConcurrentRuns:     4,
		AgentMaxToolCalls:     6,
		LLMProvider:           "auto",
		CapsuleReaperSchedule: "0 3 * * *",
	}
}

// ResolvePath finds the overlay file path.
// Priority: SIFT_CONFIG env var > ./sift.yaml > "" (no overlay).
func ResolvePath() string {
	if p := os.Getenv("SIFT_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat("sift.yaml"); err == nil {
		return "sift.yaml"
	}
	return ""
}

// Load builds the settings: defaults, then the yaml overlay at path (if
// any), then environment variables, then validation.
func Load(path string) (*Settings, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Settings) applyEnv() {
	envStr(&c.ListenAddr, "LISTEN_ADDR")
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		c.CORSOrigins = splitCSV(v)
	}
	envStr(&c.APIKey, "SIFT_API_KEY")

	envStr(&c.SandboxProvider, "SANDBOX_PROVIDER")
	envStr(&c.RunnerImage, "RUNNER_IMAGE")
	envStr(&c.DatasetsDir, "DATASETS_DIR")
	envInt(&c.RunTimeoutSeconds, "RUN_TIMEOUT_SECONDS")
	envInt(&c.MaxRows, "MAX_ROWS")
	envInt(&c.MaxOutputBytes, "MAX_OUTPUT_BYTES")
	envBool(&c.EnablePythonExecution, "ENABLE_PYTHON_EXECUTION")
	envInt(&c.ThreadHistoryWindow, "THREAD_HISTORY_WINDOW")
	envInt(&c.MaxConcurrentRuns, "MAX_CONCURRENT_RUNS")
	envInt(&c.AgentMaxToolCalls, "AGENT_MAX_TOOL_CALLS")
	envStr(&c.CapsuleStorePath, "CAPSULE_STORE_PATH")
	envStr(&c.LLMProvider, "LLM_PROVIDER")
	envStr(&c.LLMModel, "LLM_MODEL")
	envInt(&c.CapsuleRetentionDays, "CAPSULE_RETENTION_DAYS")
	envStr(&c.CapsuleReaperSchedule, "CAPSULE_REAPER_SCHEDULE")

	envStr(&c.Remote.URL, "REMOTE_SANDBOX_URL")
	envStr(&c.Remote.Token, "REMOTE_SANDBOX_TOKEN")
	envStr(&c.Remote.Namespace, "REMOTE_SANDBOX_NAMESPACE")
	envInt(&c.Remote.MemoryMB, "REMOTE_SANDBOX_MEMORY_MB")
	envFloat(&c.Remote.CPUs, "REMOTE_SANDBOX_CPUS")
	envBool(&c.Remote.CLIFallback, "REMOTE_SANDBOX_CLI_FALLBACK")

	envStr(&c.Cluster.Namespace, "CLUSTER_NAMESPACE")
	envStr(&c.Cluster.ServiceAccount, "CLUSTER_SERVICE_ACCOUNT")
	envStr(&c.Cluster.CPULimit, "CLUSTER_CPU_LIMIT")
	envStr(&c.Cluster.MemoryLimit, "CLUSTER_MEMORY_LIMIT")
	envStr(&c.Cluster.DatasetsPVC, "CLUSTER_DATASETS_PVC")
	envInt(&c.Cluster.JobTTLSeconds, "CLUSTER_JOB_TTL_SECONDS")
	envInt(&c.Cluster.PollIntervalMS, "CLUSTER_POLL_INTERVAL_MS")
	envStr(&c.Cluster.ImagePullPolicy, "CLUSTER_IMAGE_PULL_POLICY")

	envStr(&c.S3.Endpoint, "S3_ENDPOINT")
	envStr(&c.S3.AccessKey, "S3_ACCESS_KEY")
	envStr(&c.S3.SecretKey, "S3_SECRET_KEY")
	envStr(&c.S3.Bucket, "S3_BUCKET")
	envStr(&c.S3.Prefix, "S3_PREFIX")
	envBool(&c.S3.UseSSL, "S3_USE_SSL")
}

// Validate collects every problem rather than stopping at the first.
func (c *Settings) Validate() error {
	var problems []string

	switch c.SandboxProvider {
	case "local", "remote", "cluster":
	default:
		problems = append(problems, fmt.Sprintf("SANDBOX_PROVIDER must be local, remote, or cluster (got %q)", c.SandboxProvider))
	}
	if c.SandboxProvider != "remote" && c.RunnerImage == "" {
		problems = append(problems, "RUNNER_IMAGE is required")
	}
	if c.SandboxProvider == "remote" && c.Remote.URL == "" {
		problems = append(problems, "REMOTE_SANDBOX_URL is required for the remote provider")
	}
	if c.SandboxProvider == "cluster" && c.Cluster.DatasetsPVC == "" {
		problems = append(problems, "CLUSTER_DATASETS_PVC is required for the cluster provider")
	}
	if c.DatasetsDir == "" {
		problems = append(problems, "DATASETS_DIR is required")
	}
	if c.RunTimeoutSeconds <= 0 {
		problems = append(problems, "RUN_TIMEOUT_SECONDS must be positive")
	}
	if c.MaxRows <= 0 {
		problems = append(problems, "MAX_ROWS must be positive")
	}
	if c.MaxOutputBytes <= 0 {
		problems = append(problems, "MAX_OUTPUT_BYTES must be positive")
	}
	if c.CapsuleStorePath != "" && !strings.HasPrefix(c.CapsuleStorePath, "postgres://") &&
		!strings.HasPrefix(c.CapsuleStorePath, "postgresql://") {
		problems = append(problems, "CAPSULE_STORE_PATH must be a postgres:// DSN or empty")
	}
	switch c.LLMProvider {
	case "auto", "anthropic", "openai":
	default:
		problems = append(problems, fmt.Sprintf("LLM_PROVIDER must be auto, anthropic, or openai (got %q)", c.LLMProvider))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}

func envStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true" || v == "1" || v == "yes"
	}
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
