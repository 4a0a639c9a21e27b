package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

// resetViper clears all viper state between tests to avoid cross-contamination.
func resetViper() {
	viper.Reset()
}

func TestLoad_Defaults(t *testing.T) {
	resetViper()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned unexpected error: %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"WorkDir", cfg.WorkDir, "."},
		{"StateDir", cfg.StateDir, ".pulsar"},
		{"PipelineFile", cfg.PipelineFile, "pulsar.toml"},
		{"MaxAgents", cfg.MaxAgents, runtime.NumCPU()},
		{"Shell", cfg.Shell, "sh"},
		{"GracePeriod", cfg.GracePeriod, 10 * time.Second},
		{"HistoryDB", cfg.HistoryDB, filepath.Join(".pulsar", "history.db")},
		{"TelemetryPath", cfg.TelemetryPath, filepath.Join(".pulsar", "telemetry.jsonl")},
		{"ApprovalsDir", cfg.ApprovalsDir, filepath.Join(".pulsar", "approvals")},
		{"Listen", cfg.Listen, ""},
		{"DefaultGateTimeout", cfg.DefaultGateTimeout, time.Duration(0)},
		{"Verbose", cfg.Verbose, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
			}
		})
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	tests := []struct {
		name   string
		envKey string
		envVal string
		field  func(Config) any
		want   any
	}{
		{
			name:   "state_dir moves derived paths",
			envKey: "PULSAR_STATE_DIR",
			envVal: "/var/lib/pulsar",
			field:  func(c Config) any { return c.HistoryDB },
			want:   "/var/lib/pulsar/history.db",
		},
		{
			name:   "history_db",
			envKey: "PULSAR_HISTORY_DB",
			envVal: "/tmp/runs.db",
			field:  func(c Config) any { return c.HistoryDB },
			want:   "/tmp/runs.db",
		},
		{
			name:   "max_agents",
			envKey: "PULSAR_MAX_AGENTS",
			envVal: "7",
			field:  func(c Config) any { return c.MaxAgents },
			want:   7,
		},
		{
			name:   "grace_period",
			envKey: "PULSAR_GRACE_PERIOD",
			envVal: "2s",
			field:  func(c Config) any { return c.GracePeriod },
			want:   2 * time.Second,
		},
		{
			name:   "default_gate_timeout",
			envKey: "PULSAR_DEFAULT_GATE_TIMEOUT",
			envVal: "1h",
			field:  func(c Config) any { return c.DefaultGateTimeout },
			want:   time.Hour,
		},
		{
			name:   "listen",
			envKey: "PULSAR_LISTEN",
			envVal: "127.0.0.1:8484",
			field:  func(c Config) any { return c.Listen },
			want:   "127.0.0.1:8484",
		},
		{
			name:   "verbose",
			envKey: "PULSAR_VERBOSE",
			envVal: "true",
			field:  func(c Config) any { return c.Verbose },
			want:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetViper()
			// Set env prefix so PULSAR_* env vars map to config keys.
			viper.SetEnvPrefix("PULSAR")
			viper.AutomaticEnv()

			t.Setenv(tt.envKey, tt.envVal)

			cfg, err := Load()
			if err != nil {
				t.Fatalf("Load() returned unexpected error: %v", err)
			}
			got := tt.field(cfg)
			if got != tt.want {
				t.Errorf("%s: got %v (%T), want %v (%T)", tt.name, got, got, tt.want, tt.want)
			}
		})
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	resetViper()

	path := filepath.Join(t.TempDir(), ".pulsar.yaml")
	const data = `
max_agents: 3
agents:
  linux: 2
  gpu: 1
notify:
  webhooks:
    chat:
      url: https://chat.example.com/hook
      headers:
        Authorization: Bearer x
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	viper.SetConfigFile(path)
	if err := viper.ReadInConfig(); err != nil {
		t.Fatalf("ReadInConfig: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned unexpected error: %v", err)
	}
	if cfg.MaxAgents != 3 || cfg.Agents["linux"] != 2 || cfg.Agents["gpu"] != 1 {
		t.Errorf("agents = %d %v", cfg.MaxAgents, cfg.Agents)
	}
	chat, ok := cfg.Notify.Webhooks["chat"]
	if !ok || chat.URL != "https://chat.example.com/hook" {
		t.Fatalf("webhooks = %+v", cfg.Notify.Webhooks)
	}
	// viper lowercases map keys.
	if chat.Headers["authorization"] != "Bearer x" {
		t.Errorf("headers = %v", chat.Headers)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		set  map[string]any
		want string
	}{
		{name: "zero agents", set: map[string]any{"max_agents": 0}, want: "max_agents"},
		{name: "negative label slots", set: map[string]any{"agents": map[string]any{"gpu": -1}}, want: "agents.gpu"},
		{name: "negative grace", set: map[string]any{"grace_period": "-1s"}, want: "grace_period"},
		{name: "webhook without url", set: map[string]any{"notify.webhooks.chat.headers": map[string]any{"x": "y"}}, want: "notify.webhooks.chat"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetViper()
			for k, v := range tt.set {
				viper.Set(k, v)
			}
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load() error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}
