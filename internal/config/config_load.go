package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"

	"github.com/undoablehq/undoable/pkg/protocol"
)

// Default returns Settings with sensible defaults.
func Default() *Settings {
	return &Settings{
		Gateway: GatewayConfig{
			Host:         "127.0.0.1",
			Port:         18801,
			RateLimitRPM: 120,
		},
		Agent: AgentConfig{
			Provider:      "anthropic",
			Model:         "claude-sonnet-4-5-20250929",
			MaxTokens:     8192,
			Temperature:   0.7,
			MaxIterations: 20,
			Workspace:     "~/.undoable/workspace",
			SessionWindow: 40,
		},
		Tools: ToolsConfig{
			ApprovalMode:        protocol.ApprovalModeMutate,
			ApprovalTimeoutSec:  120,
			RestrictToWorkspace: true,
			ExecTimeoutSec:      60,
			Browser: BrowserConfig{
				Enabled:  true,
				Headless: true,
			},
		},
		Scheduler: SchedulerConfig{
			BackoffBaseMs: 60_000,
			BackoffMaxMs:  3_600_000,
		},
		DataDir: "~/.undoable",
	}
}

// Load reads settings from a JSON5 file, then overlays env vars.
// A missing file is not an error; defaults plus env apply.
func Load(path string) (*Settings, error) {
	s := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			s.applyEnvOverrides()
			return s, nil
		}
		return nil, fmt.Errorf("read settings: %w", err)
	}

	if err := json5.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}

	s.applyEnvOverrides()
	return s, nil
}

// applyEnvOverrides overlays env vars onto the settings. Env vars take
// precedence over file values. NRN_HOST and NRN_PORT are the pre-rename
// spellings and still honored; the UNDOABLE_DAEMON_* names win when both
// are set.
func (s *Settings) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	envStr("NRN_HOST", &s.Gateway.Host)
	envStr("UNDOABLE_DAEMON_HOST", &s.Gateway.Host)
	for _, key := range []string{"NRN_PORT", "UNDOABLE_DAEMON_PORT"} {
		if v := os.Getenv(key); v != "" {
			if port, err := strconv.Atoi(v); err == nil && port > 0 {
				s.Gateway.Port = port
			}
		}
	}

	envStr("UNDOABLE_TOKEN", &s.Gateway.Token)
	envStr("UNDOABLE_SECURITY_POLICY", &s.Gateway.SecurityPolicy)
	envBool("UNDOABLE_ALLOW_INSECURE_BIND_OPEN", &s.Gateway.AllowInsecureBindOpen)
	envStr("UNDOABLE_CANVAS_HOST", &s.Gateway.CanvasHost)

	if v := os.Getenv("UNDOABLE_MAX_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			s.Agent.MaxIterations = n
		}
	}
	envBool("UNDOABLE_DANGEROUSLY_SKIP_PERMISSIONS", &s.Tools.SkipPermissions)

	envStr("UNDOABLE_DATA_DIR", &s.DataDir)
	envStr("UNDOABLE_RUN_STATE_FILE", &s.RunsDirOverride)
	envStr("UNDOABLE_EXEC_STATE_FILE", &s.ExecStateFileOverride)

	// Run-store backend
	envStr("UNDOABLE_RUN_MODE", &s.Database.Mode)
	envStr("UNDOABLE_POSTGRES_DSN", &s.Database.PostgresDSN)

	// Provider secrets
	envStr("UNDOABLE_ANTHROPIC_API_KEY", &s.Providers.Anthropic.APIKey)
	envStr("UNDOABLE_OPENAI_API_KEY", &s.Providers.OpenAI.APIKey)
	envStr("UNDOABLE_PROVIDER", &s.Agent.Provider)
	envStr("UNDOABLE_MODEL", &s.Agent.Model)
	envStr("UNDOABLE_WORKSPACE", &s.Agent.Workspace)

	// Channel tokens: env presence enables the channel.
	chEnv := map[string]string{
		protocol.ChannelTelegram: "UNDOABLE_TELEGRAM_TOKEN",
		protocol.ChannelDiscord:  "UNDOABLE_DISCORD_TOKEN",
		protocol.ChannelSlack:    "UNDOABLE_SLACK_BOT_TOKEN",
	}
	for id, key := range chEnv {
		if v := os.Getenv(key); v != "" {
			ch := s.Channels[id]
			ch.ChannelID = id
			ch.Token = v
			ch.Enabled = true
			if s.Channels == nil {
				s.Channels = make(map[string]ChannelConfig)
			}
			s.Channels[id] = ch
		}
	}
	if v := os.Getenv("UNDOABLE_SLACK_APP_TOKEN"); v != "" {
		ch := s.Channels[protocol.ChannelSlack]
		ch.ChannelID = protocol.ChannelSlack
		if ch.Extra == nil {
			ch.Extra = make(map[string]string)
		}
		ch.Extra["appToken"] = v
		if s.Channels == nil {
			s.Channels = make(map[string]ChannelConfig)
		}
		s.Channels[protocol.ChannelSlack] = ch
	}

	// Telemetry
	envStr("UNDOABLE_OTLP_ENDPOINT", &s.Telemetry.Endpoint)
	envStr("UNDOABLE_OTLP_PROTOCOL", &s.Telemetry.Protocol)
	envBool("UNDOABLE_OTLP_ENABLED", &s.Telemetry.Enabled)

	// Tailscale (tsnet)
	envStr("UNDOABLE_TSNET_HOSTNAME", &s.Tailscale.Hostname)
	envStr("UNDOABLE_TSNET_AUTH_KEY", &s.Tailscale.AuthKey)
	envStr("UNDOABLE_TSNET_DIR", &s.Tailscale.StateDir)

	// Normalize channel ids so map key and embedded id never diverge.
	for id, ch := range s.Channels {
		if ch.ChannelID == "" {
			ch.ChannelID = id
			s.Channels[id] = ch
		}
	}
}

// ApplyEnvOverrides re-applies env overrides, restoring env-only secrets
// after settings are replaced from disk or API.
func (s *Settings) ApplyEnvOverrides() {
	s.applyEnvOverrides()
}

// Save writes the settings to a JSON file at mode 0600. Env-only secrets
// carry `json:"-"` tags and never reach disk.
func Save(path string, s *Settings) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// DataPath returns the expanded data directory.
func (s *Settings) DataPath() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ExpandHome(s.DataDir)
}

// RunsDir is where per-run JSONL logs live (UNDOABLE_RUN_STATE_FILE overrides).
func (s *Settings) RunsDir() string {
	if s.RunsDirOverride != "" {
		return ExpandHome(s.RunsDirOverride)
	}
	return filepath.Join(s.DataPath(), "runs")
}

// ExecStateFile is the exec-session snapshot path (UNDOABLE_EXEC_STATE_FILE overrides).
func (s *Settings) ExecStateFile() string {
	if s.ExecStateFileOverride != "" {
		return ExpandHome(s.ExecStateFileOverride)
	}
	return filepath.Join(s.DataPath(), "exec-sessions.json")
}

// SchedulerJobsFile is the persistent job list.
func (s *Settings) SchedulerJobsFile() string {
	return filepath.Join(s.DataPath(), "scheduler-jobs.json")
}

// SessionsDir holds chat transcripts keyed by session id.
func (s *Settings) SessionsDir() string {
	return filepath.Join(s.DataPath(), "sessions")
}

// ChannelStateDir holds per-channel credential state (e.g. WhatsApp auth).
func (s *Settings) ChannelStateDir(channelID string) string {
	return filepath.Join(s.DataPath(), "channels", channelID)
}

// UsageFile is the capped token/cost record log.
func (s *Settings) UsageFile() string {
	return filepath.Join(s.DataPath(), "usage.json")
}

// MemoryDBFile is the sqlite database backing the memory tools.
func (s *Settings) MemoryDBFile() string {
	return filepath.Join(s.DataPath(), "memory.db")
}

// SkillsDir holds skill markdown files folded into the system prompt.
func (s *Settings) SkillsDir() string {
	return filepath.Join(s.DataPath(), "skills")
}

// WorkspacePath returns the expanded agent workspace.
func (s *Settings) WorkspacePath() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ExpandHome(s.Agent.Workspace)
}

// ApprovalMode returns the effective approval mode, honoring the
// skip-permissions kill switch.
func (s *Settings) ApprovalMode() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Tools.SkipPermissions {
		return protocol.ApprovalModeOff
	}
	if s.Tools.ApprovalMode == "" {
		return protocol.ApprovalModeMutate
	}
	return s.Tools.ApprovalMode
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}

// BindAddr joins host and port for net.Listen.
func (s *Settings) BindAddr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	host := s.Gateway.Host
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		host = "[" + host + "]" // bare IPv6
	}
	return fmt.Sprintf("%s:%d", host, s.Gateway.Port)
}
