package config

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
)

// Security policies inferred from the bind host + token pair.
const (
	PolicyStrict     = "strict"
	PolicyBalanced   = "balanced"
	PolicyPermissive = "permissive"
)

// DefaultAgentID is the agent used when a run does not name one.
const DefaultAgentID = "default"

// Settings is the root launch configuration, persisted as
// daemon-settings.json in the data directory. Resolution order is
// env > stored settings > defaults; env overlay happens in Load.
type Settings struct {
	Gateway   GatewayConfig            `json:"gateway"`
	Agent     AgentConfig              `json:"agent"`
	Providers ProvidersConfig          `json:"providers"`
	Channels  map[string]ChannelConfig `json:"channels,omitempty"`
	Tools     ToolsConfig              `json:"tools"`
	Scheduler SchedulerConfig          `json:"scheduler,omitempty"`
	Database  DatabaseConfig           `json:"database,omitempty"`
	Telemetry TelemetryConfig          `json:"telemetry,omitempty"`
	Tailscale TailscaleConfig          `json:"tailscale,omitempty"`

	// DataDir is the per-user state root (runs/, scheduler-jobs.json, ...).
	DataDir string `json:"data_dir,omitempty"`

	// File overrides, env-only (UNDOABLE_RUN_STATE_FILE / UNDOABLE_EXEC_STATE_FILE).
	RunsDirOverride       string `json:"-"`
	ExecStateFileOverride string `json:"-"`

	mu sync.RWMutex
}

// GatewayConfig configures the HTTP surface and its auth gate.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`

	// Token gates every HTTP request and WS upgrade. Empty means no auth,
	// which is only allowed on loopback binds (see SecurityPolicy).
	Token string `json:"token,omitempty"`

	// SecurityPolicy is normally inferred from (host, token); a non-empty
	// value (file or UNDOABLE_SECURITY_POLICY) pins it explicitly.
	SecurityPolicy string `json:"security_policy,omitempty"`

	// AllowInsecureBindOpen permits a non-loopback bind without a token.
	// Env-only opt-out (UNDOABLE_ALLOW_INSECURE_BIND_OPEN); never persisted.
	AllowInsecureBindOpen bool `json:"-"`

	// RateLimitRPM caps authenticated requests per minute per token. 0 = off.
	RateLimitRPM int `json:"rate_limit_rpm,omitempty"`

	// CanvasHost is the upstream the canvas WebSocket path forwards to.
	CanvasHost string `json:"canvas_host,omitempty"`
}

// AgentConfig holds executor defaults.
type AgentConfig struct {
	Provider      string  `json:"provider"`
	Model         string  `json:"model"`
	MaxTokens     int     `json:"max_tokens"`
	Temperature   float64 `json:"temperature"`
	MaxIterations int     `json:"max_iterations"`
	Workspace     string  `json:"workspace"`

	// SessionWindow bounds how many prior transcript messages are replayed
	// into a session-scoped run.
	SessionWindow int `json:"session_window,omitempty"`
}

// ProvidersConfig carries per-provider credentials. API keys come from env
// only and are never persisted.
type ProvidersConfig struct {
	Anthropic ProviderConfig `json:"anthropic,omitempty"`
	OpenAI    ProviderConfig `json:"openai,omitempty"`
}

// ProviderConfig is a single LLM endpoint.
type ProviderConfig struct {
	APIKey  string `json:"-"`
	APIBase string `json:"api_base,omitempty"`
	Model   string `json:"model,omitempty"`
}

// ChannelConfig is the persisted configuration of one chat channel.
type ChannelConfig struct {
	ChannelID     string            `json:"channelId"`
	Enabled       bool              `json:"enabled"`
	Token         string            `json:"token,omitempty"`
	Extra         map[string]string `json:"extra,omitempty"`
	UserAllowlist []string          `json:"userAllowlist,omitempty"`
	UserBlocklist []string          `json:"userBlocklist,omitempty"`
	AllowDMs      *bool             `json:"allowDMs,omitempty"`
	AllowGroups   *bool             `json:"allowGroups,omitempty"`
	RateLimit     int               `json:"rateLimit,omitempty"`     // messages per user per minute, 0 = unlimited
	MaxMediaBytes int64             `json:"maxMediaBytes,omitempty"` // 0 = default
}

// DMsAllowed applies the default (true) when the field is absent.
func (c ChannelConfig) DMsAllowed() bool {
	return c.AllowDMs == nil || *c.AllowDMs
}

// GroupsAllowed applies the default (true) when the field is absent.
func (c ChannelConfig) GroupsAllowed() bool {
	return c.AllowGroups == nil || *c.AllowGroups
}

// ToolsConfig configures tool dispatch behaviour.
type ToolsConfig struct {
	// ApprovalMode: "off", "mutate" (gate mutate/exec/network), "always".
	ApprovalMode string `json:"approval_mode"`

	// ApprovalTimeoutSec bounds how long a gated call waits before the
	// default deny. 0 = 120s.
	ApprovalTimeoutSec int `json:"approval_timeout_sec,omitempty"`

	// SkipPermissions force-disables the approval gate. Env-only
	// (UNDOABLE_DANGEROUSLY_SKIP_PERMISSIONS); never persisted.
	SkipPermissions bool `json:"-"`

	// RestrictToWorkspace confines file tools to the agent workspace,
	// resolving symlinks before the boundary check.
	RestrictToWorkspace bool `json:"restrict_to_workspace"`

	ExecTimeoutSec int           `json:"exec_timeout_sec,omitempty"` // default 60
	Browser        BrowserConfig `json:"browser,omitempty"`
}

// BrowserConfig configures the rod-backed browser tool.
type BrowserConfig struct {
	Enabled  bool   `json:"enabled"`
	Headless bool   `json:"headless"`
	BinPath  string `json:"bin_path,omitempty"`
}

// SchedulerConfig tunes retry backoff for failing jobs.
type SchedulerConfig struct {
	BackoffBaseMs int64 `json:"backoff_base_ms,omitempty"` // default 60000
	BackoffMaxMs  int64 `json:"backoff_max_ms,omitempty"`  // default 1h
}

// DatabaseConfig selects the run-store backend. PostgresDSN is env-only
// (UNDOABLE_POSTGRES_DSN), never persisted.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`
	Mode        string `json:"mode,omitempty"` // "standalone" (default) or "managed"
}

// IsManagedMode reports whether runs persist to Postgres.
func (s *Settings) IsManagedMode() bool {
	return s.Database.Mode == "managed" && s.Database.PostgresDSN != ""
}

// TelemetryConfig configures OTLP trace export (requires -tags otel).
type TelemetryConfig struct {
	Enabled  bool   `json:"enabled,omitempty"`
	Endpoint string `json:"endpoint,omitempty"` // e.g. "localhost:4317"
	Protocol string `json:"protocol,omitempty"` // "grpc" (default) or "http"
}

// TailscaleConfig configures the optional tsnet listener (requires -tags tsnet).
// Auth key from env only (UNDOABLE_TSNET_AUTH_KEY), never persisted.
type TailscaleConfig struct {
	Hostname  string `json:"hostname,omitempty"`
	StateDir  string `json:"state_dir,omitempty"`
	AuthKey   string `json:"-"`
	Ephemeral bool   `json:"ephemeral,omitempty"`
}

// ReplaceFrom copies all data fields from src, preserving s's mutex.
func (s *Settings) ReplaceFrom(src *Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Gateway = src.Gateway
	s.Agent = src.Agent
	s.Providers = src.Providers
	s.Channels = src.Channels
	s.Tools = src.Tools
	s.Scheduler = src.Scheduler
	s.Database = src.Database
	s.Telemetry = src.Telemetry
	s.Tailscale = src.Tailscale
	s.DataDir = src.DataDir
	s.RunsDirOverride = src.RunsDirOverride
	s.ExecStateFileOverride = src.ExecStateFileOverride
}

// Channel returns the config for a channel id plus whether it exists.
func (s *Settings) Channel(id string) (ChannelConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.Channels[id]
	return c, ok
}

// SetChannel stores a channel config under its id.
func (s *Settings) SetChannel(cfg ChannelConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Channels == nil {
		s.Channels = make(map[string]ChannelConfig)
	}
	s.Channels[cfg.ChannelID] = cfg
}

// SecurityPolicy returns the explicit policy when set, otherwise the value
// inferred from the bind host and token: loopback+token → strict,
// non-loopback without token → permissive, anything else → balanced.
func (s *Settings) SecurityPolicy() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Gateway.SecurityPolicy != "" {
		return s.Gateway.SecurityPolicy
	}
	return InferSecurityPolicy(s.Gateway.Host, s.Gateway.Token)
}

// InferSecurityPolicy derives the policy from a (host, token) pair.
func InferSecurityPolicy(host, token string) string {
	loopback := IsLoopbackHost(host)
	switch {
	case loopback && token != "":
		return PolicyStrict
	case !loopback && token == "":
		return PolicyPermissive
	default:
		return PolicyBalanced
	}
}

// IsLoopbackHost reports whether host resolves to a loopback bind.
func IsLoopbackHost(host string) bool {
	if host == "" || host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// ValidateBindPolicy refuses the permissive posture (non-loopback bind with
// no token) unless the insecure opt-out is set.
func (s *Settings) ValidateBindPolicy() error {
	if s.SecurityPolicy() != PolicyPermissive {
		return nil
	}
	if s.Gateway.AllowInsecureBindOpen {
		return nil
	}
	return fmt.Errorf(
		"refusing to bind %s without a token: set UNDOABLE_TOKEN, bind loopback, or set UNDOABLE_ALLOW_INSECURE_BIND_OPEN=1",
		s.Gateway.Host)
}

const secretMask = "***"

// MaskedCopy returns a deep copy with all secret fields masked, for
// returning settings over the API.
func (s *Settings) MaskedCopy() *Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := json.Marshal(s)
	if err != nil {
		return &Settings{}
	}
	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return &Settings{}
	}

	maskNonEmpty(&cp.Gateway.Token)
	for id, ch := range cp.Channels {
		maskNonEmpty(&ch.Token)
		if v, ok := ch.Extra["appToken"]; ok && v != "" {
			ch.Extra["appToken"] = secretMask
		}
		cp.Channels[id] = ch
	}
	return cp
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}
