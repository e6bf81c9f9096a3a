package channels

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/undoablehq/undoable/internal/config"
	"github.com/undoablehq/undoable/pkg/protocol"
)

// BaseChannel carries the state and filtering shared by every adapter:
// connection snapshot, reconnect backoff, and the per-user rate limiter.
// Adapters embed it and call MarkConnected/MarkDisconnected around their
// connection lifecycle.
type BaseChannel struct {
	id   string
	name string

	mu              sync.Mutex
	cfg             config.ChannelConfig
	configured      bool
	connected       bool
	awaitingScan    bool
	lastConnectedAt *time.Time
	lastError       string

	backoff *Backoff
	limiter *RateLimiter
}

// NewBase creates the shared adapter state. configured should reflect
// whether the adapter has the credentials it needs to connect.
func NewBase(id, name string, cfg config.ChannelConfig, configured bool) *BaseChannel {
	return &BaseChannel{
		id:         id,
		name:       name,
		cfg:        cfg,
		configured: configured,
		backoff:    NewBackoff(DefaultBackoffBaseMs, DefaultBackoffMaxMs, DefaultBackoffRetries),
		limiter:    NewRateLimiter(cfg.RateLimit),
	}
}

func (b *BaseChannel) ID() string   { return b.id }
func (b *BaseChannel) Name() string { return b.name }

// Config returns the channel configuration the adapter was built from.
func (b *BaseChannel) Config() config.ChannelConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg
}

// MarkConnected records a successful connect: backoff resets, the timestamp
// is taken, and any previous error clears.
func (b *BaseChannel) MarkConnected() {
	b.backoff.Reset()
	now := time.Now()

	b.mu.Lock()
	b.connected = true
	b.awaitingScan = false
	b.lastConnectedAt = &now
	b.lastError = ""
	b.mu.Unlock()

	slog.Info("channel connected", "channel", b.id)
}

// MarkDisconnected records a dropped or failed connection.
func (b *BaseChannel) MarkDisconnected(err error) {
	b.mu.Lock()
	b.connected = false
	if err != nil {
		b.lastError = err.Error()
	}
	b.mu.Unlock()
}

// MarkAwaitingScan flags that the platform is waiting for the user to scan
// a pairing QR code (WhatsApp bridge login).
func (b *BaseChannel) MarkAwaitingScan() {
	b.mu.Lock()
	b.connected = false
	b.awaitingScan = true
	b.mu.Unlock()
}

// Connected reports the live connection flag.
func (b *BaseChannel) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// NextBackoffMs exposes the reconnect schedule; nil means the retry cap is
// reached.
func (b *BaseChannel) NextBackoffMs() *int64 {
	return b.backoff.NextBackoffMs()
}

// WaitBackoff sleeps for the next backoff interval. It returns false when
// the retry cap is reached or ctx is cancelled, meaning the adapter should
// give up.
func (b *BaseChannel) WaitBackoff(ctx context.Context) bool {
	delay := b.backoff.NextBackoffMs()
	if delay == nil {
		b.mu.Lock()
		if b.lastError == "" {
			b.lastError = "reconnect attempts exhausted"
		}
		b.mu.Unlock()
		slog.Warn("channel reconnect attempts exhausted", "channel", b.id)
		return false
	}

	slog.Info("channel reconnecting", "channel", b.id, "backoff_ms", *delay, "attempt", b.backoff.Attempts())
	select {
	case <-ctx.Done():
		return false
	case <-time.After(time.Duration(*delay) * time.Millisecond):
		return true
	}
}

// Accept applies the inbound filter chain: self, DM/group toggles,
// blocklist, allowlist, then the per-user rate limit. Dropped messages are
// logged at debug level and produce no run.
func (b *BaseChannel) Accept(msg InboundMessage) bool {
	if msg.IsSelf {
		return false
	}

	b.mu.Lock()
	cfg := b.cfg
	b.mu.Unlock()

	if msg.IsGroup && !cfg.GroupsAllowed() {
		slog.Debug("channel dropped group message", "channel", b.id, "chat", msg.ChatID)
		return false
	}
	if !msg.IsGroup && !cfg.DMsAllowed() {
		slog.Debug("channel dropped direct message", "channel", b.id, "sender", msg.SenderID)
		return false
	}

	for _, blocked := range cfg.UserBlocklist {
		if matchesUser(msg, blocked) {
			slog.Debug("channel dropped blocklisted sender", "channel", b.id, "sender", msg.SenderID)
			return false
		}
	}

	if len(cfg.UserAllowlist) > 0 {
		allowed := false
		for _, a := range cfg.UserAllowlist {
			if matchesUser(msg, a) {
				allowed = true
				break
			}
		}
		if !allowed {
			slog.Debug("channel dropped sender not in allowlist", "channel", b.id, "sender", msg.SenderID)
			return false
		}
	}

	if !b.limiter.Allow(msg.SenderID) {
		slog.Debug("channel rate limited sender", "channel", b.id, "sender", msg.SenderID)
		return false
	}

	return true
}

// matchesUser compares a list entry against the sender id or name, with a
// leading "@" on the entry tolerated for username-style lists.
func matchesUser(msg InboundMessage, entry string) bool {
	trimmed := strings.TrimPrefix(entry, "@")
	return entry == msg.SenderID || trimmed == msg.SenderID ||
		(msg.SenderName != "" && (entry == msg.SenderName || trimmed == msg.SenderName))
}

// Status assembles the derived snapshot from the config and live fields.
func (b *BaseChannel) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := Status{
		ChannelID:       b.id,
		Configured:      b.configured,
		Connected:       b.connected,
		Running:         b.connected || b.awaitingScan,
		Status:          statusEnum(b.connected, b.awaitingScan, b.lastError),
		DMPolicy:        dmPolicy(b.cfg),
		LastConnectedAt: b.lastConnectedAt,
		LastError:       b.lastError,
	}

	if !b.configured {
		st.Diagnostics = append(st.Diagnostics, Diagnostic{
			Code:     "not_configured",
			Severity: "warning",
			Message:  b.name + " credentials are missing",
			Recovery: "set the token via PUT /channels/" + b.id,
		})
	}
	if b.lastError != "" {
		st.Diagnostics = append(st.Diagnostics, Diagnostic{
			Code:     "connection_error",
			Severity: "error",
			Message:  b.lastError,
			Recovery: "check credentials and network; the adapter reconnects automatically",
		})
	}
	if b.awaitingScan {
		st.Diagnostics = append(st.Diagnostics, Diagnostic{
			Code:     "awaiting_scan",
			Severity: "info",
			Message:  "waiting for QR code scan to link the account",
		})
	}

	return st
}

// dmPolicy derives the effective DM policy from the config toggles.
func dmPolicy(cfg config.ChannelConfig) string {
	switch {
	case !cfg.DMsAllowed():
		return protocol.DMPolicyDisabled
	case len(cfg.UserAllowlist) > 0:
		return protocol.DMPolicyAllowlist
	default:
		return protocol.DMPolicyOpen
	}
}
