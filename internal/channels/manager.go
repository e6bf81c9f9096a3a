package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/undoablehq/undoable/internal/bus"
	"github.com/undoablehq/undoable/internal/config"
	"github.com/undoablehq/undoable/internal/runs"
	"github.com/undoablehq/undoable/internal/sessions"
	"github.com/undoablehq/undoable/pkg/protocol"
)

// defaultDebounceMs batches rapid-fire messages from one chat into a quiet
// period before the first run is created.
const defaultDebounceMs = 300

// KnownChannelIDs are the platforms the daemon can be configured with.
var KnownChannelIDs = []string{
	protocol.ChannelTelegram,
	protocol.ChannelDiscord,
	protocol.ChannelSlack,
	protocol.ChannelWhatsApp,
}

// Launcher starts created runs. The run executor satisfies it.
type Launcher interface {
	StartRun(ctx context.Context, runID string)
}

// Factory builds an adapter for a channel id from its config. The daemon
// injects it so this package does not depend on the adapter packages.
type Factory func(id string, cfg config.ChannelConfig) (Channel, error)

// Manager owns the registered channels: it starts and stops them, routes
// outbound sends, and bridges inbound messages into runs with a stable
// per-chat session id.
type Manager struct {
	settings *config.Settings
	runs     *runs.Manager
	bus      *bus.Bus
	launcher Launcher
	factory  Factory

	mu       sync.RWMutex
	channels map[string]Channel
	queues   map[string]*MessageQueue
	baseCtx  context.Context
}

// NewManager creates a manager with no channels registered.
func NewManager(settings *config.Settings, runsMgr *runs.Manager, b *bus.Bus, launcher Launcher) *Manager {
	return &Manager{
		settings: settings,
		runs:     runsMgr,
		bus:      b,
		launcher: launcher,
		channels: make(map[string]Channel),
		queues:   make(map[string]*MessageQueue),
	}
}

// SetFactory wires the adapter constructor used when a channel must be
// (re)built from config.
func (m *Manager) SetFactory(f Factory) { m.factory = f }

// Register adds a pre-built channel. Mostly used by tests; the daemon goes
// through the factory.
func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.ID()] = ch
}

// Get returns a registered channel by id.
func (m *Manager) Get(id string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[id]
	return ch, ok
}

// StartAll starts every enabled configured channel. A channel that fails to
// start is logged and skipped; it never blocks the others.
func (m *Manager) StartAll(ctx context.Context) {
	m.mu.Lock()
	m.baseCtx = ctx
	m.mu.Unlock()

	started := 0
	for _, id := range KnownChannelIDs {
		cfg, ok := m.settings.Channel(id)
		if !ok || !cfg.Enabled {
			continue
		}
		if err := m.StartChannel(ctx, id); err != nil {
			slog.Error("channel failed to start", "channel", id, "error", err)
			continue
		}
		started++
	}

	if started == 0 {
		slog.Info("no channels enabled")
		return
	}
	slog.Info("channels started", "count", started)
}

// StartChannel builds (if needed) and starts one channel.
func (m *Manager) StartChannel(ctx context.Context, id string) error {
	cfg, ok := m.settings.Channel(id)
	if !ok {
		return fmt.Errorf("channel %s is not configured", id)
	}

	m.mu.Lock()
	if m.baseCtx == nil {
		m.baseCtx = ctx
	}
	runCtx := m.baseCtx
	ch, exists := m.channels[id]
	m.mu.Unlock()

	if !exists {
		if m.factory == nil {
			return fmt.Errorf("channel %s is not registered", id)
		}
		built, err := m.factory(id, cfg)
		if err != nil {
			return fmt.Errorf("build channel %s: %w", id, err)
		}
		ch = built
		m.mu.Lock()
		m.channels[id] = ch
		m.mu.Unlock()
	}

	queue := NewMessageQueue(DefaultQueueSize, debounceFor(cfg), m.deliver)
	m.mu.Lock()
	if old, ok := m.queues[id]; ok {
		old.Stop()
	}
	m.queues[id] = queue
	m.mu.Unlock()

	slog.Info("starting channel", "channel", id)
	if err := ch.Start(runCtx, func(msg InboundMessage) { queue.Enqueue(msg) }); err != nil {
		return fmt.Errorf("start channel %s: %w", id, err)
	}
	return nil
}

// StopChannel stops one channel and drops its inbound queue. The adapter
// stays registered so it can be started again.
func (m *Manager) StopChannel(ctx context.Context, id string) error {
	m.mu.Lock()
	ch, ok := m.channels[id]
	queue := m.queues[id]
	delete(m.queues, id)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("channel %s is not running", id)
	}
	if queue != nil {
		queue.Stop()
	}

	slog.Info("stopping channel", "channel", id)
	if err := ch.Stop(ctx); err != nil {
		return fmt.Errorf("stop channel %s: %w", id, err)
	}
	return nil
}

// Restart tears a channel down and rebuilds it from current config. Used
// after PUT /channels/{id} changes credentials or policy.
func (m *Manager) Restart(ctx context.Context, id string) error {
	m.mu.Lock()
	ch, running := m.channels[id]
	delete(m.channels, id)
	m.mu.Unlock()

	if running {
		if err := ch.Stop(ctx); err != nil {
			slog.Warn("channel stop during restart failed", "channel", id, "error", err)
		}
	}
	return m.StartChannel(ctx, id)
}

// StopAll stops every channel, best effort. Adapters stop concurrently so a
// hung disconnect cannot eat the whole shutdown window.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	chans := make(map[string]Channel, len(m.channels))
	for id, ch := range m.channels {
		chans[id] = ch
	}
	for id, q := range m.queues {
		q.Stop()
		delete(m.queues, id)
	}
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for id, ch := range chans {
		g.Go(func() error {
			if err := ch.Stop(gctx); err != nil {
				slog.Error("channel stop failed", "channel", id, "error", err)
			}
			return nil
		})
	}
	g.Wait()
}

// Send delivers text through a registered channel. Satisfies the message
// tool's sender contract.
func (m *Manager) Send(ctx context.Context, channelID, to, text string) error {
	ch, ok := m.Get(channelID)
	if !ok {
		return fmt.Errorf("channel %s is not running", channelID)
	}
	return ch.Send(ctx, to, text)
}

// Statuses reports every known channel, including ones that are configured
// but not running and ones that are not configured at all.
func (m *Manager) Statuses() []Status {
	out := make([]Status, 0, len(KnownChannelIDs))
	for _, id := range KnownChannelIDs {
		out = append(out, m.StatusOf(id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out
}

// StatusOf reports one channel's snapshot. Unregistered channels derive a
// static snapshot from config alone.
func (m *Manager) StatusOf(id string) Status {
	if ch, ok := m.Get(id); ok {
		return ch.Status()
	}

	cfg, configured := m.settings.Channel(id)
	st := Status{
		ChannelID:  id,
		Configured: configured && cfg.Token != "",
		Status:     protocol.ChannelStatusOffline,
		DMPolicy:   dmPolicy(cfg),
	}
	if !st.Configured {
		st.Diagnostics = append(st.Diagnostics, Diagnostic{
			Code:     "not_configured",
			Severity: "warning",
			Message:  id + " credentials are missing",
			Recovery: "set the token via PUT /channels/" + id,
		})
	}
	return st
}

// deliver bridges one inbound message into a run. Each chat keeps a stable
// session id so its transcript survives across runs and restarts.
func (m *Manager) deliver(msg InboundMessage) {
	instruction := msg.Text
	if msg.IsGroup && msg.SenderName != "" {
		instruction = "[From: " + msg.SenderName + "]\n" + instruction
	}
	for _, path := range msg.Media {
		instruction += "\nMEDIA:" + path
	}

	run, err := m.runs.Create(runs.CreateParams{
		UserID:      msg.SenderID,
		Instruction: instruction,
		SessionID:   sessions.ChatKey(msg.ChannelID, msg.ChatID),
	})
	if err != nil {
		slog.Error("channel run create failed", "channel", msg.ChannelID, "chat", msg.ChatID, "error", err)
		return
	}

	slog.Info("channel message accepted",
		"channel", msg.ChannelID,
		"chat", msg.ChatID,
		"run_id", run.ID,
		"preview", TruncatePreview(msg.Text, 60),
	)

	m.mu.RLock()
	ctx := m.baseCtx
	m.mu.RUnlock()
	if ctx == nil {
		ctx = context.Background()
	}

	m.watchForReply(ctx, run.ID, msg.ChannelID, msg.ChatID)
	m.launcher.StartRun(ctx, run.ID)
}

// watchForReply forwards the run's final content back to the originating
// chat, then drops the subscription.
func (m *Manager) watchForReply(ctx context.Context, runID, channelID, chatID string) {
	var subID string
	subID = m.bus.Subscribe(runID, func(ev bus.Event) {
		switch ev.Type {
		case protocol.EventRunCompleted:
			content, _ := ev.Payload["content"].(string)
			m.sendReply(ctx, channelID, chatID, content)
			m.bus.Unsubscribe(subID)

		case protocol.EventRunFailed:
			reason, _ := ev.Payload["error"].(string)
			if reason == "" {
				reason = "unknown error"
			}
			m.sendReply(ctx, channelID, chatID, "The request failed: "+reason)
			m.bus.Unsubscribe(subID)

		case protocol.EventStatusChanged:
			status, _ := ev.Payload["status"].(string)
			if status == protocol.StatusCancelled {
				m.bus.Unsubscribe(subID)
			}
		}
	})
}

// sendReply sanitizes and delivers the assistant's reply. Empty or silent
// replies send nothing.
func (m *Manager) sendReply(ctx context.Context, channelID, chatID, content string) {
	if IsSilentReply(content) {
		return
	}
	reply := SanitizeReply(content)
	if reply == "" {
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := m.Send(sendCtx, channelID, chatID, reply); err != nil {
		slog.Warn("channel reply send failed", "channel", channelID, "chat", chatID, "error", err)
	}
}

// debounceFor reads the per-channel debounce override from the free-form
// extra map.
func debounceFor(cfg config.ChannelConfig) time.Duration {
	if raw, ok := cfg.Extra["debounceMs"]; ok {
		if ms, err := strconv.Atoi(raw); err == nil && ms >= 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultDebounceMs * time.Millisecond
}
