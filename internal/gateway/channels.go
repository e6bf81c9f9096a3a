package gateway

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/undoablehq/undoable/internal/channels"
	"github.com/undoablehq/undoable/internal/config"
)

func (s *Server) handleListChannels(w http.ResponseWriter, _ *http.Request) {
	if s.channels == nil {
		writeError(w, http.StatusServiceUnavailable, "channels disabled")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"channels": s.channels.Statuses()})
}

func (s *Server) handleGetChannel(w http.ResponseWriter, r *http.Request) {
	if s.channels == nil {
		writeError(w, http.StatusServiceUnavailable, "channels disabled")
		return
	}
	writeJSON(w, http.StatusOK, s.channelView(r.PathValue("id")))
}

// channelView pairs the live status with the masked config.
func (s *Server) channelView(id string) map[string]interface{} {
	status := s.channels.StatusOf(id)
	cfg, _ := s.settings.Channel(id)
	return map[string]interface{}{
		"status": status,
		"config": maskChannelConfig(cfg),
	}
}

// maskChannelConfig hides secrets in a copy; Extra is cloned so the stored
// map is never mutated.
func maskChannelConfig(cfg config.ChannelConfig) config.ChannelConfig {
	if cfg.Token != "" {
		cfg.Token = "***"
	}
	if cfg.Extra != nil {
		extra := make(map[string]string, len(cfg.Extra))
		for k, v := range cfg.Extra {
			extra[k] = v
		}
		if extra["appToken"] != "" {
			extra["appToken"] = "***"
		}
		cfg.Extra = extra
	}
	return cfg
}

// handleSetChannel replaces a channel's config, persists settings, and
// restarts or stops the adapter to match the enabled flag.
func (s *Server) handleSetChannel(w http.ResponseWriter, r *http.Request) {
	if s.channels == nil {
		writeError(w, http.StatusServiceUnavailable, "channels disabled")
		return
	}
	id := r.PathValue("id")

	var cfg config.ChannelConfig
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	status, err := s.applyChannelConfig(id, cfg)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": status})
}

// applyChannelConfig stores the config and reconciles the running adapter.
// A token of "" or "***" keeps the stored secret, so clients can echo a
// masked config back without wiping credentials.
func (s *Server) applyChannelConfig(id string, cfg config.ChannelConfig) (channels.Status, error) {
	cfg.ChannelID = id

	prev, _ := s.settings.Channel(id)
	if cfg.Token == "" || cfg.Token == "***" {
		cfg.Token = prev.Token
	}
	if cfg.Extra != nil && (cfg.Extra["appToken"] == "" || cfg.Extra["appToken"] == "***") && prev.Extra != nil {
		cfg.Extra["appToken"] = prev.Extra["appToken"]
	}

	s.settings.SetChannel(cfg)
	if s.settingsPath != "" {
		if err := config.Save(s.settingsPath, s.settings); err != nil {
			slog.Error("gateway: persist settings failed", "error", err)
			return channels.Status{}, fmt.Errorf("persist settings: %w", err)
		}
	}

	ctx := s.serverCtx()
	if cfg.Enabled {
		if err := s.channels.Restart(ctx, id); err != nil {
			slog.Warn("gateway: channel restart failed", "channel", id, "error", err)
		}
	} else if err := s.channels.StopChannel(ctx, id); err != nil {
		slog.Warn("gateway: channel stop failed", "channel", id, "error", err)
	}

	return s.channels.StatusOf(id), nil
}

func (s *Server) handleStartChannel(w http.ResponseWriter, r *http.Request) {
	if s.channels == nil {
		writeError(w, http.StatusServiceUnavailable, "channels disabled")
		return
	}
	id := r.PathValue("id")
	if err := s.channels.StartChannel(s.serverCtx(), id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": s.channels.StatusOf(id)})
}

func (s *Server) handleStopChannel(w http.ResponseWriter, r *http.Request) {
	if s.channels == nil {
		writeError(w, http.StatusServiceUnavailable, "channels disabled")
		return
	}
	id := r.PathValue("id")
	if err := s.channels.StopChannel(s.serverCtx(), id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": s.channels.StatusOf(id)})
}
