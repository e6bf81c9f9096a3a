package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	cws "github.com/coder/websocket"
	"github.com/gorilla/websocket"
)

// handleCanvas upgrades the client connection and forwards frames both ways
// between it and the configured canvas host. Without a canvas host the
// route answers 503 before upgrading.
func (s *Server) handleCanvas(w http.ResponseWriter, r *http.Request) {
	upstream := s.settings.Gateway.CanvasHost
	if upstream == "" {
		writeError(w, http.StatusServiceUnavailable, "canvas host not configured")
		return
	}
	if !strings.Contains(upstream, "://") {
		upstream = "ws://" + upstream
	}

	client, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("gateway: canvas upgrade failed", "error", err)
		return
	}
	defer client.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	host, _, err := cws.Dial(ctx, upstream, nil)
	if err != nil {
		slog.Warn("gateway: canvas host dial failed", "host", upstream, "error", err)
		client.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "canvas host unavailable"))
		return
	}
	defer host.Close(cws.StatusNormalClosure, "")

	errc := make(chan error, 2)
	go func() { errc <- pumpToHost(ctx, client, host) }()
	go func() { errc <- pumpToClient(ctx, host, client) }()

	// First pump to fail tears both sides down via the deferred closes.
	<-errc
}

// pumpToHost copies client frames upstream. Control frames are handled by
// gorilla internally; anything that is not text or binary is skipped.
func pumpToHost(ctx context.Context, client *websocket.Conn, host *cws.Conn) error {
	for {
		mt, data, err := client.ReadMessage()
		if err != nil {
			return err
		}
		var typ cws.MessageType
		switch mt {
		case websocket.TextMessage:
			typ = cws.MessageText
		case websocket.BinaryMessage:
			typ = cws.MessageBinary
		default:
			continue
		}
		if err := host.Write(ctx, typ, data); err != nil {
			return err
		}
	}
}

func pumpToClient(ctx context.Context, host *cws.Conn, client *websocket.Conn) error {
	for {
		typ, data, err := host.Read(ctx)
		if err != nil {
			return err
		}
		mt := websocket.TextMessage
		if typ == cws.MessageBinary {
			mt = websocket.BinaryMessage
		}
		if err := client.WriteMessage(mt, data); err != nil {
			return err
		}
	}
}
