//go:build tsnet

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"tailscale.com/tsnet"

	"github.com/undoablehq/undoable/internal/config"
)

// StartTailscale serves the gateway mux on a tailnet listener alongside the
// local one. Auth on the tailnet side is the tailnet itself plus the same
// bearer guard as everywhere else.
func (s *Server) StartTailscale(ctx context.Context, cfg config.TailscaleConfig) error {
	if cfg.Hostname == "" {
		cfg.Hostname = "undoable"
	}
	srv := &tsnet.Server{
		Hostname:  cfg.Hostname,
		Dir:       cfg.StateDir,
		AuthKey:   cfg.AuthKey,
		Ephemeral: cfg.Ephemeral,
	}

	ln, err := srv.Listen("tcp", ":80")
	if err != nil {
		return fmt.Errorf("tsnet listen: %w", err)
	}

	slog.Info("gateway listening on tailnet", "hostname", cfg.Hostname)
	go s.serveTailnet(ctx, srv, ln)
	return nil
}

func (s *Server) serveTailnet(ctx context.Context, srv *tsnet.Server, ln net.Listener) {
	httpSrv := &http.Server{Handler: s.BuildMux()}
	go func() {
		<-ctx.Done()
		httpSrv.Close()
		srv.Close()
	}()
	if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
		slog.Error("gateway: tailnet serve failed", "error", err)
	}
}
