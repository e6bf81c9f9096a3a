//go:build !tsnet

package gateway

import (
	"context"
	"errors"

	"github.com/undoablehq/undoable/internal/config"
)

// StartTailscale is only functional in binaries built with the tsnet tag.
func (s *Server) StartTailscale(context.Context, config.TailscaleConfig) error {
	return errors.New("tailnet listener requires a binary built with -tags tsnet")
}
