//go:build !tsnet

package cmd

import (
	"context"
	"log/slog"

	"github.com/nextlevelbuilder/maestro/internal/config"
	"github.com/nextlevelbuilder/maestro/internal/gateway"
)

// startTailnet is a no-op unless the binary is built with the tsnet tag.
func startTailnet(ctx context.Context, cfg *config.Config, gw *gateway.Server) error {
	if cfg.Tailscale.AuthKey != "" {
		slog.Warn("MAESTRO_TSNET_AUTH_KEY set but this build lacks tsnet support (rebuild with -tags tsnet)")
	}
	<-ctx.Done()
	return nil
}
