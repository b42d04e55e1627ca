//go:build tsnet

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"

	"tailscale.com/tsnet"

	"github.com/nextlevelbuilder/maestro/internal/config"
	"github.com/nextlevelbuilder/maestro/internal/gateway"
)

// startTailnet exposes the gateway on the tailnet alongside the local
// listener. Requires MAESTRO_TSNET_AUTH_KEY; without it this is a no-op so
// the same binary runs with or without Tailscale.
func startTailnet(ctx context.Context, cfg *config.Config, gw *gateway.Server) error {
	if cfg.Tailscale.AuthKey == "" {
		return nil
	}

	hostname := cfg.Tailscale.Hostname
	if hostname == "" {
		hostname = "maestro-gateway"
	}
	stateDir := cfg.Tailscale.StateDir
	if stateDir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return fmt.Errorf("tsnet state dir: %w", err)
		}
		stateDir = filepath.Join(base, "tsnet-maestro")
	}

	srv := &tsnet.Server{
		Hostname:  hostname,
		AuthKey:   cfg.Tailscale.AuthKey,
		Dir:       stateDir,
		Ephemeral: cfg.Tailscale.Ephemeral,
	}
	defer srv.Close()

	var ln net.Listener
	var err error
	if cfg.Tailscale.EnableTLS {
		ln, err = srv.ListenTLS("tcp", ":443")
	} else {
		ln, err = srv.Listen("tcp", ":80")
	}
	if err != nil {
		return fmt.Errorf("tsnet listen: %w", err)
	}

	slog.Info("gateway reachable on tailnet", "hostname", hostname, "tls", cfg.Tailscale.EnableTLS)
	return gw.Serve(ctx, ln)
}
