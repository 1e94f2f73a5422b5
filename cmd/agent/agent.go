// Package agent implements the scanbridge agent CLI entry point.
package agent

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/shirou/gopsutil/v3/host"

	bridge "scanbridge/internal/agent"
	"scanbridge/internal/netinfo"
	"scanbridge/internal/rpc"
	"scanbridge/pkg/config"
	"scanbridge/pkg/logger"
)

// Run starts the bridge agent and blocks until a shutdown signal.
func Run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log := logger.Init(cfg.Log.Level)

	if len(cfg.Scanner.DefaultSrcName) > 20 {
		return fmt.Errorf("default_src_name %q exceeds 20 characters", cfg.Scanner.DefaultSrcName)
	}

	if info, err := host.Info(); err == nil {
		log.Info().
			Str("platform", info.Platform).
			Str("kernel", info.KernelVersion).
			Str("hostname", info.Hostname).
			Msg("Host information")
	}

	a, err := bridge.New(cfg, netinfo.Detect, log)
	if err != nil {
		return err
	}
	if err := a.Start(); err != nil {
		return err
	}
	defer a.Stop()

	if cfg.Agent.RPCSocket != "" {
		sockDir := filepath.Dir(cfg.Agent.RPCSocket)
		if err := os.MkdirAll(sockDir, 0700); err != nil {
			return fmt.Errorf("creating socket directory %s: %w", sockDir, err)
		}
		if err := rpc.StartServer(cfg.Agent.RPCSocket, a.Identity(), a.Store(), a.Registry(), log); err != nil {
			return fmt.Errorf("starting RPC server: %w", err)
		}
		defer os.Remove(cfg.Agent.RPCSocket)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	log.Info().Str("signal", sig.String()).Msg("Shutting down")
	return nil
}
