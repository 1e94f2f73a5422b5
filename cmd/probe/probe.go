// Package probe implements the discovery probe CLI entry point: it plays
// the scanner side of the handshake and lists the agents that answer.
package probe

import (
	"context"
	"fmt"
	"net"

	"scanbridge/internal/netinfo"
	"scanbridge/internal/scan"
	"scanbridge/pkg/config"
	"scanbridge/pkg/logger"
)

// Run broadcasts a discovery probe and prints every responding agent.
func Run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log := logger.Init(cfg.Log.Level)

	localIP, broadcastIP, ifaceName, err := netinfo.Detect()
	if err != nil {
		return fmt.Errorf("resolving network identity: %w", err)
	}
	identity := netinfo.Identity{
		LocalIP:       localIP,
		BroadcastIP:   broadcastIP,
		InterfaceName: ifaceName,
		AgentName:     cfg.Scanner.DefaultSrcName,
	}

	timeout, err := cfg.Network.ParseDiscoveryTimeout()
	if err != nil {
		return fmt.Errorf("parsing discovery timeout: %w", err)
	}

	target := &net.UDPAddr{IP: broadcastIP, Port: cfg.Network.UDPPort}
	fmt.Printf("Probing %s (interface %s) for %s...\n", target, ifaceName, timeout)

	peers, err := scan.Discover(context.Background(), identity, target, timeout, log)
	if err != nil {
		return fmt.Errorf("discovery failed: %w", err)
	}

	if len(peers) == 0 {
		fmt.Println("No agents answered.")
		return nil
	}

	fmt.Printf("\n%-20s %-16s %s\n", "NAME", "IP", "ADDRESS")
	for _, p := range peers {
		fmt.Printf("%-20s %-16s %s\n", p.Name, p.IP, p.Addr)
	}
	fmt.Printf("\n%d agent(s) found\n", len(peers))
	return nil
}
