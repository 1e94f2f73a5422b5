// Package send implements the file send CLI entry point: it drives the
// full transfer leg of the protocol against a chosen agent.
package send

import (
	"context"
	"fmt"
	"net"
	"os"

	"scanbridge/internal/netinfo"
	"scanbridge/internal/scan"
	"scanbridge/pkg/config"
	"scanbridge/pkg/logger"
)

// Run sends a local file to the agent at targetIP.
func Run(configPath, filePath, targetIP string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log := logger.Init(cfg.Log.Level)

	target := net.ParseIP(targetIP)
	if target == nil || target.To4() == nil {
		return fmt.Errorf("target %q is not an IPv4 address", targetIP)
	}

	localIP, _, _, err := netinfo.Detect()
	if err != nil {
		return fmt.Errorf("resolving network identity: %w", err)
	}

	ackTimeout, err := cfg.Network.ParseDiscoveryTimeout()
	if err != nil {
		return fmt.Errorf("parsing discovery timeout: %w", err)
	}
	connTimeout, err := cfg.Network.ParseConnectionTimeout()
	if err != nil {
		return fmt.Errorf("parsing connection timeout: %w", err)
	}

	f, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", filePath, err)
	}
	defer f.Close()

	opts := scan.Options{
		UDPPort:        cfg.Network.UDPPort,
		TCPPort:        cfg.Network.TCPPort,
		AckTimeout:     ackTimeout,
		ConnectTimeout: connTimeout,
		SrcName:        cfg.Scanner.DefaultSrcName,
		LocalIP:        localIP,
	}

	if err := scan.Send(context.Background(), target, f, opts, log); err != nil {
		return fmt.Errorf("sending %s to %s: %w", filePath, targetIP, err)
	}

	fmt.Printf("Sent %s to %s\n", filePath, targetIP)
	return nil
}
