// Package status implements the status CLI entry point: it queries a
// running agent over its Unix RPC socket.
package status

import (
	"fmt"
	"time"

	"scanbridge/internal/rpc"
	"scanbridge/pkg/config"
)

// Run prints the agent's status, stored artifacts, and known scanners.
func Run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if cfg.Agent.RPCSocket == "" {
		return fmt.Errorf("agent.rpc_socket is not configured; the running agent has no RPC endpoint")
	}

	client, err := rpc.NewClient(cfg.Agent.RPCSocket)
	if err != nil {
		return fmt.Errorf("is the agent running? %w", err)
	}
	defer client.Close()

	st, err := client.Status()
	if err != nil {
		return fmt.Errorf("querying status: %w", err)
	}

	fmt.Printf("Agent:      %s\n", st.AgentName)
	fmt.Printf("Local IP:   %s (%s)\n", st.LocalIP, st.InterfaceName)
	fmt.Printf("Uptime:     %s\n", time.Duration(st.UptimeSeconds)*time.Second)
	fmt.Printf("Artifacts:  %d\n", st.ArtifactCount)

	artifacts, err := client.ListArtifacts()
	if err != nil {
		return fmt.Errorf("listing artifacts: %w", err)
	}
	if len(artifacts) > 0 {
		fmt.Printf("\n%-22s %-16s %10s  %s\n", "RECEIVED", "SENDER", "SIZE", "PATH")
		for _, a := range artifacts {
			fmt.Printf("%-22s %-16s %10d  %s\n",
				a.ReceivedAt.Format("2006-01-02 15:04:05"), a.SenderIP, a.Size, a.Path)
		}
	}

	scanners, err := client.ListScanners()
	if err != nil {
		return fmt.Errorf("listing scanners: %w", err)
	}
	if len(scanners) > 0 {
		fmt.Printf("\n%-20s %-16s %12s %10s  %s\n", "SCANNER", "IP", "DISCOVERIES", "TRANSFERS", "LAST SEEN")
		for _, s := range scanners {
			fmt.Printf("%-20s %-16s %12d %10d  %s\n",
				s.Name, s.IP, s.Discoveries, s.Transfers, s.LastSeen.Format("2006-01-02 15:04:05"))
		}
	}

	return nil
}
