// scanbridge — legacy scanner to file infrastructure bridge
//
// Usage:
//
//	scanbridge agent   — run the bridge agent (standalone or proxy mode)
//	scanbridge probe   — broadcast a discovery probe and list agents
//	scanbridge send    — transfer a file to an agent
//	scanbridge status  — query a running agent over its RPC socket
package main

import (
	"fmt"
	"os"

	"scanbridge/cmd/agent"
	"scanbridge/cmd/probe"
	"scanbridge/cmd/send"
	"scanbridge/cmd/status"
)

const (
	defaultSystemPath = "/etc/scanbridge/config.toml"
	defaultLocalPath  = "scanbridge.toml"
	version           = "1.0.0"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	configPath := ""

	// Parse --config flag if present
	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--config" && i+1 < len(args) {
			configPath = args[i+1]
			args = append(args[:i], args[i+2:]...)
			i--
			continue
		}
		if len(arg) > 9 && arg[:9] == "--config=" {
			configPath = arg[9:]
			args = append(args[:i], args[i+1:]...)
			i--
			continue
		}
	}

	// Auto-discover config if not specified
	if configPath == "" {
		if _, err := os.Stat(defaultLocalPath); err == nil {
			configPath = defaultLocalPath
		} else {
			configPath = defaultSystemPath
		}
	}

	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	subcommand := args[0]
	var err error

	switch subcommand {
	case "agent":
		err = agent.Run(configPath)
	case "probe":
		err = probe.Run(configPath)
	case "send":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: scanbridge send <file> <agent-ip>")
			os.Exit(1)
		}
		err = send.Run(configPath, args[1], args[2])
	case "status":
		err = status.Run(configPath)
	case "edit":
		err = agent.EditConfig(configPath)
	case "version":
		fmt.Printf("scanbridge v%s\n", version)
		return
	case "help", "--help", "-h":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", subcommand)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`scanbridge v%s — legacy scanner to file infrastructure bridge

Usage:
  scanbridge <command> [--config <path>]

Commands:
  agent    Run the bridge agent (answers discovery, receives transfers)
  probe    Broadcast a discovery probe and list responding agents
  send     Transfer a file to an agent: scanbridge send <file> <agent-ip>
  status   Query a running agent over its RPC socket
  edit     Edit the configuration file in your system editor
  version  Print version information
  help     Show this help message

Options:
  --config <path>  Path to config file (default: looks for ./%s, then %s)

Examples:
  scanbridge agent                      # Start the bridge with default config
  scanbridge probe                      # Find agents on the local segment
  scanbridge send scan.raw 10.0.0.200   # Push a file to a specific agent

`, version, defaultLocalPath, defaultSystemPath)
}
