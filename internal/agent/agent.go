// Package agent wires the bridge components together and owns their
// lifecycles: identity resolution, store, endpoints, and the forwarder.
package agent

import (
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"scanbridge/internal/control"
	"scanbridge/internal/data"
	"scanbridge/internal/forward"
	"scanbridge/internal/netinfo"
	"scanbridge/internal/registry"
	"scanbridge/internal/scan"
	"scanbridge/internal/session"
	"scanbridge/internal/store"
	"scanbridge/pkg/config"
)

const forwardQueueSize = 64
const forwardBackoff = time.Second

// Agent is the assembled bridge: control and data endpoints over a shared
// pending table and store, plus the optional forwarder and registry.
type Agent struct {
	cfg      *config.Config
	identity netinfo.Identity
	log      zerolog.Logger

	store     *store.Store
	registry  *registry.Registry
	pending   *session.Table
	control   *control.Endpoint
	data      *data.Endpoint
	forwarder *forward.Forwarder

	grace time.Duration
}

// New resolves the agent identity and constructs every component. All
// errors here are fatal; the process must not come up half-wired.
func New(cfg *config.Config, resolve netinfo.Resolver, log zerolog.Logger) (*Agent, error) {
	localIP, broadcastIP, ifaceName, err := resolve()
	if err != nil {
		return nil, fmt.Errorf("resolving network identity: %w", err)
	}
	identity := netinfo.Identity{
		LocalIP:       localIP,
		BroadcastIP:   broadcastIP,
		InterfaceName: ifaceName,
		AgentName:     cfg.Scanner.DefaultSrcName,
	}

	st, err := store.New(cfg.Scanner.FilesDirectory, log)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	// Bound pre-existing contents before accepting new transfers.
	st.EnforceRetention(cfg.Scanner.MaxFilesRetention)

	var reg *registry.Registry
	if cfg.Registry.DBPath != "" {
		reg, err = registry.Open(cfg.Registry.DBPath, log)
		if err != nil {
			return nil, fmt.Errorf("opening registry: %w", err)
		}
	}

	pendingWindow, err := cfg.Network.ParsePendingWindow()
	if err != nil {
		return nil, fmt.Errorf("parsing pending window: %w", err)
	}
	connTimeout, err := cfg.Network.ParseConnectionTimeout()
	if err != nil {
		return nil, fmt.Errorf("parsing connection timeout: %w", err)
	}
	grace, err := cfg.Network.ParseShutdownGrace()
	if err != nil {
		return nil, fmt.Errorf("parsing shutdown grace: %w", err)
	}

	a := &Agent{
		cfg:      cfg,
		identity: identity,
		log:      log,
		store:    st,
		registry: reg,
		pending:  session.NewTable(pendingWindow),
		grace:    grace,
	}

	if cfg.Proxy.Enabled {
		fwd, err := a.buildForwarder()
		if err != nil {
			return nil, err
		}
		a.forwarder = fwd
	}

	a.data = data.New(
		cfg.Network.TCPPort,
		st,
		a.pending,
		cfg.Network.TCPChunkSize,
		connTimeout,
		cfg.Scanner.MaxFilesRetention,
		a.emitCompletion,
		log,
	)
	a.control = control.New(identity, cfg.Network.UDPPort, a.pending, reg, log)

	return a, nil
}

func (a *Agent) buildForwarder() (*forward.Forwarder, error) {
	target := net.ParseIP(a.cfg.Proxy.AgentIPAddress)
	if target == nil || target.To4() == nil {
		return nil, fmt.Errorf("proxy enabled but agent_ip_address %q is not an IPv4 address", a.cfg.Proxy.AgentIPAddress)
	}
	ackTimeout, err := a.cfg.Network.ParseDiscoveryTimeout()
	if err != nil {
		return nil, fmt.Errorf("parsing discovery timeout: %w", err)
	}
	connTimeout, err := a.cfg.Network.ParseConnectionTimeout()
	if err != nil {
		return nil, fmt.Errorf("parsing connection timeout: %w", err)
	}

	opts := scan.Options{
		UDPPort:        a.cfg.Network.UDPPort,
		TCPPort:        a.cfg.Network.TCPPort,
		AckTimeout:     ackTimeout,
		ConnectTimeout: connTimeout,
		SrcName:        a.identity.AgentName,
		DstName:        "downstream",
		LocalIP:        a.identity.LocalIP,
	}
	return forward.New(target, opts, a.cfg.Scanner.MaxRetryAttempts, forwardBackoff, forwardQueueSize, a.log), nil
}

// emitCompletion is the handle the data endpoint gets instead of a
// reference to the agent.
func (a *Agent) emitCompletion(c data.Completion) {
	if a.forwarder != nil {
		a.forwarder.Enqueue(c)
	}
}

// Start brings the components up: data plane first so announced transfers
// always have somewhere to land, then the control plane, then the
// forwarder.
func (a *Agent) Start() error {
	if err := a.data.Start(); err != nil {
		return err
	}
	if err := a.control.Start(); err != nil {
		a.data.Stop(0)
		return err
	}
	if a.forwarder != nil {
		a.forwarder.Start()
	}

	a.log.Info().
		Str("agent", a.identity.AgentName).
		Str("local_ip", a.identity.LocalIP.String()).
		Str("interface", a.identity.InterfaceName).
		Bool("proxy", a.forwarder != nil).
		Msg("Agent started")
	return nil
}

// Stop shuts the agent down: the control plane first (no new datagrams),
// then the data plane (no new connections; in-flight sessions get the
// grace period), then the forwarder, whose queue is flushed best-effort.
func (a *Agent) Stop() {
	a.control.Stop()
	a.data.Stop(a.grace)
	if a.forwarder != nil {
		a.forwarder.Stop(a.grace)
	}
	if a.registry != nil {
		a.registry.Close()
	}
	a.log.Info().Msg("Agent stopped")
}

// Identity returns the resolved network identity.
func (a *Agent) Identity() netinfo.Identity {
	return a.identity
}

// Store returns the transfer store.
func (a *Agent) Store() *store.Store {
	return a.store
}

// Registry returns the scanner registry, nil when disabled.
func (a *Agent) Registry() *registry.Registry {
	return a.registry
}

// UDPPort returns the bound control port.
func (a *Agent) UDPPort() int {
	return a.control.Port()
}

// TCPPort returns the bound data port.
func (a *Agent) TCPPort() int {
	return a.data.Port()
}
