// Package rpc provides Unix socket IPC between the running agent and the
// status CLI.
package rpc

import (
	"fmt"
	"net"
	netrpc "net/rpc"
	"os"
	"time"

	"github.com/rs/zerolog"

	"scanbridge/internal/netinfo"
	"scanbridge/internal/registry"
	"scanbridge/internal/store"
)

// Service is the RPC service exposed by the agent.
type Service struct {
	identity netinfo.Identity
	store    *store.Store
	registry *registry.Registry // nil when disabled
	started  time.Time
	log      zerolog.Logger
}

// StatusArgs is the request for Status.
type StatusArgs struct{}

// StatusReply is the response for Status.
type StatusReply struct {
	AgentName     string
	LocalIP       string
	InterfaceName string
	UptimeSeconds int64
	ArtifactCount int
}

// ListArtifactsArgs is the request for ListArtifacts.
type ListArtifactsArgs struct{}

// ListArtifactsReply is the response for ListArtifacts.
type ListArtifactsReply struct {
	Artifacts []store.Artifact
}

// ListScannersArgs is the request for ListScanners.
type ListScannersArgs struct{}

// ListScannersReply is the response for ListScanners.
type ListScannersReply struct {
	Scanners []registry.Record
}

// Status reports the agent's identity and store size.
func (s *Service) Status(args *StatusArgs, reply *StatusReply) error {
	artifacts, err := s.store.ListArtifacts()
	if err != nil {
		return fmt.Errorf("listing artifacts: %w", err)
	}
	reply.AgentName = s.identity.AgentName
	reply.LocalIP = s.identity.LocalIP.String()
	reply.InterfaceName = s.identity.InterfaceName
	reply.UptimeSeconds = int64(time.Since(s.started).Seconds())
	reply.ArtifactCount = len(artifacts)
	return nil
}

// ListArtifacts returns every committed artifact, oldest first.
func (s *Service) ListArtifacts(args *ListArtifactsArgs, reply *ListArtifactsReply) error {
	artifacts, err := s.store.ListArtifacts()
	if err != nil {
		return fmt.Errorf("listing artifacts: %w", err)
	}
	reply.Artifacts = artifacts
	return nil
}

// ListScanners returns every scanner sighting record.
func (s *Service) ListScanners(args *ListScannersArgs, reply *ListScannersReply) error {
	if s.registry == nil {
		reply.Scanners = nil
		return nil
	}
	records, err := s.registry.All()
	if err != nil {
		return fmt.Errorf("listing scanners: %w", err)
	}
	reply.Scanners = records
	return nil
}

// StartServer starts the Unix socket RPC server.
func StartServer(socketPath string, identity netinfo.Identity, st *store.Store, reg *registry.Registry, log zerolog.Logger) error {
	service := &Service{
		identity: identity,
		store:    st,
		registry: reg,
		started:  time.Now(),
		log:      log,
	}

	server := netrpc.NewServer()
	if err := server.Register(service); err != nil {
		return fmt.Errorf("registering RPC service: %w", err)
	}

	// Remove existing socket file if present
	os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", socketPath, err)
	}

	if err := os.Chmod(socketPath, 0660); err != nil {
		log.Warn().Err(err).Msg("Failed to set socket permissions")
	}

	log.Info().Str("socket", socketPath).Msg("RPC server started")

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				log.Debug().Err(err).Msg("RPC accept stopped")
				return
			}
			go server.ServeConn(conn)
		}
	}()

	return nil
}

// Client is a client for the scanbridge RPC service.
type Client struct {
	client *netrpc.Client
}

// NewClient dials the Unix socket and returns an RPC client.
func NewClient(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting to RPC socket %s: %w", socketPath, err)
	}
	return &Client{client: netrpc.NewClient(conn)}, nil
}

// Close closes the RPC client connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// Status fetches the agent's status.
func (c *Client) Status() (*StatusReply, error) {
	reply := &StatusReply{}
	if err := c.client.Call("Service.Status", &StatusArgs{}, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

// ListArtifacts fetches every committed artifact from the agent.
func (c *Client) ListArtifacts() ([]store.Artifact, error) {
	reply := &ListArtifactsReply{}
	if err := c.client.Call("Service.ListArtifacts", &ListArtifactsArgs{}, reply); err != nil {
		return nil, err
	}
	return reply.Artifacts, nil
}

// ListScanners fetches every scanner sighting record from the agent.
func (c *Client) ListScanners() ([]registry.Record, error) {
	reply := &ListScannersReply{}
	if err := c.client.Call("Service.ListScanners", &ListScannersArgs{}, reply); err != nil {
		return nil, err
	}
	return reply.Scanners, nil
}
