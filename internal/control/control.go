// Package control implements the UDP control endpoint: it answers scanner
// discovery broadcasts and arms the data plane when a transfer is announced.
package control

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"scanbridge/internal/netinfo"
	"scanbridge/internal/netutil"
	"scanbridge/internal/registry"
	"scanbridge/internal/session"
	"scanbridge/internal/wire"
)

// Datagrams of exactly wire.MessageSize are expected; anything larger is
// truncated into the buffer and rejected by the codec's length check.
const recvBufSize = 1024

// Endpoint is the UDP control-plane listener.
type Endpoint struct {
	identity netinfo.Identity
	port     int
	pending  *session.Table
	registry *registry.Registry // nil when disabled
	log      zerolog.Logger

	conn *net.UDPConn
	done chan struct{}
}

// New builds a control endpoint. The registry may be nil.
func New(identity netinfo.Identity, port int, pending *session.Table, reg *registry.Registry, log zerolog.Logger) *Endpoint {
	return &Endpoint{
		identity: identity,
		port:     port,
		pending:  pending,
		registry: reg,
		log:      log,
		done:     make(chan struct{}),
	}
}

// Start binds the control port and launches the read loop.
func (e *Endpoint) Start() error {
	lc := net.ListenConfig{Control: netutil.ReuseAddrBroadcast}
	pc, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf("0.0.0.0:%d", e.port))
	if err != nil {
		return fmt.Errorf("binding control port %d: %w", e.port, err)
	}
	e.conn = pc.(*net.UDPConn)

	if err := e.conn.SetReadBuffer(recvBufSize * 16); err != nil {
		e.log.Warn().Err(err).Msg("Failed to set read buffer")
	}

	e.log.Info().
		Str("agent", e.identity.AgentName).
		Str("local_ip", e.identity.LocalIP.String()).
		Int("port", e.Port()).
		Msg("Control endpoint listening")

	go e.readLoop()
	return nil
}

// Stop closes the socket; the read loop exits on the resulting error.
func (e *Endpoint) Stop() {
	if e.conn == nil {
		return
	}
	e.conn.Close()
	<-e.done
}

// Port returns the bound UDP port. Useful when started with port 0.
func (e *Endpoint) Port() int {
	if e.conn == nil {
		return e.port
	}
	return e.conn.LocalAddr().(*net.UDPAddr).Port
}

func (e *Endpoint) readLoop() {
	defer close(e.done)

	buf := make([]byte, recvBufSize)
	for {
		n, src, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			e.log.Error().Err(err).Msg("Error reading from control socket")
			continue
		}
		e.handle(buf[:n], src)
	}
}

func (e *Endpoint) handle(data []byte, src *net.UDPAddr) {
	msg, err := wire.Decode(data)
	if err != nil {
		e.log.Debug().
			Err(err).
			Str("src", src.String()).
			Int("bytes", len(data)).
			Msg("Dropping malformed datagram")
		return
	}

	switch msg.Type {
	case wire.Discovery:
		e.log.Info().
			Str("src", src.String()).
			Str("scanner", msg.SrcName).
			Msg("Discovery request")
		e.respond(msg, src)
		if e.registry != nil {
			if err := e.registry.RecordDiscovery(src.IP, msg.SrcName); err != nil {
				e.log.Warn().Err(err).Msg("Registry write failed")
			}
		}

	case wire.Transfer:
		e.log.Info().
			Str("src", src.String()).
			Str("scanner", msg.SrcName).
			Msg("Transfer announced")
		e.pending.Arm(session.Expected{
			SenderIP: src.IP,
			SrcName:  msg.SrcName,
			DstName:  msg.DstName,
			ArmedAt:  time.Now(),
		})
		e.respond(msg, src)
		if e.registry != nil {
			if err := e.registry.RecordTransfer(src.IP, msg.SrcName); err != nil {
				e.log.Warn().Err(err).Msg("Registry write failed")
			}
		}
	}
}

// respond sends the identification datagram back to the exact source
// address of the request. The response echoes the request type; the agent
// identifies itself in initiator_ip/src_name and names the requester in
// dst_name.
func (e *Endpoint) respond(req wire.Message, src *net.UDPAddr) {
	resp := wire.Encode(wire.Message{
		Type:        req.Type,
		InitiatorIP: e.identity.LocalIP,
		SrcName:     e.identity.AgentName,
		DstName:     req.SrcName,
	})

	if _, err := e.conn.WriteToUDP(resp[:], src); err != nil {
		e.log.Error().Err(err).Str("dst", src.String()).Msg("Failed to send response")
		return
	}
	e.log.Debug().
		Str("dst", src.String()).
		Str("type", req.Type.String()).
		Msg("Response sent")
}
