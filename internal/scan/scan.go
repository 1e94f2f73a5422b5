// Package scan is the initiating side of the scanner protocol: discovery
// probes and file sends. The forwarder composes Send to re-issue received
// payloads downstream; the probe and send CLIs expose both directly.
package scan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/ipv4"

	"scanbridge/internal/netinfo"
	"scanbridge/internal/netutil"
	"scanbridge/internal/wire"
)

// ErrAckTimeout is returned when an agent does not acknowledge a transfer
// request within the configured window.
var ErrAckTimeout = errors.New("scan: no acknowledgement from agent")

// Peer is an agent that answered a discovery probe.
type Peer struct {
	Name string
	IP   net.IP
	Addr *net.UDPAddr
}

// Options configures a transfer against a remote agent.
type Options struct {
	UDPPort        int
	TCPPort        int
	AckTimeout     time.Duration
	ConnectTimeout time.Duration
	SrcName        string
	DstName        string
	LocalIP        net.IP
}

// Discover broadcasts a discovery message to target (normally the directed
// broadcast address, port included) and collects every well-formed response
// until the timeout, de-duplicated by responder IP.
func Discover(ctx context.Context, identity netinfo.Identity, target *net.UDPAddr, timeout time.Duration, log zerolog.Logger) ([]Peer, error) {
	lc := net.ListenConfig{Control: netutil.ReuseAddrBroadcast}
	pc, err := lc.ListenPacket(ctx, "udp4", "0.0.0.0:0")
	if err != nil {
		return nil, fmt.Errorf("opening probe socket: %w", err)
	}
	conn := pc.(*net.UDPConn)
	defer conn.Close()

	// Keep probes on the local segment.
	if err := ipv4.NewPacketConn(conn).SetTTL(1); err != nil {
		log.Warn().Err(err).Msg("Failed to set probe TTL")
	}

	probe := wire.Encode(wire.Message{
		Type:        wire.Discovery,
		InitiatorIP: identity.LocalIP,
		SrcName:     identity.AgentName,
	})
	if _, err := conn.WriteToUDP(probe[:], target); err != nil {
		return nil, fmt.Errorf("sending discovery probe to %s: %w", target, err)
	}

	log.Debug().Str("target", target.String()).Msg("Discovery probe sent")

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	seen := make(map[string]bool)
	var peers []Peer
	buf := make([]byte, 1024)
	for {
		conn.SetReadDeadline(deadline)
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
				return peers, nil
			}
			return peers, fmt.Errorf("reading discovery responses: %w", err)
		}

		msg, err := wire.Decode(buf[:n])
		if err != nil {
			log.Debug().Err(err).Str("src", src.String()).Msg("Ignoring malformed response")
			continue
		}
		if src.IP.Equal(identity.LocalIP) {
			continue
		}
		key := src.IP.String()
		if seen[key] {
			continue
		}
		seen[key] = true

		log.Info().
			Str("agent", msg.SrcName).
			Str("addr", src.String()).
			Msg("Agent discovered")
		peers = append(peers, Peer{Name: msg.SrcName, IP: src.IP, Addr: src})
	}
}

// Send performs the transfer leg of the protocol against targetIP: a
// transfer-request datagram, a wait for the acknowledgement, then the raw
// payload over TCP with the write half closed at EOF.
func Send(ctx context.Context, targetIP net.IP, payload io.Reader, opts Options, log zerolog.Logger) error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return fmt.Errorf("opening control socket: %w", err)
	}
	defer conn.Close()

	req := wire.Encode(wire.Message{
		Type:        wire.Transfer,
		InitiatorIP: opts.LocalIP,
		SrcName:     opts.SrcName,
		DstName:     opts.DstName,
	})
	dst := &net.UDPAddr{IP: targetIP, Port: opts.UDPPort}
	if _, err := conn.WriteToUDP(req[:], dst); err != nil {
		return fmt.Errorf("sending transfer request to %s: %w", dst, err)
	}

	log.Debug().Str("target", dst.String()).Msg("Transfer request sent")

	if err := awaitAck(ctx, conn, targetIP, opts.AckTimeout); err != nil {
		return err
	}

	d := net.Dialer{Timeout: opts.ConnectTimeout}
	tcpAddr := fmt.Sprintf("%s:%d", targetIP, opts.TCPPort)
	tconn, err := d.DialContext(ctx, "tcp4", tcpAddr)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", tcpAddr, err)
	}
	defer tconn.Close()

	n, err := io.Copy(tconn, payload)
	if err != nil {
		return fmt.Errorf("streaming payload: %w", err)
	}
	if err := tconn.(*net.TCPConn).CloseWrite(); err != nil {
		return fmt.Errorf("closing write half: %w", err)
	}

	log.Info().
		Str("target", tcpAddr).
		Int64("bytes", n).
		Msg("Payload sent")
	return nil
}

// awaitAck waits for any well-formed 90-byte datagram from targetIP: a
// bare decode (length, signature, known request type) suffices. The
// initiator address and names are not inspected.
func awaitAck(ctx context.Context, conn *net.UDPConn, targetIP net.IP, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	buf := make([]byte, 1024)
	for {
		conn.SetReadDeadline(deadline)
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) {
				return ErrAckTimeout
			}
			return fmt.Errorf("waiting for acknowledgement: %w", err)
		}
		if !src.IP.Equal(targetIP) {
			continue
		}
		if _, err := wire.Decode(buf[:n]); err != nil {
			continue
		}
		return nil
	}
}

func isTimeout(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
