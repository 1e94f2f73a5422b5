package agent

import (
	"fmt"
	"net"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"scanbridge/internal/wire"
	"scanbridge/pkg/config"
)

// testResolver is the injected network capability fixture.
func testResolver() (net.IP, net.IP, string, error) {
	return net.IPv4(10, 0, 0, 5), net.IPv4(10, 0, 0, 255), "test0", nil
}

func testConfig(t *testing.T, retention int) *config.Config {
	t.Helper()
	return &config.Config{
		Network: config.NetworkConfig{
			UDPPort:              0,
			TCPPort:              0,
			DiscoveryTimeout:     "500ms",
			TCPChunkSize:         8192,
			TCPConnectionTimeout: "2s",
			PendingWindow:        "30s",
			ShutdownGrace:        "1s",
		},
		Scanner: config.ScannerConfig{
			DefaultSrcName:    "AgentA",
			FilesDirectory:    t.TempDir(),
			MaxFilesRetention: retention,
			MaxRetryAttempts:  3,
		},
	}
}

func startAgent(t *testing.T, cfg *config.Config) *Agent {
	t.Helper()
	a, err := New(cfg, testResolver, zerolog.Nop())
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	if err := a.Start(); err != nil {
		t.Fatalf("start agent: %v", err)
	}
	t.Cleanup(a.Stop)
	return a
}

func scannerSocket(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("scanner socket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func controlExchange(t *testing.T, conn *net.UDPConn, port int, req [wire.MessageSize]byte) wire.Message {
	t.Helper()
	dst := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
	if _, err := conn.WriteToUDP(req[:], dst); err != nil {
		t.Fatalf("send: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1024)
	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	msg, err := wire.Decode(buf[:n])
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return msg
}

// runTransfer performs the full scanner-side sequence: transfer request,
// ack, TCP payload.
func runTransfer(t *testing.T, a *Agent, payload []byte) {
	t.Helper()
	conn := scannerSocket(t)

	req := wire.Encode(wire.Message{
		Type:        wire.Transfer,
		InitiatorIP: net.IPv4(10, 0, 0, 9),
		SrcName:     "Scanner1",
		DstName:     "AgentA",
	})
	ack := controlExchange(t, conn, a.UDPPort(), req)
	if ack.Type != wire.Transfer {
		t.Fatalf("ack type: got %v, want transfer", ack.Type)
	}

	tconn, err := net.Dial("tcp4", fmt.Sprintf("127.0.0.1:%d", a.TCPPort()))
	if err != nil {
		t.Fatalf("dial data port: %v", err)
	}
	if len(payload) > 0 {
		if _, err := tconn.Write(payload); err != nil {
			t.Fatalf("write payload: %v", err)
		}
	}
	tconn.Close()
}

func waitArtifacts(t *testing.T, a *Agent, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		artifacts, err := a.Store().ListArtifacts()
		if err == nil && len(artifacts) == n {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	artifacts, _ := a.Store().ListArtifacts()
	t.Fatalf("timed out waiting for %d artifacts, have %d", n, len(artifacts))
}

func TestAgent_DiscoveryRoundtrip(t *testing.T) {
	a := startAgent(t, testConfig(t, -1))
	conn := scannerSocket(t)

	req := wire.Encode(wire.Message{
		Type:        wire.Discovery,
		InitiatorIP: net.IPv4(10, 0, 0, 9),
		SrcName:     "Scanner1",
	})
	resp := controlExchange(t, conn, a.UDPPort(), req)

	if resp.Type != wire.Discovery {
		t.Errorf("Type: got %v, want discovery", resp.Type)
	}
	if !resp.InitiatorIP.Equal(net.IPv4(10, 0, 0, 5)) {
		t.Errorf("InitiatorIP: got %v, want 10.0.0.5", resp.InitiatorIP)
	}
	if resp.SrcName != "AgentA" {
		t.Errorf("SrcName: got %q, want AgentA", resp.SrcName)
	}
	if resp.DstName != "Scanner1" {
		t.Errorf("DstName: got %q, want Scanner1", resp.DstName)
	}
}

func TestAgent_TransferHappyPath(t *testing.T) {
	a := startAgent(t, testConfig(t, -1))

	runTransfer(t, a, []byte("HELLOWORLD"))
	waitArtifacts(t, a, 1)

	artifacts, err := a.Store().ListArtifacts()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	got, err := os.ReadFile(artifacts[0].Path)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if string(got) != "HELLOWORLD" {
		t.Errorf("contents: got %q, want HELLOWORLD", got)
	}
	// The artifact is named after the TCP peer (loopback in this test).
	if artifacts[0].SenderIP.String() != "127.0.0.1" {
		t.Errorf("SenderIP: got %s, want 127.0.0.1", artifacts[0].SenderIP)
	}
}

func TestAgent_RetentionEnforcement(t *testing.T) {
	a := startAgent(t, testConfig(t, 3))

	// Transfers land in distinct seconds so the filename timestamps order
	// them unambiguously.
	for i := 0; i < 3; i++ {
		runTransfer(t, a, []byte(fmt.Sprintf("payload-%d", i)))
		waitArtifacts(t, a, i+1)
		waitNextSecond()
	}
	runTransfer(t, a, []byte("payload-3"))

	// The earliest artifact was deleted; the three survivors carry the
	// last three payloads.
	var contents map[string]bool
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		artifacts, _ := a.Store().ListArtifacts()
		contents = make(map[string]bool)
		for _, art := range artifacts {
			data, err := os.ReadFile(art.Path)
			if err != nil {
				continue
			}
			contents[string(data)] = true
		}
		if contents["payload-3"] && len(artifacts) == 3 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if contents["payload-0"] {
		t.Error("oldest artifact should have been deleted")
	}
	for _, want := range []string{"payload-1", "payload-2", "payload-3"} {
		if !contents[want] {
			t.Errorf("missing artifact %q", want)
		}
	}
}

// waitNextSecond sleeps until the wall clock enters a fresh second.
func waitNextSecond() {
	now := time.Now()
	time.Sleep(now.Truncate(time.Second).Add(time.Second + 20*time.Millisecond).Sub(now))
}

func TestAgent_MalformedDatagramIgnored(t *testing.T) {
	a := startAgent(t, testConfig(t, -1))
	conn := scannerSocket(t)

	dst := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: a.UDPPort()}
	if _, err := conn.WriteToUDP(make([]byte, 50), dst); err != nil {
		t.Fatalf("send malformed: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	buf := make([]byte, 1024)
	if n, _, err := conn.ReadFromUDP(buf); err == nil {
		t.Fatalf("expected no response to malformed datagram, got %d bytes", n)
	}

	// Still responsive afterwards.
	req := wire.Encode(wire.Message{
		Type:        wire.Discovery,
		InitiatorIP: net.IPv4(10, 0, 0, 9),
		SrcName:     "Scanner1",
	})
	resp := controlExchange(t, conn, a.UDPPort(), req)
	if resp.SrcName != "AgentA" {
		t.Errorf("SrcName: got %q, want AgentA", resp.SrcName)
	}
}

func TestAgent_EmptyTransferCommitsEmptyArtifact(t *testing.T) {
	a := startAgent(t, testConfig(t, -1))

	runTransfer(t, a, nil)
	waitArtifacts(t, a, 1)

	artifacts, _ := a.Store().ListArtifacts()
	if artifacts[0].Size != 0 {
		t.Errorf("Size: got %d, want 0", artifacts[0].Size)
	}
}

func TestAgent_ProxyConfigRejected(t *testing.T) {
	cfg := testConfig(t, -1)
	cfg.Proxy.Enabled = true
	cfg.Proxy.AgentIPAddress = "not-an-ip"

	if _, err := New(cfg, testResolver, zerolog.Nop()); err == nil {
		t.Error("expected an error for a bad downstream address")
	}
}

func TestAgent_ResolverFailureIsFatal(t *testing.T) {
	cfg := testConfig(t, -1)
	failing := func() (net.IP, net.IP, string, error) {
		return nil, nil, "", fmt.Errorf("no usable interface")
	}

	if _, err := New(cfg, failing, zerolog.Nop()); err == nil {
		t.Error("expected a fatal error when identity resolution fails")
	}
}
