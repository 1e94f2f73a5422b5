// Package data implements the TCP data endpoint. Each accepted connection
// carries exactly one raw payload, streamed until the peer closes its write
// half; there is no framing.
package data

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"scanbridge/internal/netutil"
	"scanbridge/internal/session"
	"scanbridge/internal/store"
)

// Completion is emitted after a payload has been committed to the store.
type Completion struct {
	Artifact store.Artifact
	Session  session.Session
}

// Endpoint is the TCP data-plane listener.
type Endpoint struct {
	port        int
	store       *store.Store
	pending     *session.Table
	chunkSize   int
	idleTimeout time.Duration
	retention   int
	emit        func(Completion)
	log         zerolog.Logger

	ln   net.Listener
	mu   sync.Mutex
	open map[net.Conn]struct{}
	wg   sync.WaitGroup
	done chan struct{}
}

// New builds a data endpoint. emit may be nil in standalone mode; completed
// transfers are then only logged.
func New(port int, st *store.Store, pending *session.Table, chunkSize int, idleTimeout time.Duration, retention int, emit func(Completion), log zerolog.Logger) *Endpoint {
	return &Endpoint{
		port:        port,
		store:       st,
		pending:     pending,
		chunkSize:   chunkSize,
		idleTimeout: idleTimeout,
		retention:   retention,
		emit:        emit,
		log:         log,
		open:        make(map[net.Conn]struct{}),
		done:        make(chan struct{}),
	}
}

// Start binds the data port and launches the accept loop.
func (e *Endpoint) Start() error {
	lc := net.ListenConfig{Control: netutil.ReuseAddr}
	ln, err := lc.Listen(context.Background(), "tcp4", fmt.Sprintf("0.0.0.0:%d", e.port))
	if err != nil {
		return fmt.Errorf("binding data port %d: %w", e.port, err)
	}
	e.ln = ln

	e.log.Info().Int("port", e.Port()).Msg("Data endpoint listening")

	go e.acceptLoop()
	return nil
}

// Stop closes the listener, grants in-flight sessions the grace period, then
// force-closes whatever remains.
func (e *Endpoint) Stop(grace time.Duration) {
	if e.ln == nil {
		return
	}
	e.ln.Close()
	<-e.done

	finished := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return
	case <-time.After(grace):
	}

	e.mu.Lock()
	for conn := range e.open {
		conn.Close()
	}
	e.mu.Unlock()
	<-finished
}

// Port returns the bound TCP port. Useful when started with port 0.
func (e *Endpoint) Port() int {
	if e.ln == nil {
		return e.port
	}
	return e.ln.Addr().(*net.TCPAddr).Port
}

func (e *Endpoint) acceptLoop() {
	defer close(e.done)

	for {
		conn, err := e.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			e.log.Error().Err(err).Msg("Accept error")
			continue
		}

		e.mu.Lock()
		e.open[conn] = struct{}{}
		e.mu.Unlock()

		e.wg.Add(1)
		go e.handleConn(conn)
	}
}

func (e *Endpoint) handleConn(conn net.Conn) {
	defer e.wg.Done()
	defer func() {
		conn.Close()
		e.mu.Lock()
		delete(e.open, conn)
		e.mu.Unlock()
	}()

	senderIP := conn.RemoteAddr().(*net.TCPAddr).IP

	sess := session.Session{
		SenderIP:  senderIP,
		StartedAt: time.Now(),
		State:     session.Receiving,
	}
	if exp, ok := e.pending.Take(senderIP); ok {
		sess.SrcName = exp.SrcName
		sess.DstName = exp.DstName
	} else {
		// Connections with no matching announcement still deliver a
		// payload; the protocol has no way to refuse them.
		sess.Synthesized = true
		e.log.Warn().
			Str("src", conn.RemoteAddr().String()).
			Msg("Connection without pending transfer, synthesizing session")
	}

	e.log.Info().
		Str("src", conn.RemoteAddr().String()).
		Str("scanner", sess.SrcName).
		Msg("Receiving payload")

	sink, err := e.store.CreateSink(senderIP)
	if err != nil {
		e.log.Error().Err(err).Msg("Failed to open sink")
		return
	}

	if err := e.receive(conn, sink, &sess); err != nil {
		sink.Abort()
		sess.State = session.Failed
		e.log.Error().
			Err(err).
			Str("src", conn.RemoteAddr().String()).
			Uint64("bytes", sess.BytesReceived).
			Msg("Transfer failed")
		return
	}

	artifact, err := sink.Close()
	if err != nil {
		sess.State = session.Failed
		e.log.Error().Err(err).Msg("Failed to commit payload")
		return
	}
	sess.State = session.Completed
	sess.Path = artifact.Path

	e.log.Info().
		Str("src", conn.RemoteAddr().String()).
		Str("path", artifact.Path).
		Int64("bytes", artifact.Size).
		Msg("Transfer completed")

	e.store.EnforceRetention(e.retention)

	if e.emit != nil {
		e.emit(Completion{Artifact: *artifact, Session: sess})
	}
}

// receive streams payload bytes into the sink until clean EOF. The read
// deadline rolls forward on progress; a quiet connection fails after the
// idle timeout.
func (e *Endpoint) receive(conn net.Conn, sink *store.Sink, sess *session.Session) error {
	buf := make([]byte, e.chunkSize)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(e.idleTimeout)); err != nil {
			return fmt.Errorf("setting read deadline: %w", err)
		}

		n, err := conn.Read(buf)
		if n > 0 {
			if _, werr := sink.Write(buf[:n]); werr != nil {
				return werr
			}
			sess.BytesReceived += uint64(n)
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading payload: %w", err)
		}
	}
}
