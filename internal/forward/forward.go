// Package forward re-issues completed transfers against a downstream agent
// when the bridge runs in proxy mode.
package forward

import (
	"context"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog"

	"scanbridge/internal/data"
	"scanbridge/internal/scan"
)

// Forwarder consumes completion events and replays each artifact downstream
// using the full protocol: transfer request, acknowledgement wait, TCP send.
// It never deletes the source artifact; retention is the only deletion
// policy.
type Forwarder struct {
	target      net.IP
	opts        scan.Options
	maxAttempts int
	backoff     time.Duration
	log         zerolog.Logger

	queue chan data.Completion
	stop  chan struct{}
	done  chan struct{}
}

// New builds a forwarder targeting the downstream agent. queueSize bounds
// the in-memory job queue; when full, the oldest unprocessed job is dropped.
func New(target net.IP, opts scan.Options, maxAttempts int, backoff time.Duration, queueSize int, log zerolog.Logger) *Forwarder {
	return &Forwarder{
		target:      target,
		opts:        opts,
		maxAttempts: maxAttempts,
		backoff:     backoff,
		log:         log,
		queue:       make(chan data.Completion, queueSize),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Enqueue hands a completed transfer to the forwarder. Never blocks: when
// the queue is full the oldest unprocessed job is dropped to keep the data
// plane live.
func (f *Forwarder) Enqueue(c data.Completion) {
	for {
		select {
		case f.queue <- c:
			return
		default:
		}
		select {
		case old := <-f.queue:
			f.log.Warn().
				Str("path", old.Artifact.Path).
				Msg("Forward queue full, dropping oldest job")
		default:
		}
	}
}

// Start launches the forwarding loop.
func (f *Forwarder) Start() {
	f.log.Info().
		Str("downstream", f.target.String()).
		Int("max_attempts", f.maxAttempts).
		Msg("Forwarder started")
	go f.run()
}

// Stop drains queued jobs best-effort within the flush window, then
// terminates the loop.
func (f *Forwarder) Stop(flush time.Duration) {
	deadline := time.After(flush)
	for {
		select {
		case <-deadline:
			close(f.stop)
			<-f.done
			return
		default:
		}
		if len(f.queue) == 0 {
			close(f.stop)
			<-f.done
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func (f *Forwarder) run() {
	defer close(f.done)
	for {
		select {
		case <-f.stop:
			return
		case c := <-f.queue:
			f.forward(c)
		}
	}
}

// forward replays one artifact downstream, retrying with a fixed back-off.
// After the final failure the job is dropped; the artifact stays in the
// store.
func (f *Forwarder) forward(c data.Completion) {
	for attempt := 1; attempt <= f.maxAttempts; attempt++ {
		err := f.sendOnce(c.Artifact.Path)
		if err == nil {
			f.log.Info().
				Str("path", c.Artifact.Path).
				Str("downstream", f.target.String()).
				Int("attempt", attempt).
				Msg("Forward completed")
			return
		}

		f.log.Warn().
			Err(err).
			Str("path", c.Artifact.Path).
			Int("attempt", attempt).
			Int("attempts_left", f.maxAttempts-attempt).
			Msg("Forward attempt failed")

		if attempt < f.maxAttempts {
			select {
			case <-f.stop:
				return
			case <-time.After(f.backoff):
			}
		}
	}

	f.log.Error().
		Str("path", c.Artifact.Path).
		Str("downstream", f.target.String()).
		Msg("Forward abandoned, artifact retained")
}

func (f *Forwarder) sendOnce(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	return scan.Send(context.Background(), f.target, src, f.opts, f.log)
}
