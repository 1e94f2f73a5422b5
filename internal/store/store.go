// Package store persists received payloads and enforces the retention bound.
package store

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	filePrefix    = "received_file_"
	fileExt       = ".raw"
	timeLayout    = "20060102_150405"
	partialPrefix = ".incoming-"
)

// artifactName matches committed artifact filenames:
// received_file_<YYYYMMDD_HHMMSS>_<ip_underscored>[-N].raw
var artifactName = regexp.MustCompile(`^received_file_(\d{8}_\d{6})_(\d+_\d+_\d+_\d+)(?:-\d+)?\.raw$`)

// Artifact is one committed payload file.
type Artifact struct {
	Path       string
	SenderIP   net.IP
	ReceivedAt time.Time
	Size       int64
}

// Store owns a directory of received payload files. Commit and retention
// serialize on the store mutex; bulk sink writes do not take it.
type Store struct {
	dir string
	mu  sync.Mutex
	log zerolog.Logger
}

// New opens the store, creating the directory if missing.
func New(dir string, log zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating store directory %s: %w", dir, err)
	}
	return &Store{dir: dir, log: log}, nil
}

// Dir returns the store's root directory.
func (s *Store) Dir() string {
	return s.dir
}

// Sink accepts payload bytes for one session. Close commits the file at its
// final timestamped path; Abort discards the partial. Partial files carry a
// hidden name and are never visible to ListArtifacts.
type Sink struct {
	store    *Store
	f        *os.File
	senderIP net.IP
	written  int64
	done     bool
}

// CreateSink opens a hidden partial file for a payload from senderIP.
func (s *Store) CreateSink(senderIP net.IP) (*Sink, error) {
	f, err := os.CreateTemp(s.dir, partialPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("creating partial file: %w", err)
	}
	return &Sink{store: s, f: f, senderIP: senderIP}, nil
}

// Write appends a chunk to the partial file.
func (k *Sink) Write(p []byte) (int, error) {
	n, err := k.f.Write(p)
	k.written += int64(n)
	if err != nil {
		return n, fmt.Errorf("writing payload chunk: %w", err)
	}
	return n, nil
}

// Close commits the partial file at its final path and returns the artifact.
func (k *Sink) Close() (*Artifact, error) {
	if k.done {
		return nil, fmt.Errorf("sink already closed")
	}
	k.done = true

	if err := k.f.Close(); err != nil {
		os.Remove(k.f.Name())
		return nil, fmt.Errorf("closing partial file: %w", err)
	}

	s := k.store
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	path, err := s.commitPath(now, k.senderIP)
	if err != nil {
		os.Remove(k.f.Name())
		return nil, err
	}
	if err := os.Rename(k.f.Name(), path); err != nil {
		os.Remove(k.f.Name())
		return nil, fmt.Errorf("committing artifact: %w", err)
	}

	return &Artifact{
		Path:       path,
		SenderIP:   k.senderIP,
		ReceivedAt: now.Truncate(time.Second),
		Size:       k.written,
	}, nil
}

// Abort removes the partial file. Safe to call after a failed Close.
func (k *Sink) Abort() {
	if k.done {
		return
	}
	k.done = true
	k.f.Close()
	if err := os.Remove(k.f.Name()); err != nil && !os.IsNotExist(err) {
		k.store.log.Warn().Err(err).Str("path", k.f.Name()).Msg("Failed to remove partial file")
	}
}

// commitPath picks the final artifact path, appending -1, -2, … when the
// 1-second timestamp collides with an existing file. Caller holds the lock.
func (s *Store) commitPath(now time.Time, senderIP net.IP) (string, error) {
	base := filePrefix + now.Format(timeLayout) + "_" + underscored(senderIP)

	path := filepath.Join(s.dir, base+fileExt)
	for n := 1; ; n++ {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return path, nil
		} else if err != nil {
			return "", fmt.Errorf("probing artifact path: %w", err)
		}
		path = filepath.Join(s.dir, fmt.Sprintf("%s-%d%s", base, n, fileExt))
	}
}

func underscored(ip net.IP) string {
	return strings.ReplaceAll(ip.String(), ".", "_")
}

// ListArtifacts enumerates committed artifacts ordered by received time
// ascending, ties broken by lexicographic filename order. The timestamp is
// fixed-width, so a plain filename sort yields exactly that order.
func (s *Store) ListArtifacts() ([]Artifact, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("reading store directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && artifactName.MatchString(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	artifacts := make([]Artifact, 0, len(names))
	for _, name := range names {
		m := artifactName.FindStringSubmatch(name)
		ts, err := time.ParseInLocation(timeLayout, m[1], time.Local)
		if err != nil {
			continue
		}
		info, err := os.Stat(filepath.Join(s.dir, name))
		if err != nil {
			continue
		}
		artifacts = append(artifacts, Artifact{
			Path:       filepath.Join(s.dir, name),
			SenderIP:   net.ParseIP(strings.ReplaceAll(m[2], "_", ".")),
			ReceivedAt: ts,
			Size:       info.Size(),
		})
	}
	return artifacts, nil
}

// EnforceRetention deletes oldest artifacts until at most max remain.
// Deletion failures are logged and never fatal. A negative max disables
// retention; zero empties the store.
func (s *Store) EnforceRetention(max int) {
	if max < 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	artifacts, err := s.ListArtifacts()
	if err != nil {
		s.log.Warn().Err(err).Msg("Retention scan failed")
		return
	}

	for len(artifacts) > max {
		victim := artifacts[0]
		artifacts = artifacts[1:]
		if err := os.Remove(victim.Path); err != nil {
			s.log.Warn().Err(err).Str("path", victim.Path).Msg("Retention delete failed")
			continue
		}
		s.log.Debug().
			Str("path", victim.Path).
			Time("received_at", victim.ReceivedAt).
			Msg("Retention deleted artifact")
	}
}
