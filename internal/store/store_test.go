package store

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return s
}

// seed creates an artifact file directly, bypassing the sink, so tests can
// control the embedded timestamp.
func seed(t *testing.T, s *Store, name, contents string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(s.Dir(), name), []byte(contents), 0644); err != nil {
		t.Fatalf("seeding %s: %v", name, err)
	}
}

func TestStore_CreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "files")
	if _, err := New(dir, zerolog.Nop()); err != nil {
		t.Fatalf("new store: %v", err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("store directory not created: %v", err)
	}
}

func TestSink_CommitAndList(t *testing.T) {
	s := testStore(t)
	sender := net.IPv4(10, 0, 0, 9)

	sink, err := s.CreateSink(sender)
	if err != nil {
		t.Fatalf("create sink: %v", err)
	}
	if _, err := sink.Write([]byte("HELLO")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := sink.Write([]byte("WORLD")); err != nil {
		t.Fatalf("write: %v", err)
	}

	artifact, err := sink.Close()
	if err != nil {
		t.Fatalf("close: %v", err)
	}

	if artifact.Size != 10 {
		t.Errorf("Size: got %d, want 10", artifact.Size)
	}
	name := filepath.Base(artifact.Path)
	if !strings.HasPrefix(name, "received_file_") || !strings.HasSuffix(name, "_10_0_0_9.raw") {
		t.Errorf("unexpected artifact name %s", name)
	}

	data, err := os.ReadFile(artifact.Path)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if string(data) != "HELLOWORLD" {
		t.Errorf("contents: got %q", data)
	}

	artifacts, err := s.ListArtifacts()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(artifacts) != 1 {
		t.Fatalf("expected 1 artifact, got %d", len(artifacts))
	}
	if !artifacts[0].SenderIP.Equal(sender) {
		t.Errorf("SenderIP: got %v, want %v", artifacts[0].SenderIP, sender)
	}
}

func TestSink_PartialInvisibleUntilClose(t *testing.T) {
	s := testStore(t)

	sink, err := s.CreateSink(net.IPv4(10, 0, 0, 9))
	if err != nil {
		t.Fatalf("create sink: %v", err)
	}
	sink.Write([]byte("partial data"))

	artifacts, err := s.ListArtifacts()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(artifacts) != 0 {
		t.Errorf("partial file visible: %d artifacts", len(artifacts))
	}
	sink.Abort()
}

func TestSink_AbortRemovesPartial(t *testing.T) {
	s := testStore(t)

	sink, err := s.CreateSink(net.IPv4(10, 0, 0, 9))
	if err != nil {
		t.Fatalf("create sink: %v", err)
	}
	sink.Write([]byte("doomed"))
	sink.Abort()

	entries, err := os.ReadDir(s.Dir())
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected empty directory, found %d entries", len(entries))
	}
}

func TestSink_EmptyPayloadCommits(t *testing.T) {
	s := testStore(t)

	sink, err := s.CreateSink(net.IPv4(10, 0, 0, 9))
	if err != nil {
		t.Fatalf("create sink: %v", err)
	}

	artifact, err := sink.Close()
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if artifact.Size != 0 {
		t.Errorf("Size: got %d, want 0", artifact.Size)
	}

	artifacts, _ := s.ListArtifacts()
	if len(artifacts) != 1 {
		t.Errorf("expected 1 artifact, got %d", len(artifacts))
	}
}

func TestSink_CollisionSuffix(t *testing.T) {
	s := testStore(t)
	sender := net.IPv4(10, 0, 0, 9)

	// Commit several payloads within the same second.
	var paths []string
	for i := 0; i < 3; i++ {
		sink, err := s.CreateSink(sender)
		if err != nil {
			t.Fatalf("create sink %d: %v", i, err)
		}
		sink.Write([]byte(fmt.Sprintf("payload-%d", i)))
		artifact, err := sink.Close()
		if err != nil {
			t.Fatalf("close %d: %v", i, err)
		}
		paths = append(paths, artifact.Path)
	}

	unique := make(map[string]bool)
	for _, p := range paths {
		unique[p] = true
	}
	if len(unique) != 3 {
		t.Errorf("expected 3 unique paths, got %d: %v", len(unique), paths)
	}

	artifacts, _ := s.ListArtifacts()
	if len(artifacts) != 3 {
		t.Errorf("expected 3 artifacts, got %d", len(artifacts))
	}
}

func TestListArtifacts_OrderedByTimestamp(t *testing.T) {
	s := testStore(t)

	seed(t, s, "received_file_20260101_120002_10_0_0_2.raw", "b")
	seed(t, s, "received_file_20260101_120001_10_0_0_1.raw", "a")
	seed(t, s, "received_file_20260101_120003_10_0_0_3.raw", "c")

	artifacts, err := s.ListArtifacts()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(artifacts) != 3 {
		t.Fatalf("expected 3, got %d", len(artifacts))
	}
	for i, want := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		if artifacts[i].SenderIP.String() != want {
			t.Errorf("position %d: got %s, want %s", i, artifacts[i].SenderIP, want)
		}
	}
}

func TestListArtifacts_IgnoresForeignFiles(t *testing.T) {
	s := testStore(t)

	seed(t, s, "received_file_20260101_120001_10_0_0_1.raw", "a")
	seed(t, s, "notes.txt", "not an artifact")
	seed(t, s, ".incoming-12345", "partial")

	artifacts, err := s.ListArtifacts()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(artifacts) != 1 {
		t.Errorf("expected 1 artifact, got %d", len(artifacts))
	}
}

func TestEnforceRetention_DeletesOldestFirst(t *testing.T) {
	s := testStore(t)

	seed(t, s, "received_file_20260101_120001_10_0_0_1.raw", "1")
	seed(t, s, "received_file_20260101_120002_10_0_0_2.raw", "2")
	seed(t, s, "received_file_20260101_120003_10_0_0_3.raw", "3")
	seed(t, s, "received_file_20260101_120004_10_0_0_4.raw", "4")

	s.EnforceRetention(3)

	artifacts, _ := s.ListArtifacts()
	if len(artifacts) != 3 {
		t.Fatalf("expected 3 artifacts, got %d", len(artifacts))
	}
	if artifacts[0].SenderIP.String() != "10.0.0.2" {
		t.Errorf("oldest survivor: got %s, want 10.0.0.2", artifacts[0].SenderIP)
	}
}

func TestEnforceRetention_Zero(t *testing.T) {
	s := testStore(t)

	seed(t, s, "received_file_20260101_120001_10_0_0_1.raw", "1")
	seed(t, s, "received_file_20260101_120002_10_0_0_2.raw", "2")

	s.EnforceRetention(0)

	artifacts, _ := s.ListArtifacts()
	if len(artifacts) != 0 {
		t.Errorf("expected empty store, got %d artifacts", len(artifacts))
	}
}

func TestEnforceRetention_UnderLimitNoop(t *testing.T) {
	s := testStore(t)

	seed(t, s, "received_file_20260101_120001_10_0_0_1.raw", "1")

	s.EnforceRetention(5)

	artifacts, _ := s.ListArtifacts()
	if len(artifacts) != 1 {
		t.Errorf("expected 1 artifact, got %d", len(artifacts))
	}
}
