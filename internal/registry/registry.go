// Package registry provides an optional BoltDB-backed record of scanners
// heard on the control plane. The agent runs fine without it; it exists so
// operators can see which devices are talking to the bridge and how often.
package registry

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

var scannersBucket = []byte("scanners")

// Record is one scanner sighting history, keyed by source IP.
type Record struct {
	Name        string    `msgpack:"name"`
	IP          string    `msgpack:"ip"`
	FirstSeen   time.Time `msgpack:"first_seen"`
	LastSeen    time.Time `msgpack:"last_seen"`
	Discoveries uint64    `msgpack:"discoveries"`
	Transfers   uint64    `msgpack:"transfers"`
}

// Registry wraps a bbolt database of scanner records.
type Registry struct {
	db  *bolt.DB
	mu  sync.Mutex
	log zerolog.Logger
}

// Open opens or creates the registry database at the given path.
func Open(path string, log zerolog.Logger) (*Registry, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening registry %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(scannersBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating scanners bucket: %w", err)
	}

	return &Registry{db: db, log: log}, nil
}

// Close closes the underlying database.
func (r *Registry) Close() error {
	return r.db.Close()
}

// RecordDiscovery notes a discovery request from ip.
func (r *Registry) RecordDiscovery(ip net.IP, name string) error {
	return r.upsert(ip, name, func(rec *Record) { rec.Discoveries++ })
}

// RecordTransfer notes a transfer announcement from ip.
func (r *Registry) RecordTransfer(ip net.IP, name string) error {
	return r.upsert(ip, name, func(rec *Record) { rec.Transfers++ })
}

func (r *Registry) upsert(ip net.IP, name string, bump func(*Record)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(scannersBucket)
		key := []byte(ip.String())

		now := time.Now()
		var rec Record

		existing := b.Get(key)
		if existing != nil {
			if err := msgpack.Unmarshal(existing, &rec); err != nil {
				r.log.Warn().Err(err).Str("ip", ip.String()).Msg("Failed to unmarshal scanner record, overwriting")
				rec = Record{}
			}
		}
		if rec.FirstSeen.IsZero() {
			rec.FirstSeen = now
			r.log.Info().
				Str("ip", ip.String()).
				Str("name", name).
				Msg("New scanner recorded")
		}
		rec.IP = ip.String()
		if name != "" {
			rec.Name = name
		}
		rec.LastSeen = now
		bump(&rec)

		data, err := msgpack.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshaling scanner record: %w", err)
		}
		return b.Put(key, data)
	})
}

// All returns every scanner record.
func (r *Registry) All() ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var records []Record
	err := r.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(scannersBucket)
		return b.ForEach(func(k, v []byte) error {
			var rec Record
			if err := msgpack.Unmarshal(v, &rec); err != nil {
				r.log.Warn().Err(err).Str("key", string(k)).Msg("Skipping corrupt scanner record")
				return nil
			}
			records = append(records, rec)
			return nil
		})
	})
	return records, err
}
