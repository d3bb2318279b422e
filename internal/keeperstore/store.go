// Package keeperstore persists the Keeper's host registry and
// certificate-revocation bookkeeping across restarts, one BoltDB bucket
// per concern. The registry is a best-effort cache, rebuilt from the
// next successful poll when stale; only the CRL is load-bearing.
package keeperstore

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketHosts = []byte("hosts")
	bucketCRL   = []byte("crl")
)

// HostRecord is the persisted, best-effort cache of one enrolled agent's
// last-known state.
// Rebuilt from scratch on the next successful poll if stale or missing.
type HostRecord struct {
	Identity   string    `json:"identity"` // identity.Agent.String()
	CommonName string    `json:"common_name"`
	CertSerial string    `json:"cert_serial"`
	LastSeen   time.Time `json:"last_seen"`
	State      string    `json:"state"` // Keeper-view agent state machine symbol
}

// Store wraps a BoltDB database for Keeper persistence.
type Store struct {
	db *bolt.DB
}

// Open creates or opens a BoltDB database at path and ensures both
// buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketHosts, bucketCRL} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying BoltDB.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveHost upserts rec under its identity key.
func (s *Store) SaveHost(rec HostRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal host record: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHosts).Put([]byte(rec.Identity), data)
	})
}

// GetHost returns the persisted record for identity, if any.
func (s *Store) GetHost(identity string) (HostRecord, bool, error) {
	var rec HostRecord
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketHosts).Get([]byte(identity))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &rec)
	})
	return rec, found, err
}

// ListHosts returns every persisted host record.
func (s *Store) ListHosts() ([]HostRecord, error) {
	var out []HostRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHosts).ForEach(func(_, v []byte) error {
			var rec HostRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil // skip corrupt record, best-effort cache
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

// DeleteHost removes identity's cached record.
func (s *Store) DeleteHost(identity string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHosts).Delete([]byte(identity))
	})
}

// RevokeSerial records a leaf certificate serial as revoked, keyed by its
// common name (matches internal/vaultca.CA.Revoke's per-CN leaf layout).
func (s *Store) RevokeSerial(commonName, serial string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCRL).Put([]byte(commonName), []byte(serial))
	})
}

// IsRevoked reports whether commonName has a revoked serial recorded, and
// returns it.
func (s *Store) IsRevoked(commonName string) (serial string, revoked bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketCRL).Get([]byte(commonName))
		if v != nil {
			serial = string(v)
			revoked = true
		}
		return nil
	})
	return serial, revoked, err
}

// ClearRevocation removes commonName's CRL entry, for a fresh enrollment
// after re-signing.
func (s *Store) ClearRevocation(commonName string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCRL).Delete([]byte(commonName))
	})
}
