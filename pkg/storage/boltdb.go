package storage

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cuemby/conductor/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Authored DB buckets.
	bucketActions   = []byte("actions")      // seq -> record
	bucketActionIdx = []byte("action_index") // action hash -> seq
	bucketHead      = []byte("head")
	bucketAuthored  = []byte("authored_ops") // op hash -> AuthoredOp
	bucketReceipts  = []byte("receipts")     // op hash | authority -> signed receipt
	bucketLock      = []byte("chain_lock")
	bucketSchedules = []byte("schedules") // zome|fn -> PersistedSchedule

	// DHT DB buckets.
	bucketOps            = []byte("ops")             // op hash -> StoredOp
	bucketRecords        = []byte("records")         // action hash -> record
	bucketEntryActions   = []byte("entry_actions")   // entry hash | action hash -> record
	bucketUpdates        = []byte("updates")         // basis | action hash -> signed action
	bucketDeletes        = []byte("deletes")         // basis | action hash -> signed action
	bucketLinks          = []byte("links")           // base | create hash -> signed action
	bucketLinkTombstones = []byte("link_tombstones") // base | create hash | delete hash -> signed action
	bucketEntryStatus    = []byte("entry_status")    // entry hash -> live/dead
	bucketActivity       = []byte("activity")        // agent | seq -> action hash
	bucketActivityStatus = []byte("activity_status") // agent | action hash -> validation status
	bucketWarrants       = []byte("warrants")        // agent | warrant hash -> signed warrant

	// Cache DB buckets.
	bucketCachedRecords = []byte("cached_records")
	bucketCachedEntries = []byte("cached_entries")
)

// CellStore owns the three databases of one cell: authored (source chain and
// authored-op queue), dht (the authority store slice), and cache (fetched
// data for queries). All values are msgpack; chain record values may be
// encrypted at rest.
type CellStore struct {
	cellID   types.CellID
	authored *bolt.DB
	dht      *bolt.DB
	cache    *bolt.DB
	cipher   *valueCipher
}

// Options configures store opening.
type Options struct {
	// EncryptionKey enables at-rest encryption of chain records when set.
	// Must be 32 bytes for AES-256-GCM.
	EncryptionKey []byte
}

// dbName keys database files by (DNA, agent) so reinstalling the same app
// with a new agent does not collide.
func dbName(cellID types.CellID, kind string) string {
	d := cellID.DnaHash.Digest()
	a := cellID.AgentKey.Digest()
	return fmt.Sprintf("%s-%s-%s.db", kind, hex.EncodeToString(d[:8]), hex.EncodeToString(a[:8]))
}

// OpenCellStore opens (creating if needed) the cell's databases under
// dataDir.
func OpenCellStore(dataDir string, cellID types.CellID, opts Options) (*CellStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	var cipher *valueCipher
	if opts.EncryptionKey != nil {
		var err error
		cipher, err = newValueCipher(opts.EncryptionKey)
		if err != nil {
			return nil, err
		}
	}

	open := func(kind string, buckets [][]byte) (*bolt.DB, error) {
		db, err := bolt.Open(filepath.Join(dataDir, dbName(cellID, kind)), 0600, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s database: %w", kind, err)
		}
		err = db.Update(func(tx *bolt.Tx) error {
			for _, b := range buckets {
				if _, err := tx.CreateBucketIfNotExists(b); err != nil {
					return fmt.Errorf("failed to create bucket %s: %w", b, err)
				}
			}
			return nil
		})
		if err != nil {
			db.Close()
			return nil, err
		}
		return db, nil
	}

	authored, err := open("authored", [][]byte{
		bucketActions, bucketActionIdx, bucketHead, bucketAuthored,
		bucketReceipts, bucketLock, bucketSchedules,
	})
	if err != nil {
		return nil, err
	}
	dht, err := open("dht", [][]byte{
		bucketOps, bucketRecords, bucketEntryActions, bucketUpdates,
		bucketDeletes, bucketLinks, bucketLinkTombstones, bucketEntryStatus,
		bucketActivity, bucketActivityStatus, bucketWarrants,
	})
	if err != nil {
		authored.Close()
		return nil, err
	}
	cache, err := open("cache", [][]byte{bucketCachedRecords, bucketCachedEntries})
	if err != nil {
		authored.Close()
		dht.Close()
		return nil, err
	}

	return &CellStore{cellID: cellID, authored: authored, dht: dht, cache: cache, cipher: cipher}, nil
}

// Close closes all three databases.
func (s *CellStore) Close() error {
	var firstErr error
	for _, db := range []*bolt.DB{s.authored, s.dht, s.cache} {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// CellID returns the owning cell.
func (s *CellStore) CellID() types.CellID { return s.cellID }

// Delete removes the cell's database files. Callers close first.
func Delete(dataDir string, cellID types.CellID) error {
	for _, kind := range []string{"authored", "dht", "cache"} {
		path := filepath.Join(dataDir, dbName(cellID, kind))
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", path, err)
		}
	}
	return nil
}

func seqKey(seq uint32) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(seq))
	return k[:]
}

func compositeKey(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
