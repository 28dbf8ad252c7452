package storage

import (
	"github.com/cuemby/conductor/pkg/hash"
	"github.com/cuemby/conductor/pkg/types"
	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

// CacheRecord stores a record fetched from the network so repeated queries
// skip the round trip. Cached data is advisory and never authoritative.
func (s *CellStore) CacheRecord(actionHash hash.Hash, r types.Record) error {
	return s.cache.Update(func(tx *bolt.Tx) error {
		data, err := msgpack.Marshal(&r)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketCachedRecords).Put(actionHash.Bytes(), data)
	})
}

// CachedRecord returns a cached record, or nil.
func (s *CellStore) CachedRecord(actionHash hash.Hash) (*types.Record, error) {
	var record *types.Record
	err := s.cache.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCachedRecords).Get(actionHash.Bytes())
		if data == nil {
			return nil
		}
		record = &types.Record{}
		return msgpack.Unmarshal(data, record)
	})
	return record, err
}

// CacheEntry stores entry content fetched from the network.
func (s *CellStore) CacheEntry(entryHash hash.Hash, e *types.Entry) error {
	return s.cache.Update(func(tx *bolt.Tx) error {
		data, err := msgpack.Marshal(e)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketCachedEntries).Put(entryHash.Bytes(), data)
	})
}

// CachedEntry returns cached entry content, or nil.
func (s *CellStore) CachedEntry(entryHash hash.Hash) (*types.Entry, error) {
	var entry *types.Entry
	err := s.cache.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCachedEntries).Get(entryHash.Bytes())
		if data == nil {
			return nil
		}
		entry = &types.Entry{}
		return msgpack.Unmarshal(data, entry)
	})
	return entry, err
}
