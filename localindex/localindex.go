// Package localindex is a small bbolt-backed accelerator local to one
// device (SPEC_FULL.md §2): it answers "have I already stored this
// message locally?" and "which KEX segment indices have I already
// recorded?" in O(1) bucket lookups instead of a directory scan or a
// full keystore.Store read. It sits alongside the mandated JSON
// sidecars in keystore, never in place of them — losing this index
// only costs a rebuild, never data.
package localindex

import (
	"encoding/binary"
	"fmt"
	"sort"

	bolt "go.etcd.io/bbolt"
)

var (
	processedBucket = []byte("processed")
	segmentsBucket  = []byte("segments")
)

// Index wraps one bbolt database file.
type Index struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the bbolt file at path.
func Open(path string) (*Index, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("localindex: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(processedBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(segmentsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("localindex: init buckets: %w", err)
	}
	return &Index{db: db}, nil
}

// Close closes the underlying bbolt database.
func (idx *Index) Close() error {
	return idx.db.Close()
}

func processedKey(convID, messageID string) []byte {
	return []byte(convID + "\x00" + messageID)
}

// IsProcessed reports whether (convID, messageID) was previously
// recorded by MarkProcessed.
func (idx *Index) IsProcessed(convID, messageID string) (bool, error) {
	var found bool
	err := idx.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(processedBucket).Get(processedKey(convID, messageID))
		found = v != nil
		return nil
	})
	return found, err
}

// MarkProcessed records that (convID, messageID) has been handled by
// the Receive pipeline, so the Coordinator's already-stored check
// short-circuits on the next stream tick.
func (idx *Index) MarkProcessed(convID, messageID string) error {
	return idx.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(processedBucket).Put(processedKey(convID, messageID), []byte{1})
	})
}

func segmentsKey(sessionID, peerID string) []byte {
	return []byte(sessionID + "\x00" + peerID)
}

func encodeIndices(indices []uint32) []byte {
	sorted := append([]uint32(nil), indices...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	out := make([]byte, 4*len(sorted))
	for i, v := range sorted {
		binary.LittleEndian.PutUint32(out[i*4:], v)
	}
	return out
}

func decodeIndices(data []byte) []uint32 {
	n := len(data) / 4
	out := make([]uint32, n)
	for i := 0; i < n; i++ {
		out[i] = binary.LittleEndian.Uint32(data[i*4:])
	}
	return out
}

// RecordedSegments returns the sorted set of segment indices already
// recorded for (sessionID, peerID).
func (idx *Index) RecordedSegments(sessionID, peerID string) ([]uint32, error) {
	var indices []uint32
	err := idx.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(segmentsBucket).Get(segmentsKey(sessionID, peerID))
		indices = decodeIndices(v)
		return nil
	})
	return indices, err
}

// AddSegment records that index has been received for (sessionID,
// peerID), returning whether it was newly added (false if already
// present).
func (idx *Index) AddSegment(sessionID, peerID string, index uint32) (bool, error) {
	added := false
	err := idx.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(segmentsBucket)
		key := segmentsKey(sessionID, peerID)
		existing := decodeIndices(b.Get(key))
		for _, v := range existing {
			if v == index {
				return nil
			}
		}
		added = true
		existing = append(existing, index)
		return b.Put(key, encodeIndices(existing))
	})
	return added, err
}

// DropSession removes the segment-index record for sessionID of each
// peer in peerIDs; records of peers not listed are kept.
func (idx *Index) DropSession(sessionID string, peerIDs []string) error {
	return idx.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(segmentsBucket)
		for _, peerID := range peerIDs {
			if err := b.Delete(segmentsKey(sessionID, peerID)); err != nil {
				return err
			}
		}
		return nil
	})
}
