package engine

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/text/unicode/norm"
	"lukechampine.com/blake3"
)

var bucketTargets = []byte("targets")

// Journal entry statuses. A target enters the journal pending and is
// rewritten exactly once with a terminal status.
const (
	JournalPending   = "pending"
	JournalConfirmed = "confirmed"
	JournalFailed    = "failed"
)

// AttemptRef records one submitted operation for a target.
type AttemptRef struct {
	OpID string `json:"opId"`
	Hash string `json:"hash,omitempty"`
}

// Entry is the durable record for one batch target. Its key is the target
// digest, so a restarted daemon recognises work it has already finished.
type Entry struct {
	Batch       string       `json:"batch"`
	Address     string       `json:"address"`
	Amount      uint64       `json:"amount"`
	Description string       `json:"description,omitempty"`
	Status      string       `json:"status"`
	Attempts    []AttemptRef `json:"attempts,omitempty"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// Key recomputes the entry's target digest.
func (e Entry) Key() [32]byte {
	return TargetKey(e.Batch, e.Address, e.Amount, e.Description)
}

// TargetKey derives the idempotency digest identifying one target within a
// batch. The description is NFC-normalised first so visually identical
// configs hash identically, and every field is length-delimited so no two
// distinct targets can collide by concatenation.
func TargetKey(batch, address string, amount uint64, description string) [32]byte {
	h := blake3.New(32, nil)
	writeField := func(b []byte) {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(b)))
		h.Write(n[:])
		h.Write(b)
	}
	writeField([]byte(batch))
	writeField([]byte(address))
	var amt [8]byte
	binary.BigEndian.PutUint64(amt[:], amount)
	writeField(amt[:])
	writeField([]byte(norm.NFC.String(description)))
	var key [32]byte
	h.Sum(key[:0])
	return key
}

// Journal persists per-target attempt state across daemon restarts.
type Journal struct {
	db *bolt.DB
}

// OpenJournal initialises (and migrates) the bolt-backed journal.
func OpenJournal(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("engine: open journal: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketTargets)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("engine: migrate journal: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close releases the underlying database handle.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Lookup fetches the entry stored under key, if present.
func (j *Journal) Lookup(key [32]byte) (Entry, bool, error) {
	var entry Entry
	found := false
	err := j.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketTargets).Get(key[:])
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &entry); err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return Entry{}, false, fmt.Errorf("engine: journal lookup: %w", err)
	}
	return entry, found, nil
}

// Put writes the entry under its target digest.
func (j *Journal) Put(entry Entry) error {
	if entry.Status == "" {
		return errors.New("engine: journal entry needs a status")
	}
	key := entry.Key()
	return j.db.Update(func(tx *bolt.Tx) error {
		payload, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketTargets).Put(key[:], payload)
	})
}

// Pending returns every entry without a terminal status. A restarted
// daemon resolves these before taking on new work.
func (j *Journal) Pending() ([]Entry, error) {
	var entries []Entry
	err := j.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTargets).ForEach(func(k, v []byte) error {
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("entry %s: %w", hex.EncodeToString(k), err)
			}
			if entry.Status == JournalPending {
				entries = append(entries, entry)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("engine: journal scan: %w", err)
	}
	return entries, nil
}
