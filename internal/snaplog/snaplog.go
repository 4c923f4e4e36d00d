// Package snaplog keeps the append-only journal of committed snapshots.
// Each record names a root directory entry in the CAS; the sequence of
// records is the backup history. Records are stored in badger under
// sequence-ordered keys so listing walks them in creation order.
package snaplog

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"casbak/internal/caserr"
	"casbak/internal/dirent"
)

const (
	snapPrefix = "snap:"
	seqKey     = "snapseq"
	idPrefix   = "snapid:"
)

// Snapshot is one journal record. Root transitively names the whole
// backed-up tree.
type Snapshot struct {
	ID        string       `json:"id"`
	Seq       uint64       `json:"seq"`
	Root      dirent.Entry `json:"root"`
	Parent    string       `json:"parent,omitempty"`
	Message   string       `json:"message,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// Log is the snapshot journal. Safe for concurrent use; badger
// transactions serialize writers.
type Log struct {
	db  *badger.DB
	log *zap.Logger
}

func New(db *badger.DB, logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{db: db, log: logger}
}

func seqSnapKey(seq uint64, id string) []byte {
	return []byte(fmt.Sprintf("%s%012d:%s", snapPrefix, seq, id))
}

func idKey(id string) []byte {
	return []byte(idPrefix + id)
}

// Append records a new snapshot with root as its tree and the current
// latest snapshot as its parent.
func (l *Log) Append(root dirent.Entry, message string) (Snapshot, error) {
	if root.Kind != dirent.KindDir || root.Ref == "" {
		return Snapshot{}, caserr.New(caserr.KindNotADirectory, "snapshot root must be a stored directory")
	}

	snap := Snapshot{
		ID:        uuid.New().String(),
		Root:      root,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}

	err := l.db.Update(func(txn *badger.Txn) error {
		seq, err := nextSeq(txn)
		if err != nil {
			return err
		}
		snap.Seq = seq

		if latest, err := latestIn(txn); err != nil {
			return err
		} else if latest != nil {
			snap.Parent = latest.ID
		}

		data, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		if err := txn.Set(seqSnapKey(snap.Seq, snap.ID), data); err != nil {
			return err
		}
		// Secondary index: id -> sequence key, for Get by id.
		return txn.Set(idKey(snap.ID), seqSnapKey(snap.Seq, snap.ID))
	})
	if err != nil {
		return Snapshot{}, caserr.Wrap(caserr.KindCasIo, err, "appending snapshot")
	}

	l.log.Info("recorded snapshot",
		zap.String("id", snap.ID),
		zap.Uint64("seq", snap.Seq),
		zap.String("root", snap.Root.Ref))
	return snap, nil
}

func nextSeq(txn *badger.Txn) (uint64, error) {
	var seq uint64 = 1
	item, err := txn.Get([]byte(seqKey))
	switch {
	case err == badger.ErrKeyNotFound:
	case err != nil:
		return 0, err
	default:
		if err := item.Value(func(val []byte) error {
			_, scanErr := fmt.Sscanf(string(val), "%d", &seq)
			return scanErr
		}); err != nil {
			return 0, err
		}
		seq++
	}
	if err := txn.Set([]byte(seqKey), []byte(fmt.Sprintf("%d", seq))); err != nil {
		return 0, err
	}
	return seq, nil
}

func latestIn(txn *badger.Txn) (*Snapshot, error) {
	opts := badger.DefaultIteratorOptions
	opts.Reverse = true
	opts.Prefix = []byte(snapPrefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	// Reverse iteration needs a seek key past the prefix range.
	it.Seek([]byte(snapPrefix + "\xff"))
	if !it.ValidForPrefix([]byte(snapPrefix)) {
		return nil, nil
	}
	var snap Snapshot
	if err := it.Item().Value(func(val []byte) error {
		return json.Unmarshal(val, &snap)
	}); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Get returns the snapshot with the given id. Short unambiguous id
// prefixes are accepted.
func (l *Log) Get(id string) (Snapshot, error) {
	var snap Snapshot
	found := false
	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(idKey(id))
		if err == nil {
			var seqk []byte
			if err := item.Value(func(val []byte) error {
				seqk = append([]byte(nil), val...)
				return nil
			}); err != nil {
				return err
			}
			rec, err := txn.Get(seqk)
			if err != nil {
				return err
			}
			found = true
			return rec.Value(func(val []byte) error {
				return json.Unmarshal(val, &snap)
			})
		}
		if err != badger.ErrKeyNotFound {
			return err
		}
		return matchPrefix(txn, id, &snap, &found)
	})
	if err != nil {
		return Snapshot{}, caserr.Wrap(caserr.KindCasIo, err, "reading snapshot")
	}
	if !found {
		return Snapshot{}, caserr.NewPath(caserr.KindNoSuchEntry, id, "no such snapshot")
	}
	return snap, nil
}

func matchPrefix(txn *badger.Txn, id string, snap *Snapshot, found *bool) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(idPrefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	var seqk []byte
	for it.Seek([]byte(idPrefix + id)); it.ValidForPrefix([]byte(idPrefix + id)); it.Next() {
		if seqk != nil {
			return fmt.Errorf("ambiguous snapshot id prefix %q", id)
		}
		if err := it.Item().Value(func(val []byte) error {
			seqk = append([]byte(nil), val...)
			return nil
		}); err != nil {
			return err
		}
	}
	if seqk == nil {
		return nil
	}
	rec, err := txn.Get(seqk)
	if err != nil {
		return err
	}
	*found = true
	return rec.Value(func(val []byte) error {
		return json.Unmarshal(val, snap)
	})
}

// List returns all snapshots in creation order.
func (l *Log) List() ([]Snapshot, error) {
	var out []Snapshot
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(snapPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(snapPrefix)); it.ValidForPrefix([]byte(snapPrefix)); it.Next() {
			key := string(it.Item().Key())
			if !strings.HasPrefix(key, snapPrefix) {
				continue
			}
			var snap Snapshot
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &snap)
			}); err != nil {
				return err
			}
			out = append(out, snap)
		}
		return nil
	})
	if err != nil {
		return nil, caserr.Wrap(caserr.KindCasIo, err, "listing snapshots")
	}
	return out, nil
}

// Latest returns the most recent snapshot, or (nil, nil) on an empty
// journal.
func (l *Log) Latest() (*Snapshot, error) {
	var snap *Snapshot
	err := l.db.View(func(txn *badger.Txn) error {
		s, err := latestIn(txn)
		if err != nil {
			return err
		}
		snap = s
		return nil
	})
	if err != nil {
		return nil, caserr.Wrap(caserr.KindCasIo, err, "reading latest snapshot")
	}
	return snap, nil
}
