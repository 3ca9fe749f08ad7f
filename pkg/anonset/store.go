package anonset

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	leveldbstorage "github.com/syndtr/goleveldb/leveldb/storage"
)

// Store persists anonymity-set snapshots between runs.
type Store interface {
	// Load returns the snapshot for contract; ok is false when none exists.
	Load(contract string) (set Set, ok bool, err error)
	Save(set Set) error
}

const snapshotPrefix = "anonset/"

type snapshot struct {
	Contract  string    `json:"contract"`
	FetchedAt time.Time `json:"fetched_at"`
	Leaves    []Leaf    `json:"leaves"`
}

// LevelStore keeps one JSON snapshot per contract in LevelDB.
type LevelStore struct {
	db *leveldb.DB
}

// OpenLevelStore opens or creates the database at path. An empty path uses
// in-memory storage.
func OpenLevelStore(path string) (*LevelStore, error) {
	var (
		db  *leveldb.DB
		err error
	)
	if path == "" {
		db, err = leveldb.Open(leveldbstorage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("open snapshot store at %q: %w", path, err)
	}
	return &LevelStore{db: db}, nil
}

func (s *LevelStore) Close() error { return s.db.Close() }

func (s *LevelStore) Load(contract string) (Set, bool, error) {
	data, err := s.db.Get([]byte(snapshotPrefix+contract), nil)
	if err == leveldb.ErrNotFound {
		return Set{}, false, nil
	}
	if err != nil {
		return Set{}, false, fmt.Errorf("load snapshot %s: %w", contract, err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Set{}, false, fmt.Errorf("decode snapshot %s: %w", contract, err)
	}
	if snap.Contract != contract {
		return Set{}, false, fmt.Errorf("snapshot under %s belongs to %s", contract, snap.Contract)
	}
	set, err := NewSet(contract, snap.Leaves, snap.FetchedAt)
	if err != nil {
		return Set{}, false, fmt.Errorf("snapshot %s: %w", contract, err)
	}
	return set, true, nil
}

func (s *LevelStore) Save(set Set) error {
	data, err := json.Marshal(snapshot{
		Contract:  set.contract,
		FetchedAt: set.fetchedAt,
		Leaves:    set.leaves,
	})
	if err != nil {
		return err
	}
	if err := s.db.Put([]byte(snapshotPrefix+set.contract), data, nil); err != nil {
		return fmt.Errorf("save snapshot %s: %w", set.contract, err)
	}
	return nil
}
