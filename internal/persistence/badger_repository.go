package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"fib-pocket-bot-go/internal/models"

	"github.com/dgraph-io/badger/v3"
)

var (
	checkpointKey = []byte("engine_checkpoint")
	archivePrefix = []byte("archive/")
)

// badgerRepository is the BadgerDB implementation of the CheckpointRepository.
type badgerRepository struct {
	db *badger.DB
}

// NewBadgerRepository opens (or creates) a BadgerDB database at dbPath.
func NewBadgerRepository(dbPath string) (CheckpointRepository, error) {
	return openBadger(badger.DefaultOptions(dbPath))
}

// NewInMemoryRepository is backed by an in-memory Badger instance. Used by paper mode and tests.
func NewInMemoryRepository() (CheckpointRepository, error) {
	return openBadger(badger.DefaultOptions("").WithInMemory(true))
}

func openBadger(opts badger.Options) (CheckpointRepository, error) {
	// Badger's own logging is disabled to keep our app's logs clean.
	// Errors are still returned from DB operations.
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &badgerRepository{db: db}, nil
}

// SaveCheckpoint marshals the state into JSON and saves it under a fixed key
// in a single transaction, so a crash leaves either the old or the new checkpoint.
func (r *badgerRepository) SaveCheckpoint(state *models.EngineState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(checkpointKey, data)
	})
}

// LoadCheckpoint returns (nil, nil) when no checkpoint has been written yet.
func (r *badgerRepository) LoadCheckpoint() (*models.EngineState, error) {
	var state models.EngineState

	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(checkpointKey)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) == 0 {
				return errors.New("checkpoint value is empty in database")
			}
			return json.Unmarshal(val, &state)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if state.Version > models.CheckpointVersion {
		return nil, fmt.Errorf("checkpoint version %d is newer than supported %d", state.Version, models.CheckpointVersion)
	}
	if state.ProcessedFills == nil {
		state.ProcessedFills = make(map[string]time.Time)
	}
	return &state, nil
}

// ArchivePosition writes a closed position under archive/<id>.
func (r *badgerRepository) ArchivePosition(pos models.Position) error {
	if pos.ID == "" {
		return errors.New("cannot archive a position without id")
	}
	data, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("marshal position: %w", err)
	}
	key := append(append([]byte{}, archivePrefix...), pos.ID...)
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

// ListArchived iterates the archive prefix. limit <= 0 returns everything.
func (r *badgerRepository) ListArchived(limit int) ([]models.Position, error) {
	var out []models.Position
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = archivePrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var pos models.Position
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &pos)
			}); err != nil {
				return err
			}
			out = append(out, pos)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClosedAt.After(out[j].ClosedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close gracefully closes the connection to the database.
func (r *badgerRepository) Close() error {
	return r.db.Close()
}
