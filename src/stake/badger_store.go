package stake

import (
	"encoding/binary"
	"fmt"

	"github.com/dgraph-io/badger"
	cm "github.com/mosaicnetworks/shardcast/src/common"
	"github.com/sirupsen/logrus"
)

const (
	epochPrefix   = "epoch"
	lastEpochKey  = "last_epoch"
	snapshotLabel = "StakeSnapshot"
)

// BadgerStore implements the Store interface on top of a Badger database.
// Every installed snapshot is kept under its epoch key, and a pointer to the
// latest epoch allows a restarting node to resume from it.
type BadgerStore struct {
	db   *badger.DB
	path string
}

// LoadOrCreateBadgerStore opens the database in path, creating it if needed.
func LoadOrCreateBadgerStore(path string, logger *logrus.Entry) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).
		WithSyncWrites(true).
		WithTruncate(true)

	if logger != nil {
		sub := logger.WithFields(logrus.Fields{"ns": "badger"})
		opts = opts.WithLogger(sub)
	}

	handle, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	return &BadgerStore{
		db:   handle,
		path: path,
	}, nil
}

//==============================================================================
//Keys

func epochKey(epoch uint64) []byte {
	return []byte(fmt.Sprintf("%s_%020d", epochPrefix, epoch))
}

//==============================================================================
//Implement the Store interface

// Save persists a snapshot and moves the last-epoch pointer to it.
func (s *BadgerStore) Save(d *Distribution) error {
	val, err := d.Marshal()
	if err != nil {
		return err
	}

	tx := s.db.NewTransaction(true)
	defer tx.Discard()

	//insert [epoch] => [Distribution bytes]
	if err := tx.Set(epochKey(d.Epoch()), val); err != nil {
		return err
	}

	ptr := make([]byte, 8)
	binary.BigEndian.PutUint64(ptr, d.Epoch())
	if err := tx.Set([]byte(lastEpochKey), ptr); err != nil {
		return err
	}

	return tx.Commit()
}

// Last returns the snapshot pointed to by the last-epoch key.
func (s *BadgerStore) Last() (*Distribution, error) {
	var data []byte

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(lastEpochKey))
		if err != nil {
			return err
		}
		ptr, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if len(ptr) != 8 {
			return fmt.Errorf("corrupt %s pointer", lastEpochKey)
		}

		item, err = txn.Get(epochKey(binary.BigEndian.Uint64(ptr)))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})

	if isDBKeyNotFound(err) {
		return nil, cm.NewStoreErr(snapshotLabel, cm.KeyNotFound, lastEpochKey)
	}
	if err != nil {
		return nil, err
	}

	return UnmarshalDistribution(data)
}

// Get returns the snapshot of a given epoch.
func (s *BadgerStore) Get(epoch uint64) (*Distribution, error) {
	var data []byte
	key := epochKey(epoch)

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})

	if isDBKeyNotFound(err) {
		return nil, cm.NewStoreErr(snapshotLabel, cm.KeyNotFound, string(key))
	}
	if err != nil {
		return nil, err
	}

	return UnmarshalDistribution(data)
}

// Close closes the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// StorePath returns the directory of the database.
func (s *BadgerStore) StorePath() string {
	return s.path
}

func isDBKeyNotFound(err error) bool {
	return err != nil && err.Error() == badger.ErrKeyNotFound.Error()
}
