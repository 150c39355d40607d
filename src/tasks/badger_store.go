package tasks

import (
	"github.com/dgraph-io/badger"
	"github.com/sirupsen/logrus"
)

var metaKey = []byte("meta")

// BadgerStore persists the snapshot in a Badger database.
type BadgerStore struct {
	db   *badger.DB
	path string
}

// NewBadgerStore opens, or creates, the database at path.
func NewBadgerStore(path string, logger *logrus.Entry) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).
		WithSyncWrites(false)

	if logger != nil {
		opts = opts.WithLogger(logger)
	}

	handle, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	store := &BadgerStore{
		db:   handle,
		path: path,
	}

	return store, nil
}

// GetMeta implements the Store interface.
func (s *BadgerStore) GetMeta() (Meta, error) {
	var data []byte

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey)
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})

	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var meta Meta
	if err := meta.Unmarshal(data); err != nil {
		return nil, err
	}

	return meta, nil
}

// SetMeta implements the Store interface.
func (s *BadgerStore) SetMeta(meta Meta) error {
	data, err := meta.Marshal()
	if err != nil {
		return err
	}

	tx := s.db.NewTransaction(true)
	defer tx.Discard()

	if err := tx.Set(metaKey, data); err != nil {
		return err
	}

	return tx.Commit()
}

// Close implements the Store interface.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// StorePath returns the path of the database.
func (s *BadgerStore) StorePath() string {
	return s.path
}
