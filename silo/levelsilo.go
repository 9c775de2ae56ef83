package silo

import (
	"errors"

	"github.com/syndtr/goleveldb/leveldb"

	"github.com/infinit/memo/address"
)

// levelSilo wraps an embedded goleveldb database: the production Silo
// backend, grounded on the corpus's use of syndtr/goleveldb as the
// embedded-KV layer for a consensus node's local state.
type levelSilo struct {
	db *leveldb.DB
}

// OpenLevel opens (or creates) a leveldb-backed Silo at path.
func OpenLevel(path string) (Silo, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &levelSilo{db: db}, nil
}

func (s *levelSilo) Get(addr address.Address) ([]byte, error) {
	v, err := s.db.Get(addr[:], nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrMissingKey
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (s *levelSilo) Set(addr address.Address, data []byte, insert, update bool) error {
	if insert || update {
		_, err := s.db.Get(addr[:], nil)
		exists := err == nil
		if err != nil && !errors.Is(err, leveldb.ErrNotFound) {
			return err
		}
		if insert && exists {
			return ErrConflict
		}
		if update && !exists {
			return ErrConflict
		}
	}
	return s.db.Put(addr[:], data, nil)
}

func (s *levelSilo) Erase(addr address.Address) error {
	_, err := s.db.Get(addr[:], nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return ErrMissingKey
	}
	if err != nil {
		return err
	}
	return s.db.Delete(addr[:], nil)
}

func (s *levelSilo) List() (<-chan address.Address, error) {
	out := make(chan address.Address)
	iter := s.db.NewIterator(nil, nil)
	go func() {
		defer close(out)
		defer iter.Release()
		for iter.Next() {
			var a address.Address
			key := iter.Key()
			if len(key) != address.Size {
				continue
			}
			copy(a[:], key)
			out <- a
		}
	}()
	return out, nil
}

func (s *levelSilo) Close() error {
	return s.db.Close()
}
