package storage

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
)

// RLPKV adapts a Database into the RLP-encoded key-value surface the native
// modules consume. Values are serialised with RLP so stored structs follow
// the same canonical encoding everywhere.
type RLPKV struct {
	db Database
}

// NewRLPKV wraps the provided database.
func NewRLPKV(db Database) *RLPKV {
	return &RLPKV{db: db}
}

// KVPut stores the provided value under the supplied key using RLP encoding.
func (s *RLPKV) KVPut(key []byte, value interface{}) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("storage: database not configured")
	}
	if len(key) == 0 {
		return fmt.Errorf("storage: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return s.db.Put(key, encoded)
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return reports whether the key
// existed.
func (s *RLPKV) KVGet(key []byte, out interface{}) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("storage: database not configured")
	}
	if len(key) == 0 {
		return false, fmt.Errorf("storage: key must not be empty")
	}
	data, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// KVDelete removes the value stored under the supplied key. Deleting an
// absent key is not an error.
func (s *RLPKV) KVDelete(key []byte) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("storage: database not configured")
	}
	if len(key) == 0 {
		return fmt.Errorf("storage: key must not be empty")
	}
	if err := s.db.Delete(key); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}
