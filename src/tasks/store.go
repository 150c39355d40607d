package tasks

import (
	"bytes"
	"reflect"
	"sync"

	"github.com/ugorji/go/codec"
)

// Store persists the last task metadata snapshot.
type Store interface {
	// GetMeta returns the stored snapshot, or nil if there is none.
	GetMeta() (Meta, error)
	SetMeta(Meta) error
	Close() error
}

// InmemStore keeps the snapshot in memory.
type InmemStore struct {
	sync.RWMutex
	meta Meta
}

// NewInmemStore creates an empty InmemStore.
func NewInmemStore() *InmemStore {
	return &InmemStore{}
}

// GetMeta implements the Store interface.
func (s *InmemStore) GetMeta() (Meta, error) {
	s.RLock()
	defer s.RUnlock()
	return s.meta.Copy(), nil
}

// SetMeta implements the Store interface.
func (s *InmemStore) SetMeta(meta Meta) error {
	s.Lock()
	defer s.Unlock()
	s.meta = meta.Copy()
	return nil
}

// Close implements the Store interface.
func (s *InmemStore) Close() error {
	return nil
}

func jsonHandle() *codec.JsonHandle {
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	jh.MapType = reflect.TypeOf(map[string]interface{}(nil))
	return jh
}

// Marshal returns the canonical JSON encoding of m: map keys are sorted, so
// equal metadata always produces equal bytes.
func (m Meta) Marshal() ([]byte, error) {
	b := new(bytes.Buffer)
	enc := codec.NewEncoder(b, jsonHandle())

	if err := enc.Encode(m); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// Unmarshal decodes data into m.
func (m *Meta) Unmarshal(data []byte) error {
	b := bytes.NewBuffer(data)
	dec := codec.NewDecoder(b, jsonHandle())

	var res map[string]interface{}
	if err := dec.Decode(&res); err != nil {
		return err
	}

	*m = Meta(res)
	return nil
}
