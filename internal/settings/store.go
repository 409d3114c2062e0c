package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

var ErrUserRequired = errors.New("user id is required")

// Store is the settings provider. Get returns a copy; callers never hold a
// live reference to stored state.
type Store interface {
	Get(ctx context.Context, userID string) (Record, error)
	Update(ctx context.Context, userID string, mutate func(*Record) error) (Record, error)
	Reset(ctx context.Context, userID string) (Record, error)
	Close() error
}

// Backend persists encoded records keyed by user id.
type Backend interface {
	Load(ctx context.Context, userID string) ([]byte, bool, error)
	Save(ctx context.Context, userID string, data []byte) error
	Delete(ctx context.Context, userID string) error
	Close() error
}

// Codec encodes records for a backend.
type Codec interface {
	Marshal(rec Record) ([]byte, error)
	// Unmarshal decodes onto rec; fields absent from data keep rec's values.
	Unmarshal(data []byte, rec *Record) error
}

type jsonCodec struct{}

func (jsonCodec) Marshal(rec Record) ([]byte, error)       { return json.Marshal(rec) }
func (jsonCodec) Unmarshal(data []byte, rec *Record) error { return json.Unmarshal(data, rec) }

type msgpackCodec struct{}

func (msgpackCodec) Marshal(rec Record) ([]byte, error)       { return msgpack.Marshal(rec) }
func (msgpackCodec) Unmarshal(data []byte, rec *Record) error { return msgpack.Unmarshal(data, rec) }

var (
	JSONCodec    Codec = jsonCodec{}
	MsgpackCodec Codec = msgpackCodec{}
)

// KeyedStore implements Store over a Backend.
type KeyedStore struct {
	backend Backend
	codec   Codec

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

var _ Store = (*KeyedStore)(nil)

// NewStore wraps backend with codec.
func NewStore(backend Backend, codec Codec) *KeyedStore {
	if codec == nil {
		codec = JSONCodec
	}
	return &KeyedStore{backend: backend, codec: codec, locks: map[string]*sync.Mutex{}}
}

// Get returns the user's record, creating the default record on first use.
// Fields missing from stored data are filled from the default.
func (s *KeyedStore) Get(ctx context.Context, userID string) (Record, error) {
	userID, err := normalizeUser(userID)
	if err != nil {
		return Record{}, err
	}
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()
	return s.loadOrCreate(ctx, userID)
}

// Update applies mutate to the user's record and persists the result.
// The stored record is unchanged when mutate fails.
func (s *KeyedStore) Update(ctx context.Context, userID string, mutate func(*Record) error) (Record, error) {
	userID, err := normalizeUser(userID)
	if err != nil {
		return Record{}, err
	}
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.loadOrCreate(ctx, userID)
	if err != nil {
		return Record{}, err
	}
	if mutate != nil {
		if err := mutate(&rec); err != nil {
			return Record{}, err
		}
	}
	if err := s.save(ctx, userID, rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Reset restores the default record.
func (s *KeyedStore) Reset(ctx context.Context, userID string) (Record, error) {
	userID, err := normalizeUser(userID)
	if err != nil {
		return Record{}, err
	}
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	rec := Default()
	if err := s.save(ctx, userID, rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (s *KeyedStore) Close() error {
	return s.backend.Close()
}

func (s *KeyedStore) loadOrCreate(ctx context.Context, userID string) (Record, error) {
	data, found, err := s.backend.Load(ctx, userID)
	if err != nil {
		return Record{}, fmt.Errorf("load settings for %s: %w", userID, err)
	}
	if !found {
		rec := Default()
		if err := s.save(ctx, userID, rec); err != nil {
			return Record{}, err
		}
		return rec, nil
	}

	rec := Default()
	if err := s.codec.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("decode settings for %s: %w", userID, err)
	}
	return rec.normalize(), nil
}

func (s *KeyedStore) save(ctx context.Context, userID string, rec Record) error {
	data, err := s.codec.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := s.backend.Save(ctx, userID, data); err != nil {
		return fmt.Errorf("save settings for %s: %w", userID, err)
	}
	return nil
}

func (s *KeyedStore) userLock(userID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[userID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[userID] = lock
	}
	return lock
}

func normalizeUser(userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", ErrUserRequired
	}
	return userID, nil
}

// SetField is an Update mutation that applies a single key/value pair.
func SetField(key, value string) func(*Record) error {
	return func(rec *Record) error {
		return Apply(rec, key, value)
	}
}
