package settings

import (
	"context"
	"errors"

	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// BadgerBackend stores records in an embedded BadgerDB.
type BadgerBackend struct {
	db     *badger.DB
	prefix string
}

var _ Backend = (*BadgerBackend)(nil)

// BadgerOptions configures BadgerBackend. Dir is required unless InMemory.
type BadgerOptions struct {
	Dir      string
	InMemory bool
	Prefix   string
	Logger   *zap.Logger
}

func NewBadgerBackend(opts BadgerOptions) (*BadgerBackend, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("badger settings store needs a directory")
	}
	dbOpts := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		dbOpts = dbOpts.WithInMemory(true)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dbOpts = dbOpts.WithLogger(badgerLogger{logger.Sugar().With("component", "badger")})

	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, err
	}
	return &BadgerBackend{db: db, prefix: opts.Prefix}, nil
}

func (b *BadgerBackend) Load(_ context.Context, userID string) ([]byte, bool, error) {
	var val []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(b.key(userID))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (b *BadgerBackend) Save(_ context.Context, userID string, data []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(b.key(userID), data)
	})
}

func (b *BadgerBackend) Delete(_ context.Context, userID string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(b.key(userID))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	return err
}

func (b *BadgerBackend) Close() error {
	return b.db.Close()
}

func (b *BadgerBackend) key(userID string) []byte {
	return []byte(b.prefix + userID)
}

// badgerLogger routes badger output through zap, dropping debug chatter.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l badgerLogger) Errorf(f string, v ...interface{})   { l.s.Errorf(f, v...) }
func (l badgerLogger) Warningf(f string, v ...interface{}) { l.s.Warnf(f, v...) }
func (l badgerLogger) Infof(f string, v ...interface{})    { l.s.Debugf(f, v...) }
func (badgerLogger) Debugf(string, ...interface{})         {}
